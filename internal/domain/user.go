// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen = 64
	MaxNameLen   = 64
)

var (
	ErrNameTooLong   = errors.New("name too long")
	ErrNameEmpty     = errors.New("name empty")
	ErrPhoneFormat   = errors.New("phone number must be in international format, e.g. +1234567890")
	ErrUserIDInvalid = errors.New("user id invalid")
)

// UserID is the opaque stable identity of a user.
type UserID string

func (id UserID) Valid() bool {
	return id != "" && len(id) <= MaxUserIDLen
}

type User struct {
	ID             UserID `json:"_id"`
	Name           string `json:"name,omitempty"`
	PhoneNumber    string `json:"phoneNumber"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Registered reports whether the profile signup step has been completed.
func (u *User) Registered() bool {
	return u != nil && u.ID != "" && u.Name != ""
}

func (u *User) SetName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	u.Name = name
	return nil
}

// ValidatePhone checks the E.164-like shape the OTP backend expects.
func ValidatePhone(phone string) error {
	if len(phone) < 4 || !strings.HasPrefix(phone, "+") {
		return ErrPhoneFormat
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return ErrPhoneFormat
		}
	}
	return nil
}

// Without returns users minus the one with id.
func Without(users []User, id UserID) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

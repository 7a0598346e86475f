package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestHistory_DecodesChatHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-history/a/b", r.URL.Path)
		writeJSON(w, map[string]any{
			"success": true,
			"chatHistory": []map[string]any{
				{"_id": "1", "sender": "b", "receiver": "a", "message": "hi", "createdAt": "2024-01-02T03:04:05Z"},
			},
		})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, nil).History(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.MessageID("1"), got[0].ID)
	assert.Equal(t, domain.UserID("b"), got[0].SenderID)
	assert.Equal(t, "hi", got[0].Body)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got[0].SentAt.UTC())
}

func TestHistory_FailureIsHistoryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).History(context.Background(), "a", "b")
	assert.True(t, errors.Is(err, core.ErrHistoryUnavailable))

	srv.Close()
	_, err = NewClient(srv.URL, nil).History(context.Background(), "a", "b")
	assert.True(t, errors.Is(err, core.ErrHistoryUnavailable))
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, map[string]string{"sender": "a", "receiver": "b", "message": "yo"}, in)
		writeJSON(w, map[string]any{
			"success":    true,
			"newMessage": map[string]any{"_id": "42", "sender": "a", "receiver": "b", "message": "yo"},
		})
	}))
	defer srv.Close()

	msg, err := NewClient(srv.URL, nil).SendMessage(context.Background(), "a", "b", "yo")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageID("42"), msg.ID)
}

func TestSendMessage_RejectedIsSendFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).SendMessage(context.Background(), "a", "b", "yo")
	assert.ErrorIs(t, err, core.ErrSendFailed)
}

func TestSendOTP_ValidatesPhoneLocally(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeJSON(w, map[string]any{"success": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	assert.ErrorIs(t, c.SendOTP(context.Background(), "5551234"), domain.ErrPhoneFormat)
	assert.Zero(t, hits)
	assert.NoError(t, c.SendOTP(context.Background(), "+15551234"))
	assert.Equal(t, 1, hits)
}

func TestVerifyOTP_NewUserHasNoProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "user": nil})
	}))
	defer srv.Close()

	u, err := NewClient(srv.URL, nil).VerifyOTP(context.Background(), "+15551234", "1234")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSignup_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Ann", r.FormValue("name"))
		assert.Equal(t, "+15551234", r.FormValue("phoneNumber"))
		f, hdr, err := r.FormFile("profilePicture")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "png-bytes", string(b))
		assert.Equal(t, "me.png", hdr.Filename)
		writeJSON(w, map[string]any{
			"success": true,
			"user":    map[string]any{"_id": "u1", "name": "Ann", "phoneNumber": "+15551234"},
		})
	}))
	defer srv.Close()

	u, err := NewClient(srv.URL, nil).Signup(context.Background(), SignupForm{
		PhoneNumber: "+15551234",
		Name:        "Ann",
		Email:       "ann@example.com",
		Password:    "secret",
		PicturePath: "/tmp/me.png",
		Picture:     strings.NewReader("png-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), u.ID)
}

type stubContacts []domain.User

func (s stubContacts) Users(context.Context) ([]domain.User, error) { return s, nil }

func TestContacts_FiltersSelf(t *testing.T) {
	all := stubContacts{{ID: "me", Name: "Me"}, {ID: "b", Name: "Bob"}}
	got, err := Contacts(context.Background(), all, "me")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.UserID("b"), got[0].ID)
}

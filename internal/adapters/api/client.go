package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRejected = errors.New("api: request rejected")

// Client talks to the chat, contact and registration endpoints.
type Client struct {
	base string
	hc   *http.Client
}

var (
	_ core.ChatAPI     = (*Client)(nil)
	_ core.ContactsAPI = (*Client)(nil)
)

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var env envelope
	if resp.StatusCode >= 300 {
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, env.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if !env.Success {
		if env.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, env.Message)
		}
		return ErrRejected
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), out)
}

func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var out struct {
		Users []domain.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", "", nil, &out); err != nil {
		log.Warn().Err(err).Str("module", "api").Msg("users")
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	path := "/chat-history/" + url.PathEscape(string(a)) + "/" + url.PathEscape(string(b))
	var out struct {
		ChatHistory []domain.Message `json:"chatHistory"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		log.Warn().Err(err).Str("module", "api").Str("a", string(a)).Str("b", string(b)).Msg("history")
		return nil, fmt.Errorf("%w: %v", core.ErrHistoryUnavailable, err)
	}
	return out.ChatHistory, nil
}

func (c *Client) SendMessage(ctx context.Context, sender, receiver domain.UserID, body string) (domain.Message, error) {
	in := struct {
		Sender   domain.UserID `json:"sender"`
		Receiver domain.UserID `json:"receiver"`
		Message  string        `json:"message"`
	}{sender, receiver, body}
	var out struct {
		NewMessage *domain.Message `json:"newMessage"`
	}
	if err := c.postJSON(ctx, "/send-message", in, &out); err != nil {
		log.Warn().Err(err).Str("module", "api").Str("receiver", string(receiver)).Msg("send message")
		return domain.Message{}, fmt.Errorf("%w: %v", core.ErrSendFailed, err)
	}
	if out.NewMessage == nil || out.NewMessage.ID == "" {
		return domain.Message{}, fmt.Errorf("%w: response without message", core.ErrSendFailed)
	}
	return *out.NewMessage, nil
}

// SendOTP asks the server to text a one-time password to phone.
func (c *Client) SendOTP(ctx context.Context, phone string) error {
	if err := domain.ValidatePhone(phone); err != nil {
		return err
	}
	in := map[string]string{"phoneNumber": phone}
	return c.postJSON(ctx, "/send-otp", in, nil)
}

// VerifyOTP returns the registered user for phone, or nil when the phone
// is verified but no profile exists yet.
func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (*domain.User, error) {
	in := map[string]string{"phoneNumber": phone, "otp": otp}
	var out struct {
		User *domain.User `json:"user"`
	}
	if err := c.postJSON(ctx, "/verify-otp", in, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

type SignupForm struct {
	PhoneNumber string
	Name        string
	Email       string
	Password    string
	// PicturePath is optional.
	PicturePath string
	Picture     io.Reader
}

func (c *Client) Signup(ctx context.Context, f SignupForm) (*domain.User, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"phoneNumber", f.PhoneNumber},
		{"name", f.Name},
		{"email", f.Email},
		{"password", f.Password},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	if f.Picture != nil {
		fw, err := mw.CreateFormFile("profilePicture", filepath.Base(f.PicturePath))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(fw, f.Picture); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out struct {
		User *domain.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/signup", mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	if out.User == nil || !out.User.Registered() {
		return nil, fmt.Errorf("%w: signup returned no user", ErrRejected)
	}
	return out.User, nil
}

// Contacts lists every registered user except self.
func Contacts(ctx context.Context, api core.ContactsAPI, self domain.UserID) ([]domain.User, error) {
	users, err := api.Users(ctx)
	if err != nil {
		return nil, err
	}
	return domain.Without(users, self), nil
}

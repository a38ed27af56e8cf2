// Package client is a thin HTTP client for the usergate API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"usergate.dev/internal/auth"
)

// ErrRateLimited is returned when the server answers 429.
var ErrRateLimited = errors.New("client: rate limited")

// APIError is a non-2xx answer. It unwraps to the matching auth sentinel so
// callers can use errors.Is(err, auth.ErrForbidden) and friends.
type APIError struct {
	Status     int
	Message    string
	RequestID  string
	RetryAfter time.Duration
	kind       error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("usergate: %d %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("usergate: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// User is the public user record returned by the API.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       *int      `json:"age,omitempty"`
	Mobile    *string   `json:"mobile,omitempty"`
	RoleID    int64     `json:"roleId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Client talks to one usergate base URL.
type Client struct {
	base *url.URL
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Register(ctx context.Context, in auth.RegisterInput) (auth.TokenResponse, error) {
	var out auth.TokenResponse
	err := c.do(ctx, http.MethodPost, "/v1/auth/register", "", in, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.TokenResponse, error) {
	var out auth.TokenResponse
	body := map[string]string{"email": email, "password": password}
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", body, &out)
	return out, err
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	var out auth.TokenPair
	body := map[string]string{"refreshToken": refreshToken}
	err := c.do(ctx, http.MethodPost, "/v1/auth/token", "", body, &out)
	return out, err
}

// Revoke deletes userID and all of its sessions. Requires an admin token.
func (c *Client) Revoke(ctx context.Context, token, userID string) (auth.RevokeResult, error) {
	var out auth.RevokeResult
	err := c.do(ctx, http.MethodPost, "/v1/auth/revoke", token, map[string]string{"userId": userID}, &out)
	return out, err
}

func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var out struct {
		User User   `json:"user"`
		Role string `json:"role"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/me", token, nil, &out)
	return out.User, err
}

func (c *Client) ListUsers(ctx context.Context, token string) ([]User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/users", token, nil, &out)
	return out.Users, err
}

func (c *Client) GetUser(ctx context.Context, token, id string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(id), token, nil, &out)
	return out, err
}

func (c *Client) UpdateUser(ctx context.Context, token, id string, patch auth.UserPatch) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPatch, "/v1/users/"+url.PathEscape(id), token, patch, &out)
	return out, err
}

func (c *Client) DeleteUser(ctx context.Context, token, id string) (auth.RevokeResult, error) {
	var out auth.RevokeResult
	err := c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(id), token, nil, &out)
	return out, err
}

// Ready returns nil when /readyz reports the server ready.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
	}
	apiErr := &APIError{
		Status:    resp.StatusCode,
		Message:   payload.Error,
		RequestID: payload.RequestID,
		kind:      kindFor(resp.StatusCode, payload.Error),
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// kindFor maps a status and server message back onto the service error kinds.
func kindFor(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		if strings.Contains(msg, "no fields to update") {
			return auth.ErrNoFields
		}
		return auth.ErrValidation
	case http.StatusUnauthorized:
		switch {
		case strings.Contains(msg, "invalid email or password"):
			return auth.ErrInvalidCredentials
		case strings.Contains(msg, "token expired"):
			return auth.ErrExpired
		}
		return auth.ErrInvalidToken
	case http.StatusForbidden:
		if strings.Contains(msg, "cannot change own role") {
			return auth.ErrRoleChangeDenied
		}
		return auth.ErrForbidden
	case http.StatusNotFound:
		return auth.ErrNotFound
	case http.StatusConflict:
		return auth.ErrConflict
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if status >= 500 {
		return auth.ErrInternal
	}
	return nil
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

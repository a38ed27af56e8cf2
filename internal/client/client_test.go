package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"usergate.dev/internal/auth"
	"usergate.dev/internal/httpapi"
	"usergate.dev/internal/obs"
	"usergate.dev/internal/ratelimit"
	"usergate.dev/internal/store/memory"
)

func newServer(t *testing.T, opts ...httpapi.Option) *Client {
	t.Helper()
	obs.Logger().SetOutput(io.Discard)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	svc, err := auth.NewService(memory.New(), auth.NewCodec("a-secret", "r-secret"),
		auth.WithHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
		auth.WithLogger(quiet),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	srv := httptest.NewServer(httpapi.New(svc, opts...).Handler())
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientRoundTrip(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	if err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	reg, err := c.Register(ctx, auth.RegisterInput{
		Name: "Lee", Email: "lee@example.com", Password: "pw-123", TeamID: 3, RoleID: 5,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err = c.Register(ctx, auth.RegisterInput{
		Name: "Lee", Email: "lee@example.com", Password: "pw-123", TeamID: 3, RoleID: 5,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := c.Login(ctx, "lee@example.com", "nope"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	login, err := c.Login(ctx, "lee@example.com", "pw-123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	users, err := c.ListUsers(ctx, login.Tokens.AccessToken)
	if err != nil || len(users) != 1 || users[0].ID != reg.UserID {
		t.Fatalf("ListUsers: %v %+v", err, users)
	}

	name := "Lee Park"
	u, err := c.UpdateUser(ctx, login.Tokens.AccessToken, reg.UserID, auth.UserPatch{Name: &name})
	if err != nil || u.Name != name {
		t.Fatalf("UpdateUser: %v %+v", err, u)
	}
	role := int64(1)
	_, err = c.UpdateUser(ctx, login.Tokens.AccessToken, reg.UserID, auth.UserPatch{RoleID: &role})
	if !errors.Is(err, auth.ErrRoleChangeDenied) {
		t.Fatalf("expected role change denied, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden || apiErr.RequestID == "" {
		t.Fatalf("expected APIError with request id, got %#v", err)
	}

	pair, err := c.Refresh(ctx, login.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	me, err := c.Me(ctx, pair.AccessToken)
	if err != nil || me.Email != "lee@example.com" {
		t.Fatalf("Me: %v %+v", err, me)
	}

	if _, err := c.DeleteUser(ctx, pair.AccessToken, reg.UserID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("self delete must be forbidden, got %v", err)
	}
	if _, err := c.GetUser(ctx, "garbage", reg.UserID); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestClientRateLimited(t *testing.T) {
	c := newServer(t, httpapi.WithLimiter(ratelimit.NewWindow(1, time.Minute)))
	ctx := context.Background()
	if err := c.Ready(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := c.Ready(ctx)
	var apiErr *APIError
	if !errors.Is(err, ErrRateLimited) || !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		t.Fatalf("expected rate limited error with retry-after, got %#v", err)
	}
}

func TestKindFor(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   error
	}{
		{400, "invalid input: email(email)", auth.ErrValidation},
		{400, "no fields to update", auth.ErrNoFields},
		{401, "invalid email or password", auth.ErrInvalidCredentials},
		{401, "token expired", auth.ErrExpired},
		{401, "malformed token", auth.ErrInvalidToken},
		{403, "forbidden", auth.ErrForbidden},
		{404, "not found", auth.ErrNotFound},
		{409, "already registered: a@b.co", auth.ErrConflict},
		{429, "rate limit exceeded", ErrRateLimited},
		{502, "bad gateway", auth.ErrInternal},
	}
	for _, tc := range cases {
		if got := kindFor(tc.status, tc.msg); !errors.Is(got, tc.want) {
			t.Errorf("kindFor(%d, %q) = %v, want %v", tc.status, tc.msg, got, tc.want)
		}
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"usergate.dev/internal/auth"
	"usergate.dev/internal/client"
	"usergate.dev/internal/obs"
)

func main() {
	log := obs.Logger()
	base := os.Getenv("USERGATE_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c, err := client.New(base)
	if err != nil {
		log.WithError(err).Fatal("client")
	}

	ctx, cancel := client.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.Ready(ctx); err != nil {
		log.WithError(err).Fatalf("usergate at %s is not ready", base)
	}

	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	const password = "smoke-pass-123"
	reg, err := c.Register(ctx, auth.RegisterInput{
		Name: "Smoke Test", Email: email, Password: password, TeamID: 1, RoleID: 5,
	})
	if err != nil {
		log.WithError(err).Fatal("register")
	}

	login, err := c.Login(ctx, email, password)
	if err != nil {
		log.WithError(err).Fatal("login")
	}

	users, err := c.ListUsers(ctx, login.Tokens.AccessToken)
	if err != nil {
		log.WithError(err).Fatal("list users")
	}
	if len(users) != 1 || users[0].ID != reg.UserID {
		log.Fatalf("plain user should see only itself, got %d records", len(users))
	}

	name := "Smoke Test Updated"
	updated, err := c.UpdateUser(ctx, login.Tokens.AccessToken, reg.UserID, auth.UserPatch{Name: &name})
	if err != nil {
		log.WithError(err).Fatal("self update")
	}
	if updated.Name != name {
		log.Fatalf("update not applied: %q", updated.Name)
	}
	admin := int64(1)
	if _, err := c.UpdateUser(ctx, login.Tokens.AccessToken, reg.UserID, auth.UserPatch{RoleID: &admin}); !errors.Is(err, auth.ErrRoleChangeDenied) {
		log.Fatalf("self promotion must be denied, got %v", err)
	}

	pair, err := c.Refresh(ctx, login.Tokens.RefreshToken)
	if err != nil {
		log.WithError(err).Fatal("refresh")
	}
	me, err := c.Me(ctx, pair.AccessToken)
	if err != nil {
		log.WithError(err).Fatal("me")
	}
	if me.ID != reg.UserID {
		log.Fatalf("refreshed token resolved to %s, want %s", me.ID, reg.UserID)
	}

	fmt.Printf("usergate smoke test passed: user=%s\n", reg.UserID)
}

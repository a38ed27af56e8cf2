package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"usergate.dev/internal/auth"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q auth.Queries) error {
		if err := q.InsertUser(ctx, &auth.UserRecord{ID: "u1", Email: "a@x.com", RoleID: 5}); err != nil {
			return err
		}
		if err := q.InsertTeamMembership(ctx, "u1", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c := s.Counts(); c.Users != 0 || c.Members != 0 {
		t.Fatalf("rolled back state leaked: %+v", c)
	}
}

func TestWithTxCommits(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.WithTx(ctx, func(q auth.Queries) error {
		return q.InsertUser(ctx, &auth.UserRecord{ID: "u1", Email: "a@x.com", RoleID: 5})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	u, err := s.FindUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	if u.Email != "a@x.com" {
		t.Fatalf("unexpected email %q", u.Email)
	}
}

func TestInsertUserDuplicateEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.InsertUser(ctx, &auth.UserRecord{ID: "u1", Email: "a@x.com"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertUser(ctx, &auth.UserRecord{ID: "u2", Email: "a@x.com"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.InsertUser(ctx, &auth.UserRecord{ID: "u1", Name: "A", Email: "a@x.com"})
	u, _ := s.FindUserByID(ctx, "u1")
	u.Name = "mutated"
	again, _ := s.FindUserByID(ctx, "u1")
	if again.Name != "A" {
		t.Fatalf("store state was mutated through returned pointer")
	}
}

func TestDeleteExpiredTokenEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = s.InsertTokenEntry(ctx, &auth.TokenEntry{ID: "old", UserID: "u1", RefreshExpiresAt: now.Add(-time.Minute)})
	_ = s.InsertTokenEntry(ctx, &auth.TokenEntry{ID: "edge", UserID: "u1", RefreshExpiresAt: now})
	_ = s.InsertTokenEntry(ctx, &auth.TokenEntry{ID: "new", UserID: "u1", RefreshExpiresAt: now.Add(time.Hour)})

	n, err := s.DeleteExpiredTokenEntries(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredTokenEntries: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if c := s.Counts(); c.Tokens != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Tokens)
	}
}

func TestFailOnIsOneShot(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailOn("FindRoleName", boom)
	if _, err := s.FindRoleName(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	name, err := s.FindRoleName(ctx, 1)
	if err != nil || name != auth.RoleAdmin {
		t.Fatalf("expected admin, got %q %v", name, err)
	}
}

func TestDeleteUserDropsTeamRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		if err := s.InsertUser(ctx, &auth.UserRecord{ID: id, Email: id + "@x.com", RoleID: 5}); err != nil {
			t.Fatalf("InsertUser: %v", err)
		}
		if err := s.InsertTeamMembership(ctx, id, 1); err != nil {
			t.Fatalf("InsertTeamMembership: %v", err)
		}
		if err := s.InsertTeamRole(ctx, id, 5); err != nil {
			t.Fatalf("InsertTeamRole: %v", err)
		}
	}

	err := s.WithTx(ctx, func(q auth.Queries) error {
		_, err := q.DeleteUser(ctx, "u1")
		return err
	})
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if c := s.Counts(); c.Users != 1 || c.Members != 1 || c.TeamRoles != 1 {
		t.Fatalf("team rows must follow the user: %+v", c)
	}
}

func TestLockUserByIDReadsSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.WithTx(ctx, func(q auth.Queries) error {
		if err := q.InsertUser(ctx, &auth.UserRecord{ID: "u1", Email: "a@x.com", RoleID: 5}); err != nil {
			return err
		}
		u, err := q.LockUserByID(ctx, "u1")
		if err != nil {
			return err
		}
		if u.Email != "a@x.com" {
			t.Errorf("unexpected email %q", u.Email)
		}
		if _, err := q.DeleteUser(ctx, "u1"); err != nil {
			return err
		}
		_, err = q.LockUserByID(ctx, "u1")
		return err
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound once deleted in the tx, got %v", err)
	}
	if c := s.Counts(); c.Users != 0 {
		t.Fatalf("failed tx must not commit: %+v", c)
	}
}

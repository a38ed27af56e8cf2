package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"usergate.dev/internal/ids"
	"usergate.dev/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Registry tracks which signed tokens are live. A pair is live only while
// its entry exists; the signature alone is never sufficient.
type Registry struct {
	store      Store
	codec      *Codec
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewRegistry wires a registry over store and codec. Non-positive TTLs fall
// back to 15 minutes and 7 days.
func NewRegistry(store Store, codec *Codec, accessTTL, refreshTTL time.Duration, now func() time.Time) *Registry {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, codec: codec, now: now, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Digest returns the hex SHA-256 of a raw token as stored in the registry.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssuePair signs an access and a refresh token for p and registers them
// through q, so the pair becomes live with the caller's transaction.
func (r *Registry) IssuePair(ctx context.Context, q Queries, p Principal) (TokenPair, error) {
	access, err := r.codec.Issue(p, KindAccess, r.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := r.codec.Issue(p, KindRefresh, r.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := r.Register(ctx, q, p.ID, access, refresh); err != nil {
		return TokenPair{}, err
	}
	obs.ObserveTokenIssued(string(KindAccess))
	obs.ObserveTokenIssued(string(KindRefresh))
	return TokenPair{
		AccessToken:      access.Raw,
		RefreshToken:     refresh.Raw,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Register inserts the registry entry for an already signed pair.
func (r *Registry) Register(ctx context.Context, q Queries, userID string, access, refresh Token) (string, error) {
	entry := &TokenEntry{
		ID:               ids.NewAt(r.now()),
		UserID:           userID,
		AccessHash:       Digest(access.Raw),
		RefreshHash:      Digest(refresh.Raw),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
		CreatedAt:        r.now().UTC(),
	}
	if err := q.InsertTokenEntry(ctx, entry); err != nil {
		return "", classify("insert token entry", err)
	}
	return entry.ID, nil
}

// IsLive reports whether an unexpired entry for accessToken exists for subjectID.
func (r *Registry) IsLive(ctx context.Context, accessToken, subjectID string) (bool, error) {
	if accessToken == "" || subjectID == "" {
		return false, nil
	}
	entry, err := r.store.FindTokenEntryByAccess(ctx, subjectID, Digest(accessToken))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("find token entry", err)
	}
	now := r.now()
	return now.Before(entry.AccessExpiresAt) && now.Before(entry.RefreshExpiresAt), nil
}

// Authenticate verifies an access token and confirms it is live.
func (r *Registry) Authenticate(ctx context.Context, raw string) (Principal, error) {
	tok, err := r.codec.Verify(raw, KindAccess)
	if err != nil {
		return Principal{}, err
	}
	live, err := r.IsLive(ctx, tok.Raw, tok.SubjectID)
	if err != nil {
		return Principal{}, err
	}
	if !live {
		return Principal{}, fmt.Errorf("%w: token revoked or unknown", ErrInvalidToken)
	}
	return tok.Principal(), nil
}

// RevokeAll removes every entry and the user record for userID atomically.
func (r *Registry) RevokeAll(ctx context.Context, userID string) (RevokeResult, error) {
	var res RevokeResult
	err := r.store.WithTx(ctx, func(q Queries) error {
		var err error
		res, err = revokeAllIn(ctx, q, userID)
		return err
	})
	if err != nil {
		return RevokeResult{}, classify("revoke all", err)
	}
	obs.ObserveRegistryRemoved(res.TokensRemoved)
	return res, nil
}

func revokeAllIn(ctx context.Context, q Queries, userID string) (RevokeResult, error) {
	tokens, err := q.DeleteTokenEntriesForUser(ctx, userID)
	if err != nil {
		return RevokeResult{}, err
	}
	users, err := q.DeleteUser(ctx, userID)
	if err != nil {
		return RevokeResult{}, err
	}
	return RevokeResult{TokensRemoved: tokens, UsersRemoved: users}, nil
}

// Exchange trades a live refresh token for a new access token. The refresh
// token is not rotated; the entry's access digest moves to the new token.
// Claims are re-resolved from the user record.
func (r *Registry) Exchange(ctx context.Context, refreshToken string) (Token, error) {
	var access Token
	err := r.store.WithTx(ctx, func(q Queries) error {
		entry, err := q.FindTokenEntryByRefresh(ctx, Digest(refreshToken))
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: refresh token not registered", ErrInvalidToken)
			}
			return err
		}
		tok, err := r.codec.Verify(refreshToken, KindRefresh)
		if err != nil || tok.SubjectID != entry.UserID {
			return fmt.Errorf("%w: refresh token rejected", ErrForbidden)
		}
		// The role claim is taken from the account as it is now, not from the
		// refresh token, so a demotion applies at the next exchange.
		user, err := q.LockUserByID(ctx, entry.UserID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: account no longer exists", ErrInvalidToken)
			}
			return err
		}
		role, err := q.FindRoleName(ctx, user.RoleID)
		if err != nil {
			if isNotFound(err) {
				err = fmt.Errorf("%w: user %s has unresolvable role %d", ErrInternal, user.ID, user.RoleID)
			}
			return err
		}
		access, err = r.codec.Issue(Principal{ID: user.ID, Email: user.Email, Role: role}, KindAccess, r.accessTTL)
		if err != nil {
			return err
		}
		n, err := q.UpdateTokenEntryAccess(ctx, entry.ID, Digest(access.Raw), access.ExpiresAt)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: refresh token revoked", ErrInvalidToken)
		}
		return nil
	})
	if err != nil {
		return Token{}, classify("exchange", err)
	}
	obs.ObserveTokenIssued(string(KindAccess))
	return access, nil
}

// Reap deletes entries whose refresh token has expired.
func (r *Registry) Reap(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredTokenEntries(ctx, r.now().UTC())
	if err != nil {
		return 0, classify("reap token entries", err)
	}
	obs.ObserveRegistryRemoved(n)
	return n, nil
}

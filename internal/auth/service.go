package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"usergate.dev/internal/ids"
	"usergate.dev/internal/obs"
)

// Service coordinates account lifecycle operations. Every mutation runs in a
// single store transaction and consults the policy before it commits.
type Service struct {
	store    Store
	codec    *Codec
	registry *Registry
	policy   *Policy
	hasher   Hasher
	validate *validator.Validate
	log      *logrus.Logger
	now      func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher replaces the bcrypt hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithPolicy replaces the default rule table.
func WithPolicy(p *Policy) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.policy = p
		}
		return nil
	}
}

// WithLogger sets the logger used for infrastructure failures.
func WithLogger(l *logrus.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithTokenTTLs configures access and refresh token lifetimes.
func WithTokenTTLs(access, refresh time.Duration) ServiceOption {
	return func(s *Service) error {
		if access < 0 || refresh < 0 {
			return errors.New("auth: token ttl must not be negative")
		}
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is nil")
	}
	if codec == nil {
		return nil, errors.New("auth: codec is nil")
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		policy:     NewPolicy(),
		hasher:     BcryptHasher{},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        obs.Logger(),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.registry = NewRegistry(store, codec, svc.accessTTL, svc.refreshTTL, svc.now)
	return svc, nil
}

// Registry exposes the token registry backing this service.
func (s *Service) Registry() *Registry { return s.registry }

// Policy exposes the policy engine.
func (s *Service) Policy() *Policy { return s.policy }

// Register creates an account with its team rows and a live token pair.
func (s *Service) Register(ctx context.Context, in RegisterInput) (TokenResponse, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = NormalizeEmail(in.Email)
	if err := s.check(in); err != nil {
		return TokenResponse{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return TokenResponse{}, s.fail("hash password", err)
	}

	var resp TokenResponse
	err = s.store.WithTx(ctx, func(q Queries) error {
		if _, err := q.FindUserByEmail(ctx, in.Email); err == nil {
			return fmt.Errorf("%w: %s", ErrConflict, in.Email)
		} else if !isNotFound(err) {
			return err
		}
		roleName, err := q.FindRoleName(ctx, in.RoleID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: unknown role %d", ErrValidation, in.RoleID)
			}
			return err
		}

		now := s.now().UTC()
		user := &UserRecord{
			ID:           ids.NewAt(now),
			Name:         in.Name,
			Email:        in.Email,
			Age:          in.Age,
			Mobile:       in.Mobile,
			PasswordHash: hash,
			RoleID:       in.RoleID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := q.InsertUser(ctx, user); err != nil {
			return err
		}
		if err := q.InsertTeamMembership(ctx, user.ID, in.TeamID); err != nil {
			return err
		}
		if err := q.InsertTeamRole(ctx, user.ID, in.RoleID); err != nil {
			return err
		}
		pair, err := s.registry.IssuePair(ctx, q, Principal{ID: user.ID, Email: user.Email, Role: roleName})
		if err != nil {
			return err
		}
		resp = TokenResponse{UserID: user.ID, Role: roleName, Tokens: pair}
		return nil
	})
	if err != nil {
		return TokenResponse{}, s.fail("register", err)
	}
	return resp, nil
}

// Login verifies credentials and issues a fresh pair. Existing sessions stay live.
// The account is re-read under lock in the issuing transaction, so a pair is
// never registered for a user whose revocation committed after the password check.
func (s *Service) Login(ctx context.Context, email, password string) (TokenResponse, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenResponse{}, ErrInvalidCredentials
	}
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			s.hasher.Compare(password, s.placeholderHash())
			return TokenResponse{}, ErrInvalidCredentials
		}
		return TokenResponse{}, s.fail("find user", err)
	}
	if !s.hasher.Compare(password, user.PasswordHash) {
		return TokenResponse{}, ErrInvalidCredentials
	}

	var resp TokenResponse
	err = s.store.WithTx(ctx, func(q Queries) error {
		locked, err := q.LockUserByID(ctx, user.ID)
		if err != nil {
			if isNotFound(err) {
				return ErrInvalidCredentials
			}
			return err
		}
		roleName, err := q.FindRoleName(ctx, locked.RoleID)
		if err != nil {
			if isNotFound(err) {
				// every stored user must resolve to a role
				err = fmt.Errorf("%w: user %s has unresolvable role %d", ErrInternal, locked.ID, locked.RoleID)
			}
			return err
		}
		pair, err := s.registry.IssuePair(ctx, q, Principal{ID: locked.ID, Email: locked.Email, Role: roleName})
		if err != nil {
			return err
		}
		resp = TokenResponse{UserID: locked.ID, Role: roleName, Tokens: pair}
		return nil
	})
	if err != nil {
		return TokenResponse{}, s.fail("login", err)
	}
	return resp, nil
}

// placeholderHash is compared against on unknown emails so both failure
// paths pay for one hash comparison.
func (s *Service) placeholderHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("usergate-placeholder-password")
		if err != nil {
			s.log.WithError(err).Warn("placeholder_hash_failed")
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	access, err := s.registry.Exchange(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, s.fail("refresh", err)
	}
	return TokenPair{
		AccessToken:     access.Raw,
		RefreshToken:    refreshToken,
		AccessExpiresAt: access.ExpiresAt,
	}, nil
}

// Authenticate resolves a bearer access token to a live principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	p, err := s.registry.Authenticate(ctx, accessToken)
	if err != nil {
		return Principal{}, s.fail("authenticate", err)
	}
	return p, nil
}

// ListOrGetUsers returns every record for privileged readers and only the
// caller's own record otherwise.
func (s *Service) ListOrGetUsers(ctx context.Context, p Principal) ([]*UserRecord, error) {
	if s.authorize(p, ActionRead, nil).Allowed {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, s.fail("list users", err)
		}
		return users, nil
	}
	u, err := s.GetUser(ctx, p, p.ID)
	if err != nil {
		return nil, err
	}
	return []*UserRecord{u}, nil
}

// GetUser returns one record if p may read it.
func (s *Service) GetUser(ctx context.Context, p Principal, id string) (*UserRecord, error) {
	u, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return nil, s.fail("find user", err)
	}
	if !s.authorize(p, ActionRead, TargetOf(u)).Allowed {
		return nil, ErrForbidden
	}
	return u, nil
}

// UpdateUser applies patch to targetID on behalf of requester.
func (s *Service) UpdateUser(ctx context.Context, requester Principal, targetID string, patch UserPatch) (*UserRecord, error) {
	if err := s.check(patch); err != nil {
		return nil, err
	}
	var updated *UserRecord
	err := s.store.WithTx(ctx, func(q Queries) error {
		target, err := q.FindUserByID(ctx, targetID)
		if err != nil {
			return err
		}
		if patch.RoleID != nil && *patch.RoleID == target.RoleID {
			patch.RoleID = nil
		}
		if !s.authorize(requester, ActionUpdate, TargetOf(target)).Allowed {
			return ErrForbidden
		}
		if patch.RoleID != nil {
			if !s.policy.CanChangeRole(requester) {
				return ErrRoleChangeDenied
			}
			if _, err := q.FindRoleName(ctx, *patch.RoleID); err != nil {
				if isNotFound(err) {
					return fmt.Errorf("%w: unknown role %d", ErrValidation, *patch.RoleID)
				}
				return err
			}
		}

		fields, err := s.fieldsFor(ctx, q, target, patch)
		if err != nil {
			return err
		}
		if fields.Empty() {
			return ErrNoFields
		}
		fields.UpdatedAt = s.now().UTC()
		n, err := q.UpdateUser(ctx, target.ID, fields)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		updated, err = q.FindUserByID(ctx, target.ID)
		return err
	})
	if err != nil {
		return nil, s.fail("update user", err)
	}
	return updated, nil
}

func (s *Service) fieldsFor(ctx context.Context, q Queries, target *UserRecord, patch UserPatch) (UserFields, error) {
	var f UserFields
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return f, fmt.Errorf("%w: name must not be blank", ErrValidation)
		}
		f.Name = &name
	}
	if patch.Email != nil {
		email := NormalizeEmail(*patch.Email)
		if email != target.Email {
			existing, err := q.FindUserByEmail(ctx, email)
			switch {
			case err == nil && existing.ID != target.ID:
				return f, fmt.Errorf("%w: %s", ErrConflict, email)
			case err != nil && !isNotFound(err):
				return f, err
			}
			f.Email = &email
		}
	}
	if patch.Password != nil {
		hash, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return f, err
		}
		f.PasswordHash = &hash
	}
	f.Age = patch.Age
	f.Mobile = patch.Mobile
	f.RoleID = patch.RoleID
	return f, nil
}

// DeleteUser removes targetID. Registry entries are left for RevokeAll.
func (s *Service) DeleteUser(ctx context.Context, requester Principal, targetID string) error {
	err := s.store.WithTx(ctx, func(q Queries) error {
		if err := s.authorizeTarget(ctx, q, requester, ActionDelete, targetID); err != nil {
			return err
		}
		n, err := q.DeleteUser(ctx, targetID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return s.fail("delete user", err)
}

// DeleteUserAndRevoke removes targetID and all its registry entries in one transaction.
func (s *Service) DeleteUserAndRevoke(ctx context.Context, requester Principal, targetID string) (RevokeResult, error) {
	var res RevokeResult
	err := s.store.WithTx(ctx, func(q Queries) error {
		if err := s.authorizeTarget(ctx, q, requester, ActionDelete, targetID); err != nil {
			return err
		}
		var err error
		res, err = revokeAllIn(ctx, q, targetID)
		if err != nil {
			return err
		}
		if res.UsersRemoved == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return RevokeResult{}, s.fail("delete and revoke", err)
	}
	obs.ObserveRegistryRemoved(res.TokensRemoved)
	return res, nil
}

// RevokeUser terminates an account and every session it holds. Only
// principals allowed to manage the target may call it.
func (s *Service) RevokeUser(ctx context.Context, requester Principal, userID string) (RevokeResult, error) {
	if strings.TrimSpace(userID) == "" {
		return RevokeResult{}, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if !s.authorize(requester, ActionManage, &Target{ID: userID}).Allowed {
		return RevokeResult{}, ErrForbidden
	}
	res, err := s.registry.RevokeAll(ctx, userID)
	if err != nil {
		return RevokeResult{}, s.fail("revoke user", err)
	}
	if res.TokensRemoved == 0 && res.UsersRemoved == 0 {
		return RevokeResult{}, ErrNotFound
	}
	return res, nil
}

// Reap deletes expired registry entries.
func (s *Service) Reap(ctx context.Context) (int64, error) {
	n, err := s.registry.Reap(ctx)
	if err != nil {
		return 0, s.fail("reap", err)
	}
	return n, nil
}

// Ping checks store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) authorizeTarget(ctx context.Context, q Queries, p Principal, a Action, targetID string) error {
	target, err := q.FindUserByID(ctx, targetID)
	if err != nil {
		return err
	}
	if !s.authorize(p, a, TargetOf(target)).Allowed {
		return ErrForbidden
	}
	return nil
}

func (s *Service) authorize(p Principal, a Action, t *Target) Decision {
	d := s.policy.Decide(p, a, t)
	obs.ObserveDecision(string(a), d.Rule, d.Allowed)
	s.log.WithFields(logrus.Fields{
		"principal": p.ID,
		"action":    a,
		"rule":      d.Rule,
		"allowed":   d.Allowed,
	}).Debug("policy_decision")
	return d
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", lowerFirst(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// fail classifies err and logs anything that ends up as ErrInternal.
func (s *Service) fail(op string, err error) error {
	err = classify(op, err)
	if errors.Is(err, ErrInternal) {
		s.log.WithError(err).WithField("op", op).Error("auth_internal_error")
	}
	return err
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

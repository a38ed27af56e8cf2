package auth_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"usergate.dev/internal/auth"
	"usergate.dev/internal/store/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	svc   *auth.Service
	store *memory.Store
	clock *clock
	codec *auth.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	codec := auth.NewCodec("access-secret", "refresh-secret", auth.WithCodecClock(clk.Now))
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	svc, err := auth.NewService(store, codec,
		auth.WithClock(clk.Now),
		auth.WithHasher(auth.BcryptHasher{Cost: bcrypt.MinCost}),
		auth.WithLogger(quiet),
		auth.WithTokenTTLs(15*time.Minute, 24*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: store, clock: clk, codec: codec}
}

func (f *fixture) register(t *testing.T, email string, roleID int64) auth.TokenResponse {
	t.Helper()
	resp, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Name:     "User " + email,
		Email:    email,
		Password: "s3cret-pass",
		TeamID:   1,
		RoleID:   roleID,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return resp
}

func principalOf(resp auth.TokenResponse, email string) auth.Principal {
	return auth.Principal{ID: resp.UserID, Email: email, Role: resp.Role}
}

func ptr[T any](v T) *T { return &v }

func TestRegisterCreatesAllRowsAtomically(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, "a@x.com", 5)

	if resp.Role != auth.RoleUser {
		t.Fatalf("expected role user, got %q", resp.Role)
	}
	c := f.store.Counts()
	if c.Users != 1 || c.Members != 1 || c.TeamRoles != 1 || c.Tokens != 1 {
		t.Fatalf("unexpected counts after register: %+v", c)
	}
	live, err := f.svc.Registry().IsLive(context.Background(), resp.Tokens.AccessToken, resp.UserID)
	if err != nil || !live {
		t.Fatalf("expected registration token to be live, got %v %v", live, err)
	}
}

func TestRegisterRollsBackOnFailure(t *testing.T) {
	for _, op := range []string{"InsertTeamMembership", "InsertTeamRole", "InsertTokenEntry"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			f.store.FailOn(op, errors.New("disk full"))
			_, err := f.svc.Register(context.Background(), auth.RegisterInput{
				Name: "A", Email: "a@x.com", Password: "pw", TeamID: 1, RoleID: 5,
			})
			if !errors.Is(err, auth.ErrInternal) {
				t.Fatalf("expected ErrInternal, got %v", err)
			}
			if c := f.store.Counts(); c != (memory.Counts{}) {
				t.Fatalf("partial state persisted: %+v", c)
			}
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", 5)
	_, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Name: "Again", Email: "A@X.com ", Password: "pw", TeamID: 1, RoleID: 5,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if c := f.store.Counts(); c.Users != 1 {
		t.Fatalf("expected a single user, got %d", c.Users)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]auth.RegisterInput{
		"missing team":  {Name: "A", Email: "a@x.com", Password: "pw", RoleID: 5},
		"missing role":  {Name: "A", Email: "a@x.com", Password: "pw", TeamID: 1},
		"bad email":     {Name: "A", Email: "nope", Password: "pw", TeamID: 1, RoleID: 5},
		"no password":   {Name: "A", Email: "a@x.com", TeamID: 1, RoleID: 5},
		"blank name":    {Name: "  ", Email: "a@x.com", Password: "pw", TeamID: 1, RoleID: 5},
		"unknown role":  {Name: "A", Email: "a@x.com", Password: "pw", TeamID: 1, RoleID: 99},
		"negative age":  {Name: "A", Email: "a@x.com", Password: "pw", TeamID: 1, RoleID: 5, Age: ptr(-1)},
	}
	for name, in := range cases {
		if _, err := f.svc.Register(context.Background(), in); !errors.Is(err, auth.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	if c := f.store.Counts(); c.Users != 0 {
		t.Fatalf("invalid input created users: %+v", c)
	}
}

func TestLoginScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@x.com", 5)

	login, err := f.svc.Login(ctx, "a@x.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.Tokens.AccessToken == reg.Tokens.AccessToken || login.Tokens.RefreshToken == reg.Tokens.RefreshToken {
		t.Fatalf("login must return a fresh pair")
	}
	if login.Role != auth.RoleUser {
		t.Fatalf("login must carry the role claim, got %q", login.Role)
	}
	for _, tok := range []string{reg.Tokens.AccessToken, login.Tokens.AccessToken} {
		if live, _ := f.svc.Registry().IsLive(ctx, tok, reg.UserID); !live {
			t.Fatalf("both sessions must stay live")
		}
	}

	self := principalOf(login, "a@x.com")
	if _, err := f.svc.UpdateUser(ctx, self, self.ID, auth.UserPatch{RoleID: ptr(int64(1))}); !errors.Is(err, auth.ErrRoleChangeDenied) {
		t.Fatalf("expected ErrRoleChangeDenied, got %v", err)
	}
	updated, err := f.svc.UpdateUser(ctx, self, self.ID, auth.UserPatch{Name: ptr("Alice")})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.Name != "Alice" || updated.RoleID != 5 {
		t.Fatalf("unexpected record after update: %+v", updated)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a@x.com", 5)
	ctx := context.Background()

	_, unknown := f.svc.Login(ctx, "b@x.com", "s3cret-pass")
	_, wrong := f.svc.Login(ctx, "a@x.com", "wrong")
	if !errors.Is(unknown, auth.ErrInvalidCredentials) || !errors.Is(wrong, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v / %v", unknown, wrong)
	}
	if unknown.Error() != wrong.Error() {
		t.Fatalf("login errors must not reveal which part failed: %q vs %q", unknown, wrong)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@x.com", 5)

	p, err := f.svc.Authenticate(ctx, reg.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ID != reg.UserID || p.Email != "a@x.com" || p.Role != auth.RoleUser {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := f.svc.Authenticate(ctx, reg.Tokens.RefreshToken); !errors.Is(err, auth.ErrMalformed) {
		t.Fatalf("refresh token must not authenticate, got %v", err)
	}

	// signed and unexpired but never registered
	stray, err := f.codec.Issue(p, auth.KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, stray.Raw); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestUpdateUserRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := principalOf(f.register(t, "a@x.com", 5), "a@x.com")
	bob := principalOf(f.register(t, "b@x.com", 5), "b@x.com")
	admin := principalOf(f.register(t, "root@x.com", 1), "root@x.com")

	if _, err := f.svc.UpdateUser(ctx, alice, bob.ID, auth.UserPatch{Name: ptr("x")}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, alice, bob.ID, auth.UserPatch{RoleID: ptr(int64(1))}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("role change on another user must be plain forbidden, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, alice, alice.ID, auth.UserPatch{}); !errors.Is(err, auth.ErrNoFields) {
		t.Fatalf("expected ErrNoFields, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, alice, alice.ID, auth.UserPatch{RoleID: ptr(int64(5))}); !errors.Is(err, auth.ErrNoFields) {
		t.Fatalf("unchanged role must be filtered out, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, alice, alice.ID, auth.UserPatch{Email: ptr("b@x.com")}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, admin, "missing", auth.UserPatch{Name: ptr("x")}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.UpdateUser(ctx, admin, bob.ID, auth.UserPatch{RoleID: ptr(int64(99))}); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}

	promoted, err := f.svc.UpdateUser(ctx, admin, bob.ID, auth.UserPatch{RoleID: ptr(int64(2)), Age: ptr(30)})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if promoted.RoleID != 2 || promoted.Age == nil || *promoted.Age != 30 {
		t.Fatalf("unexpected record %+v", promoted)
	}
}

func TestUpdatePasswordRehashes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := principalOf(f.register(t, "a@x.com", 5), "a@x.com")

	if _, err := f.svc.UpdateUser(ctx, alice, alice.ID, auth.UserPatch{Password: ptr("new-pass")}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if _, err := f.svc.Login(ctx, "a@x.com", "s3cret-pass"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "a@x.com", "new-pass"); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := principalOf(f.register(t, "a@x.com", 5), "a@x.com")
	admin := principalOf(f.register(t, "root@x.com", 1), "root@x.com")

	if err := f.svc.DeleteUser(ctx, alice, alice.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("self delete must be denied, got %v", err)
	}
	if err := f.svc.DeleteUser(ctx, alice, admin.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.DeleteUser(ctx, admin, alice.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := f.svc.DeleteUser(ctx, admin, alice.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// registry entries are left for an explicit revocation
	if c := f.store.Counts(); c.Users != 1 || c.Tokens != 2 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestDeleteUserAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceResp := f.register(t, "a@x.com", 5)
	admin := principalOf(f.register(t, "root@x.com", 1), "root@x.com")

	res, err := f.svc.DeleteUserAndRevoke(ctx, admin, aliceResp.UserID)
	if err != nil {
		t.Fatalf("DeleteUserAndRevoke: %v", err)
	}
	if res.UsersRemoved != 1 || res.TokensRemoved != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if live, _ := f.svc.Registry().IsLive(ctx, aliceResp.Tokens.AccessToken, aliceResp.UserID); live {
		t.Fatalf("revoked token still live")
	}
}

func TestListOrGetUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := principalOf(f.register(t, "a@x.com", 5), "a@x.com")
	f.register(t, "b@x.com", 5)
	manager := principalOf(f.register(t, "m@x.com", 2), "m@x.com")

	own, err := f.svc.ListOrGetUsers(ctx, alice)
	if err != nil {
		t.Fatalf("ListOrGetUsers(user): %v", err)
	}
	if len(own) != 1 || own[0].ID != alice.ID {
		t.Fatalf("plain user must only see self, got %d records", len(own))
	}
	all, err := f.svc.ListOrGetUsers(ctx, manager)
	if err != nil {
		t.Fatalf("ListOrGetUsers(manager): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("manager must see every record, got %d", len(all))
	}
	if _, err := f.svc.GetUser(ctx, alice, manager.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRevokeUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := principalOf(f.register(t, "a@x.com", 5), "a@x.com")
	admin := principalOf(f.register(t, "root@x.com", 1), "root@x.com")

	if _, err := f.svc.RevokeUser(ctx, alice, admin.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	res, err := f.svc.RevokeUser(ctx, admin, alice.ID)
	if err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	if res.UsersRemoved != 1 || res.TokensRemoved != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.svc.RevokeUser(ctx, admin, alice.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestStoreFailuresAreInternal(t *testing.T) {
	f := newFixture(t)
	manager := principalOf(f.register(t, "m@x.com", 2), "m@x.com")
	f.store.FailOn("ListUsers", errors.New("connection reset"))
	_, err := f.svc.ListOrGetUsers(context.Background(), manager)
	if !errors.Is(err, auth.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

// serviceOn builds a second service over the fixture's clock and codec.
func (f *fixture) serviceOn(t *testing.T, store auth.Store, h auth.Hasher) *auth.Service {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	svc, err := auth.NewService(store, f.codec,
		auth.WithClock(f.clock.Now),
		auth.WithHasher(h),
		auth.WithLogger(quiet),
		auth.WithTokenTTLs(15*time.Minute, 24*time.Hour),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// hookHasher counts calls and runs onCompare before each comparison.
type hookHasher struct {
	auth.Hasher
	onCompare func()
	hashes    int
	compares  int
}

func (h *hookHasher) Hash(plaintext string) (string, error) {
	h.hashes++
	return h.Hasher.Hash(plaintext)
}

func (h *hookHasher) Compare(plaintext, hash string) bool {
	h.compares++
	if h.onCompare != nil {
		h.onCompare()
	}
	return h.Hasher.Compare(plaintext, hash)
}

func TestLoginLosesToConcurrentRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "a@x.com", 5)

	h := &hookHasher{Hasher: auth.BcryptHasher{Cost: bcrypt.MinCost}}
	svc := f.serviceOn(t, f.store, h)
	// the revocation commits after the password lookup, before the pair is issued
	h.onCompare = func() {
		if _, err := f.svc.Registry().RevokeAll(ctx, reg.UserID); err != nil {
			t.Errorf("RevokeAll: %v", err)
		}
	}

	if _, err := svc.Login(ctx, "a@x.com", "s3cret-pass"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if c := f.store.Counts(); c != (memory.Counts{}) {
		t.Fatalf("revoked account left rows behind: %+v", c)
	}
}

func TestLoginUnknownEmailComparesPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := &hookHasher{Hasher: auth.BcryptHasher{Cost: bcrypt.MinCost}}
	svc := f.serviceOn(t, f.store, h)

	for i := 0; i < 2; i++ {
		if _, err := svc.Login(ctx, "ghost@x.com", "whatever"); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if h.compares != 2 {
		t.Fatalf("unknown email must still run a hash comparison, got %d compares", h.compares)
	}
	if h.hashes != 1 {
		t.Fatalf("placeholder hash must be computed once, got %d", h.hashes)
	}
}

// zeroRowStore hands out transactions whose UpdateUser matches nothing, as
// when the target is deleted between the read and the write.
type zeroRowStore struct{ *memory.Store }

func (s zeroRowStore) WithTx(ctx context.Context, fn func(q auth.Queries) error) error {
	return s.Store.WithTx(ctx, func(q auth.Queries) error { return fn(zeroRowQueries{q}) })
}

type zeroRowQueries struct{ auth.Queries }

func (zeroRowQueries) UpdateUser(context.Context, string, auth.UserFields) (int64, error) {
	return 0, nil
}

func TestUpdateUserTargetVanishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	self := principalOf(f.register(t, "a@x.com", 5), "a@x.com")
	svc := f.serviceOn(t, zeroRowStore{f.store}, auth.BcryptHasher{Cost: bcrypt.MinCost})

	if _, err := svc.UpdateUser(ctx, self, self.ID, auth.UserPatch{Name: ptr("Renamed")}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	u, err := f.store.FindUserByID(ctx, self.ID)
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	if u.Name == "Renamed" {
		t.Fatalf("failed update must not persist")
	}
}

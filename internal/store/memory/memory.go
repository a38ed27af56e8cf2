// Package memory provides an in-process auth.Store. Transactions work on a
// private copy of the data that replaces the shared state on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"usergate.dev/internal/auth"
)

// DefaultRoles mirrors the seed data shipped with the SQL migrations.
var DefaultRoles = []auth.Role{
	{ID: 1, Name: auth.RoleAdmin},
	{ID: 2, Name: auth.RoleManager},
	{ID: 3, Name: auth.RoleSupervisor},
	{ID: 4, Name: auth.RoleSuperAdmin},
	{ID: 5, Name: auth.RoleUser},
}

// Membership is a teams_members or teams_roles row.
type Membership struct {
	MemberID string
	RefID    int64
}

type data struct {
	users     map[string]*auth.UserRecord
	roles     map[int64]string
	members   []Membership
	teamRoles []Membership
	tokens    map[string]*auth.TokenEntry
}

func (d *data) clone() *data {
	c := &data{
		users:     make(map[string]*auth.UserRecord, len(d.users)),
		roles:     make(map[int64]string, len(d.roles)),
		members:   append([]Membership(nil), d.members...),
		teamRoles: append([]Membership(nil), d.teamRoles...),
		tokens:    make(map[string]*auth.TokenEntry, len(d.tokens)),
	}
	for k, v := range d.users {
		c.users[k] = v.Clone()
	}
	for k, v := range d.roles {
		c.roles[k] = v
	}
	for k, v := range d.tokens {
		e := *v
		c.tokens[k] = &e
	}
	return c
}

// Store is a mutex-guarded in-memory implementation of auth.Store.
type Store struct {
	mu     sync.Mutex
	data   *data
	faults map[string]error
}

var _ auth.Store = (*Store)(nil)

// New returns a store seeded with DefaultRoles.
func New() *Store {
	s := &Store{
		data: &data{
			users:  make(map[string]*auth.UserRecord),
			roles:  make(map[int64]string),
			tokens: make(map[string]*auth.TokenEntry),
		},
		faults: make(map[string]error),
	}
	for _, r := range DefaultRoles {
		s.data.roles[r.ID] = r.Name
	}
	return s
}

// AddRole registers or renames a role.
func (s *Store) AddRole(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.roles[id] = name
}

// FailOn makes the next call to op return err. op is the Queries method name.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Counts reports row counts per table.
type Counts struct {
	Users     int
	Members   int
	TeamRoles int
	Tokens    int
}

// Counts returns the committed row counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Users:     len(s.data.users),
		Members:   len(s.data.members),
		TeamRoles: len(s.data.teamRoles),
		Tokens:    len(s.data.tokens),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// WithTx runs fn against a snapshot and publishes it only when fn succeeds.
// Transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(q auth.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &queries{data: s.data.clone(), faults: s.faults}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *Store) direct(fn func(q *queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&queries{data: s.data, faults: s.faults})
}

func (s *Store) InsertUser(ctx context.Context, u *auth.UserRecord) error {
	return s.direct(func(q *queries) error { return q.InsertUser(ctx, u) })
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (out *auth.UserRecord, err error) {
	err = s.direct(func(q *queries) error { out, err = q.FindUserByEmail(ctx, email); return err })
	return out, err
}

func (s *Store) FindUserByID(ctx context.Context, id string) (out *auth.UserRecord, err error) {
	err = s.direct(func(q *queries) error { out, err = q.FindUserByID(ctx, id); return err })
	return out, err
}

// LockUserByID outside a transaction is a plain read.
func (s *Store) LockUserByID(ctx context.Context, id string) (out *auth.UserRecord, err error) {
	err = s.direct(func(q *queries) error { out, err = q.LockUserByID(ctx, id); return err })
	return out, err
}

func (s *Store) ListUsers(ctx context.Context) (out []*auth.UserRecord, err error) {
	err = s.direct(func(q *queries) error { out, err = q.ListUsers(ctx); return err })
	return out, err
}

func (s *Store) UpdateUser(ctx context.Context, id string, fields auth.UserFields) (n int64, err error) {
	err = s.direct(func(q *queries) error { n, err = q.UpdateUser(ctx, id, fields); return err })
	return n, err
}

func (s *Store) DeleteUser(ctx context.Context, id string) (n int64, err error) {
	err = s.direct(func(q *queries) error { n, err = q.DeleteUser(ctx, id); return err })
	return n, err
}

func (s *Store) InsertTeamMembership(ctx context.Context, memberID string, teamID int64) error {
	return s.direct(func(q *queries) error { return q.InsertTeamMembership(ctx, memberID, teamID) })
}

func (s *Store) InsertTeamRole(ctx context.Context, memberID string, roleID int64) error {
	return s.direct(func(q *queries) error { return q.InsertTeamRole(ctx, memberID, roleID) })
}

func (s *Store) FindRoleName(ctx context.Context, roleID int64) (name string, err error) {
	err = s.direct(func(q *queries) error { name, err = q.FindRoleName(ctx, roleID); return err })
	return name, err
}

func (s *Store) InsertTokenEntry(ctx context.Context, e *auth.TokenEntry) error {
	return s.direct(func(q *queries) error { return q.InsertTokenEntry(ctx, e) })
}

func (s *Store) FindTokenEntryByAccess(ctx context.Context, userID, accessHash string) (out *auth.TokenEntry, err error) {
	err = s.direct(func(q *queries) error { out, err = q.FindTokenEntryByAccess(ctx, userID, accessHash); return err })
	return out, err
}

func (s *Store) FindTokenEntryByRefresh(ctx context.Context, refreshHash string) (out *auth.TokenEntry, err error) {
	err = s.direct(func(q *queries) error { out, err = q.FindTokenEntryByRefresh(ctx, refreshHash); return err })
	return out, err
}

func (s *Store) UpdateTokenEntryAccess(ctx context.Context, entryID, accessHash string, exp time.Time) (n int64, err error) {
	err = s.direct(func(q *queries) error { n, err = q.UpdateTokenEntryAccess(ctx, entryID, accessHash, exp); return err })
	return n, err
}

func (s *Store) DeleteTokenEntriesForUser(ctx context.Context, userID string) (n int64, err error) {
	err = s.direct(func(q *queries) error { n, err = q.DeleteTokenEntriesForUser(ctx, userID); return err })
	return n, err
}

func (s *Store) DeleteExpiredTokenEntries(ctx context.Context, now time.Time) (n int64, err error) {
	err = s.direct(func(q *queries) error { n, err = q.DeleteExpiredTokenEntries(ctx, now); return err })
	return n, err
}

// queries operates on one data set without locking; callers hold Store.mu.
type queries struct {
	data   *data
	faults map[string]error
}

func (q *queries) fault(op string) error {
	err, ok := q.faults[op]
	if !ok {
		return nil
	}
	delete(q.faults, op)
	return err
}

func (q *queries) InsertUser(_ context.Context, u *auth.UserRecord) error {
	if err := q.fault("InsertUser"); err != nil {
		return err
	}
	if _, ok := q.data.users[u.ID]; ok {
		return auth.ErrConflict
	}
	for _, existing := range q.data.users {
		if existing.Email == u.Email {
			return auth.ErrConflict
		}
	}
	q.data.users[u.ID] = u.Clone()
	return nil
}

func (q *queries) FindUserByEmail(_ context.Context, email string) (*auth.UserRecord, error) {
	if err := q.fault("FindUserByEmail"); err != nil {
		return nil, err
	}
	for _, u := range q.data.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (q *queries) FindUserByID(_ context.Context, id string) (*auth.UserRecord, error) {
	if err := q.fault("FindUserByID"); err != nil {
		return nil, err
	}
	u, ok := q.data.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u.Clone(), nil
}

// LockUserByID reads the transaction's snapshot. Transactions are
// serialized, so the row cannot vanish before commit.
func (q *queries) LockUserByID(_ context.Context, id string) (*auth.UserRecord, error) {
	if err := q.fault("LockUserByID"); err != nil {
		return nil, err
	}
	u, ok := q.data.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u.Clone(), nil
}

func (q *queries) ListUsers(context.Context) ([]*auth.UserRecord, error) {
	if err := q.fault("ListUsers"); err != nil {
		return nil, err
	}
	out := make([]*auth.UserRecord, 0, len(q.data.users))
	for _, u := range q.data.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *queries) UpdateUser(_ context.Context, id string, fields auth.UserFields) (int64, error) {
	if err := q.fault("UpdateUser"); err != nil {
		return 0, err
	}
	u, ok := q.data.users[id]
	if !ok {
		return 0, nil
	}
	if fields.Email != nil {
		for _, other := range q.data.users {
			if other.ID != id && other.Email == *fields.Email {
				return 0, auth.ErrConflict
			}
		}
	}
	fields.Apply(u)
	return 1, nil
}

func (q *queries) DeleteUser(_ context.Context, id string) (int64, error) {
	if err := q.fault("DeleteUser"); err != nil {
		return 0, err
	}
	if _, ok := q.data.users[id]; !ok {
		return 0, nil
	}
	delete(q.data.users, id)
	q.data.members = dropMember(q.data.members, id)
	q.data.teamRoles = dropMember(q.data.teamRoles, id)
	return 1, nil
}

func dropMember(rows []Membership, memberID string) []Membership {
	out := rows[:0]
	for _, m := range rows {
		if m.MemberID != memberID {
			out = append(out, m)
		}
	}
	return out
}

func (q *queries) InsertTeamMembership(_ context.Context, memberID string, teamID int64) error {
	if err := q.fault("InsertTeamMembership"); err != nil {
		return err
	}
	q.data.members = append(q.data.members, Membership{MemberID: memberID, RefID: teamID})
	return nil
}

func (q *queries) InsertTeamRole(_ context.Context, memberID string, roleID int64) error {
	if err := q.fault("InsertTeamRole"); err != nil {
		return err
	}
	q.data.teamRoles = append(q.data.teamRoles, Membership{MemberID: memberID, RefID: roleID})
	return nil
}

func (q *queries) FindRoleName(_ context.Context, roleID int64) (string, error) {
	if err := q.fault("FindRoleName"); err != nil {
		return "", err
	}
	name, ok := q.data.roles[roleID]
	if !ok {
		return "", auth.ErrNotFound
	}
	return name, nil
}

func (q *queries) InsertTokenEntry(_ context.Context, e *auth.TokenEntry) error {
	if err := q.fault("InsertTokenEntry"); err != nil {
		return err
	}
	if _, ok := q.data.tokens[e.ID]; ok {
		return auth.ErrConflict
	}
	c := *e
	q.data.tokens[e.ID] = &c
	return nil
}

func (q *queries) FindTokenEntryByAccess(_ context.Context, userID, accessHash string) (*auth.TokenEntry, error) {
	if err := q.fault("FindTokenEntryByAccess"); err != nil {
		return nil, err
	}
	for _, e := range q.data.tokens {
		if e.UserID == userID && e.AccessHash == accessHash {
			c := *e
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (q *queries) FindTokenEntryByRefresh(_ context.Context, refreshHash string) (*auth.TokenEntry, error) {
	if err := q.fault("FindTokenEntryByRefresh"); err != nil {
		return nil, err
	}
	for _, e := range q.data.tokens {
		if e.RefreshHash == refreshHash {
			c := *e
			return &c, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (q *queries) UpdateTokenEntryAccess(_ context.Context, entryID, accessHash string, exp time.Time) (int64, error) {
	if err := q.fault("UpdateTokenEntryAccess"); err != nil {
		return 0, err
	}
	e, ok := q.data.tokens[entryID]
	if !ok {
		return 0, nil
	}
	e.AccessHash = accessHash
	e.AccessExpiresAt = exp
	return 1, nil
}

func (q *queries) DeleteTokenEntriesForUser(_ context.Context, userID string) (int64, error) {
	if err := q.fault("DeleteTokenEntriesForUser"); err != nil {
		return 0, err
	}
	var n int64
	for id, e := range q.data.tokens {
		if e.UserID == userID {
			delete(q.data.tokens, id)
			n++
		}
	}
	return n, nil
}

func (q *queries) DeleteExpiredTokenEntries(_ context.Context, now time.Time) (int64, error) {
	if err := q.fault("DeleteExpiredTokenEntries"); err != nil {
		return 0, err
	}
	var n int64
	for id, e := range q.data.tokens {
		if !now.Before(e.RefreshExpiresAt) {
			delete(q.data.tokens, id)
			n++
		}
	}
	return n, nil
}

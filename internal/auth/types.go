package auth

import (
	"strings"
	"time"
)

// Principal is the authenticated actor derived from a verified token.
type Principal struct {
	ID    string
	Email string
	Role  string
}

// HasRole reports whether the principal carries role, ignoring case.
func (p Principal) HasRole(role string) bool {
	return p.Role != "" && strings.EqualFold(p.Role, role)
}

// UserRecord is a stored user account.
type UserRecord struct {
	ID           string
	Name         string
	Email        string
	Age          *int
	Mobile       *string
	PasswordHash string
	RoleID       int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy of the record.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.Age != nil {
		v := *u.Age
		c.Age = &v
	}
	if u.Mobile != nil {
		v := *u.Mobile
		c.Mobile = &v
	}
	return &c
}

// Role is a named bucket of privileges.
type Role struct {
	ID   int64
	Name string
}

// TokenKind discriminates access and refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Token is a signed, immutable credential.
type Token struct {
	Raw          string
	Kind         TokenKind
	ID           string
	SubjectID    string
	SubjectEmail string
	SubjectRole  string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Principal returns the identity carried by the token.
func (t Token) Principal() Principal {
	return Principal{ID: t.SubjectID, Email: t.SubjectEmail, Role: t.SubjectRole}
}

// TokenPair is what callers receive after register, login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
}

// TokenResponse bundles a token pair with the identity it was issued for.
type TokenResponse struct {
	UserID string    `json:"userId"`
	Role   string    `json:"role"`
	Tokens TokenPair `json:"tokens"`
}

// TokenEntry is the durable registry row that makes a token pair live.
// Tokens are stored as SHA-256 digests.
type TokenEntry struct {
	ID               string
	UserID           string
	AccessHash       string
	RefreshHash      string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
}

// RevokeResult reports how many rows a revocation removed.
type RevokeResult struct {
	TokensRemoved int64 `json:"tokensRemoved"`
	UsersRemoved  int64 `json:"usersRemoved"`
}

// RegisterInput carries a new account request.
type RegisterInput struct {
	Name     string  `json:"name" validate:"required,max=120"`
	Email    string  `json:"email" validate:"required,email,max=254"`
	Password string  `json:"password" validate:"required,max=72"`
	Age      *int    `json:"age,omitempty" validate:"omitempty,gte=0,lte=150"`
	Mobile   *string `json:"mobile,omitempty" validate:"omitempty,max=32"`
	TeamID   int64   `json:"teamId" validate:"required,gt=0"`
	RoleID   int64   `json:"roleId" validate:"required,gt=0"`
}

// UserPatch is a partial update; nil fields are left untouched.
type UserPatch struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=1,max=72"`
	Age      *int    `json:"age,omitempty" validate:"omitempty,gte=0,lte=150"`
	Mobile   *string `json:"mobile,omitempty" validate:"omitempty,max=32"`
	RoleID   *int64  `json:"roleId,omitempty" validate:"omitempty,gt=0"`
}

// UserFields is the filtered set of columns written by one update.
type UserFields struct {
	Name         *string
	Email        *string
	PasswordHash *string
	Age          *int
	Mobile       *string
	RoleID       *int64
	UpdatedAt    time.Time
}

// Empty reports whether no column would change.
func (f UserFields) Empty() bool {
	return f.Name == nil && f.Email == nil && f.PasswordHash == nil &&
		f.Age == nil && f.Mobile == nil && f.RoleID == nil
}

// Apply writes the set fields onto u.
func (f UserFields) Apply(u *UserRecord) {
	if f.Name != nil {
		u.Name = *f.Name
	}
	if f.Email != nil {
		u.Email = *f.Email
	}
	if f.PasswordHash != nil {
		u.PasswordHash = *f.PasswordHash
	}
	if f.Age != nil {
		v := *f.Age
		u.Age = &v
	}
	if f.Mobile != nil {
		v := *f.Mobile
		u.Mobile = &v
	}
	if f.RoleID != nil {
		u.RoleID = *f.RoleID
	}
	if !f.UpdatedAt.IsZero() {
		u.UpdatedAt = f.UpdatedAt
	}
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

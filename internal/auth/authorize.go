package auth

import "strings"

// Action is an operation on user records.
type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// Well-known role names. Comparison is case-insensitive.
const (
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleSupervisor = "supervisor"
	RoleSuperAdmin = "SuperAdmin"
	RoleUser       = "user"
)

// Target is the user record an action is evaluated against. A nil *Target
// means the collection as a whole.
type Target struct {
	ID     string
	RoleID int64
}

// TargetOf builds a Target from a stored record.
func TargetOf(u *UserRecord) *Target {
	if u == nil {
		return nil
	}
	return &Target{ID: u.ID, RoleID: u.RoleID}
}

// Rule is one row of the policy table. Match decides applicability; Allow is
// the effect when it applies.
type Rule struct {
	Name  string
	Match func(p Principal, a Action, t *Target) bool
	Allow bool
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Rule    string
}

// Policy evaluates rules in order; the first match wins.
type Policy struct {
	rules []Rule
}

// NewPolicy builds a policy from rules, or from DefaultRules when none are given.
func NewPolicy(rules ...Rule) *Policy {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return &Policy{rules: out}
}

// DefaultRules returns the standard rule table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "admin-manage-all",
			Allow: true,
			Match: func(p Principal, _ Action, _ *Target) bool {
				return p.HasRole(RoleAdmin)
			},
		},
		{
			Name:  "self-read",
			Allow: true,
			Match: func(p Principal, a Action, t *Target) bool {
				return a == ActionRead && isSelf(p, t)
			},
		},
		{
			Name:  "privileged-listing",
			Allow: true,
			Match: func(p Principal, a Action, t *Target) bool {
				return a == ActionRead && t == nil &&
					(p.HasRole(RoleManager) || p.HasRole(RoleSupervisor) || p.HasRole(RoleSuperAdmin))
			},
		},
		{
			Name:  "self-update",
			Allow: true,
			Match: func(p Principal, a Action, t *Target) bool {
				return a == ActionUpdate && isSelf(p, t)
			},
		},
		{
			Name:  "self-delete",
			Allow: false,
			Match: func(p Principal, a Action, t *Target) bool {
				return a == ActionDelete && isSelf(p, t)
			},
		},
		{
			Name:  "default-deny",
			Allow: false,
			Match: func(Principal, Action, *Target) bool { return true },
		},
	}
}

func isSelf(p Principal, t *Target) bool {
	return t != nil && strings.TrimSpace(p.ID) != "" && t.ID == p.ID
}

// Decide returns the effect of the first matching rule. No match denies.
func (pol *Policy) Decide(p Principal, a Action, t *Target) Decision {
	for _, r := range pol.rules {
		if r.Match != nil && r.Match(p, a, t) {
			return Decision{Allowed: r.Allow, Rule: r.Name}
		}
	}
	return Decision{Rule: "no-match"}
}

// Can reports whether p may perform a on t.
func (pol *Policy) Can(p Principal, a Action, t *Target) bool {
	return pol.Decide(p, a, t).Allowed
}

// CanChangeRole reports whether p may set the role of a record.
func (pol *Policy) CanChangeRole(p Principal) bool {
	return p.HasRole(RoleAdmin)
}

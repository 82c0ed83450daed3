package role

import "strings"

// Set is an immutable-by-convention collection of roles.
type Set struct {
	bits uint8
}

// NewSet returns a Set containing the given roles. Invalid roles are ignored.
func NewSet(roles ...Role) Set {
	var s Set
	for _, r := range roles {
		if r.Valid() {
			s.bits |= 1 << r
		}
	}
	return s
}

// ParseSet normalizes each raw value and returns the recognised roles
// together with the inputs that could not be normalized.
func ParseSet(raw []string) (Set, []string) {
	var (
		s       Set
		unknown []string
	)
	for _, v := range raw {
		r, ok := Normalize(v)
		if !ok {
			unknown = append(unknown, v)
			continue
		}
		s.bits |= 1 << r
	}
	return s, unknown
}

// Contains reports whether r is a member of s.
func (s Set) Contains(r Role) bool {
	return r.Valid() && s.bits&(1<<r) != 0
}

// Empty reports whether s has no members.
func (s Set) Empty() bool {
	return s.bits == 0
}

// Roles returns the members in declaration order.
func (s Set) Roles() []Role {
	out := make([]Role, 0, len(All))
	for _, r := range All {
		if s.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s Set) String() string {
	roles := s.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}

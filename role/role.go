package role

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is a coarse-grained permission tier. The zero value [None] means
// "no role" and is never produced for a recognised input.
type Role uint8

const (
	// None is the zero Role returned for unknown or absent input.
	None Role = iota
	// Admin is the portal administrator tier.
	Admin
	// NodeOfficer manages metadata for a single catalogue node.
	NodeOfficer
	// User is a signed-in portal user.
	User
	// Guest is an anonymous or read-only visitor.
	Guest
)

// legacyAdminCode is the numeric role code used by the old role-encoding scheme.
const legacyAdminCode = "0"

var canonicalNames = [...]string{
	None:        "",
	Admin:       "ADMIN",
	NodeOfficer: "NODE_OFFICER",
	User:        "USER",
	Guest:       "GUEST",
}

// All lists every valid Role in declaration order.
var All = []Role{Admin, NodeOfficer, User, Guest}

// String returns the canonical upper-case name, or "" for [None].
func (r Role) String() string {
	if int(r) >= len(canonicalNames) {
		return ""
	}
	return canonicalNames[r]
}

// Valid reports whether r is one of the four canonical roles.
func (r Role) Valid() bool {
	return r >= Admin && r <= Guest
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Input goes through
// [Normalize]; unrecognised text is an error.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, ok := Normalize(string(text))
	if !ok {
		return fmt.Errorf("role: unknown role %q", string(text))
	}
	*r = parsed
	return nil
}

// Normalize maps a raw role representation onto a canonical Role.
//
// Accepted inputs are strings (matched case-insensitively after trimming,
// with '-' and ' ' treated as '_'), signed and unsigned integers, and
// fmt.Stringer values. The legacy code "0" / 0 maps to [Admin]. Everything
// else, including nil and the empty string, yields (None, false).
//
// Normalize is pure: identical input always yields identical output.
func Normalize(raw any) (Role, bool) {
	switch v := raw.(type) {
	case nil:
		return None, false
	case Role:
		return v, v.Valid()
	case string:
		return normalizeString(v)
	case []byte:
		return normalizeString(string(v))
	case int:
		return normalizeString(strconv.FormatInt(int64(v), 10))
	case int8:
		return normalizeString(strconv.FormatInt(int64(v), 10))
	case int16:
		return normalizeString(strconv.FormatInt(int64(v), 10))
	case int32:
		return normalizeString(strconv.FormatInt(int64(v), 10))
	case int64:
		return normalizeString(strconv.FormatInt(v, 10))
	case uint:
		return normalizeString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		return normalizeString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		return normalizeString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		return normalizeString(strconv.FormatUint(v, 10))
	case float64:
		// JSON numbers decode as float64; only whole values can be role codes.
		if v != float64(int64(v)) {
			return None, false
		}
		return normalizeString(strconv.FormatInt(int64(v), 10))
	case fmt.Stringer:
		return normalizeString(v.String())
	default:
		return None, false
	}
}

func normalizeString(s string) (Role, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, false
	}
	if s == legacyAdminCode {
		return Admin, true
	}

	key := strings.ToUpper(s)
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)

	switch key {
	case "ADMIN":
		return Admin, true
	case "NODE_OFFICER", "NODEOFFICER":
		return NodeOfficer, true
	case "USER":
		return User, true
	case "GUEST":
		return Guest, true
	default:
		return None, false
	}
}

// OrDefault normalizes raw and falls back to def when it is not recognised.
func OrDefault(raw any, def Role) Role {
	if r, ok := Normalize(raw); ok {
		return r
	}
	return def
}

// MustParse is like [Normalize] but panics on unknown input. Intended for
// static configuration.
func MustParse(raw string) Role {
	r, ok := Normalize(raw)
	if !ok {
		panic("role: unknown role " + strconv.Quote(raw))
	}
	return r
}

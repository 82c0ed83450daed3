package permission

import (
	"errors"
	"sort"
	"strings"
)

// Permission is an (action, subject) pair such as create:metadata.
type Permission struct {
	Action  string `json:"action" yaml:"action"`
	Subject string `json:"subject" yaml:"subject"`
}

// Well-known portal permissions.
var (
	CreateMetadata  = Permission{Action: "create", Subject: "metadata"}
	UpdateMetadata  = Permission{Action: "update", Subject: "metadata"}
	DeleteMetadata  = Permission{Action: "delete", Subject: "metadata"}
	PublishMetadata = Permission{Action: "publish", Subject: "metadata"}
	ReadMetadata    = Permission{Action: "read", Subject: "metadata"}
	ManageUsers     = Permission{Action: "manage", Subject: "users"}
	ManageNodes     = Permission{Action: "manage", Subject: "nodes"}
)

var errMalformed = errors.New("permission must have the form action:subject")

// New returns a Permission with lower-cased, trimmed fields.
func New(action, subject string) Permission {
	return Permission{
		Action:  strings.ToLower(strings.TrimSpace(action)),
		Subject: strings.ToLower(strings.TrimSpace(subject)),
	}
}

// Parse reads the "action:subject" form.
func Parse(s string) (Permission, error) {
	action, subject, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, errMalformed
	}
	p := New(action, subject)
	if !p.Valid() {
		return Permission{}, errMalformed
	}
	return p, nil
}

// MustParse is like [Parse] but panics on malformed input.
func MustParse(s string) Permission {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Valid reports whether both fields are non-empty and free of separators.
func (p Permission) Valid() bool {
	return p.Action != "" && p.Subject != "" &&
		!strings.ContainsAny(p.Action, ":,") && !strings.ContainsAny(p.Subject, ":,")
}

func (p Permission) String() string {
	return p.Action + ":" + p.Subject
}

// Canonical returns the sorted, de-duplicated string forms of perms. Two
// permission sets with the same members always produce the same slice.
func Canonical(perms []Permission) []string {
	if len(perms) == 0 {
		return nil
	}
	out := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		s := p.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

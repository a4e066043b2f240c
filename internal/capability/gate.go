// Package capability is the single authorization predicate for manuscript
// transitions. Call sites never inspect roles themselves.
package capability

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
	// RoleSystem is the internal actor used for automatic transitions. It is
	// never produced by ParseRole.
	RoleSystem Role = "system"
)

type Transition string

const (
	TransitionSubmit                 Transition = "submit"
	TransitionSubmitReview           Transition = "submit_review"
	TransitionForcePublish           Transition = "force_publish"
	TransitionForceReject            Transition = "force_reject"
	TransitionResubmit               Transition = "resubmit"
	TransitionAdvanceAfterPlagiarism Transition = "advance_after_plagiarism"
	TransitionFinalize               Transition = "finalize"
)

type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d {
		return "allow"
	}
	return "deny"
}

var grants = map[Transition]map[Role]struct{}{
	TransitionSubmit:                 roles(RoleAuthor),
	TransitionSubmitReview:           roles(RoleReviewer),
	TransitionForcePublish:           roles(RoleEditor, RoleAdmin),
	TransitionForceReject:            roles(RoleEditor, RoleAdmin),
	TransitionResubmit:               roles(RoleAuthor, RoleEditor, RoleAdmin),
	TransitionAdvanceAfterPlagiarism: roles(RoleSystem),
	TransitionFinalize:               roles(RoleSystem),
}

func roles(rs ...Role) map[Role]struct{} {
	m := make(map[Role]struct{}, len(rs))
	for _, r := range rs {
		m[r] = struct{}{}
	}
	return m
}

// Authorize reports whether role may request transition. Pairs not listed in
// the grant table are denied.
func Authorize(role Role, transition Transition) Decision {
	allowed, ok := grants[transition]
	if !ok {
		return Deny
	}
	if _, ok := allowed[role]; ok {
		return Allow
	}
	return Deny
}

// Roles returns the externally assignable roles.
func Roles() []Role {
	return []Role{RoleAuthor, RoleReviewer, RoleEditor, RoleAdmin}
}

// Transitions returns every transition known to the gate.
func Transitions() []Transition {
	return []Transition{
		TransitionSubmit,
		TransitionSubmitReview,
		TransitionForcePublish,
		TransitionForceReject,
		TransitionResubmit,
		TransitionAdvanceAfterPlagiarism,
		TransitionFinalize,
	}
}

// ParseRole parses a role claim. The system role cannot be claimed.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Package access decides what an authenticated caller may read.
//
// Reads are always scoped to one tenant. A caller asking about another
// tenant gets ErrNotFound, never ErrForbidden, so the response cannot be used
// to learn whether the resource exists elsewhere. ErrForbidden is reserved for
// same-tenant callers whose role does not allow the requested scope.
package access

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Role is a caller's role inside its tenant.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// ParseRole accepts the three known roles, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOwner, RoleAdmin, RoleStaff:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Session is the identity attached to an authenticated request.
type Session struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// Scope is the kind of read being authorized.
type Scope int

const (
	// ScopeMeta covers redacted message disclosures and link listings.
	ScopeMeta Scope = iota
	// ScopeContent covers full message content.
	ScopeContent
)

// CanViewContent reports whether role may read full message content.
func CanViewContent(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// CanIssueLinks reports whether role may issue intake links.
func CanIssueLinks(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// AuthorizeRead returns nil when s may read scope inside targetTenantID.
func AuthorizeRead(s *Session, targetTenantID string, scope Scope) error {
	if s == nil || s.TenantID == "" {
		return ErrUnauthorized
	}
	if targetTenantID == "" || s.TenantID != targetTenantID {
		return ErrNotFound
	}
	if scope == ScopeContent && !CanViewContent(s.Role) {
		return ErrForbidden
	}
	return nil
}

// Decision is the classified outcome of an authorization check.
type Decision int

const (
	Allow Decision = iota
	Forbidden
	NotFound
	Unauthorized
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	default:
		return "unauthorized"
	}
}

// Decide classifies the result of AuthorizeRead.
func Decide(s *Session, targetTenantID string, scope Scope) Decision {
	switch err := AuthorizeRead(s, targetTenantID, scope); {
	case err == nil:
		return Allow
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrForbidden):
		return Forbidden
	default:
		return Unauthorized
	}
}

// Package tenant carries the authenticated caller's organization/project
// scope through a context.Context, attached the same way JWT claims
// get attached to a request context.
package tenant

import (
	"context"

	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

type ctxKey struct{}

// Scope is the tenant-scoping context every core operation requires.
type Scope struct {
	OrganizationID string
	// AccessibleProjects is nil for "migration mode: skip project
	// filtering" and non-nil to restrict results to
	// entities with no project or a project in this set.
	AccessibleProjects map[string]struct{}
	Role string
	CallerID string
}

// WithScope attaches a Scope to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext extracts the Scope; a missing tenant id is a programming
// error and fails fast with TenantMissing.
func FromContext(ctx context.Context, op string) (Scope, error) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return Scope{}, sibylerr.TenantMissing(op)
	}
	s, ok := v.(Scope)
	if !ok || s.OrganizationID == "" {
		return Scope{}, sibylerr.TenantMissing(op)
	}
	return s, nil
}

// ProjectAccessible reports whether projectID is visible under scope's
// accessible-project set. A nil set means migration mode (always true).
func (s Scope) ProjectAccessible(projectID string) bool {
	if s.AccessibleProjects == nil {
		return true
	}
	if projectID == "" {
		return true
	}
	_, ok := s.AccessibleProjects[projectID]
	return ok
}

// Package identity carries the externally verified principal through the
// gateway. The identity-provider handshake itself happens outside this
// service; by the time a Principal exists its email has been verified.
package identity

import (
	"context"
	"strings"
)

// Principal is the verified identity presented to the gateway. Immutable per
// request.
type Principal struct {
	Email    string
	TenantID string
	Name     string
	Role     string
	Picture  string
	Groups   []string
	OrgUnit  string
}

// Domain returns the lower-cased domain part of the principal's email, or ""
// when the email is malformed.
func (p Principal) Domain() string {
	at := strings.LastIndex(p.Email, "@")
	if at < 0 || at == len(p.Email)-1 {
		return ""
	}
	return strings.ToLower(p.Email[at+1:])
}

// Directory resolves group memberships and the organizational unit of a
// subject. Backed by an external directory service; the gateway only consumes
// the results.
type Directory interface {
	// Groups returns the group names the subject belongs to, including
	// transitive memberships when the backing directory supports them.
	Groups(ctx context.Context, email string) ([]string, error)
	// OrgUnit returns the subject's slash-delimited organizational unit path,
	// or "" when the subject has none.
	OrgUnit(ctx context.Context, email string) (string, error)
}

// ProfileResolver returns the current profile of a subject within a tenant.
// The rotation protocol uses it so that name/role changes propagate on
// refresh instead of waiting for a full re-login.
type ProfileResolver interface {
	Resolve(ctx context.Context, email, tenantID string) (Principal, error)
}

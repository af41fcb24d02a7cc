// Package tenant holds per-tenant admission and relay configuration.
package tenant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default refresh lifetime applied when a policy does not set one.
const DefaultRefreshTTLDays = 14

// Policy is a tenant's admission and relay configuration. It is validated in
// full at load time and treated as immutable afterwards.
type Policy struct {
	ID             string   `json:"tenant_id"`
	Name           string   `json:"name"`
	AllowedDomains []string `json:"allowed_domains"`
	StudentAllowed bool     `json:"student_allowed"`
	// AdminEmails restricts access to the listed addresses; empty means no
	// admin restriction.
	AdminEmails      []string `json:"admin_emails,omitempty"`
	RequiredGroups   []string `json:"required_groups,omitempty"`
	AllowedGroups    []string `json:"allowed_groups,omitempty"`
	RequiredOrgUnits []string `json:"required_org_units,omitempty"`
	AllowedOrgUnits  []string `json:"allowed_org_units,omitempty"`
	RefreshTTLDays   int      `json:"refresh_ttl_days"`
	RelayEnabled     bool     `json:"relay_enabled"`
	RelayTargetID    string   `json:"relay_target_id,omitempty"`
}

// Validate rejects malformed policies instead of silently fixing them.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("tenant: tenant_id is required")
	}
	if len(p.AllowedDomains) == 0 {
		return fmt.Errorf("tenant %s: allowed_domains must not be empty", p.ID)
	}
	for _, d := range p.AllowedDomains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "@ ") {
			return fmt.Errorf("tenant %s: malformed allowed domain %q", p.ID, d)
		}
	}
	if p.RefreshTTLDays < 1 || p.RefreshTTLDays > 30 {
		return fmt.Errorf("tenant %s: refresh_ttl_days %d outside [1,30]", p.ID, p.RefreshTTLDays)
	}
	for _, u := range append(append([]string{}, p.RequiredOrgUnits...), p.AllowedOrgUnits...) {
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("tenant %s: org unit %q must start with '/'", p.ID, u)
		}
	}
	if p.RelayEnabled && strings.TrimSpace(p.RelayTargetID) == "" {
		return fmt.Errorf("tenant %s: relay_target_id required when relay is enabled", p.ID)
	}
	return nil
}

// NeedsGroups reports whether admission for this tenant requires group
// memberships to be resolved.
func (p Policy) NeedsGroups() bool {
	return len(p.RequiredGroups) > 0 || len(p.AllowedGroups) > 0
}

// NeedsOrgUnit reports whether admission for this tenant requires the
// subject's organizational unit.
func (p Policy) NeedsOrgUnit() bool {
	return len(p.RequiredOrgUnits) > 0 || len(p.AllowedOrgUnits) > 0
}

// ParsePolicy decodes a stored policy document. Unknown fields are rejected
// rather than ignored, and the result is fully validated.
func ParsePolicy(data []byte) (Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Policy
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("tenant: decode policy: %w", err)
	}
	if p.RefreshTTLDays == 0 {
		p.RefreshTTLDays = DefaultRefreshTTLDays
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

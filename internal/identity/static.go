package identity

import (
	"context"
	"strings"
	"sync"
)

// StaticDirectory is an in-memory Directory for single-instance deployments
// and tests. Lookups are keyed by lower-cased email.
type StaticDirectory struct {
	mu       sync.RWMutex
	groups   map[string][]string
	orgUnits map[string]string
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		groups:   make(map[string][]string),
		orgUnits: make(map[string]string),
	}
}

// SetGroups replaces the group memberships recorded for email.
func (d *StaticDirectory) SetGroups(email string, groups []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[strings.ToLower(email)] = append([]string(nil), groups...)
}

// SetOrgUnit records the organizational unit path for email.
func (d *StaticDirectory) SetOrgUnit(email, orgUnit string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgUnits[strings.ToLower(email)] = orgUnit
}

// Groups implements Directory.
func (d *StaticDirectory) Groups(_ context.Context, email string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	src := d.groups[strings.ToLower(email)]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// OrgUnit implements Directory.
func (d *StaticDirectory) OrgUnit(_ context.Context, email string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orgUnits[strings.ToLower(email)], nil
}

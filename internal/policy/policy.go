// Package policy implements the tenant admission decision. Decide is a pure
// function: group and org-unit data must already be resolved by the caller,
// and no storage or network access happens here.
package policy

import (
	"regexp"
	"strings"

	"relaygate.org/internal/tenant"
)

// Reason identifies which admission check failed. The values are stable and
// safe to expose to clients; detailed policy contents are not.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonDomainNotAllowed       Reason = "DOMAIN_NOT_ALLOWED"
	ReasonStudentNotAllowed      Reason = "STUDENT_NOT_ALLOWED"
	ReasonAdminOnly              Reason = "ADMIN_ONLY"
	ReasonRequiredGroupMissing   Reason = "REQUIRED_GROUP_MISSING"
	ReasonNoAllowedGroup         Reason = "NO_ALLOWED_GROUP"
	ReasonRequiredOrgUnitMissing Reason = "REQUIRED_ORG_UNIT_MISSING"
	ReasonNoAllowedOrgUnit       Reason = "NO_ALLOWED_ORG_UNIT"
)

// Decision is the outcome of the admission checks.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// Student accounts use a numeric local part of exactly seven digits.
var studentLocalPart = regexp.MustCompile(`^\d{7}$`)

// Decide runs the admission checks in fixed order, short-circuiting on the
// first failure. The order is part of the contract: a domain failure is
// reported as a domain failure even if group rules would also fail.
//
//	1. email domain must equal an allowed domain (exact, case-insensitive)
//	2. student-pattern accounts are rejected unless the tenant allows them
//	3. when an admin allowlist exists, the email must be on it
//	4. required groups (AND)
//	5. allowed groups (OR)
//	6. required org units (AND, hierarchical)
//	7. allowed org units (OR, hierarchical)
func Decide(email string, pol tenant.Policy, groups []string, orgUnit string) Decision {
	email = strings.TrimSpace(strings.ToLower(email))

	if !domainAllowed(email, pol.AllowedDomains) {
		return deny(ReasonDomainNotAllowed)
	}

	if !pol.StudentAllowed && IsStudentEmail(email) {
		return deny(ReasonStudentNotAllowed)
	}

	if len(pol.AdminEmails) > 0 && !containsFold(pol.AdminEmails, email) {
		return deny(ReasonAdminOnly)
	}

	if len(pol.RequiredGroups) > 0 {
		for _, required := range pol.RequiredGroups {
			if !containsFold(groups, required) {
				return deny(ReasonRequiredGroupMissing)
			}
		}
	}

	if len(pol.AllowedGroups) > 0 && !intersectsFold(groups, pol.AllowedGroups) {
		return deny(ReasonNoAllowedGroup)
	}

	if len(pol.RequiredOrgUnits) > 0 {
		for _, required := range pol.RequiredOrgUnits {
			if !OrgUnitWithin(orgUnit, required) {
				return deny(ReasonRequiredOrgUnitMissing)
			}
		}
	}

	if len(pol.AllowedOrgUnits) > 0 {
		matched := false
		for _, allowed := range pol.AllowedOrgUnits {
			if OrgUnitWithin(orgUnit, allowed) {
				matched = true
				break
			}
		}
		if !matched {
			return deny(ReasonNoAllowedOrgUnit)
		}
	}

	return allow()
}

// IsStudentEmail reports whether the email's local part matches the student
// account pattern.
func IsStudentEmail(email string) bool {
	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}
	return studentLocalPart.MatchString(local)
}

// OrgUnitWithin reports whether unit equals ancestor or descends from it.
// Matching is by whole '/'-separated path segments: "/teachers/senior" is
// within "/teachers", "/teach" is not.
func OrgUnitWithin(unit, ancestor string) bool {
	unit = strings.TrimRight(strings.TrimSpace(unit), "/")
	ancestor = strings.TrimRight(strings.TrimSpace(ancestor), "/")
	if unit == "" || ancestor == "" {
		return false
	}
	if strings.EqualFold(unit, ancestor) {
		return true
	}
	if len(unit) <= len(ancestor) {
		return false
	}
	return strings.EqualFold(unit[:len(ancestor)], ancestor) && unit[len(ancestor)] == '/'
}

func domainAllowed(email string, allowed []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := email[at+1:]
	return containsFold(allowed, domain)
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(strings.TrimSpace(h), needle) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, v := range a {
		if containsFold(b, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

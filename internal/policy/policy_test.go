package policy

import (
	"testing"

	"relaygate.org/internal/tenant"
)

func basePolicy() tenant.Policy {
	return tenant.Policy{
		ID:             "tenant-1",
		AllowedDomains: []string{"example.com"},
		StudentAllowed: true,
		RefreshTTLDays: 14,
	}
}

func TestDecideDomain(t *testing.T) {
	pol := basePolicy()

	if d := Decide("admin@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("expected allow, got %v", d.Reason)
	}
	if d := Decide("Admin@EXAMPLE.COM", pol, nil, ""); !d.Allowed {
		t.Fatalf("domain check must be case-insensitive, got %v", d.Reason)
	}
	// Exact match only: no subdomain matching.
	if d := Decide("user@sub.example.com", pol, nil, ""); d.Allowed || d.Reason != ReasonDomainNotAllowed {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED for subdomain, got %+v", d)
	}
	if d := Decide("user@other.com", pol, nil, ""); d.Reason != ReasonDomainNotAllowed {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED, got %+v", d)
	}
	if d := Decide("not-an-email", pol, nil, ""); d.Reason != ReasonDomainNotAllowed {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED for malformed email, got %+v", d)
	}
}

func TestDecideStudentPattern(t *testing.T) {
	pol := basePolicy()
	pol.StudentAllowed = false

	if d := Decide("admin@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("expected allow for staff address, got %v", d.Reason)
	}
	if d := Decide("1234567@example.com", pol, nil, ""); d.Reason != ReasonStudentNotAllowed {
		t.Fatalf("expected STUDENT_NOT_ALLOWED, got %+v", d)
	}
	// Six and eight digits do not match the student pattern.
	if d := Decide("123456@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("6-digit local part should pass, got %v", d.Reason)
	}
	if d := Decide("12345678@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("8-digit local part should pass, got %v", d.Reason)
	}

	pol.StudentAllowed = true
	if d := Decide("1234567@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("students allowed, got %v", d.Reason)
	}
}

func TestDecideAdminAllowlist(t *testing.T) {
	pol := basePolicy()
	pol.AdminEmails = []string{"Boss@example.com"}

	if d := Decide("boss@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("expected allow for admin, got %v", d.Reason)
	}
	if d := Decide("user@example.com", pol, nil, ""); d.Reason != ReasonAdminOnly {
		t.Fatalf("expected ADMIN_ONLY, got %+v", d)
	}
}

func TestDecideGroups(t *testing.T) {
	pol := basePolicy()
	pol.RequiredGroups = []string{"staff@example.com", "faculty@example.com"}

	if d := Decide("u@example.com", pol, []string{"staff@example.com"}, ""); d.Reason != ReasonRequiredGroupMissing {
		t.Fatalf("expected REQUIRED_GROUP_MISSING, got %+v", d)
	}
	both := []string{"Staff@example.com", "faculty@example.com", "extra@example.com"}
	if d := Decide("u@example.com", pol, both, ""); !d.Allowed {
		t.Fatalf("expected allow with all required groups, got %v", d.Reason)
	}

	pol.RequiredGroups = nil
	pol.AllowedGroups = []string{"teachers@example.com", "admins@example.com"}
	if d := Decide("u@example.com", pol, []string{"students@example.com"}, ""); d.Reason != ReasonNoAllowedGroup {
		t.Fatalf("expected NO_ALLOWED_GROUP, got %+v", d)
	}
	if d := Decide("u@example.com", pol, []string{"TEACHERS@example.com"}, ""); !d.Allowed {
		t.Fatalf("expected allow via allowed group, got %v", d.Reason)
	}
}

func TestDecideOrgUnits(t *testing.T) {
	pol := basePolicy()
	pol.AllowedOrgUnits = []string{"/teachers"}

	if d := Decide("u@example.com", pol, nil, "/teachers"); !d.Allowed {
		t.Fatalf("exact org unit should match, got %v", d.Reason)
	}
	if d := Decide("u@example.com", pol, nil, "/teachers/senior"); !d.Allowed {
		t.Fatalf("descendant org unit should match, got %v", d.Reason)
	}
	// Segment-wise prefix only: "/teach" is not within "/teachers" and
	// "/teachers" is not within "/teach".
	if d := Decide("u@example.com", pol, nil, "/teach"); d.Reason != ReasonNoAllowedOrgUnit {
		t.Fatalf("expected NO_ALLOWED_ORG_UNIT for /teach, got %+v", d)
	}
	if d := Decide("u@example.com", pol, nil, ""); d.Reason != ReasonNoAllowedOrgUnit {
		t.Fatalf("expected NO_ALLOWED_ORG_UNIT for empty unit, got %+v", d)
	}

	pol.AllowedOrgUnits = nil
	pol.RequiredOrgUnits = []string{"/staff", "/staff/tenured"}
	if d := Decide("u@example.com", pol, nil, "/staff/tenured/math"); !d.Allowed {
		t.Fatalf("unit under all required ancestors should pass, got %v", d.Reason)
	}
	if d := Decide("u@example.com", pol, nil, "/staff"); d.Reason != ReasonRequiredOrgUnitMissing {
		t.Fatalf("expected REQUIRED_ORG_UNIT_MISSING, got %+v", d)
	}
}

func TestDecidePrecedence(t *testing.T) {
	// A failing domain wins over everything else even when every later rule
	// would also fail.
	pol := basePolicy()
	pol.StudentAllowed = false
	pol.AdminEmails = []string{"boss@example.com"}
	pol.RequiredGroups = []string{"staff@example.com"}
	pol.AllowedOrgUnits = []string{"/teachers"}

	d := Decide("1234567@other.com", pol, nil, "/students")
	if d.Reason != ReasonDomainNotAllowed {
		t.Fatalf("expected domain failure first, got %+v", d)
	}

	// With the domain fine, the student check is reported next.
	d = Decide("1234567@example.com", pol, nil, "/students")
	if d.Reason != ReasonStudentNotAllowed {
		t.Fatalf("expected student failure second, got %+v", d)
	}
}

func TestOrgUnitWithin(t *testing.T) {
	cases := []struct {
		unit, ancestor string
		want           bool
	}{
		{"/teachers/senior", "/teachers", true},
		{"/teachers", "/teachers", true},
		{"/teachers/", "/teachers", true},
		{"/teach", "/teachers", false},
		{"/teachersenior", "/teachers", false},
		{"/teachers", "/teachers/senior", false},
		{"", "/teachers", false},
		{"/teachers", "", false},
	}
	for _, tc := range cases {
		if got := OrgUnitWithin(tc.unit, tc.ancestor); got != tc.want {
			t.Fatalf("OrgUnitWithin(%q, %q) = %v, want %v", tc.unit, tc.ancestor, got, tc.want)
		}
	}
}

func TestScenarioStudentLockout(t *testing.T) {
	pol := tenant.Policy{
		ID:             "scenario-a",
		AllowedDomains: []string{"example.com"},
		StudentAllowed: false,
		RefreshTTLDays: 14,
	}
	if d := Decide("admin@example.com", pol, nil, ""); !d.Allowed {
		t.Fatalf("admin@example.com should be allowed, got %v", d.Reason)
	}
	if d := Decide("1234567@example.com", pol, nil, ""); d.Allowed || d.Reason != ReasonStudentNotAllowed {
		t.Fatalf("1234567@example.com should be denied as student, got %+v", d)
	}
}

package httpapi

import (
	"crypto/subtle"
	"io"
	"net/http"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/tenant"
)

const adminTokenHeader = "X-Admin-Token"

// handleAdminTenants upserts a tenant policy document and synchronously
// invalidates the policy cache, so the new document is served on the very
// next read. Authenticated by the shared admin token, not a bearer token.
func (a *API) handleAdminTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	supplied := r.Header.Get(adminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(a.adminToken)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "ADMIN_TOKEN_INVALID")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "request body unreadable")
		return
	}
	pol, err := tenant.ParsePolicy(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tenantWriter.PutTenant(r.Context(), pol); err != nil {
		writeError(w, r, http.StatusInternalServerError, "tenant store write failed")
		return
	}
	if a.tenantCache != nil {
		a.tenantCache.Invalidate(pol.ID)
	}

	a.sink.Emit(r.Context(), audit.Event{
		Kind:     audit.EventTenantUpdate,
		TenantID: pol.ID,
		SourceIP: clientIP(r),
		Fields:   map[string]any{"name": pol.Name},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "updated",
		"tenant_id": pol.ID,
	})
}

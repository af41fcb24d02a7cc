package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/relay"
	"relaygate.org/internal/tenant"
)

type relayRequest struct {
	TargetEndpoint string `json:"target_endpoint"`
	Method         string `json:"method"`
	Data           any    `json:"data"`
}

// handleRelay forwards an authenticated client call to the upstream provider.
// The signing credentials stay server-side; the client never sees them.
func (a *API) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.relay == nil {
		writeError(w, r, http.StatusServiceUnavailable, "RELAY_NOT_CONFIGURED")
		return
	}

	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
		return
	}

	var req relayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pol, err := a.tenants.Get(r.Context(), principal.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "unknown tenant")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !pol.RelayEnabled {
		writeError(w, r, http.StatusForbidden, "RELAY_DISABLED")
		return
	}

	a.sink.Emit(r.Context(), audit.Event{
		Kind:      audit.EventRelayCall,
		TenantID:  principal.TenantID,
		Subject:   principal.Email,
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Fields: map[string]any{
			"endpoint": req.TargetEndpoint,
			"target":   pol.RelayTargetID,
			"method":   strings.ToUpper(req.Method),
		},
	})

	resp, err := a.relay.Forward(r.Context(), relay.Request{
		TargetEndpoint: req.TargetEndpoint,
		Method:         req.Method,
		Data:           req.Data,
	}, pol.RelayTargetID)
	if err != nil {
		a.sink.Emit(r.Context(), audit.Event{
			Kind:     audit.EventRelayError,
			TenantID: principal.TenantID,
			Subject:  principal.Email,
			SourceIP: clientIP(r),
			Fields: map[string]any{
				"endpoint": req.TargetEndpoint,
				"error":    err.Error(),
			},
		})
		switch {
		case errors.Is(err, relay.ErrSigningMismatch):
			msg := "RELAY_SIGNING_MISMATCH"
			if a.debug && len(resp.Body) > 0 {
				msg += ": " + truncate(string(resp.Body), 200)
			}
			writeError(w, r, http.StatusBadGateway, msg)
		case errors.Is(err, relay.ErrUpstreamUnavailable):
			msg := "UPSTREAM_UNAVAILABLE"
			if a.debug {
				msg += ": " + err.Error()
			}
			writeError(w, r, http.StatusBadGateway, msg)
		default:
			// Detail stays in the audit event; the response carries only the
			// stable code unless debug is on.
			msg := "RELAY_FAILED"
			if a.debug {
				msg += ": " + err.Error()
			}
			writeError(w, r, http.StatusBadRequest, msg)
		}
		return
	}

	// Upstream status and body pass through verbatim.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

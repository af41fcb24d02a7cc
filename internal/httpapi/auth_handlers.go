package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/obs"
	"relaygate.org/internal/policy"
	"relaygate.org/internal/rotation"
	"relaygate.org/internal/tenant"
	"relaygate.org/internal/token"
)

type callbackRequest struct {
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Picture  string `json:"picture"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	TenantID     string `json:"tenant_id"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleCallback admits an externally verified identity. The identity
// provider handshake happens upstream of this service; the profile in the
// request body is trusted to be verified.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req callbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	tenantID := strings.TrimSpace(req.TenantID)
	if email == "" || tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "email and tenant_id are required")
		return
	}

	pol, err := a.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "unknown tenant")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	principal := identity.Principal{
		Email:    email,
		TenantID: tenantID,
		Name:     req.Name,
		Role:     req.Role,
		Picture:  req.Picture,
	}

	// Directory lookups only when the policy actually needs them.
	if a.directory != nil && pol.NeedsGroups() {
		groups, err := a.directory.Groups(r.Context(), email)
		if err != nil {
			writeError(w, r, http.StatusBadGateway, "directory lookup failed")
			return
		}
		principal.Groups = groups
	}
	if a.directory != nil && pol.NeedsOrgUnit() {
		orgUnit, err := a.directory.OrgUnit(r.Context(), email)
		if err != nil {
			writeError(w, r, http.StatusBadGateway, "directory lookup failed")
			return
		}
		principal.OrgUnit = orgUnit
	}

	decision := policy.Decide(email, pol, principal.Groups, principal.OrgUnit)
	if !decision.Allowed {
		obs.CountAuthDecision("deny")
		a.sink.Emit(r.Context(), audit.Event{
			Kind:      audit.EventLoginFailed,
			TenantID:  tenantID,
			Subject:   email,
			SourceIP:  clientIP(r),
			UserAgent: r.UserAgent(),
			Fields: map[string]any{
				"reason": string(decision.Reason),
				"domain": principal.Domain(),
			},
		})
		msg := string(decision.Reason)
		if a.debug && decision.Reason == policy.ReasonDomainNotAllowed {
			msg += ": allowed domains " + strings.Join(pol.AllowedDomains, ", ")
		}
		writeError(w, r, http.StatusForbidden, msg)
		return
	}

	pair, err := a.protocol.IssuePair(principal, pol.RefreshTTLDays)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.CountAuthDecision("allow")
	a.sink.Emit(r.Context(), audit.Event{
		Kind:      audit.EventLoginSuccess,
		TenantID:  tenantID,
		Subject:   email,
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Fields: map[string]any{
			"domain":          principal.Domain(),
			"student_account": policy.IsStudentEmail(email),
			"groups":          principal.Groups,
			"org_unit":        principal.OrgUnit,
		},
	})

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.protocol.Rotate(r.Context(), req.RefreshToken, strings.TrimSpace(req.TenantID), clientIP(r))
	if err != nil {
		a.handleRotationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn(),
	})
}

func (a *API) handleRotationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED")
	case errors.Is(err, rotation.ErrTokenReused):
		writeError(w, r, http.StatusUnauthorized, "TOKEN_REUSED")
	case errors.Is(err, rotation.ErrTenantMismatch):
		writeError(w, r, http.StatusUnauthorized, "TENANT_MISMATCH")
	case errors.Is(err, rotation.ErrRevoked),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrWrongType):
		writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "unknown tenant")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// handleVerify accepts the access token from the Authorization header or a
// token query parameter and returns the decoded claims.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	raw := ""
	if header := r.Header.Get(authHeader); header != "" {
		extracted, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
			return
		}
		raw = extracted
	} else {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
		return
	}

	claims, err := a.tokens.Verify(raw, token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			writeError(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"email":      claims.Subject,
		"tenant_id":  claims.TenantID,
		"name":       claims.Name,
		"role":       claims.Role,
		"picture":    claims.Picture,
		"issued_at":  claims.IssuedAt.Time.UTC().Format(time.RFC3339),
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

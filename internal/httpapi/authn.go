package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"relaygate.org/internal/identity"
	"relaygate.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths that never require a bearer token. Callback and refresh authenticate
// through their own credentials, verify parses its token inline.
var publicPaths = []string{
	"/v1/auth/callback",
	"/v1/auth/refresh",
	"/v1/auth/verify",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// The admin surface carries its own credential.
		if strings.HasPrefix(r.URL.Path, "/v1/admin/") {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.tokens.Verify(raw, token.TypeAccess)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				writeError(w, r, http.StatusUnauthorized, "TOKEN_EXPIRED")
			default:
				writeError(w, r, http.StatusUnauthorized, "TOKEN_INVALID")
			}
			return
		}

		principal := identity.Principal{
			Email:    claims.Subject,
			TenantID: claims.TenantID,
			Name:     claims.Name,
			Role:     claims.Role,
			Picture:  claims.Picture,
		}
		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		ctx = identity.ContextWithToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

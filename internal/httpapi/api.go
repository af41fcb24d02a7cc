// Package httpapi is the HTTP boundary of the gateway.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/obs"
	"relaygate.org/internal/relay"
	"relaygate.org/internal/rotation"
	"relaygate.org/internal/tenant"
	"relaygate.org/internal/token"
)

const serviceName = "relaygate"

// ReadyProbe checks downstream dependencies for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the API's collaborators.
type Config struct {
	Tokens    *token.Service
	Protocol  *rotation.Protocol
	Tenants   tenant.Provider
	Directory identity.Directory
	Relay     *relay.Client
	Sink      audit.Sink
	Ready     ReadyProbe
	Version   string
	// TenantWriter and TenantCache back the admin tenant surface. The
	// surface stays unregistered unless AdminToken is also set.
	TenantWriter tenant.Writer
	TenantCache  *tenant.Cache
	AdminToken   string
	// Debug exposes detailed error text (upstream bodies, policy contents)
	// in responses. Never enable outside development.
	Debug bool
}

// API is the HTTP layer.
type API struct {
	mux          *http.ServeMux
	tokens       *token.Service
	protocol     *rotation.Protocol
	tenants      tenant.Provider
	directory    identity.Directory
	relay        *relay.Client
	sink         audit.Sink
	readyProbe   ReadyProbe
	version      string
	debug        bool
	tenantWriter tenant.Writer
	tenantCache  *tenant.Cache
	adminToken   string
}

func New(cfg Config) *API {
	sink := cfg.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}
	a := &API{
		mux:          http.NewServeMux(),
		tokens:       cfg.Tokens,
		protocol:     cfg.Protocol,
		tenants:      cfg.Tenants,
		directory:    cfg.Directory,
		relay:        cfg.Relay,
		sink:         sink,
		readyProbe:   cfg.Ready,
		version:      cfg.Version,
		debug:        cfg.Debug,
		tenantWriter: cfg.TenantWriter,
		tenantCache:  cfg.TenantCache,
		adminToken:   cfg.AdminToken,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth + relay
	a.mux.HandleFunc("/v1/auth/callback", a.handleCallback)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/verify", a.handleVerify)
	a.mux.HandleFunc("/v1/relay", a.handleRelay)

	// Admin surface: only registered when its credential is configured.
	if a.adminToken != "" && a.tenantWriter != nil {
		a.mux.HandleFunc("/v1/admin/tenants", a.handleAdminTenants)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

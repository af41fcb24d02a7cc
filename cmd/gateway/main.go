package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"relaygate.org/internal/audit"
	"relaygate.org/internal/httpapi"
	"relaygate.org/internal/identity"
	"relaygate.org/internal/obs"
	"relaygate.org/internal/relay"
	"relaygate.org/internal/rotation"
	"relaygate.org/internal/store/pg"
	"relaygate.org/internal/tenant"
	"relaygate.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("GATEWAY_TOKEN_SECRET")
	tokens, err := token.NewService(secret)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	// Stores: pg for shared deployments, memory for single-instance dev.
	var (
		ledger   rotation.Ledger
		pgStore  *pg.Store
		ready    httpapi.ReadyProbe
		provider tenant.Provider
		writer   tenant.Writer
	)
	if dsn := os.Getenv("GATEWAY_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		ledger = pgStore
		provider = pgStore
		writer = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Println("GATEWAY_PG_DSN not set, using in-memory stores (single instance only)")
		ledger = rotation.NewMemoryLedger()
		mem := tenant.NewMemoryProvider()
		if path := os.Getenv("GATEWAY_TENANT_FILE"); path != "" {
			if err := loadTenantFile(mem, path); err != nil {
				log.Fatalf("load tenants: %v", err)
			}
		}
		provider = mem
		writer = mem
	}
	tenants := tenant.NewCache(provider)

	sink := audit.NewLogSink(256)
	defer sink.Close()

	protocol := rotation.NewProtocol(tokens, ledger, tenants, sink)

	// Relay is optional: without upstream configuration the endpoint reports
	// itself unavailable instead of failing startup.
	var relayClient *relay.Client
	if upstream := os.Getenv("GATEWAY_RELAY_URL"); upstream != "" {
		signer, err := relay.NewSigner(os.Getenv("GATEWAY_RELAY_CLIENT_ID"), os.Getenv("GATEWAY_RELAY_SECRET"))
		if err != nil {
			log.Fatalf("relay signer: %v", err)
		}
		relayClient, err = relay.NewClient(upstream, signer)
		if err != nil {
			log.Fatalf("relay client: %v", err)
		}
	}

	api := httpapi.New(httpapi.Config{
		Tokens:       tokens,
		Protocol:     protocol,
		Tenants:      tenants,
		Directory:    identity.NewStaticDirectory(),
		Relay:        relayClient,
		Sink:         sink,
		Ready:        ready,
		Version:      version,
		TenantWriter: writer,
		TenantCache:  tenants,
		AdminToken:   os.Getenv("GATEWAY_ADMIN_TOKEN"),
		Debug:        os.Getenv("GATEWAY_DEBUG") == "1",
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.RateLimit(
						httpapi.MaxBodyBytes(api.Handler(), 1<<20),
						20, 10)))))

	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Must stay above the relay per-call timeout so upstream calls fail
		// before the client connection does.
		WriteTimeout: relay.DefaultTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Used-token records expire with the longest refresh lifetime plus grace.
	go sweepLoop(ctx, ledger)

	var grpcSrv *grpc.Server
	if grpcAddr := os.Getenv("GATEWAY_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCHealthServer(ready))
		go func() {
			log.Printf("gRPC health on %s", grpcAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Printf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting relaygate %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func sweepLoop(ctx context.Context, ledger rotation.Ledger) {
	maxAge := time.Duration(token.MaxRefreshDays)*24*time.Hour + rotation.GracePeriod
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := ledger.Sweep(ctx, time.Now().UTC(), maxAge)
			if err != nil {
				log.Printf("ledger sweep: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("ledger sweep removed %d records", removed)
			}
		}
	}
}

// loadTenantFile reads a JSON array of tenant policies for dev setups.
func loadTenantFile(dst *tenant.MemoryProvider, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, doc := range raw {
		pol, err := tenant.ParsePolicy(doc)
		if err != nil {
			return err
		}
		if err := dst.Put(pol); err != nil {
			return err
		}
	}
	return nil
}

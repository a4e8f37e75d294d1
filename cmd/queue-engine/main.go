package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-engine")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	entryStore := postgres.NewStore(pool)
	broadcaster := hub.New()
	eng := engine.New(entryStore, broadcaster, engine.LogAnnouncer{}, engine.Options{
		RegistrationTTL: cfg.RegistrationTTL,
	})

	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := eng.RebuildIndex(ctx); err != nil {
			log.Printf("startup index rebuild error: %v", err)
		}
		cancel()
	}

	var maintenance *engine.Maintenance
	if cfg.MaintenanceEnabled {
		maintenance, err = engine.NewMaintenance(eng)
		if err != nil {
			log.Fatalf("maintenance setup: %v", err)
		}
		maintenance.Start()
		defer maintenance.Stop()
	}

	handler := httpapi.NewHandler(eng)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", newRealtimeHandler(broadcaster, eng))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-engine")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// newRealtimeHandler serves the push channel. Clients subscribe to one
// department; "sync" replays every mutation after the version they last saw,
// and "recover" replays the current active set from scratch.
func newRealtimeHandler(h *hub.Hub, eng *engine.Engine) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseMessage([]byte(msg))
			if !ok {
				continue
			}

			switch parsed.Action {
			case "subscribe":
				h.UpdateSubscription(client, hub.Subscription{DepartmentID: parsed.DepartmentID})
			case "unsubscribe":
				h.UpdateSubscription(client, hub.Subscription{})
			case "sync":
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				entries, err := eng.GetEntriesAfterVersion(ctx, parsed.DepartmentID, parsed.LastVersion)
				cancel()
				if err != nil {
					log.Printf("sync error department=%s: %v", parsed.DepartmentID, err)
					h.SendError(client, parsed.Action, parsed.DepartmentID, "catch-up unavailable, retry")
					continue
				}
				if !h.Replay(client, parsed.DepartmentID, entries) {
					h.SendError(client, parsed.Action, parsed.DepartmentID, "catch-up incomplete, retry")
				}
			case "recover":
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				result, err := eng.Recover(ctx, parsed.DepartmentID)
				cancel()
				if err != nil {
					log.Printf("recover error department=%s: %v", parsed.DepartmentID, err)
					h.SendError(client, parsed.Action, parsed.DepartmentID, "recovery state unavailable, retry")
					continue
				}
				if !h.Replay(client, parsed.DepartmentID, result.Entries) {
					h.SendError(client, parsed.Action, parsed.DepartmentID, "recovery incomplete, retry")
				}
			}
		}
	})
}

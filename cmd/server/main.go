package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/queueworks/vqueue/internal/analytics"
	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/httpapi"
	"github.com/queueworks/vqueue/internal/metrics"
	"github.com/queueworks/vqueue/internal/notify"
	"github.com/queueworks/vqueue/internal/queue"
	"github.com/queueworks/vqueue/internal/ratelimit"
	"github.com/queueworks/vqueue/internal/retention"
	"github.com/queueworks/vqueue/internal/secure"
	"github.com/queueworks/vqueue/internal/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "vqueue").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()
	m := metrics.New()

	// Durable store: postgres when configured, in-memory for local dev
	var st store.Store
	pgURL := env("DATABASE_URL", "")
	if pgURL != "" {
		pool, err := store.Open(ctx, pgURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		st = store.NewPGStore(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		st = store.NewMemStore()
	}

	// Hot cache: redis when configured, in-memory otherwise
	var c cache.Cache
	if redisURL := env("REDIS_URL", ""); redisURL != "" {
		rc, err := cache.NewRedis(ctx, redisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		c = rc
	} else {
		log.Warn().Msg("REDIS_URL not set, using in-memory cache")
		mem := cache.NewMemory(clk)
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					mem.Sweep()
				}
			}
		}()
		c = mem
	}

	// Credential fields are sealed at rest when a key is provided
	users := st.Users()
	if key := env("FIELD_ENCRYPTION_KEY", ""); key != "" {
		codec, err := secure.NewCodec(key)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid FIELD_ENCRYPTION_KEY")
		}
		users = secure.NewUsers(users, codec)
	} else {
		log.Warn().Msg("FIELD_ENCRYPTION_KEY not set, credential fields stored in plaintext")
	}

	bus := events.NewBus(st.Events(), clk,
		rate.Limit(envFloat("EVENT_RATE_PER_TENANT", 100)),
		envInt("EVENT_BURST_PER_TENANT", 200),
		m.EventsDropped.Inc,
	)

	engine := queue.New(st, c, bus, m, clk, queue.DefaultOptions)
	releaser := queue.NewReleaser(engine, time.Second)

	dispatcher := notify.NewDispatcher(st.Webhooks(), st.Deliveries(), clk, func(status string) {
		m.WebhookDeliveries.WithLabelValues(status).Inc()
	})
	// Webhook fan-out rides the event bus; delivery happens off the
	// publishing goroutine
	bus.SubscribeLocal(dispatcher.EventSubscriber())

	// Turn notifications use the same bus. Sinks log until provider
	// transports are configured.
	fanout := notify.NewFanout()
	for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelSMS, notify.ChannelWhatsApp, notify.ChannelPush} {
		ch := ch
		fanout.Register(ch, notify.SinkFunc(func(ctx context.Context, msg notify.Message) error {
			log.Info().Str("channel", string(ch)).Str("recipient", msg.Recipient).Msg(msg.Subject)
			return nil
		}))
	}
	turnChannels := []notify.Channel{notify.ChannelEmail, notify.ChannelPush}
	bus.SubscribeLocal(events.SubscriberFunc(func(ctx context.Context, e events.Event) {
		if e.Type != events.TypeReleased {
			return
		}
		recipient, _ := e.Metadata["user"].(string)
		if recipient == "" {
			return
		}
		// The publishing context dies with its HTTP request; the
		// notification must outlive it
		go fanout.Send(context.WithoutCancel(ctx), turnChannels, notify.Message{
			Recipient: recipient,
			Subject:   "It's your turn",
			Body:      "Your spot in the queue is ready.",
			Metadata:  map[string]any{"queueId": e.QueueID.String()},
		})
	}))

	authSvc := auth.NewService(users, st.APIKeys(), c, clk, auth.Config{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		Issuer:      env("JWT_ISSUER", "vqueue"),
		Audience:    env("JWT_AUDIENCE", ""),
	})

	limiter := ratelimit.New(c, clk, ratelimit.Config{
		Requests: envInt("RATE_LIMIT_REQUESTS", 600),
		Window:   time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	})

	backupDir := env("BACKUP_DIR", "/var/lib/vqueue/backups")
	archiveDir := env("ARCHIVE_DIR", "/var/lib/vqueue/archive")

	srv := &httpapi.Server{
		Store:     st,
		Auth:      authSvc,
		Authz:     authz.New(c),
		Limiter:   limiter,
		Engine:    engine,
		Bus:       bus,
		Analytics: analytics.New(st.Sessions()),
		Retention: retention.New(st, &retention.FileArchiver{Dir: archiveDir, Clock: clk}, clk),
		Backups: retention.NewBackupService(st.Backups(),
			&retention.PGDumpSnapshotter{DatabaseURL: pgURL, Dir: backupDir, Clock: clk}, clk),
		Webhooks: dispatcher,
		Audit:    audit.NewRecorder(st.Audit(), clk),
		Metrics:  m,
	}

	// Repair any queue whose positions drifted while we were down, then
	// start the release loop
	if err := releaser.SelfHeal(ctx); err != nil {
		log.Error().Err(err).Msg("position self-heal failed")
	}
	go releaser.Run(ctx)

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     srv.Routes(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: the event stream endpoint holds connections open
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

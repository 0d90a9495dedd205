// The gateway binary wires every subsystem and serves the HTTP edge: load
// configuration, open the store, build the channel registry, start the
// pipeline workers and the heartbeat cron, then block on the HTTP server
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/gateway/internal/ai"
	"github.com/ocx/gateway/internal/allowlist"
	"github.com/ocx/gateway/internal/api"
	"github.com/ocx/gateway/internal/channels/discord"
	"github.com/ocx/gateway/internal/channels/googlechat"
	"github.com/ocx/gateway/internal/channels/kakao"
	"github.com/ocx/gateway/internal/channels/line"
	"github.com/ocx/gateway/internal/channels/matrix"
	"github.com/ocx/gateway/internal/channels/mattermost"
	signalcli "github.com/ocx/gateway/internal/channels/signal"
	"github.com/ocx/gateway/internal/channels/slack"
	"github.com/ocx/gateway/internal/channels/telegram"
	"github.com/ocx/gateway/internal/channels/webchat"
	"github.com/ocx/gateway/internal/channels/whatsapp"
	"github.com/ocx/gateway/internal/channels/zalo"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/dedup"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/heartbeat"
	"github.com/ocx/gateway/internal/monitoring"
	"github.com/ocx/gateway/internal/pipeline"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/store"
	"github.com/ocx/gateway/pkg/channel"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	st, err := store.NewStore(store.BackendConfig{
		Backend:     cfg.Store.Backend,
		DatabaseURL: cfg.Store.DatabaseURL,
		SupabaseURL: cfg.Store.SupabaseURL,
		SupabaseKey: cfg.Store.SupabaseKey,
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	// In-memory fan-out always runs; Pub/Sub export is layered on when the
	// audit topic is configured.
	bus := events.NewEventBus()
	var emitter events.EventEmitter = bus
	var pubsubBus *events.PubSubEventBus
	if cfg.Audit.Project != "" && cfg.Audit.Topic != "" {
		pubsubBus, err = events.NewPubSubEventBus(cfg.Audit.Project, cfg.Audit.Topic)
		if err != nil {
			log.Printf("⚠️ Pub/Sub export disabled: %v", err)
		} else {
			emitter = pubsubBus
			bus = pubsubBus.EventBus
		}
	}

	metrics := monitoring.New(prometheus.DefaultRegisterer)

	limiter := ratelimit.New(ratelimit.Config{
		MaxPerMinute: cfg.Rate.PerMinute,
		MaxStrikes:   cfg.Rate.MaxStrikes,
		BaseCooldown: cfg.Rate.StrikeCooldown(),
	})

	allow, policies := allowlist.LoadFromEnv()
	log.Printf("📊 Allowlist policies loaded: %d", policies)

	// AI tiers: the duplex agent runs first when configured, the signed REST
	// backend is the mandatory fallback.
	var tier1 *ai.OpenclawClient
	if cfg.Openclaw.GatewayURL != "" {
		tier1 = ai.NewOpenclawClient(cfg.Openclaw.GatewayURL, cfg.Openclaw.GatewayToken, cfg.Openclaw.Timeout())
	}
	tier2 := ai.NewMoaClient(cfg.Moa.APIURL, cfg.Moa.APISecret, config.DefaultTier2Timeout)
	dispatcher := ai.NewDispatcher(tier1, tier2, emitter, metrics)

	registry := channel.NewRegistry()
	pl := pipeline.New(limiter, allow, registry, dispatcher, emitter, metrics)

	var deduper dedup.Deduper
	if cfg.Redis.Addr != "" {
		deduper, err = dedup.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, dedup.DefaultTTL)
		if err != nil {
			log.Printf("⚠️ Redis dedup unavailable, using in-memory: %v", err)
			deduper = dedup.NewMemory(dedup.DefaultTTL)
		}
	} else {
		deduper = dedup.NewMemory(dedup.DefaultTTL)
	}

	pool := pipeline.NewPool(pl, deduper, cfg.Pipeline.Workers, metrics)

	// KakaoTalk answers inside the webhook response, so it gets the
	// synchronous pipeline entry point instead of the queue.
	web := webchat.New()
	adapters := []channel.Plugin{
		mattermost.New(),
		googlechat.New(),
		zalo.New(),
		slack.New(),
		line.New(),
		kakao.New(pl.ProcessSync),
		whatsapp.New(),
		matrix.New(),
		telegram.New(),
		signalcli.New(),
		discord.New(),
		web,
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			log.Fatalf("Failed to register %s: %v", a.Channel(), err)
		}
	}

	// Polling and socket adapters push straight into the worker pool. Hook
	// the handler up before Initialize starts their loops.
	for _, a := range registry.All() {
		if pusher, ok := a.(channel.Pusher); ok {
			pusher.OnMessage(pool.Submit)
		}
	}

	ctx := context.Background()
	started, err := registry.InitializeAll(ctx, cfg.Channels)
	if err != nil {
		log.Fatalf("Failed to start channels: %v", err)
	}
	log.Printf("✅ %d channel adapter(s) up", started)

	// Channels without an explicit policy default to open.
	covered := make(map[string]bool)
	for _, pol := range allow.Status() {
		covered[pol.Channel] = true
	}
	for _, a := range registry.All() {
		if !covered[a.Channel()] {
			_ = allow.Set(a.Channel(), allowlist.ModeOpen, nil, nil)
		}
	}

	engine := heartbeat.New(st, dispatcher, registry, emitter, metrics)
	scheduler, err := heartbeat.NewScheduler(engine)
	if err != nil {
		log.Fatalf("Failed to build heartbeat scheduler: %v", err)
	}
	scheduler.Start()

	edge := api.New(cfg, registry, pool, allow, limiter, engine, emitter, bus, metrics)
	if registry.IsInitialized(web.Channel()) {
		edge.MountSocket(web.Handler())
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      edge.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Gateway listening on %s", cfg.Addr())
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	// HTTP intake is closed; drain the rest of the stack.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scheduler.Stop()
	registry.ShutdownAll(drainCtx)
	pool.Shutdown()
	limiter.Stop()
	deduper.Stop()
	if pubsubBus != nil {
		if err := pubsubBus.Close(); err != nil {
			log.Printf("Pub/Sub close error: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}

	log.Println("Gateway stopped")
}

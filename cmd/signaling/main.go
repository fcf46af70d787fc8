package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/support-signaling/config"
	"github.com/mossy-p/support-signaling/internal/handlers"
	"github.com/mossy-p/support-signaling/internal/history"
	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/queue"
	"github.com/mossy-p/support-signaling/internal/redis"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	loggerFactory := config.LoggerFactory(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayCfg := handlers.RelayConfig{LoggerFactory: loggerFactory}

	// Queue store
	switch cfg.QueueStore {
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		log.Println("Redis connection established")

		relayCfg.Store = queue.NewRedisStore(client)
		relayCfg.Bus = handlers.NewBus(client, uuid.New().String())
	default:
		relayCfg.Store = queue.NewMemoryStore()
	}

	// Call history (optional)
	var callHistory handlers.CallHistory
	if cfg.History.Driver != "" {
		store, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			log.Fatalf("Failed to open call history: %v", err)
		}
		defer store.Close()
		log.Printf("Call history stored in %s", cfg.History.Driver)

		relayCfg.Recorder = store
		callHistory = store
	}

	// ICE servers, hot-reloaded when a file is configured
	iceServers := func() []iceconfig.Server { return iceconfig.DefaultServers }
	if cfg.ICEConfigPath != "" {
		watcher, err := iceconfig.Watch(cfg.ICEConfigPath, loggerFactory)
		if err != nil {
			log.Fatalf("Failed to load ICE config: %v", err)
		}
		defer watcher.Close()
		iceServers = watcher.Servers
	}

	relay := handlers.NewRelay(relayCfg)
	go func() {
		if err := relay.RunBus(ctx, nil); err != nil {
			log.Printf("Delivery bus stopped: %v", err)
		}
	}()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Relay:          relay,
		History:        callHistory,
		ICEServers:     iceServers,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	// Start server
	log.Printf("Starting support signaling server on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}
	log.Println("Server stopped")
}

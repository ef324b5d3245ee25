package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mewspace/gateway/internal/auth"
	"github.com/mewspace/gateway/internal/config"
	"github.com/mewspace/gateway/internal/events"
	"github.com/mewspace/gateway/internal/httpapi"
	"github.com/mewspace/gateway/internal/metrics"
	"github.com/mewspace/gateway/internal/space"
)

func main() {
	// .env is a local development convenience; absence is not an error.
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to gateway configuration")
	flag.Parse()

	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Environment overrides configuration (Cloud Run style).
	if port := os.Getenv("PORT"); port != "" {
		cfg.Gateway.Port = port
	}
	if env := os.Getenv("MEW_ENV"); env != "" {
		cfg.Gateway.Env = env
	}
	if addr := os.Getenv("MEW_REDIS_ADDR"); addr != "" {
		cfg.Gateway.RedisAddr = addr
	}

	tokens := auth.NewStore()

	var bus events.Bus = events.NewLocalBus()
	if cfg.Gateway.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rb, err := events.NewRedisBus(ctx, cfg.Gateway.RedisAddr, "")
		cancel()
		if err != nil {
			log.Printf("Redis event mirror unavailable, continuing with local bus: %v", err)
		} else {
			bus = rb
			defer rb.Close()
		}
	}

	registry := space.NewRegistry(cfg, space.Deps{
		Metrics: metrics.New(),
		Bus:     bus,
		Tokens:  tokens,
	})
	defer registry.Close()

	ctx, cancelSchedulers := context.WithCancel(context.Background())
	go registry.Run(ctx)

	api := httpapi.NewServer(cfg, registry, tokens)
	server := &http.Server{
		Addr:         ":" + cfg.Gateway.Port,
		Handler:      api.Router(cfg.Gateway.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket sessions outlive any sane write timeout
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancelSchedulers()
		registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("MEW gateway starting on port %s (%s), %d space(s)",
		cfg.Gateway.Port, cfg.Gateway.Env, len(registry.Names()))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

func setupLogging() {
	level := slog.LevelInfo
	switch os.Getenv("MEW_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

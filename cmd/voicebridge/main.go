package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/conversation"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Printf("OPENAI_API_KEY is not set; upstream sessions will be rejected")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := conversation.NewStore(ctx, cfg.ConversationStore, cfg.ConversationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("conversation store init failed: %v", err)
	}
	defer store.Close()
	log.Printf("conversation store: %s", cfg.ConversationStore)

	client := realtime.NewClient(realtime.Config{
		URL:         cfg.OpenAIRealtimeURL,
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.OpenAIRealtimeModel,
		DialTimeout: cfg.UpstreamDialTimeout,
	})

	hub := relay.NewHub(relay.Config{
		Voice:                cfg.DefaultVoice,
		Instructions:         cfg.DefaultInstructions,
		TranscriptionModel:   cfg.TranscriptionModel,
		VADThreshold:         cfg.VADThreshold,
		VADPrefixPadding:     cfg.VADPrefixPadding,
		VADSilenceDuration:   cfg.VADSilenceDuration,
		MinAudioFrameBytes:   cfg.MinAudioFrameBytes,
		HistoryLimit:         cfg.HistoryLimit,
		DialTimeout:          cfg.UpstreamDialTimeout,
		DialRetries:          cfg.UpstreamDialRetries,
		DialRetryDelay:       cfg.UpstreamDialRetryDelay,
		ConversationMaxTurns: cfg.ConversationMaxTurns,
		Debug:                cfg.Debug,
	}, relay.NewRealtimeUpstream(client), metrics, store)

	api := httpapi.New(cfg, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("relay listening on %s (model %s)", cfg.BindAddr, cfg.OpenAIRealtimeModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	api.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay shutdown incomplete: %v", err)
	}

	log.Printf("shutdown complete")
}

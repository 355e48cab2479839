package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/config"
	"github.com/drobiAlex/wabus-fleetsync/internal/engine"
	"github.com/drobiAlex/wabus-fleetsync/internal/httpapi"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("Starting fleet sync engine...")

	// Load configuration
	config.LoadEnvFiles(".")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Config loaded: base_url=%s, store=%s, max_visible=%d", cfg.BaseURL, cfg.StoreKind, cfg.MaxVisible)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build and start the engine
	eng, err := engine.New(ctx, cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	eng.Start(ctx)

	// Optional bridge API
	var srv *http.Server
	if cfg.APIEnabled {
		srv = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           httpapi.NewRouter(eng.Handler(), cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpapi.LogRoutes(log.Default(), cfg.ListenAddr)

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("Bridge API failed: %v", err)
			}
		}()
	}

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Bridge API shutdown failed: %v", err)
		}
		done()
	}
	eng.Stop()
	cancel()
	log.Println("Goodbye!")
}

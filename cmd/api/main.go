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

	"github.com/joho/godotenv"

	"github.com/wrenfield/sage/backend/internal/config"
	"github.com/wrenfield/sage/backend/internal/handler"
	"github.com/wrenfield/sage/backend/internal/service/ai"
	"github.com/wrenfield/sage/backend/internal/service/assistant"
	lookupservice "github.com/wrenfield/sage/backend/internal/service/lookup"
	"github.com/wrenfield/sage/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if !cfg.AI.Enabled() {
		log.Fatal("model credentials not configured: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		log.Fatalf("failed to initialize AI service: %v", err)
	}
	log.Println("AI service initialized successfully")

	aggregator := buildAggregator(cfg.Lookup)

	registry := assistant.NewRegistry(aiService, aggregator, assistant.RegistryConfig{
		StorageDir: cfg.Storage.Dir,
		StorageOpts: storage.Options{
			MaxRetries:   cfg.Storage.MaxRetries,
			RetryBackoff: cfg.Storage.RetryBackoff,
		},
		ModelTimeout: cfg.AI.Timeout,
		MaxActive:    cfg.Sessions.MaxActive,
		IdleTTL:      cfg.Sessions.IdleTTL,
	})

	router := handler.NewRouter(registry, cfg.Storage.Dir)

	startServer(ctx, cfg.Server, router)
}

// buildAggregator wires the lookup providers in priority order: web
// search first, encyclopedia second. The encyclopedia provider needs no
// credentials, so lookups are always available.
func buildAggregator(cfg config.LookupConfig) assistant.Searcher {
	var providers []lookupservice.Provider

	if cfg.TavilyAPIKey != "" {
		providers = append(providers, lookupservice.NewTavilyProvider(cfg.TavilyAPIKey, cfg.TavilyBaseURL, cfg.Timeout))
	} else {
		log.Println("TAVILY_API_KEY not configured, web search provider disabled")
	}
	providers = append(providers, lookupservice.NewWikipediaProvider(cfg.WikipediaBaseURL, cfg.Timeout))

	return lookupservice.NewAggregator(cfg.TopK, cfg.Timeout, providers...)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Sage backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

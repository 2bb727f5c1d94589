package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/petehsu/kiro-proxy/internal/api/handlers"
	kiroauth "github.com/petehsu/kiro-proxy/internal/auth/kiro"
	"github.com/petehsu/kiro-proxy/internal/config"
	"github.com/petehsu/kiro-proxy/internal/governor"
	"github.com/petehsu/kiro-proxy/internal/kiro"
	"github.com/petehsu/kiro-proxy/internal/logging"
	"github.com/petehsu/kiro-proxy/internal/monitor"
	"github.com/petehsu/kiro-proxy/internal/orch"
	"github.com/petehsu/kiro-proxy/internal/refresh"
	"github.com/petehsu/kiro-proxy/internal/selector"
	"github.com/petehsu/kiro-proxy/internal/store"
	"github.com/petehsu/kiro-proxy/internal/translator"
	"github.com/petehsu/kiro-proxy/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (default ~/.kiro-proxy/config.json)")
	flag.Parse()

	cfgStore := config.NewStore(*configPath)
	doc, err := cfgStore.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dataDir := filepath.Dir(cfgStore.Path())
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	// Optional model-route overrides next to the config document.
	if err := translator.LoadRoutes(filepath.Join(dataDir, "model_routes.yaml")); err != nil {
		log.Printf("⚠️ Failed to load model routes: %v", err)
	}

	mon, err := monitor.Open(filepath.Join(dataDir, "flows.db"))
	if err != nil {
		log.Fatalf("Failed to open flow archive: %v", err)
	}

	accountStore := store.New(cfgStore, doc)
	authClient := kiroauth.NewClient()
	refresher := refresh.New(accountStore, authClient)
	sel := selector.New(accountStore)
	upstream := kiro.NewClient(accountStore)
	summarizer := orch.NewUpstreamSummarizer(accountStore, upstream)
	gov := governor.New(doc.Governor, summarizer)
	flows := orch.NewFlowRing(mon)

	orchestrator := orch.New(accountStore, sel, upstream, gov, flows, func(accountID string) {
		go func() {
			if err := refresher.RefreshOne(context.Background(), accountID); err != nil {
				log.Printf("❌ Triggered refresh failed for %s: %v", accountID, err)
			}
		}()
	})

	deviceFlow := kiroauth.NewDeviceFlow(authClient)
	socialFlow := kiroauth.NewSocialFlow(authClient)
	startedAt := time.Now()

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := req.Header.Get("X-Request-ID")
			if id == "" {
				id = logging.GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, req.WithContext(logging.WithRequestID(req.Context(), id)))
		})
	})

	// Client protocol surfaces. The API key header is accepted but never
	// validated.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", handlers.OpenAIChatHandler(orchestrator))
		r.Get("/models", handlers.OpenAIModelsHandler())
		r.Post("/messages", handlers.ClaudeMessagesHandler(orchestrator))
		r.Post("/messages/count_tokens", handlers.ClaudeCountTokensHandler())
		r.Post("/models/{modelAction}", handlers.GeminiGenerateHandler(orchestrator))
	})

	// Management surface.
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handlers.StatusHandler(accountStore, sel, startedAt))
		r.Get("/stats", handlers.StatsHandler(mon))
		r.Get("/stats/detailed", handlers.DetailedStatsHandler(mon))
		r.Get("/quota", handlers.QuotaHandler(accountStore))
		r.Get("/logs", handlers.LogsHandler(mon))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", handlers.AccountsListHandler(accountStore))
			r.Post("/", handlers.AccountAddHandler(accountStore))
			r.Post("/refresh-all", handlers.RefreshAllHandler(refresher))
			r.Delete("/{id}", handlers.AccountDeleteHandler(accountStore))
			r.Post("/{id}/toggle", handlers.AccountToggleHandler(accountStore))
			r.Post("/{id}/refresh", handlers.AccountRefreshHandler(refresher))
			r.Post("/{id}/restore", handlers.AccountRestoreHandler(accountStore))
			r.Get("/{id}/usage", handlers.AccountUsageHandler(accountStore))
		})

		r.Route("/token", func(r chi.Router) {
			r.Get("/scan", handlers.TokenScanHandler(doc))
			r.Post("/add-from-scan", handlers.TokenAddFromScanHandler(accountStore, doc))
			r.Get("/refresh-check", handlers.TokenRefreshCheckHandler(refresher))
		})

		r.Route("/kiro", func(r chi.Router) {
			r.Post("/login/start", handlers.LoginStartHandler(deviceFlow))
			r.Post("/login/poll", handlers.LoginPollHandler(deviceFlow, accountStore))
			r.Post("/login/cancel", handlers.LoginCancelHandler(deviceFlow))
			r.Post("/social/start", handlers.SocialStartHandler(socialFlow))
			r.Post("/social/exchange", handlers.SocialExchangeHandler(socialFlow, accountStore))
		})

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", handlers.FlowsListHandler(flows))
			r.Delete("/", handlers.FlowsClearHandler(flows))
			r.Get("/{id}", handlers.FlowGetHandler(flows))
			r.Post("/{id}/bookmark", handlers.FlowBookmarkHandler(flows))
		})

		r.Get("/config/export", handlers.ConfigExportHandler(accountStore, doc))
		r.Post("/config/import", handlers.ConfigImportHandler(accountStore))
	})

	port := doc.Port
	if env := os.Getenv("PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil {
			port = p
		}
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if host := os.Getenv("HOST"); host != "" {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to bind %s: %v", addr, err)
	}

	server := &http.Server{Handler: r}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(refresher.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(sel.RunPruner(ctx)) })
	g.Go(func() error { return ignoreCanceled(flows.RunEvictor(ctx)) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Printf("🚀 kiro-proxy %s listening on http://%s", version.Version, addr)
	log.Printf("🔌 OpenAI API:    http://%s/v1/chat/completions", addr)
	log.Printf("🔌 Anthropic API: http://%s/v1/messages", addr)
	log.Printf("🔌 Gemini API:    http://%s/v1/models/{model}:generateContent", addr)

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("👋 Shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/oddsbook/market-engine/internal/app"
	"github.com/oddsbook/market-engine/internal/auth"
	"github.com/oddsbook/market-engine/internal/config"
	"github.com/oddsbook/market-engine/internal/holdings"
	"github.com/oddsbook/market-engine/internal/logging"
	"github.com/oddsbook/market-engine/internal/metrics"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/risk"
	"github.com/oddsbook/market-engine/internal/settlement"
	"github.com/oddsbook/market-engine/internal/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("market-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run() error {
	// A .env file is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("MARKET_CONFIG"))
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := deps.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// --- Engines ---
	oddsEngine := odds.NewEngine(logger)
	limiter := risk.NewPositionLimiter(cfg.Risk.MaxPerMarket, cfg.Risk.MaxTotal)
	wsHub := trade.NewWSHub(logger)

	executor := trade.NewExecutor(deps.Store, oddsEngine, limiter, wsHub, trade.ExecutorConfig{
		MaxRetries:  cfg.Trade.MaxRetries,
		LockTimeout: cfg.Trade.LockTimeout,
	}, logger)
	tradeSvc := trade.NewService(deps.Store, executor,
		trade.NewUserLimiter(cfg.Trade.RatePerSecond, cfg.Trade.Burst), logger)

	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authHandler := auth.NewHandler(deps.Store, issuer, cfg.Trade.StartingBalance, cfg.Auth.IsAdmin, logger)

	holdingsHandler := holdings.NewHandler(holdings.NewAggregator(deps.Store, oddsEngine, logger))

	settler := settlement.NewEngine(deps.Store, wsHub, logger)
	scheduler := settlement.NewScheduler(settler, deps.Redis, cfg.Settlement.Interval, cfg.Settlement.LockTTL, logger)
	settlementHandler := settlement.NewHandler(settler, scheduler)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time odds updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		// Public market reads.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Get("/markets/trending", tradeSvc.TrendingMarkets)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/bets", tradeSvc.ListMarketBets)
		r.Get("/leaderboard", holdingsHandler.Leaderboard)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(issuer))

			// Trade execution.
			r.Post("/markets/{marketID}/bets", tradeSvc.PlaceBet)

			// Portfolio queries.
			r.Get("/me/holdings", holdingsHandler.MyHoldings)
			r.Get("/me/summary", holdingsHandler.MySummary)
			r.Get("/users/{userID}/bets", tradeSvc.ListUserBets)

			// Admin.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Post("/markets", tradeSvc.CreateMarket)
				r.Post("/markets/{marketID}/outcome", settlementHandler.DeclareOutcome)
				r.Post("/admin/settle", settlementHandler.Settle)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(ctx)
	})

	if cfg.Settlement.Enabled {
		g.Go(func() error {
			return scheduler.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("market-engine listening", "port", cfg.HTTP.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down market-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// requestLogger logs each request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

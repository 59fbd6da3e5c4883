package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/SavageCabbagee/paper/internal/config"
	"github.com/SavageCabbagee/paper/internal/ledger"
	"github.com/SavageCabbagee/paper/internal/metrics"
	"github.com/SavageCabbagee/paper/internal/oracle"
	"github.com/SavageCabbagee/paper/internal/store"
	"github.com/SavageCabbagee/paper/internal/telegram"
	"github.com/SavageCabbagee/paper/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	closeStore := func() {
		for _, fn := range cleanup {
			fn()
		}
	}
	defer closeStore()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Ledger engine ---
	dex := oracle.NewClient(cfg.DexScreenerURL, cfg.QuoteTimeout)
	engine := ledger.NewEngine(st, oracle.NewCoalescing(dex),
		ledger.WithInitialBalance(cfg.InitialBalance),
		ledger.WithQuoteTimeout(cfg.QuoteTimeout),
		ledger.WithLogger(logger),
		ledger.WithTradeListener(wsHub.PublishTrade),
	)

	// --- Trade service ---
	tradeSvc := trade.NewService(engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":"paper","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fills. Not under the request
		// timeout: connections are long lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Accounts.
			r.Post("/accounts", tradeSvc.CreateAccount)
			r.Post("/accounts/{userID}/open", tradeSvc.OpenAccount)
			r.Post("/accounts/{userID}/reset", tradeSvc.ResetAccount)

			// Trade execution.
			r.Post("/accounts/{userID}/buy", tradeSvc.Buy)
			r.Post("/accounts/{userID}/sell", tradeSvc.Sell)

			// Portfolio queries.
			r.Get("/accounts/{userID}/portfolio", tradeSvc.GetPortfolio)
			r.Get("/accounts/{userID}/positions/{token}", tradeSvc.GetPosition)
			r.Get("/accounts/{userID}/trades", tradeSvc.GetTrades)
			r.Get("/tokens/{token}/quote", tradeSvc.GetQuote)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Telegram bot ---
	var bot *telegram.Bot
	if cfg.TelegramToken != "" {
		bot, err = telegram.New(cfg.TelegramToken, engine, logger)
		if err != nil {
			slog.Error("telegram init failed", "err", err)
			closeStore()
			os.Exit(1)
		}
	} else {
		slog.Warn("TELEGRAM_TOKEN not set, telegram bot disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wsHub.Run(gctx) })

	g.Go(func() error {
		slog.Info("paper ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down paper ledger...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	fmt.Println("paper ledger stopped")
}

// openStore picks PostgreSQL (optionally behind Redis), then BuntDB, then
// memory, from what is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL == "" {
			return pg, cleanup, nil
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		return store.NewCachedStore(pg, rdb, cfg.CacheTTL), cleanup, nil
	}

	if cfg.BuntPath != "" {
		bunt, err := store.NewBuntStore(cfg.BuntPath, store.DefaultBuntConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("open buntdb: %w", err)
		}
		cleanup = append(cleanup, func() { bunt.Close() })
		slog.Info("using BuntDB store", "path", cfg.BuntPath)
		return bunt, cleanup, nil
	}

	slog.Warn("DATABASE_URL and BUNT_PATH not set, using in-memory store (data will not persist)")
	return store.NewMemoryStore(), cleanup, nil
}

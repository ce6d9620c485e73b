package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/api"
	"github.com/campuscoin/token-engine/internal/ledger"
	"github.com/campuscoin/token-engine/internal/metrics"
	"github.com/campuscoin/token-engine/internal/model"
	"github.com/campuscoin/token-engine/internal/oracle"
	"github.com/campuscoin/token-engine/internal/store"
	"github.com/campuscoin/token-engine/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	tokenCode := os.Getenv("TOKEN_CODE")
	if tokenCode == "" {
		tokenCode = "CPT"
	}
	supply := decimal.NewFromInt(125)
	if s := os.Getenv("TOKEN_SUPPLY"); s != "" {
		parsed, err := decimal.NewFromString(s)
		if err != nil || !parsed.IsPositive() {
			slog.Error("invalid TOKEN_SUPPLY", "value", s)
			os.Exit(1)
		}
		supply = parsed
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger ---
	// With LEDGER_URL unset the simulation runs against the in-process
	// ledger, which also serves as the account faucet.
	var lc ledger.Client
	var faucet ledger.Provisioner
	if ledgerURL := os.Getenv("LEDGER_URL"); ledgerURL != "" {
		rpc := ledger.NewRPC(ledgerURL, 30*time.Second)
		lc, faucet = rpc, rpc
		slog.Info("using remote ledger", "url", ledgerURL)
	} else {
		mem := ledger.NewMemory()
		lc, faucet = mem, mem
		slog.Warn("LEDGER_URL not set, using in-process ledger")
	}

	// --- Price oracle ---
	var prices oracle.PriceSource
	if oracleURL := os.Getenv("ORACLE_URL"); oracleURL != "" {
		prices = oracle.NewHTTP(oracleURL, 10*time.Second)
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			prices = oracle.NewCached(prices, rdb, 60*time.Second)
			slog.Info("Redis price cache enabled")
		}
	} else {
		slog.Warn("ORACLE_URL not set, using fixed spot price")
		prices = oracle.NewFixed(decimal.RequireFromString("0.50"))
	}

	// --- Audit store ---
	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Session and workflow ---
	session := model.NewSessionState(uuid.New().String(), tokenCode, supply)
	eng := workflow.NewEngine(lc, faucet, prices)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Session service ---
	svc := api.NewService(eng, st, session, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(120 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"token-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time phase progress.
		r.Get("/ws", wsHub.HandleWS)

		// Session lifecycle.
		r.Get("/session", svc.GetSession)
		r.Get("/session/runs", svc.ListRuns)
		r.Post("/session/setup", svc.Setup)
		r.Post("/session/trade", svc.Trade)
		r.Post("/session/expand", svc.Expand)
		r.Post("/session/dividends", svc.Dividends)
	})

	// --- Server ---
	// WriteTimeout is generous: setup streams progress while waiting on
	// ledger settlement.
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("token-engine listening", "port", port, "token", tokenCode, "supply", supply.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down token-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("token-engine stopped")
}

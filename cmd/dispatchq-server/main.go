// Package main provides the dispatchq server executable with HTTP API,
// Prometheus metrics and the background dispatch loop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coregx/dispatchq"
	"github.com/coregx/dispatchq/adapters/filestore"
	relicastore "github.com/coregx/dispatchq/adapters/relica"
	"github.com/coregx/dispatchq/cmd/dispatchq-server/internal/api"
	"github.com/coregx/dispatchq/cmd/dispatchq-server/internal/config"
	"github.com/coregx/dispatchq/cmd/dispatchq-server/internal/metrics"
	"github.com/coregx/dispatchq/delivery/whatsapp"
	"github.com/coregx/dispatchq/model"
	"github.com/coregx/dispatchq/ratelimit"
)

// zapLogger adapts a zap sugared logger to dispatchq.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l *zapLogger) Info(message string)                       { l.s.Info(message) }

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := &zapLogger{s: zl.Sugar()}

	logger.Info("Starting dispatchq server...")

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	logger.Infof("Configuration loaded: server=%s:%d store=%s tick=%v",
		cfg.Server.Host, cfg.Server.Port, cfg.Store.Backend, cfg.Dispatch.TickInterval)

	// Snapshot store
	var store dispatchq.Store
	switch cfg.Store.Backend {
	case "sql":
		db, err := sql.Open(cfg.Store.Driver, cfg.Store.GetDSN())
		if err != nil {
			logger.Errorf("Failed to open database: %v", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.Ping(); err != nil {
			logger.Errorf("Failed to connect to database: %v", err)
			os.Exit(1)
		}
		store = relicastore.NewSnapshotStoreWithPrefix(db, cfg.Store.Driver, cfg.Store.Prefix)
		logger.Infof("SQL snapshot store initialized (%s)", cfg.Store.Driver)
	default:
		store = filestore.New(cfg.Store.FilePath)
		logger.Infof("File snapshot store initialized (%s)", cfg.Store.FilePath)
	}

	opts := []dispatchq.Option{
		dispatchq.WithStore(store),
		dispatchq.WithLogger(logger),
		dispatchq.WithTickInterval(cfg.Dispatch.TickInterval),
	}

	// Optional Redis-backed rate gate shared across server instances.
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		opts = append(opts, dispatchq.WithLimiterFactory(func(rc ratelimit.Config) ratelimit.Limiter {
			if !rc.Enabled {
				return ratelimit.AllowAll{}
			}
			return ratelimit.NewRedisLimiter(rdb, rc)
		}))
		logger.Infof("Redis rate limiter enabled (%s)", cfg.Redis.Addr)
	}

	queueCfg := model.DefaultQueueConfig()
	queueCfg.BatchSize = cfg.Dispatch.BatchSize
	queueCfg.MaxRetries = cfg.Dispatch.MaxRetries
	opts = append(opts, dispatchq.WithDefaultQueueConfig(queueCfg))

	dispatcher, err := dispatchq.New(opts...)
	if err != nil {
		logger.Errorf("Failed to create dispatcher: %v", err)
		os.Exit(1)
	}

	// Restore persisted queues, then wire workers.
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 10*time.Second)
	dispatcher.Restore(restoreCtx)
	restoreCancel()

	if cfg.WhatsApp.Enabled {
		client, err := whatsapp.NewClient(whatsapp.Config{
			BaseURL:            cfg.WhatsApp.BaseURL,
			APIKey:             cfg.WhatsApp.APIKey,
			DefaultCountryCode: cfg.WhatsApp.CountryCode,
		}, logger)
		if err != nil {
			logger.Errorf("Failed to create WhatsApp client: %v", err)
			os.Exit(1)
		}
		worker := whatsapp.Worker(client)
		for _, queue := range cfg.WhatsApp.Queues {
			if err := dispatcher.RegisterWorker(queue, worker); err != nil {
				logger.Errorf("Failed to register worker for queue %q: %v", queue, err)
				os.Exit(1)
			}
			logger.Infof("WhatsApp worker registered on queue %q", queue)
		}
	}

	// Prometheus metrics fed by dispatcher events.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)
	m.Observe(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	handler := api.NewHandler(dispatcher, logger)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if cfg.Server.APIRateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.Server.APIRateLimit, time.Minute))
	}
	r.Route("/api/v1", handler.Routes)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cancel() // stop the dispatch loop

	// Final snapshot so nothing in flight is lost across restarts.
	if err := dispatcher.Flush(shutdownCtx); err != nil {
		logger.Errorf("Failed to flush final snapshot: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// requestLogger logs HTTP requests.
func requestLogger(logger dispatchq.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

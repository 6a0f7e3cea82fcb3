// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jimaku-ai/jimaku/internal/api"
	"github.com/jimaku-ai/jimaku/internal/auth"
	"github.com/jimaku-ai/jimaku/internal/billing"
	"github.com/jimaku-ai/jimaku/internal/config"
	"github.com/jimaku-ai/jimaku/internal/meter"
	"github.com/jimaku-ai/jimaku/internal/store"
	"github.com/jimaku-ai/jimaku/internal/transcribe"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	// Get LoginProvider.
	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Billing is optional; without it users stay on the free plan.
	var billingSvc billing.Service
	if cfg.Billing.Enabled {
		billingSvc = billing.NewStripeService(db, cfg.Billing, cfg.Quota.FreeMinutes, logger)
	}

	usage := meter.New(db)
	worker := transcribe.NewWorkerClient(cfg.Worker.URL, cfg.Worker.APIKey)
	gateway := transcribe.NewGateway(db, usage, worker, cfg.Worker.Timeout.Duration, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, gateway, billingSvc, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		logger.Info("billing disabled, all users stay on the free plan")
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger for webhook dedup records and cancellation markers.
	if h.cfg.Storage.WebhookRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.WebhookRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldWebhookEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: webhook events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old webhook events", "count", n)
			}
			if n, err := h.store.PurgeOldCanceledSubscriptions(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: canceled subscriptions failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old cancellation markers", "count", n)
			}
		}
	}
}

// Package app is the orchestrator that ties the brushwork components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/brushwork-ai/brushwork/internal/api"
	"github.com/brushwork-ai/brushwork/internal/auth"
	"github.com/brushwork-ai/brushwork/internal/billing"
	"github.com/brushwork-ai/brushwork/internal/config"
	"github.com/brushwork-ai/brushwork/internal/generation"
	"github.com/brushwork-ai/brushwork/internal/inference"
	"github.com/brushwork-ai/brushwork/internal/notify"
	"github.com/brushwork-ai/brushwork/internal/store"
)

const purgeInterval = time.Hour

// App is the brushwork server process.
type App struct {
	cfg    *config.Config
	store  store.Store
	live   *notify.Hub
	api    *api.Server
	logger *slog.Logger
}

// New builds the application from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	provider, err := inference.New(cfg.Inference)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init inference provider: %w", err)
	}

	return newWithProvider(cfg, db, provider, logger)
}

// newWithProvider assembles the app around an existing store and provider.
func newWithProvider(cfg *config.Config, db store.Store, provider inference.Provider, logger *slog.Logger) (*App, error) {
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	live := notify.New(authProvider, db, logger, notify.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DefaultBalance: cfg.Generation.DefaultBalance,
	})

	gen := generation.New(db, provider, live, logger, generation.Options{
		Cost:            cfg.Generation.Cost,
		DefaultBalance:  cfg.Generation.DefaultBalance,
		MaxPromptLength: cfg.Generation.MaxPromptLength,
		Timeout:         cfg.Inference.Timeout.Duration,
	})

	opts := api.ServerOptions{Live: live.HandleWS}
	if cfg.Billing.Enabled {
		opts.Billing = billing.NewStripe(cfg.Billing, cfg.Generation.DefaultBalance, db, live, logger)
	}

	a := &App{
		cfg:    cfg,
		store:  db,
		live:   live,
		api:    api.NewServer(db, authProvider, loginProvider, gen, cfg, opts, logger),
		logger: logger.With("component", "app"),
	}

	logger.Info("components initialized",
		"storage", cfg.Storage.Driver,
		"auth", authProvider.Name(),
		"inference", provider.Name(),
		"billing", cfg.Billing.Enabled)
	if !cfg.Billing.Enabled {
		logger.Warn("billing disabled, accounts can only spend their starting balance")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run serves HTTP on the configured address until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		_ = a.store.Close()
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is canceled, then shuts down gracefully
// and closes the store.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.api.StartBackgroundTasks(ctx)

	if a.cfg.Storage.AuditRetention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("brushwork listening", "addr", ln.Addr().String())
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purgeAuditEvents(ctx, time.Now().Add(-retention))
		}
	}
}

func (a *App) purgeAuditEvents(ctx context.Context, cutoff time.Time) int64 {
	n, err := a.store.PurgeOldAuditEvents(ctx, cutoff)
	if err != nil {
		a.logger.Warn("retention purge: audit events failed", "error", err)
		return 0
	}
	if n > 0 {
		a.logger.Info("retention purge: deleted old audit events", "count", n)
	}
	return n
}

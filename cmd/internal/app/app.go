// Package app wires the cryptobank server runtime: config, logging, HTTP
// routes, and persistence.
//
// It is intentionally small and deterministic to keep CI gates strict and
// behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cryptobank/cmd/identity"
	"cryptobank/cmd/internal/auth/api"
	"cryptobank/cmd/internal/auth/session"
)

// App is the server runtime: it owns the HTTP server wiring and the database
// pool lifecycle.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	auth *api.Handler
}

// New constructs a fully wired App instance from config and logger.
//
// Without CRYPTOBANK_DATABASE_URL the server still starts, but only the
// health and metrics endpoints are mounted: the auth flows have no
// meaningful in-memory mode because revocation state must survive restarts.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	hasher, err := newSecretHasher(cfg)
	if err != nil {
		return nil, err
	}

	var (
		pool        *pgxpool.Pool
		authHandler *api.Handler
	)

	if cfg.DatabaseURL != "" {
		pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}

		users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		identitySvc, err := identity.NewService(users, newPasswordCodec(cfg), cfg.AdminEmail)
		if err != nil {
			pool.Close()
			return nil, err
		}

		sessCfg := sessionConfig(cfg)
		sessStore, err := session.NewPostgresStore(pool, session.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		tokens, err := session.NewHMACTokenManager(sessCfg)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sessions, err := session.NewService(sessCfg, sessStore, users, tokens, hasher)
		if err != nil {
			pool.Close()
			return nil, err
		}

		authHandler, err = api.NewHandler(log, apiConfig(cfg), identitySvc, users, sessions, pool, api.WithAuditSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}

		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	} else {
		log.Info("db.disabled.auth_routes_off")
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: pool != nil,
		auth:      authHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.auth)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithHTTPMetrics(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

// sessionConfig maps runtime config onto the session engine's config.
func sessionConfig(cfg Config) session.Config {
	sc := session.DefaultConfig()
	sc.Issuer = cfg.AuthIssuer
	sc.Audience = cfg.AuthAudience
	sc.AccessTokenTTL = cfg.AuthAccessTTL
	sc.RefreshTokenTTL = cfg.AuthRefreshTTL
	sc.ClockSkew = cfg.AuthClockSkew
	sc.RefreshSecretBytes = cfg.AuthRefreshSecretBytes
	sc.SigningKey = []byte(cfg.AuthSigningKey)
	return sc
}

func apiConfig(cfg Config) api.Config {
	ac := api.DefaultConfig()
	ac.TrustProxy = cfg.TrustProxy
	ac.LoginIPMax = cfg.LoginIPMax
	ac.LoginIPWindow = cfg.LoginIPWindow
	ac.LoginIdentifierMax = cfg.LoginIdentifierMax
	ac.LoginIdentifierWindow = cfg.LoginIdentifierWindow
	return ac
}

// runtimeBaseURL renders a human-pasteable URL for the configured bind
// address, mapping wildcard binds to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// A client keeps one credential row per profile, so its pool stays small
// and lets idle connections go.
const (
	credentialDBIdle        = 5 * time.Minute
	credentialDBLifetime    = 30 * time.Minute
	credentialDBHealthCheck = time.Minute
	credentialDBStartPing   = 3 * time.Second
)

// credentialPoolConfig derives the pool settings for the postgres
// credential backend. It never connects.
func credentialPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = min(max(cfg.DBMinConns, 0), pcfg.MaxConns)
	pcfg.MaxConnIdleTime = credentialDBIdle
	pcfg.MaxConnLifetime = credentialDBLifetime
	pcfg.HealthCheckPeriod = credentialDBHealthCheck

	if cfg.RequestTimeout > 0 && (pcfg.ConnConfig.ConnectTimeout == 0 || pcfg.ConnConfig.ConnectTimeout > cfg.RequestTimeout) {
		pcfg.ConnConfig.ConnectTimeout = cfg.RequestTimeout
	}
	// Lets a DBA tell profiles apart in pg_stat_activity.
	pcfg.ConnConfig.RuntimeParams["application_name"] = "bankline:" + cfg.CredentialProfile

	return pcfg, nil
}

// openCredentialDB opens the pool behind the postgres credential backend and
// fails fast when the database cannot be reached.
func openCredentialDB(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := credentialPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := credentialDBReady(ctx, pool, credentialDBStartPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unreachable: %w", err)
	}
	return pool, nil
}

// credentialDBReady reports whether the pool answers within timeout.
func credentialDBReady(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

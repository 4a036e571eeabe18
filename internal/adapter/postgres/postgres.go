// Package postgres stores task records in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"github.com/pscheid92/fanout/internal/platform/retry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	schemaVersionTable = "public.schema_version"
	lockReleaseTimeout = 5 * time.Second
)

// schemaLockKey serialises schema changes across instances sharing one database.
var schemaLockKey = advisoryLockKey("fanout.schema")

var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Database not reachable yet, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// Connect opens a pool and waits until the database answers. tracer may be nil.
func Connect(ctx context.Context, databaseURL string, tracer pgx.QueryTracer) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if tracer != nil {
		poolCfg.ConnConfig.Tracer = tracer
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := retry.DoVoid(ctx, connectPolicy, nil, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("Database connected",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"transport", transportSecurity(&poolCfg.ConnConfig.Config),
		"max_conns", poolCfg.MaxConns)
	return pool, nil
}

// transportSecurity describes how the first connection attempt and its fallbacks are secured.
func transportSecurity(cc *pgconn.Config) string {
	plainFallback := slices.ContainsFunc(cc.Fallbacks, func(f *pgconn.FallbackConfig) bool {
		return f.TLSConfig == nil
	})

	switch {
	case cc.TLSConfig == nil && len(cc.Fallbacks) == 0:
		return "plaintext"
	case cc.TLSConfig == nil:
		return "plaintext, tls fallback"
	case plainFallback:
		return "tls, plaintext fallback"
	case cc.TLSConfig.InsecureSkipVerify && cc.TLSConfig.VerifyPeerCertificate == nil:
		return "tls, unverified"
	case cc.TLSConfig.InsecureSkipVerify:
		return "tls, ca verified"
	default:
		return "tls, verified"
	}
}

// RunMigrationsWithLock applies pending migrations while holding an advisory lock, so instances
// starting together migrate once.
func RunMigrationsWithLock(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration: %w", err)
	}
	defer conn.Release()

	return withAdvisoryLock(ctx, conn.Conn(), schemaLockKey, func() error {
		from, to, err := migrateSchema(ctx, conn.Conn())
		if err != nil {
			return err
		}
		if from == to {
			slog.Info("Database schema up to date", "version", to)
		} else {
			slog.Info("Database schema migrated", "from", from, "to", to)
		}
		return nil
	})
}

// migrateSchema brings the schema to the newest embedded migration and reports the versions
// before and after.
func migrateSchema(ctx context.Context, conn *pgx.Conn) (from, to int32, err error) {
	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return 0, 0, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewMigrator(ctx, conn, schemaVersionTable)
	if err != nil {
		return 0, 0, fmt.Errorf("create migrator: %w", err)
	}
	if err := m.LoadMigrations(migrations); err != nil {
		return 0, 0, fmt.Errorf("load migrations: %w", err)
	}
	m.OnStart = func(sequence int32, name, direction, _ string) {
		slog.Info("Applying migration", "sequence", sequence, "name", name, "direction", direction)
	}

	if from, err = m.GetCurrentVersion(ctx); err != nil {
		return 0, 0, fmt.Errorf("read schema version: %w", err)
	}
	if err := m.Migrate(ctx); err != nil {
		return from, 0, fmt.Errorf("migrate from version %d: %w", from, err)
	}
	if to, err = m.GetCurrentVersion(ctx); err != nil {
		return from, 0, fmt.Errorf("read schema version: %w", err)
	}
	return from, to, nil
}

// withAdvisoryLock runs fn while conn holds the session-level advisory lock key.
func withAdvisoryLock(ctx context.Context, conn *pgx.Conn, key int64, fn func() error) error {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	defer func() {
		// The unlock must reach the server even when ctx is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("Failed to release advisory lock", "key", key, "error", err)
		}
	}()
	return fn()
}

func advisoryLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

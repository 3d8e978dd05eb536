// Package migrate applies the control plane schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const opTimeout = time.Minute

// Runner applies schema migrations. goose wants a database/sql handle, so
// the runner opens short-lived stdlib connections next to the pgx pool it
// pings and owns.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and returns a runner.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("migrate: nil pool")
	case dsn == "":
		return Runner{}, errors.New("migrate: empty database dsn")
	case dir == "":
		return Runner{}, errors.New("migrate: empty migrations dir")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("migrate: locate %s: %w", dir, err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("migrate: set dialect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure brings the schema up to the latest version. The api calls this on
// boot so a fresh database is usable without a separate migrate step.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withConn(ctx, func(opCtx context.Context, db *sql.DB) error {
		before, err := goose.GetDBVersionContext(opCtx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if err := goose.UpContext(opCtx, db, r.dir); err != nil {
			return fmt.Errorf("apply schema migrations: %w", err)
		}
		after, err := goose.GetDBVersionContext(opCtx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if after == before {
			r.log.Info("schema up to date", "version", after)
		} else {
			r.log.Info("schema migrated", "from_version", before, "to_version", after)
		}
		return nil
	})
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withConn(ctx, func(opCtx context.Context, db *sql.DB) error {
		if err := goose.StatusContext(opCtx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls the schema back one migration, or down to the target version
// when one is given.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.withConn(ctx, func(opCtx context.Context, db *sql.DB) error {
		if target > 0 {
			r.log.Info("rolling schema back", "target_version", target)
			if err := goose.DownToContext(opCtx, db, r.dir, target); err != nil {
				return fmt.Errorf("roll back to version %d: %w", target, err)
			}
			return nil
		}
		r.log.Info("rolling back latest migration")
		if err := goose.DownContext(opCtx, db, r.dir); err != nil {
			return fmt.Errorf("roll back latest migration: %w", err)
		}
		return nil
	})
}

// Ping verifies the pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withConn(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(opCtx); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	return fn(opCtx, db)
}

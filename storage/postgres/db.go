package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

const connectTimeout = 10 * time.Second

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// NewPostgresBackend connects to dsn and, unless readonly, brings the users and transfers
// tables up to date.
func NewPostgresBackend(readonly bool, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("fail to open database, err: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fail to reach database, err: %w", err)
	}

	backend := &PostgresBackend{
		pool:   pool,
		logger: logrus.WithField("module", "postgres"),
	}
	if readonly {
		return backend, nil
	}
	if err := backend.Migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

func (d *PostgresBackend) Close() error {
	d.pool.Close()
	return nil
}


func (d *PostgresBackend) Migrate() error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(d.logger)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("fail to set migration dialect, err: %w", err)
	}

	db := stdlib.OpenDBFromPool(d.pool)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("fail to migrate database, err: %w", err)
	}
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("fail to read schema version, err: %w", err)
	}
	d.logger.WithField("version", version).Info("database schema is up to date")
	return nil
}

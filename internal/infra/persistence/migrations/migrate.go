// Package migrations runs the embedded golang-migrate migrations for the
// PostgreSQL snapshot store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/orderlink/db/migrations"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
)

var (
	errDSNRequired = errors.New("migrations: database dsn required")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest embedded migration.
func Apply(ctx context.Context, dsn string, logger observability.Logger) error {
	return run(ctx, dsn, logger, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback reverts steps migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("migrations: rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, logger, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func run(ctx context.Context, dsn string, logger observability.Logger, direction string, step func(*migrate.Migrate) error) error {
	logger = observability.OrNop(logger)
	if strings.TrimSpace(dsn) == "" {
		return errDSNRequired
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.Err(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	m, err := newMigrate(db, dbmigrations.Files)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.Err(dbErr))
		}
	}()

	logger.Info("running database migrations", observability.F("direction", direction))
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return fmt.Errorf("apply migrations (%s): %w", direction, err)
	}
	recordMigrationMetric(ctx, direction, "applied")
	logger.Info("database migrations applied", observability.F("direction", direction))
	return nil
}

func newMigrate(db *sql.DB, files fs.FS) (*migrate.Migrate, error) {
	source, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("orderlink.migrations")
		counter, err := meter.Int64Counter("orderlink.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	))
}

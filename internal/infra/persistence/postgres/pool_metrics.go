package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderlink/internal/infra/telemetry"
)

// ObservePoolMetrics registers observable gauges for pgx pool health: total,
// idle and acquired connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "snapshots"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	meter := otel.Meter("orderlink.postgres")
	total, err := meter.Int64ObservableGauge("orderlink.db.pool.connections",
		metric.WithDescription("Total connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("orderlink.db.pool.idle",
		metric.WithDescription("Idle connections ready for checkout"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	acquired, err := meter.Int64ObservableGauge("orderlink.db.pool.acquired",
		metric.WithDescription("Connections currently acquired by callers"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()), attrs)
		o.ObserveInt64(idle, int64(stat.IdleConns()), attrs)
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()), attrs)
		return nil
	}, total, idle, acquired)
	return err
}

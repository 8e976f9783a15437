package billing

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

// usageEventsDDL keeps a year of per-call usage rows, partitioned by month
// so TTL drops cheap whole parts.
const usageEventsDDL = `
CREATE TABLE IF NOT EXISTS usage_events (
    id         String,
    org_id     String,
    project_id String,
    product    String,
    model      String,
    amount     Float64,
    cost       Float64,
    created_at DateTime64(3),
    event_date Date DEFAULT toDate(created_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (org_id, created_at, id)
TTL event_date + INTERVAL 365 DAY
`

// ClickHouseSink batches usage events into the analytics store.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects and ensures the usage_events table exists.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, usageEventsDDL); err != nil {
		return nil, fmt.Errorf("clickhouse migrate: %w", err)
	}
	log.Info().Str("addr", addr).Str("database", database).Msg("Billing: ClickHouse sink ready")
	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts one batch of usage events.
func (s *ClickHouseSink) Write(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO usage_events (id, org_id, project_id, product, model, amount, cost, created_at)")
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(e.ID, e.OrgID, e.ProjectID, string(e.Product), e.Model, e.Amount, e.Cost, e.CreatedAt); err != nil {
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send: %w", err)
	}
	log.Debug().Int("events", len(events)).Msg("Billing: usage events flushed")
	return nil
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

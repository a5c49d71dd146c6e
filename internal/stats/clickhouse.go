package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// relayRequestsDDL is applied on startup so a fresh ClickHouse instance
// works out of the box.
const relayRequestsDDL = `
CREATE TABLE IF NOT EXISTS relay_requests (
	request_id    String,
	user          String,
	provider      String,
	provider_id   Int64,
	model         String,
	input_tokens  Int64,
	output_tokens Int64,
	cost_usd      Float64,
	latency_ms    Int64,
	status        Int32,
	outcome       String,
	attempts      Int32,
	created_at    DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (created_at, provider)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseFlusher persists request batches to a relay_requests table.
type ClickHouseFlusher struct {
	conn driver.Conn
}

// NewClickHouseFlusher opens a connection, verifies it, and ensures the
// table exists.
func NewClickHouseFlusher(ctx context.Context, addr, database, username, password string) (*ClickHouseFlusher, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("stats: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("stats: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, relayRequestsDDL); err != nil {
		return nil, fmt.Errorf("stats: clickhouse ddl: %w", err)
	}
	return &ClickHouseFlusher{conn: conn}, nil
}

// Flush implements Flusher using a columnar batch insert.
func (f *ClickHouseFlusher) Flush(ctx context.Context, batch []Record) error {
	b, err := f.conn.PrepareBatch(ctx, "INSERT INTO relay_requests")
	if err != nil {
		return fmt.Errorf("stats: prepare batch: %w", err)
	}
	for _, r := range batch {
		if err := b.Append(
			r.RequestID,
			r.User,
			r.Provider,
			r.ProviderID,
			r.Model,
			r.InputTokens,
			r.OutputTokens,
			r.CostUSD,
			r.LatencyMs,
			int32(r.Status),
			r.Outcome,
			int32(r.Attempts),
			normalizeTime(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("stats: batch append: %w", err)
		}
	}
	return b.Send()
}

// Close releases the connection.
func (f *ClickHouseFlusher) Close() error {
	return f.conn.Close()
}

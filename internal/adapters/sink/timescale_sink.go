package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// rowsPerStatement keeps one INSERT well under the 65535 bind parameter
// limit of the postgres protocol.
const rowsPerStatement = 1000

type TimescaleSink struct {
	db            *sql.DB
	tableName     string
	overflowTable string
}

// NewTimescaleSink writes samples to table and overflow events to
// overflowTable. An empty overflowTable defaults to table + "_overflow".
func NewTimescaleSink(db *sql.DB, table, overflowTable string) *TimescaleSink {
	if overflowTable == "" {
		overflowTable = table + "_overflow"
	}
	return &TimescaleSink{
		db:            db,
		tableName:     quoteTable(table),
		overflowTable: quoteTable(overflowTable),
	}
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// EnsureSchema creates both tables if missing and, when hypertable is set,
// turns the sample table into a TimescaleDB hypertable on ts.
func (t *TimescaleSink) EnsureSchema(ctx context.Context, hypertable bool) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + t.tableName + ` (
	channel TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	idx BIGINT NOT NULL,
	volts DOUBLE PRECISION NOT NULL,
	raw SMALLINT NOT NULL,
	UNIQUE (channel, ts, idx)
)`,
		"CREATE TABLE IF NOT EXISTS " + t.overflowTable + ` (
	cause TEXT NOT NULL,
	lost BIGINT NOT NULL,
	first_index BIGINT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL
)`,
	}
	if hypertable {
		stmts = append(stmts, "SELECT create_hypertable('"+strings.ReplaceAll(t.tableName, "'", "''")+"', 'ts', if_not_exists => TRUE)")
	}
	for _, s := range stmts {
		if _, err := t.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (t *TimescaleSink) WriteBatch(ctx context.Context, batch *domain.Batch) error {
	if batch == nil || (len(batch.Samples) == 0 && len(batch.Overflows) == 0) {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for start := 0; start < len(batch.Samples); start += rowsPerStatement {
		end := start + rowsPerStatement
		if end > len(batch.Samples) {
			end = len(batch.Samples)
		}
		if err := t.insertSamples(ctx, tx, batch.Samples[start:end]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if len(batch.Overflows) > 0 {
		if err := t.insertOverflows(ctx, tx, batch.Overflows); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *TimescaleSink) insertSamples(ctx context.Context, tx *sql.Tx, samples []*domain.Sample) error {
	// INSERT ... ON CONFLICT DO NOTHING keeps replays idempotent
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (channel, ts, idx, volts, raw) VALUES ")

	args := make([]any, 0, len(samples)*5)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5))
		args = append(args,
			s.ChannelID.String(),
			s.Timestamp,
			int64(s.Index),
			s.Volts,
			int64(s.Raw),
		)
	}
	b.WriteString(" ON CONFLICT (channel, ts, idx) DO NOTHING")

	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	return nil
}

func (t *TimescaleSink) insertOverflows(ctx context.Context, tx *sql.Tx, events []domain.OverflowEvent) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.overflowTable)
	b.WriteString(" (cause, lost, first_index, detected_at) VALUES ")

	args := make([]any, 0, len(events)*4)
	for i, ev := range events {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3, len(args)+4))
		args = append(args, string(ev.Cause), int64(ev.Lost), int64(ev.FirstIndex), ev.DetectedAt)
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert overflow events: %w", err)
	}
	return nil
}

var _ ports.Sink = (*TimescaleSink)(nil)

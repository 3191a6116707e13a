package sink

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", "")
	ts := time.Now()

	batch := &domain.Batch{
		Samples: []*domain.Sample{
			{ChannelID: domain.ChannelA, Timestamp: ts, Index: 7, Raw: 16384, Volts: 1.00003},
		},
		Overflows: []domain.OverflowEvent{
			{Cause: domain.OverflowRingEvicted, Lost: 1000, FirstIndex: 3000, DetectedAt: ts},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "samples" (channel, ts, idx, volts, raw) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (channel, ts, idx) DO NOTHING`)).
		WithArgs("A", ts, int64(7), 1.00003, int64(16384)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "samples_overflow" (cause, lost, first_index, detected_at) VALUES ($1,$2,$3,$4)`)).
		WithArgs("ring_evicted", int64(1000), int64(3000), ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := sink.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkChunksLargeBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "public.samples", "public.gaps")
	samples := make([]*domain.Sample, rowsPerStatement+1)
	for i := range samples {
		samples[i] = &domain.Sample{Index: uint64(i), Timestamp: time.Unix(0, int64(i))}
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."samples"`)).WillReturnResult(sqlmock.NewResult(0, rowsPerStatement))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."samples"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := sink.WriteBatch(context.Background(), &domain.Batch{Samples: samples}); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", "")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = sink.WriteBatch(context.Background(), &domain.Batch{Samples: []*domain.Sample{{}}})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected insert error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkWriteBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", "")
	if err := sink.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for nil batch, got %v", err)
	}
	if err := sink.WriteBatch(context.Background(), &domain.Batch{}); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", "")
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "samples"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "samples_overflow"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT create_hypertable('"samples"', 'ts'`)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := sink.EnsureSchema(context.Background(), true); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", "")
	if sink.Name() != "timescaledb" {
		t.Fatalf("expected sink name timescaledb, got %s", sink.Name())
	}
}

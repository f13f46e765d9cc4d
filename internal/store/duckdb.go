// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
)

// DuckDBStore is the production Store backed by an embedded DuckDB database.
// DuckDB's columnar layout makes the statistics aggregation a single cheap
// query even with months of records.
type DuckDBStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	order_id    VARCHAR NOT NULL,
	email_type  VARCHAR NOT NULL,
	sent_at     TIMESTAMP NOT NULL,
	message_id  VARCHAR,
	status      VARCHAR NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	job_id    VARCHAR NOT NULL,
	order_id  VARCHAR NOT NULL,
	ts        TIMESTAMP NOT NULL,
	event     VARCHAR NOT NULL,
	detail    VARCHAR
);
`

// NewDuckDBStore opens (or creates) the DuckDB database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral store.
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	// Extension auto-install disabled: it hangs in restricted network
	// environments and nothing here needs extensions.
	connStr := fmt.Sprintf("%s?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false", path)

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// DuckDB is embedded; one writer connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DuckDBStore{
		db:     db,
		logger: logging.Component("store"),
	}, nil
}

// RecordDelivery persists a delivery record.
func (s *DuckDBStore) RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records (order_id, email_type, sent_at, message_id, status, attempts, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, string(rec.EmailType), rec.SentAt, rec.MessageID, string(rec.Status), rec.Attempts, rec.DurationMs,
	)
	metrics.RecordStoreQuery("insert", "delivery_records", time.Since(start))
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// AppendAudit appends an audit entry.
func (s *DuckDBStore) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (job_id, order_id, ts, event, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.JobID, entry.OrderID, entry.Timestamp, string(entry.Event), entry.Detail,
	)
	metrics.RecordStoreQuery("insert", "audit_entries", time.Since(start))
	if err != nil {
		metrics.AuditWriteErrors.Inc()
		return fmt.Errorf("append audit: %w", err)
	}
	metrics.AuditWritesTotal.WithLabelValues(string(entry.Event)).Inc()
	return nil
}

// Statistics aggregates delivery outcomes over [from, to).
func (s *DuckDBStore) Statistics(ctx context.Context, from, to time.Time) (models.DeliveryStatistics, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(attempts), 0),
			COALESCE(SUM(CASE WHEN status = 'success'  THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'degraded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed'   THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status != 'failed' THEN duration_ms END), 0)
		 FROM delivery_records
		 WHERE sent_at >= ? AND sent_at < ?`,
		from, to,
	)
	metrics.RecordStoreQuery("select", "delivery_records", time.Since(start))

	var stats models.DeliveryStatistics
	if err := row.Scan(&stats.TotalAttempts, &stats.SuccessCount, &stats.DegradedCount, &stats.FailureCount, &stats.AverageDeliveryMs); err != nil {
		return models.DeliveryStatistics{}, fmt.Errorf("delivery statistics: %w", err)
	}

	if total := stats.SuccessCount + stats.DegradedCount + stats.FailureCount; total > 0 {
		stats.SuccessRate = float64(stats.SuccessCount+stats.DegradedCount) / float64(total)
	}
	return stats, nil
}

// AuditTrail returns a job's audit entries in chronological order.
func (s *DuckDBStore) AuditTrail(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, "job_id", jobID)
}

// AuditByOrder returns all audit entries for an order.
func (s *DuckDBStore) AuditByOrder(ctx context.Context, orderID string) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, "order_id", orderID)
}

func (s *DuckDBStore) queryAudit(ctx context.Context, column, value string) ([]models.AuditEntry, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT job_id, order_id, ts, event, COALESCE(detail, '')
		 FROM audit_entries WHERE %s = ? ORDER BY ts`, column),
		value,
	)
	metrics.RecordStoreQuery("select", "audit_entries", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var event string
		if err := rows.Scan(&e.JobID, &e.OrderID, &e.Timestamp, &event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Event = models.AuditKind(event)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
	CREATE TABLE IF NOT EXISTS query_usage (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL,
		subject     TEXT NOT NULL,
		method      TEXT NOT NULL,
		source      TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		row_count   INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,

		CHECK (method IN ('oauth', 'api_key')),
		CHECK (source IN ('app', 'api', 'mcp')),
		CHECK (outcome IN ('success', 'client_error', 'server_error'))
	);

	CREATE INDEX IF NOT EXISTS idx_query_usage_subject_created
		ON query_usage(subject, created_at);
`

// Summary aggregates one subject's usage per source.
type Summary struct {
	Source   models.Source
	Queries  int
	Failures int
	Rows     int64
}

// Store persists usage records in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the usage database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating usage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening usage db: %w", err)
	}

	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("usage db %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating usage schema: %w", err)
	}

	logger.Debug("usage store opened", slog.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one usage row. ID and CreatedAt are filled in when
// empty.
func (s *Store) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_usage (
			id, request_id, subject, method, source, outcome,
			row_count, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RequestID,
		rec.Subject,
		string(rec.Method),
		string(rec.Source),
		rec.Outcome,
		rec.RowCount,
		rec.Duration.Milliseconds(),
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	return nil
}

// SummaryBySubject aggregates a subject's usage since the given time,
// one row per source that has any usage.
func (s *Store) SummaryBySubject(ctx context.Context, subject string, since time.Time) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source,
		       COUNT(*),
		       SUM(CASE WHEN outcome = 'success' THEN 0 ELSE 1 END),
		       COALESCE(SUM(row_count), 0)
		FROM query_usage
		WHERE subject = ? AND created_at >= ?
		GROUP BY source
		ORDER BY source`,
		subject, since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer rows.Close()

	var out []Summary

	for rows.Next() {
		var (
			sum    Summary
			source string
		)

		if err := rows.Scan(&source, &sum.Queries, &sum.Failures, &sum.Rows); err != nil {
			return nil, fmt.Errorf("scanning usage summary: %w", err)
		}

		sum.Source = models.Source(source)
		out = append(out, sum)
	}

	return out, rows.Err()
}

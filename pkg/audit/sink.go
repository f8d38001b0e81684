package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink persists finished trace records. Implementations must be safe for
// concurrent Write calls.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
	Close() error
}

// NopSink discards records.
type NopSink struct{}

func (NopSink) Write(context.Context, *Record) error { return nil }
func (NopSink) Close() error                         { return nil }

// JSONLSink appends one JSON line per record to a file. The file is created
// on first write, parent directories included.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewJSONLSink opens (or lazily creates) the trace log at path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

func (s *JSONLSink) Write(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if dir := filepath.Dir(s.path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create trace directory: %w", err)
			}
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open trace log: %w", err)
		}
		s.f = f
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize trace record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("failed to append trace record: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// SQLSink writes records into a relational table, one row per request, with
// the full record as a JSON column. Placeholder style follows the driver.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// NewSQLSink prepares the audit table on the given connection. driver is the
// database/sql driver name ("postgres" or "sqlite3").
func NewSQLSink(db *sql.DB, driver string) (*SQLSink, error) {
	s := &SQLSink{db: db, driver: driver}
	ddl := `CREATE TABLE IF NOT EXISTS audit_traces (
		request_id TEXT NOT NULL,
		tenant_id  TEXT,
		created_at TIMESTAMP NOT NULL,
		evidence   TEXT,
		record     TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to prepare audit table: %w", err)
	}
	return s, nil
}

func (s *SQLSink) placeholders(n int) []any {
	args := make([]any, n)
	for i := range args {
		if s.driver == "postgres" {
			args[i] = fmt.Sprintf("$%d", i+1)
		} else {
			args[i] = "?"
		}
	}
	return args
}

func (s *SQLSink) Write(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize trace record: %w", err)
	}
	ph := s.placeholders(5)
	stmt := fmt.Sprintf(
		"INSERT INTO audit_traces (request_id, tenant_id, created_at, evidence, record) VALUES (%s, %s, %s, %s, %s)",
		ph[0], ph[1], ph[2], ph[3], ph[4],
	)
	_, err = s.db.ExecContext(ctx, stmt,
		rec.RequestID, rec.TenantID, time.Now().UTC(), rec.Evidence, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert trace record: %w", err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

// MultiSink fans a record out to every sink, returning the first error after
// attempting all of them.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Write(ctx context.Context, rec *Record) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

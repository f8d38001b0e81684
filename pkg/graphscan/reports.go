package graphscan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Report persistence supports both embedded and server deployments;
	// the config's report_driver selects one by database/sql name.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iurislab/relator/pkg/config"
)

// ErrReportNotFound is returned when no stored report matches the id.
var ErrReportNotFound = errors.New("scan report not found")

// ReportStore persists scan reports in a relational table, one row per scan,
// with the report as a JSON column. Placeholder style follows the driver.
type ReportStore struct {
	db         *sql.DB
	driver     string
	ttl        time.Duration
	maxSignals int
}

// OpenReportStore connects using the configured driver and DSN and prepares
// the schema.
func OpenReportStore(cfg *config.GraphScanConfig) (*ReportStore, error) {
	if cfg.ReportDriver == "" {
		return nil, fmt.Errorf("report persistence is not configured")
	}
	db, err := sql.Open(cfg.ReportDriver, cfg.ReportDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open report store: %w", err)
	}
	store, err := NewReportStore(db, cfg.ReportDriver, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewReportStore prepares the report table on the given connection. driver
// is the database/sql driver name ("postgres" or "sqlite3").
func NewReportStore(db *sql.DB, driver string, cfg *config.GraphScanConfig) (*ReportStore, error) {
	s := &ReportStore{
		db:         db,
		driver:     driver,
		ttl:        time.Duration(cfg.ReportTTLDays) * 24 * time.Hour,
		maxSignals: cfg.ReportMaxPerScan,
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS graph_scan_reports (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			signals    INTEGER NOT NULL,
			report     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS graph_scan_reports_tenant
			ON graph_scan_reports (tenant_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare report table: %w", err)
		}
	}
	return s, nil
}

func (s *ReportStore) placeholders(n int) []any {
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

// Save persists the report, trimming the signal list to the per-scan cap.
// The signals column keeps the pre-trim count.
func (s *ReportStore) Save(ctx context.Context, report *Report) error {
	trimmed, total := capSignals(report, s.maxSignals)
	payload, err := json.Marshal(&trimmed)
	if err != nil {
		return fmt.Errorf("failed to serialize scan report: %w", err)
	}
	ph := s.placeholders(5)
	stmt := fmt.Sprintf(
		"INSERT INTO graph_scan_reports (id, tenant_id, created_at, signals, report) VALUES (%s, %s, %s, %s, %s)",
		ph[0], ph[1], ph[2], ph[3], ph[4],
	)
	_, err = s.db.ExecContext(ctx, stmt,
		report.ID, report.TenantID, report.StartedAt.UTC(), total, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert scan report: %w", err)
	}
	return nil
}

// capSignals bounds a copy of the report to max signals and returns it with
// the untrimmed count.
func capSignals(report *Report, max int) (Report, int) {
	trimmed := *report
	total := len(report.Signals)
	if max > 0 && total > max {
		trimmed.Signals = report.Signals[:max]
	}
	return trimmed, total
}

// Get loads one report by id, scoped to the tenant that owns it.
func (s *ReportStore) Get(ctx context.Context, tenantID, id string) (*Report, error) {
	ph := s.placeholders(2)
	stmt := fmt.Sprintf(
		"SELECT report FROM graph_scan_reports WHERE id = %s AND tenant_id = %s", ph[0], ph[1])
	var payload string
	err := s.db.QueryRowContext(ctx, stmt, id, tenantID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scan report: %w", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to decode scan report: %w", err)
	}
	return &report, nil
}

// Summary is one report listing row, without the signal payload.
type Summary struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	Signals   int       `json:"signals"`
}

// List returns the tenant's reports, newest first.
func (s *ReportStore) List(ctx context.Context, tenantID string, limit int) ([]Summary, error) {
	ph := s.placeholders(2)
	stmt := fmt.Sprintf(
		"SELECT id, tenant_id, created_at, signals FROM graph_scan_reports WHERE tenant_id = %s ORDER BY created_at DESC LIMIT %s",
		ph[0], ph[1],
	)
	rows, err := s.db.QueryContext(ctx, stmt, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.TenantID, &sum.CreatedAt, &sum.Signals); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scan reports: %w", err)
	}
	return out, nil
}

// Purge removes reports older than the retention window and returns how many
// were dropped.
func (s *ReportStore) Purge(ctx context.Context) (int64, error) {
	ph := s.placeholders(1)
	stmt := fmt.Sprintf("DELETE FROM graph_scan_reports WHERE created_at < %s", ph[0])
	res, err := s.db.ExecContext(ctx, stmt, time.Now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge scan reports: %w", err)
	}
	return res.RowsAffected()
}

func (s *ReportStore) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/headline-goat/autowinner/internal/stats"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    conversion_goal TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'running',
    auto_winner INTEGER NOT NULL DEFAULT 1,
    winner_variant TEXT,
    tags TEXT,
    priority TEXT NOT NULL DEFAULT '',
    addressable_audience INTEGER NOT NULL DEFAULT 0,
    hourly_traffic REAL NOT NULL DEFAULT 0,
    dependencies INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL DEFAULT (unixepoch()),
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_tests_state ON tests(state, auto_winner);

CREATE TABLE IF NOT EXISTS variants (
    test_name TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    traffic REAL NOT NULL,
    impressions INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    revenue REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
    PRIMARY KEY (test_name, variant_id),
    FOREIGN KEY (test_name) REFERENCES tests(name)
);

CREATE TABLE IF NOT EXISTS conclusions (
    test_name TEXT PRIMARY KEY,
    winner_variant TEXT NOT NULL,
    confidence REAL NOT NULL,
    body TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS implementations (
    test_name TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS routing (
    test_name TEXT PRIMARY KEY,
    winner_variant TEXT NOT NULL,
    share REAL NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS live_metrics (
    test_name TEXT PRIMARY KEY,
    error_rate REAL NOT NULL DEFAULT 0,
    baseline_error_rate REAL NOT NULL DEFAULT 0,
    conversion_rate REAL NOT NULL DEFAULT 0,
    baseline_conversion_rate REAL NOT NULL DEFAULT 0,
    revenue_per_visitor REAL NOT NULL DEFAULT 0,
    baseline_revenue_per_visitor REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    test_name TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    requires_manual_action INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_alerts_test ON alerts(test_name, created_at);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Concurrent evaluations and controller loops share the file
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, nt NewTest) (*Test, error) {
	if nt.Name == "" {
		return nil, errors.New("test name is required")
	}
	if len(nt.Variants) < 2 {
		return nil, fmt.Errorf("test %q needs at least 2 variants", nt.Name)
	}
	weights := nt.Weights
	if len(weights) == 0 {
		weights = make([]float64, len(nt.Variants))
		for i := range weights {
			weights[i] = 1 / float64(len(nt.Variants))
		}
	}
	if len(weights) != len(nt.Variants) {
		return nil, fmt.Errorf("got %d weights for %d variants", len(weights), len(nt.Variants))
	}

	tagsJSON, err := json.Marshal(nt.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO tests (name, conversion_goal, state, auto_winner, tags, priority, addressable_audience,
		                    hourly_traffic, dependencies, started_at, created_at, updated_at)
		 VALUES (?, ?, 'running', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nt.Name, nt.ConversionGoal, nt.AutoWinner, string(tagsJSON), nt.Priority, nt.AddressableAudience,
		nt.HourlyTraffic, nt.Dependencies, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert test: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	variants := make([]stats.Variant, len(nt.Variants))
	for i, v := range nt.Variants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variants (test_name, variant_id, position, traffic, updated_at) VALUES (?, ?, ?, ?, ?)`,
			nt.Name, v, i, weights[i], now,
		); err != nil {
			return nil, fmt.Errorf("failed to insert variant %q: %w", v, err)
		}
		variants[i] = stats.Variant{ID: v, IsControl: i == 0, Traffic: weights[i]}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit test: %w", err)
	}

	return &Test{
		ID:                  id,
		Name:                nt.Name,
		ConversionGoal:      nt.ConversionGoal,
		State:               StateRunning,
		AutoWinner:          nt.AutoWinner,
		Tags:                nt.Tags,
		Priority:            nt.Priority,
		AddressableAudience: nt.AddressableAudience,
		HourlyTraffic:       nt.HourlyTraffic,
		Dependencies:        nt.Dependencies,
		Variants:            variants,
		StartedAt:           time.Unix(now, 0),
		CreatedAt:           time.Unix(now, 0),
		UpdatedAt:           time.Unix(now, 0),
	}, nil
}

const testColumns = `id, name, conversion_goal, state, auto_winner, winner_variant, tags, priority,
	addressable_audience, hourly_traffic, dependencies, started_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (*Test, error) {
	var test Test
	var winner, tagsJSON sql.NullString
	var startedAt, createdAt, updatedAt int64

	err := row.Scan(&test.ID, &test.Name, &test.ConversionGoal, &test.State, &test.AutoWinner, &winner, &tagsJSON,
		&test.Priority, &test.AddressableAudience, &test.HourlyTraffic, &test.Dependencies,
		&startedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &test.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	test.WinnerVariant = winner.String
	test.StartedAt = time.Unix(startedAt, 0)
	test.CreatedAt = time.Unix(createdAt, 0)
	test.UpdatedAt = time.Unix(updatedAt, 0)
	return &test, nil
}

func (s *SQLiteStore) GetTest(ctx context.Context, name string) (*Test, error) {
	test, err := scanTest(s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests WHERE name = ?`, name,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	if test.Variants, err = s.loadVariants(ctx, name); err != nil {
		return nil, err
	}
	return test, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at DESC, id DESC`)
}

// queryTests collects the matching tests before loading their variants
// so only one result set is open at a time.
func (s *SQLiteStore) queryTests(ctx context.Context, query string, args ...any) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}

	var tests []*Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate tests: %w", err)
	}
	rows.Close()

	for _, test := range tests {
		if test.Variants, err = s.loadVariants(ctx, test.Name); err != nil {
			return nil, err
		}
	}
	return tests, nil
}

func (s *SQLiteStore) loadVariants(ctx context.Context, testName string) ([]stats.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, position, traffic, impressions, conversions, revenue
		 FROM variants WHERE test_name = ? ORDER BY position`, testName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	var variants []stats.Variant
	for rows.Next() {
		var v stats.Variant
		var position int
		if err := rows.Scan(&v.ID, &position, &v.Traffic, &v.Impressions, &v.Conversions, &v.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = position == 0
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (s *SQLiteStore) UpdateTestState(ctx context.Context, name string, state TestState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown test state %q", state)
	}
	return s.execOne(ctx, "update test state",
		`UPDATE tests SET state = ?, updated_at = ? WHERE name = ?`,
		string(state), time.Now().Unix(), name,
	)
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, name string) error {
	// First delete related rows
	for _, table := range []string{"variants", "conclusions", "implementations", "routing", "live_metrics", "alerts"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE test_name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	return s.execOne(ctx, "delete test", `DELETE FROM tests WHERE name = ?`, name)
}

// SetCounters replaces a variant's counters with an absolute snapshot.
func (s *SQLiteStore) SetCounters(ctx context.Context, testName, variantID string, c Counters) error {
	if c.Impressions < 0 || c.Conversions < 0 || c.Revenue < 0 {
		return errors.New("counters must not be negative")
	}
	if c.Conversions > c.Impressions {
		return fmt.Errorf("conversions (%d) exceed impressions (%d)", c.Conversions, c.Impressions)
	}
	return s.execOne(ctx, "set counters",
		`UPDATE variants SET impressions = ?, conversions = ?, revenue = ?, updated_at = ?
		 WHERE test_name = ? AND variant_id = ?`,
		c.Impressions, c.Conversions, c.Revenue, time.Now().Unix(), testName, variantID,
	)
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/scheduler"
)

// ListEligibleTests returns running auto-winner tests with their counters.
func (s *SQLiteStore) ListEligibleTests(ctx context.Context) ([]scheduler.Candidate, error) {
	tests, err := s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests WHERE state = 'running' AND auto_winner = 1 ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}

	running, err := s.countRunning(ctx)
	if err != nil {
		return nil, err
	}

	cands := make([]scheduler.Candidate, 0, len(tests))
	for _, test := range tests {
		cands = append(cands, candidateOf(test, running-1))
	}
	return cands, nil
}

// GetCandidate loads one test for a manual evaluation regardless of its
// auto-winner flag.
func (s *SQLiteStore) GetCandidate(ctx context.Context, testID string) (scheduler.Candidate, error) {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return scheduler.Candidate{}, err
	}
	running, err := s.countRunning(ctx)
	if err != nil {
		return scheduler.Candidate{}, err
	}
	others := running
	if test.State == StateRunning {
		others--
	}
	return candidateOf(test, others), nil
}

func (s *SQLiteStore) countRunning(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tests WHERE state = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count running tests: %w", err)
	}
	return n, nil
}

func candidateOf(t *Test, concurrent int) scheduler.Candidate {
	if concurrent < 0 {
		concurrent = 0
	}
	return scheduler.Candidate{
		ID:        t.Name,
		Variants:  t.Variants,
		StartedAt: t.StartedAt,
		Context: conclusion.Context{
			Tags:                t.Tags,
			Priority:            t.Priority,
			AddressableAudience: t.AddressableAudience,
			HourlyTraffic:       t.HourlyTraffic,
			ConcurrentTests:     concurrent,
			Dependencies:        t.Dependencies,
		},
		Concluded: t.State == StateConcluded || t.State == StateCompleted,
	}
}

// SaveConclusion stores the conclusion and marks the test concluded. A
// test that is already concluded or completed keeps its conclusion and
// yields *scheduler.AlreadyConcludedError.
func (s *SQLiteStore) SaveConclusion(ctx context.Context, c *conclusion.TestConclusion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conclusion: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	winner := c.SelectedWinner.Variant.VariantID
	result, err := tx.ExecContext(ctx,
		`UPDATE tests SET state = 'concluded', winner_variant = ?, updated_at = ?
		 WHERE name = ? AND state IN ('running', 'paused')`,
		winner, now, c.TestID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark test concluded: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM tests WHERE name = ?`, c.TestID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get test state: %w", err)
		}
		return &scheduler.AlreadyConcludedError{TestID: c.TestID, State: state}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conclusions (test_name, winner_variant, confidence, body, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(test_name) DO UPDATE SET winner_variant = excluded.winner_variant,
		     confidence = excluded.confidence, body = excluded.body, created_at = excluded.created_at`,
		c.TestID, winner, c.Confidence, string(body), now,
	); err != nil {
		return fmt.Errorf("failed to save conclusion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conclusion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConclusion(ctx context.Context, testName string) (*conclusion.TestConclusion, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM conclusions WHERE test_name = ?`, testName).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conclusion: %w", err)
	}

	var c conclusion.TestConclusion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conclusion: %w", err)
	}
	return &c, nil
}

// DeleteConclusion forgets a conclusion and reopens the test: its
// implementation record and routing are dropped and it runs again.
func (s *SQLiteStore) DeleteConclusion(ctx context.Context, testName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM conclusions WHERE test_name = ?`, testName)
	if err != nil {
		return fmt.Errorf("failed to delete conclusion: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	for _, q := range []string{
		`DELETE FROM implementations WHERE test_name = ?`,
		`DELETE FROM routing WHERE test_name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, testName); err != nil {
			return fmt.Errorf("failed to reset rollout state: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tests SET state = 'running', winner_variant = NULL, updated_at = ? WHERE name = ?`,
		time.Now().Unix(), testName,
	); err != nil {
		return fmt.Errorf("failed to reopen test: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/alert"
)

func (s *SQLiteStore) SaveAlert(ctx context.Context, a alert.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, test_name, type, severity, message, requires_manual_action, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TestID, a.Type.String(), a.Severity.String(), a.Message, a.RequiresManualAction, a.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns the newest alerts first. An empty testName lists
// every test's alerts.
func (s *SQLiteStore) ListAlerts(ctx context.Context, testName string, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_name, type, severity, message, requires_manual_action, created_at
		 FROM alerts WHERE (? = '' OR test_name = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		testName, testName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var typ, severity string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.TestID, &typ, &severity, &a.Message, &a.RequiresManualAction, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := a.Type.UnmarshalText([]byte(typ)); err != nil {
			return nil, err
		}
		if err := a.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, err
		}
		a.Timestamp = time.Unix(createdAt, 0)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AlertSink persists every published alert, logging failures.
type AlertSink struct {
	store  *SQLiteStore
	logger *zap.Logger
}

func (s *SQLiteStore) AlertSink(logger *zap.Logger) *AlertSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSink{store: s, logger: logger}
}

func (a *AlertSink) Publish(al alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveAlert(ctx, al); err != nil {
		a.logger.Warn("persisting alert failed", zap.String("alert_id", al.ID), zap.Error(err))
	}
}

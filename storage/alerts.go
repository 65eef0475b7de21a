package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"logcorr/core"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("not found")

// maxListLimit caps a single List call.
const maxListLimit = 1000

// AlertFilter selects stored alerts. Zero fields do not filter.
type AlertFilter struct {
	GID    uint64
	SID    uint64
	SrcIP  string
	DstIP  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// AlertStore persists alerts in SQLite. It is also an alert output.
type AlertStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewAlertStore creates a store on db.
func NewAlertStore(db *SQLite, logger *zap.SugaredLogger) *AlertStore {
	return &AlertStore{db: db, logger: logger}
}

func (s *AlertStore) Name() string { return "sqlite" }

// Send stores alert.
func (s *AlertStore) Send(ctx context.Context, alert *core.Alert) error {
	return s.InsertAlert(ctx, alert)
}

// InsertAlert stores alert. The full alert is kept as JSON next to the
// indexed columns.
func (s *AlertStore) InsertAlert(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO alerts (id, timestamp, gid, sid, rev, msg, classtype, priority,
			src_ip, dst_ip, src_port, dst_port, proto, username, event_id, host, program, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.Timestamp.UnixNano(), alert.GID, alert.SID, alert.Rev, alert.Msg,
		alert.Classtype, alert.Priority, alert.SrcIP, alert.DstIP, alert.SrcPort, alert.DstPort,
		alert.Proto, alert.Username, alert.EventID, alert.Host, alert.Program, alert.Message, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlert returns the alert with id or ErrNotFound.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	var data string
	err := s.db.ReadDB.QueryRowContext(ctx, "SELECT data FROM alerts WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	var alert core.Alert
	if err := json.Unmarshal([]byte(data), &alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert %s: %w", id, err)
	}
	return &alert, nil
}

func (f AlertFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.GID != 0 {
		conds = append(conds, "gid = ?")
		args = append(args, f.GID)
	}
	if f.SID != 0 {
		conds = append(conds, "sid = ?")
		args = append(args, f.SID)
	}
	if f.SrcIP != "" {
		conds = append(conds, "src_ip = ?")
		args = append(args, f.SrcIP)
	}
	if f.DstIP != "" {
		conds = append(conds, "dst_ip = ?")
		args = append(args, f.DstIP)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListAlerts returns matching alerts, newest first.
func (s *AlertStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*core.Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	where, args := f.where()
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.ReadDB.QueryContext(ctx,
		"SELECT data FROM alerts"+where+" ORDER BY timestamp DESC, id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*core.Alert, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		var alert core.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			s.logger.Warnw("Skipping undecodable alert row", "error", err)
			continue
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// CountAlerts returns the number of matching alerts.
func (s *AlertStore) CountAlerts(ctx context.Context, f AlertFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.ReadDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// DeleteAlertsBefore removes alerts older than cutoff and returns how many went.
func (s *AlertStore) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.WriteDB.ExecContext(ctx, "DELETE FROM alerts WHERE timestamp < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return res.RowsAffected()
}

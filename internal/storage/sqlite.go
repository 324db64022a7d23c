package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/finvera/webhookd/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rate_limit INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_triggered DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_events (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL REFERENCES webhooks(id),
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_status_code INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			next_attempt_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES delivery_events(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_webhook ON delivery_events(webhook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_due ON delivery_events(status, next_attempt_at) WHERE status IN ('pending', 'retry_scheduled')`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON delivery_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_event ON delivery_attempts(event_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Webhooks ---

const webhookColumns = `id, url, events, secret, description, rate_limit, active, success_count, failure_count, last_triggered, created_at, updated_at`

func (s *SQLiteStorage) CreateWebhook(ctx context.Context, wh *models.Webhook) error {
	events, _ := json.Marshal(wh.Events)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.URL, string(events), wh.Secret, wh.Description, wh.RateLimit,
		boolToInt(wh.Active), wh.SuccessCount, wh.FailureCount, wh.LastTriggered,
		wh.CreatedAt, wh.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var wh models.Webhook
	var events string
	var active int
	err := row.Scan(&wh.ID, &wh.URL, &events, &wh.Secret, &wh.Description, &wh.RateLimit,
		&active, &wh.SuccessCount, &wh.FailureCount, &wh.LastTriggered, &wh.CreatedAt, &wh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &wh.Events)
	wh.Active = active == 1
	return &wh, nil
}

func (s *SQLiteStorage) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	wh, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	return wh, err
}

func (s *SQLiteStorage) ListWebhooks(ctx context.Context, filter WebhookFilter) ([]models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks`
	var conds []string
	var args []interface{}
	if filter.Active != nil {
		conds = append(conds, `active = ?`)
		args = append(args, boolToInt(*filter.Active))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []models.Webhook
	for rows.Next() {
		wh, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		// Event-set membership lives in JSON; filter after scan.
		if filter.Event != "" && !wh.SubscribedTo(filter.Event) {
			continue
		}
		webhooks = append(webhooks, *wh)
	}
	return webhooks, rows.Err()
}

func (s *SQLiteStorage) UpdateWebhook(ctx context.Context, wh *models.Webhook) error {
	events, _ := json.Marshal(wh.Events)
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = ?, events = ?, description = ?, rate_limit = ?, active = ?, updated_at = ? WHERE id = ?`,
		wh.URL, string(events), wh.Description, wh.RateLimit, boolToInt(wh.Active), time.Now().UTC(), wh.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, wh.ID)
}

func (s *SQLiteStorage) DeactivateWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStorage) UpdateWebhookSecret(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ?`, secret, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *SQLiteStorage) RecordWebhookOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	column := `failure_count`
	if success {
		column = `success_count`
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET `+column+` = `+column+` + 1, last_triggered = ?, updated_at = ? WHERE id = ?`,
		at, at, id)
	return err
}

// --- Delivery events ---

const eventColumns = `id, webhook_id, event_type, payload, status, attempt_count, max_attempts, last_status_code, last_error, delivered_at, next_attempt_at, created_at, updated_at`

func (s *SQLiteStorage) CreateDeliveryEvent(ctx context.Context, ev *models.DeliveryEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WebhookID, ev.EventType, string(ev.Payload), ev.Status, ev.AttemptCount,
		ev.MaxAttempts, ev.LastStatusCode, ev.LastError, ev.DeliveredAt, ev.NextAttemptAt,
		ev.CreatedAt, ev.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanEvent(row interface{ Scan(...interface{}) error }) (*models.DeliveryEvent, error) {
	var ev models.DeliveryEvent
	var payload string
	err := row.Scan(&ev.ID, &ev.WebhookID, &ev.EventType, &payload, &ev.Status, &ev.AttemptCount,
		&ev.MaxAttempts, &ev.LastStatusCode, &ev.LastError, &ev.DeliveredAt, &ev.NextAttemptAt,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func (s *SQLiteStorage) GetDeliveryEvent(ctx context.Context, id string) (*models.DeliveryEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM delivery_events WHERE id = ?`, id)
	ev, err := s.scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery event %s: %w", id, models.ErrNotFound)
	}
	return ev, err
}

func (s *SQLiteStorage) ListDeliveryEvents(ctx context.Context, filter EventFilter) ([]models.DeliveryEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM delivery_events`
	var conds []string
	var args []interface{}
	if filter.WebhookID != "" {
		conds = append(conds, `webhook_id = ?`)
		args = append(args, filter.WebhookID)
	}
	if filter.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, filter.Status)
	}
	if filter.EventType != "" {
		conds = append(conds, `event_type = ?`)
		args = append(args, filter.EventType)
	}
	if !filter.From.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conds = append(conds, `created_at <= ?`)
		args = append(args, filter.To)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DeliveryEvent
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStorage) ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]models.DeliveryEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT e.`+strings.ReplaceAll(eventColumns, ", ", ", e.")+`
		 FROM delivery_events e
		 JOIN webhooks w ON w.id = e.webhook_id
		 WHERE e.status IN ('pending', 'retry_scheduled')
		   AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= ?)
		   AND w.active = 1
		 ORDER BY e.created_at ASC
		 LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, err
	}

	var events []models.DeliveryEvent
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	for i := range events {
		if _, err := tx.ExecContext(ctx,
			`UPDATE delivery_events SET status = 'delivering', updated_at = ? WHERE id = ?`,
			now, events[i].ID); err != nil {
			return nil, err
		}
		events[i].Status = models.StatusDelivering
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStorage) ReleaseDelivery(ctx context.Context, id string) error {
	// Back to the scheduling state the claim took it from. A delivery that
	// never attempted returns to pending, otherwise to retry_scheduled with
	// its previous next_attempt_at intact.
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET status = CASE WHEN attempt_count = 0 THEN 'pending' ELSE 'retry_scheduled' END,
		     updated_at = ?
		 WHERE id = ? AND status = 'delivering'`,
		time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) MarkDelivered(ctx context.Context, id string, at time.Time, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET status = 'delivered', attempt_count = attempt_count + 1, last_status_code = ?,
		     last_error = '', delivered_at = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE id = ?`,
		statusCode, at, at, id)
	return err
}

func (s *SQLiteStorage) ScheduleRetry(ctx context.Context, id string, attemptCount int, statusCode *int, lastError string, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET status = 'retry_scheduled', attempt_count = ?, last_status_code = ?,
		     last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		attemptCount, statusCode, lastError, nextAt, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) MarkDeadLetter(ctx context.Context, id string, attemptCount int, statusCode *int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET status = 'dead_letter', attempt_count = ?, last_status_code = ?,
		     last_error = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE id = ?`,
		attemptCount, statusCode, lastError, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) RearmDelivery(ctx context.Context, id string, extraAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_events
		 SET status = 'pending', max_attempts = max_attempts + ?, next_attempt_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'dead_letter'`,
		extraAttempts, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDeliveryEvent(ctx, id); err != nil {
			return err
		}
		return models.NewValidationError("status", "only dead_letter deliveries can be re-armed")
	}
	return nil
}

// --- Attempts ---

func (s *SQLiteStorage) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, event_id, attempt_number, status_code, response_body, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.AttemptNumber, a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) ListAttempts(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, attempt_number, status_code, response_body, latency_ms, error, created_at
		 FROM delivery_attempts WHERE event_id = ? ORDER BY attempt_number`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.EventID, &a.AttemptNumber, &a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Stats / maintenance ---

func (s *SQLiteStorage) GetStats(ctx context.Context, webhookID string) (*Stats, error) {
	where := ``
	var args []interface{}
	if webhookID != "" {
		where = ` WHERE webhook_id = ?`
		args = append(args, webhookID)
	}

	stats := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(status = 'delivered'), 0),
		        COALESCE(SUM(status = 'retry_scheduled'), 0),
		        COALESCE(SUM(status = 'dead_letter'), 0),
		        COALESCE(SUM(status IN ('pending', 'delivering')), 0)
		 FROM delivery_events`+where, args...,
	).Scan(&stats.Total, &stats.Delivered, &stats.Failed, &stats.DeadLetter, &stats.Pending)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG((julianday(delivered_at) - julianday(created_at)) * 86400000.0), 0)
		 FROM delivery_events`+whereAnd(where)+` status = 'delivered' AND delivered_at IS NOT NULL`, args...,
	).Scan(&stats.AvgLatencyMs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func whereAnd(where string) string {
	if where == "" {
		return ` WHERE`
	}
	return where + ` AND`
}

func (s *SQLiteStorage) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_events
		 WHERE status IN ('pending', 'retry_scheduled') AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		now).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) PurgeTerminalEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_events
		 WHERE status IN ('delivered', 'dead_letter') AND created_at < ?`,
		olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// NotificationLimit bounds the notifications folded into prompts.
const NotificationLimit = 20

// --- tasks ---

// CreateTask inserts a task in the running state and returns its id.
func (h *HistoryStore) CreateTask(ctx context.Context, command string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `INSERT INTO tasks (command, status, steps_taken, result, timestamp) VALUES (?, ?, 0, '', ?)`
	res, err := h.DB.ExecContext(ctx, query, command, TaskRunning, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTask finalizes a task. Terminal tasks are never reopened.
func (h *HistoryStore) UpdateTask(ctx context.Context, id int64, status string, steps int, result string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `UPDATE tasks SET status = ?, steps_taken = ?, result = ?
		WHERE id = ? AND status NOT IN (?, ?)`
	res, err := h.DB.ExecContext(ctx, query, status, steps, result, id, TaskCompleted, TaskFailed)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func (h *HistoryStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := h.DB.QueryRowContext(ctx,
		`SELECT id, command, status, steps_taken, result, timestamp FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// RecentTasks returns up to limit tasks, newest first.
func (h *HistoryStore) RecentTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := h.DB.QueryContext(ctx,
		`SELECT id, command, status, steps_taken, result, timestamp FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var ts int64
	if err := s.Scan(&t.ID, &t.Command, &t.Status, &t.StepsTaken, &t.Result, &ts); err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(ts)
	return &t, nil
}

// --- preferences ---

// SetPreference upserts a preference; last write wins.
func (h *HistoryStore) SetPreference(ctx context.Context, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := h.DB.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set preference %q: %w", key, err)
	}
	return nil
}

// GetPreference returns the value for key, or ErrNotFound.
func (h *HistoryStore) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := h.DB.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ? LIMIT 1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("preference %q: %w", key, ErrNotFound)
	}
	return value, err
}

func (h *HistoryStore) AllPreferences(ctx context.Context) (map[string]string, error) {
	rows, err := h.DB.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

// --- notifications ---

func (h *HistoryStore) RecordNotification(ctx context.Context, n Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	query := `INSERT INTO notifications_log (app_name, title, body, timestamp, was_acted_on) VALUES (?, ?, ?, ?, ?)`
	_, err := h.DB.ExecContext(ctx, query, n.AppName, n.Title, n.Body, n.Timestamp.UnixMilli(), n.WasActedOn)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// RecentNotifications returns up to limit notifications, newest first.
func (h *HistoryStore) RecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := h.DB.QueryContext(ctx,
		`SELECT id, app_name, title, body, timestamp, was_acted_on FROM notifications_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var ts int64
		if err := rows.Scan(&n.ID, &n.AppName, &n.Title, &n.Body, &ts, &n.WasActedOn); err != nil {
			return nil, err
		}
		n.Timestamp = time.UnixMilli(ts)
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentNotificationsSummary renders the latest notifications as prompt text.
func (h *HistoryStore) RecentNotificationsSummary(ctx context.Context) (string, error) {
	notifications, err := h.RecentNotifications(ctx, NotificationLimit)
	if err != nil {
		return "", err
	}
	return FormatNotifications(notifications), nil
}

// NoNotifications is the summary text used when the log is empty.
const NoNotifications = "No recent notifications."

func FormatNotifications(notifications []Notification) string {
	if len(notifications) == 0 {
		return NoNotifications
	}
	var sb strings.Builder
	sb.WriteString("Recent Notifications:\n")
	for _, n := range notifications {
		fmt.Fprintf(&sb, "[%s] %s: %s - %s\n", n.Timestamp.Format(time.RFC1123), n.AppName, n.Title, n.Body)
	}
	return sb.String()
}

// --- scheduled tasks ---

// AddScheduledTask stores an active recurring command. The expression must
// be a valid cron expression.
func (h *HistoryStore) AddScheduledTask(ctx context.Context, command, cronExpr string) (int64, error) {
	if !gronx.New().IsValid(cronExpr) {
		return 0, fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	query := `INSERT INTO scheduled_tasks (command, cron_expression, last_run, is_active) VALUES (?, ?, 0, 1)`
	res, err := h.DB.ExecContext(ctx, query, command, cronExpr)
	if err != nil {
		return 0, fmt.Errorf("failed to add scheduled task: %w", err)
	}
	return res.LastInsertId()
}

func (h *HistoryStore) ActiveScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := h.DB.QueryContext(ctx,
		`SELECT id, command, cron_expression, last_run, is_active FROM scheduled_tasks WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var st ScheduledTask
		var lastRun int64
		if err := rows.Scan(&st.ID, &st.Command, &st.CronExpression, &lastRun, &st.IsActive); err != nil {
			return nil, err
		}
		if lastRun > 0 {
			st.LastRun = time.UnixMilli(lastRun)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (h *HistoryStore) MarkScheduledTaskRun(ctx context.Context, id int64, at time.Time) error {
	return h.execOne(ctx, `UPDATE scheduled_tasks SET last_run = ? WHERE id = ?`, at.UnixMilli(), id)
}

func (h *HistoryStore) DeactivateScheduledTask(ctx context.Context, id int64) error {
	return h.execOne(ctx, `UPDATE scheduled_tasks SET is_active = 0 WHERE id = ?`, id)
}

func (h *HistoryStore) execOne(ctx context.Context, query string, args ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

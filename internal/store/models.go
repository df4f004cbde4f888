package store

import "time"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Task statuses. A task moves from running to exactly one terminal value.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Turn is one entry of the append-only conversation log.
type Turn struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// Task records a single agent run.
type Task struct {
	ID         int64     `json:"id"`
	Command    string    `json:"command"`
	Status     string    `json:"status"` // pending, running, completed, failed
	StepsTaken int       `json:"steps_taken"`
	Result     string    `json:"result"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification is a snapshot of something posted by another app.
type Notification struct {
	ID         int64     `json:"id"`
	AppName    string    `json:"app_name"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	WasActedOn bool      `json:"was_acted_on"`
}

// ScheduledTask is a recurring command checked by the heartbeat.
type ScheduledTask struct {
	ID             int64     `json:"id"`
	Command        string    `json:"command"`
	CronExpression string    `json:"cron_expression"`
	LastRun        time.Time `json:"last_run"`
	IsActive       bool      `json:"is_active"`
}

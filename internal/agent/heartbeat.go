package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adhocore/gronx"
	"github.com/rahul/phonepilot/internal/observability"
	"github.com/rahul/phonepilot/internal/store"
)

const (
	AlertMarker    = "ALERT:"
	AlertTitle     = "Agent Alert"
	MaxAlertLength = 200
)

// Notifier delivers an alert outside the agent (chat message, push, ...).
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// HeartbeatStore is what the heartbeat reads. Its only write stamps the
// last run of scheduled tasks it has reported as due.
type HeartbeatStore interface {
	ActiveScheduledTasks(ctx context.Context) ([]store.ScheduledTask, error)
	RecentNotificationsSummary(ctx context.Context) (string, error)
	MarkScheduledTaskRun(ctx context.Context, id int64, at time.Time) error
}

// Heartbeat periodically asks the model whether a scheduled task or a
// notification needs attention. It talks to the Gateway directly and never
// drives the step loop or the router.
type Heartbeat struct {
	Gateway     Gateway
	Store       HeartbeatStore
	Notifier    Notifier
	Credentials Credentials
	Model       string
	Interval    time.Duration
	Logger      *observability.Logger

	now func() time.Time
}

func NewHeartbeat(gateway Gateway, st HeartbeatStore, notifier Notifier, creds Credentials, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		Gateway:     gateway,
		Store:       st,
		Notifier:    notifier,
		Credentials: creds,
		Interval:    interval,
		now:         time.Now,
	}
}

// Start ticks until ctx is cancelled. A non-positive interval disables it.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.Interval <= 0 {
		log.Println("Heartbeat disabled")
		return
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	log.Printf("Heartbeat scheduled every %v", h.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Check(ctx); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

// Check runs one heartbeat and returns the alert text it raised, if any.
func (h *Heartbeat) Check(ctx context.Context) (string, error) {
	if h.Credentials.APIKey == "" {
		log.Println("No API key, skipping heartbeat")
		return "", nil
	}

	tasks, err := h.Store.ActiveScheduledTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load scheduled tasks: %w", err)
	}
	notifications, err := h.Store.RecentNotificationsSummary(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load notifications: %w", err)
	}

	if len(tasks) == 0 && strings.HasPrefix(notifications, store.NoNotifications) {
		return "", nil
	}

	if observability.SetStatusIfIdle(observability.RoleHeartbeat, "heartbeat") {
		defer observability.ReleaseStatus(observability.RoleHeartbeat)
	}

	decision, err := h.Gateway.SendMessage(ctx, h.prompt(tasks, notifications), nil, h.Credentials, SendOptions{
		Model:    h.Model,
		Thinking: false,
	})
	if err != nil {
		return "", err
	}
	h.markDue(ctx, tasks)

	alert, ok := ExtractAlert(thinkRe.ReplaceAllString(decision.RawContent, ""))
	if h.Logger != nil {
		h.Logger.LogHeartbeat(len(tasks), ok)
	}
	if !ok {
		return "", nil
	}

	if h.Logger != nil {
		h.Logger.LogAlert(alert)
	}
	if h.Notifier != nil {
		if err := h.Notifier.Notify(ctx, AlertTitle, alert); err != nil {
			return alert, fmt.Errorf("failed to deliver alert: %w", err)
		}
	}
	return alert, nil
}

func (h *Heartbeat) prompt(tasks []store.ScheduledTask, notifications string) string {
	now := h.clock()

	var sb strings.Builder
	sb.WriteString("HEARTBEAT CHECK - No user action needed, just check if anything needs attention.\n\n")
	sb.WriteString(strings.TrimRight(notifications, "\n") + "\n\n")
	if len(tasks) > 0 {
		sb.WriteString("Scheduled tasks to check:\n")
		for _, t := range tasks {
			sb.WriteString(describeScheduledTask(t, now) + "\n")
		}
	}
	sb.WriteString("\nIf any scheduled task needs to run now or any notification requires attention, say ALERT: followed by a brief description. Otherwise say ALL_CLEAR.\n")
	return sb.String()
}

func describeScheduledTask(t store.ScheduledTask, now time.Time) string {
	lastRun := "never"
	if !t.LastRun.IsZero() {
		lastRun = t.LastRun.Format(time.RFC1123)
	}
	line := fmt.Sprintf("- %s (cron: %s, last run: %s", t.Command, t.CronExpression, lastRun)

	due, next := scheduleState(t, now)
	if !next.IsZero() {
		line += ", next run: " + next.Format(time.RFC1123)
	}
	if due {
		line += ", due now"
	}
	return line + ")"
}

// scheduleState reports whether t is due at now and, once it has run, its
// next tick after the last run.
func scheduleState(t store.ScheduledTask, now time.Time) (due bool, next time.Time) {
	if t.LastRun.IsZero() {
		due, _ = gronx.New().IsDue(t.CronExpression, now)
		return due, time.Time{}
	}
	next, err := gronx.NextTickAfter(t.CronExpression, t.LastRun, false)
	if err != nil {
		return false, time.Time{}
	}
	return !next.After(now), next
}

// markDue stamps every due task so the same tick is reported only once.
func (h *Heartbeat) markDue(ctx context.Context, tasks []store.ScheduledTask) {
	now := h.clock()
	for _, t := range tasks {
		if due, _ := scheduleState(t, now); !due {
			continue
		}
		if err := h.Store.MarkScheduledTaskRun(ctx, t.ID, now); err != nil {
			log.Printf("Heartbeat: failed to mark task #%d: %v", t.ID, err)
		}
	}
}

func (h *Heartbeat) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// ExtractAlert finds the first ALERT: marker (any case) and returns the
// trimmed text after it, cut to MaxAlertLength characters.
func ExtractAlert(content string) (string, bool) {
	idx := -1
	for i := 0; i+len(AlertMarker) <= len(content); i++ {
		if strings.EqualFold(content[i:i+len(AlertMarker)], AlertMarker) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	alert := strings.TrimSpace(content[idx+len(AlertMarker):])
	if utf8.RuneCountInString(alert) > MaxAlertLength {
		alert = string([]rune(alert)[:MaxAlertLength])
	}
	return alert, true
}

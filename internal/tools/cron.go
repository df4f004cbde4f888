package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/rahul/phonepilot/internal/store"
)

// CronStore persists scheduled commands.
type CronStore interface {
	AddScheduledTask(ctx context.Context, command, cronExpr string) (int64, error)
	ActiveScheduledTasks(ctx context.Context) ([]store.ScheduledTask, error)
	DeactivateScheduledTask(ctx context.Context, id int64) error
}

// CronTool manages scheduled commands from chat input of the form
//
//	<cron expr> | <command>
//	list
//	cancel <id>
type CronTool struct {
	Store CronStore
	now   func() time.Time
}

func NewCronTool(st CronStore) *CronTool {
	return &CronTool{Store: st, now: time.Now}
}

const CronUsage = "Usage: /schedule <cron expr> | <command>, /schedule list, /schedule cancel <id>"

// ParseSchedule splits "<expr> | <command>" and validates the expression.
func ParseSchedule(input string) (expr, command string, err error) {
	expr, command, ok := strings.Cut(input, "|")
	if !ok {
		return "", "", fmt.Errorf("missing '|' between schedule and command")
	}
	expr = strings.Join(strings.Fields(expr), " ")
	command = strings.TrimSpace(command)
	if command == "" {
		return "", "", fmt.Errorf("command is empty")
	}
	if !gronx.New().IsValid(expr) {
		return "", "", fmt.Errorf("invalid cron expression %q", expr)
	}
	return expr, command, nil
}

func (c *CronTool) Execute(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	verb, rest, _ := strings.Cut(input, " ")

	switch strings.ToLower(verb) {
	case "", "help":
		return CronUsage, nil

	case "list":
		tasks, err := c.Store.ActiveScheduledTasks(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list tasks: %v", err)
		}
		if len(tasks) == 0 {
			return "No scheduled tasks.", nil
		}
		var sb strings.Builder
		for _, t := range tasks {
			fmt.Fprintf(&sb, "#%d [%s] %s", t.ID, t.CronExpression, t.Command)
			if next, err := gronx.NextTickAfter(t.CronExpression, c.now(), false); err == nil {
				fmt.Fprintf(&sb, " (next %s)", next.Format("2006-01-02 15:04"))
			}
			sb.WriteString("\n")
		}
		return strings.TrimSpace(sb.String()), nil

	case "cancel":
		id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(rest), "#"), 10, 64)
		if err != nil {
			return "Error: cancel needs a numeric task id.", nil
		}
		if err := c.Store.DeactivateScheduledTask(ctx, id); err != nil {
			return fmt.Sprintf("Error: could not cancel #%d: %v", id, err), nil
		}
		return fmt.Sprintf("Cancelled scheduled task #%d.", id), nil
	}

	expr, command, err := ParseSchedule(input)
	if err != nil {
		return fmt.Sprintf("Error: %v\n%s", err, CronUsage), nil
	}
	id, err := c.Store.AddScheduledTask(ctx, command, expr)
	if err != nil {
		return "", fmt.Errorf("failed to schedule task: %v", err)
	}
	return fmt.Sprintf("Scheduled #%d: '%s' at '%s'.", id, command, expr), nil
}

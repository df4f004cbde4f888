package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/rahul/phonepilot/internal/agent"
	"github.com/rahul/phonepilot/internal/store"
)

// CommandStore is the part of memory reachable from chat commands.
type CommandStore interface {
	SetPreference(ctx context.Context, key, value string) error
	AllPreferences(ctx context.Context) (map[string]string, error)
	ExportHistory(ctx context.Context) (string, error)
	ClearAll(ctx context.Context) error
	RecentTasks(ctx context.Context, limit int) ([]store.Task, error)
}

// Scheduler handles the /schedule sub-commands.
type Scheduler interface {
	Execute(ctx context.Context, input string) (string, error)
}

// Replier answers the chat a command came from.
type Replier interface {
	Reply(text string) error
	ReplyFile(name string, data []byte) error
}

const helpText = `Commands:
/run <command> - start a task (plain text works too)
/cancel - stop the running task after the current step
/status - show whether a task is running
/pref <key> <value> - remember a preference
/prefs - list preferences
/tasks - recent task results
/schedule <cron expr> | <command> - add a scheduled task
/schedule list | cancel <id>
/export - conversation export
/wipe confirm - delete all memory`

// Commander turns chat text into agent runs and memory operations.
type Commander struct {
	Session   *Session
	Store     CommandStore
	Scheduler Scheduler
	// StepUpdates enables per-step progress messages.
	StepUpdates bool
}

func NewCommander(session *Session, st CommandStore, scheduler Scheduler) *Commander {
	return &Commander{Session: session, Store: st, Scheduler: scheduler, StepUpdates: true}
}

// Handle processes one incoming message. Errors are reported to the chat.
func (c *Commander) Handle(ctx context.Context, text string, r Replier) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if !strings.HasPrefix(text, "/") {
		c.run(ctx, text, r)
		return
	}

	cmd, args, _ := strings.Cut(text, " ")
	// Telegram appends @botname in groups.
	cmd, _, _ = strings.Cut(strings.ToLower(cmd), "@")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start", "/help":
		reply(r, helpText)

	case "/run":
		if args == "" {
			reply(r, "Usage: /run <command>")
			return
		}
		c.run(ctx, args, r)

	case "/cancel":
		if c.Session.Cancel() {
			reply(r, "Cancelling after the current step...")
		} else {
			reply(r, "No task is running.")
		}

	case "/status":
		if c.Session.Busy() {
			reply(r, "A task is running.")
		} else {
			reply(r, "Idle.")
		}

	case "/pref":
		key, value, _ := strings.Cut(args, " ")
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			reply(r, "Usage: /pref <key> <value>")
			return
		}
		if err := c.Store.SetPreference(ctx, key, value); err != nil {
			reply(r, fmt.Sprintf("Failed to save preference: %v", err))
			return
		}
		reply(r, fmt.Sprintf("Saved %s=%s", key, value))

	case "/prefs":
		prefs, err := c.Store.AllPreferences(ctx)
		if err != nil {
			reply(r, fmt.Sprintf("Failed to load preferences: %v", err))
			return
		}
		if len(prefs) == 0 {
			reply(r, "No preferences saved.")
			return
		}
		reply(r, agent.FormatPreferences(prefs))

	case "/tasks":
		tasks, err := c.Store.RecentTasks(ctx, 10)
		if err != nil {
			reply(r, fmt.Sprintf("Failed to load tasks: %v", err))
			return
		}
		reply(r, formatTasks(tasks))

	case "/schedule":
		if c.Scheduler == nil {
			reply(r, "Scheduling is not available.")
			return
		}
		out, err := c.Scheduler.Execute(ctx, args)
		if err != nil {
			out = fmt.Sprintf("Schedule failed: %v", err)
		}
		reply(r, out)

	case "/export":
		export, err := c.Store.ExportHistory(ctx)
		if err != nil {
			reply(r, fmt.Sprintf("Export failed: %v", err))
			return
		}
		name := fmt.Sprintf("conversation_%s.txt", time.Now().Format("20060102_150405"))
		if err := r.ReplyFile(name, []byte(export)); err != nil {
			log.Printf("[Gateway] export upload failed: %v", err)
			reply(r, export)
		}

	case "/wipe":
		if args != "confirm" {
			reply(r, "This deletes all conversations, tasks, preferences, notifications and schedules. Send /wipe confirm to proceed.")
			return
		}
		if c.Session.Busy() {
			reply(r, "Cancel the running task first.")
			return
		}
		if err := c.Store.ClearAll(ctx); err != nil {
			reply(r, fmt.Sprintf("Wipe failed: %v", err))
			return
		}
		reply(r, "All memory wiped.")

	default:
		reply(r, "Unknown command. Send /help for the list.")
	}
}

func (c *Commander) run(ctx context.Context, command string, r Replier) {
	hooks := RunHooks{
		OnStart: func() { reply(r, fmt.Sprintf("🚀 Starting: %s", command)) },
		OnDone:  func(report agent.RunReport) { reply(r, report.Result) },
	}
	if c.StepUpdates {
		hooks.OnStep = func(u agent.StepUpdate) { reply(r, u.Message) }
	}
	if err := c.Session.Start(ctx, command, hooks); errors.Is(err, ErrBusy) {
		reply(r, "A task is already running. Send /cancel to stop it.")
	}
}

func formatTasks(tasks []store.Task) string {
	if len(tasks) == 0 {
		return "No tasks yet."
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	var sb strings.Builder
	for _, t := range tasks {
		result, _, _ := strings.Cut(t.Result, "\n")
		fmt.Fprintf(&sb, "#%d [%s, %d steps] %s\n  %s\n", t.ID, t.Status, t.StepsTaken, t.Command, result)
	}
	return strings.TrimSpace(sb.String())
}

func reply(r Replier, text string) {
	if err := r.Reply(text); err != nil {
		log.Printf("[Gateway] reply failed: %v", err)
	}
}

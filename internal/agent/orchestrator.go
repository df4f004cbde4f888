package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/phonepilot/internal/observability"
	"github.com/rahul/phonepilot/internal/store"
)

const (
	DefaultMaxSteps    = 15
	DefaultSettleDelay = 1500 * time.Millisecond
)

// Result markers. A task is recorded as completed only when its result
// starts with SuccessMarker.
const (
	SuccessMarker = "✅"
	FailureMarker = "❌"
	WarningMarker = "⚠️"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
)

// Memory is the write side of the store used by a run.
type Memory interface {
	AddMessage(ctx context.Context, role, content, sessionID string) error
	CreateTask(ctx context.Context, command string) (int64, error)
	UpdateTask(ctx context.Context, id int64, status string, steps int, result string) error
}

type PreferenceSource interface {
	AllPreferences(ctx context.Context) (map[string]string, error)
}

type NotificationSource interface {
	RecentNotificationsSummary(ctx context.Context) (string, error)
}

// ObservationProvider captures the current surface state. A nil
// observation means none was available; the run continues text-only.
type ObservationProvider interface {
	CaptureObservation(ctx context.Context) (*Observation, error)
}

// StepUpdate is delivered to the observer once per step.
type StepUpdate struct {
	StepNumber int    `json:"step_number"`
	MaxSteps   int    `json:"max_steps"`
	Screen     string `json:"screen"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	Reason     string `json:"reason"`
	Thinking   string `json:"thinking,omitempty"`
	IsComplete bool   `json:"is_complete"`
	IsFailed   bool   `json:"is_failed"`
	Message    string `json:"message"`
}

// RunOptions configure one Execute call.
type RunOptions struct {
	Credentials Credentials
	MaxSteps    int
	Model       string
	Thinking    bool
	// Cancel is sampled before each step.
	Cancel *CancelToken
}

// RunReport summarizes a finished run.
type RunReport struct {
	TaskID    int64
	SessionID string
	Command   string
	Outcome   Outcome
	Steps     int
	Result    string
}

type OrchestratorConfig struct {
	Gateway       Gateway
	Memory        Memory
	Observer      ObservationProvider
	Router        Dispatcher
	Preferences   PreferenceSource
	Notifications NotificationSource
	Logger        *observability.Logger
}

// Orchestrator drives the observe, decide, act loop. It is not reentrant:
// callers must not start a second run while one is in progress.
type Orchestrator struct {
	gateway       Gateway
	memory        Memory
	observer      ObservationProvider
	router        Dispatcher
	preferences   PreferenceSource
	notifications NotificationSource
	logger        *observability.Logger

	// SettleDelay is waited after each dispatched action so the surface can
	// catch up before the next observation.
	SettleDelay time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		gateway:       cfg.Gateway,
		memory:        cfg.Memory,
		observer:      cfg.Observer,
		router:        cfg.Router,
		preferences:   cfg.Preferences,
		notifications: cfg.Notifications,
		logger:        cfg.Logger,
		SettleDelay:   DefaultSettleDelay,
	}
}

// Execute runs command to a terminal outcome and returns the result text.
func (o *Orchestrator) Execute(ctx context.Context, command string, opts RunOptions, onStep func(StepUpdate)) string {
	return o.Run(ctx, command, opts, onStep).Result
}

// Run is Execute with the full report. It never panics and never returns
// an error: every failure becomes a failed outcome with a result text.
func (o *Orchestrator) Run(ctx context.Context, command string, opts RunOptions, onStep func(StepUpdate)) RunReport {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if onStep == nil {
		onStep = func(StepUpdate) {}
	}

	report := RunReport{
		SessionID: uuid.NewString(),
		Command:   command,
	}

	observability.SetStatus(observability.RoleRunning, command)
	defer observability.SetStatus(observability.RoleIdle, "")

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Agent] run panicked: %v", r)
				report.Outcome = OutcomeFailed
				report.Result = fmt.Sprintf("%s Error during task execution: %v", FailureMarker, r)
			}
		}()
		if err := o.loop(ctx, command, opts, onStep, &report); err != nil {
			log.Printf("[Agent] run error: %v", err)
			report.Outcome = OutcomeFailed
			report.Result = fmt.Sprintf("%s Error during task execution: %v", FailureMarker, err)
		}
	}()

	o.finalize(context.WithoutCancel(ctx), &report)
	return report
}

func (o *Orchestrator) loop(ctx context.Context, command string, opts RunOptions, onStep func(StepUpdate), report *RunReport) error {
	// Run records are written even after cancellation, so a cancelled run
	// still leaves its task row and turns behind.
	writeCtx := context.WithoutCancel(ctx)
	taskID, err := o.memory.CreateTask(writeCtx, command)
	if err != nil {
		return err
	}
	report.TaskID = taskID

	if err := o.memory.AddMessage(writeCtx, store.RoleUser, command, report.SessionID); err != nil {
		return err
	}

	maxSteps := opts.MaxSteps
	for step := 1; step <= maxSteps; step++ {
		if opts.Cancel.Cancelled() || ctx.Err() != nil {
			report.Outcome = OutcomeCancelled
			report.Result = fmt.Sprintf("%s Task cancelled by user after %d steps.", WarningMarker, step-1)
			return nil
		}
		report.Steps = step
		observability.SetStep(step, maxSteps)

		obs := o.observe(ctx, step)
		msg := o.stepMessage(ctx, command, step, maxSteps, obs)

		decision, err := o.gateway.SendMessage(ctx, msg, obs, opts.Credentials, SendOptions{
			Model:    opts.Model,
			Thinking: opts.Thinking,
		})
		if err != nil {
			errMsg := fmt.Sprintf("API error at step %d: %v", step, err)
			onStep(StepUpdate{
				StepNumber: step,
				MaxSteps:   maxSteps,
				Screen:     "Error",
				Action:     ActionFailed,
				Reason:     errMsg,
				IsFailed:   true,
				Message:    errMsg,
			})
			report.Outcome = OutcomeFailed
			report.Result = FailureMarker + " " + errMsg
			return nil
		}

		log.Printf("[Agent] Step %d: action=%s, target=%s", step, decision.Action, decision.Target)
		if err := o.memory.AddMessage(writeCtx, store.RoleAssistant, decision.RawContent, report.SessionID); err != nil {
			return err
		}

		update := StepUpdate{
			StepNumber: step,
			MaxSteps:   maxSteps,
			Screen:     decision.Screen,
			Action:     decision.Action,
			Target:     decision.Target,
			Reason:     decision.Reason,
			Thinking:   decision.Thinking,
			IsComplete: decision.Succeeded(),
			IsFailed:   decision.Failed(),
			Message:    FormatStepMessage(step, decision),
		}
		if o.logger != nil {
			o.logger.LogStep(report.SessionID, report.TaskID, update)
		}
		onStep(update)

		if decision.Failed() {
			report.Outcome = OutcomeFailed
			report.Result = fmt.Sprintf("%s Task failed: %s", FailureMarker, decision.Reason)
			return nil
		}
		if decision.Succeeded() {
			report.Outcome = OutcomeCompleted
			report.Result = fmt.Sprintf("%s Task completed successfully.\n%s", SuccessMarker, decision.Reason)
			return nil
		}

		if o.router != nil {
			o.router.Dispatch(ctx, *decision)
		}

		if step == maxSteps {
			break
		}
		o.settle(ctx)
	}

	report.Outcome = OutcomeBudgetExhausted
	report.Result = fmt.Sprintf("%s Reached maximum steps (%d). Task may be incomplete.", WarningMarker, maxSteps)
	return nil
}

func (o *Orchestrator) observe(ctx context.Context, step int) *Observation {
	if o.observer == nil {
		return nil
	}
	obs, err := o.observer.CaptureObservation(ctx)
	if err != nil {
		log.Printf("[Agent] Step %d: observation failed: %v", step, err)
		return nil
	}
	if obs.hasImage() {
		log.Printf("[Agent] Step %d: screenshot captured (%d chars)", step, len(obs.Image))
	}
	return obs
}

// stepMessage builds the outbound text: a context preamble on step 1, a
// short continuation prompt afterwards.
func (o *Orchestrator) stepMessage(ctx context.Context, command string, step, maxSteps int, obs *Observation) string {
	var sb strings.Builder
	if step == 1 {
		sb.WriteString(o.contextMessage(ctx, command))
	} else {
		fmt.Fprintf(&sb, "Continue with the task. Step %d of %d.", step, maxSteps)
	}
	if obs != nil && !obs.hasImage() && obs.ScreenText != "" {
		sb.WriteString("\nVisible text on screen:\n")
		sb.WriteString(obs.ScreenText)
	}
	return sb.String()
}

func (o *Orchestrator) contextMessage(ctx context.Context, command string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", command)

	if o.preferences != nil {
		prefs, err := o.preferences.AllPreferences(ctx)
		if err != nil {
			log.Printf("[Agent] failed to load preferences: %v", err)
		}
		if line := FormatPreferences(prefs); line != "" {
			sb.WriteString(line + "\n")
		}
	}

	notifications := store.NoNotifications
	if o.notifications != nil {
		summary, err := o.notifications.RecentNotificationsSummary(ctx)
		if err != nil {
			log.Printf("[Agent] failed to load notifications: %v", err)
		} else {
			notifications = summary
		}
	}
	sb.WriteString(strings.TrimRight(notifications, "\n") + "\n")

	sb.WriteString("Please analyze the screenshot and take the first action to complete this task.\n")
	return sb.String()
}

// FormatPreferences renders preferences as "User preferences: k=v, k=v"
// sorted by key, or "" when there are none.
func FormatPreferences(prefs map[string]string) string {
	if len(prefs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+prefs[k])
	}
	return "User preferences: " + strings.Join(pairs, ", ")
}

// FormatStepMessage renders a decision for people following the run.
func FormatStepMessage(step int, d *Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Step %d** — %s\n", step, strings.ToUpper(d.Action))
	fmt.Fprintf(&sb, "📱 Screen: %s\n", d.Screen)
	fmt.Fprintf(&sb, "🎯 Target: %s\n", d.Target)
	fmt.Fprintf(&sb, "💡 Reason: %s\n", d.Reason)
	if d.Text != "" {
		fmt.Fprintf(&sb, "⌨️ Typing: %q\n", d.Text)
	}
	return sb.String()
}

func (o *Orchestrator) settle(ctx context.Context) {
	if o.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(o.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// finalize always runs: it records the task's terminal status and appends
// the result as the run's final assistant turn.
func (o *Orchestrator) finalize(ctx context.Context, report *RunReport) {
	if report.Result == "" {
		report.Outcome = OutcomeFailed
		report.Result = FailureMarker + " Task ended without a result."
	}

	status := store.TaskFailed
	if strings.HasPrefix(report.Result, SuccessMarker) {
		status = store.TaskCompleted
	}

	if report.TaskID > 0 {
		if err := o.memory.UpdateTask(ctx, report.TaskID, status, report.Steps, report.Result); err != nil {
			log.Printf("[Agent] Failed to update task status: %v", err)
		}
	}

	if err := o.memory.AddMessage(ctx, store.RoleAssistant, report.Result, report.SessionID); err != nil {
		log.Printf("[Agent] Failed to save final result: %v", err)
	}

	if o.logger != nil {
		o.logger.LogTask(report.SessionID, report.TaskID, string(report.Outcome), report.Steps, report.Result)
	}
}

package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/phonepilot/internal/store"
)

func newTestOrchestrator(gw Gateway, mem *fakeMemory, obs ObservationProvider, router Dispatcher) *Orchestrator {
	o := NewOrchestrator(OrchestratorConfig{
		Gateway:       gw,
		Memory:        mem,
		Observer:      obs,
		Router:        router,
		Preferences:   mem,
		Notifications: mem,
	})
	o.SettleDelay = 0
	return o
}

func collectSteps(updates *[]StepUpdate) func(StepUpdate) {
	return func(u StepUpdate) { *updates = append(*updates, u) }
}

// assertFinalized checks the run-level invariants every outcome must hold.
func assertFinalized(t *testing.T, mem *fakeMemory, report RunReport) {
	t.Helper()
	task := mem.tasks[report.TaskID]
	require.NotNil(t, task)
	assert.Equal(t, 1, task.updates, "task must be finalized exactly once")
	if strings.HasPrefix(report.Result, SuccessMarker) {
		assert.Equal(t, "completed", task.status)
	} else {
		assert.Equal(t, "failed", task.status)
	}
	assert.Equal(t, report.Result, task.result)

	assistant := mem.assistantTurns()
	require.NotEmpty(t, assistant)
	assert.Equal(t, report.Result, assistant[len(assistant)-1], "last assistant turn is the result")
}

func TestRunCompletes(t *testing.T) {
	gw := &scriptedGateway{replies: []string{
		"SCREEN: Launcher\nACTION: open_app\nPACKAGE: com.android.settings\nREASON: open settings\nCOMPLETE: no",
		"SCREEN: Settings\nACTION: done\nREASON: Settings is open\nCOMPLETE: yes",
	}}
	mem := newFakeMemory()
	auto := &fakeAutomation{}
	o := newTestOrchestrator(gw, mem, &fakeObserver{obs: &Observation{Image: "AAAA"}}, NewActionRouter(auto, nil, nil))

	var updates []StepUpdate
	report := o.Run(context.Background(), "open settings", RunOptions{MaxSteps: 5}, collectSteps(&updates))

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, "✅ Task completed successfully.\nSettings is open", report.Result)
	assert.Equal(t, 2, report.Steps)
	assert.Equal(t, []string{"open:com.android.settings"}, auto.recorded())
	require.Len(t, updates, 2)
	assert.True(t, updates[1].IsComplete)
	assert.Contains(t, updates[0].Message, "**Step 1** — OPEN_APP")
	assertFinalized(t, mem, report)

	// user command, two raw replies, one result
	require.Len(t, mem.turns, 4)
	assert.Equal(t, memTurn{"user", "open settings", report.SessionID}, mem.turns[0])
	assert.Len(t, mem.assistantTurns(), 3)
}

func TestRunStepMessages(t *testing.T) {
	gw := &scriptedGateway{}
	mem := newFakeMemory()
	mem.prefs = map[string]string{"lang": "en", "city": "Pune"}
	mem.notes = "Recent Notifications:\n[now] Mail: hi - there\n"
	o := newTestOrchestrator(gw, mem, &fakeObserver{obs: &Observation{ScreenText: "Wi-Fi\nBluetooth"}}, nil)

	o.Run(context.Background(), "turn off wifi", RunOptions{MaxSteps: 2, Thinking: true}, nil)

	require.Len(t, gw.messages, 2)
	first := gw.messages[0]
	assert.True(t, strings.HasPrefix(first, "Task: turn off wifi\n"))
	assert.Contains(t, first, "User preferences: city=Pune, lang=en")
	assert.Contains(t, first, "Mail: hi - there")
	assert.Contains(t, first, "Visible text on screen:\nWi-Fi\nBluetooth")
	assert.True(t, strings.HasPrefix(gw.messages[1], "Continue with the task. Step 2 of 2."))
	assert.True(t, gw.opts[0].Thinking)
}

func TestRunFailedVerbOverridesComplete(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"ACTION: failed\nREASON: App not installed\nCOMPLETE: yes"}}
	mem := newFakeMemory()
	auto := &fakeAutomation{}
	o := newTestOrchestrator(gw, mem, nil, NewActionRouter(auto, nil, nil))

	var updates []StepUpdate
	report := o.Run(context.Background(), "order pizza", RunOptions{}, collectSteps(&updates))

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "❌ Task failed: App not installed", report.Result)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].IsFailed)
	assert.False(t, updates[0].IsComplete)
	assert.Empty(t, auto.recorded())
	assertFinalized(t, mem, report)
}

func TestRunMissingActionFails(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"SCREEN: something odd"}}
	mem := newFakeMemory()
	report := newTestOrchestrator(gw, mem, nil, nil).Run(context.Background(), "x", RunOptions{}, nil)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "❌ Task failed: No reason provided", report.Result)
}

func TestRunGatewayErrorIsFatal(t *testing.T) {
	gw := &scriptedGateway{errAt: map[int]error{2: protocolErrorf(500, "API error 500: boom")}}
	mem := newFakeMemory()
	o := newTestOrchestrator(gw, mem, nil, nil)

	var updates []StepUpdate
	report := o.Run(context.Background(), "x", RunOptions{MaxSteps: 10}, collectSteps(&updates))

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "❌ API error at step 2: API error 500: boom", report.Result)
	assert.Equal(t, 2, gw.calls())
	require.Len(t, updates, 2)
	assert.True(t, updates[1].IsFailed)
	assert.Contains(t, updates[1].Message, "API error 500: boom")
	assertFinalized(t, mem, report)
}

func TestRunBudgetExhausted(t *testing.T) {
	gw := &scriptedGateway{}
	mem := newFakeMemory()
	auto := &fakeAutomation{}
	o := newTestOrchestrator(gw, mem, nil, NewActionRouter(auto, nil, nil))

	var updates []StepUpdate
	report := o.Run(context.Background(), "scroll forever", RunOptions{MaxSteps: 4}, collectSteps(&updates))

	assert.Equal(t, OutcomeBudgetExhausted, report.Outcome)
	assert.Equal(t, "⚠️ Reached maximum steps (4). Task may be incomplete.", report.Result)
	assert.Equal(t, 4, gw.calls())
	assert.Len(t, updates, 4)
	for _, u := range updates {
		assert.LessOrEqual(t, u.StepNumber, 4)
	}
	assert.Len(t, auto.recorded(), 4)
	assertFinalized(t, mem, report)
}

func TestRunCancelledDuringStepThree(t *testing.T) {
	token := NewCancelToken()
	gw := &scriptedGateway{onCall: func(call int) {
		if call == 3 {
			token.Cancel()
		}
	}}
	mem := newFakeMemory()
	o := newTestOrchestrator(gw, mem, nil, nil)

	report := o.Run(context.Background(), "x", RunOptions{MaxSteps: 15, Cancel: token}, nil)

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Contains(t, report.Result, "3 steps")
	assert.Equal(t, 3, gw.calls(), "no step 4 after cancellation")
	assertFinalized(t, mem, report)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mem := newFakeMemory()
	gw := &scriptedGateway{}

	report := newTestOrchestrator(gw, mem, nil, nil).Run(ctx, "x", RunOptions{}, nil)

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Equal(t, "⚠️ Task cancelled by user after 0 steps.", report.Result)
	assert.Zero(t, gw.calls())
	assertFinalized(t, mem, report)
}

func TestRunCancelledContextWithSQLiteStore(t *testing.T) {
	history, err := store.NewHistoryStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw := &scriptedGateway{}
	o := NewOrchestrator(OrchestratorConfig{
		Gateway:       gw,
		Memory:        history,
		Preferences:   history,
		Notifications: history,
	})
	o.SettleDelay = 0

	report := o.Run(ctx, "open settings", RunOptions{MaxSteps: 3}, nil)

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Equal(t, "⚠️ Task cancelled by user after 0 steps.", report.Result)
	assert.Zero(t, gw.calls())
	require.NotZero(t, report.TaskID)

	bg := context.Background()
	task, err := history.GetTask(bg, report.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, report.Result, task.Result)

	turns, err := history.RecentTurns(bg, store.ContextTurns)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "open settings", turns[0].Content)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
	assert.Equal(t, report.Result, turns[1].Content)
}

func TestRunContextCancelledMidStepKeepsReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &scriptedGateway{onCall: func(call int) { cancel() }}
	mem := newFakeMemory()

	report := newTestOrchestrator(gw, mem, nil, nil).Run(ctx, "x", RunOptions{MaxSteps: 5}, nil)

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Equal(t, "⚠️ Task cancelled by user after 1 steps.", report.Result)
	assert.Len(t, mem.assistantTurns(), 2, "raw reply and result")
	assertFinalized(t, mem, report)
}

type panickingGateway struct{}

func (panickingGateway) SendMessage(ctx context.Context, msg string, obs *Observation, creds Credentials, opts SendOptions) (*Decision, error) {
	panic("nil screenshot")
}

func TestRunRecoversPanics(t *testing.T) {
	mem := newFakeMemory()
	report := newTestOrchestrator(panickingGateway{}, mem, nil, nil).Run(context.Background(), "x", RunOptions{}, nil)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, "❌ Error during task execution: nil screenshot", report.Result)
	assertFinalized(t, mem, report)
}

func TestRunObservationFailureContinuesTextOnly(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"ACTION: done\nREASON: ok"}}
	mem := newFakeMemory()
	o := newTestOrchestrator(gw, mem, &fakeObserver{err: errDevice}, nil)

	report := o.Run(context.Background(), "x", RunOptions{}, nil)

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.Len(t, gw.obs, 1)
	assert.Nil(t, gw.obs[0])
}

func TestExecuteReturnsResult(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"ACTION: done\nREASON: all good"}}
	out := newTestOrchestrator(gw, newFakeMemory(), nil, nil).Execute(context.Background(), "x", RunOptions{}, nil)
	assert.Equal(t, "✅ Task completed successfully.\nall good", out)
}

func TestFormatStepMessage(t *testing.T) {
	d := &Decision{Screen: "Chat", Action: "type", Target: "Message box", Text: "hi", Reason: "reply"}
	msg := FormatStepMessage(3, d)
	assert.Contains(t, msg, "**Step 3** — TYPE")
	assert.Contains(t, msg, "🎯 Target: Message box")
	assert.Contains(t, msg, `⌨️ Typing: "hi"`)
}

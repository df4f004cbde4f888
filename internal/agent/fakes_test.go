package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// scriptedGateway returns replies in order and records what it was sent.
type scriptedGateway struct {
	mu       sync.Mutex
	replies  []string
	errAt    map[int]error
	messages []string
	obs      []*Observation
	opts     []SendOptions
	onCall   func(call int)
}

func (g *scriptedGateway) SendMessage(ctx context.Context, msg string, obs *Observation, creds Credentials, opts SendOptions) (*Decision, error) {
	g.mu.Lock()
	g.messages = append(g.messages, msg)
	g.obs = append(g.obs, obs)
	g.opts = append(g.opts, opts)
	call := len(g.messages)
	hook := g.onCall
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err, ok := g.errAt[call]; ok {
		return nil, err
	}
	raw := "SCREEN: home\nACTION: scroll_down\nTARGET: list\nREASON: keep looking\nCOMPLETE: no"
	if call <= len(g.replies) {
		raw = g.replies[call-1]
	}
	d := ParseDecision(raw)
	return &d, nil
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.messages)
}

type memTurn struct {
	role, content, session string
}

type memTask struct {
	command string
	status  string
	steps   int
	result  string
	updates int
}

type fakeMemory struct {
	mu    sync.Mutex
	turns []memTurn
	tasks map[int64]*memTask
	next  int64
	prefs map[string]string
	notes string
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{tasks: map[int64]*memTask{}}
}

// Writes refuse a done context the way database/sql does.
func (m *fakeMemory) AddMessage(ctx context.Context, role, content, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, memTurn{role, content, sessionID})
	return nil
}

func (m *fakeMemory) CreateTask(ctx context.Context, command string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.tasks[m.next] = &memTask{command: command, status: "running"}
	return m.next, nil
}

func (m *fakeMemory) UpdateTask(ctx context.Context, id int64, status string, steps int, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}
	t.status, t.steps, t.result = status, steps, result
	t.updates++
	return nil
}

func (m *fakeMemory) AllPreferences(ctx context.Context) (map[string]string, error) {
	return m.prefs, nil
}

func (m *fakeMemory) RecentNotificationsSummary(ctx context.Context) (string, error) {
	if m.notes == "" {
		return "No recent notifications.", nil
	}
	return m.notes, nil
}

func (m *fakeMemory) assistantTurns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.turns {
		if t.role == "assistant" {
			out = append(out, t.content)
		}
	}
	return out
}

type fakeObserver struct {
	obs *Observation
	err error
}

func (f *fakeObserver) CaptureObservation(ctx context.Context) (*Observation, error) {
	return f.obs, f.err
}

// fakeAutomation records capability calls. Texts in missingText report
// ErrNoMatch from TapByText.
type fakeAutomation struct {
	mu          sync.Mutex
	calls       []string
	missingText map[string]bool
	failWith    error
	panicOn     string
}

func (f *fakeAutomation) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.panicOn != "" && f.panicOn == call {
		panic("boom")
	}
	return f.failWith
}

func (f *fakeAutomation) TapByText(ctx context.Context, text string) error {
	if err := f.record("text:" + text); err != nil {
		return err
	}
	if f.missingText[text] {
		return ErrNoMatch
	}
	return nil
}

func (f *fakeAutomation) TapByDescription(ctx context.Context, description string) error {
	return f.record("desc:" + description)
}

func (f *fakeAutomation) TapAt(ctx context.Context, x, y float64) error {
	return f.record(fmt.Sprintf("at:%g,%g", x, y))
}

func (f *fakeAutomation) TypeText(ctx context.Context, text string) error {
	return f.record("type:" + text)
}

func (f *fakeAutomation) ScrollUp(ctx context.Context) error   { return f.record("scroll_up") }
func (f *fakeAutomation) ScrollDown(ctx context.Context) error { return f.record("scroll_down") }
func (f *fakeAutomation) SwipeLeft(ctx context.Context) error  { return f.record("swipe_left") }
func (f *fakeAutomation) SwipeRight(ctx context.Context) error { return f.record("swipe_right") }

func (f *fakeAutomation) OpenApp(ctx context.Context, packageName string) error {
	return f.record("open:" + packageName)
}

func (f *fakeAutomation) PressBack(ctx context.Context) error { return f.record("back") }
func (f *fakeAutomation) PressHome(ctx context.Context) error { return f.record("home") }

func (f *fakeAutomation) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errDevice = errors.New("device offline")

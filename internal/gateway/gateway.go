package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/rahul/phonepilot/internal/agent"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = errors.New("a task is already running")

// Runner executes one agent run to completion.
type Runner interface {
	Run(ctx context.Context, command string, opts agent.RunOptions, onStep func(agent.StepUpdate)) agent.RunReport
}

// Session allows a single agent run at a time and owns its cancel token.
type Session struct {
	Runner  Runner
	Options agent.RunOptions

	mu      sync.Mutex
	running bool
	cancel  *agent.CancelToken
	wg      sync.WaitGroup
}

func NewSession(runner Runner, opts agent.RunOptions) *Session {
	return &Session{Runner: runner, Options: opts}
}

// RunHooks observe a background run. All are optional and are called from
// the run's goroutine.
type RunHooks struct {
	OnStart func()
	OnStep  func(agent.StepUpdate)
	OnDone  func(agent.RunReport)
}

// Start launches command in the background.
func (s *Session) Start(ctx context.Context, command string, hooks RunHooks) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	s.running = true
	token := agent.NewCancelToken()
	s.cancel = token
	s.mu.Unlock()

	opts := s.Options
	opts.Cancel = token

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if hooks.OnStart != nil {
			hooks.OnStart()
		}
		report := s.Runner.Run(ctx, command, opts, hooks.OnStep)

		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()

		if hooks.OnDone != nil {
			hooks.OnDone(report)
		}
	}()
	return nil
}

// Cancel requests cancellation of the active run. It reports whether a run
// was active.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cancel.Cancel()
	return true
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the active run, if any, has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Notifiers fans an alert out to every configured sink.
type Notifiers []agent.Notifier

func (n Notifiers) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.Notify(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeStep        EventType = "step"
	EventTypeAction      EventType = "action"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeTask        EventType = "task"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeAlert       EventType = "alert"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	Out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return NewLoggerAt("logs")
}

// NewLoggerAt writes LLM exchanges under dir.
func NewLoggerAt(dir string) *Logger {
	return &Logger{
		Out:        os.Stdout,
		llmLogPath: filepath.Join(dir, "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to Out.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Fprintf(l.Out, "{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintln(l.Out, string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogStep(sessionID string, taskID int64, update any) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		TaskID:    taskID,
		Data:      update,
	})
}

func (l *Logger) LogAction(action, capability, status, target string, err error) {
	data := map[string]string{
		"action":     action,
		"capability": capability,
		"status":     status,
		"target":     target,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.Log(Event{Type: EventTypeAction, Data: data})
}

func (l *Logger) LogPolicyCheck(action, effect, reason string) {
	l.Log(Event{
		Type: EventTypePolicyCheck,
		Data: map[string]string{
			"action": action,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogTask(sessionID string, taskID int64, outcome string, steps int, result string) {
	l.Log(Event{
		Type:      EventTypeTask,
		SessionID: sessionID,
		TaskID:    taskID,
		Data: map[string]any{
			"outcome": outcome,
			"steps":   steps,
			"result":  result,
		},
	})
}

func (l *Logger) LogHeartbeat(scheduledTasks int, alert bool) {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]any{
			"status":          "alive",
			"scheduled_tasks": scheduledTasks,
			"alert":           alert,
		},
	})
}

func (l *Logger) LogAlert(text string) {
	l.Log(Event{
		Type: EventTypeAlert,
		Data: map[string]string{"text": text},
	})
}

func (l *Logger) LogLLM(sessionID string, prompt any, response string) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}

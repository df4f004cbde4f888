package observability

import (
	"sync"
	"time"
)

type Role string

const (
	RoleIdle      Role = "IDLE"
	RoleRunning   Role = "RUNNING"
	RoleHeartbeat Role = "HEARTBEAT"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentRole   Role
	ActiveTask    string
	Step          int
	MaxSteps      int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentRole:   RoleIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(role Role, task string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentRole = role
	globalStatus.ActiveTask = task
	globalStatus.Step, globalStatus.MaxSteps = 0, 0
}

// SetStatusIfIdle claims the status for role only when nothing else holds it.
func SetStatusIfIdle(role Role, task string) bool {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.CurrentRole != RoleIdle {
		return false
	}
	globalStatus.CurrentRole = role
	globalStatus.ActiveTask = task
	globalStatus.Step, globalStatus.MaxSteps = 0, 0
	return true
}

// ReleaseStatus returns to idle if role still holds the status.
func ReleaseStatus(role Role) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.CurrentRole != role {
		return
	}
	globalStatus.CurrentRole = RoleIdle
	globalStatus.ActiveTask = ""
	globalStatus.Step, globalStatus.MaxSteps = 0, 0
}

// SetStep records progress of the running task.
func SetStep(step, maxSteps int) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.Step = step
	globalStatus.MaxSteps = maxSteps
}

// StepProgress returns the current step and budget, zero when idle.
func StepProgress() (int, int) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.Step, globalStatus.MaxSteps
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (Role, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentRole, globalStatus.ActiveTask, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}

package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rahul/phonepilot/internal/agent"
)

// ScreenshotArchive wraps an observation provider and keeps a copy of
// every captured screenshot under Root, one directory per day.
type ScreenshotArchive struct {
	Inner agent.ObservationProvider
	Root  string

	mu  sync.Mutex
	seq int
	now func() time.Time
}

func NewScreenshotArchive(inner agent.ObservationProvider, root string) *ScreenshotArchive {
	absRoot, _ := filepath.Abs(root)
	return &ScreenshotArchive{Inner: inner, Root: absRoot, now: time.Now}
}

// CaptureObservation passes the observation through unchanged. Archive
// failures are logged and never fail the capture.
func (s *ScreenshotArchive) CaptureObservation(ctx context.Context) (*agent.Observation, error) {
	obs, err := s.Inner.CaptureObservation(ctx)
	if err != nil || obs == nil || obs.Image == "" {
		return obs, err
	}
	if path, saveErr := s.save(obs.Image); saveErr != nil {
		log.Printf("[Archive] failed to save screenshot: %v", saveErr)
	} else {
		log.Printf("[Archive] screenshot saved to %s", path)
	}
	return obs, nil
}

func (s *ScreenshotArchive) save(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid screenshot encoding: %w", err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	now := s.now()
	s.mu.Unlock()

	dir := filepath.Join(s.Root, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot_%s_%04d.png", now.Format("150405"), seq))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

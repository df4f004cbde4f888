package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/phonepilot/internal/agent"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">
<node index="0" text="" content-desc="" bounds="[0,0][1080,2340]">
  <node index="0" text="Settings" content-desc="" bounds="[100,200][300,400]" />
  <node index="1" text="" content-desc="Search apps" bounds="[500,100][700,180]">
    <node index="0" text="Wi-Fi" content-desc="" bounds="[0,1000][1080,1100]" />
  </node>
</node>
</hierarchy>UI hierchary dumped to: /dev/tty`

type fakeADB struct {
	mu    sync.Mutex
	calls []string
	reply map[string][]byte
	fail  map[string]error
}

func (f *fakeADB) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(args, " ")
	f.calls = append(f.calls, line)
	for prefix, err := range f.fail {
		if strings.Contains(line, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.reply {
		if strings.Contains(line, prefix) {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeADB) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newFakeSurface(f *fakeADB) *ADBSurface {
	s := NewADBSurface("", "emulator-5554")
	s.Run = f.run
	return s
}

func TestParseHierarchy(t *testing.T) {
	root, err := parseHierarchy([]byte(sampleDump))
	require.NoError(t, err)

	var texts []string
	root.walk(func(n *uiNode) bool {
		if n.Text != "" {
			texts = append(texts, n.Text)
		}
		return false
	})
	assert.Equal(t, []string{"Settings", "Wi-Fi"}, texts)
}

func TestNodeCenter(t *testing.T) {
	n := uiNode{Bounds: "[100,200][300,400]"}
	x, y, ok := n.center()
	require.True(t, ok)
	assert.Equal(t, 200, x)
	assert.Equal(t, 300, y)

	_, _, ok = (&uiNode{}).center()
	assert.False(t, ok)
}

func TestADBTapByText(t *testing.T) {
	f := &fakeADB{reply: map[string][]byte{"uiautomator": []byte(sampleDump)}}
	s := newFakeSurface(f)

	require.NoError(t, s.TapByText(context.Background(), "wi-fi"))
	assert.Equal(t, "-s emulator-5554 shell input tap 540 1050", f.last())
}

func TestADBTapByDescriptionNoMatch(t *testing.T) {
	f := &fakeADB{reply: map[string][]byte{"uiautomator": []byte(sampleDump)}}
	s := newFakeSurface(f)

	err := s.TapByDescription(context.Background(), "Bluetooth")
	assert.ErrorIs(t, err, agent.ErrNoMatch)

	require.NoError(t, s.TapByDescription(context.Background(), "search"))
	assert.Equal(t, "-s emulator-5554 shell input tap 600 140", f.last())
}

func TestADBCaptureObservation(t *testing.T) {
	f := &fakeADB{reply: map[string][]byte{"screencap": []byte("PNGDATA")}}
	s := newFakeSurface(f)

	obs, err := s.CaptureObservation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("PNGDATA")), obs.Image)
}

func TestADBCaptureObservationFallsBackToText(t *testing.T) {
	f := &fakeADB{
		reply: map[string][]byte{"uiautomator": []byte(sampleDump)},
		fail:  map[string]error{"screencap": errors.New("device offline")},
	}
	s := newFakeSurface(f)

	obs, err := s.CaptureObservation(context.Background())
	require.NoError(t, err)
	assert.Empty(t, obs.Image)
	assert.Equal(t, "Settings\nSearch apps\nWi-Fi", obs.ScreenText)
}

func TestADBScrollUsesScreenSize(t *testing.T) {
	f := &fakeADB{reply: map[string][]byte{
		"wm size": []byte("Physical size: 1080x2400\nOverride size: 720x1600\n"),
	}}
	s := newFakeSurface(f)

	require.NoError(t, s.ScrollDown(context.Background()))
	assert.Equal(t, "-s emulator-5554 shell input swipe 360 1120 360 480 300", f.last())
}

func TestADBOpenAppMissingPackage(t *testing.T) {
	f := &fakeADB{reply: map[string][]byte{
		"monkey": []byte("** No activities found to run, monkey aborted."),
	}}
	s := newFakeSurface(f)

	err := s.OpenApp(context.Background(), "com.example.none")
	assert.ErrorIs(t, err, agent.ErrNoMatch)
}

func TestEscapeInputText(t *testing.T) {
	assert.Equal(t, "hello%sworld", escapeInputText("hello world"))
	assert.Equal(t, `it\'s%s\$5`, escapeInputText("it's $5"))
}

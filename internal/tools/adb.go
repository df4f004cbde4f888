package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rahul/phonepilot/internal/agent"
)

// CommandRunner runs an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return nil, fmt.Errorf("%s is not installed or not on PATH", name)
		}
		return out, fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ADBSurface drives an Android device through the adb command line. It
// provides both observations (screencap, UI hierarchy text) and the
// capability set used by the action router.
type ADBSurface struct {
	ADBPath string
	Serial  string
	Run     CommandRunner

	mu            sync.Mutex
	width, height int
}

func NewADBSurface(adbPath, serial string) *ADBSurface {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADBSurface{ADBPath: adbPath, Serial: serial, Run: execRunner}
}

func (a *ADBSurface) adb(ctx context.Context, args ...string) ([]byte, error) {
	if a.Serial != "" {
		args = append([]string{"-s", a.Serial}, args...)
	}
	return a.Run(ctx, a.ADBPath, args...)
}

func (a *ADBSurface) shell(ctx context.Context, args ...string) (string, error) {
	out, err := a.adb(ctx, append([]string{"shell"}, args...)...)
	return strings.TrimSpace(string(out)), err
}

// CaptureObservation grabs a PNG screenshot. When the screenshot fails the
// visible UI text is returned instead so the loop can continue text-only.
func (a *ADBSurface) CaptureObservation(ctx context.Context) (*agent.Observation, error) {
	png, err := a.adb(ctx, "exec-out", "screencap", "-p")
	if err == nil && len(png) > 0 {
		return &agent.Observation{Image: base64.StdEncoding.EncodeToString(png)}, nil
	}

	text, textErr := a.DescribeScreen(ctx)
	if textErr != nil {
		return nil, fmt.Errorf("screencap failed: %v; ui dump failed: %w", err, textErr)
	}
	return &agent.Observation{ScreenText: text}, nil
}

// DescribeScreen lists every text and content description on screen.
func (a *ADBSurface) DescribeScreen(ctx context.Context) (string, error) {
	root, err := a.dump(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	root.walk(func(n *uiNode) bool {
		if n.Text != "" {
			sb.WriteString(n.Text + "\n")
		}
		if n.ContentDesc != "" {
			sb.WriteString(n.ContentDesc + "\n")
		}
		return false
	})
	return strings.TrimSpace(sb.String()), nil
}

func (a *ADBSurface) TapByText(ctx context.Context, text string) error {
	return a.tapNode(ctx, func(n *uiNode) bool { return containsFold(n.Text, text) })
}

func (a *ADBSurface) TapByDescription(ctx context.Context, description string) error {
	return a.tapNode(ctx, func(n *uiNode) bool { return containsFold(n.ContentDesc, description) })
}

func (a *ADBSurface) TapAt(ctx context.Context, x, y float64) error {
	_, err := a.shell(ctx, "input", "tap", itoa(x), itoa(y))
	return err
}

func (a *ADBSurface) TypeText(ctx context.Context, text string) error {
	_, err := a.shell(ctx, "input", "text", escapeInputText(text))
	return err
}

func (a *ADBSurface) ScrollDown(ctx context.Context) error {
	w, h := a.screenSize(ctx)
	return a.swipe(ctx, w/2, h*7/10, w/2, h*3/10)
}

func (a *ADBSurface) ScrollUp(ctx context.Context) error {
	w, h := a.screenSize(ctx)
	return a.swipe(ctx, w/2, h*3/10, w/2, h*7/10)
}

func (a *ADBSurface) SwipeLeft(ctx context.Context) error {
	w, h := a.screenSize(ctx)
	return a.swipe(ctx, w*8/10, h/2, w*2/10, h/2)
}

func (a *ADBSurface) SwipeRight(ctx context.Context) error {
	w, h := a.screenSize(ctx)
	return a.swipe(ctx, w*2/10, h/2, w*8/10, h/2)
}

func (a *ADBSurface) OpenApp(ctx context.Context, packageName string) error {
	out, err := a.shell(ctx, "monkey", "-p", packageName, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if strings.Contains(out, "No activities found") {
		return fmt.Errorf("package %s: %w", packageName, agent.ErrNoMatch)
	}
	return nil
}

func (a *ADBSurface) PressBack(ctx context.Context) error {
	_, err := a.shell(ctx, "input", "keyevent", "KEYCODE_BACK")
	return err
}

func (a *ADBSurface) PressHome(ctx context.Context) error {
	_, err := a.shell(ctx, "input", "keyevent", "KEYCODE_HOME")
	return err
}

func (a *ADBSurface) swipe(ctx context.Context, x1, y1, x2, y2 int) error {
	_, err := a.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), "300")
	return err
}

var wmSizeRe = regexp.MustCompile(`(\d+)x(\d+)`)

// screenSize asks the device once and falls back to 1080x2340.
func (a *ADBSurface) screenSize(ctx context.Context) (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.width > 0 {
		return a.width, a.height
	}
	a.width, a.height = 1080, 2340
	out, err := a.shell(ctx, "wm", "size")
	if err != nil {
		return a.width, a.height
	}
	// "Override size" comes last when present and wins.
	matches := wmSizeRe.FindAllStringSubmatch(out, -1)
	if len(matches) > 0 {
		m := matches[len(matches)-1]
		a.width, _ = strconv.Atoi(m[1])
		a.height, _ = strconv.Atoi(m[2])
	}
	return a.width, a.height
}

func (a *ADBSurface) tapNode(ctx context.Context, match func(*uiNode) bool) error {
	root, err := a.dump(ctx)
	if err != nil {
		return err
	}
	var found *uiNode
	root.walk(func(n *uiNode) bool {
		if match(n) {
			found = n
			return true
		}
		return false
	})
	if found == nil {
		return agent.ErrNoMatch
	}
	x, y, ok := found.center()
	if !ok {
		return fmt.Errorf("node has no bounds: %w", agent.ErrNoMatch)
	}
	_, err = a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (a *ADBSurface) dump(ctx context.Context) (*uiNode, error) {
	out, err := a.adb(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, err
	}
	return parseHierarchy(out)
}

// uiNode mirrors a <node> element of a uiautomator dump.
type uiNode struct {
	Text        string   `xml:"text,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Children    []uiNode `xml:"node"`
}

type uiHierarchy struct {
	Nodes []uiNode `xml:"node"`
}

// parseHierarchy decodes the dump, ignoring the trailer adb prints after
// the closing tag.
func parseHierarchy(data []byte) (*uiNode, error) {
	if i := bytes.LastIndexByte(data, '>'); i >= 0 {
		data = data[:i+1]
	}
	var h uiHierarchy
	if err := xml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse ui hierarchy: %w", err)
	}
	return &uiNode{Children: h.Nodes}, nil
}

// walk visits nodes depth-first until visit returns true.
func (n *uiNode) walk(visit func(*uiNode) bool) bool {
	if visit(n) {
		return true
	}
	for i := range n.Children {
		if n.Children[i].walk(visit) {
			return true
		}
	}
	return false
}

var boundsRe = regexp.MustCompile(`\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)

func (n *uiNode) center() (int, int, bool) {
	m := boundsRe.FindStringSubmatch(n.Bounds)
	if m == nil {
		return 0, 0, false
	}
	v := make([]int, 4)
	for i := range v {
		v[i], _ = strconv.Atoi(m[i+1])
	}
	return (v[0] + v[2]) / 2, (v[1] + v[3]) / 2, true
}

func containsFold(s, sub string) bool {
	if s == "" || sub == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func itoa(f float64) string {
	return strconv.Itoa(int(f))
}

// escapeInputText prepares text for "input text", which treats %s as a
// space and runs through the device shell.
func escapeInputText(text string) string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			sb.WriteString("%s")
		case strings.ContainsRune(`()<>|;&*\~"'$`+"`", r):
			sb.WriteRune('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

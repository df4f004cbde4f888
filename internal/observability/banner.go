package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

// Terminal layout: banner on rows 1-9, dashboard on statusRow, logs scroll from logRow.
const (
	statusRow = 10
	logRow    = 12
	taskWidth = 25
	barWidth  = 15
)

var (
	spinnerFrames = []string{"◜", "◝", "◞", "◟"}
	spinnerIdx    int
)

// termMu serializes all terminal output so a log write never lands between
// the dashboard's cursor save and restore.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer for log.SetOutput that shares the
// dashboard's terminal lock.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

func PrintBanner() {
	fmt.Print("\033[2J\033[H")

	banner := `
    ___  __ ______  _  ______  ___  ______  ____
   / _ \/ // / __ \/ |/ / __/ / _ \/  _/ / / __ \/_  __/
  / ___/ _  / /_/ /    / _/  / ___// // /_/ /_/ / / /
 /_/  /_//_/\____/_/|_/___/ /_/  /___/____\____/ /_/

        >> OBSERVE . DECIDE . ACT <<
`

	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := clamp((width-len([]rune(l)))/2, 0, width)
		fmt.Printf("%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
	}
}

func InitializeTerminal() {
	fmt.Printf("\033[%d;r", logRow)
	fmt.Printf("\033[%d;1H", logRow)
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// pulse grades the liveness heartbeat by its age.
func pulse(lastHB time.Time) (icon, label, color string) {
	switch delta := time.Since(lastHB); {
	case delta < 40*time.Second:
		return "🟢", "HEALTHY", colorNeonCyan
	case delta < 90*time.Second:
		return "🟡", "LAGGING", colorPurple
	default:
		return "🔴", "OFFLINE", colorNeonMag
	}
}

func roleBadge(role Role) (icon, color string) {
	switch role {
	case RoleRunning:
		return "📱", colorNeonCyan
	case RoleHeartbeat:
		return "💓", colorNeonMag
	default:
		return "💤", colorReset
	}
}

func taskLabel(task string) string {
	if task == "" {
		return "Waiting..."
	}
	if r := []rune(task); len(r) > taskWidth {
		return string(r[:taskWidth-3]) + "..."
	}
	return task
}

// progressBar renders done/total, falling back to heap usage when no run is active.
func progressBar(done, total int, heapRatio float64) (string, string) {
	ratio := heapRatio
	color := colorNeonCyan
	if total > 0 {
		ratio = float64(done) / float64(total)
	} else if heapRatio > 0.7 {
		color = colorNeonMag
	}
	filled := clamp(int(ratio*barWidth), 0, barWidth)
	return strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled), color
}

func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memMB := float64(m.Alloc) / 1024 / 1024
	heapRatio := 0.0
	if m.Sys > 0 {
		heapRatio = float64(m.Alloc) / float64(m.Sys)
	}

	role, task, lastHB := GetStatus()
	step, maxSteps := StepProgress()

	pulseIcon, pulseText, pulseColor := pulse(lastHB)
	icon, roleColor := roleBadge(role)

	spinner := " "
	if role != RoleIdle {
		spinner = spinnerFrames[spinnerIdx]
		spinnerIdx = (spinnerIdx + 1) % len(spinnerFrames)
	}

	label := taskLabel(task)
	if maxSteps > 0 {
		label = fmt.Sprintf("%s (%d/%d)", label, step, maxSteps)
	}
	bar, barColor := progressBar(step, maxSteps, heapRatio)

	line := fmt.Sprintf(
		"\033[s\033[%d;1H\033[K[%s] %s%s %-8s%s | %s%s %-9s%s [%s] %s%s%s [%v] [%s%s%s %.1fMB]\033[u",
		statusRow,
		lastHB.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		roleColor, icon, role, colorReset,
		label,
		colorPurple, spinner, colorReset,
		time.Since(startTime).Round(time.Second),
		barColor, bar, colorReset, memMB,
	)

	termMu.Lock()
	fmt.Print(line)
	termMu.Unlock()
}

package agent

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SystemPrompt documents the reply grammar, the action vocabulary and how
// to estimate coordinates. It is always the first message of a request.
const SystemPrompt = `You are PhoneAgent, an autonomous AI agent controlling an Android phone. You can see the phone screen through screenshots and control the phone by deciding what actions to take. Your job is to complete tasks given by the user by analyzing the screen and taking precise actions one step at a time.

Always respond in EXACTLY this format with no deviation:
SCREEN: [what is currently visible on screen]
ACTION: [one of: tap, type, scroll_up, scroll_down, swipe_left, swipe_right, open_app, press_back, press_home, done, failed]
TARGET: [description of the exact UI element to interact with, or coordinates like (540, 1200)]
TEXT: [text to type if action is type, otherwise null]
PACKAGE: [app package name if action is open_app, otherwise null]
REASON: [why this action is being taken]
COMPLETE: [yes or no]

Be precise about which element to tap. If you cannot see the element needed, scroll to find it. If a task is impossible, say so clearly with ACTION: failed. Think carefully before each action. You have memory of past conversations and user preferences. You are helpful, efficient, and honest.

For coordinates, estimate them based on typical Android screen layout (1080x2340 or similar). Common positions:
- Status bar: top 50px
- Navigation bar: bottom 100px
- Center of screen: approximately (540, 1170)`

// PromptManager appends optional markdown guidance from a directory to the
// fixed system prompt.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetSystemPrompt returns SystemPrompt followed by every .md file in the
// directory. A missing or unreadable directory yields SystemPrompt alone.
func (pm *PromptManager) GetSystemPrompt() string {
	if pm == nil || pm.Directory == "" {
		return SystemPrompt
	}

	files, err := os.ReadDir(pm.Directory)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Failed to read prompts directory: %v", err)
		}
		return SystemPrompt
	}

	order := map[string]int{
		"identity.md": 1,
		"device.md":   2,
		"apps.md":     3,
		"user.md":     4,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	contents := []string{SystemPrompt}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			contents = append(contents, s)
		}
	}

	return strings.Join(contents, "\n\n---\n\n")
}

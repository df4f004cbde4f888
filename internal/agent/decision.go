package agent

import (
	"regexp"
	"strings"
)

// Action verbs the model may answer with.
const (
	ActionTap        = "tap"
	ActionType       = "type"
	ActionScrollUp   = "scroll_up"
	ActionScrollDown = "scroll_down"
	ActionSwipeLeft  = "swipe_left"
	ActionSwipeRight = "swipe_right"
	ActionOpenApp    = "open_app"
	ActionPressBack  = "press_back"
	ActionPressHome  = "press_home"
	ActionDone       = "done"
	ActionFailed     = "failed"
)

// Placeholders used when the reply leaves a field blank.
const (
	DefaultScreen = "Unable to parse screen description"
	DefaultReason = "No reason provided"
)

// Reply field labels. Each must start a line and be followed by a colon.
const (
	FieldScreen   = "SCREEN"
	FieldAction   = "ACTION"
	FieldTarget   = "TARGET"
	FieldText     = "TEXT"
	FieldPackage  = "PACKAGE"
	FieldReason   = "REASON"
	FieldComplete = "COMPLETE"
)

var replyFields = []string{FieldScreen, FieldAction, FieldTarget, FieldText, FieldPackage, FieldReason, FieldComplete}

var thinkRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// Decision is the parsed reply for one step. Text and PackageName are
// empty when the model answered "null" or left them out.
type Decision struct {
	Screen      string `json:"screen"`
	Action      string `json:"action"`
	Target      string `json:"target"`
	Text        string `json:"text,omitempty"`
	PackageName string `json:"package_name,omitempty"`
	Reason      string `json:"reason"`
	IsComplete  bool   `json:"is_complete"`
	RawContent  string `json:"raw_content"`
	Thinking    string `json:"thinking,omitempty"`
}

// Succeeded reports a success-terminal decision. An explicit failed verb wins
// over the completion flag.
func (d *Decision) Succeeded() bool {
	return !d.Failed() && (d.IsComplete || d.Action == ActionDone)
}

func (d *Decision) Failed() bool {
	return d.Action == ActionFailed
}

// Terminal reports whether the run must stop after this decision.
func (d *Decision) Terminal() bool {
	return d.Succeeded() || d.Failed()
}

// ParseDecision turns a raw model reply into a Decision.
//
// The first <think>...</think> block becomes the Thinking trace and every
// such block is removed before fields are read. Fields are then read line by
// line: for each label only the first line starting with "LABEL:" counts and
// its value is the trimmed remainder of that one line. A value that
// continues onto following lines is truncated, and later lines carrying the
// same label or other colons are ignored.
func ParseDecision(raw string) Decision {
	thinking := ""
	if m := thinkRe.FindStringSubmatch(raw); m != nil {
		thinking = strings.TrimSpace(m[1])
	}
	clean := strings.TrimSpace(thinkRe.ReplaceAllString(raw, ""))

	fields := scanFields(clean)

	d := Decision{
		Screen:      fields[FieldScreen],
		Action:      strings.ToLower(strings.TrimSpace(fields[FieldAction])),
		Target:      fields[FieldTarget],
		Text:        nullable(fields[FieldText]),
		PackageName: nullable(fields[FieldPackage]),
		Reason:      fields[FieldReason],
		IsComplete:  strings.EqualFold(fields[FieldComplete], "yes"),
		RawContent:  raw,
		Thinking:    thinking,
	}
	if d.Screen == "" {
		d.Screen = DefaultScreen
	}
	if d.Action == "" {
		d.Action = ActionFailed
	}
	if d.Reason == "" {
		d.Reason = DefaultReason
	}
	return d
}

func scanFields(content string) map[string]string {
	found := make(map[string]string, len(replyFields))
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		for _, label := range replyFields {
			if _, ok := found[label]; ok {
				continue
			}
			if rest, ok := strings.CutPrefix(line, label+":"); ok {
				found[label] = strings.TrimSpace(rest)
				break
			}
		}
	}
	return found
}

func nullable(v string) string {
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

// Package classify converts raw agent output into structured activity
// records. Classification is pure text processing: ordered pattern rules
// plus a generic fallback, no I/O and no failure modes.
package classify

import (
	"regexp"
	"strings"
	"time"

	"conductor/internal/domain"
)

// Activity types emitted by the rules, most specific first. "response"
// is the fallback for text no rule recognizes.
const (
	TypeCommandExecution = "command_execution"
	TypeFileRead         = "file_read"
	TypeFileWrite        = "file_write"
	TypeFileEdit         = "file_edit"
	TypeContentSearch    = "content_search"
	TypePathSearch       = "path_search"
	TypeToolUse          = "tool_use"
	TypeError            = "error"
	TypeProgress         = "progress"
	TypeResponse         = "response"
)

// maxResponseLen bounds the fallback description.
const maxResponseLen = 200

// TimeLayout is fixed-width so activity timestamps compare correctly as
// strings; RFC3339Nano trims trailing zeros and would not.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// rule recognizes one kind of agent-reported action. Each rule scans the
// whole text independently, so one message can produce several activities
// across rules and several per rule.
type rule struct {
	activityType string
	pattern      *regexp.Regexp
	label        string
	detailKey    string
}

func (r rule) tryMatch(text string) []domain.Activity {
	var out []domain.Activity
	for _, m := range r.pattern.FindAllStringSubmatch(text, -1) {
		value := strings.TrimSpace(m[1])
		a := domain.Activity{
			Type:        r.activityType,
			Description: r.label + ": " + value,
		}
		if r.detailKey != "" {
			a.Details = map[string]string{r.detailKey: value}
		}
		out = append(out, a)
	}
	return out
}

var rules = []rule{
	{TypeCommandExecution, regexp.MustCompile("Running command: `([^`]+)`"), "Running command", "command"},
	{TypeFileRead, regexp.MustCompile("Reading file: `([^`]+)`"), "Reading file", "path"},
	{TypeFileWrite, regexp.MustCompile("Writing file: `([^`]+)`"), "Writing file", "path"},
	{TypeFileEdit, regexp.MustCompile("Editing file: `([^`]+)`"), "Editing file", "path"},
	{TypeContentSearch, regexp.MustCompile("Searching for: `([^`]+)`"), "Searching content", "pattern"},
	{TypePathSearch, regexp.MustCompile("Finding files: `([^`]+)`"), "Finding files", "pattern"},
	{TypeToolUse, regexp.MustCompile("Using tool: `([^`]+)`"), "Using tool", "tool"},
	{TypeError, regexp.MustCompile(`(?m)^(?:❌ )?Error: (.+)$`), "Error", "message"},
	{TypeProgress, regexp.MustCompile(`(?m)^(?:⏳ )?Progress: (.+)$`), "Progress", "status"},
}

// Classify converts one raw message into zero or more activities. Empty
// or whitespace-only input yields none; unrecognized text yields exactly
// one fallback activity. Identical input always yields identical output.
func Classify(raw string, ts time.Time) []domain.Activity {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	stamp := ts.UTC().Format(TimeLayout)

	var out []domain.Activity
	for _, r := range rules {
		out = append(out, r.tryMatch(text)...)
	}
	if len(out) == 0 {
		out = append(out, domain.Activity{
			Type:        TypeResponse,
			Description: truncate(text, maxResponseLen),
		})
	}
	for i := range out {
		out[i].TS = stamp
	}
	return out
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

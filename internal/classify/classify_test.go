package classify

import (
	"strings"
	"testing"
	"time"
)

var testTS = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

func TestClassifyCommandExecution(t *testing.T) {
	acts := Classify("Running command: `git status`", testTS)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	a := acts[0]
	if a.Type != TypeCommandExecution {
		t.Fatalf("type = %q, want %q", a.Type, TypeCommandExecution)
	}
	if a.Details["command"] != "git status" {
		t.Fatalf("command = %q, want %q", a.Details["command"], "git status")
	}
}

func TestClassifyFileRead(t *testing.T) {
	acts := Classify("Reading file: `src/main.py`", testTS)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	if acts[0].Type != TypeFileRead {
		t.Fatalf("type = %q, want %q", acts[0].Type, TypeFileRead)
	}
	if acts[0].Details["path"] != "src/main.py" {
		t.Fatalf("path = %q, want %q", acts[0].Details["path"], "src/main.py")
	}
}

func TestClassifyMultiplePatternsInOneMessage(t *testing.T) {
	raw := "Reading file: `go.mod`\n" +
		"Running command: `go vet ./...`\n" +
		"Error: undeclared name: frobnicate"
	acts := Classify(raw, testTS)
	if len(acts) != 3 {
		t.Fatalf("got %d activities, want 3", len(acts))
	}
	types := map[string]bool{}
	for _, a := range acts {
		types[a.Type] = true
	}
	for _, want := range []string{TypeFileRead, TypeCommandExecution, TypeError} {
		if !types[want] {
			t.Fatalf("missing activity type %q in %v", want, types)
		}
	}
}

func TestClassifyRepeatedPattern(t *testing.T) {
	raw := "Reading file: `a.go`\nReading file: `b.go`"
	acts := Classify(raw, testTS)
	if len(acts) != 2 {
		t.Fatalf("got %d activities, want 2", len(acts))
	}
	if acts[0].Details["path"] != "a.go" || acts[1].Details["path"] != "b.go" {
		t.Fatalf("paths = %q, %q", acts[0].Details["path"], acts[1].Details["path"])
	}
}

func TestClassifyBlankInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t\n"} {
		if acts := Classify(in, testTS); len(acts) != 0 {
			t.Fatalf("Classify(%q) = %d activities, want 0", in, len(acts))
		}
	}
}

func TestClassifyFallbackResponse(t *testing.T) {
	acts := Classify("I analyzed the codebase and found three modules.", testTS)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	if acts[0].Type != TypeResponse {
		t.Fatalf("type = %q, want %q", acts[0].Type, TypeResponse)
	}
	if acts[0].Description != "I analyzed the codebase and found three modules." {
		t.Fatalf("description = %q", acts[0].Description)
	}
}

func TestClassifyFallbackTruncation(t *testing.T) {
	long := strings.Repeat("x", maxResponseLen+50)
	acts := Classify(long, testTS)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	desc := acts[0].Description
	if !strings.HasSuffix(desc, "…") {
		t.Fatalf("description not truncated: %q", desc[len(desc)-10:])
	}
	if n := len([]rune(desc)); n != maxResponseLen+1 {
		t.Fatalf("truncated length = %d, want %d", n, maxResponseLen+1)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	raw := "Running command: `make test`\nProgress: 2 of 5 tasks done"
	first := Classify(raw, testTS)
	second := Classify(raw, testTS)
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Type != second[i].Type || first[i].Description != second[i].Description {
			t.Fatalf("activity %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestClassifyTimestampApplied(t *testing.T) {
	acts := Classify("Using tool: `linter`", testTS)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	if acts[0].TS != testTS.Format(TimeLayout) {
		t.Fatalf("ts = %q", acts[0].TS)
	}
}

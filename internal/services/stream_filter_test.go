package services

import (
	"strings"
	"testing"
)

// runChunks feeds the chunks through a fresh filter and returns everything
// emitted including the final flush.
func runChunks(chunks ...string) string {
	f := NewStreamFilter()
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(f.Feed(c))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestFilterPassesPlainTextUnchanged(t *testing.T) {
	inputs := []string{
		"",
		"hi",
		"Your leave request was approved.",
		"line one\nline two\n",
		"angle < brackets > and [square] brackets but no markers",
	}
	for _, input := range inputs {
		if got := runChunks(input); got != input {
			t.Errorf("runChunks(%q) = %q, want unchanged", input, got)
		}
	}
}

// Plain text must survive any chunking of the stream.
func TestFilterChunkingInvariant(t *testing.T) {
	input := "a<b [c] d>e"
	// Every possible split into contiguous chunks via bitmask over gap positions.
	n := len(input)
	for mask := 0; mask < 1<<(n-1); mask++ {
		var chunks []string
		start := 0
		for i := 0; i < n-1; i++ {
			if mask&(1<<i) != 0 {
				chunks = append(chunks, input[start:i+1])
				start = i + 1
			}
		}
		chunks = append(chunks, input[start:])
		if got := runChunks(chunks...); got != input {
			t.Fatalf("chunking %q: got %q, want %q", chunks, got, input)
		}
	}
}

func TestThinkBlockStripped(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "hello <think>secret</think> world", "hello  world"},
		{"leading", "<think>secret</think>answer", "answer"},
		{"trailing", "answer<think>secret</think>", "answer"},
		{"multiple", "a<think>x</think>b<think>y</think>c", "abc"},
		{"only markup", "<think>everything hidden</think>", ""},
		{"empty block", "a<think></think>b", "ab"},
		{"multiline interior", "ok<think>line1\nline2\n</think> done", "ok done"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := runChunks(tc.input); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// A marker split across two chunks at every possible point must still be
// stripped with no fragment leaking.
func TestThinkMarkerSplitAtEveryBoundary(t *testing.T) {
	input := "hello <think>secret</think> world"
	want := "hello  world"
	for split := 0; split <= len(input); split++ {
		got := runChunks(input[:split], input[split:])
		if got != want {
			t.Errorf("split at %d (%q|%q): got %q, want %q",
				split, input[:split], input[split:], got, want)
		}
	}
}

func TestSQLDirectiveStripped(t *testing.T) {
	input := "Let me check.[SQL_QUERY]SELECT 1[/SQL_QUERY] One moment."
	want := "Let me check. One moment."
	for split := 0; split <= len(input); split++ {
		if got := runChunks(input[:split], input[split:]); got != want {
			t.Errorf("split at %d: got %q, want %q", split, got, want)
		}
	}
}

func TestComposedPhases(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			"directive inside think block removed by outer phase",
			"a<think>plan [SQL_QUERY]SELECT 1[/SQL_QUERY]</think>b",
			"ab",
		},
		{
			"directive and think block side by side",
			"<think>reason</think>x[SQL_QUERY]SELECT 2[/SQL_QUERY]y",
			"xy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := runChunks(tc.input); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUnterminatedThinkBlockDropped(t *testing.T) {
	got := runChunks("good <think>never closed and still going")
	if got != "good " {
		t.Errorf("got %q, want %q", got, "good ")
	}
}

// At end of stream the inner carry-over (chronologically earlier text) must be
// flushed before the outer carry-over, preserving textual order.
func TestFlushPreservesOrder(t *testing.T) {
	f := NewStreamFilter()
	emitted := f.Feed("hello <thi")
	// "hell" passed the outer phase and is held by the inner phase; "o <thi"
	// is the outer phase's possible partial marker.
	flushed := f.Flush()
	if emitted+flushed != "hello <thi" {
		t.Errorf("emitted=%q flushed=%q, want concatenation %q", emitted, flushed, "hello <thi")
	}
	if !strings.HasPrefix(flushed, "hell") {
		t.Errorf("inner carry-over must flush first, got %q", flushed)
	}
}

// Scenario from the streaming pipeline: think marker split mid-tag across two
// network chunks.
func TestSplitThinkScenario(t *testing.T) {
	got := runChunks("hello <thi", "nk>secret</think> world")
	if got != "hello  world" {
		t.Errorf("got %q, want %q", got, "hello  world")
	}
}

func TestByteAtATime(t *testing.T) {
	input := "a<think>b</think>c[SQL_QUERY]d[/SQL_QUERY]e"
	want := "ace"
	f := NewStreamFilter()
	var out strings.Builder
	for i := 0; i < len(input); i++ {
		out.WriteString(f.Feed(input[i : i+1]))
	}
	out.WriteString(f.Flush())
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

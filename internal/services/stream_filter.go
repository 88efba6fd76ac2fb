package services

import "strings"

// Control markup emitted by the model. The think tags wrap chain-of-thought
// that must never reach the client; the SQL query tags wrap tool directives.
const (
	ThinkOpenTag  = "<think>"
	ThinkCloseTag = "</think>"

	SQLQueryOpenTag  = "[SQL_QUERY]"
	SQLQueryCloseTag = "[/SQL_QUERY]"
)

// tagFilter strips one paired marker family from a stream of text fragments.
// It is a two-state machine: outside a tag it emits text, inside it discards.
// Because a marker can be split across chunk boundaries, it holds back up to
// markerLen-1 trailing bytes between calls (the carry-over buffer).
type tagFilter struct {
	open   string
	close  string
	inside bool
	carry  string
}

func newTagFilter(open, close string) *tagFilter {
	return &tagFilter{open: open, close: close}
}

// feed consumes one fragment and returns whatever can be safely emitted.
func (f *tagFilter) feed(chunk string) string {
	input := f.carry + chunk
	f.carry = ""

	var out strings.Builder
	for {
		if f.inside {
			idx := strings.Index(input, f.close)
			if idx < 0 {
				// Everything here is interior content except a tail that might
				// be the start of the close marker. Drop the interior, keep
				// the tail.
				hold := len(f.close) - 1
				if hold > len(input) {
					hold = len(input)
				}
				f.carry = input[len(input)-hold:]
				return out.String()
			}
			input = input[idx+len(f.close):]
			f.inside = false
			continue
		}

		idx := strings.Index(input, f.open)
		if idx < 0 {
			// Hold back a possible partial open marker at the tail; emitting
			// it now could leak marker bytes if the rest arrives next chunk.
			hold := len(f.open) - 1
			if hold > len(input) {
				hold = len(input)
			}
			emit := len(input) - hold
			out.WriteString(input[:emit])
			f.carry = input[emit:]
			return out.String()
		}
		out.WriteString(input[:idx])
		input = input[idx+len(f.open):]
		f.inside = true
	}
}

// flush releases the carry-over at end of stream. Inside a tag the carry is
// part of unterminated markup and is dropped.
func (f *tagFilter) flush() string {
	carry := f.carry
	f.carry = ""
	if f.inside {
		return ""
	}
	return carry
}

// StreamFilter removes think tags and SQL query directives from a token
// stream. The two phases are composed: the SQL phase consumes the output of
// the think phase, so a directive inside a think block is removed by the
// outer phase alone.
//
// One StreamFilter serves exactly one in-flight stream and must not be shared
// between goroutines.
type StreamFilter struct {
	outer *tagFilter // <think> ... </think>
	inner *tagFilter // [SQL_QUERY] ... [/SQL_QUERY]
}

// NewStreamFilter creates a filter for one stream.
func NewStreamFilter() *StreamFilter {
	return &StreamFilter{
		outer: newTagFilter(ThinkOpenTag, ThinkCloseTag),
		inner: newTagFilter(SQLQueryOpenTag, SQLQueryCloseTag),
	}
}

// Feed pushes one raw fragment through both phases and returns the cleaned
// text that can be emitted to the client.
func (sf *StreamFilter) Feed(chunk string) string {
	return sf.inner.feed(sf.outer.feed(chunk))
}

// Flush releases buffered carry-over at end of stream.
//
// Ordering matters: the inner carry-over holds text that is chronologically
// earlier than the outer carry-over (it already passed the outer phase), so
// it must be emitted first or the flushed output would be reordered. The
// outer carry-over is at most len(ThinkOpenTag)-1 bytes and therefore cannot
// contain a complete inner marker, so it is emitted as-is.
func (sf *StreamFilter) Flush() string {
	return sf.inner.flush() + sf.outer.flush()
}

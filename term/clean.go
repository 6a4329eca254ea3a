package term

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Clean turns raw accumulated terminal output into the human-meaningful
// result of a command.
//
// The last line is always dropped: it is the trailing prompt. The first
// line is the echoed command line and is dropped unless the reducer
// already suppressed the echo as a standalone chunk (dropFirst false).
// A leading carriage-return-delimited segment duplicates the echoed
// fragment when the terminal rewrote the line, so it is removed when a
// carriage return survives trimming.
func Clean(raw string, dropFirst bool) string {
	s := ansi.Strip(raw)

	lines := strings.Split(s, "\n")
	if dropFirst && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}

	s = strings.TrimSpace(strings.Join(lines, "\n"))
	if s == "" {
		return ""
	}

	if strings.Contains(s, "\r") {
		segments := strings.Split(s, "\r")
		s = strings.Join(segments[1:], "\r")
	}

	return s
}

// InputFilter drops output lines that merely echo the most recently
// sent input, for drivers that stream until the process halts instead
// of counting prompts.
type InputFilter struct {
	mu   sync.Mutex
	last string
}

// NoteInput records the line most recently written to the channel.
func (f *InputFilter) NoteInput(line string) {
	f.mu.Lock()
	f.last = strings.TrimRight(line, "\r\n")
	f.mu.Unlock()
}

// Apply removes lines from chunk that duplicate the noted input,
// consuming the note on first match.
func (f *InputFilter) Apply(chunk string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last == "" {
		return chunk
	}

	lines := strings.Split(chunk, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if f.last != "" && strings.TrimRight(line, "\r") == f.last {
			f.last = ""
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Package term reduces raw interactive terminal streams into clean
// command results.
//
// A shell channel never says "command finished". The only boundary
// signal is the prompt reappearing twice: once right after the
// submitted command echoes back, and once after the command's own
// output ends. The reducer counts those sightings, accumulates (or
// forwards) everything in between, and settles exactly once.
package term

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Kind distinguishes the event types a reducer consumes.
type Kind int

const (
	Output Kind = iota // raw output chunk, may hold ANSI sequences and partial lines
	Hint               // structured diagnostic annotation
	Exit               // process exited
)

// Event is one inbound command event.
type Event struct {
	Kind Kind
	Text string
	OK   bool // exit success flag, Exit events only
}

// TimeoutPolicy selects how a configured timeout settles the reducer.
type TimeoutPolicy int

const (
	// NoTimeout waits for the boundary indefinitely.
	NoTimeout TimeoutPolicy = iota

	// BestEffort restarts the timer on every event and, should it
	// fire, resolves with whatever cleaned output accumulated so far.
	BestEffort

	// HardDeadline runs the timer once from construction and, should
	// it fire, fails with a *TimeoutError. Chunks arriving later are
	// ignored.
	HardDeadline
)

// TimeoutError reports that a hard deadline elapsed before the
// command boundary was reached.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.After)
}

// Matcher reports whether an ANSI-stripped output chunk counts as a
// prompt sighting.
type Matcher func(chunk string) bool

// PromptPattern matches the workspace shell prompt idiom
// "~/<workspace>$ " at end of chunk.
func PromptPattern(workspace string) Matcher {
	re := regexp.MustCompile(`~/` + regexp.QuoteMeta(workspace) + `\$ $`)
	return func(chunk string) bool { return re.MatchString(chunk) }
}

// PromptRegexp matches against a caller-supplied prompt pattern, for
// workspaces whose shells are configured differently.
func PromptRegexp(re *regexp.Regexp) Matcher {
	return func(chunk string) bool { return re.MatchString(chunk) }
}

// Marker counts chunks containing the given substring. The empty
// marker counts every chunk, which is the run-command path's behavior.
func Marker(s string) Matcher {
	return func(chunk string) bool { return strings.Contains(chunk, s) }
}

// Options configures one reduction.
type Options struct {
	// Match decides prompt sightings. Required.
	Match Matcher

	// Echo is the literal input text that was sent to the channel.
	// The first output chunk equal to it plus a line terminator is
	// input echo, not output, and is neither buffered nor counted.
	Echo string

	// Timeout and Policy together select the timeout behavior.
	Timeout time.Duration
	Policy  TimeoutPolicy

	// Sink switches the reducer to streaming mode: chunks are
	// forwarded verbatim as they arrive and hints become annotated
	// lines. The result text stays empty; only the OK flag matters.
	Sink io.Writer
}

// Result is the settled outcome of a reduction.
type Result struct {
	// Text is the cleaned accumulated output. Empty in streaming mode.
	Text string

	// OK reports whether the boundary was reached (or, for Exit
	// events, whether the process succeeded). False when a
	// best-effort timeout delivered a partial result.
	OK bool
}

// Reducer consumes command events for a single invocation and settles
// into one Result. It is discarded afterwards; never reuse one across
// commands.
type Reducer struct {
	opts Options

	mu         sync.Mutex
	buf        strings.Builder
	prompts    int
	sawOutput  bool
	suppressed bool
	settled    bool
	result     Result
	err        error
	timer      *time.Timer
	lastEvent  time.Time

	done chan struct{}
}

// New creates a reducer and arms its timeout, if any.
func New(opts Options) *Reducer {
	r := &Reducer{
		opts:      opts,
		done:      make(chan struct{}),
		lastEvent: time.Now(),
	}
	if opts.Timeout > 0 && opts.Policy != NoTimeout {
		r.timer = time.AfterFunc(opts.Timeout, r.expire)
	}
	return r
}

// Feed consumes one event. Events must arrive in transport delivery
// order; the prompt count depends on it.
func (r *Reducer) Feed(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return
	}

	r.lastEvent = time.Now()
	if r.opts.Policy == BestEffort && r.timer != nil {
		r.timer.Reset(r.opts.Timeout)
	}

	switch ev.Kind {
	case Output:
		r.feedOutput(ev.Text)
	case Hint:
		r.append("Hint: " + ev.Text + "\n")
	case Exit:
		r.settle(ev.OK, nil)
	}
}

func (r *Reducer) feedOutput(text string) {
	if !r.sawOutput {
		r.sawOutput = true
		if r.opts.Echo != "" && isEchoOf(text, r.opts.Echo) {
			r.suppressed = true
			return
		}
	}

	r.append(text)

	if r.opts.Match(ansi.Strip(text)) {
		r.prompts++
		if r.prompts == 2 {
			r.settle(true, nil)
		}
	}
}

func (r *Reducer) append(text string) {
	if r.opts.Sink != nil {
		io.WriteString(r.opts.Sink, text)
		return
	}
	r.buf.WriteString(text)
}

// settle resolves the reducer exactly once. Callers hold r.mu.
func (r *Reducer) settle(ok bool, err error) {
	if r.settled {
		return
	}
	r.settled = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.err = err
	if err == nil && r.opts.Sink == nil {
		r.result.Text = Clean(r.buf.String(), !r.suppressed)
	}
	r.result.OK = ok
	close(r.done)
}

// expire fires from the timeout timer.
func (r *Reducer) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return
	}

	switch r.opts.Policy {
	case BestEffort:
		// The timer may have fired while Feed was waiting on the lock
		// with a fresh event; settle only after a full quiet window.
		if rem := r.opts.Timeout - time.Since(r.lastEvent); rem > 0 {
			r.timer.Reset(rem)
			return
		}
		r.settle(false, nil)
	case HardDeadline:
		r.settle(false, &TimeoutError{After: r.opts.Timeout})
	}
}

// Wait suspends until the reducer settles or ctx is canceled.
func (r *Reducer) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// isEchoOf reports whether chunk is exactly the echoed input followed
// by a line terminator.
func isEchoOf(chunk, input string) bool {
	return chunk == input+"\n" || chunk == input+"\r\n"
}

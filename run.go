package sandkit

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/sandkit/sandkit/protocol"
	"github.com/sandkit/sandkit/term"
	"github.com/sandkit/sandkit/transport"
)

// The interactive command drivers compose the session, the channel
// registry, and the terminal reducer. At most one driver may be in
// flight per channel: each invocation installs a fresh listener,
// replacing whatever was listening before.

// RunMain triggers the workspace's configured run target and waits for
// its buffered output. It reports ran=false without opening a channel
// when the workspace has no runner. A timeout is best-effort: firing
// resolves with the output accumulated so far.
func (c *Client) RunMain(ctx context.Context, timeout time.Duration) (output string, ran bool, err error) {
	if !c.capabilities().Runner {
		return "", false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return "", false, err
	}

	reducer := term.New(term.Options{
		Match:   term.Marker(c.cfg.RunMarker),
		Timeout: timeout,
		Policy:  term.BestEffort,
	})
	ch.OnCommand(feed(reducer))

	if err := c.drive(ch, protocol.TypeCmdRunMain, ""); err != nil {
		return "", false, err
	}

	res, err := reducer.Wait(ctx)
	if err != nil {
		return "", false, err
	}
	return res.Text, true, nil
}

// ExecCommand runs one shell command and returns its cleaned output.
// The command's own echo is suppressed. A timeout is a hard deadline:
// firing fails with a *term.TimeoutError and late chunks are ignored.
func (c *Client) ExecCommand(ctx context.Context, command string, timeout time.Duration) (output string, ran bool, err error) {
	if !c.capabilities().Interpreter {
		return "", false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return "", false, err
	}

	reducer := term.New(term.Options{
		Match:   c.promptMatcher(),
		Echo:    command,
		Timeout: timeout,
		Policy:  term.HardDeadline,
	})
	ch.OnCommand(feed(reducer))

	if err := c.drive(ch, protocol.TypeCmdInput, command+"\n"); err != nil {
		return "", false, err
	}

	res, err := reducer.Wait(ctx)
	if err != nil {
		return "", false, err
	}
	return res.Text, true, nil
}

// StopCommand dispatches a stop request for whatever the run channel
// is executing. It does not wait for the process to halt; it reports
// whether the request was sent. Workspaces without a runner get a
// false no-op.
func (c *Client) StopCommand(ctx context.Context) (bool, error) {
	if !c.capabilities().Runner {
		return false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return false, err
	}
	if err := ch.Send(protocol.TypeCmdClear, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RunMainStream is RunMain in streaming mode: output chunks are
// forwarded verbatim to out as they arrive and the return value is
// the boundary's success flag instead of text.
func (c *Client) RunMainStream(ctx context.Context, out io.Writer) (bool, error) {
	if !c.capabilities().Runner {
		return false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return false, err
	}

	reducer := term.New(term.Options{
		Match: term.Marker(c.cfg.RunMarker),
		Sink:  out,
	})
	ch.OnCommand(feed(reducer))

	if err := c.drive(ch, protocol.TypeCmdRunMain, ""); err != nil {
		return false, err
	}

	res, err := reducer.Wait(ctx)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// ExecStream runs a command while piping output to out and forwarding
// each line read from in into the channel as input. The input wiring
// is not torn down when the command boundary is reached: it stays
// live for follow-up interactive use until ctx is canceled or the
// session closes.
func (c *Client) ExecStream(ctx context.Context, command string, out io.Writer, in io.Reader) (bool, error) {
	if !c.capabilities().Interpreter {
		return false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return false, err
	}

	reducer := term.New(term.Options{
		Match: c.promptMatcher(),
		Echo:  command,
		Sink:  out,
	})
	ch.OnCommand(feed(reducer))

	if in != nil {
		go c.pumpInput(ctx, ch, in)
	}

	if err := c.drive(ch, protocol.TypeCmdInput, command+"\n"); err != nil {
		return false, err
	}

	res, err := reducer.Wait(ctx)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// StopStream stops the running process and keeps reporting output to
// out until the process fully halts, dropping lines that merely echo
// the most recently sent input. Output the channel retained before
// the call is replayed first. The return value is the process's exit
// success flag.
func (c *Client) StopStream(ctx context.Context, out io.Writer) (bool, error) {
	if !c.capabilities().Runner {
		return false, nil
	}

	ch, err := c.Channel(ctx, serviceRun, "")
	if err != nil {
		return false, err
	}

	filter := &term.InputFilter{}
	c.mu.Lock()
	filter.NoteInput(c.lastInput)
	c.mu.Unlock()

	sink := &filteredWriter{w: out, filter: filter}

	// The stop driver attaches after the process already printed;
	// replay the channel's retained output so the caller still sees
	// that tail before the live stream.
	for _, ev := range ch.History() {
		if ev.Kind == transport.EventOutput {
			sink.Write([]byte(ev.Text))
		}
	}

	reducer := term.New(term.Options{
		Match: func(string) bool { return false }, // resolves on the exit signal only
		Sink:  sink,
	})
	ch.OnCommand(feed(reducer))

	if err := ch.Send(protocol.TypeCmdClear, nil); err != nil {
		return false, err
	}

	res, err := reducer.Wait(ctx)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// drive sends the clear signal followed by the trigger that starts a
// command: a run-main signal, or literal input text.
func (c *Client) drive(ch Channel, trigger, input string) error {
	if err := ch.Send(protocol.TypeCmdClear, nil); err != nil {
		return err
	}

	switch trigger {
	case protocol.TypeCmdRunMain:
		return ch.Send(protocol.TypeCmdRunMain, nil)
	case protocol.TypeCmdInput:
		c.mu.Lock()
		c.lastInput = input
		c.mu.Unlock()
		return ch.Send(protocol.TypeCmdInput, protocol.CmdInputPayload{Data: input})
	}
	return nil
}

// pumpInput forwards lines from in to the channel, suffixed with the
// canonical line terminator, until in drains or ctx ends.
func (c *Client) pumpInput(ctx context.Context, ch Channel, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text() + "\n"
		c.mu.Lock()
		c.lastInput = line
		c.mu.Unlock()

		if err := ch.Send(protocol.TypeCmdInput, protocol.CmdInputPayload{Data: line}); err != nil {
			c.logger.Warn("input forwarding stopped", "error", err)
			return
		}
	}
}

// feed adapts a transport listener to reducer events.
func feed(r *term.Reducer) func(transport.Event) {
	return func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventOutput:
			r.Feed(term.Event{Kind: term.Output, Text: ev.Text})
		case transport.EventHint:
			r.Feed(term.Event{Kind: term.Hint, Text: ev.Text})
		case transport.EventExit:
			r.Feed(term.Event{Kind: term.Exit, OK: ev.OK})
		}
	}
}

// filteredWriter applies an InputFilter to each chunk before writing.
type filteredWriter struct {
	w      io.Writer
	filter *term.InputFilter
}

func (fw *filteredWriter) Write(p []byte) (int, error) {
	kept := fw.filter.Apply(string(p))
	if kept != "" {
		if _, err := io.WriteString(fw.w, kept); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandkit/sandkit/protocol"
)

// fakeWorkspace is a scripted remote side: every inbound frame is fed
// to the handler, and push lets tests write server-initiated frames.
type fakeWorkspace struct {
	t     *testing.T
	ready chan struct{}

	mu    sync.Mutex
	auth  string
	reply func(*protocol.Message)
}

func (fw *fakeWorkspace) authorization() string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.auth
}

// push writes a server-initiated frame once the client is connected.
func (fw *fakeWorkspace) push(m *protocol.Message) {
	select {
	case <-fw.ready:
	case <-time.After(2 * time.Second):
		fw.t.Fatal("no client connected")
	}

	fw.mu.Lock()
	reply := fw.reply
	fw.mu.Unlock()
	reply(m)
}

func startWorkspace(t *testing.T, handle func(reply func(*protocol.Message), msg *protocol.Message)) (string, *fakeWorkspace) {
	t.Helper()
	fw := &fakeWorkspace{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fw.mu.Lock()
		fw.auth = r.Header.Get("Authorization")
		fw.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var wmu sync.Mutex
		reply := func(m *protocol.Message) {
			data, err := m.MarshalFrame()
			if err != nil {
				t.Errorf("marshal reply: %v", err)
				return
			}
			wmu.Lock()
			defer wmu.Unlock()
			ws.WriteMessage(websocket.TextMessage, data)
		}

		fw.mu.Lock()
		fw.reply = reply
		fw.mu.Unlock()
		close(fw.ready)

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if handle != nil {
				handle(reply, &msg)
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), fw
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ackOpens acknowledges every channel.open with sequential channel ids.
func ackOpens(id string) func(reply func(*protocol.Message), msg *protocol.Message) {
	return func(reply func(*protocol.Message), msg *protocol.Message) {
		if msg.Type != protocol.TypeChannelOpen {
			return
		}
		ack, _ := protocol.NewMessage(protocol.RootChannel, msg.Ref, protocol.TypeChannelOpenAck,
			protocol.ChannelOpenAckPayload{ChannelID: id})
		reply(ack)
	}
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDial_MissingURL(t *testing.T) {
	if _, err := Dial(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestDial_SendsBearerToken(t *testing.T) {
	url, fw := startWorkspace(t, nil)

	conn, err := Dial(context.Background(), Options{
		URL: url,
		TokenFunc: func(ctx context.Context) (string, error) {
			return "short-lived-tok", nil
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := fw.authorization(); got != "Bearer short-lived-tok" {
		t.Errorf("expected bearer header, got %q", got)
	}
}

func TestDial_TokenFuncFailure(t *testing.T) {
	url, _ := startWorkspace(t, nil)

	_, err := Dial(context.Background(), Options{
		URL: url,
		TokenFunc: func(ctx context.Context) (string, error) {
			return "", errors.New("credential service down")
		},
		Logger: quietLogger(),
	})
	if err == nil {
		t.Fatal("expected dial to fail when the token fetch fails")
	}
}

func TestDial_RootChannelAvailable(t *testing.T) {
	url, _ := startWorkspace(t, nil)
	conn := dialTest(t, url)

	root := conn.Root()
	if root == nil {
		t.Fatal("expected implicit root channel")
	}
	if root.ID() != protocol.RootChannel {
		t.Errorf("expected root id %s, got %s", protocol.RootChannel, root.ID())
	}
}

func TestOpenChannel_Acknowledged(t *testing.T) {
	url, _ := startWorkspace(t, ackOpens("chan7"))
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "run", "run")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if ch.ID() != "chan7" {
		t.Errorf("expected remote-assigned id chan7, got %s", ch.ID())
	}
	if ch.Service() != "run" {
		t.Errorf("expected service run, got %s", ch.Service())
	}
}

func TestOpenChannel_Rejected(t *testing.T) {
	url, _ := startWorkspace(t, func(reply func(*protocol.Message), msg *protocol.Message) {
		if msg.Type != protocol.TypeChannelOpen {
			return
		}
		ack, _ := protocol.NewMessage(protocol.RootChannel, msg.Ref, protocol.TypeChannelOpenAck,
			protocol.ChannelOpenAckPayload{Error: "no such service"})
		reply(ack)
	})
	conn := dialTest(t, url)

	_, err := conn.OpenChannel(context.Background(), "bogus", "bogus")

	var oe *ChannelOpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *ChannelOpenError, got %v", err)
	}
	if oe.Reason != "no such service" {
		t.Errorf("expected remote reason, got %q", oe.Reason)
	}
}

func TestChannel_RequestResponse(t *testing.T) {
	url, _ := startWorkspace(t, func(reply func(*protocol.Message), msg *protocol.Message) {
		switch msg.Type {
		case protocol.TypeChannelOpen:
			ackOpens("chan7")(reply, msg)
		case protocol.TypeFileRead:
			resp, _ := protocol.NewMessage(msg.Channel, msg.Ref, protocol.TypeFileContent,
				protocol.FileContentPayload{Path: "main.py", Content: "print('hi')"})
			reply(resp)
		}
	})
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "files", "files")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	resp, err := ch.Request(context.Background(), protocol.TypeFileRead,
		protocol.FilePathPayload{Path: "main.py"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var p protocol.FileContentPayload
	if err := resp.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Content != "print('hi')" {
		t.Errorf("expected file content, got %q", p.Content)
	}
}

func TestChannel_RequestRemoteError(t *testing.T) {
	url, _ := startWorkspace(t, func(reply func(*protocol.Message), msg *protocol.Message) {
		switch msg.Type {
		case protocol.TypeChannelOpen:
			ackOpens("chan7")(reply, msg)
		case protocol.TypeFileRead:
			resp, _ := protocol.NewErrorMessage(msg.Channel, msg.Ref, protocol.ErrNotFound, "no such file")
			reply(resp)
		}
	})
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "files", "files")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	_, err = ch.Request(context.Background(), protocol.TypeFileRead,
		protocol.FilePathPayload{Path: "gone.py"})

	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if re.Code != protocol.ErrNotFound {
		t.Errorf("expected code %s, got %s", protocol.ErrNotFound, re.Code)
	}
}

func TestChannel_EventDeliveryOrder(t *testing.T) {
	url, fw := startWorkspace(t, ackOpens("chan7"))
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "run", "run")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	events := make(chan Event, 16)
	ch.OnCommand(func(ev Event) { events <- ev })

	out, _ := protocol.NewMessage("chan7", "", protocol.TypeCmdOutput, protocol.CmdOutputPayload{Data: "hi\r\n"})
	hint, _ := protocol.NewMessage("chan7", "", protocol.TypeCmdHint, protocol.CmdHintPayload{Text: "low memory"})
	running, _ := protocol.NewMessage("chan7", "", protocol.TypeCmdState, protocol.CmdStatePayload{Exited: false})
	exited, _ := protocol.NewMessage("chan7", "", protocol.TypeCmdState, protocol.CmdStatePayload{Exited: true, OK: true})

	fw.push(out)
	fw.push(hint)
	fw.push(running) // not exited: must not surface
	fw.push(exited)

	want := []EventKind{EventOutput, EventHint, EventExit}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Errorf("event %d: expected kind %d, got %d", i, kind, ev.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	history := ch.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(history))
	}
	if history[0].Text != "hi\r\n" || history[2].Kind != EventExit {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestConn_MalformedFrameDropped(t *testing.T) {
	url, fw := startWorkspace(t, ackOpens("chan7"))
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "run", "run")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	events := make(chan Event, 1)
	ch.OnCommand(func(ev Event) { events <- ev })

	// A frame that fails validation must be dropped without killing
	// the read pump.
	bad := &protocol.Message{Type: "cmd.reboot", Channel: "chan7"}
	good, _ := protocol.NewMessage("chan7", "", protocol.TypeCmdOutput, protocol.CmdOutputPayload{Data: "still alive"})
	fw.push(bad)
	fw.push(good)

	select {
	case ev := <-events:
		if ev.Text != "still alive" {
			t.Errorf("expected the valid frame, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read pump died on a malformed frame")
	}
}

func TestConn_CloseFailsPendingRequests(t *testing.T) {
	// The workspace never answers file.read, so the request can only
	// finish when Close releases it.
	url, _ := startWorkspace(t, ackOpens("chan7"))
	conn := dialTest(t, url)

	ch, err := conn.OpenChannel(context.Background(), "files", "files")
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), protocol.TypeFileRead,
			protocol.FilePathPayload{Path: "never.py"})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected pending request to fail on close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request hung after close")
	}
}

func TestConn_CloseWhileStreaming(t *testing.T) {
	// Close must not write the close frame concurrently with the write
	// pump; only one writer may touch the socket at a time.
	url, _ := startWorkspace(t, nil)
	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	root := conn.Root()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if err := root.Send(protocol.TypeCmdInput, protocol.CmdInputPayload{Data: "x"}); err != nil {
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
}

func TestConn_CloseTwice(t *testing.T) {
	url, _ := startWorkspace(t, nil)
	conn, err := Dial(context.Background(), Options{URL: url, Token: "tok", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

package relay

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mycelis/swarm/internal/buffer"
	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func openBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.Open(filepath.Join(t.TempDir(), "impulses.db"))
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	return buf
}

func rawSubscribe(t *testing.T, url, subject string) chan *nats.Msg {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	t.Cleanup(conn.Close)

	ch := make(chan *nats.Msg, 16)
	if _, err := conn.ChanSubscribe(subject, ch); err != nil {
		t.Fatalf("raw subscribe: %v", err)
	}
	conn.Flush()
	return ch
}

func TestSendTextWhileConnected(t *testing.T) {
	bus := startBus(t)
	buf := openBuffer(t)

	inbox := rawSubscribe(t, bus.ClientURL(), envelope.SubjectAgentInput("a2"))

	c := New("a1", "t1", bus.ClientURL(), buf)
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.SendText("hi", Send{Recipient: "a2"}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	c.Flush()

	select {
	case msg := <-inbox:
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != envelope.TypeText || env.Text.Content != "hi" {
			t.Errorf("unexpected envelope: %+v", env)
		}
		if env.SourceAgentID != "a1" || env.TeamID != "t1" {
			t.Errorf("identity mismatch: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	n, err := buf.Len()
	if err != nil {
		t.Fatalf("buffer len: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty buffer, got %d impulses", n)
	}
}

func TestSendTextWhileDisconnectedThenReplay(t *testing.T) {
	buf := openBuffer(t)

	// No bus yet: the publish degrades to a buffered impulse.
	offline := New("a1", "t1", "nats://127.0.0.1:1", buf)
	if err := offline.Connect(nil); err == nil {
		t.Fatal("expected connect to fail against a dead endpoint")
	}
	if err := offline.SendText("hi", Send{Recipient: "a2"}); err != nil {
		t.Fatalf("send text offline: %v", err)
	}

	n, err := buf.Len()
	if err != nil {
		t.Fatalf("buffer len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 buffered impulse, got %d", n)
	}

	// Bring the bus up; a fresh connect replays the impulse.
	bus := startBus(t)
	inbox := rawSubscribe(t, bus.ClientURL(), envelope.SubjectAgentInput("a2"))

	c := New("a1", "t1", bus.ClientURL(), buf)
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-inbox:
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode replayed envelope: %v", err)
		}
		if env.Text == nil || env.Text.Content != "hi" {
			t.Errorf("unexpected replayed envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for replayed message")
	}

	// Exactly one publish: nothing else arrives and the buffer is empty.
	select {
	case msg := <-inbox:
		t.Fatalf("unexpected extra message: %s", msg.Data)
	case <-time.After(200 * time.Millisecond):
	}
	if n, _ := buf.Len(); n != 0 {
		t.Errorf("expected empty buffer after replay, got %d", n)
	}
}

func TestReplayPreservesOrder(t *testing.T) {
	buf := openBuffer(t)

	offline := New("a1", "t1", "nats://127.0.0.1:1", buf)
	const n = 5
	for i := 0; i < n; i++ {
		if err := offline.SendText(fmt.Sprintf("msg-%d", i), Send{Recipient: "a2"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	bus := startBus(t)
	inbox := rawSubscribe(t, bus.ClientURL(), envelope.SubjectAgentInput("a2"))

	c := New("a1", "t1", bus.ClientURL(), buf)
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	for i := 0; i < n; i++ {
		select {
		case msg := <-inbox:
			env, err := envelope.Decode(msg.Data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want := fmt.Sprintf("msg-%d", i); env.Text.Content != want {
				t.Errorf("position %d: expected %s, got %s", i, want, env.Text.Content)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestSubscribeDropsMalformedBytes(t *testing.T) {
	bus := startBus(t)
	buf := openBuffer(t)

	c := New("a1", "t1", bus.ClientURL(), buf)
	if err := c.Connect(nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	received := make(chan *envelope.Envelope, 4)
	if err := c.Subscribe("test.mixed", func(env *envelope.Envelope) {
		received <- env
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	raw, err := nats.Connect(bus.ClientURL())
	if err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	defer raw.Close()

	// Garbage first, then a valid envelope. The garbage is dropped
	// without killing the dispatch goroutine.
	if err := raw.Publish("test.mixed", []byte("garbage")); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	good, _ := envelope.Encode(envelope.NewText("x", "t", "still alive", "", "inform", "", nil))
	if err := raw.Publish("test.mixed", good); err != nil {
		t.Fatalf("publish good: %v", err)
	}
	raw.Flush()

	select {
	case env := <-received:
		if env.Text.Content != "still alive" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: dispatch loop did not survive malformed bytes")
	}
}

func TestDefaultHandlerReceivesInboxAndTeam(t *testing.T) {
	bus := startBus(t)
	buf := openBuffer(t)

	received := make(chan *envelope.Envelope, 4)
	c := New("a1", "t1", bus.ClientURL(), buf)
	if err := c.Connect(func(env *envelope.Envelope) {
		received <- env
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	peer := New("a2", "t1", bus.ClientURL(), openBuffer(t))
	if err := peer.Connect(nil); err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	defer peer.Close()

	if err := peer.SendText("direct", Send{Recipient: "a1"}); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if err := peer.SendText("broadcast", Send{TargetTeam: "t1"}); err != nil {
		t.Fatalf("send broadcast: %v", err)
	}
	peer.Flush()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-received:
			got[env.Text.Content] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: received %v", got)
		}
	}
	if !got["direct"] || !got["broadcast"] {
		t.Errorf("expected direct and broadcast delivery, got %v", got)
	}
}

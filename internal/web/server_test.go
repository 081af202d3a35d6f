package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mycelis/swarm/internal/buffer"
	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/natsbus"
	"github.com/mycelis/swarm/internal/relay"
	"github.com/mycelis/swarm/internal/store"
	"github.com/nats-io/nats.go"
)

func testStack(t *testing.T) (*Server, *natsbus.Bus, *httptest.Server) {
	t.Helper()

	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(bus.Close)

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "impulses.db"))
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	rc := relay.New("gateway", "system", bus.ClientURL(), buf)
	if err := rc.Connect(nil); err != nil {
		t.Fatalf("connect relay: %v", err)
	}
	t.Cleanup(rc.Close)

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "swarm.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv, err := NewServer(st, rc, config.WebConfig{Enabled: true, Port: 0}, "test")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	web := httptest.NewServer(srv.withMiddleware(srv.routes()))
	t.Cleanup(web.Close)
	return srv, bus, web
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

func TestHealth(t *testing.T) {
	_, _, web := testStack(t)

	resp, err := http.Get(web.URL + "/api/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestChatInjectsEnvelope(t *testing.T) {
	_, bus, web := testStack(t)

	inbox := rawSubscribe(t, bus.ClientURL(), envelope.SubjectChatAgent("helper"))

	resp, err := http.Post(web.URL+"/api/agents/helper/chat", "application/json",
		strings.NewReader(`{"content": "hello agent", "sender": "alice"}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] == "" || body["channel"] != "chat.agent.helper" {
		t.Errorf("unexpected response body: %v", body)
	}

	select {
	case msg := <-inbox:
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Text == nil || env.Text.Content != "hello agent" {
			t.Errorf("unexpected envelope: %+v", env)
		}
		if env.SourceAgentID != "alice" || env.Text.RecipientID != "helper" {
			t.Errorf("unexpected identities: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for chat envelope")
	}
}

func TestChatRejectsEmptyContent(t *testing.T) {
	_, _, web := testStack(t)

	resp, err := http.Post(web.URL+"/api/agents/helper/chat", "application/json",
		strings.NewReader(`{"content": ""}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIngestAndChannels(t *testing.T) {
	_, bus, web := testStack(t)

	events := rawSubscribe(t, bus.ClientURL(), "sensor.kitchen")

	resp, err := http.Post(web.URL+"/api/ingest/sensor.kitchen", "application/json",
		strings.NewReader(`{"event_type": "temperature", "celsius": 21.5}`))
	if err != nil {
		t.Fatalf("post ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	select {
	case msg := <-events:
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Event == nil || env.Event.EventType != "temperature" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ingest envelope")
	}

	// The ingest provisioned a durable channel.
	chResp, err := http.Get(web.URL + "/api/channels")
	if err != nil {
		t.Fatalf("get channels: %v", err)
	}
	defer chResp.Body.Close()

	var channels []struct {
		Stream   string   `json:"stream"`
		Subjects []string `json:"subjects"`
	}
	if err := json.NewDecoder(chResp.Body).Decode(&channels); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	found := false
	for _, c := range channels {
		if c.Stream == "sensor-kitchen" {
			found = true
		}
	}
	if !found {
		t.Errorf("sensor-kitchen stream not listed: %v", channels)
	}
}

func TestStreamDeliversEnvelopes(t *testing.T) {
	_, bus, web := testStack(t)

	req, err := http.NewRequest(http.MethodGet, web.URL+"/api/stream/chat.agent.helper", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	// Give the subscription a moment to become active.
	time.Sleep(200 * time.Millisecond)

	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	env := envelope.NewText("helper", "t1", "streamed reply", "", "inform", "", nil)
	data, _ := envelope.Encode(env)
	if err := conn.Publish("chat.agent.helper.output", data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.Flush()

	type frame struct {
		id    string
		event string
		data  string
	}
	frames := make(chan frame, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var f frame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
				frames <- f
				return
			}
		}
	}()

	select {
	case f := <-frames:
		if f.id != env.ID || f.event != "text" {
			t.Errorf("unexpected frame metadata: %+v", f)
		}
		var decoded envelope.Envelope
		if err := json.Unmarshal([]byte(f.data), &decoded); err != nil {
			t.Fatalf("decode frame data: %v", err)
		}
		if decoded.Text == nil || decoded.Text.Content != "streamed reply" {
			t.Errorf("unexpected frame payload: %+v", decoded)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for sse frame")
	}
}

func TestRecentMessagesEndpoint(t *testing.T) {
	srv, _, web := testStack(t)

	for _, c := range []string{"session-a", "session-b"} {
		if err := srv.store.EnsureConversation(c, "helper", "web"); err != nil {
			t.Fatalf("ensure conversation: %v", err)
		}
	}
	seed := []store.Message{
		{ID: "m-1", ConversationID: "session-a", Sender: "alice", Role: "user", Content: "first"},
		{ID: "m-2", ConversationID: "session-b", Sender: "bob", Role: "user", Content: "second"},
	}
	for _, m := range seed {
		if err := srv.store.SaveMessage(&m); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	resp, err := http.Get(web.URL + "/api/messages/recent?limit=10")
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	defer resp.Body.Close()
	var msgs []store.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages across conversations, got %d", len(msgs))
	}
	found := map[string]bool{}
	for _, m := range msgs {
		found[m.ConversationID] = true
	}
	if !found["session-a"] || !found["session-b"] {
		t.Errorf("feed missing a conversation: %+v", msgs)
	}
}

func TestSeenSetWindowEvictsOldest(t *testing.T) {
	s := newSeenSet(3)

	for _, id := range []string{"a", "b", "c"} {
		if s.observe(id) {
			t.Errorf("fresh id %q reported as seen", id)
		}
	}
	if !s.observe("b") {
		t.Error("recent id should be deduplicated")
	}

	// A fourth id pushes the oldest out of the window.
	if s.observe("d") {
		t.Error("fresh id reported as seen")
	}
	if s.observe("a") {
		t.Error("evicted id should be treated as new again")
	}
	if !s.observe("c") {
		t.Error("id still inside the window should be deduplicated")
	}
}

func TestConversationsEndpoint(t *testing.T) {
	srv, _, web := testStack(t)

	if err := srv.store.EnsureConversation("session-helper", "helper", "web"); err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	if err := srv.store.SaveMessage(&store.Message{
		ID:             "msg-1",
		ConversationID: "session-helper",
		Sender:         "alice",
		Role:           "user",
		Content:        "hi",
	}); err != nil {
		t.Fatalf("save message: %v", err)
	}

	resp, err := http.Get(web.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("get conversations: %v", err)
	}
	defer resp.Body.Close()
	var convs []store.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "session-helper" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}

	msgResp, err := http.Get(web.URL + "/api/conversations/session-helper/messages")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	defer msgResp.Body.Close()
	var msgs []store.Message
	if err := json.NewDecoder(msgResp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

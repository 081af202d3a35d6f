package telegram

import (
	"testing"

	"github.com/mycelis/swarm/internal/envelope"
)

func TestChunkMessage(t *testing.T) {
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	msg := make([]byte, 4096)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	msg = make([]byte, 8192)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	msg = make([]byte, 5000)
	for i := range msg {
		msg[i] = 'a'
	}
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestAllowed(t *testing.T) {
	if !allowed(nil, 42) {
		t.Error("empty allow list should allow everyone")
	}
	if !allowed([]int64{1, 42}, 42) {
		t.Error("listed user should be allowed")
	}
	if allowed([]int64{1, 2}, 42) {
		t.Error("unlisted user should be rejected")
	}
}

func TestResolveChat(t *testing.T) {
	b := &Bridge{pending: map[string]int64{"trace-1": 99}}

	env := &envelope.Envelope{TraceID: "trace-1"}
	chatID, ok := b.resolveChat(env)
	if !ok || chatID != 99 {
		t.Fatalf("expected pending trace to resolve to 99, got %d %v", chatID, ok)
	}

	// Entry is consumed; a second reply on the same trace falls through.
	if _, ok := b.resolveChat(env); ok {
		t.Error("expected consumed trace to no longer resolve")
	}

	withCtx := &envelope.Envelope{
		TraceID: "trace-2",
		Context: map[string]any{"chat_id": "123"},
	}
	chatID, ok = b.resolveChat(withCtx)
	if !ok || chatID != 123 {
		t.Errorf("expected context chat_id fallback, got %d %v", chatID, ok)
	}

	if _, ok := b.resolveChat(&envelope.Envelope{TraceID: "unknown"}); ok {
		t.Error("expected unknown trace to not resolve")
	}
}

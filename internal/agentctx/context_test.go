package agentctx

import (
	"fmt"
	"testing"
)

func TestBoundedHistory(t *testing.T) {
	const max = 5
	c := New("You are a helpful AI agent.", max)

	// Add max+K messages; only the last max survive, in order.
	for i := 0; i < max+3; i++ {
		c.AddMessage("user", fmt.Sprintf("m%d", i))
	}

	msgs := c.Messages()
	if len(msgs) != max+1 {
		t.Fatalf("expected system + %d messages, got %d", max, len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are a helpful AI agent." {
		t.Errorf("expected system prompt first, got %+v", msgs[0])
	}
	for i := 0; i < max; i++ {
		if want := fmt.Sprintf("m%d", i+3); msgs[i+1].Content != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msgs[i+1].Content)
		}
	}
}

func TestClearHistoryPreservesSystem(t *testing.T) {
	c := New("system prompt", 10)
	c.AddMessage("user", "hello")
	c.AddMessage("assistant", "hi")
	c.ClearHistory()

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Errorf("expected only the system prompt, got %+v", msgs)
	}
}

func TestNoSystemPrompt(t *testing.T) {
	c := New("", 10)
	c.AddMessage("user", "hello")

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("expected history only, got %+v", msgs)
	}
}

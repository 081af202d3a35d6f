package agentctx

import "sync"

// Message is one role/content turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Context holds an agent's system prompt and a bounded sliding window
// of conversation history. The system prompt is fixed at construction
// and never counts against the history bound; the oldest history
// entries are evicted first.
type Context struct {
	system     string
	maxHistory int

	mu      sync.Mutex
	history []Message
}

func New(systemPrompt string, maxHistory int) *Context {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Context{
		system:     systemPrompt,
		maxHistory: maxHistory,
	}
}

func (c *Context) AddMessage(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, Message{Role: role, Content: content})
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = c.history[over:]
	}
}

// Messages returns the system prompt followed by the trimmed history in
// insertion order. This exact list is what goes to the language model.
func (c *Context) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, 0, len(c.history)+1)
	if c.system != "" {
		out = append(out, Message{Role: "system", Content: c.system})
	}
	return append(out, c.history...)
}

// ClearHistory empties the history, preserving the system prompt.
func (c *Context) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

func (c *Context) SystemPrompt() string { return c.system }

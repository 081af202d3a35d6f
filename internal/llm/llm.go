// Package llm abstracts the chat backend agents reason with. The only
// implementation that talks to a real service is the Ollama client;
// tests script a Mock.
package llm

import "context"

// Message is one chat turn in the backend's wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is one completed generation: free text, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client generates one response for a conversation. Implementations
// must honor ctx cancellation; tool schemas follow the
// {"type":"function","function":{...}} convention.
type Client interface {
	Generate(ctx context.Context, model string, messages []Message, system string, tools []map[string]any) (*Response, error)
}

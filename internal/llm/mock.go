package llm

import (
	"context"
	"sync"
)

// Mock is a scripted Client for tests. Each Generate call pops the next
// response; when the script runs out it repeats the last entry, or
// returns an empty response if there is none.
type Mock struct {
	mu        sync.Mutex
	script    []*Response
	Calls     int
	LastMsgs  []Message
	LastTools []map[string]any

	// Err, when set, is returned by every Generate call in place of a
	// response, simulating an unreachable backend.
	Err error
}

func NewMock(script ...*Response) *Mock {
	return &Mock{script: script}
}

func (m *Mock) Generate(_ context.Context, _ string, messages []Message, _ string, tools []map[string]any) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.LastMsgs = messages
	m.LastTools = tools

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.script) == 0 {
		return &Response{}, nil
	}
	resp := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return resp, nil
}

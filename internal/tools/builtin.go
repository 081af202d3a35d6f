package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mycelis/swarm/internal/store"
)

// RegisterBuiltins wires the memory tools every agent gets by default.
// agentID scopes memories so agents cannot read each other's notes
// unless they pass an explicit agent_id.
func RegisterBuiltins(r *Registry, s *store.Store, agentID string) error {
	remember := Definition{
		Name:        "remember",
		Description: "Store a piece of information in long-term memory for later recall.",
		Parameters: []Parameter{
			{Name: "content", Type: "string", Description: "The information to remember.", Required: true},
			{Name: "agent_id", Type: "string", Description: "Agent whose memory to write. Defaults to the calling agent."},
		},
	}
	if err := r.Register(remember, func(_ context.Context, args map[string]any) (any, error) {
		content, _ := args["content"].(string)
		if content == "" {
			return nil, fmt.Errorf("content is required")
		}
		owner := agentID
		if v, ok := args["agent_id"].(string); ok && v != "" {
			owner = v
		}
		id, err := s.SaveMemory(owner, content)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Remembered (memory %d).", id), nil
	}); err != nil {
		return err
	}

	recall := Definition{
		Name:        "recall",
		Description: "Search long-term memory for previously stored information.",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "Substring to search for. Empty returns the most recent memories.", Required: true},
			{Name: "agent_id", Type: "string", Description: "Agent whose memory to search. Defaults to the calling agent."},
		},
	}
	return r.Register(recall, func(_ context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		owner := agentID
		if v, ok := args["agent_id"].(string); ok && v != "" {
			owner = v
		}
		memories, err := s.SearchMemories(owner, query, 10)
		if err != nil {
			return nil, err
		}
		if len(memories) == 0 {
			return "No matching memories.", nil
		}
		var b strings.Builder
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		return b.String(), nil
	})
}

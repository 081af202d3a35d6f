// Package runtime drives an agent: inbound envelopes feed a bounded
// conversation context, the model reasons over it with the registered
// tools, and at most one reply goes back to the sender.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mycelis/swarm/internal/agentctx"
	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/llm"
	"github.com/mycelis/swarm/internal/relay"
	"github.com/mycelis/swarm/internal/store"
	"github.com/mycelis/swarm/internal/tools"
)

type Agent struct {
	cfg     config.AgentConfig
	relay   *relay.Client
	convo   *agentctx.Context
	backend llm.Client
	tools   *tools.Registry
	store   *store.Store
	log     *slog.Logger
}

// New assembles an agent. store may be nil; persistence is then skipped.
func New(cfg config.AgentConfig, rc *relay.Client, backend llm.Client, reg *tools.Registry, st *store.Store) *Agent {
	return &Agent{
		cfg:     cfg,
		relay:   rc,
		convo:   agentctx.New(cfg.SystemPrompt, cfg.MaxHistory),
		backend: backend,
		tools:   reg,
		store:   st,
		log:     slog.Default().With("agent", cfg.ID),
	}
}

// Start connects to the bus and wires all input subjects: the agent's
// direct inbox and team traffic, its chat channel, any extra configured
// inputs, and the tool bridge subjects.
func (a *Agent) Start() error {
	if err := a.relay.Connect(a.Handle); err != nil {
		return err
	}

	subjects := append([]string{envelope.SubjectChatAgent(a.cfg.ID)}, a.cfg.Inputs...)
	subjects = append(subjects, envelope.SubjectToolResult(a.cfg.ID))
	for _, subject := range subjects {
		if err := a.relay.Subscribe(subject, a.Handle); err != nil {
			return err
		}
	}

	a.log.Info("agent started", "team", a.cfg.Team, "model", a.cfg.Model, "inputs", subjects)
	return nil
}

func (a *Agent) Stop() {
	a.relay.Close()
}

// Handle processes one inbound envelope. Messages the agent published
// itself come back on the team wildcard and are ignored.
func (a *Agent) Handle(env *envelope.Envelope) {
	if env.SourceAgentID == a.cfg.ID {
		return
	}

	log := a.log.With("envelope", env.ID, "trace", env.TraceID)

	switch env.Type {
	case envelope.TypeToolCall:
		a.handleToolCall(env, log)
		return
	case envelope.TypeToolResult:
		a.handleToolResult(env, log)
		return
	}

	content := extractContent(env)
	if content == "" {
		log.Debug("envelope carries no content", "type", env.Type.String())
		return
	}

	log.Info("processing message", "from", env.SourceAgentID)
	a.convo.AddMessage("user", content)
	a.persist(env.ID, env.SourceAgentID, "user", content, env.TraceID)

	reply, err := a.reason(log)
	if err != nil {
		log.Error("reasoning failed", "error", err)
		return
	}
	if reply == "" {
		log.Info("no reply produced")
		return
	}

	a.convo.AddMessage("assistant", reply)
	if err := a.relay.SendText(reply, relay.Send{
		Recipient: env.SourceAgentID,
		Intent:    "reply",
		TraceID:   env.TraceID,
		Context:   map[string]any{"thread": env.TraceID},
	}); err != nil {
		log.Error("send reply", "error", err)
		return
	}
	a.persist("reply-"+env.ID, a.cfg.ID, "assistant", reply, env.TraceID)
	log.Info("reply sent", "recipient", env.SourceAgentID)
}

// fallbackReply answers the sender when the model produced nothing
// usable. An exchange never ends without a reply going back.
const fallbackReply = "I was unable to produce a response."

// reason runs the tool loop: generate, execute any requested tools,
// feed their output back, and repeat until the model answers in prose
// or the turn ceiling is hit. A failed or empty generation degrades to
// the fallback reply. An unknown tool name aborts the envelope;
// replying with hallucinated state would be worse than staying silent.
func (a *Agent) reason(log *slog.Logger) (string, error) {
	maxTurns := a.cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 3
	}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := a.generate()
		if err != nil {
			// A dead backend is treated as an empty generation so the
			// sender still gets an answer.
			log.Error("generation failed", "error", err)
			resp = &llm.Response{}
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				log.Warn("model produced no content, sending fallback")
				return fallbackReply, nil
			}
			return resp.Content, nil
		}

		log.Info("tool calls requested", "count", len(resp.ToolCalls), "turn", turn+1)
		for _, call := range resp.ToolCalls {
			result, err := a.tools.Execute(context.Background(), call.Name, call.Arguments)
			if err != nil {
				if errors.Is(err, tools.ErrUnknownTool) {
					return "", fmt.Errorf("model requested %q: %w", call.Name, err)
				}
				return "", err
			}
			a.convo.AddMessage("system", fmt.Sprintf("Tool '%s' Output: %v", call.Name, result))
		}
	}

	log.Warn("turn ceiling reached", "max_turns", maxTurns)
	return "I could not complete the request within my reasoning limit.", nil
}

func (a *Agent) generate() (*llm.Response, error) {
	timeout := a.cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	all := a.convo.Messages()
	system := a.convo.SystemPrompt()
	if system != "" {
		// Messages() puts the system prompt first; the backend takes it
		// as a separate argument.
		all = all[1:]
	}
	messages := make([]llm.Message, 0, len(all))
	for _, m := range all {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := a.backend.Generate(ctx, a.cfg.Model, messages, system, a.tools.Definitions())
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}

// handleToolCall serves a tool invocation requested by another agent
// over the bus and sends the result back to its result subject.
func (a *Agent) handleToolCall(env *envelope.Envelope, log *slog.Logger) {
	call := env.ToolCall
	result, err := a.tools.Execute(context.Background(), call.ToolName, call.Arguments)
	isError := false
	if err != nil {
		result = err.Error()
		isError = true
	}
	if err := a.relay.SendToolResult(env.SourceAgentID, call.CallID, result, isError); err != nil {
		log.Error("send tool result", "error", err)
		return
	}
	log.Info("served tool call", "tool", call.ToolName, "caller", env.SourceAgentID, "error", isError)
}

// handleToolResult folds a remote tool's output into the conversation
// as an observation for the next reasoning pass.
func (a *Agent) handleToolResult(env *envelope.Envelope, log *slog.Logger) {
	r := env.ToolResult
	if r.IsError {
		a.convo.AddMessage("system", fmt.Sprintf("Remote tool call %s failed: %v", r.CallID, r.Result))
	} else {
		a.convo.AddMessage("system", fmt.Sprintf("Remote tool call %s returned: %v", r.CallID, r.Result))
	}
	log.Info("remote tool result received", "call", r.CallID, "error", r.IsError)
}

// persist records a conversation turn. Persistence is best effort; a
// storage hiccup must not cost the agent a reply.
func (a *Agent) persist(msgID, sender, role, content, traceID string) {
	if a.store == nil {
		return
	}
	conversationID := "session-" + a.cfg.ID
	if err := a.store.EnsureConversation(conversationID, a.cfg.ID, ""); err != nil {
		a.log.Warn("persist conversation", "error", err)
		return
	}
	if err := a.store.SaveMessage(&store.Message{
		ID:             msgID,
		ConversationID: conversationID,
		Sender:         sender,
		Role:           role,
		Content:        content,
		TraceID:        traceID,
	}); err != nil {
		a.log.Warn("persist message", "error", err)
	}
}

func extractContent(env *envelope.Envelope) string {
	switch env.Type {
	case envelope.TypeText:
		if env.Text != nil {
			return env.Text.Content
		}
	case envelope.TypeEvent:
		if env.Event != nil {
			if s, ok := env.Event.Data["content"].(string); ok {
				return s
			}
		}
	}
	return ""
}

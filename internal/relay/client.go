package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mycelis/swarm/internal/buffer"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/nats-io/nats.go"
)

// Handler is invoked once per inbound envelope on a subscribed subject.
type Handler func(env *envelope.Envelope)

// Send carries the optional routing and metadata knobs for outbound
// messages. The zero value routes to the sender's own team output.
type Send struct {
	Recipient  string
	TargetTeam string
	Intent     string
	StreamID   string
	TraceID    string
	Context    map[string]any
}

// Client bridges one agent identity to the swarm bus. Publishes that
// cannot reach the bus degrade to the resilience buffer and are
// replayed, oldest first, when the connection comes back.
type Client struct {
	agentID string
	teamID  string
	url     string
	buf     *buffer.Buffer
	log     *slog.Logger

	// pubMu serializes buffer replay against fresh publishes so a new
	// message can never overtake a buffered older one on the same
	// subject.
	pubMu sync.Mutex

	mu   sync.Mutex
	conn *nats.Conn
	subs []subscription
}

type subscription struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

func New(agentID, teamID, url string, buf *buffer.Buffer) *Client {
	return &Client{
		agentID: agentID,
		teamID:  teamID,
		url:     url,
		buf:     buf,
		log:     slog.Default().With("agent", agentID),
	}
}

func (c *Client) AgentID() string { return c.agentID }
func (c *Client) TeamID() string  { return c.teamID }

// Conn exposes the underlying connection for JetStream management and
// raw subscriptions (channel provisioning, SSE bridge). Nil before
// Connect succeeds.
func (c *Client) Conn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect establishes the bus connection, subscribes the agent's direct
// inbox and team broadcast subjects with the default handler, and
// replays any impulses buffered while offline. Reconnections trigger
// another replay. Callers own the retry policy on failure.
func (c *Client) Connect(defaultHandler Handler) error {
	conn, err := nats.Connect(c.url,
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.log.Info("bus reconnected, replaying buffer")
			go c.Replay()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("bus connection lost", "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if defaultHandler != nil {
		if err := c.Subscribe(envelope.SubjectAgentWildcard(c.agentID), defaultHandler); err != nil {
			return err
		}
		if err := c.Subscribe(envelope.SubjectTeamWildcard(c.teamID), defaultHandler); err != nil {
			return err
		}
	}

	c.Replay()
	return nil
}

// Subscribe delivers each message on subject into a dedicated channel
// consumed by one goroutine, preserving per-subject order. Bytes that
// do not decode into an envelope are logged and dropped.
func (c *Client) Subscribe(subject string, h Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("subscribe %s: not connected", subject)
	}

	ch := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(subject, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, subscription{sub: sub, ch: ch})
	c.mu.Unlock()

	go func() {
		for msg := range ch {
			env, err := envelope.Decode(msg.Data)
			if err != nil {
				c.log.Warn("dropping malformed envelope", "subject", msg.Subject, "error", err)
				continue
			}
			h(env)
		}
	}()

	c.log.Info("subscribed", "subject", subject)
	return nil
}

// SendText publishes a TEXT envelope routed per the precedence rules:
// explicit recipient, then target team, then own team output.
func (c *Client) SendText(content string, opt Send) error {
	intent := opt.Intent
	if intent == "" {
		intent = "inform"
	}
	env := envelope.NewText(c.agentID, c.teamID, content, opt.Recipient, intent, opt.TraceID, opt.Context)
	subject := envelope.ResolveOutput(c.agentID, c.teamID, opt.Recipient, opt.TargetTeam)
	return c.Publish(subject, env)
}

// SendEvent publishes an EVENT envelope with a structured data map.
func (c *Client) SendEvent(eventType string, data map[string]any, opt Send) error {
	env := envelope.NewEvent(c.agentID, c.teamID, eventType, data, opt.StreamID, opt.TraceID, opt.Context)
	subject := envelope.ResolveOutput(c.agentID, c.teamID, opt.Recipient, opt.TargetTeam)
	return c.Publish(subject, env)
}

// SendToolCall publishes a TOOL_CALL envelope to the tool's bridge
// subject and returns the call id for correlation.
func (c *Client) SendToolCall(toolName string, args map[string]any, callID string) error {
	env := envelope.NewToolCall(c.agentID, c.teamID, toolName, args, callID)
	return c.Publish(envelope.SubjectToolCall(toolName), env)
}

// SendToolResult publishes a TOOL_RESULT envelope to the requesting
// agent's result subject.
func (c *Client) SendToolResult(agentID, callID string, result any, isError bool) error {
	env := envelope.NewToolResult(c.agentID, c.teamID, callID, result, isError)
	return c.Publish(envelope.SubjectToolResult(agentID), env)
}

// Publish serializes and publishes an envelope to an explicit subject.
// Transport failures are absorbed: the impulse lands in the buffer and
// the call succeeds from the caller's point of view. Only a buffer
// write failure (e.g. disk full) is surfaced.
func (c *Client) Publish(subject string, env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return c.bufferImpulse(subject, data, "not connected")
	}
	if err := conn.Publish(subject, data); err != nil {
		return c.bufferImpulse(subject, data, err.Error())
	}
	return nil
}

func (c *Client) bufferImpulse(subject string, data []byte, reason string) error {
	if err := c.buf.Append(subject, data); err != nil {
		return fmt.Errorf("buffer impulse: %w", err)
	}
	c.log.Warn("bus unreachable, impulse buffered", "subject", subject, "reason", reason)
	return nil
}

// Replay drains the resilience buffer oldest-first over the live
// connection. It holds the publish lock for the whole drain, so fresh
// traffic queues behind the replay instead of overtaking it. A publish
// failure stops the drain; the failed impulse and its successors stay
// buffered for the next attempt.
func (c *Client) Replay() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return
	}

	replayed := 0
	err := c.buf.Drain(func(imp buffer.Impulse) error {
		if err := conn.Publish(imp.Subject, imp.Payload); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		c.log.Warn("buffer replay interrupted", "replayed", replayed, "error", err)
		return
	}
	if replayed > 0 {
		conn.Flush()
		c.log.Info("buffer replayed", "count", replayed)
	}
}

// Flush waits for all published messages to be processed by the server.
func (c *Client) Flush() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Flush()
}

// Close drains in-flight traffic and releases the connection. Safe to
// call when Connect never succeeded.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
	}
	if conn != nil {
		_ = conn.Drain()
	}
	for _, s := range subs {
		close(s.ch)
	}
}

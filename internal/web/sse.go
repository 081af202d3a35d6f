package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/store"
	"github.com/mycelis/swarm/internal/stream"
	"github.com/nats-io/nats.go"
)

const (
	keepaliveInterval = 15 * time.Second
	dedupWindow       = 1024
)

// seenSet remembers the most recent envelope ids on a stream. Old
// entries fall out once the window is full, keeping memory bounded on
// long-lived connections.
type seenSet struct {
	ids   map[string]bool
	order []string
	next  int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{ids: make(map[string]bool, limit), order: make([]string, limit)}
}

// observe reports whether id was already seen, recording it if not.
func (s *seenSet) observe(id string) bool {
	if s.ids[id] {
		return true
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = true
	return false
}

// handleStream bridges a channel to the browser as server-sent events.
// The channel's stream is provisioned first so subscribing and history
// agree on what the channel is; both the bare subject and everything
// beneath it are forwarded. Envelope ids become SSE event ids, which
// lets clients deduplicate after a reconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		jsonError(w, "channel is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := stream.EnsureChannel(s.js, channel); err != nil {
		slog.Warn("stream channel provisioning failed", "channel", channel, "error", err)
	}

	conn := s.relay.Conn()
	if conn == nil {
		jsonError(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}

	msgs := make(chan *nats.Msg, 64)
	subs := make([]*nats.Subscription, 0, 2)
	for _, subject := range []string{channel, channel + ".>"} {
		sub, err := conn.ChanSubscribe(subject, msgs)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			jsonError(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	slog.Info("sse stream opened", "channel", channel, "remote", r.RemoteAddr)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	seen := newSeenSet(dedupWindow)
	for {
		select {
		case <-r.Context().Done():
			slog.Info("sse stream closed", "channel", channel)
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg := <-msgs:
			env, err := envelope.Decode(msg.Data)
			if err != nil {
				slog.Warn("dropping malformed envelope on sse stream", "channel", channel, "error", err)
				continue
			}
			if seen.observe(env.ID) {
				continue
			}

			s.persistStreamMessage(channel, env)

			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n",
				env.ID, env.Type.String(), sseData(env))
			flusher.Flush()
		}
	}
}

// persistStreamMessage records streamed text for later replay. Best
// effort only; a storage failure never interrupts the live stream.
func (s *Server) persistStreamMessage(channel string, env *envelope.Envelope) {
	if s.store == nil || env.Type != envelope.TypeText || env.Text == nil {
		return
	}
	if err := s.store.EnsureConversation(channel, env.SourceAgentID, channel); err != nil {
		slog.Warn("persist stream conversation", "error", err)
		return
	}
	if err := s.store.SaveMessage(&store.Message{
		ID:             env.ID,
		ConversationID: channel,
		Sender:         env.SourceAgentID,
		Role:           "user",
		Content:        env.Text.Content,
		TraceID:        env.TraceID,
	}); err != nil {
		slog.Warn("persist stream message", "error", err)
	}
}

func sseData(env *envelope.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

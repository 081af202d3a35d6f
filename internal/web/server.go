// Package web exposes the swarm over HTTP: chat injection, channel
// ingestion, live channel streaming (SSE and WebSocket) and read access
// to persisted conversations.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/relay"
	"github.com/mycelis/swarm/internal/store"
	"github.com/mycelis/swarm/internal/stream"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store     *store.Store
	relay     *relay.Client
	js        nats.JetStreamContext
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(st *store.Store, rc *relay.Client, cfg config.WebConfig, version string) (*Server, error) {
	conn := rc.Conn()
	if conn == nil {
		return nil, fmt.Errorf("web server requires a connected relay")
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Server{
		store:     st,
		relay:     rc,
		js:        js,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.forwardSwarmTraffic()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.withMiddleware(s.routes())}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/agents/{name}/chat", s.handleChat)
	mux.HandleFunc("POST /api/ingest/{channel...}", s.handleIngest)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/stream/{channel...}", s.handleStream)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("GET /api/messages/recent", s.handleRecentMessages)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return mux
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleChat injects a user message into an agent's chat channel. The
// channel's stream is provisioned on first use so the message is
// durable even when the agent is not yet running.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body struct {
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	sender := body.Sender
	if sender == "" {
		sender = "user"
	}

	channel := envelope.SubjectChatAgent(name)
	if err := stream.EnsureChannel(s.js, channel); err != nil {
		slog.Warn("chat channel provisioning failed", "channel", channel, "error", err)
	}

	env := envelope.NewText(sender, "", body.Content, name, "ask", "", nil)
	if err := s.relay.Publish(channel, env); err != nil {
		jsonError(w, "publish failed", http.StatusBadGateway)
		return
	}

	jsonResponse(w, map[string]string{
		"id":      env.ID,
		"trace":   env.TraceID,
		"channel": channel,
	})
}

// handleIngest publishes an arbitrary event onto a named channel.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		jsonError(w, "channel is required", http.StatusBadRequest)
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := stream.EnsureChannel(s.js, channel); err != nil {
		slog.Warn("ingest channel provisioning failed", "channel", channel, "error", err)
	}

	eventType, _ := data["event_type"].(string)
	if eventType == "" {
		eventType = "ingest"
	}
	env := envelope.NewEvent("web", "", eventType, data, channel, "", nil)
	if err := s.relay.Publish(channel, env); err != nil {
		jsonError(w, "publish failed", http.StatusBadGateway)
		return
	}

	jsonResponse(w, map[string]string{"id": env.ID, "channel": channel})
}

// handleChannels lists the provisioned durable channels.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	type channelInfo struct {
		Stream   string   `json:"stream"`
		Subjects []string `json:"subjects"`
		Messages uint64   `json:"messages"`
	}

	var channels []channelInfo
	for info := range s.js.Streams() {
		channels = append(channels, channelInfo{
			Stream:   info.Config.Name,
			Subjects: info.Config.Subjects,
			Messages: info.State.Msgs,
		})
	}
	if channels == nil {
		channels = []channelInfo{}
	}
	jsonResponse(w, channels)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.Conversation{})
		return
	}
	convs, err := s.store.ListConversations()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	jsonResponse(w, convs)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.Message{})
		return
	}
	msgs, err := s.store.GetMessages(r.PathValue("id"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	jsonResponse(w, msgs)
}

// handleRecentMessages returns the latest messages across all
// conversations, newest first. Backs the activity feed.
func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.Message{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	msgs, err := s.store.GetRecentMessages(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	jsonResponse(w, msgs)
}

// forwardSwarmTraffic mirrors decoded swarm envelopes to connected
// WebSocket clients for live inspection.
func (s *Server) forwardSwarmTraffic() {
	forward := func(env *envelope.Envelope) {
		s.hub.Broadcast(Event{Type: env.Type.String(), Payload: env})
	}
	if err := s.relay.Subscribe("swarm.>", forward); err != nil {
		slog.Error("swarm traffic subscription failed", "error", err)
	}
	if err := s.relay.Subscribe("chat.>", forward); err != nil {
		slog.Error("chat traffic subscription failed", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

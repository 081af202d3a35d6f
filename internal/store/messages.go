package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Channel   string    `json:"channel,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TraceID        string    `json:"trace_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnsureConversation creates the conversation row if it does not exist
// and bumps its updated_at when it does.
func (s *Store) EnsureConversation(id, agentID, channel string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, agent_id, channel)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=CURRENT_TIMESTAMP`,
		id, agentID, channel)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// SaveMessage persists one message. Message ids come from the envelope
// layer and are globally unique, so replayed or duplicated deliveries
// collapse into a single row.
func (s *Store) SaveMessage(msg *Message) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, conversation_id, sender, role, content, trace_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Role, msg.Content, msg.TraceID)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender, role, content, trace_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender, role, content, trace_id, created_at
		FROM messages
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return messages, rows.Err()
}

func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, channel, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var channel sql.NullString
		if err := rows.Scan(&c.ID, &c.AgentID, &channel, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Channel = channel.String
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var traceID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Role, &m.Content, &traceID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TraceID = traceID.String
		messages = append(messages, m)
	}
	return messages, nil
}

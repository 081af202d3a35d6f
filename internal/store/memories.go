package store

import (
	"fmt"
	"time"
)

type Memory struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveMemory(agentID, content string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO memories (agent_id, content) VALUES (?, ?)`,
		agentID, content)
	if err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// SearchMemories returns an agent's memories whose content matches the
// query substring, newest first. An empty query returns everything up
// to the limit.
func (s *Store) SearchMemories(agentID, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, content, created_at
		FROM memories
		WHERE agent_id = ? AND content LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`, agentID, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func (s *Store) DeleteMemory(id int64) error {
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

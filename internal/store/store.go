// Package store keeps the messages of one room in arrival order, unique by
// server id.
package store

import (
	"sync"

	"chat-sync/internal/models"
)

// MessageStore is an ordered, deduplicated message sequence. Order is the
// order messages were loaded or appended in and is never re-sorted by
// timestamp.
type MessageStore struct {
	mu       sync.RWMutex
	messages []models.Message
	index    map[models.ID]int
}

func New() *MessageStore {
	return &MessageStore{index: make(map[models.ID]int)}
}

// LoadInitial replaces the whole content with messages. A repeated id within
// the batch keeps its first occurrence.
func (s *MessageStore) LoadInitial(messages []models.Message) {
	loaded := make([]models.Message, 0, len(messages))
	index := make(map[models.ID]int, len(messages))
	for _, msg := range messages {
		if _, exists := index[msg.ID]; exists {
			continue
		}
		index[msg.ID] = len(loaded)
		loaded = append(loaded, msg)
	}

	s.mu.Lock()
	s.messages = loaded
	s.index = index
	s.mu.Unlock()
}

// Append adds msg at the end unless its id is already stored. It reports
// whether the message was inserted.
func (s *MessageStore) Append(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[msg.ID]; exists {
		return false
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return true
}

// All returns a copy of the stored messages.
func (s *MessageStore) All() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) Contains(id models.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Last returns the most recently arrived message.
func (s *MessageStore) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

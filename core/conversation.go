package core

import (
	"fmt"
	"sync"
	"time"
)

// Conversation tracks the append-only message log of one loop instance plus
// the transport identifiers that bind it to the peer. It is safe for
// concurrent access.
//
// Contract:
//   - Messages are immutable once appended
//   - Snapshot returns a defensive copy to avoid external mutation
//   - Clone performs a deep copy for safe divergence (context forking)
//   - A conversation is never shared across two loop instances
type Conversation struct {
	ID            string
	WorkDoneToken string
	Created       time.Time
	Updated       time.Time

	mu       sync.RWMutex
	messages []Message
}

// NewConversation creates an empty conversation with generated identifiers.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:            NewID(),
		WorkDoneToken: NewID(),
		Created:       now,
		Updated:       now,
	}
}

// Append adds messages to the log updating the Updated timestamp.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
	c.Updated = time.Now()
}

// Snapshot returns a defensive copy of the full message log.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// Len returns the number of messages in the log.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// LastAssistant returns the most recent assistant message, if any.
func (c *Conversation) LastAssistant() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			return c.messages[i], true
		}
	}
	return Message{}, false
}

// Replace swaps the entire message log. Used by compaction, which folds
// older messages into a summary before the next model call.
func (c *Conversation) Replace(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = msgs
	c.Updated = time.Now()
}

// Clone returns a deep copy with fresh identifiers. The copy owns an
// independent message log seeded from the receiver's history.
func (c *Conversation) Clone() *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := NewConversation()
	clone.messages = make([]Message, len(c.messages))
	copy(clone.messages, c.messages)
	return clone
}

// ConversationStore persists conversations across loop runs. Worker sessions
// use it to continue role-local context between orchestrated tasks.
type ConversationStore interface {
	Create() (*Conversation, error)
	Put(conv *Conversation) error
	Get(id string) (*Conversation, error)
	Delete(id string) error
}

// InMemoryConversationStore is a mutex-guarded map-backed store suitable for
// tests and single-process deployments.
type InMemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewInMemoryConversationStore creates an empty store.
func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{conversations: map[string]*Conversation{}}
}

// Create adds a fresh conversation to the store.
func (s *InMemoryConversationStore) Create() (*Conversation, error) {
	conv := NewConversation()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return conv, nil
}

// Put registers an externally created conversation under its id.
func (s *InMemoryConversationStore) Put(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

// Get returns the conversation with the given id.
func (s *InMemoryConversationStore) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

// Delete removes the conversation with the given id. Deleting an unknown id
// is not an error.
func (s *InMemoryConversationStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

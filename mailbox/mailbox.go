package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/core"
)

// CoordinatorRole is the sender name whose messages outrank other senders
// during a poll cycle.
const CoordinatorRole = "coordinator"

// Entry is one mailbox message.
type Entry struct {
	ID                string    `json:"id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Text              string    `json:"text"`
	Read              bool      `json:"read"`
	IsShutdownRequest bool      `json:"is_shutdown_request,omitempty"`
	Created           time.Time `json:"created"`
}

// Task is one entry on the shared task list, claimable by any worker.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	Created   time.Time `json:"created"`
}

// Store persists mailbox entries and the shared task list.
type Store interface {
	// Send appends an entry to the recipient's mailbox.
	Send(ctx context.Context, entry Entry) error
	// Unread returns the recipient's unread entries ordered by creation time.
	Unread(ctx context.Context, recipient string) ([]Entry, error)
	// MarkRead flags an entry as consumed.
	MarkRead(ctx context.Context, id string) error
	// AddTask appends an unclaimed entry to the shared task list.
	AddTask(ctx context.Context, task Task) error
	// ClaimTask atomically claims the oldest unclaimed task for worker.
	// The second return value is false when no unclaimed task exists.
	ClaimTask(ctx context.Context, worker string) (Task, bool, error)
}

// NewEntry builds a message entry with generated id and timestamp.
func NewEntry(from, to, text string) Entry {
	return Entry{ID: core.NewID(), From: from, To: to, Text: text, Created: time.Now()}
}

// NewShutdownRequest builds a shutdown entry for the recipient.
func NewShutdownRequest(from, to string) Entry {
	entry := NewEntry(from, to, "shutdown")
	entry.IsShutdownRequest = true
	return entry
}

// NewTask builds an unclaimed shared task.
func NewTask(text string) Task {
	return Task{ID: core.NewID(), Text: text, Created: time.Now()}
}

// InMemoryStore is a mutex-guarded Store for single-process teams and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	tasks   []Task
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Send implements Store.
func (s *InMemoryStore) Send(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Unread implements Store.
func (s *InMemoryStore) Unread(_ context.Context, recipient string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unread []Entry
	for _, entry := range s.entries {
		if entry.To == recipient && !entry.Read {
			unread = append(unread, entry)
		}
	}
	sort.SliceStable(unread, func(i, j int) bool { return unread[i].Created.Before(unread[j].Created) })

	return unread, nil
}

// MarkRead implements Store.
func (s *InMemoryStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].Read = true
			return nil
		}
	}

	return nil
}

// AddTask implements Store.
func (s *InMemoryStore) AddTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

// ClaimTask implements Store.
func (s *InMemoryStore) ClaimTask(_ context.Context, worker string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].ClaimedBy == "" {
			s.tasks[i].ClaimedBy = worker
			return s.tasks[i], true, nil
		}
	}

	return Task{}, false, nil
}

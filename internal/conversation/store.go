// Package conversation holds per-conversation message history shared by
// pipeline runs, with TTL-based eviction of idle conversations.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one turn in a conversation. Role is "user" or "assistant".
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation is an append-only ordered message log. Messages are never
// reordered or rewritten.
type Conversation struct {
	ID          string    `json:"id"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store is a process-wide concurrent map of conversation id → state.
// All methods are safe for concurrent use from simultaneous pipeline runs;
// conversations are independent, so a single RWMutex over the map suffices.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	now           func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
	}
}

// GetOrCreate returns a snapshot of the conversation with the given id,
// creating it first if absent. Pass an empty id to start a fresh
// conversation with a generated id. The returned value is a copy; callers
// read it without further locking.
func (s *Store) GetOrCreate(id string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	c, ok := s.conversations[id]
	if !ok {
		now := s.now().UTC()
		c = &Conversation{ID: id, CreatedAt: now, LastUpdated: now}
		s.conversations[id] = c
	}
	return snapshot(c)
}

// Append adds a message to the conversation, creating it if needed, and
// bumps LastUpdated.
func (s *Store) Append(id string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id, CreatedAt: now}
		s.conversations[id] = c
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	c.Messages = append(c.Messages, msg)
	c.LastUpdated = now
}

// History returns a snapshot of the conversation's messages, or nil if the
// conversation does not exist.
func (s *Store) History(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return msgs
}

// Evict removes every conversation whose LastUpdated is older than maxAge
// and returns the number removed.
func (s *Store) Evict(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-maxAge)
	removed := 0
	for id, c := range s.conversations {
		if c.LastUpdated.Before(cutoff) {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// RunReaper evicts idle conversations every interval until ctx is
// cancelled. Eviction runs on a schedule, not on every write, so the write
// path stays constant-time.
func (s *Store) RunReaper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(ttl); n > 0 {
				slog.Info("evicted idle conversations", "count", n, "ttl", ttl)
			}
		}
	}
}

func snapshot(c *Conversation) Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

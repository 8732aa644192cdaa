package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable chat history. Implementations must return History in
// ascending creation order.
type Store interface {
	Append(ctx context.Context, m *Message) (*Message, error)
	History(ctx context.Context, userA, userB string) ([]Message, error)
	MarkSeen(ctx context.Context, from, to string) (int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	UnreadBySender(ctx context.Context, userID string) (map[string]int64, error)
}

// MemoryStore keeps history in process memory. Used by tests and by the
// "memory" storage driver for local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages []Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := *m
	stored.ID = s.nextID
	stored.Seen = false
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.messages = append(s.messages, stored)
	return &stored, nil
}

func (s *MemoryStore) History(_ context.Context, userA, userB string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID == from && m.ReceiverID == to && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Seen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadBySender(_ context.Context, userID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Seen {
			out[m.SenderID]++
		}
	}
	return out, nil
}

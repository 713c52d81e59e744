package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是进程内的消息存储，不落盘，仅用于开发模式与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	msgs   []Message
	nextID uint64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Persist(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.CreatedAt = s.now().UTC()
	s.msgs = append(s.msgs, msg)
	return msg, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, userA, userB string, page Page) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Message, 0)
	for _, m := range s.msgs {
		if !inConversation(m, userA, userB) {
			continue
		}
		if page.BeforeID > 0 && m.ID >= page.BeforeID {
			continue
		}
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[len(out)-page.Limit:]
	}
	return out, nil
}

// Len 返回已存储的消息总数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func inConversation(m Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

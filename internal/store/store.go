//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"time"
)

// Message 是一条已持久化的私信。持久化之后不可变。
type Message struct {
	ID         uint64    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Page 控制会话历史的分页。Limit 为 0 表示返回整个会话。
type Page struct {
	Limit    int
	BeforeID uint64
}

// Store 是消息的持久化日志。
//
// Persist 负责分配单调递增的 ID 与 CreatedAt；Conversation 返回 {A,B} 双方的全部消息，
// 按 CreatedAt 升序、ID 次序排列。带 Limit 时返回最新的 Limit 条，仍然升序。
type Store interface {
	Persist(ctx context.Context, msg Message) (Message, error)
	Conversation(ctx context.Context, userA, userB string, page Page) ([]Message, error)
}

// less 定义会话内的全序：先比较 CreatedAt，再比较 ID。
func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

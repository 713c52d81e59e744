package service

import (
	"context"
	"strings"

	"musicchat/internal/store"
)

const maxHistoryLimit = 200

// MessageService 提供 HTTP 侧的会话历史查询，写入只走 relay。
type MessageService struct {
	store store.Store
}

func NewMessageService(st store.Store) *MessageService {
	return &MessageService{store: st}
}

// History 返回两人之间的消息，按时间升序。limit 缺省（<= 0）时返回整个会话，
// 显式给出时截断到 maxHistoryLimit。
func (s *MessageService) History(ctx context.Context, me, peer string, limit int, beforeID uint64) ([]store.Message, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == me {
		return nil, ErrSelfConversation
	}
	limit = max(limit, 0)
	limit = min(limit, maxHistoryLimit)
	msgs, err := s.store.Conversation(ctx, me, peer, store.Page{Limit: limit, BeforeID: beforeID})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

package store

import (
	"context"
	"time"

	"musicchat/internal/models"

	"gorm.io/gorm"
)

// GormStore 基于 GORM 的消息存储，生产环境使用 Postgres，测试使用 SQLite。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Persist(ctx context.Context, msg Message) (Message, error) {
	// Postgres timestamp 只有微秒精度，先截断以保证返回值与落盘值一致。
	row := models.Message{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Body:       msg.Body,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Message{}, err
	}
	return fromRow(row), nil
}

// Conversation 查询双方会话。分页时先倒序取最新 Limit 条，再反转为升序。
func (s *GormStore) Conversation(ctx context.Context, userA, userB string, page Page) ([]Message, error) {
	q := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA)
	if page.BeforeID > 0 {
		q = q.Where("id < ?", page.BeforeID)
	}

	var rows []models.Message
	if page.Limit > 0 {
		q = q.Order("created_at desc").Order("id desc").Limit(page.Limit)
	} else {
		q = q.Order("created_at asc").Order("id asc")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	if page.Limit > 0 {
		reverse(out)
	}
	return out, nil
}

func fromRow(r models.Message) Message {
	return Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Body:       r.Body,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

package models

import "time"

// User 是外部认证方签发身份在本地的资料投影，ExternalID 即 relay 中的用户标识。
type User struct {
	ID         uint   `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex;size:128;not null"`
	FullName   string `gorm:"size:128"`
	ImageURL   string `gorm:"size:512"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Message struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	SenderID   string    `gorm:"index:idx_msg_pair,priority:1;size:128;not null"`
	ReceiverID string    `gorm:"index:idx_msg_pair,priority:2;size:128;not null"`
	Body       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index:idx_msg_pair,priority:3;not null"`
}

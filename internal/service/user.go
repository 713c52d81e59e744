package service

import (
	"errors"
	"strings"

	"musicchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserService 维护身份提供方同步过来的用户资料。
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// UserDTO 是对外输出的用户资料。
type UserDTO struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	ImageURL string `json:"imageUrl"`
}

func toDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ExternalID, FullName: u.FullName, ImageURL: u.ImageURL}
}

// Upsert 按外部身份创建或更新用户资料，重复回调只刷新姓名和头像。
func (s *UserService) Upsert(externalID, fullName, imageURL string) (*UserDTO, error) {
	externalID = strings.TrimSpace(externalID)
	fullName = strings.TrimSpace(fullName)
	if externalID == "" || fullName == "" {
		return nil, ErrInvalidProfile
	}
	user := models.User{ExternalID: externalID, FullName: fullName, ImageURL: strings.TrimSpace(imageURL)}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "image_url", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}
	out := toDTO(user)
	return &out, nil
}

// Get 按外部身份查询用户。
func (s *UserService) Get(externalID string) (*UserDTO, error) {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	out := toDTO(user)
	return &out, nil
}

// ListExcept 返回除调用者外的全部用户，按姓名排序。
func (s *UserService) ListExcept(externalID string) ([]UserDTO, error) {
	var users []models.User
	if err := s.db.Where("external_id <> ?", externalID).Order("full_name asc, id asc").Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toDTO(u))
	}
	return out, nil
}

package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/next-trace/scg-rpc-bus/contract/blog"
)

type userModel struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Login        string    `gorm:"column:login;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	LastName     string    `gorm:"column:last_name;not null"`
	FirstName    string    `gorm:"column:first_name;not null"`
	RegisteredAt time.Time `gorm:"column:registered_at;not null;index"`
}

func (userModel) TableName() string { return "users" }

type postModel struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title     string    `gorm:"column:title;not null"`
	Content   string    `gorm:"column:content;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`

	User userModel `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

func (postModel) TableName() string { return "posts" }

func (m userModel) toEntity() blog.User {
	return blog.User{
		ID:           m.ID,
		Login:        m.Login,
		PasswordHash: m.PasswordHash,
		LastName:     m.LastName,
		FirstName:    m.FirstName,
		RegisteredAt: m.RegisteredAt.UTC(),
	}
}

func (m postModel) toEntity() blog.Post {
	return blog.Post{
		ID:        m.ID,
		Title:     m.Title,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		UserID:    m.UserID,
	}
}

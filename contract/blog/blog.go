/*
Package blog holds the domain entities and the executor contract the backend worker
delegates to. Persistence lives behind DomainExecutor; this package has no storage code.
*/
package blog

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// User is a registered blog author.
type User struct {
	ID           uuid.UUID
	Login        string
	PasswordHash string
	LastName     string
	FirstName    string
	RegisteredAt time.Time
}

// Post is an article owned by a User.
type Post struct {
	ID        uuid.UUID
	Title     string
	Content   string
	CreatedAt time.Time
	UserID    uuid.UUID
}

// UserDTO is the public projection of a User. The password hash never leaves the worker.
type UserDTO struct {
	ID           uuid.UUID  `json:"Id"`
	Login        string     `json:"Login"`
	LastName     string     `json:"LastName"`
	FirstName    string     `json:"FirstName"`
	RegisteredAt *time.Time `json:"RegisteredAt,omitempty"`
}

// PostDTO is the public projection of a Post.
type PostDTO struct {
	ID        uuid.UUID `json:"Id"`
	Title     string    `json:"Title"`
	Content   string    `json:"Content"`
	CreatedAt time.Time `json:"CreatedAt"`
	UserID    uuid.UUID `json:"UserId"`
}

// ToDTO projects u for the wire.
func (u User) ToDTO() UserDTO {
	at := u.RegisteredAt

	return UserDTO{
		ID:           u.ID,
		Login:        u.Login,
		LastName:     u.LastName,
		FirstName:    u.FirstName,
		RegisteredAt: &at,
	}
}

// ToDTO projects p for the wire.
func (p Post) ToDTO() PostDTO {
	return PostDTO{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		UserID:    p.UserID,
	}
}

// DomainExecutor performs the entity operations behind the rpc actions.
//
// Implementations report a missing entity with an error matching errors.ErrNotFound and
// a uniqueness violation with one matching errors.ErrConflict. Any other error is treated
// as an infrastructure fault and makes the consumer retry the message.
// Implementations must be safe for concurrent use.
type DomainExecutor interface {
	AddUser(ctx context.Context, login, passwordHash, lastName, firstName string) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	ListUsers(ctx context.Context, page, size int) ([]User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, login, lastName, firstName string) error
	DeleteUser(ctx context.Context, id uuid.UUID) error

	AddPost(ctx context.Context, title, content string, userID uuid.UUID) (Post, error)
	GetPost(ctx context.Context, id uuid.UUID) (Post, error)
	ListPosts(ctx context.Context, page, size int) ([]Post, error)
	UpdatePost(ctx context.Context, id uuid.UUID, title, content string) error
	DeletePost(ctx context.Context, id uuid.UUID) error
}

// Offset converts a 1-based page number and a page size into a row offset.
// Non-positive inputs are clamped to the first page of size one. An offset that
// does not fit in an int saturates at math.MaxInt, past any result set.
func Offset(page, size int) (offset, limit int) {
	if page < 1 {
		page = 1
	}

	if size < 1 {
		size = 1
	}

	if page-1 > math.MaxInt/size {
		return math.MaxInt, size
	}

	return (page - 1) * size, size
}

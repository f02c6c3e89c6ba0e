package rpc

import "github.com/google/uuid"

// Result payloads carried in Ok responses. Reads return blog DTOs directly.

type CreatedUser struct {
	UserID uuid.UUID `json:"UserId"`
}

type CreatedPost struct {
	PostID uuid.UUID `json:"PostId"`
}

type Success struct {
	Success bool `json:"Success"`
}

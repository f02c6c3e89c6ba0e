package servicebus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/next-trace/scg-rpc-bus/contract/blog"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// RemoteError is an Error response surfaced by the Blog facade.
type RemoteError struct {
	Action string
	ID     uuid.UUID
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Action, e.ID, e.Reason)
}

// Blog is a typed facade over Client, one method per action.
type Blog struct {
	client *Client
	auth   string
	cost   int
}

// NewBlog wraps c; every request carries auth as its credential.
func NewBlog(c *Client, auth string) *Blog {
	return &Blog{client: c, auth: auth, cost: bcrypt.DefaultCost}
}

func call[R any](ctx context.Context, b *Blog, p rpc.Payload) (R, error) {
	var out R

	req, err := rpc.NewRequest(p.Action(), p, b.auth)
	if err != nil {
		return out, err
	}

	resp, err := b.client.CallEnvelope(ctx, req)
	if err != nil {
		return out, err
	}

	if !resp.OK() {
		return out, &RemoteError{Action: p.Action(), ID: req.ID, Reason: resp.Error}
	}

	if err := resp.DecodeData(&out); err != nil {
		return out, err
	}

	return out, nil
}

// RegisterUser hashes password with bcrypt and creates the user.
func (b *Blog) RegisterUser(ctx context.Context, login, password, lastName, firstName string) (uuid.UUID, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return uuid.Nil, fmt.Errorf("register %s: %w", login, err)
	}

	return b.CreateUser(ctx, rpc.CreateUser{
		Login:        login,
		PasswordHash: string(hash),
		LastName:     lastName,
		FirstName:    firstName,
	})
}

func (b *Blog) CreateUser(ctx context.Context, p rpc.CreateUser) (uuid.UUID, error) {
	res, err := call[rpc.CreatedUser](ctx, b, p)
	return res.UserID, err
}

func (b *Blog) GetUser(ctx context.Context, id uuid.UUID) (blog.UserDTO, error) {
	return call[blog.UserDTO](ctx, b, rpc.GetUser{UserID: id})
}

func (b *Blog) ListUsers(ctx context.Context, page, size int) ([]blog.UserDTO, error) {
	return call[[]blog.UserDTO](ctx, b, rpc.ListUsers{PageNumber: page, PageSize: size})
}

func (b *Blog) UpdateUser(ctx context.Context, p rpc.UpdateUser) error {
	_, err := call[rpc.Success](ctx, b, p)
	return err
}

func (b *Blog) DeleteUser(ctx context.Context, id uuid.UUID) error {
	_, err := call[rpc.Success](ctx, b, rpc.DeleteUser{UserID: id})
	return err
}

func (b *Blog) CreatePost(ctx context.Context, title, content string, userID uuid.UUID) (uuid.UUID, error) {
	res, err := call[rpc.CreatedPost](ctx, b, rpc.CreatePost{Title: title, Content: content, UserID: userID})
	return res.PostID, err
}

func (b *Blog) GetPost(ctx context.Context, id uuid.UUID) (blog.PostDTO, error) {
	return call[blog.PostDTO](ctx, b, rpc.GetPost{PostID: id})
}

func (b *Blog) ListPosts(ctx context.Context, page, size int) ([]blog.PostDTO, error) {
	return call[[]blog.PostDTO](ctx, b, rpc.ListPosts{PageNumber: page, PageSize: size})
}

func (b *Blog) UpdatePost(ctx context.Context, id uuid.UUID, title, content string) error {
	_, err := call[rpc.Success](ctx, b, rpc.UpdatePost{PostID: id, Title: title, Content: content})
	return err
}

func (b *Blog) DeletePost(ctx context.Context, id uuid.UUID) error {
	_, err := call[rpc.Success](ctx, b, rpc.DeletePost{PostID: id})
	return err
}

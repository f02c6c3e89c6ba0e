package servicebus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/next-trace/scg-rpc-bus/contract/blog"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// NewBlogDispatcher builds a Dispatcher with every blog action bound to exec.
func NewBlogDispatcher(exec blog.DomainExecutor, logger *zap.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	d := NewDispatcher(logger, opts...)
	if err := BindBlog(d, exec); err != nil {
		return nil, err
	}

	return d, nil
}

// BindBlog binds the ten user and post actions to exec.
func BindBlog(d *Dispatcher, exec blog.DomainExecutor) error {
	return errors.Join(
		Bind(d, func(ctx context.Context, p rpc.CreateUser) (rpc.CreatedUser, error) {
			u, err := exec.AddUser(ctx, p.Login, p.PasswordHash, p.LastName, p.FirstName)
			if err != nil {
				return rpc.CreatedUser{}, domainError("User", err)
			}

			return rpc.CreatedUser{UserID: u.ID}, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.GetUser) (blog.UserDTO, error) {
			u, err := exec.GetUser(ctx, p.UserID)
			if err != nil {
				return blog.UserDTO{}, domainError("User", err)
			}

			return u.ToDTO(), nil
		}),
		Bind(d, func(ctx context.Context, p rpc.ListUsers) ([]blog.UserDTO, error) {
			users, err := exec.ListUsers(ctx, p.PageNumber, p.PageSize)
			if err != nil {
				return nil, domainError("User", err)
			}

			out := make([]blog.UserDTO, 0, len(users))
			for _, u := range users {
				out = append(out, u.ToDTO())
			}

			return out, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.UpdateUser) (rpc.Success, error) {
			if err := exec.UpdateUser(ctx, p.UserID, p.Login, p.LastName, p.FirstName); err != nil {
				return rpc.Success{}, domainError("User", err)
			}

			return rpc.Success{Success: true}, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.DeleteUser) (rpc.Success, error) {
			if err := exec.DeleteUser(ctx, p.UserID); err != nil {
				return rpc.Success{}, domainError("User", err)
			}

			return rpc.Success{Success: true}, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.CreatePost) (rpc.CreatedPost, error) {
			post, err := exec.AddPost(ctx, p.Title, p.Content, p.UserID)
			if err != nil {
				// the only missing entity on create is the author
				return rpc.CreatedPost{}, domainError("User", err)
			}

			return rpc.CreatedPost{PostID: post.ID}, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.GetPost) (blog.PostDTO, error) {
			post, err := exec.GetPost(ctx, p.PostID)
			if err != nil {
				return blog.PostDTO{}, domainError("Post", err)
			}

			return post.ToDTO(), nil
		}),
		Bind(d, func(ctx context.Context, p rpc.ListPosts) ([]blog.PostDTO, error) {
			posts, err := exec.ListPosts(ctx, p.PageNumber, p.PageSize)
			if err != nil {
				return nil, domainError("Post", err)
			}

			out := make([]blog.PostDTO, 0, len(posts))
			for _, post := range posts {
				out = append(out, post.ToDTO())
			}

			return out, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.UpdatePost) (rpc.Success, error) {
			if err := exec.UpdatePost(ctx, p.PostID, p.Title, p.Content); err != nil {
				return rpc.Success{}, domainError("Post", err)
			}

			return rpc.Success{Success: true}, nil
		}),
		Bind(d, func(ctx context.Context, p rpc.DeletePost) (rpc.Success, error) {
			if err := exec.DeletePost(ctx, p.PostID); err != nil {
				return rpc.Success{}, domainError("Post", err)
			}

			return rpc.Success{Success: true}, nil
		}),
	)
}

// domainError gives not-found and conflict errors a caller-facing reason.
// Everything else passes through untouched and is retried by the consumer.
func domainError(entity string, err error) error {
	switch {
	case errors.Is(err, berr.ErrNotFound):
		return &DispatchError{Reason: entity + " not found", Err: err}
	case errors.Is(err, berr.ErrConflict):
		return &DispatchError{Reason: entity + " already exists", Err: err}
	default:
		return err
	}
}

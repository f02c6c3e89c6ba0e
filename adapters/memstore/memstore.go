// Package memstore is an in-process blog.DomainExecutor for tests, demos and single-node workers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/next-trace/scg-rpc-bus/contract/blog"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for registration and creation stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps users and posts in maps guarded by one RWMutex.
// Logins are unique; deleting a user deletes the user's posts.
type Store struct {
	mu    sync.RWMutex
	users map[uuid.UUID]blog.User
	posts map[uuid.UUID]blog.Post
	seq   map[uuid.UUID]uint64
	next  uint64
	now   func() time.Time
}

var _ blog.DomainExecutor = (*Store)(nil)

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		users: make(map[uuid.UUID]blog.User),
		posts: make(map[uuid.UUID]blog.Post),
		seq:   make(map[uuid.UUID]uint64),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) AddUser(ctx context.Context, login, passwordHash, lastName, firstName string) (blog.User, error) {
	if err := ctx.Err(); err != nil {
		return blog.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loginTakenLocked(login, uuid.Nil) {
		return blog.User{}, fmt.Errorf("add user %q: %w", login, berr.ErrConflict)
	}

	u := blog.User{
		ID:           uuid.New(),
		Login:        login,
		PasswordHash: passwordHash,
		LastName:     lastName,
		FirstName:    firstName,
		RegisteredAt: s.now().UTC(),
	}
	s.users[u.ID] = u
	s.stampLocked(u.ID)

	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (blog.User, error) {
	if err := ctx.Err(); err != nil {
		return blog.User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return blog.User{}, fmt.Errorf("get user %s: %w", id, berr.ErrNotFound)
	}

	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, page, size int) ([]blog.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]blog.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}

	sort.Slice(all, func(i, j int) bool { return s.seq[all[i].ID] < s.seq[all[j].ID] })

	return window(all, page, size), nil
}

func (s *Store) UpdateUser(ctx context.Context, id uuid.UUID, login, lastName, firstName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("update user %s: %w", id, berr.ErrNotFound)
	}

	if s.loginTakenLocked(login, id) {
		return fmt.Errorf("update user %s login %q: %w", id, login, berr.ErrConflict)
	}

	u.Login, u.LastName, u.FirstName = login, lastName, firstName
	s.users[id] = u

	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("delete user %s: %w", id, berr.ErrNotFound)
	}

	delete(s.users, id)
	delete(s.seq, id)

	for pid, p := range s.posts {
		if p.UserID == id {
			delete(s.posts, pid)
			delete(s.seq, pid)
		}
	}

	return nil
}

func (s *Store) AddPost(ctx context.Context, title, content string, userID uuid.UUID) (blog.Post, error) {
	if err := ctx.Err(); err != nil {
		return blog.Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return blog.Post{}, fmt.Errorf("add post for user %s: %w", userID, berr.ErrNotFound)
	}

	p := blog.Post{
		ID:        uuid.New(),
		Title:     title,
		Content:   content,
		CreatedAt: s.now().UTC(),
		UserID:    userID,
	}
	s.posts[p.ID] = p
	s.stampLocked(p.ID)

	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (blog.Post, error) {
	if err := ctx.Err(); err != nil {
		return blog.Post{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return blog.Post{}, fmt.Errorf("get post %s: %w", id, berr.ErrNotFound)
	}

	return p, nil
}

func (s *Store) ListPosts(ctx context.Context, page, size int) ([]blog.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]blog.Post, 0, len(s.posts))
	for _, p := range s.posts {
		all = append(all, p)
	}

	sort.Slice(all, func(i, j int) bool { return s.seq[all[i].ID] < s.seq[all[j].ID] })

	return window(all, page, size), nil
}

func (s *Store) UpdatePost(ctx context.Context, id uuid.UUID, title, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("update post %s: %w", id, berr.ErrNotFound)
	}

	p.Title, p.Content = title, content
	s.posts[id] = p

	return nil
}

func (s *Store) DeletePost(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[id]; !ok {
		return fmt.Errorf("delete post %s: %w", id, berr.ErrNotFound)
	}

	delete(s.posts, id)
	delete(s.seq, id)

	return nil
}

func (s *Store) loginTakenLocked(login string, except uuid.UUID) bool {
	for id, u := range s.users {
		if id != except && u.Login == login {
			return true
		}
	}

	return false
}

func (s *Store) stampLocked(id uuid.UUID) {
	s.next++
	s.seq[id] = s.next
}

func window[T any](all []T, page, size int) []T {
	offset, limit := blog.Offset(page, size)
	if offset >= len(all) {
		return []T{}
	}

	end := len(all)
	if limit < end-offset {
		end = offset + limit
	}

	return all[offset:end]
}

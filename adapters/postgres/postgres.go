/*
Package postgres is the GORM-backed blog.DomainExecutor.

Missing rows map to errors.ErrNotFound, unique violations (SQLSTATE 23505) to
errors.ErrConflict, and a post referencing an unknown author (23503) to ErrNotFound.
Every other database error is returned as is and is retried by the consumer.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/next-trace/scg-rpc-bus/contract/blog"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", berr.ErrInvalidConfig)
	}

	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Executor implements blog.DomainExecutor on Postgres.
type Executor struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ blog.DomainExecutor = (*Executor)(nil)

func NewExecutor(db *gorm.DB, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{db: db, logger: logger, now: time.Now}
}

// Migrate creates or updates the users and posts tables.
func (e *Executor) Migrate(ctx context.Context) error {
	if err := e.db.WithContext(ctx).AutoMigrate(&userModel{}, &postModel{}); err != nil {
		return fmt.Errorf("migrate blog schema: %w", err)
	}

	return nil
}

func (e *Executor) AddUser(ctx context.Context, login, passwordHash, lastName, firstName string) (blog.User, error) {
	row := userModel{
		ID:           uuid.New(),
		Login:        login,
		PasswordHash: passwordHash,
		LastName:     lastName,
		FirstName:    firstName,
		RegisteredAt: e.now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return blog.User{}, mapError("add user", err)
	}

	return row.toEntity(), nil
}

func (e *Executor) GetUser(ctx context.Context, id uuid.UUID) (blog.User, error) {
	var row userModel
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return blog.User{}, mapError("get user", err)
	}

	return row.toEntity(), nil
}

func (e *Executor) ListUsers(ctx context.Context, page, size int) ([]blog.User, error) {
	offset, limit := blog.Offset(page, size)

	var rows []userModel
	if err := e.db.WithContext(ctx).Order("registered_at ASC, id ASC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, mapError("list users", err)
	}

	items := make([]blog.User, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}

	return items, nil
}

func (e *Executor) UpdateUser(ctx context.Context, id uuid.UUID, login, lastName, firstName string) error {
	result := e.db.WithContext(ctx).
		Model(&userModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"login":      login,
			"last_name":  lastName,
			"first_name": firstName,
		})
	if result.Error != nil {
		return mapError("update user", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("update user %s: %w", id, berr.ErrNotFound)
	}

	return nil
}

func (e *Executor) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&postModel{}).Error; err != nil {
			return mapError("delete user posts", err)
		}

		result := tx.Where("id = ?", id).Delete(&userModel{})
		if result.Error != nil {
			return mapError("delete user", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("delete user %s: %w", id, berr.ErrNotFound)
		}

		return nil
	})
}

func (e *Executor) AddPost(ctx context.Context, title, content string, userID uuid.UUID) (blog.Post, error) {
	row := postModel{
		ID:        uuid.New(),
		Title:     title,
		Content:   content,
		CreatedAt: e.now().UTC(),
		UserID:    userID,
	}
	if err := e.db.WithContext(ctx).Omit("User").Create(&row).Error; err != nil {
		return blog.Post{}, mapError("add post", err)
	}

	return row.toEntity(), nil
}

func (e *Executor) GetPost(ctx context.Context, id uuid.UUID) (blog.Post, error) {
	var row postModel
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return blog.Post{}, mapError("get post", err)
	}

	return row.toEntity(), nil
}

func (e *Executor) ListPosts(ctx context.Context, page, size int) ([]blog.Post, error) {
	offset, limit := blog.Offset(page, size)

	var rows []postModel
	if err := e.db.WithContext(ctx).Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, mapError("list posts", err)
	}

	items := make([]blog.Post, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}

	return items, nil
}

func (e *Executor) UpdatePost(ctx context.Context, id uuid.UUID, title, content string) error {
	result := e.db.WithContext(ctx).
		Model(&postModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":   title,
			"content": content,
		})
	if result.Error != nil {
		return mapError("update post", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("update post %s: %w", id, berr.ErrNotFound)
	}

	return nil
}

func (e *Executor) DeletePost(ctx context.Context, id uuid.UUID) error {
	result := e.db.WithContext(ctx).Where("id = ?", id).Delete(&postModel{})
	if result.Error != nil {
		return mapError("delete post", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("delete post %s: %w", id, berr.ErrNotFound)
	}

	return nil
}

// mapError translates driver errors into the coded domain errors.
func mapError(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, berr.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, berr.ErrConflict, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", op, berr.ErrNotFound, pgErr.ConstraintName)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

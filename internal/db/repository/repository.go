package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
	ErrDatabase     = errors.New("database error")
)

// Repository defines what every GORM-backed repository exposes
type Repository interface {
	// GetDB returns the underlying database connection
	GetDB() *gorm.DB
}

// BaseRepository provides common functionality for repositories
type BaseRepository struct {
	db *gorm.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *gorm.DB) BaseRepository {
	return BaseRepository{db: db}
}

// GetDB returns the underlying database connection
func (r *BaseRepository) GetDB() *gorm.DB {
	return r.db
}

// withContext scopes the connection to the request context
func (r *BaseRepository) withContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// handleError converts GORM errors to repository errors, keeping the cause for logs
func (r *BaseRepository) handleError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

package repository

import "gorm.io/gorm"

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db        *gorm.DB
	eventRepo EventRepository
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

// Event returns the event repository
func (f *RepositoryFactory) Event() EventRepository {
	if f.eventRepo == nil {
		f.eventRepo = NewEventRepository(f.db)
	}
	return f.eventRepo
}

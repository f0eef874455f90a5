package entities

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Repository is the generic capability workflow actions need from an entity
// kind: load it and set one field. Each entity type gets its own typed
// implementation registered at startup; there is no reflective lookup.
type Repository interface {
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (map[string]interface{}, error)
	UpdateField(ctx context.Context, tenantID, id uuid.UUID, field string, value interface{}) error
}

// Registry maps entityType names to repositories. It is populated once in the
// composition root and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]Repository
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{repos: make(map[string]Repository)}
}

// Register binds an entity type name to its repository.
func (r *Registry) Register(entityType string, repo Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[entityType] = repo
}

// Resolve returns the repository for an entity type.
func (r *Registry) Resolve(entityType string) (Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[entityType]
	if !ok {
		return nil, errors.Errorf("unknown entity type %q", entityType)
	}
	return repo, nil
}

// Types returns the registered entity type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.repos))
	for t := range r.repos {
		types = append(types, t)
	}
	return types
}

// gormRepository serves one table through GORM. Reads go to the read-only
// database, writes to the primary, matching the repositories package.
type gormRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
	table      string
}

// NewGormRepository creates a Repository over a single table.
func NewGormRepository(db, readOnlyDB *gorm.DB, table string) Repository {
	return &gormRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
		table:      table,
	}
}

func (r *gormRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (map[string]interface{}, error) {
	row := map[string]interface{}{}
	err := r.readOnlyDB.WithContext(ctx).
		Table(r.table).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s %s", r.table, id)
	}
	return row, nil
}

func (r *gormRepository) UpdateField(ctx context.Context, tenantID, id uuid.UUID, field string, value interface{}) error {
	result := r.db.WithContext(ctx).
		Table(r.table).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update(field, value)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update %s.%s", r.table, field)
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("no %s row updated for id %s", r.table, id)
	}
	return nil
}

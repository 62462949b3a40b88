package repository

import (
	"context"

	"hub-backend/internal/models"

	"gorm.io/gorm"
)

// LeafRepository defines data access for persisted commitment leaves.
type LeafRepository interface {
	Append(ctx context.Context, leaf *models.CommitmentLeafRecord) error
	// ListOrdered returns every leaf in insertion order for tree rebuild.
	ListOrdered(ctx context.Context) ([]*models.CommitmentLeafRecord, error)
	Count(ctx context.Context) (int64, error)
	// RecentRoots returns the latest n post-insert roots, oldest first,
	// to reseed the known-root history after a restart.
	RecentRoots(ctx context.Context, n int) ([]string, error)
}

type leafRepository struct {
	db *gorm.DB
}

// NewLeafRepository creates a new LeafRepository instance.
func NewLeafRepository(db *gorm.DB) LeafRepository {
	return &leafRepository{db: db}
}

func (r *leafRepository) Append(ctx context.Context, leaf *models.CommitmentLeafRecord) error {
	return r.db.WithContext(ctx).Create(leaf).Error
}

func (r *leafRepository) ListOrdered(ctx context.Context) ([]*models.CommitmentLeafRecord, error) {
	var leaves []*models.CommitmentLeafRecord
	err := r.db.WithContext(ctx).
		Order("leaf_index ASC").
		Find(&leaves).Error
	return leaves, err
}

func (r *leafRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CommitmentLeafRecord{}).Count(&count).Error
	return count, err
}

func (r *leafRepository) RecentRoots(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		n = 1
	}

	var roots []string
	err := r.db.WithContext(ctx).
		Model(&models.CommitmentLeafRecord{}).
		Order("leaf_index DESC").
		Limit(n).
		Pluck("root_after", &roots).Error
	if err != nil {
		return nil, err
	}

	// Reverse to oldest-first so replaying into the history ring keeps the
	// newest root last.
	for i, j := 0, len(roots)-1; i < j; i, j = i+1, j-1 {
		roots[i], roots[j] = roots[j], roots[i]
	}
	return roots, nil
}

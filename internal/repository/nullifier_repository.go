package repository

import (
	"context"

	"hub-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NullifierRepository defines data access for the consumed-nullifier set.
type NullifierRepository interface {
	// Consume atomically records the nullifier as spent. Returns false when
	// it was already present. The check and the insert are one statement so
	// two concurrent withdrawals of the same note cannot both pass.
	Consume(ctx context.Context, nullifier string) (bool, error)
	Exists(ctx context.Context, nullifier string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type nullifierRepository struct {
	db *gorm.DB
}

// NewNullifierRepository creates a new NullifierRepository instance.
func NewNullifierRepository(db *gorm.DB) NullifierRepository {
	return &nullifierRepository{db: db}
}

func (r *nullifierRepository) Consume(ctx context.Context, nullifier string) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.NullifierRecord{Nullifier: nullifier})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *nullifierRepository) Exists(ctx context.Context, nullifier string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.NullifierRecord{}).
		Where("nullifier = ?", nullifier).
		Count(&count).Error
	return count > 0, err
}

func (r *nullifierRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.NullifierRecord{}).Count(&count).Error
	return count, err
}

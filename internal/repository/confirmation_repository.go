package repository

import (
	"context"

	"hub-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfirmationRepository defines data access for signer confirmations.
type ConfirmationRepository interface {
	// Insert stores a confirmation unless the (transfer, signer) pair
	// already exists. Returns whether a new row landed.
	Insert(ctx context.Context, confirmation *models.ConfirmationRecord) (bool, error)
	ListByTransfer(ctx context.Context, transferID string) ([]*models.ConfirmationRecord, error)
	CountDistinctSigners(ctx context.Context, transferID string) (int64, error)
}

type confirmationRepository struct {
	db *gorm.DB
}

// NewConfirmationRepository creates a new ConfirmationRepository instance.
func NewConfirmationRepository(db *gorm.DB) ConfirmationRepository {
	return &confirmationRepository{db: db}
}

// Insert relies on the unique (transfer_id, signer_id) index plus
// ON CONFLICT DO NOTHING, so a duplicate signer is decided in one
// statement.
func (r *confirmationRepository) Insert(ctx context.Context, confirmation *models.ConfirmationRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(confirmation)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *confirmationRepository) ListByTransfer(ctx context.Context, transferID string) ([]*models.ConfirmationRecord, error) {
	var confirmations []*models.ConfirmationRecord
	err := r.db.WithContext(ctx).
		Where("transfer_id = ?", transferID).
		Order("created_at ASC").
		Find(&confirmations).Error
	return confirmations, err
}

func (r *confirmationRepository) CountDistinctSigners(ctx context.Context, transferID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConfirmationRecord{}).
		Where("transfer_id = ?", transferID).
		Distinct("signer_id").
		Count(&count).Error
	return count, err
}

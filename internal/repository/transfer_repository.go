package repository

import (
	"context"
	"errors"
	"time"

	"hub-backend/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// TransferRepository defines data access for transfer records.
type TransferRepository interface {
	Create(ctx context.Context, transfer *models.TransferRecord) error
	GetByTransferID(ctx context.Context, transferID string) (*models.TransferRecord, error)
	List(ctx context.Context, status models.TransferStatus, chainID uint64, page, pageSize int) ([]*models.TransferRecord, int64, error)
	ListLive(ctx context.Context) ([]*models.TransferRecord, error)
	ListDispatchable(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*models.TransferRecord, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.TransferRecord, error)
	UpdateFields(ctx context.Context, transferID string, updates map[string]interface{}) error

	// TransitionStatus performs a guarded status change: the row is updated
	// only when it is still in the expected state. Returns whether the
	// transition won.
	TransitionStatus(ctx context.Context, transferID string, from, to models.TransferStatus, updates map[string]interface{}) (bool, error)

	MaxNonce(ctx context.Context) (uint64, error)
	CountByStatus(ctx context.Context) (map[models.TransferStatus]int64, error)
}

type transferRepository struct {
	db *gorm.DB
}

// NewTransferRepository creates a new TransferRepository instance.
func NewTransferRepository(db *gorm.DB) TransferRepository {
	return &transferRepository{db: db}
}

func (r *transferRepository) Create(ctx context.Context, transfer *models.TransferRecord) error {
	return r.db.WithContext(ctx).Create(transfer).Error
}

func (r *transferRepository) GetByTransferID(ctx context.Context, transferID string) (*models.TransferRecord, error) {
	var transfer models.TransferRecord
	err := r.db.WithContext(ctx).Where("transfer_id = ?", transferID).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *transferRepository) List(ctx context.Context, status models.TransferStatus, chainID uint64, page, pageSize int) ([]*models.TransferRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := r.db.WithContext(ctx).Model(&models.TransferRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if chainID != 0 {
		query = query.Where("destination_chain_id = ?", chainID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transfers []*models.TransferRecord
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transfers).Error
	return transfers, total, err
}

// ListLive returns every transfer the coordinator must rehydrate after a
// restart: pending and confirmed rows, oldest first.
func (r *transferRepository) ListLive(ctx context.Context) ([]*models.TransferRecord, error) {
	var transfers []*models.TransferRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.TransferStatus{models.TransferStatusPending, models.TransferStatusConfirmed}).
		Order("created_at ASC").
		Find(&transfers).Error
	return transfers, err
}

// ListDispatchable returns confirmed transfers for one destination chain
// whose retry backoff has elapsed, oldest first.
func (r *transferRepository) ListDispatchable(ctx context.Context, chainID uint64, now time.Time, limit int) ([]*models.TransferRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var transfers []*models.TransferRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND destination_chain_id = ?", models.TransferStatusConfirmed, chainID).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

func (r *transferRepository) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.TransferRecord, error) {
	var transfers []*models.TransferRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.TransferStatusPending, cutoff).
		Order("created_at ASC").
		Find(&transfers).Error
	return transfers, err
}

func (r *transferRepository) UpdateFields(ctx context.Context, transferID string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.TransferRecord{}).
		Where("transfer_id = ?", transferID).
		Updates(updates).Error
}

func (r *transferRepository) TransitionStatus(ctx context.Context, transferID string, from, to models.TransferStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := r.db.WithContext(ctx).
		Model(&models.TransferRecord{}).
		Where("transfer_id = ? AND status = ?", transferID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *transferRepository) MaxNonce(ctx context.Context) (uint64, error) {
	var nonce *uint64
	err := r.db.WithContext(ctx).
		Model(&models.TransferRecord{}).
		Select("MAX(nonce)").
		Scan(&nonce).Error
	if err != nil {
		return 0, err
	}
	if nonce == nil {
		return 0, nil
	}
	return *nonce, nil
}

func (r *transferRepository) CountByStatus(ctx context.Context) (map[models.TransferStatus]int64, error) {
	type row struct {
		Status models.TransferStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.TransferRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.TransferStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

package repository

import (
	"context"

	"hub-backend/internal/models"

	"gorm.io/gorm"
)

// AuditRepository defines data access for the append-only audit trail.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditRecord) error
	List(ctx context.Context, action string, page, pageSize int) ([]*models.AuditRecord, int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository instance.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, entry *models.AuditRecord) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *auditRepository) List(ctx context.Context, action string, page, pageSize int) ([]*models.AuditRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := r.db.WithContext(ctx).Model(&models.AuditRecord{})
	if action != "" {
		query = query.Where("action = ?", action)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []*models.AuditRecord
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	return entries, total, err
}

package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
)

// Repository appends and reads the usage and fee audit trail.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateUsageLog(ctx context.Context, entry *models.UsageLog) error
	CreateFeeLog(ctx context.Context, entry *models.FeeLog) error
	ListUsageByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.UsageLog, error)
	ListFeesByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.FeeLog, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateUsageLog(ctx context.Context, entry *models.UsageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) CreateFeeLog(ctx context.Context, entry *models.FeeLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListUsageByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.UsageLog, error) {
	var logs []models.UsageLog
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repository) ListFeesByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.FeeLog, error) {
	var logs []models.FeeLog
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

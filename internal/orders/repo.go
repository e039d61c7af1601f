package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
)

const defaultListLimit = 100

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByLedgerTxID(ctx context.Context, txID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("ledger_tx_id = ?", txID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) ListMatchCandidates(ctx context.Context, query MatchQuery) ([]models.Order, error) {
	q := r.db.WithContext(ctx).
		Where("payment_status = ?", enums.PaymentStatusUnpaid).
		Where("status = ?", enums.OrderStatusPending).
		Where("network = ?", query.Network).
		Where("created_at >= ?", query.CreatedAfter).
		Where("price >= ? AND price <= ?", query.MinPrice, query.MaxPrice)
	if query.Currency != nil {
		q = q.Where("currency = ?", *query.Currency)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var orders []models.Order
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, from []enums.OrderStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Where("status IN ?", from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ConsumeUnits(ctx context.Context, id uuid.UUID, expectedRemaining, units int, guard UnitGuard, updates map[string]any) (bool, error) {
	values := map[string]any{
		"used_units":      gorm.Expr("used_units + ?", units),
		"remaining_units": gorm.Expr("remaining_units - ?", units),
	}
	for k, v := range updates {
		values[k] = v
	}
	q := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Where("status = ?", enums.OrderStatusActive).
		Where("remaining_units = ?", expectedRemaining).
		Where("remaining_units >= ?", units)
	if !guard.InactiveBefore.IsZero() {
		q = q.Where("COALESCE(last_usage_at, created_at) < ?", guard.InactiveBefore)
	}
	if !guard.FeeCheckedBefore.IsZero() {
		q = q.Where("(last_fee_check_at IS NULL OR last_fee_check_at < ?)", guard.FeeCheckedBefore)
	}
	res := q.Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListByStatus(ctx context.Context, status enums.OrderStatus, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListActiveUnitPackages(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusActive).
		Where("type = ?", enums.OrderTypeUnitPackage).
		Where("remaining_units > 0").
		Order("created_at ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListFeeCandidates(ctx context.Context, inactiveBefore, windowStart time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusActive).
		Where("type = ?", enums.OrderTypeUnitPackage).
		Where("remaining_units > 0").
		Where("COALESCE(last_usage_at, created_at) < ?", inactiveBefore).
		Where("(last_fee_check_at IS NULL OR last_fee_check_at < ?)", windowStart).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusPending).
		Where("payment_status = ?", enums.PaymentStatusUnpaid).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListExpiredSingleGrants(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusActive).
		Where("type = ?", enums.OrderTypeSingleGrant).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusProcessing).
		Where("updated_at < ?", updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// Repository defines persistence operations for the orders table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// FindByLedgerTxID returns nil when no order references txID.
	FindByLedgerTxID(ctx context.Context, txID string) (*models.Order, error)
	ListMatchCandidates(ctx context.Context, query MatchQuery) ([]models.Order, error)
	// UpdateStatus applies updates only while the order is still in one of from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []enums.OrderStatus, updates map[string]any) (bool, error)
	// ConsumeUnits moves units from remaining to used only while remaining_units
	// still equals expectedRemaining, the order is active and guard holds.
	ConsumeUnits(ctx context.Context, id uuid.UUID, expectedRemaining, units int, guard UnitGuard, updates map[string]any) (bool, error)
	ListByStatus(ctx context.Context, status enums.OrderStatus, limit int) ([]models.Order, error)
	ListActiveUnitPackages(ctx context.Context) ([]models.Order, error)
	ListFeeCandidates(ctx context.Context, inactiveBefore, dayStart time.Time, limit int) ([]models.Order, error)
	ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	ListExpiredSingleGrants(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error)
}

// UnitGuard adds row conditions to ConsumeUnits. Zero fields are not checked.
type UnitGuard struct {
	// InactiveBefore requires the last grant, or creation, before it.
	InactiveBefore time.Time
	// FeeCheckedBefore requires no fee stamp at or after it.
	FeeCheckedBefore time.Time
}

// MatchQuery selects unpaid orders that could settle a transfer. A nil
// Currency matches any currency.
type MatchQuery struct {
	Network      string
	Currency     *enums.Currency
	CreatedAfter time.Time
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	Limit        int
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

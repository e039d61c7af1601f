package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// Order is a purchase entitling TargetAddress to one or more resource grants.
type Order struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber    string              `gorm:"column:order_number;not null;uniqueIndex"`
	Type           enums.OrderType     `gorm:"column:type;type:text;not null"`
	Network        string              `gorm:"column:network;not null;index:idx_orders_match,priority:1"`
	Currency       enums.Currency      `gorm:"column:currency;type:text;not null"`
	Price          decimal.Decimal     `gorm:"column:price;type:numeric(38,6);not null"`
	ResourceAmount int64               `gorm:"column:resource_amount;not null;default:0"`
	RentalDuration int64               `gorm:"column:rental_duration_seconds;not null;default:0"`
	UnitCount      int                 `gorm:"column:unit_count;not null;default:0"`
	UsedUnits      int                 `gorm:"column:used_units;not null;default:0"`
	RemainingUnits int                 `gorm:"column:remaining_units;not null;default:0"`
	Status         enums.OrderStatus   `gorm:"column:status;type:text;not null;default:'pending'"`
	PaymentStatus  enums.PaymentStatus `gorm:"column:payment_status;type:text;not null;default:'unpaid';index:idx_orders_match,priority:2"`
	TargetAddress  string              `gorm:"column:target_address;not null"`
	SourceAccount  *string             `gorm:"column:source_account"`
	LedgerTxID     *string             `gorm:"column:ledger_tx_id;uniqueIndex"`
	GrantTxID      *string             `gorm:"column:grant_tx_id"`
	FailureReason  *string             `gorm:"column:failure_reason"`
	CreatedAt      time.Time           `gorm:"column:created_at;not null;index:idx_orders_match,priority:3"`
	PaidAt         *time.Time          `gorm:"column:paid_at"`
	ExpiresAt      *time.Time          `gorm:"column:expires_at"`
	LastUsageAt    *time.Time          `gorm:"column:last_usage_at"`
	NextEligibleAt *time.Time          `gorm:"column:next_eligible_at"`
	LastFeeCheckAt *time.Time          `gorm:"column:last_fee_check_at"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;not null"`
}

func (Order) TableName() string { return "orders" }

// BeforeCreate fills identity and timestamps the datastore would otherwise default.
func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return nil
}

// IsUnitPackage reports whether grants are counted against UnitCount.
func (o Order) IsUnitPackage() bool {
	return o.Type == enums.OrderTypeUnitPackage
}

// RentalPeriod returns the order's own grant duration, or fallback when unset.
func (o Order) RentalPeriod(fallback time.Duration) time.Duration {
	if o.RentalDuration > 0 {
		return time.Duration(o.RentalDuration) * time.Second
	}
	return fallback
}

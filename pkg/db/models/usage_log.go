package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// UsageLog is an append-only audit row written once per unit consumed by a grant.
type UsageLog struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	Amount        int64           `gorm:"column:amount;not null"`
	Reason        enums.LogReason `gorm:"column:reason;type:text;not null"`
	BeforeValue   int             `gorm:"column:before_value;not null"`
	AfterValue    int             `gorm:"column:after_value;not null"`
	GrantTxID     *string         `gorm:"column:grant_tx_id"`
	SourceAccount *string         `gorm:"column:source_account"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
}

func (UsageLog) TableName() string { return "usage_logs" }

func (l *UsageLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return nil
}

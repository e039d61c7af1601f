package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// ProviderAccount is a staking account whose capacity backs resource grants.
// Capacity is never stored; it is read live from the ledger.
type ProviderAccount struct {
	ID            uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	Network       string                      `gorm:"column:network;not null;uniqueIndex:idx_provider_accounts_network_address,priority:1"`
	Address       string                      `gorm:"column:address;not null;uniqueIndex:idx_provider_accounts_network_address,priority:2"`
	PrivateKeyRef string                      `gorm:"column:private_key_ref;not null"`
	Priority      int                         `gorm:"column:priority;not null;default:0"`
	Status        enums.ProviderAccountStatus `gorm:"column:status;type:text;not null;default:'active'"`
	Label         *string                     `gorm:"column:label"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProviderAccount) TableName() string { return "provider_accounts" }

func (a *ProviderAccount) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

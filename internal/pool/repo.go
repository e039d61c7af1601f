package pool

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/internal/repo"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// Repository reads provider accounts. Accounts are provisioned out-of-band.
type Repository interface {
	ListActive(ctx context.Context, network string) ([]models.ProviderAccount, error)
	FindByAddress(ctx context.Context, network, address string) (*models.ProviderAccount, error)
	Create(ctx context.Context, account *models.ProviderAccount) error
}

type repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

// ListActive returns active accounts, highest priority first. Ties fall back
// to address so iteration order is stable.
func (r *repository) ListActive(ctx context.Context, network string) ([]models.ProviderAccount, error) {
	var accounts []models.ProviderAccount
	if err := r.DB(ctx).
		Where("network = ?", network).
		Where("status = ?", enums.ProviderAccountStatusActive).
		Order("priority DESC").
		Order("address ASC").
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repository) FindByAddress(ctx context.Context, network, address string) (*models.ProviderAccount, error) {
	var account models.ProviderAccount
	if err := r.DB(ctx).
		Where("network = ? AND address = ?", network, address).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) Create(ctx context.Context, account *models.ProviderAccount) error {
	return r.DB(ctx).Create(account).Error
}

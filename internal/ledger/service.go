package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// Service validates and records audit rows. Rows are append-only.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordUsage(ctx context.Context, input RecordUsageInput) (*models.UsageLog, error)
	RecordFee(ctx context.Context, input RecordFeeInput) (*models.FeeLog, error)
}

type service struct {
	repo Repository
}

// RecordUsageInput captures one unit consumed by a grant.
type RecordUsageInput struct {
	OrderID       uuid.UUID
	Amount        int64
	Reason        enums.LogReason
	Before        int
	After         int
	GrantTxID     string
	SourceAccount string
	At            time.Time
}

// RecordFeeInput captures one inactivity fee deduction.
type RecordFeeInput struct {
	OrderID uuid.UUID
	Units   int
	Before  int
	After   int
	At      time.Time
}

// NewService builds an audit service backed by the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) RecordUsage(ctx context.Context, input RecordUsageInput) (*models.UsageLog, error) {
	if input.OrderID == uuid.Nil {
		return nil, fmt.Errorf("order id is required")
	}
	if input.Reason != enums.LogReasonActivationGrant && input.Reason != enums.LogReasonUsageGrant {
		return nil, fmt.Errorf("invalid usage reason %q", input.Reason)
	}
	if input.Before-input.After != 1 {
		return nil, fmt.Errorf("usage entry must consume exactly one unit, got %d -> %d", input.Before, input.After)
	}

	entry := &models.UsageLog{
		OrderID:     input.OrderID,
		Amount:      input.Amount,
		Reason:      input.Reason,
		BeforeValue: input.Before,
		AfterValue:  input.After,
		CreatedAt:   input.At,
	}
	if input.GrantTxID != "" {
		entry.GrantTxID = &input.GrantTxID
	}
	if input.SourceAccount != "" {
		entry.SourceAccount = &input.SourceAccount
	}
	if err := s.repo.CreateUsageLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) RecordFee(ctx context.Context, input RecordFeeInput) (*models.FeeLog, error) {
	if input.OrderID == uuid.Nil {
		return nil, fmt.Errorf("order id is required")
	}
	if input.Units <= 0 {
		return nil, fmt.Errorf("fee units must be positive")
	}
	if input.Before-input.After != input.Units || input.After < 0 {
		return nil, fmt.Errorf("fee entry does not balance: %d - %d != %d", input.Before, input.After, input.Units)
	}

	entry := &models.FeeLog{
		OrderID:     input.OrderID,
		Amount:      int64(input.Units),
		Reason:      enums.LogReasonDailyFee,
		BeforeValue: input.Before,
		AfterValue:  input.After,
		CreatedAt:   input.At,
	}
	if err := s.repo.CreateFeeLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

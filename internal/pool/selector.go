// Package pool picks a provider account with enough live capacity to back a grant.
package pool

import (
	"context"
	"fmt"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

type accountLister interface {
	ListActive(ctx context.Context, network string) ([]models.ProviderAccount, error)
}

// ResourceReader reads live account resources on a network.
type ResourceReader interface {
	AccountResources(ctx context.Context, network, address string) (tron.AccountResources, error)
}

type exhaustionRecorder interface {
	PoolExhausted(network string)
}

// Selection is the outcome of Select. A nil Account is pool exhaustion, a
// normal result carrying Reason.
type Selection struct {
	Account  *models.ProviderAccount
	Capacity int64
	Reason   enums.FailureReason
	// Skipped counts accounts whose resources could not be read.
	Skipped int
}

// Found reports whether an account was selected.
func (s Selection) Found() bool { return s.Account != nil }

type SelectorParams struct {
	Accounts  accountLister
	Resources ResourceReader
	Logger    *logger.Logger
	Metrics   exhaustionRecorder
}

type Selector struct {
	accounts  accountLister
	resources ResourceReader
	logg      *logger.Logger
	metrics   exhaustionRecorder
}

func NewSelector(p SelectorParams) (*Selector, error) {
	if p.Accounts == nil {
		return nil, fmt.Errorf("provider account repository required")
	}
	if p.Resources == nil {
		return nil, fmt.Errorf("resource reader required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Selector{
		accounts:  p.Accounts,
		resources: p.Resources,
		logg:      p.Logger,
		metrics:   p.Metrics,
	}, nil
}

// Capacity returns the net delegatable energy of one account.
func Capacity(res tron.AccountResources) int64 {
	return res.DelegatableEnergy()
}

// Select returns the first active account, by priority, whose live capacity
// covers required energy. Only a failure to list accounts is an error.
func (s *Selector) Select(ctx context.Context, required int64, network string) (Selection, error) {
	accounts, err := s.accounts.ListActive(ctx, network)
	if err != nil {
		return Selection{}, fmt.Errorf("listing provider accounts: %w", err)
	}

	var skipped int
	for i := range accounts {
		account := accounts[i]
		res, err := s.resources.AccountResources(ctx, network, account.Address)
		if err != nil {
			skipped++
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"network": network,
				"account": account.Address,
				"error":   err.Error(),
			}), "provider account resources unavailable, skipping")
			continue
		}
		capacity := Capacity(res)
		if capacity >= required {
			return Selection{Account: &account, Capacity: capacity, Skipped: skipped}, nil
		}
	}

	if s.metrics != nil {
		s.metrics.PoolExhausted(network)
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"network":  network,
		"required": required,
		"accounts": len(accounts),
		"skipped":  skipped,
	}), "no provider account has enough capacity")
	return Selection{Reason: enums.FailureReasonInsufficientCapacity, Skipped: skipped}, nil
}

package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
)

// MatchKind reports how a transfer was paired with an order.
type MatchKind string

const (
	// MatchDuplicate means an order already references the transfer.
	MatchDuplicate MatchKind = "duplicate"
	MatchExact     MatchKind = "exact"
	// MatchRelaxed pairs on price alone, ignoring currency.
	MatchRelaxed MatchKind = "relaxed"
	MatchNone    MatchKind = "none"
)

func (k MatchKind) String() string { return string(k) }

// MatchResult carries the matched order, if any. For MatchDuplicate the
// order is the one already settled by the transfer.
type MatchResult struct {
	Kind  MatchKind
	Order *models.Order
}

type matchReader interface {
	FindByLedgerTxID(ctx context.Context, txID string) (*models.Order, error)
	ListMatchCandidates(ctx context.Context, query MatchQuery) ([]models.Order, error)
}

type MatcherParams struct {
	Repo          matchReader
	Clock         clock.Clock
	RecencyWindow time.Duration
	Epsilon       decimal.Decimal
}

// Matcher pairs observed transfers with unpaid orders.
type Matcher struct {
	repo    matchReader
	clock   clock.Clock
	window  time.Duration
	epsilon decimal.Decimal
}

func NewMatcher(p MatcherParams) (*Matcher, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if p.RecencyWindow <= 0 {
		return nil, fmt.Errorf("match recency window must be positive")
	}
	if !p.Epsilon.IsPositive() {
		return nil, fmt.Errorf("match epsilon must be positive")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Matcher{
		repo:    p.Repo,
		clock:   clk,
		window:  p.RecencyWindow,
		epsilon: p.Epsilon,
	}, nil
}

// Match finds the most recently created unpaid order whose price equals the
// transfer amount within epsilon, preferring the transfer's own currency.
// Repeated calls over the same data return the same order.
func (m *Matcher) Match(ctx context.Context, transfer ledger.Transfer) (MatchResult, error) {
	existing, err := m.repo.FindByLedgerTxID(ctx, transfer.ID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("checking settled orders: %w", err)
	}
	if existing != nil {
		return MatchResult{Kind: MatchDuplicate, Order: existing}, nil
	}

	query := MatchQuery{
		Network:      transfer.Network,
		CreatedAfter: m.clock.Now().Add(-m.window),
		MinPrice:     transfer.Amount.Sub(m.epsilon),
		MaxPrice:     transfer.Amount.Add(m.epsilon),
	}

	currency := transfer.Currency
	query.Currency = &currency
	order, err := m.pick(ctx, query, transfer.Amount)
	if err != nil {
		return MatchResult{}, err
	}
	if order != nil {
		return MatchResult{Kind: MatchExact, Order: order}, nil
	}

	query.Currency = nil
	order, err = m.pick(ctx, query, transfer.Amount)
	if err != nil {
		return MatchResult{}, err
	}
	if order != nil {
		return MatchResult{Kind: MatchRelaxed, Order: order}, nil
	}

	return MatchResult{Kind: MatchNone}, nil
}

func (m *Matcher) pick(ctx context.Context, query MatchQuery, amount decimal.Decimal) (*models.Order, error) {
	candidates, err := m.repo.ListMatchCandidates(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing match candidates: %w", err)
	}
	// candidates arrive newest first; the SQL range is inclusive so the
	// strict bound is applied here
	for i := range candidates {
		if candidates[i].Price.Sub(amount).Abs().LessThan(m.epsilon) {
			order := candidates[i]
			return &order, nil
		}
	}
	return nil, nil
}

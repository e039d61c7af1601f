package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
)

func newTestMatcher(t *testing.T, f *fixture) *Matcher {
	t.Helper()
	m, err := NewMatcher(MatcherParams{
		Repo:          f.repo,
		Clock:         f.clock,
		RecencyWindow: 2 * time.Hour,
		Epsilon:       decimal.RequireFromString("0.000001"),
	})
	require.NoError(t, err)
	return m
}

func TestMatcherExactMatch(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	order := f.createOrder(t, nil)

	res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)
	require.Equal(t, MatchExact, res.Kind)
	require.Equal(t, order.ID, res.Order.ID)
}

func TestMatcherCrossCurrencyFallback(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	order := f.createOrder(t, func(o *models.Order) { o.Currency = enums.CurrencyUSDT })

	res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)
	require.Equal(t, MatchRelaxed, res.Kind)
	require.Equal(t, order.ID, res.Order.ID)
}

func TestMatcherPrefersExactCurrencyOverNewerRelaxed(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	exact := f.createOrder(t, func(o *models.Order) { o.CreatedAt = testNow.Add(-30 * time.Minute) })
	f.createOrder(t, func(o *models.Order) {
		o.Currency = enums.CurrencyUSDT
		o.CreatedAt = testNow.Add(-time.Minute)
	})

	res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)
	require.Equal(t, MatchExact, res.Kind)
	require.Equal(t, exact.ID, res.Order.ID)
}

func TestMatcherPicksMostRecentAndIsDeterministic(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	f.createOrder(t, func(o *models.Order) { o.CreatedAt = testNow.Add(-50 * time.Minute) })
	newest := f.createOrder(t, func(o *models.Order) { o.CreatedAt = testNow.Add(-2 * time.Minute) })
	f.createOrder(t, func(o *models.Order) { o.CreatedAt = testNow.Add(-20 * time.Minute) })

	for i := 0; i < 3; i++ {
		res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
		require.NoError(t, err)
		require.Equal(t, newest.ID, res.Order.ID)
	}
}

func TestMatcherIgnoresOldPaidAndMismatchedOrders(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	f.createOrder(t, func(o *models.Order) { o.CreatedAt = testNow.Add(-3 * time.Hour) })
	f.createOrder(t, func(o *models.Order) { o.PaymentStatus = enums.PaymentStatusPaid; o.Status = enums.OrderStatusPaid })
	f.createOrder(t, func(o *models.Order) { o.Network = "mainnet" })
	f.createOrder(t, func(o *models.Order) { o.Price = decimal.RequireFromString("100.01") })

	res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)
	require.Equal(t, MatchNone, res.Kind)
	require.Nil(t, res.Order)
}

func TestMatcherEpsilonTolerance(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	order := f.createOrder(t, func(o *models.Order) { o.Price = decimal.RequireFromString("12.5") })

	tr := transfer("tx-1", 0, enums.CurrencyTRX)
	tr.Amount = decimal.RequireFromString("12.5000005")
	res, err := m.Match(context.Background(), tr)
	require.NoError(t, err)
	require.Equal(t, MatchExact, res.Kind)
	require.Equal(t, order.ID, res.Order.ID)
}

func TestMatcherDuplicateGuard(t *testing.T) {
	f := newFixture(t)
	m := newTestMatcher(t, f)
	order := f.createOrder(t, nil)
	f.createOrder(t, nil)

	_, err := f.sm.MarkPaid(context.Background(), order.ID, transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)

	res, err := m.Match(context.Background(), transfer("tx-1", 100, enums.CurrencyTRX))
	require.NoError(t, err)
	require.Equal(t, MatchDuplicate, res.Kind)
	require.Equal(t, order.ID, res.Order.ID)
}

func TestNewMatcherValidates(t *testing.T) {
	f := newFixture(t)
	_, err := NewMatcher(MatcherParams{Repo: f.repo, RecencyWindow: time.Hour})
	require.Error(t, err)
	_, err = NewMatcher(MatcherParams{Repo: f.repo, Epsilon: decimal.NewFromInt(1)})
	require.Error(t, err)
}

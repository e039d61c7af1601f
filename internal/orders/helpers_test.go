package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db"
	"github.com/angelmondragon/resourcerent/pkg/db/dbtest"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testRecipient = "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"

type recordingEvents struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *recordingEvents) Publish(ctx context.Context, event notifications.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) ofType(t notifications.EventType) []notifications.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifications.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	client *db.Client
	repo   Repository
	audit  ledger.Repository
	clock  *clock.Manual
	events *recordingEvents
	sm     *StateMachine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	auditRepo := ledger.NewRepository(client.DB())
	auditSvc, err := ledger.NewService(auditRepo)
	require.NoError(t, err)
	clk := clock.NewManual(testNow)
	events := &recordingEvents{}
	sm, err := NewStateMachine(StateMachineParams{
		DB:                  client,
		Repo:                repo,
		Audit:               auditSvc,
		Events:              events,
		Clock:               clk,
		Logger:              logger.Nop(),
		UnitCooldown:        30 * time.Second,
		DefaultRentalPeriod: time.Hour,
	})
	require.NoError(t, err)
	return &fixture{client: client, repo: repo, audit: auditRepo, clock: clk, events: events, sm: sm}
}

func (f *fixture) createOrder(t *testing.T, mutate func(o *models.Order)) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderNumber:    "RR-" + uuid.NewString()[:8],
		Type:           enums.OrderTypeSingleGrant,
		Network:        "nile",
		Currency:       enums.CurrencyTRX,
		Price:          decimal.NewFromInt(100),
		ResourceAmount: 65000,
		Status:         enums.OrderStatusPending,
		PaymentStatus:  enums.PaymentStatusUnpaid,
		TargetAddress:  testRecipient,
		CreatedAt:      testNow.Add(-5 * time.Minute),
	}
	if mutate != nil {
		mutate(order)
	}
	require.NoError(t, f.repo.Create(context.Background(), order))
	return order
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	order, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func unitPackage(units int) func(o *models.Order) {
	return func(o *models.Order) {
		o.Type = enums.OrderTypeUnitPackage
		o.UnitCount = units
		o.RemainingUnits = units
	}
}

func transfer(id string, amount int64, currency enums.Currency) ledger.Transfer {
	return ledger.Transfer{
		ID:             id,
		Network:        "nile",
		From:           "TLsV52sRDL79HXGGm9yzwKibb6BeruhUzy",
		To:             "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		Amount:         decimal.NewFromInt(amount),
		Currency:       currency,
		BlockTimestamp: testNow,
		Confirmed:      true,
	}
}

// Package usage detects energy consumption on active unit packages and
// triggers one grant per detected use.
package usage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/internal/delegation"
	"github.com/angelmondragon/resourcerent/pkg/batch"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

const jobName = "usage-monitor"

type activePackageLister interface {
	ListActiveUnitPackages(ctx context.Context) ([]models.Order, error)
}

type energyReader interface {
	AccountResources(ctx context.Context, network, address string) (tron.AccountResources, error)
}

type unitGranter interface {
	GrantUnit(ctx context.Context, order *models.Order) (delegation.Outcome, error)
}

type MonitorParams struct {
	Orders    activePackageLister
	Resources energyReader
	Granter   unitGranter
	Clock     clock.Clock
	Logger    *logger.Logger
	// DropThreshold is the energy decrease between checks that counts as one use.
	DropThreshold int64
	Batch         batch.Options
}

type watch struct {
	lastSeen int64
	seen     bool
}

// Monitor keeps the set of watched orders and their last observed energy.
type Monitor struct {
	orders    activePackageLister
	resources energyReader
	granter   unitGranter
	clock     clock.Clock
	logg      *logger.Logger
	threshold int64
	batch     batch.Options

	mu      sync.Mutex
	watched map[uuid.UUID]watch
}

// RunReport summarizes one monitor run.
type RunReport struct {
	Checked int
	Granted int
	Failed  int
}

func NewMonitor(p MonitorParams) (*Monitor, error) {
	switch {
	case p.Orders == nil:
		return nil, fmt.Errorf("order repository required")
	case p.Resources == nil:
		return nil, fmt.Errorf("resource reader required")
	case p.Granter == nil:
		return nil, fmt.Errorf("unit granter required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case p.DropThreshold <= 0:
		return nil, fmt.Errorf("drop threshold must be positive")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Monitor{
		orders:    p.Orders,
		resources: p.Resources,
		granter:   p.Granter,
		clock:     clk,
		logg:      p.Logger,
		threshold: p.DropThreshold,
		batch:     p.Batch,
		watched:   map[uuid.UUID]watch{},
	}, nil
}

func (m *Monitor) Name() string { return jobName }

// Run satisfies the cron job contract.
func (m *Monitor) Run(ctx context.Context) error {
	report, err := m.Check(ctx)
	if err != nil {
		return err
	}
	if report.Granted > 0 || report.Failed > 0 {
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"checked": report.Checked,
			"granted": report.Granted,
			"failed":  report.Failed,
		}), "usage check complete")
	}
	return nil
}

// Check refreshes the watched set from the datastore and evaluates every
// order once. Per-order failures are counted, never returned.
func (m *Monitor) Check(ctx context.Context) (RunReport, error) {
	active, err := m.orders.ListActiveUnitPackages(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("listing active unit packages: %w", err)
	}
	m.refresh(active)

	var (
		mu     sync.Mutex
		report RunReport
	)
	summary := batch.Run(ctx, active, m.batch, func(ctx context.Context, order models.Order) error {
		granted, err := m.evaluate(ctx, &order)
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		if granted {
			report.Granted++
		}
		return err
	})
	report.Failed = summary.Failed
	if summary.Err != nil {
		m.logg.Warn(m.logg.WithField(ctx, "error", summary.Err.Error()), "usage check had per-order failures")
	}
	return report, nil
}

// Remove stops watching an order.
func (m *Monitor) Remove(orderID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, orderID)
}

// Watching reports whether orderID is in the watched set.
func (m *Monitor) Watching(orderID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[orderID]
	return ok
}

func (m *Monitor) refresh(active []models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[uuid.UUID]struct{}, len(active))
	for _, order := range active {
		current[order.ID] = struct{}{}
		if order.RemainingUnits <= 0 {
			delete(m.watched, order.ID)
			continue
		}
		if _, ok := m.watched[order.ID]; !ok {
			m.watched[order.ID] = watch{}
		}
	}
	for id := range m.watched {
		if _, ok := current[id]; !ok {
			delete(m.watched, id)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, order *models.Order) (bool, error) {
	ctx = m.logg.WithOrderID(ctx, order.ID.String())
	m.mu.Lock()
	w, ok := m.watched[order.ID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	res, err := m.resources.AccountResources(ctx, order.Network, order.TargetAddress)
	if err != nil {
		return false, fmt.Errorf("reading energy for order %s: %w", order.ID, err)
	}
	current := res.AvailableEnergy()

	if !w.seen {
		m.store(order.ID, current)
		return false, nil
	}
	drop := w.lastSeen - current
	if drop <= m.threshold || order.RemainingUnits <= 0 {
		m.store(order.ID, current)
		return false, nil
	}
	// the baseline is kept until a grant covers the drop so a deferred
	// grant is retried on the next run
	if order.NextEligibleAt != nil && m.clock.Now().Before(*order.NextEligibleAt) {
		m.logg.Debug(ctx, "usage detected during cooldown")
		return false, nil
	}

	m.logg.Info(m.logg.WithField(ctx, "energy_drop", drop), "usage detected")
	outcome, err := m.granter.GrantUnit(ctx, order)
	if err != nil {
		return false, err
	}
	switch outcome.Status {
	case delegation.OutcomeGranted:
	case delegation.OutcomeFailed:
		return false, fmt.Errorf("unit grant for order %s failed: %s", order.ID, outcome.Reason)
	case delegation.OutcomeUnconfirmed:
		// never re-grant on an unknown outcome
		m.store(order.ID, current)
		return false, fmt.Errorf("unit grant for order %s unconfirmed: %s", order.ID, outcome.GrantTxID)
	default:
		return false, nil
	}
	// the grant refills the recipient, so spending it must read as a new drop
	m.store(order.ID, current+outcome.Amount)
	if order.RemainingUnits-1 <= 0 {
		m.Remove(order.ID)
	}
	return true, nil
}

func (m *Monitor) store(orderID uuid.UUID, energy int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[orderID]; !ok {
		return
	}
	m.watched[orderID] = watch{lastSeen: energy, seen: true}
}

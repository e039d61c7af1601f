// Package fees charges the daily inactivity fee on unit packages.
package fees

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/pkg/batch"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

const (
	jobName          = "fee-processor"
	defaultPageLimit = 500
)

type candidateLister interface {
	ListFeeCandidates(ctx context.Context, inactiveBefore, windowStart time.Time, limit int) ([]models.Order, error)
}

type feeApplier interface {
	ApplyFee(ctx context.Context, orderID uuid.UUID, charge orders.FeeCharge) (orders.FeeResult, error)
}

// watchRemover drops exhausted orders from usage monitoring.
type watchRemover interface {
	Remove(orderID uuid.UUID)
}

type feeRecorder interface {
	FeeDeducted(units int)
}

type ProcessorParams struct {
	Orders  candidateLister
	Fees    feeApplier
	Watch   watchRemover
	Events  notifications.Publisher
	Metrics feeRecorder
	Clock   clock.Clock
	Logger  *logger.Logger
	// TimeOfDay is the offset from local midnight the fee is charged at.
	TimeOfDay  time.Duration
	Tolerance  time.Duration
	Location   *time.Location
	DailyUnits int
	Inactivity time.Duration
	PageLimit  int
	Batch      batch.Options
}

// Processor runs every minute and only acts inside the configured window.
type Processor struct {
	orders     candidateLister
	fees       feeApplier
	watch      watchRemover
	events     notifications.Publisher
	metrics    feeRecorder
	clock      clock.Clock
	logg       *logger.Logger
	timeOfDay  time.Duration
	tolerance  time.Duration
	loc        *time.Location
	dailyUnits int
	inactivity time.Duration
	pageLimit  int
	batch      batch.Options
}

// RunReport summarizes one fee pass.
type RunReport struct {
	InWindow  bool
	Charged   int
	Units     int
	Completed int
	Skipped   int
	Failed    int
}

func NewProcessor(p ProcessorParams) (*Processor, error) {
	switch {
	case p.Orders == nil:
		return nil, fmt.Errorf("order repository required")
	case p.Fees == nil:
		return nil, fmt.Errorf("fee applier required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case p.DailyUnits <= 0:
		return nil, fmt.Errorf("daily fee units must be positive")
	case p.Inactivity <= 0:
		return nil, fmt.Errorf("inactivity threshold must be positive")
	case p.TimeOfDay < 0 || p.TimeOfDay >= 24*time.Hour:
		return nil, fmt.Errorf("fee time of day out of range")
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	events := p.Events
	if events == nil {
		events = notifications.Discard{}
	}
	limit := p.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return &Processor{
		orders:     p.Orders,
		fees:       p.Fees,
		watch:      p.Watch,
		events:     events,
		metrics:    p.Metrics,
		clock:      clk,
		logg:       p.Logger,
		timeOfDay:  p.TimeOfDay,
		tolerance:  p.Tolerance,
		loc:        loc,
		dailyUnits: p.DailyUnits,
		inactivity: p.Inactivity,
		pageLimit:  limit,
		batch:      p.Batch,
	}, nil
}

func (p *Processor) Name() string { return jobName }

// Run satisfies the cron job contract.
func (p *Processor) Run(ctx context.Context) error {
	report, err := p.Process(ctx)
	if err != nil {
		return err
	}
	if report.InWindow && (report.Charged > 0 || report.Failed > 0) {
		p.logg.Info(p.logg.WithFields(ctx, map[string]any{
			"charged":   report.Charged,
			"units":     report.Units,
			"completed": report.Completed,
			"failed":    report.Failed,
		}), "daily fee pass complete")
	}
	return nil
}

// InWindow reports whether now is within tolerance of the fee time of day in
// the configured location. The window may straddle midnight.
func (p *Processor) InWindow(now time.Time) bool {
	_, ok := p.windowTarget(now)
	return ok
}

// windowTarget returns the fee instant whose window contains now.
func (p *Processor) windowTarget(now time.Time) (time.Time, bool) {
	local := now.In(p.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	for _, day := range []int{-1, 0, 1} {
		target := midnight.AddDate(0, 0, day).Add(p.timeOfDay)
		diff := local.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= p.tolerance {
			return target, true
		}
	}
	return time.Time{}, false
}

// Process charges every eligible order once per fee window. A charge stamped
// at or after the window opened counts, whichever calendar day it fell on.
func (p *Processor) Process(ctx context.Context) (RunReport, error) {
	now := p.clock.Now()
	target, ok := p.windowTarget(now)
	if !ok {
		return RunReport{}, nil
	}
	report := RunReport{InWindow: true}

	charge := orders.FeeCharge{
		Units:          p.dailyUnits,
		InactiveBefore: now.Add(-p.inactivity),
		WindowStart:    target.Add(-p.tolerance).UTC(),
	}
	candidates, err := p.orders.ListFeeCandidates(ctx, charge.InactiveBefore, charge.WindowStart, p.pageLimit)
	if err != nil {
		return report, fmt.Errorf("listing fee candidates: %w", err)
	}
	if len(candidates) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	summary := batch.Run(ctx, candidates, p.batch, func(ctx context.Context, order models.Order) error {
		result, err := p.charge(ctx, order, charge)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			return err
		}
		if !result.Applied {
			report.Skipped++
			return nil
		}
		report.Charged++
		report.Units += result.Units
		if result.Completed {
			report.Completed++
		}
		return nil
	})
	report.Failed = summary.Failed
	if summary.Err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", summary.Err.Error()), "fee pass had per-order failures")
	}
	if report.Charged > 0 || report.Failed > 0 {
		p.events.Publish(ctx, notifications.Event{
			Type: notifications.EventBatchSummary,
			Payload: map[string]any{
				"kind":      "fee",
				"total":     summary.Total,
				"charged":   report.Charged,
				"units":     report.Units,
				"completed": report.Completed,
				"failed":    report.Failed,
			},
		})
	}
	return report, nil
}

func (p *Processor) charge(ctx context.Context, order models.Order, charge orders.FeeCharge) (orders.FeeResult, error) {
	ctx = p.logg.WithOrderID(ctx, order.ID.String())
	result, err := p.fees.ApplyFee(ctx, order.ID, charge)
	if err != nil {
		return result, fmt.Errorf("applying fee to order %s: %w", order.ID, err)
	}
	if !result.Applied {
		p.logg.Debug(p.logg.WithField(ctx, "reason", result.Reason), "fee not applied")
		return result, nil
	}

	if p.metrics != nil {
		p.metrics.FeeDeducted(result.Units)
	}
	p.events.Publish(ctx, notifications.Event{
		Type:    notifications.EventFeeDeducted,
		OrderID: order.ID.String(),
		Payload: map[string]any{
			"units":     result.Units,
			"before":    result.Before,
			"after":     result.After,
			"completed": result.Completed,
		},
	})
	if result.After == 0 && p.watch != nil {
		p.watch.Remove(order.ID)
	}
	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"units":  result.Units,
		"before": result.Before,
		"after":  result.After,
	}), "daily fee deducted")
	return result, nil
}

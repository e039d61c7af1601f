package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/resourcerent/internal/delegation"
	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

const defaultRetryPageLimit = 100

// FulfillmentRetryJobParams configure the paid-order sweep.
type FulfillmentRetryJobParams struct {
	Logger    *logger.Logger
	Orders    pendingFulfillmentReader
	Fulfiller batchFulfiller
	Events    notifications.Publisher
	Clock     clock.Clock
	// StuckThreshold is how long an order may sit in processing before it is
	// reported for manual review.
	StuckThreshold time.Duration
	Limit          int
}

type pendingFulfillmentReader interface {
	ListByStatus(ctx context.Context, status enums.OrderStatus, limit int) ([]models.Order, error)
	ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error)
}

type batchFulfiller interface {
	Batch(ctx context.Context, list []models.Order) delegation.BatchReport
}

// NewFulfillmentRetryJob builds the job that retries paid orders whose first
// fulfillment attempt was deferred and flags orders stuck in processing.
func NewFulfillmentRetryJob(params FulfillmentRetryJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Orders == nil:
		return nil, fmt.Errorf("order reader required")
	case params.Fulfiller == nil:
		return nil, fmt.Errorf("fulfiller required")
	case params.StuckThreshold <= 0:
		return nil, fmt.Errorf("stuck threshold must be positive")
	}
	events := params.Events
	if events == nil {
		events = notifications.Discard{}
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.System()
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRetryPageLimit
	}
	return &fulfillmentRetryJob{
		logg:      params.Logger,
		orders:    params.Orders,
		fulfiller: params.Fulfiller,
		events:    events,
		clock:     clk,
		stuck:     params.StuckThreshold,
		limit:     limit,
	}, nil
}

type fulfillmentRetryJob struct {
	logg      *logger.Logger
	orders    pendingFulfillmentReader
	fulfiller batchFulfiller
	events    notifications.Publisher
	clock     clock.Clock
	stuck     time.Duration
	limit     int
}

func (j *fulfillmentRetryJob) Name() string { return "fulfillment-retry" }

func (j *fulfillmentRetryJob) Run(ctx context.Context) error {
	var errs error
	if err := j.retryPaid(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := j.reportStuck(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (j *fulfillmentRetryJob) retryPaid(ctx context.Context) error {
	paid, err := j.orders.ListByStatus(ctx, enums.OrderStatusPaid, j.limit)
	if err != nil {
		return fmt.Errorf("query paid orders: %w", err)
	}
	if len(paid) == 0 {
		return nil
	}
	report := j.fulfiller.Batch(ctx, paid)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"total":    report.Summary.Total,
		"granted":  report.Count(delegation.OutcomeGranted),
		"deferred": report.Count(delegation.OutcomeDeferred),
		"failed":   report.Count(delegation.OutcomeFailed),
	}), "paid order sweep complete")
	return nil
}

func (j *fulfillmentRetryJob) reportStuck(ctx context.Context) error {
	cutoff := j.clock.Now().UTC().Add(-j.stuck)
	stuck, err := j.orders.ListStuckProcessing(ctx, cutoff, j.limit)
	if err != nil {
		return fmt.Errorf("query stuck orders: %w", err)
	}
	for _, order := range stuck {
		orderCtx := j.logg.WithOrderID(ctx, order.ID.String())
		j.logg.Warn(j.logg.WithField(orderCtx, "updated_at", order.UpdatedAt), "order stuck in processing")
		j.events.Publish(orderCtx, notifications.Event{
			Type:    notifications.EventOrderStuck,
			OrderID: order.ID.String(),
			Payload: map[string]any{
				"status":     order.Status.String(),
				"updated_at": order.UpdatedAt,
			},
		})
	}
	return nil
}

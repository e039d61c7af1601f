package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

const defaultTTLPageLimit = 200

// OrderTTLJobParams configure the order expiry job.
type OrderTTLJobParams struct {
	Logger      *logger.Logger
	Orders      expiringOrderReader
	Transitions expiryTransitions
	Clock       clock.Clock
	Limit       int
}

type expiringOrderReader interface {
	ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	ListExpiredSingleGrants(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
}

type expiryTransitions interface {
	Expire(ctx context.Context, orderID uuid.UUID) (orders.TransitionResult, error)
	Complete(ctx context.Context, orderID uuid.UUID) (orders.TransitionResult, error)
}

// NewOrderTTLJob builds the job that expires unpaid orders past their payment
// deadline and completes single grants past their rental period.
func NewOrderTTLJob(params OrderTTLJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order reader required")
	}
	if params.Transitions == nil {
		return nil, fmt.Errorf("order transitions required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.System()
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultTTLPageLimit
	}
	return &orderTTLJob{
		logg:        params.Logger,
		orders:      params.Orders,
		transitions: params.Transitions,
		clock:       clk,
		limit:       limit,
	}, nil
}

type orderTTLJob struct {
	logg        *logger.Logger
	orders      expiringOrderReader
	transitions expiryTransitions
	clock       clock.Clock
	limit       int
}

func (j *orderTTLJob) Name() string { return "order-ttl" }

func (j *orderTTLJob) Run(ctx context.Context) error {
	now := j.clock.Now().UTC()
	var errs []error
	if err := j.expireUnpaid(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := j.completeSingleGrants(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

func (j *orderTTLJob) expireUnpaid(ctx context.Context, now time.Time) error {
	list, err := j.orders.ListExpiredUnpaid(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("query expired unpaid orders: %w", err)
	}
	var errs error
	count := 0
	for _, order := range list {
		result, err := j.transitions.Expire(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		if result.Applied {
			count++
		}
	}
	if count > 0 {
		j.logg.Info(j.logg.WithField(ctx, "count", count), "expired unpaid orders")
	}
	return errs
}

func (j *orderTTLJob) completeSingleGrants(ctx context.Context, now time.Time) error {
	list, err := j.orders.ListExpiredSingleGrants(ctx, now, j.limit)
	if err != nil {
		return fmt.Errorf("query finished single grants: %w", err)
	}
	var errs error
	count := 0
	for _, order := range list {
		result, err := j.transitions.Complete(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("complete order %s: %w", order.ID, err))
			continue
		}
		if result.Applied {
			count++
		}
	}
	if count > 0 {
		j.logg.Info(j.logg.WithField(ctx, "count", count), "completed single grants past rental period")
	}
	return errs
}

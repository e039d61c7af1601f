package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/internal/pool"
	"github.com/angelmondragon/resourcerent/pkg/batch"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/lock"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

type accountSelector interface {
	Select(ctx context.Context, required int64, network string) (pool.Selection, error)
}

type orderTransitions interface {
	MarkProcessing(ctx context.Context, orderID uuid.UUID, account string) (orders.TransitionResult, error)
	MarkActive(ctx context.Context, orderID uuid.UUID, grant orders.Grant) (orders.TransitionResult, error)
	RecordGrant(ctx context.Context, orderID uuid.UUID, grant orders.Grant) (orders.TransitionResult, error)
	MarkFailed(ctx context.Context, orderID uuid.UUID, reason enums.FailureReason) (orders.TransitionResult, error)
}

type grantRecorder interface {
	GrantSucceeded(network string)
	GrantFailed(network, reason string)
	Inconsistency()
}

// OutcomeStatus summarizes what a fulfillment attempt did to an order.
type OutcomeStatus string

const (
	OutcomeGranted OutcomeStatus = "granted"
	OutcomeFailed  OutcomeStatus = "failed"
	// OutcomeDeferred leaves the order untouched for a later retry.
	OutcomeDeferred OutcomeStatus = "deferred"
	OutcomeSkipped  OutcomeStatus = "skipped"
	// OutcomeUnconfirmed: a signed grant was sent but its fate is unknown.
	// The order is left as is and must be reconciled, never re-granted.
	OutcomeUnconfirmed OutcomeStatus = "unconfirmed"
)

// Outcome is the result of one fulfillment or unit grant.
type Outcome struct {
	OrderID   uuid.UUID
	Status    OutcomeStatus
	Reason    enums.FailureReason
	GrantTxID string
	Account   string
	// Amount is the energy delegated by a granted outcome.
	Amount int64
	// Inconsistent marks a grant that happened on the ledger but could not be recorded.
	Inconsistent bool
}

// BatchReport aggregates a Batch run.
type BatchReport struct {
	Summary  batch.Summary
	Outcomes []Outcome
}

// Count returns how many outcomes have status.
func (r BatchReport) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

type FulfillerParams struct {
	Locker   lock.Locker
	LockTTL  time.Duration
	Selector accountSelector
	Executor Executor
	Orders   orderTransitions
	Events   notifications.Publisher
	Metrics  grantRecorder
	Logger   *logger.Logger
	// UnitEnergy is granted per unit when a unit package has no resource amount.
	UnitEnergy int64
	Batch      batch.Options
}

// Fulfiller drives paid orders to active and runs per-unit grants.
type Fulfiller struct {
	locker     lock.Locker
	lockTTL    time.Duration
	selector   accountSelector
	executor   Executor
	orders     orderTransitions
	events     notifications.Publisher
	metrics    grantRecorder
	logg       *logger.Logger
	unitEnergy int64
	batch      batch.Options
}

func NewFulfiller(p FulfillerParams) (*Fulfiller, error) {
	switch {
	case p.Locker == nil:
		return nil, fmt.Errorf("locker required")
	case p.Selector == nil:
		return nil, fmt.Errorf("account selector required")
	case p.Executor == nil:
		return nil, fmt.Errorf("executor required")
	case p.Orders == nil:
		return nil, fmt.Errorf("order state machine required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	events := p.Events
	if events == nil {
		events = notifications.Discard{}
	}
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	unit := p.UnitEnergy
	if unit <= 0 {
		unit = 65000
	}
	return &Fulfiller{
		locker:     p.Locker,
		lockTTL:    ttl,
		selector:   p.Selector,
		executor:   p.Executor,
		orders:     p.Orders,
		events:     events,
		metrics:    p.Metrics,
		logg:       p.Logger,
		unitEnergy: unit,
		batch:      p.Batch,
	}, nil
}

// GrantAmount is the energy one grant of order delivers.
func GrantAmount(order *models.Order, unitEnergy int64) int64 {
	if order.ResourceAmount > 0 {
		return order.ResourceAmount
	}
	if order.IsUnitPackage() {
		return unitEnergy
	}
	return 0
}

// Fulfill runs the first grant for a paid order. Pool exhaustion leaves the
// order paid. A grant that succeeded on the ledger is reported as granted
// even when recording it failed.
func (f *Fulfiller) Fulfill(ctx context.Context, order *models.Order) (Outcome, error) {
	ctx = f.logg.WithOrderID(ctx, order.ID.String())
	outcome := Outcome{OrderID: order.ID}

	key := lock.OrderKey(order.ID.String())
	token, ok := f.locker.Acquire(ctx, key, f.lockTTL)
	if !ok {
		f.logg.Info(ctx, "order locked by another worker, skipping")
		outcome.Status = OutcomeSkipped
		outcome.Reason = enums.FailureReasonLockBusy
		return outcome, nil
	}
	defer f.locker.Release(ctx, key, token)

	if order.Status != enums.OrderStatusPaid {
		outcome.Status = OutcomeSkipped
		outcome.Reason = enums.FailureReasonStateConflict
		return outcome, nil
	}

	amount := GrantAmount(order, f.unitEnergy)
	sel, err := f.selector.Select(ctx, amount, order.Network)
	if err != nil {
		return outcome, err
	}
	if !sel.Found() {
		f.recordFailure(ctx, order, sel.Reason, nil, true)
		outcome.Status = OutcomeDeferred
		outcome.Reason = sel.Reason
		return outcome, nil
	}
	outcome.Account = sel.Account.Address

	claimed, err := f.orders.MarkProcessing(ctx, order.ID, sel.Account.Address)
	if err != nil {
		return outcome, err
	}
	if !claimed.Applied {
		f.logg.Warn(f.logg.WithField(ctx, "reason", claimed.Reason), "order could not be claimed for processing")
		outcome.Status = OutcomeSkipped
		outcome.Reason = enums.FailureReasonStateConflict
		return outcome, nil
	}

	result := f.executor.Execute(ctx, Request{
		Order:     order,
		Account:   sel.Account,
		Amount:    amount,
		Recipient: order.TargetAddress,
	})
	if result.Unconfirmed {
		// stays processing; the stuck-order sweep surfaces it
		f.recordUnconfirmed(ctx, order, result)
		outcome.Status = OutcomeUnconfirmed
		outcome.Reason = result.Reason
		outcome.GrantTxID = result.GrantTxID
		return outcome, nil
	}
	if !result.Success {
		if _, err := f.orders.MarkFailed(ctx, order.ID, result.Reason); err != nil {
			f.logg.Error(ctx, "failed to persist delegation failure", err)
		}
		f.recordFailure(ctx, order, result.Reason, result.Diagnostics, false)
		outcome.Status = OutcomeFailed
		outcome.Reason = result.Reason
		return outcome, nil
	}

	outcome.Status = OutcomeGranted
	outcome.GrantTxID = result.GrantTxID
	outcome.Amount = amount
	grant := orders.Grant{TxID: result.GrantTxID, Account: sel.Account.Address, Amount: amount}
	activated, err := f.orders.MarkActive(ctx, order.ID, grant)
	if err != nil || !activated.Applied {
		outcome.Inconsistent = true
		f.recordInconsistency(ctx, grant, err, activated.Reason)
	}
	f.recordSuccess(ctx, order, grant)
	return outcome, nil
}

// GrantUnit runs one usage grant for an active unit package and consumes one
// unit. Failures leave the order active.
func (f *Fulfiller) GrantUnit(ctx context.Context, order *models.Order) (Outcome, error) {
	ctx = f.logg.WithOrderID(ctx, order.ID.String())
	outcome := Outcome{OrderID: order.ID}

	key := lock.OrderKey(order.ID.String())
	token, ok := f.locker.Acquire(ctx, key, f.lockTTL)
	if !ok {
		outcome.Status = OutcomeSkipped
		outcome.Reason = enums.FailureReasonLockBusy
		return outcome, nil
	}
	defer f.locker.Release(ctx, key, token)

	if order.Status != enums.OrderStatusActive || !order.IsUnitPackage() || order.RemainingUnits <= 0 {
		outcome.Status = OutcomeSkipped
		outcome.Reason = enums.FailureReasonStateConflict
		return outcome, nil
	}

	amount := GrantAmount(order, f.unitEnergy)
	sel, err := f.selector.Select(ctx, amount, order.Network)
	if err != nil {
		return outcome, err
	}
	if !sel.Found() {
		f.recordFailure(ctx, order, sel.Reason, nil, true)
		outcome.Status = OutcomeDeferred
		outcome.Reason = sel.Reason
		return outcome, nil
	}
	outcome.Account = sel.Account.Address

	result := f.executor.Execute(ctx, Request{
		Order:     order,
		Account:   sel.Account,
		Amount:    amount,
		Recipient: order.TargetAddress,
	})
	if result.Unconfirmed {
		f.recordUnconfirmed(ctx, order, result)
		outcome.Status = OutcomeUnconfirmed
		outcome.Reason = result.Reason
		outcome.GrantTxID = result.GrantTxID
		return outcome, nil
	}
	if !result.Success {
		f.recordFailure(ctx, order, result.Reason, result.Diagnostics, false)
		outcome.Status = OutcomeFailed
		outcome.Reason = result.Reason
		return outcome, nil
	}

	outcome.Status = OutcomeGranted
	outcome.GrantTxID = result.GrantTxID
	outcome.Amount = amount
	grant := orders.Grant{TxID: result.GrantTxID, Account: sel.Account.Address, Amount: amount}
	recorded, err := f.orders.RecordGrant(ctx, order.ID, grant)
	if err != nil || !recorded.Applied {
		outcome.Inconsistent = true
		f.recordInconsistency(ctx, grant, err, recorded.Reason)
	}
	f.recordSuccess(ctx, order, grant)
	return outcome, nil
}

// Batch fulfills orders in fixed-size batches with bounded concurrency and
// emits a batch:summary event. One order failing never stops the others.
func (f *Fulfiller) Batch(ctx context.Context, list []models.Order) BatchReport {
	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	summary := batch.Run(ctx, list, f.batch, func(ctx context.Context, order models.Order) error {
		outcome, err := f.Fulfill(ctx, &order)
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
		if err != nil {
			f.logg.Error(f.logg.WithOrderID(ctx, order.ID.String()), "fulfillment failed", err)
		}
		return err
	})
	report := BatchReport{Summary: summary, Outcomes: outcomes}
	if summary.Total > 0 {
		f.events.Publish(ctx, notifications.Event{
			Type: notifications.EventBatchSummary,
			Payload: map[string]any{
				"kind":        "fulfillment",
				"total":       summary.Total,
				"granted":     report.Count(OutcomeGranted),
				"failed":      report.Count(OutcomeFailed),
				"deferred":    report.Count(OutcomeDeferred),
				"skipped":     report.Count(OutcomeSkipped),
				"unconfirmed": report.Count(OutcomeUnconfirmed),
				"errors":      summary.Failed,
				"batches":     summary.Batches,
			},
		})
	}
	return report
}

func (f *Fulfiller) recordSuccess(ctx context.Context, order *models.Order, grant orders.Grant) {
	if f.metrics != nil {
		f.metrics.GrantSucceeded(order.Network)
	}
	f.events.Publish(ctx, notifications.Event{
		Type:    notifications.EventDelegationExecuted,
		OrderID: order.ID.String(),
		Payload: map[string]any{
			"grant_tx_id": grant.TxID,
			"account":     grant.Account,
			"amount":      grant.Amount,
			"recipient":   order.TargetAddress,
		},
	})
}

func (f *Fulfiller) recordFailure(ctx context.Context, order *models.Order, reason enums.FailureReason, diag *Diagnostics, deferred bool) {
	if f.metrics != nil {
		f.metrics.GrantFailed(order.Network, reason.String())
	}
	payload := map[string]any{
		"reason":   reason.String(),
		"deferred": deferred,
	}
	if diag != nil {
		payload["diagnosis"] = diag.Cause.String()
	}
	f.events.Publish(ctx, notifications.Event{
		Type:    notifications.EventDelegationFailed,
		OrderID: order.ID.String(),
		Payload: payload,
	})
}

func (f *Fulfiller) recordUnconfirmed(ctx context.Context, order *models.Order, result Result) {
	if f.metrics != nil {
		f.metrics.GrantFailed(order.Network, result.Reason.String())
		f.metrics.Inconsistency()
	}
	f.logg.Inconsistency(f.logg.WithField(ctx, "grant_tx_id", result.GrantTxID),
		"grant broadcast without confirmation, order left for reconciliation", result.Err)
	f.events.Publish(ctx, notifications.Event{
		Type:    notifications.EventDelegationFailed,
		OrderID: order.ID.String(),
		Payload: map[string]any{
			"reason":      result.Reason.String(),
			"grant_tx_id": result.GrantTxID,
			"unconfirmed": true,
		},
	})
}

func (f *Fulfiller) recordInconsistency(ctx context.Context, grant orders.Grant, err error, reason string) {
	if f.metrics != nil {
		f.metrics.Inconsistency()
	}
	if err == nil {
		err = fmt.Errorf("transition not applied: %s", reason)
	}
	f.logg.Inconsistency(f.logg.WithFields(ctx, map[string]any{
		"grant_tx_id": grant.TxID,
		"account":     grant.Account,
	}), "grant executed on ledger but order state was not updated", err)
}

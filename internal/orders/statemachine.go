package orders

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/db"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

// Reasons a transition was not applied. They are machine-readable and safe to surface.
const (
	ReasonTerminal         = "terminal"
	ReasonNotAllowed       = "transition_not_allowed"
	ReasonConcurrentUpdate = "concurrent_update"
	ReasonAlreadyPaid      = "already_paid"
	ReasonDuplicatePayment = "duplicate_payment"
	ReasonNoUnitsLeft      = "no_units_left"
	ReasonNotUnitPackage   = "not_unit_package"
	ReasonRecentUsage      = "recent_usage"
	ReasonAlreadyCharged   = "already_charged"
)

var allowedTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending: {
		enums.OrderStatusPaid,
		enums.OrderStatusFailed,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusPaid: {
		enums.OrderStatusProcessing,
		enums.OrderStatusFailed,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusProcessing: {
		enums.OrderStatusActive,
		enums.OrderStatusFailed,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
	enums.OrderStatusActive: {
		enums.OrderStatusCompleted,
		enums.OrderStatusManuallyCompleted,
		enums.OrderStatusFailed,
		enums.OrderStatusCancelled,
		enums.OrderStatusExpired,
	},
}

// CanTransition reports whether from may move to to. Terminal states never move.
func CanTransition(from, to enums.OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// TransitionResult describes the outcome of one transition attempt. Order is
// the row as it stands after the attempt.
type TransitionResult struct {
	Applied bool
	From    enums.OrderStatus
	To      enums.OrderStatus
	Reason  string
	Order   *models.Order
}

// Grant describes a resource grant that was executed on the ledger.
type Grant struct {
	TxID    string
	Account string
	Amount  int64
}

// FeeResult describes one inactivity fee application.
type FeeResult struct {
	Applied   bool
	Reason    string
	Units     int
	Before    int
	After     int
	Completed bool
	Order     *models.Order
}

type StateMachineParams struct {
	DB     txRunner
	Repo   Repository
	Audit  ledger.Service
	Events notifications.Publisher
	Clock  clock.Clock
	Logger *logger.Logger
	// UnitCooldown spaces consecutive grants on the same unit package.
	UnitCooldown time.Duration
	// DefaultRentalPeriod applies to single grants without their own duration.
	DefaultRentalPeriod time.Duration
}

// StateMachine applies validated order transitions. Every transition is a
// single conditional write inside one datastore transaction.
type StateMachine struct {
	db       txRunner
	repo     Repository
	audit    ledger.Service
	events   notifications.Publisher
	clock    clock.Clock
	logg     *logger.Logger
	cooldown time.Duration
	rental   time.Duration
}

func NewStateMachine(p StateMachineParams) (*StateMachine, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("audit service required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	events := p.Events
	if events == nil {
		events = notifications.Discard{}
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	rental := p.DefaultRentalPeriod
	if rental <= 0 {
		rental = time.Hour
	}
	return &StateMachine{
		db:       p.DB,
		repo:     p.Repo,
		audit:    p.Audit,
		events:   events,
		clock:    clk,
		logg:     p.Logger,
		cooldown: p.UnitCooldown,
		rental:   rental,
	}, nil
}

var errDuplicatePayment = stdErrors.New("ledger transaction already settles another order")

// MarkPaid records the settling transfer on a pending, unpaid order.
func (m *StateMachine) MarkPaid(ctx context.Context, orderID uuid.UUID, transfer ledger.Transfer) (TransitionResult, error) {
	result, err := m.transition(ctx, orderID, enums.OrderStatusPaid, func(order *models.Order, now time.Time, updates map[string]any) string {
		if order.PaymentStatus != enums.PaymentStatusUnpaid {
			return ReasonAlreadyPaid
		}
		updates["payment_status"] = enums.PaymentStatusPaid
		updates["ledger_tx_id"] = transfer.ID
		updates["paid_at"] = now
		return ""
	}, nil)
	if stdErrors.Is(err, errDuplicatePayment) {
		return TransitionResult{To: enums.OrderStatusPaid, Reason: ReasonDuplicatePayment}, nil
	}
	return result, err
}

// MarkProcessing claims a paid order for fulfillment from account.
func (m *StateMachine) MarkProcessing(ctx context.Context, orderID uuid.UUID, account string) (TransitionResult, error) {
	return m.transition(ctx, orderID, enums.OrderStatusProcessing, func(order *models.Order, now time.Time, updates map[string]any) string {
		updates["source_account"] = account
		return ""
	}, nil)
}

// MarkActive records the first grant. Single grants get an expiry; unit
// packages consume their first unit in the same transaction and complete
// immediately when that was the last one.
func (m *StateMachine) MarkActive(ctx context.Context, orderID uuid.UUID, grant Grant) (TransitionResult, error) {
	var consumed bool
	result, err := m.transition(ctx, orderID, enums.OrderStatusActive, func(order *models.Order, now time.Time, updates map[string]any) string {
		updates["grant_tx_id"] = grant.TxID
		updates["source_account"] = grant.Account
		updates["next_eligible_at"] = now.Add(m.cooldown)
		if !order.IsUnitPackage() {
			updates["expires_at"] = now.Add(order.RentalPeriod(m.rental))
		}
		return ""
	}, func(ctx context.Context, tx *gorm.DB, order *models.Order, now time.Time) (string, error) {
		if !order.IsUnitPackage() || order.RemainingUnits <= 0 {
			return "", nil
		}
		reason, err := m.consumeUnit(ctx, tx, order, grant, enums.LogReasonActivationGrant, now)
		consumed = reason == ""
		return reason, err
	})
	if err == nil && consumed && result.Order != nil && result.Order.Status == enums.OrderStatusCompleted {
		m.emitTransition(ctx, result.Order, enums.OrderStatusActive, enums.OrderStatusCompleted, "units_exhausted")
	}
	return result, err
}

// RecordGrant consumes one unit of an active unit package after a usage
// grant. Reaching zero completes the order in the same write.
func (m *StateMachine) RecordGrant(ctx context.Context, orderID uuid.UUID, grant Grant) (TransitionResult, error) {
	var result TransitionResult
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result = TransitionResult{From: order.Status, To: order.Status, Order: order}
		switch {
		case order.Status.IsTerminal():
			result.Reason = ReasonTerminal
			return nil
		case order.Status != enums.OrderStatusActive:
			result.Reason = ReasonNotAllowed
			return nil
		case !order.IsUnitPackage():
			result.Reason = ReasonNotUnitPackage
			return nil
		}

		now := m.clock.Now()
		if reason, err := m.consumeUnit(ctx, tx, order, grant, enums.LogReasonUsageGrant, now); err != nil || reason != "" {
			result.Reason = reason
			return err
		}
		reloaded, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result.Applied = true
		result.To = reloaded.Status
		result.Order = reloaded
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if result.Applied && result.To == enums.OrderStatusCompleted {
		m.emitTransition(ctx, result.Order, result.From, result.To, "units_exhausted")
	}
	return result, nil
}

// consumeUnit moves one unit to used, writes the usage row and completes the
// order at zero. A non-empty reason means nothing was written.
func (m *StateMachine) consumeUnit(ctx context.Context, tx *gorm.DB, order *models.Order, grant Grant, reason enums.LogReason, now time.Time) (string, error) {
	before := order.RemainingUnits
	if before <= 0 {
		return ReasonNoUnitsLeft, nil
	}
	after := before - 1
	updates := map[string]any{
		"last_usage_at":    now,
		"next_eligible_at": now.Add(m.cooldown),
		"updated_at":       now,
	}
	if grant.TxID != "" {
		updates["grant_tx_id"] = grant.TxID
	}
	if grant.Account != "" {
		updates["source_account"] = grant.Account
	}
	if after == 0 {
		updates["status"] = enums.OrderStatusCompleted
	}
	ok, err := m.repo.WithTx(tx).ConsumeUnits(ctx, order.ID, before, 1, UnitGuard{}, updates)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonConcurrentUpdate, nil
	}
	if _, err := m.audit.WithTx(tx).RecordUsage(ctx, ledger.RecordUsageInput{
		OrderID:       order.ID,
		Amount:        grant.Amount,
		Reason:        reason,
		Before:        before,
		After:         after,
		GrantTxID:     grant.TxID,
		SourceAccount: grant.Account,
		At:            now,
	}); err != nil {
		return "", err
	}
	return "", nil
}

// FeeCharge is one inactivity fee attempt. Zero times disable their check.
type FeeCharge struct {
	Units int
	// InactiveBefore: the order must have had no grant since this instant.
	InactiveBefore time.Time
	// WindowStart: the order must not have been charged since this instant.
	WindowStart time.Time
}

// ApplyFee deducts up to charge.Units from an active unit package, stamping
// last_fee_check_at. The write re-checks remaining units, inactivity and the
// window stamp, so a grant or a charge landing after the order was listed wins.
func (m *StateMachine) ApplyFee(ctx context.Context, orderID uuid.UUID, charge FeeCharge) (FeeResult, error) {
	var result FeeResult
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result = FeeResult{Order: order, Before: order.RemainingUnits, After: order.RemainingUnits}
		switch {
		case order.Status.IsTerminal():
			result.Reason = ReasonTerminal
			return nil
		case order.Status != enums.OrderStatusActive:
			result.Reason = ReasonNotAllowed
			return nil
		case !order.IsUnitPackage():
			result.Reason = ReasonNotUnitPackage
			return nil
		case order.RemainingUnits <= 0:
			result.Reason = ReasonNoUnitsLeft
			return nil
		case !charge.InactiveBefore.IsZero() && !lastActivity(order).Before(charge.InactiveBefore):
			result.Reason = ReasonRecentUsage
			return nil
		case !charge.WindowStart.IsZero() && order.LastFeeCheckAt != nil && !order.LastFeeCheckAt.Before(charge.WindowStart):
			result.Reason = ReasonAlreadyCharged
			return nil
		}

		fee := charge.Units
		if fee > order.RemainingUnits {
			fee = order.RemainingUnits
		}
		now := m.clock.Now()
		after := order.RemainingUnits - fee
		updates := map[string]any{
			"last_fee_check_at": now,
			"updated_at":        now,
		}
		if after == 0 {
			updates["status"] = enums.OrderStatusCompleted
		}
		ok, err := repo.ConsumeUnits(ctx, order.ID, order.RemainingUnits, fee, UnitGuard{
			InactiveBefore:   charge.InactiveBefore,
			FeeCheckedBefore: charge.WindowStart,
		}, updates)
		if err != nil {
			return err
		}
		if !ok {
			result.Reason = ReasonConcurrentUpdate
			return nil
		}
		if _, err := m.audit.WithTx(tx).RecordFee(ctx, ledger.RecordFeeInput{
			OrderID: order.ID,
			Units:   fee,
			Before:  order.RemainingUnits,
			After:   after,
			At:      now,
		}); err != nil {
			return err
		}
		reloaded, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result.Applied = true
		result.Units = fee
		result.After = after
		result.Completed = after == 0
		result.Order = reloaded
		return nil
	})
	if err != nil {
		return FeeResult{}, err
	}
	if result.Completed {
		m.emitTransition(ctx, result.Order, enums.OrderStatusActive, enums.OrderStatusCompleted, "fee_exhausted")
	}
	return result, nil
}

// MarkFailed moves any non-terminal order to failed with a persisted reason.
func (m *StateMachine) MarkFailed(ctx context.Context, orderID uuid.UUID, reason enums.FailureReason) (TransitionResult, error) {
	return m.transition(ctx, orderID, enums.OrderStatusFailed, func(order *models.Order, now time.Time, updates map[string]any) string {
		updates["failure_reason"] = reason.String()
		return ""
	}, nil)
}

// Cancel moves any non-terminal order to cancelled.
func (m *StateMachine) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (TransitionResult, error) {
	return m.transition(ctx, orderID, enums.OrderStatusCancelled, func(order *models.Order, now time.Time, updates map[string]any) string {
		if reason != "" {
			updates["failure_reason"] = reason
		}
		return ""
	}, nil)
}

// Expire moves any non-terminal order to expired and emits order:expired.
func (m *StateMachine) Expire(ctx context.Context, orderID uuid.UUID) (TransitionResult, error) {
	result, err := m.transition(ctx, orderID, enums.OrderStatusExpired, nil, nil)
	if err == nil && result.Applied {
		m.events.Publish(ctx, notifications.Event{
			Type:    notifications.EventOrderExpired,
			OrderID: orderID.String(),
			Payload: map[string]any{"from": result.From.String()},
		})
	}
	return result, err
}

// Complete finishes an active order, e.g. a single grant past its rental period.
func (m *StateMachine) Complete(ctx context.Context, orderID uuid.UUID) (TransitionResult, error) {
	return m.transition(ctx, orderID, enums.OrderStatusCompleted, nil, nil)
}

// ManuallyComplete finishes an active order on operator request.
func (m *StateMachine) ManuallyComplete(ctx context.Context, orderID uuid.UUID) (TransitionResult, error) {
	return m.transition(ctx, orderID, enums.OrderStatusManuallyCompleted, nil, nil)
}

type mutateFunc func(order *models.Order, now time.Time, updates map[string]any) string

type afterFunc func(ctx context.Context, tx *gorm.DB, order *models.Order, now time.Time) (string, error)

func (m *StateMachine) transition(ctx context.Context, orderID uuid.UUID, to enums.OrderStatus, mutate mutateFunc, after afterFunc) (TransitionResult, error) {
	var result TransitionResult
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result = TransitionResult{From: order.Status, To: to, Order: order}
		if order.Status.IsTerminal() {
			result.Reason = ReasonTerminal
			return nil
		}
		if !CanTransition(order.Status, to) {
			result.Reason = ReasonNotAllowed
			return nil
		}

		now := m.clock.Now()
		updates := map[string]any{
			"status":     to,
			"updated_at": now,
		}
		if mutate != nil {
			if reason := mutate(order, now, updates); reason != "" {
				result.Reason = reason
				return nil
			}
		}
		ok, err := repo.UpdateStatus(ctx, orderID, []enums.OrderStatus{order.Status}, updates)
		if err != nil {
			if db.IsUniqueViolation(err, "") {
				return errDuplicatePayment
			}
			return err
		}
		if !ok {
			result.Reason = ReasonConcurrentUpdate
			return nil
		}

		reloaded, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if after != nil {
			reason, err := after(ctx, tx, reloaded, now)
			if err != nil {
				return err
			}
			if reason != "" {
				return fmt.Errorf("post-transition step for order %s: %s", orderID, reason)
			}
			if reloaded, err = repo.FindByID(ctx, orderID); err != nil {
				return err
			}
		}
		result.Applied = true
		result.Order = reloaded
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if result.Applied {
		m.emitTransition(ctx, result.Order, result.From, result.To, result.Reason)
	} else {
		m.logg.Debug(m.logg.WithFields(ctx, map[string]any{
			"order_id": orderID.String(),
			"from":     result.From.String(),
			"to":       to.String(),
			"reason":   result.Reason,
		}), "order transition skipped")
	}
	return result, nil
}

func (m *StateMachine) emitTransition(ctx context.Context, order *models.Order, from, to enums.OrderStatus, reason string) {
	if order == nil {
		return
	}
	payload := map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"status": order.Status.String(),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.events.Publish(ctx, notifications.Event{
		Type:    notifications.EventOrderTransition,
		OrderID: order.ID.String(),
		Payload: payload,
	})
}

func lastActivity(order *models.Order) time.Time {
	if order.LastUsageAt != nil {
		return *order.LastUsageAt
	}
	return order.CreatedAt
}

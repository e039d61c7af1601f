package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/internal/delegation"
	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/idempotency"
	"github.com/angelmondragon/resourcerent/pkg/lock"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

type transferMatcher interface {
	Match(ctx context.Context, transfer ledger.Transfer) (orders.MatchResult, error)
}

type paymentRecorder interface {
	MarkPaid(ctx context.Context, orderID uuid.UUID, transfer ledger.Transfer) (orders.TransitionResult, error)
}

type orderFulfiller interface {
	Fulfill(ctx context.Context, order *models.Order) (delegation.Outcome, error)
}

type ingestRecorder interface {
	TransferObserved(network, currency string)
	MatchOutcome(network, kind string)
}

// Disposition is what Handle did with one raw transaction.
type Disposition string

const (
	// DispositionNotReady is an unconfirmed or failed transaction; the next poll sees it again.
	DispositionNotReady Disposition = "not_ready"
	// DispositionIgnored is not an inbound transfer to the monitored address.
	DispositionIgnored          Disposition = "ignored"
	DispositionAlreadyProcessed Disposition = "already_processed"
	DispositionLocked           Disposition = "locked"
	DispositionUnmatched        Disposition = "unmatched"
	DispositionDuplicate        Disposition = "duplicate"
	// DispositionConflict means the matched order moved before it could be paid.
	DispositionConflict Disposition = "conflict"
	DispositionSettled  Disposition = "settled"
)

// Result reports the disposition of one transaction and, once settled, the
// order it paid and the fulfillment attempt.
type Result struct {
	Disposition Disposition
	Transfer    *ledger.Transfer
	OrderID     uuid.UUID
	Fulfillment *delegation.Outcome
}

type PipelineParams struct {
	Parser    *Parser
	Dedup     idempotency.Cache
	Locker    lock.Locker
	LockTTL   time.Duration
	Matcher   transferMatcher
	Payments  paymentRecorder
	Fulfiller orderFulfiller
	Metrics   ingestRecorder
	Logger    *logger.Logger
}

// Pipeline settles observed transfers against orders exactly once per
// transaction id.
type Pipeline struct {
	parser    *Parser
	dedup     idempotency.Cache
	locker    lock.Locker
	lockTTL   time.Duration
	matcher   transferMatcher
	payments  paymentRecorder
	fulfiller orderFulfiller
	metrics   ingestRecorder
	logg      *logger.Logger
}

func NewPipeline(p PipelineParams) (*Pipeline, error) {
	switch {
	case p.Parser == nil:
		return nil, fmt.Errorf("parser required")
	case p.Dedup == nil:
		return nil, fmt.Errorf("dedup cache required")
	case p.Locker == nil:
		return nil, fmt.Errorf("locker required")
	case p.Matcher == nil:
		return nil, fmt.Errorf("matcher required")
	case p.Payments == nil:
		return nil, fmt.Errorf("payment recorder required")
	case p.Fulfiller == nil:
		return nil, fmt.Errorf("fulfiller required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	ttl := p.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Pipeline{
		parser:    p.Parser,
		dedup:     p.Dedup,
		locker:    p.Locker,
		lockTTL:   ttl,
		matcher:   p.Matcher,
		payments:  p.Payments,
		fulfiller: p.Fulfiller,
		metrics:   p.Metrics,
		logg:      p.Logger,
	}, nil
}

// Handle runs one raw transaction through confirmation, parsing, dedup,
// locking, matching, payment and fulfillment. Errors returned before the
// order is marked paid leave the transaction unmarked so it is retried on
// the next poll.
func (p *Pipeline) Handle(ctx context.Context, network, monitored string, raw tron.RawTransaction) (Result, error) {
	ctx = p.logg.WithTxID(p.logg.WithNetwork(ctx, network), raw.TxID)

	info, err := p.parser.ValidateConfirmation(ctx, network, raw)
	if err != nil {
		return Result{}, err
	}
	if info == nil {
		return Result{Disposition: DispositionNotReady}, nil
	}
	transfer := p.parser.ParseTransfer(network, raw, info)
	if transfer == nil || transfer.To != monitored {
		return Result{Disposition: DispositionIgnored}, nil
	}
	result := Result{Transfer: transfer}

	if p.dedup.IsProcessed(ctx, network, transfer.ID) {
		result.Disposition = DispositionAlreadyProcessed
		return result, nil
	}

	key := lock.TxKey(network, transfer.ID)
	token, ok := p.locker.Acquire(ctx, key, p.lockTTL)
	if !ok {
		result.Disposition = DispositionLocked
		return result, nil
	}
	defer p.locker.Release(ctx, key, token)

	// another worker may have finished between the first check and the lock
	if p.dedup.IsProcessed(ctx, network, transfer.ID) {
		result.Disposition = DispositionAlreadyProcessed
		return result, nil
	}

	if p.metrics != nil {
		p.metrics.TransferObserved(network, transfer.Currency.String())
	}
	ctx = p.logg.WithFields(ctx, map[string]any{
		"amount":   transfer.Amount.String(),
		"currency": transfer.Currency.String(),
		"from":     transfer.From,
	})

	match, err := p.matcher.Match(ctx, *transfer)
	if err != nil {
		return Result{}, fmt.Errorf("matching transfer %s: %w", transfer.ID, err)
	}
	if p.metrics != nil {
		p.metrics.MatchOutcome(network, match.Kind.String())
	}

	switch match.Kind {
	case orders.MatchNone:
		p.logg.Warn(ctx, "transfer matched no pending order")
		p.dedup.MarkProcessed(ctx, network, transfer.ID)
		result.Disposition = DispositionUnmatched
		return result, nil
	case orders.MatchDuplicate:
		p.dedup.MarkProcessed(ctx, network, transfer.ID)
		result.Disposition = DispositionDuplicate
		result.OrderID = match.Order.ID
		return result, nil
	case orders.MatchRelaxed:
		p.logg.Warn(p.logg.WithOrderID(ctx, match.Order.ID.String()), "transfer matched order in a different currency")
	}

	ctx = p.logg.WithOrderID(ctx, match.Order.ID.String())
	result.OrderID = match.Order.ID

	paid, err := p.payments.MarkPaid(ctx, match.Order.ID, *transfer)
	if err != nil {
		return Result{}, fmt.Errorf("marking order %s paid: %w", match.Order.ID, err)
	}
	if !paid.Applied {
		if paid.Reason == orders.ReasonDuplicatePayment || paid.Reason == orders.ReasonAlreadyPaid {
			p.dedup.MarkProcessed(ctx, network, transfer.ID)
			result.Disposition = DispositionDuplicate
			return result, nil
		}
		p.logg.Warn(p.logg.WithField(ctx, "reason", paid.Reason), "matched order could not be marked paid")
		result.Disposition = DispositionConflict
		return result, nil
	}
	p.dedup.MarkProcessed(ctx, network, transfer.ID)
	p.logg.Info(ctx, "order paid")
	result.Disposition = DispositionSettled

	outcome, err := p.fulfiller.Fulfill(ctx, paid.Order)
	if err != nil {
		// the order stays paid and the retry job picks it up
		p.logg.Error(ctx, "fulfillment failed", err)
		return result, nil
	}
	result.Fulfillment = &outcome
	return result, nil
}

// Package delegation executes resource grants against provider accounts and
// drives paid orders through fulfillment.
package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/resourcerent/pkg/db/models"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/errors"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/retry"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

const (
	// below these the account cannot pay for the delegation transaction itself
	minBandwidthForTx = 300
	minFeeBalanceSun  = tron.SunPerTRX
)

// Ledger is the part of the ledger API a grant needs.
type Ledger interface {
	AccountResources(ctx context.Context, network, address string) (tron.AccountResources, error)
	BuildDelegation(ctx context.Context, network string, req tron.DelegateRequest) (tron.UnsignedTransaction, error)
	Broadcast(ctx context.Context, network string, tx tron.UnsignedTransaction, signature []byte) (tron.BroadcastResult, error)
	TransactionInfo(ctx context.Context, network, txID string) (*tron.TransactionInfo, error)
}

// SigningSession signs with one provider key until closed.
type SigningSession interface {
	SignTxID(ctx context.Context, txID string) ([]byte, error)
	Close()
}

// KeyOpener opens a signing session for a private key reference.
type KeyOpener interface {
	Open(ref string) (SigningSession, error)
}

// KeyRingOpener adapts a tron.KeyRing to KeyOpener.
type KeyRingOpener struct {
	Ring *tron.KeyRing
}

func (k KeyRingOpener) Open(ref string) (SigningSession, error) {
	session, err := k.Ring.Open(ref)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Request asks for Amount energy to be granted from Account to Recipient.
type Request struct {
	Order     *models.Order
	Account   *models.ProviderAccount
	Amount    int64
	Recipient string
}

// Diagnostics is the advisory classification of a failed grant.
type Diagnostics struct {
	Cause      enums.DiagnosticCause
	BalanceSun int64
	Capacity   int64
	Bandwidth  int64
	ReadError  string
}

// Result is the outcome of Execute. Failures carry a machine-readable Reason
// and the error Code that decides whether a retry makes sense.
type Result struct {
	Success   bool
	GrantTxID string
	// Unconfirmed is set when a signed grant left the process and neither
	// its acceptance nor its rejection could be established. GrantTxID
	// holds the id to reconcile against.
	Unconfirmed bool
	BalanceSun  int64
	Reason      enums.FailureReason
	Code        errors.Code
	Err         error
	Diagnostics *Diagnostics
}

// Retryable reports whether another attempt could succeed.
func (r Result) Retryable() bool {
	if r.Success || r.Unconfirmed || r.Code == "" {
		return false
	}
	return errors.MetadataFor(r.Code).Retryable
}

// Executor performs one grant. Implementations never panic on ledger errors.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

type ExecutorParams struct {
	Ledger Ledger
	Keys   KeyOpener
	Logger *logger.Logger
	// LockPeriod is the fallback rental period for locked single grants.
	LockPeriod  time.Duration
	DiagTimeout time.Duration
	// Confirm paces re-broadcasts of one signed transaction whose outcome
	// is unknown. Defaults to retry.DefaultPolicy.
	Confirm retry.Policy
}

type LedgerExecutor struct {
	ledger      Ledger
	keys        KeyOpener
	logg        *logger.Logger
	lockPeriod  time.Duration
	diagTimeout time.Duration
	confirm     retry.Policy
}

func NewExecutor(p ExecutorParams) (*LedgerExecutor, error) {
	if p.Ledger == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	if p.Keys == nil {
		return nil, fmt.Errorf("key opener required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	lockPeriod := p.LockPeriod
	if lockPeriod <= 0 {
		lockPeriod = time.Hour
	}
	diag := p.DiagTimeout
	if diag <= 0 {
		diag = 3 * time.Second
	}
	confirm := p.Confirm
	if confirm.MaxAttempts == 0 {
		confirm = retry.DefaultPolicy()
	}
	return &LedgerExecutor{
		ledger:      p.Ledger,
		keys:        p.Keys,
		logg:        p.Logger,
		lockPeriod:  lockPeriod,
		diagTimeout: diag,
		confirm:     confirm,
	}, nil
}

// Execute re-verifies capacity, builds, signs and broadcasts the delegation.
// Once signed, the same transaction is re-broadcast until its outcome is
// known; it is never rebuilt. The signing session is closed on every path.
func (e *LedgerExecutor) Execute(ctx context.Context, req Request) Result {
	if req.Order == nil || req.Account == nil {
		return failure(enums.FailureReasonUnknown, errors.New(errors.CodeInternal, "order and account are required"))
	}
	if req.Amount <= 0 {
		return failure(enums.FailureReasonInvalidAmount, errors.New(errors.CodeValidation, "grant amount must be positive"))
	}
	if !tron.IsValidAddress(req.Recipient) {
		return failure(enums.FailureReasonInvalidAddress, errors.New(errors.CodeValidation, fmt.Sprintf("invalid recipient address %q", req.Recipient)))
	}

	network := req.Order.Network
	ctx = e.logg.WithFields(ctx, map[string]any{
		"order_id": req.Order.ID.String(),
		"network":  network,
		"account":  req.Account.Address,
		"amount":   req.Amount,
	})

	res, err := e.ledger.AccountResources(ctx, network, req.Account.Address)
	if err != nil {
		return failure(enums.FailureReasonLedgerUnavailable, errors.Wrap(errors.CodeDependency, err, "read provider resources"))
	}
	capacity := res.DelegatableEnergy()
	if capacity < req.Amount {
		result := failure(enums.FailureReasonInsufficientCapacity, errors.New(errors.CodeInsufficientCapacity,
			fmt.Sprintf("capacity %d below requested %d", capacity, req.Amount)))
		result.Diagnostics = &Diagnostics{Cause: enums.DiagnosticCauseCapacity, BalanceSun: res.BalanceSun, Capacity: capacity, Bandwidth: res.AvailableBandwidth()}
		return result
	}

	delegate := tron.DelegateRequest{
		Owner:    req.Account.Address,
		Receiver: req.Recipient,
	}
	if req.Order.IsUnitPackage() {
		delegate.BalanceSun = tron.EnergyToSun(req.Amount, res.TotalEnergyLimit, res.TotalEnergyWeight, tron.RoundDown)
	} else {
		delegate.BalanceSun = tron.EnergyToSun(req.Amount, res.TotalEnergyLimit, res.TotalEnergyWeight, tron.RoundUpTRX)
		delegate.Lock = true
		delegate.LockPeriod = tron.LockPeriodBlocks(int64(req.Order.RentalPeriod(e.lockPeriod) / time.Second))
	}
	if delegate.BalanceSun <= 0 {
		return failure(enums.FailureReasonInvalidAmount, errors.New(errors.CodeValidation, "grant amount converts to zero stake"))
	}
	if delegate.BalanceSun > res.DelegatableSun() {
		result := failure(enums.FailureReasonInsufficientCapacity, errors.New(errors.CodeInsufficientCapacity,
			fmt.Sprintf("stake %d sun exceeds delegatable %d sun", delegate.BalanceSun, res.DelegatableSun())))
		result.Diagnostics = &Diagnostics{Cause: enums.DiagnosticCauseCapacity, BalanceSun: res.BalanceSun, Capacity: capacity, Bandwidth: res.AvailableBandwidth()}
		return result
	}

	session, err := e.keys.Open(req.Account.PrivateKeyRef)
	if err != nil {
		return failure(enums.FailureReasonKeyUnavailable, errors.Wrap(errors.CodeValidation, err, "open signing session"))
	}
	defer session.Close()

	txID, unknown, err := e.submit(ctx, network, delegate, session)
	if err != nil && unknown {
		e.logg.Error(e.logg.WithField(ctx, "grant_tx_id", txID), "delegation broadcast outcome unknown", err)
		return Result{
			Unconfirmed: true,
			GrantTxID:   txID,
			BalanceSun:  delegate.BalanceSun,
			Reason:      enums.FailureReasonBroadcastUnconfirmed,
			Code:        errors.CodeOf(err),
			Err:         err,
		}
	}
	if err != nil {
		result := failure(reasonFor(err), err)
		result.BalanceSun = delegate.BalanceSun
		result.Diagnostics = e.diagnose(ctx, network, req.Account.Address, req.Amount)
		e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
			"reason":    result.Reason.String(),
			"diagnosis": result.Diagnostics.Cause.String(),
			"error":     err.Error(),
		}), "delegation failed")
		return result
	}

	e.logg.Info(e.logg.WithField(ctx, "grant_tx_id", txID), "delegation broadcast")
	return Result{Success: true, GrantTxID: txID, BalanceSun: delegate.BalanceSun}
}

// submit builds, signs and broadcasts. unknown reports that the signed
// transaction may have reached the ledger even though err is set.
func (e *LedgerExecutor) submit(ctx context.Context, network string, req tron.DelegateRequest, session SigningSession) (txID string, unknown bool, err error) {
	unsigned, err := e.ledger.BuildDelegation(ctx, network, req)
	if err != nil {
		return "", false, err
	}
	sig, err := session.SignTxID(ctx, unsigned.TxID)
	if err != nil {
		return "", false, err
	}
	return e.broadcast(ctx, network, unsigned, sig)
}

// broadcast sends one signed transaction. After a response is lost it checks
// the ledger for the transaction and re-sends the identical payload; a
// duplicate answer from the node counts as accepted.
func (e *LedgerExecutor) broadcast(ctx context.Context, network string, tx tron.UnsignedTransaction, sig []byte) (string, bool, error) {
	var (
		txID    string
		unknown bool
		landed  bool
	)
	policy := e.confirm
	policy.Retryable = func(err error) bool {
		return !landed && (unknown || errors.IsRetryable(err))
	}
	policy.OnRetry = func(attempt uint64, err error) {
		e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
			"attempt":     attempt,
			"grant_tx_id": tx.TxID,
			"error":       err.Error(),
		}), "re-broadcasting signed delegation")
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		res, err := e.ledger.Broadcast(ctx, network, tx, sig)
		if err == nil {
			txID = res.TxID
			if txID == "" {
				txID = tx.TxID
			}
			return nil
		}
		if res.Code == "" {
			// no answer from the node: it may have accepted the transaction
			unknown = true
		}
		if !unknown {
			return err
		}
		info, lookupErr := e.ledger.TransactionInfo(ctx, network, tx.TxID)
		if lookupErr != nil || info == nil || info.ID == "" {
			return err
		}
		landed = true
		if info.Failed() {
			return errors.New(errors.CodeValidation, fmt.Sprintf("delegation %s failed on ledger: %s", tx.TxID, info.ResMessage))
		}
		txID = tx.TxID
		return nil
	})
	if err == nil {
		return txID, false, nil
	}
	if landed {
		return tx.TxID, false, err
	}
	if unknown {
		return tx.TxID, true, err
	}
	return "", false, err
}

// diagnose re-reads the account under its own short deadline. It never fails.
func (e *LedgerExecutor) diagnose(ctx context.Context, network, address string, amount int64) *Diagnostics {
	diagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.diagTimeout)
	defer cancel()

	res, err := e.ledger.AccountResources(diagCtx, network, address)
	if err != nil {
		return &Diagnostics{Cause: enums.DiagnosticCauseUnknown, ReadError: err.Error()}
	}
	diag := &Diagnostics{
		Cause:      enums.DiagnosticCauseUnknown,
		BalanceSun: res.BalanceSun,
		Capacity:   res.DelegatableEnergy(),
		Bandwidth:  res.AvailableBandwidth(),
	}
	switch {
	case diag.Capacity < amount:
		diag.Cause = enums.DiagnosticCauseCapacity
	case diag.Bandwidth < minBandwidthForTx && res.BalanceSun < minFeeBalanceSun:
		diag.Cause = enums.DiagnosticCauseBalance
	}
	return diag
}

func failure(reason enums.FailureReason, err error) Result {
	return Result{Reason: reason, Code: errors.CodeOf(err), Err: err}
}

func reasonFor(err error) enums.FailureReason {
	switch errors.CodeOf(err) {
	case errors.CodeInsufficientBalance:
		return enums.FailureReasonInsufficientBalance
	case errors.CodeInsufficientCapacity:
		return enums.FailureReasonInsufficientCapacity
	case errors.CodeDependency:
		return enums.FailureReasonLedgerUnavailable
	case errors.CodeValidation, errors.CodeConflict:
		return enums.FailureReasonBroadcastRejected
	default:
		return enums.FailureReasonUnknown
	}
}

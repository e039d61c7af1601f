package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/config"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

type transactionLister interface {
	RecentTransactions(ctx context.Context, network, address string, limit int, since time.Time) ([]tron.RawTransaction, error)
}

type transactionHandler interface {
	Handle(ctx context.Context, network, monitored string, raw tron.RawTransaction) (Result, error)
}

type pollRecorder interface {
	PollFailed(network, address string)
}

type PollerParams struct {
	Ledger      transactionLister
	Handler     transactionHandler
	Targets     []config.MonitoredTarget
	Interval    time.Duration
	Window      time.Duration
	FetchLimit  int
	Concurrency int
	Clock       clock.Clock
	Metrics     pollRecorder
	Logger      *logger.Logger
}

// Poller watches every monitored address on its own loop. Overlapping
// windows re-deliver transactions each cycle; the handler is idempotent.
type Poller struct {
	ledger      transactionLister
	handler     transactionHandler
	targets     []config.MonitoredTarget
	interval    time.Duration
	window      time.Duration
	limit       int
	concurrency int
	clock       clock.Clock
	metrics     pollRecorder
	logg        *logger.Logger
}

func NewPoller(p PollerParams) (*Poller, error) {
	switch {
	case p.Ledger == nil:
		return nil, fmt.Errorf("ledger client required")
	case p.Handler == nil:
		return nil, fmt.Errorf("transaction handler required")
	case len(p.Targets) == 0:
		return nil, fmt.Errorf("at least one monitored address required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	window := p.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	limit := p.FetchLimit
	if limit <= 0 {
		limit = 20
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Poller{
		ledger:      p.Ledger,
		handler:     p.Handler,
		targets:     p.Targets,
		interval:    interval,
		window:      window,
		limit:       limit,
		concurrency: concurrency,
		clock:       clk,
		metrics:     p.Metrics,
		logg:        p.Logger,
	}, nil
}

// Run polls every target until ctx is cancelled. It returns once every loop
// has finished its in-flight cycle.
func (p *Poller) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, target := range p.targets {
		g.Go(func() error {
			p.loop(ctx, target)
			return nil
		})
	}
	p.logg.Info(p.logg.WithField(ctx, "targets", len(p.targets)), "ledger pollers started")
	_ = g.Wait()
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, target config.MonitoredTarget) {
	ctx = p.logg.WithFields(ctx, map[string]any{
		"network": target.Network,
		"address": target.Address,
	})
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx, target)
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "ledger poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// cycle never lets an error or panic escape into the loop.
func (p *Poller) cycle(ctx context.Context, target config.MonitoredTarget) {
	defer func() {
		if r := recover(); r != nil {
			p.pollFailed(target)
			p.logg.Error(ctx, "ledger poll panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := p.PollOnce(ctx, target); err != nil && ctx.Err() == nil {
		p.pollFailed(target)
		p.logg.Error(ctx, "ledger poll failed", err)
	}
}

// PollOnce fetches the recent window for target and hands each transaction,
// newest first, to the handler through a bounded worker pool.
func (p *Poller) PollOnce(ctx context.Context, target config.MonitoredTarget) error {
	since := p.clock.Now().Add(-p.window)
	txs, err := p.ledger.RecentTransactions(ctx, target.Network, target.Address, p.limit, since)
	if err != nil {
		return fmt.Errorf("fetching transactions: %w", err)
	}

	recent := make([]tron.RawTransaction, 0, len(txs))
	for _, tx := range txs {
		if tx.BlockTime().Before(since) {
			continue
		}
		recent = append(recent, tx)
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].BlockTimestamp > recent[j].BlockTimestamp })

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, tx := range recent {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.handle(ctx, target, tx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) handle(ctx context.Context, target config.MonitoredTarget, tx tron.RawTransaction) {
	ctx = p.logg.WithTxID(ctx, tx.TxID)
	defer func() {
		if r := recover(); r != nil {
			p.logg.Error(ctx, "transaction handling panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	result, err := p.handler.Handle(ctx, target.Network, target.Address, tx)
	if err != nil {
		p.logg.Error(ctx, "transaction handling failed", err)
		return
	}
	p.logg.Debug(p.logg.WithField(ctx, "disposition", string(result.Disposition)), "transaction handled")
}

func (p *Poller) pollFailed(target config.MonitoredTarget) {
	if p.metrics != nil {
		p.metrics.PollFailed(target.Network, target.Address)
	}
}

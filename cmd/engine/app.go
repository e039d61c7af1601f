package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/resourcerent/api/controllers"
	"github.com/angelmondragon/resourcerent/api/routes"
	"github.com/angelmondragon/resourcerent/internal/cron"
	"github.com/angelmondragon/resourcerent/internal/delegation"
	"github.com/angelmondragon/resourcerent/internal/fees"
	"github.com/angelmondragon/resourcerent/internal/ingest"
	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/internal/notifications"
	"github.com/angelmondragon/resourcerent/internal/orders"
	"github.com/angelmondragon/resourcerent/internal/pool"
	"github.com/angelmondragon/resourcerent/internal/usage"
	"github.com/angelmondragon/resourcerent/pkg/batch"
	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/config"
	"github.com/angelmondragon/resourcerent/pkg/db"
	"github.com/angelmondragon/resourcerent/pkg/env"
	"github.com/angelmondragon/resourcerent/pkg/idempotency"
	"github.com/angelmondragon/resourcerent/pkg/instance"
	"github.com/angelmondragon/resourcerent/pkg/lock"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/metrics"
	"github.com/angelmondragon/resourcerent/pkg/pubsub"
	"github.com/angelmondragon/resourcerent/pkg/redis"
	"github.com/angelmondragon/resourcerent/pkg/retry"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

const shutdownTimeout = 10 * time.Second

// engine owns every long-running loop of one process.
type engine struct {
	logg       *logger.Logger
	dispatcher *notifications.Dispatcher
	poller     *ingest.Poller
	crons      []*cron.Service
	ops        *http.Server
}

func buildEngine(
	ctx context.Context,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	pubsubClient *pubsub.Client,
) (*engine, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.NewEngineMetrics(registry)
	cronMetrics := metrics.NewCronJobMetrics(registry)
	clk := clock.System()

	// notifications
	var sink notifications.Sink = notifications.NewLogSink(logg)
	if pubsubClient != nil {
		pubsubSink, err := notifications.NewPubSubSink(pubsubClient)
		if err != nil {
			return nil, err
		}
		sink = pubsubSink
	}
	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherParams{
		Sink:       sink,
		Logger:     logg,
		Clock:      clk,
		BufferSize: cfg.PubSub.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}

	// ledger access
	clients, err := buildLedgerClients(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	keyRing, err := tron.NewKeyRing(tron.MapKeySource(env.WithPrefix(cfg.Keys.EnvPrefix)))
	if err != nil {
		return nil, fmt.Errorf("key ring: %w", err)
	}

	// coordination
	locks, err := lock.NewManager(lock.Params{
		Store:      redisClient,
		Logger:     logg,
		DefaultTTL: cfg.Lock.TTL,
		InstanceID: instance.GetID(),
	})
	if err != nil {
		return nil, fmt.Errorf("lock manager: %w", err)
	}
	dedup, err := idempotency.NewManager(redisClient, logg, cfg.Dedup.Retention)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	// orders
	orderRepo := orders.NewRepository(dbClient.DB())
	audit, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	stateMachine, err := orders.NewStateMachine(orders.StateMachineParams{
		DB:                  dbClient,
		Repo:                orderRepo,
		Audit:               audit,
		Events:              dispatcher,
		Clock:               clk,
		Logger:              logg,
		UnitCooldown:        cfg.Delegation.UnitCooldown,
		DefaultRentalPeriod: cfg.Delegation.LockPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}
	epsilon, err := decimal.NewFromString(cfg.Matching.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("invalid match epsilon %q: %w", cfg.Matching.Epsilon, err)
	}
	matcher, err := orders.NewMatcher(orders.MatcherParams{
		Repo:          orderRepo,
		Clock:         clk,
		RecencyWindow: cfg.Matching.RecencyWindow,
		Epsilon:       epsilon,
	})
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}

	// delegation
	selector, err := pool.NewSelector(pool.SelectorParams{
		Accounts:  pool.NewRepository(dbClient.DB()),
		Resources: clients,
		Logger:    logg,
		Metrics:   engineMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("pool selector: %w", err)
	}
	executor, err := delegation.NewExecutor(delegation.ExecutorParams{
		Ledger:      clients,
		Keys:        delegation.KeyRingOpener{Ring: keyRing},
		Logger:      logg,
		LockPeriod:  cfg.Delegation.LockPeriod,
		DiagTimeout: cfg.Delegation.DiagTimeout,
		Confirm: retry.Policy{
			MaxAttempts: cfg.Delegation.ConfirmAttempts,
			BaseDelay:   cfg.Delegation.BaseBackoff,
			MaxDelay:    cfg.Delegation.MaxBackoff,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	fulfiller, err := delegation.NewFulfiller(delegation.FulfillerParams{
		Locker:   locks,
		LockTTL:  cfg.Lock.TTL,
		Selector: selector,
		Executor: delegation.Retrying(executor, retry.Policy{
			MaxAttempts: cfg.Delegation.MaxAttempts,
			BaseDelay:   cfg.Delegation.BaseBackoff,
			MaxDelay:    cfg.Delegation.MaxBackoff,
		}, logg),
		Orders:     stateMachine,
		Events:     dispatcher,
		Metrics:    engineMetrics,
		Logger:     logg,
		UnitEnergy: cfg.Usage.UnitEnergy,
		Batch: batch.Options{
			Size:        cfg.Delegation.BatchSize,
			Concurrency: cfg.Delegation.Concurrency,
			Pause:       cfg.Delegation.BatchPause,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fulfiller: %w", err)
	}

	// ingest
	tokenContracts, err := cfg.Ledger.TokenContractMap()
	if err != nil {
		return nil, err
	}
	parser, err := ingest.NewParser(clients, tokenContracts)
	if err != nil {
		return nil, fmt.Errorf("parser: %w", err)
	}
	pipeline, err := ingest.NewPipeline(ingest.PipelineParams{
		Parser:    parser,
		Dedup:     dedup,
		Locker:    locks,
		LockTTL:   cfg.Lock.TTL,
		Matcher:   matcher,
		Payments:  stateMachine,
		Fulfiller: fulfiller,
		Metrics:   engineMetrics,
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	targets, err := cfg.Monitor.Targets()
	if err != nil {
		return nil, err
	}
	poller, err := ingest.NewPoller(ingest.PollerParams{
		Ledger:      clients,
		Handler:     pipeline,
		Targets:     targets,
		Interval:    cfg.Monitor.PollInterval,
		Window:      cfg.Monitor.Window,
		FetchLimit:  cfg.Ledger.FetchLimit,
		Concurrency: cfg.Monitor.Concurrency,
		Clock:       clk,
		Metrics:     engineMetrics,
		Logger:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	// background loops
	monitor, err := usage.NewMonitor(usage.MonitorParams{
		Orders:        orderRepo,
		Resources:     clients,
		Granter:       fulfiller,
		Clock:         clk,
		Logger:        logg,
		DropThreshold: cfg.Usage.DropThreshold,
		Batch: batch.Options{
			Size:        cfg.Usage.BatchSize,
			Concurrency: cfg.Delegation.Concurrency,
			Pause:       cfg.Usage.BatchPause,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("usage monitor: %w", err)
	}
	feeTime, err := cfg.Fee.ParseTimeOfDay()
	if err != nil {
		return nil, err
	}
	feeLocation, err := cfg.Fee.Location()
	if err != nil {
		return nil, err
	}
	feeProcessor, err := fees.NewProcessor(fees.ProcessorParams{
		Orders:     orderRepo,
		Fees:       stateMachine,
		Watch:      monitor,
		Events:     dispatcher,
		Metrics:    engineMetrics,
		Clock:      clk,
		Logger:     logg,
		TimeOfDay:  feeTime,
		Tolerance:  cfg.Fee.Tolerance,
		Location:   feeLocation,
		DailyUnits: cfg.Fee.DailyFeeUnits,
		Inactivity: cfg.Fee.Inactivity,
		Batch: batch.Options{
			Size:        cfg.Fee.BatchSize,
			Concurrency: cfg.Delegation.Concurrency,
			Pause:       cfg.Fee.BatchPause,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fee processor: %w", err)
	}
	ttlJob, err := cron.NewOrderTTLJob(cron.OrderTTLJobParams{
		Logger:      logg,
		Orders:      orderRepo,
		Transitions: stateMachine,
		Clock:       clk,
	})
	if err != nil {
		return nil, fmt.Errorf("order ttl job: %w", err)
	}
	retryJob, err := cron.NewFulfillmentRetryJob(cron.FulfillmentRetryJobParams{
		Logger:         logg,
		Orders:         orderRepo,
		Fulfiller:      fulfiller,
		Events:         dispatcher,
		Clock:          clk,
		StuckThreshold: cfg.Fulfillment.StuckThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("fulfillment retry job: %w", err)
	}

	crons := make([]*cron.Service, 0, 4)
	for _, spec := range []struct {
		name     string
		interval time.Duration
		jobs     []cron.Job
	}{
		{name: "order-ttl", interval: cfg.Fulfillment.TTLInterval, jobs: []cron.Job{ttlJob}},
		{name: "fulfillment-retry", interval: cfg.Fulfillment.RetryInterval, jobs: []cron.Job{retryJob}},
		{name: "usage-monitor", interval: cfg.Usage.Interval, jobs: []cron.Job{monitor}},
		{name: "fee-processor", interval: cfg.Fee.CheckInterval, jobs: []cron.Job{feeProcessor}},
	} {
		svc, err := newCronService(cfg, logg, redisClient, cronMetrics, spec.name, spec.interval, spec.jobs...)
		if err != nil {
			return nil, err
		}
		crons = append(crons, svc)
	}

	// ops surface
	deps := map[string]controllers.Pinger{
		"database": dbClient,
		"redis":    redisClient,
	}
	if pubsubClient != nil {
		deps["pubsub"] = pubsubClient
	}
	ops := &http.Server{
		Addr:              cfg.Ops.ListenAddr,
		Handler:           routes.NewRouter(cfg, logg, deps, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"networks": len(clients),
		"targets":  len(targets),
		"sink":     fmt.Sprintf("%T", sink),
	}), "engine components wired")

	return &engine{
		logg:       logg,
		dispatcher: dispatcher,
		poller:     poller,
		crons:      crons,
		ops:        ops,
	}, nil
}

func buildLedgerClients(cfg config.LedgerConfig) (tron.Clients, error) {
	endpoints, err := cfg.EndpointMap()
	if err != nil {
		return nil, err
	}
	tokens, err := cfg.TokenContractMap()
	if err != nil {
		return nil, err
	}
	clients := make(tron.Clients, len(endpoints))
	for network, baseURL := range endpoints {
		client, err := tron.NewClient(tron.Params{
			Network:        network,
			BaseURL:        baseURL,
			APIKey:         cfg.APIKey,
			TokenContract:  tokens[network],
			RequestsPerSec: cfg.RequestsPerSec,
			Burst:          cfg.Burst,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger client %s: %w", network, err)
		}
		clients[network] = client
	}
	return clients, nil
}

func newCronService(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	cronMetrics *metrics.CronJobMetrics,
	name string,
	interval time.Duration,
	jobs ...cron.Job,
) (*cron.Service, error) {
	key := redisClient.LockKey(fmt.Sprintf("cron:%s:%s", cfg.App.Env, name))
	// the TTL outlives one slow run but frees the loop if a replica dies
	cronLock, err := cron.NewRedisLock(redisClient, key, 5*interval)
	if err != nil {
		return nil, fmt.Errorf("cron lock %s: %w", name, err)
	}
	svc, err := cron.NewService(cron.ServiceParams{
		Name:     name,
		Logger:   logg,
		Registry: cron.NewRegistry(jobs...),
		Lock:     cronLock,
		Metrics:  cronMetrics,
		Interval: interval,
	})
	if err != nil {
		return nil, fmt.Errorf("cron service %s: %w", name, err)
	}
	return svc, nil
}

// Run blocks until ctx is canceled or a loop fails, then drains every
// component. Notifications flush last so shutdown events are delivered.
func (e *engine) Run(ctx context.Context) error {
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	go func() {
		_ = e.dispatcher.Run(dispatchCtx)
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.poller.Run(groupCtx)
	})
	for _, svc := range e.crons {
		group.Go(func() error {
			return svc.Run(groupCtx)
		})
	}
	group.Go(func() error {
		e.logg.Info(e.logg.WithField(groupCtx, "addr", e.ops.Addr), "ops server listening")
		if err := e.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		return e.ops.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	stopDispatch()
	select {
	case <-e.dispatcher.Done():
	case <-time.After(shutdownTimeout):
		e.logg.Warn(context.WithoutCancel(ctx), "notification flush timed out")
	}
	return err
}

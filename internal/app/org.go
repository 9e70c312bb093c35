// Package app composes the services of one organization. Every organization
// owns its own store, ledger and workers; nothing is shared across orgs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/bank"
	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/config"
	"github.com/sheikh-saqib/property-ledger-core/internal/correction"
	"github.com/sheikh-saqib/property-ledger-core/internal/diagnostics"
	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/events/kafka"
	"github.com/sheikh-saqib/property-ledger-core/internal/gateway"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/migration"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
	"github.com/sheikh-saqib/property-ledger-core/internal/period"
	"github.com/sheikh-saqib/property-ledger-core/internal/reporting"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga/redisclaim"
	"github.com/sheikh-saqib/property-ledger-core/internal/sagas"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/postgres"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/sqlite"
	"github.com/sheikh-saqib/property-ledger-core/internal/tax"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

// Options overrides the collaborators New would otherwise build from Config.
type Options struct {
	Config      config.Config
	Store       interfaces.Store
	Checkpoints interfaces.CheckpointStore
	Gateway     interfaces.PaymentGateway
	Publisher   interfaces.EventPublisher
	Claimer     interfaces.Claimer
	Now         func() time.Time
	Logger      *zap.Logger
}

// Org is the full service graph of one organization.
type Org struct {
	ID          string
	Config      config.Config
	Store       interfaces.Store
	Checkpoints interfaces.CheckpointStore
	Gateway     interfaces.PaymentGateway

	Ledger       *ledger.Ledger
	Compliance   *compliance.Engine
	Periods      *period.Service
	Tenants      *tenantledger.Service
	Emitter      *events.Emitter
	Registry     *events.Registry
	Worker       *events.Worker
	Orchestrator *saga.Orchestrator
	Monitor      *saga.Monitor
	Sagas        *sagas.Runner
	Corrections  *correction.Service
	Diagnostics  *diagnostics.Service
	Reports      *reporting.Service
	Bank         *bank.Service
	Migration    *migration.Validator
	Tax          *tax.Service

	now     func() time.Time
	logger  *zap.Logger
	closers []func() error
}

// New builds an organization. Collaborators missing from opts are chosen by
// configuration: postgres when DATABASE_URL is set, redis claims when
// REDIS_ADDR is set, Kafka fan-out when KAFKA_BROKERS is set.
func New(ctx context.Context, opts Options) (org *Org, err error) {
	cfg := opts.Config
	logger := observability.OrNop(opts.Logger).With(zap.String("org_id", cfg.OrgID))
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	org = &Org{ID: cfg.OrgID, Config: cfg, now: now, logger: logger}
	defer func() {
		if err != nil {
			org.Close()
		}
	}()

	if org.Store = opts.Store; org.Store == nil {
		if org.Store, err = openStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
		org.closers = append(org.closers, org.Store.Close)
	}
	if org.Checkpoints = opts.Checkpoints; org.Checkpoints == nil {
		checkpoints, err := sqlite.Open(cfg.CheckpointDBPath)
		if err != nil {
			return nil, err
		}
		org.Checkpoints = checkpoints
		org.closers = append(org.closers, checkpoints.Close)
	}
	if org.Gateway = opts.Gateway; org.Gateway == nil {
		if cfg.GatewayURL != "" {
			org.Gateway = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout, logger)
		} else {
			logger.Warn("GATEWAY_URL not set, disbursements go to the simulated gateway")
			org.Gateway = gateway.NewSimulated()
		}
	}

	claimer := opts.Claimer
	if claimer == nil {
		claimer = saga.NewLocalClaimer()
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return nil, fmt.Errorf("ping redis: %w", err)
			}
			org.closers = append(org.closers, client.Close)
			claimer = redisclaim.New(client, "ledger:"+cfg.OrgID+":", cfg.SagaHeartbeatTimeout, logger)
		}
	}

	if err := compliance.Seed(ctx, org.Store); err != nil {
		return nil, fmt.Errorf("seed compliance rules: %w", err)
	}

	org.Ledger = ledger.NewLedger(org.Store,
		ledger.WithPeriods(org.Store),
		ledger.WithClock(now),
		ledger.WithCurrency(cfg.Currency),
		ledger.WithLogger(logger),
	)
	org.Compliance = compliance.NewEngine(org.Store, logger)
	org.Periods = period.NewService(org.Store, now, logger)
	policy := tenantledger.AllocationPolicy{
		Priority: tenantledger.ParsePriority(cfg.AllocationPriority),
		TieBreak: tenantledger.TieBreak(cfg.AllocationTieBreak),
	}
	org.Tenants = tenantledger.NewService(org.Ledger, org.Store, policy, now, logger)
	org.Emitter = events.NewEmitter(org.Store, now, logger)

	org.Diagnostics = diagnostics.NewService(org.Store, org.Ledger, org.Emitter, now, logger)
	org.Ledger.SetGuard(org.Diagnostics)
	if err := org.Diagnostics.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load diagnostic alerts: %w", err)
	}

	org.Orchestrator = saga.NewOrchestrator(org.Store, saga.Config{
		Replica:           cfg.OrgID + "-" + uuid.NewString()[:8],
		HeartbeatInterval: cfg.SagaHeartbeatInterval,
		StepMaxRetries:    cfg.SagaStepMaxRetries,
	},
		saga.WithClaimer(claimer),
		saga.WithNotifier(org.Emitter),
		saga.WithClock(now),
		saga.WithLogger(logger),
	)
	org.Sagas = sagas.NewRunner(org.Orchestrator, sagas.Deps{
		Ledger:     org.Ledger,
		Compliance: org.Compliance,
		Periods:    org.Periods,
		Tenants:    org.Tenants,
		Deposits:   org.Store,
		Bank:       org.Store,
		Gateway:    org.Gateway,
		Events:     org.Emitter,
		Verifier:   org.Diagnostics,
		Now:        now,
		Logger:     logger,
	})
	org.Monitor = saga.NewMonitor(org.Orchestrator, saga.MonitorConfig{
		Interval:         cfg.SagaMonitorInterval,
		HeartbeatTimeout: cfg.SagaHeartbeatTimeout,
		ResumeBudget:     cfg.SagaResumeBudget,
	}, org.alertZombie)

	org.Corrections = correction.NewService(org.Ledger, org.Tenants, org.Compliance, now, logger)
	org.Reports = reporting.NewService(org.Ledger, org.Store, logger)
	org.Bank = bank.NewService(org.Ledger, org.Store, org.Emitter, org.Checkpoints, bank.Config{
		DateWindowDays: cfg.ReconcileDateWindowDays,
	}, now, logger)
	org.Migration = migration.NewValidator(org.Ledger, org.Checkpoints, now, logger)
	org.Tax = tax.NewService(org.Ledger, org.Compliance, org.Emitter, org.Checkpoints, now, logger)

	org.Registry = events.NewRegistry()
	org.registerTriggers()
	publisher := opts.Publisher
	if publisher == nil && len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers, logger)
		org.closers = append(org.closers, kp.Close)
		publisher = kp
	}
	if publisher != nil {
		org.Registry.Register("broker-publish", events.AllEvents, events.PublishHandler(publisher, cfg.KafkaTopicPrefix+"."))
	}
	org.Worker = events.NewWorker(org.Store, org.Registry, events.WorkerConfig{
		Consumer:     cfg.OrgID + "-events",
		PollInterval: cfg.EventPollInterval,
		LeaseTTL:     cfg.EventLeaseTTL,
		MaxAttempts:  cfg.EventMaxAttempts,
		RetryBackoff: cfg.EventRetryBackoff,
	}, now, logger)

	logger.Info("organization ready",
		zap.String("currency", cfg.Currency),
		zap.Bool("postgres", cfg.DatabaseURL != "" && opts.Store == nil),
		zap.Bool("kafka", publisher != nil),
		zap.Bool("redis_claims", cfg.RedisAddr != "" && opts.Claimer == nil),
	)
	return org, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (interfaces.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, running on the in-memory store")
		return memory.NewStore(), nil
	}
	return postgres.Open(ctx, cfg.DatabaseURL)
}

// alertZombie records a saga the monitor gave up on. The alert has its own
// scope, so it holds period close (Verify) without blocking property postings.
func (o *Org) alertZombie(ctx context.Context, s models.Saga, reason string) error {
	alert := models.Alert{
		ID:         uuid.NewString(),
		Check:      "zombie_saga",
		Scope:      "saga:" + s.ID,
		Severity:   diagnostics.SeverityError,
		Message:    s.Type + " saga " + s.ID + ": " + reason,
		DetectedAt: o.now(),
	}
	if err := o.Store.SaveAlert(ctx, alert); err != nil {
		return err
	}
	o.logger.Error("zombie saga needs manual review",
		zap.String("saga_id", s.ID),
		zap.String("type", s.Type),
		zap.String("alert_id", alert.ID),
		zap.String("reason", reason),
	)
	return o.Diagnostics.Refresh(ctx)
}

// ScheduleCloses announces every open period whose end date has passed.
// The emitted events trigger the period close saga.
func (o *Org) ScheduleCloses(ctx context.Context, actor string) (int, error) {
	due, err := o.Periods.DueForClose(ctx, o.now())
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		if _, err := o.Emitter.Emit(ctx, models.EventPeriodEndReached, p.ID, "period-end:"+p.ID, evpayload.PeriodEndReached{PeriodID: p.ID, ClosedBy: actor}); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// Close releases the connections New opened, in reverse order.
func (o *Org) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

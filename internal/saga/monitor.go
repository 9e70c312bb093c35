package saga

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var sagaRescues = observability.Counter("saga.monitor.rescues", "Stalled sagas claimed by the monitor")

// AlertFunc records a zombie saga that needs a human.
type AlertFunc func(ctx context.Context, saga models.Saga, reason string) error

// MonitorConfig tunes stalled-saga detection.
type MonitorConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	// ResumeBudget is how many times a stalled saga is resumed before it is
	// force-compensated and marked zombie.
	ResumeBudget int
	BatchSize    int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.ResumeBudget <= 0 {
		c.ResumeBudget = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Monitor finds sagas whose owner stopped heart-beating and drives them to
// a terminal state.
type Monitor struct {
	orch  *Orchestrator
	cfg   MonitorConfig
	alert AlertFunc
}

func NewMonitor(orch *Orchestrator, cfg MonitorConfig, alert AlertFunc) *Monitor {
	return &Monitor{orch: orch, cfg: cfg.withDefaults(), alert: alert}
}

// Run scans until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.ScanOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.orch.logger.Error("saga monitor scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce claims and handles every stalled saga it sees and returns how
// many it claimed. Losing a claim race to another replica is not an error.
func (m *Monitor) ScanOnce(ctx context.Context) (int, error) {
	now := m.orch.now()
	staleBefore := now.Add(-m.cfg.HeartbeatTimeout)
	stalled, err := m.orch.store.ListStalled(ctx, staleBefore, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, s := range stalled {
		saga, err := m.orch.store.ClaimStalled(ctx, s.ID, s.Version, staleBefore, m.orch.token(), now)
		if errors.Is(err, models.ErrClaimLost) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed++
		sagaRescues.Add(ctx, 1)
		m.handle(ctx, &saga)
	}
	return claimed, nil
}

func (m *Monitor) handle(ctx context.Context, saga *models.Saga) {
	log := m.orch.logger.With(
		zap.String("saga_id", saga.ID),
		zap.String("type", saga.Type),
		zap.String("status", string(saga.Status)),
		zap.Int("resume_attempts", saga.ResumeAttempts),
	)

	if saga.ResumeAttempts < m.cfg.ResumeBudget {
		expected := saga.Version
		saga.ResumeAttempts++
		if err := m.orch.store.SaveProgress(ctx, saga, expected, nil); err != nil {
			log.Warn("saga resume not recorded", zap.Error(err))
			return
		}
		log.Info("resuming stalled saga")
		err := m.orch.resume(ctx, saga)
		if err == nil {
			return
		}
		var failure *models.StepFailure
		if errors.As(err, &failure) && failure.Compensated {
			return
		}
		if errors.Is(err, models.ErrClaimLost) || saga.ResumeAttempts < m.cfg.ResumeBudget {
			log.Warn("stalled saga resume failed", zap.Error(err))
			return
		}
	}

	m.zombie(ctx, saga, log)
}

// zombie handles a saga whose resume budget is spent. Before the point of no
// return everything that may have run is compensated, including the step that
// was in flight. After it nothing is reversed automatically.
func (m *Monitor) zombie(ctx context.Context, saga *models.Saga, log *zap.Logger) {
	def, err := m.orch.definition(saga.Type)
	if err != nil {
		log.Error("zombie saga has no definition", zap.Error(err))
		return
	}

	reason := "resume budget exhausted"
	if saga.PassedNoReturn {
		expected := saga.Version
		done := m.orch.now()
		saga.Status = models.SagaZombie
		saga.CompletedAt = &done
		saga.UpdatedAt = done
		if saga.Error == "" {
			saga.Error = reason
		}
		if err := m.orch.store.SaveProgress(ctx, saga, expected, nil); err != nil {
			log.Warn("zombie status not recorded", zap.Error(err))
			return
		}
		m.orch.finished(ctx, saga, models.EventSagaZombie)
		m.raise(ctx, *saga, "saga passed its point of no return and stalled; manual correction required", log)
		return
	}

	upTo := saga.CurrentStep
	if upTo >= len(def.Steps) {
		upTo = len(def.Steps) - 1
	}
	err = m.orch.compensate(ctx, def, saga, upTo, errors.New(reason), models.SagaZombie)
	var failure *models.StepFailure
	if errors.As(err, &failure) && failure.Compensated {
		m.raise(ctx, *saga, "saga stalled and was force-compensated", log)
		return
	}
	log.Error("zombie compensation incomplete", zap.Error(err))
	m.raise(ctx, *saga, "saga stalled and compensation did not finish: "+errString(err), log)
}

func (m *Monitor) raise(ctx context.Context, saga models.Saga, reason string, log *zap.Logger) {
	log.Error("zombie saga", zap.String("reason", reason), zap.Bool("funds_moved", saga.FundsMoved))
	if m.alert == nil {
		return
	}
	if err := m.alert(ctx, saga, reason); err != nil {
		log.Error("zombie alert not recorded", zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var sagaOutcomes = observability.Counter("saga.outcomes", "Saga terminations by type and status")

// ErrCancelled is the cause recorded when a saga is cancelled before its
// point of no return.
var ErrCancelled = errors.New("saga cancelled")

// Notifier publishes saga lifecycle events; *events.Emitter implements it.
type Notifier interface {
	Emit(ctx context.Context, eventType, aggregateID, dedupeKey string, payload any) (models.Event, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Replica identifies this process in saga ownership tokens.
	Replica           string
	HeartbeatInterval time.Duration
	// StepMaxRetries bounds attempts for infrastructure failures inside a step.
	StepMaxRetries   int
	StepRetryInitial time.Duration
	AwaitPoll        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Replica == "" {
		c.Replica = "replica-" + uuid.NewString()[:8]
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StepMaxRetries <= 0 {
		c.StepMaxRetries = 3
	}
	if c.StepRetryInitial <= 0 {
		c.StepRetryInitial = 100 * time.Millisecond
	}
	if c.AwaitPoll <= 0 {
		c.AwaitPoll = 100 * time.Millisecond
	}
	return c
}

// Orchestrator executes registered saga definitions.
type Orchestrator struct {
	store    interfaces.SagaStore
	claimer  interfaces.Claimer // optional cross-replica claim per idempotency key
	notifier Notifier           // optional
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClaimer(c interfaces.Claimer) Option { return func(o *Orchestrator) { o.claimer = c } }
func WithNotifier(n Notifier) Option          { return func(o *Orchestrator) { o.notifier = n } }
func WithClock(now func() time.Time) Option   { return func(o *Orchestrator) { o.now = now } }
func WithLogger(l *zap.Logger) Option         { return func(o *Orchestrator) { o.logger = observability.OrNop(l) } }

func NewOrchestrator(store interfaces.SagaStore, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
		defs:   make(map[string]Definition),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a saga definition. Step names must be unique.
func (o *Orchestrator) Register(def Definition) {
	seen := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		if _, dup := seen[s.Name]; dup {
			panic(fmt.Sprintf("saga %s: duplicate step %q", def.Type, s.Name))
		}
		seen[s.Name] = struct{}{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defs[def.Type] = def
}

func (o *Orchestrator) definition(sagaType string) (Definition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.defs[sagaType]
	if !ok {
		return Definition{}, models.NewValidation("unknown saga type " + sagaType)
	}
	return def, nil
}

// Execute creates a saga and runs it to a terminal state.
//
// A live or completed saga with the same idempotency key yields
// models.ErrSagaActive together with that instance. A forward failure
// returns a *models.StepFailure after compensation.
func (o *Orchestrator) Execute(ctx context.Context, sagaType, idempotencyKey string, payload any) (models.Saga, error) {
	saga, release, err := o.create(ctx, sagaType, idempotencyKey, payload)
	if err != nil {
		return saga, err
	}
	defer release()
	// a caller that goes away must not abort the saga half-way
	err = o.run(context.WithoutCancel(ctx), &saga)
	return saga, err
}

// Start creates a saga and runs it in the background. Use Await or the
// saga.* events to observe completion.
func (o *Orchestrator) Start(ctx context.Context, sagaType, idempotencyKey string, payload any) (models.Saga, error) {
	saga, release, err := o.create(ctx, sagaType, idempotencyKey, payload)
	if err != nil {
		return saga, err
	}
	runCtx := context.WithoutCancel(ctx)
	go func(s models.Saga) {
		defer release()
		if err := o.run(runCtx, &s); err != nil {
			o.logger.Debug("background saga ended with error", zap.String("saga_id", s.ID), zap.Error(err))
		}
	}(saga)
	return saga, nil
}

func (o *Orchestrator) create(ctx context.Context, sagaType, idempotencyKey string, payload any) (models.Saga, func(), error) {
	noop := func() {}
	if idempotencyKey == "" {
		return models.Saga{}, noop, models.NewValidation("saga idempotency key is required")
	}
	if _, err := o.definition(sagaType); err != nil {
		return models.Saga{}, noop, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Saga{}, noop, models.Wrap(models.CodeInvalid, "saga payload is not serializable", err)
	}

	release := noop
	if o.claimer != nil {
		unlock, err := o.claimer.Claim(ctx, "saga:"+idempotencyKey)
		if err != nil {
			existing, _ := o.store.GetSagaByKey(ctx, idempotencyKey)
			return existing, noop, err
		}
		release = func() {
			if err := unlock(context.Background()); err != nil {
				o.logger.Warn("saga claim release failed", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
			}
		}
	}

	now := o.now()
	saga := models.Saga{
		ID:              uuid.NewString(),
		Type:            sagaType,
		IdempotencyKey:  idempotencyKey,
		Status:          models.SagaRunning,
		Payload:         data,
		Owner:           o.token(),
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateSaga(ctx, &saga); err != nil {
		release()
		if errors.Is(err, models.ErrSagaActive) {
			existing, getErr := o.store.GetSagaByKey(ctx, idempotencyKey)
			if getErr == nil {
				return existing, noop, err
			}
		}
		return models.Saga{}, noop, err
	}
	o.logger.Info("saga started", zap.String("saga_id", saga.ID), zap.String("type", sagaType), zap.String("idempotency_key", idempotencyKey))
	return saga, release, nil
}

// token is a per-run ownership token; a monitor that claims the saga
// replaces it, so the old run's heartbeats and writes fail.
func (o *Orchestrator) token() string {
	return o.cfg.Replica + "/" + uuid.NewString()[:8]
}

// Get returns a saga instance.
func (o *Orchestrator) Get(ctx context.Context, id string) (models.Saga, error) {
	return o.store.GetSaga(ctx, id)
}

// Cancel requests cancellation. It fails with models.ErrPointOfNoReturn
// once the saga passed its point of no return; such sagas run to completion
// and are corrected afterwards.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	saga, err := o.store.GetSaga(ctx, id)
	if err != nil {
		return err
	}
	if saga.PassedNoReturn {
		return models.WithMetadata(models.CodePointOfNoReturn, "saga passed its point of no return; issue a correcting reversal after it completes", map[string]string{"saga_id": id})
	}
	if err := o.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	o.logger.Info("saga cancel requested", zap.String("saga_id", id))
	return nil
}

// Await polls until the saga terminates or ctx ends.
func (o *Orchestrator) Await(ctx context.Context, id string) (models.Saga, error) {
	ticker := time.NewTicker(o.cfg.AwaitPoll)
	defer ticker.Stop()
	for {
		saga, err := o.store.GetSaga(ctx, id)
		if err != nil {
			return models.Saga{}, err
		}
		if saga.Status.Terminal() {
			return saga, nil
		}
		select {
		case <-ctx.Done():
			return saga, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resume continues a saga the monitor claimed, from its last checkpoint or
// its unfinished compensation.
func (o *Orchestrator) resume(ctx context.Context, saga *models.Saga) error {
	return o.run(ctx, saga)
}

func (o *Orchestrator) run(ctx context.Context, saga *models.Saga) (err error) {
	def, err := o.definition(saga.Type)
	if err != nil {
		return err
	}
	ctx, span := observability.StartSpan(ctx, "saga", "saga."+saga.Type,
		attribute.String("saga.id", saga.ID),
		attribute.Int("saga.resume_from", saga.CurrentStep),
	)
	defer func() { observability.EndSpan(span, err) }()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, saga.ID, saga.Owner)

	if saga.Status == models.SagaCompensating {
		return o.compensate(ctx, def, saga, saga.CurrentStep, errors.New(saga.Error), models.SagaFailed)
	}

	outputs := saga.Checkpoints()
	for i := saga.CurrentStep; i < len(def.Steps); i++ {
		if saga.CancelRequested && !saga.PassedNoReturn {
			return o.compensate(ctx, def, saga, i, ErrCancelled, models.SagaFailed)
		}
		step := def.Steps[i]
		sc := &StepContext{Saga: *saga, Index: i, def: def, outputs: outputs}

		out, attempts, stepErr := o.forward(ctx, step, sc)
		if stepErr != nil {
			return o.fail(ctx, def, saga, i, attempts, stepErr)
		}

		data, mErr := json.Marshal(out)
		if mErr != nil {
			return o.fail(ctx, def, saga, i, attempts, models.Wrap(models.CodeInvalid, "step output is not serializable", mErr))
		}
		expected := saga.Version
		saga.CurrentStep = i + 1
		saga.PassedNoReturn = saga.PassedNoReturn || step.PointOfNoReturn
		saga.FundsMoved = saga.FundsMoved || step.MovesFunds
		saga.LastHeartbeatAt = o.now()
		saga.UpdatedAt = saga.LastHeartbeatAt
		rec := &models.StepRecord{
			SagaID:    saga.ID,
			Index:     i,
			Name:      step.Name,
			Phase:     models.PhaseForward,
			Outcome:   models.StepSucceeded,
			Output:    data,
			Attempts:  attempts,
			CreatedAt: saga.UpdatedAt,
		}
		if err := o.store.SaveProgress(ctx, saga, expected, rec); err != nil {
			return o.claimLost(saga, err)
		}
		outputs[i] = data
		o.logger.Debug("saga step succeeded", zap.String("saga_id", saga.ID), zap.String("step", step.Name), zap.Int("attempts", attempts))
	}

	expected := saga.Version
	completed := o.now()
	saga.Status = models.SagaCompleted
	saga.CompletedAt = &completed
	saga.UpdatedAt = completed
	if err := o.store.SaveProgress(ctx, saga, expected, nil); err != nil {
		return o.claimLost(saga, err)
	}
	o.finished(ctx, saga, models.EventSagaCompleted)
	return nil
}

// forward runs a step, retrying infrastructure failures with bounded
// exponential backoff. Business failures are returned at once.
func (o *Orchestrator) forward(ctx context.Context, step Step, sc *StepContext) (any, int, error) {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.StepRetryInitial
	out, err := backoff.Retry(ctx, func() (any, error) {
		attempts++
		out, err := step.Forward(ctx, sc)
		if err != nil && !models.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.StepMaxRetries)))
	return out, attempts, err
}

func (o *Orchestrator) compensateStep(ctx context.Context, step Step, sc *StepContext) (int, error) {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.StepRetryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := step.Compensate(ctx, sc)
		if err != nil && !models.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.StepMaxRetries)))
	return attempts, err
}

// fail handles a forward failure at index. Before the point of no return the
// completed steps are compensated; after it the saga stays running so the
// monitor drives it forward again.
func (o *Orchestrator) fail(ctx context.Context, def Definition, saga *models.Saga, index, attempts int, cause error) error {
	step := def.Steps[index]
	rec := &models.StepRecord{
		SagaID:    saga.ID,
		Index:     index,
		Name:      step.Name,
		Phase:     models.PhaseForward,
		Outcome:   models.StepFailed,
		Error:     cause.Error(),
		Attempts:  attempts,
		CreatedAt: o.now(),
	}
	o.logger.Warn("saga step failed",
		zap.String("saga_id", saga.ID),
		zap.String("type", saga.Type),
		zap.String("step", step.Name),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)

	if saga.PassedNoReturn {
		expected := saga.Version
		saga.Error = cause.Error()
		saga.FailedStep = step.Name
		saga.UpdatedAt = rec.CreatedAt
		if err := o.store.SaveProgress(ctx, saga, expected, rec); err != nil {
			return o.claimLost(saga, err)
		}
		return &models.StepFailure{
			SagaID:     saga.ID,
			SagaType:   saga.Type,
			StepIndex:  index,
			StepName:   step.Name,
			FundsMoved: true,
			Cause:      cause,
		}
	}

	expected := saga.Version
	saga.Status = models.SagaCompensating
	saga.FailedStep = step.Name
	saga.Error = cause.Error()
	saga.UpdatedAt = rec.CreatedAt
	if err := o.store.SaveProgress(ctx, saga, expected, rec); err != nil {
		return o.claimLost(saga, err)
	}
	return o.compensate(ctx, def, saga, index, cause, models.SagaFailed)
}

// compensate undoes steps below upTo in reverse order and moves the saga to
// final. Steps already compensated (per history) are skipped.
func (o *Orchestrator) compensate(ctx context.Context, def Definition, saga *models.Saga, upTo int, cause error, final models.SagaStatus) error {
	if saga.Status != models.SagaCompensating {
		expected := saga.Version
		saga.Status = models.SagaCompensating
		saga.Error = cause.Error()
		if upTo < len(def.Steps) && saga.FailedStep == "" {
			saga.FailedStep = def.Steps[upTo].Name
		}
		saga.UpdatedAt = o.now()
		if err := o.store.SaveProgress(ctx, saga, expected, nil); err != nil {
			return o.claimLost(saga, err)
		}
	}

	outputs := saga.Checkpoints()
	if upTo > len(def.Steps)-1 {
		upTo = len(def.Steps) - 1
	}
	for j := upTo; j >= 0; j-- {
		step := def.Steps[j]
		if step.Compensate == nil || saga.Compensated(j) {
			continue
		}
		// a step with no checkpoint is only compensated when it may have
		// applied its effect without recording it (forced compensation)
		if _, done := outputs[j]; !done && final != models.SagaZombie {
			continue
		}
		sc := &StepContext{Saga: *saga, Index: j, def: def, outputs: outputs}
		attempts, err := o.compensateStep(ctx, step, sc)
		rec := &models.StepRecord{
			SagaID:    saga.ID,
			Index:     j,
			Name:      step.Name,
			Phase:     models.PhaseCompensate,
			Outcome:   models.StepSucceeded,
			Attempts:  attempts,
			CreatedAt: o.now(),
		}
		if err != nil {
			rec.Outcome = models.StepFailed
			rec.Error = err.Error()
		}
		expected := saga.Version
		saga.LastHeartbeatAt = rec.CreatedAt
		saga.UpdatedAt = rec.CreatedAt
		if saveErr := o.store.SaveProgress(ctx, saga, expected, rec); saveErr != nil {
			return o.claimLost(saga, saveErr)
		}
		if err != nil {
			o.logger.Error("saga compensation failed",
				zap.String("saga_id", saga.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			// stays compensating; the monitor retries it
			return fmt.Errorf("compensate %s/%s: %w", saga.Type, step.Name, err)
		}
	}

	expected := saga.Version
	done := o.now()
	saga.Status = final
	saga.CompletedAt = &done
	saga.UpdatedAt = done
	if err := o.store.SaveProgress(ctx, saga, expected, nil); err != nil {
		return o.claimLost(saga, err)
	}
	eventType := models.EventSagaFailed
	if final == models.SagaZombie {
		eventType = models.EventSagaZombie
	}
	o.finished(ctx, saga, eventType)

	return &models.StepFailure{
		SagaID:      saga.ID,
		SagaType:    saga.Type,
		StepIndex:   upTo,
		StepName:    saga.FailedStep,
		Compensated: true,
		FundsMoved:  false,
		Cause:       cause,
	}
}

func (o *Orchestrator) claimLost(saga *models.Saga, err error) error {
	o.logger.Warn("saga ownership lost", zap.String("saga_id", saga.ID), zap.Error(err))
	if errors.Is(err, models.ErrVersionConflict) {
		return models.Wrap(models.CodeClaimLost, "saga "+saga.ID+" was claimed by another worker", err)
	}
	return err
}

func (o *Orchestrator) finished(ctx context.Context, saga *models.Saga, eventType string) {
	sagaOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga.type", saga.Type),
		attribute.String("saga.status", string(saga.Status)),
	))
	log := o.logger.With(zap.String("saga_id", saga.ID), zap.String("type", saga.Type), zap.String("status", string(saga.Status)))
	if saga.Status == models.SagaCompleted {
		log.Info("saga completed")
	} else {
		log.Warn("saga terminated", zap.String("failed_step", saga.FailedStep), zap.String("error", saga.Error))
	}
	if o.notifier == nil {
		return
	}
	_, err := o.notifier.Emit(ctx, eventType, saga.ID, eventType+":"+saga.ID, evpayload.SagaOutcome{
		SagaID:     saga.ID,
		SagaType:   saga.Type,
		Status:     string(saga.Status),
		FailedStep: saga.FailedStep,
		FundsMoved: saga.FundsMoved,
		Error:      saga.Error,
		OccurredAt: o.now(),
	})
	if err != nil {
		log.Error("saga outcome event not recorded", zap.Error(err))
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context, id, owner string) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, id, owner, o.now()); err != nil {
				if !errors.Is(err, context.Canceled) {
					o.logger.Debug("saga heartbeat stopped", zap.String("saga_id", id), zap.Error(err))
				}
				return
			}
		}
	}
}

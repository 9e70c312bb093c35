package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
	"github.com/sheikh-saqib/property-ledger-core/internal/storage/memory"
)

// journal records step effects in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func recordingStep(j *journal, name string) saga.Step {
	return saga.Step{
		Name: name,
		Forward: func(ctx context.Context, sc *saga.StepContext) (any, error) {
			j.add("do:" + name)
			return map[string]string{"step": name}, nil
		},
		Compensate: func(ctx context.Context, sc *saga.StepContext) error {
			j.add("undo:" + name)
			return nil
		},
	}
}

func failingStep(j *journal, name string, err error) saga.Step {
	s := recordingStep(j, name)
	s.Forward = func(ctx context.Context, sc *saga.StepContext) (any, error) {
		j.add("try:" + name)
		return nil, err
	}
	return s
}

type harness struct {
	store *memory.Store
	orch  *saga.Orchestrator
	now   time.Time
}

func newHarness(t *testing.T, defs ...saga.Definition) *harness {
	t.Helper()
	h := &harness{store: memory.NewStore(), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.orch = saga.NewOrchestrator(h.store, saga.Config{
		Replica:          "test",
		StepMaxRetries:   3,
		StepRetryInitial: time.Millisecond,
		AwaitPoll:        time.Millisecond,
	},
		saga.WithClock(clock),
		saga.WithClaimer(saga.NewLocalClaimer()),
		saga.WithNotifier(events.NewEmitter(h.store, clock, nil)),
	)
	for _, d := range defs {
		h.orch.Register(d)
	}
	return h
}

func TestExecute_CompletesAndPassesOutputs(t *testing.T) {
	j := &journal{}
	var seen string
	second := recordingStep(j, "second")
	second.Forward = func(ctx context.Context, sc *saga.StepContext) (any, error) {
		var out map[string]string
		ok, err := sc.Output("first", &out)
		require.NoError(t, err)
		require.True(t, ok)
		seen = out["step"]

		var p map[string]int
		require.NoError(t, sc.Payload(&p))
		assert.Equal(t, 42, p["amount"])
		assert.Equal(t, "demo:"+sc.Saga.ID+":second:x", sc.Key("x"))
		return nil, nil
	}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{recordingStep(j, "first"), second}})

	s, err := h.orch.Execute(context.Background(), "demo", "k1", map[string]int{"amount": 42})
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, s.Status)
	assert.Equal(t, 2, s.CurrentStep)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, "first", seen)

	evs, err := h.store.ListEvents(context.Background(), interfaces.EventFilter{Type: models.EventSagaCompleted})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestExecute_IdempotentByKey(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{recordingStep(j, "only")}})
	ctx := context.Background()

	first, err := h.orch.Execute(ctx, "demo", "same", nil)
	require.NoError(t, err)

	again, err := h.orch.Execute(ctx, "demo", "same", nil)
	assert.ErrorIs(t, err, models.ErrSagaActive)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{"do:only"}, j.list())
}

func TestExecute_CompensatesInReverse(t *testing.T) {
	j := &journal{}
	boom := models.NewValidation("rejected")
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{
		recordingStep(j, "a"),
		recordingStep(j, "b"),
		failingStep(j, "c", boom),
		recordingStep(j, "d"),
	}})

	s, err := h.orch.Execute(context.Background(), "demo", "k", nil)
	var failure *models.StepFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Compensated)
	assert.False(t, failure.FundsMoved)
	assert.Equal(t, "c", failure.StepName)
	assert.ErrorIs(t, err, models.ErrSagaStep)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"do:a", "do:b", "try:c", "undo:b", "undo:a"}, j.list(), "business errors are not retried")
	assert.Equal(t, models.SagaFailed, s.Status)
	assert.Equal(t, "c", s.FailedStep)

	// a failed instance releases its key
	_, err = h.orch.Execute(context.Background(), "demo", "k", nil)
	assert.ErrorAs(t, err, &failure)
}

func TestExecute_RetriesInfrastructureErrors(t *testing.T) {
	j := &journal{}
	calls := 0
	flaky := recordingStep(j, "flaky")
	flaky.Forward = func(ctx context.Context, sc *saga.StepContext) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{flaky}})

	s, err := h.orch.Execute(context.Background(), "demo", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, s.History, 1)
	assert.Equal(t, 3, s.History[0].Attempts)
}

func TestExecute_FailureAfterPointOfNoReturnStaysRunning(t *testing.T) {
	j := &journal{}
	payout := recordingStep(j, "payout")
	payout.PointOfNoReturn = true
	payout.MovesFunds = true
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{
		recordingStep(j, "reserve"),
		payout,
		failingStep(j, "notify", models.NewValidation("downstream refused")),
	}})
	ctx := context.Background()

	s, err := h.orch.Execute(ctx, "demo", "k", nil)
	var failure *models.StepFailure
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Compensated)
	assert.True(t, failure.FundsMoved)
	assert.Equal(t, models.SagaRunning, s.Status)
	assert.True(t, s.PassedNoReturn)
	assert.NotContains(t, j.list(), "undo:reserve")

	err = h.orch.Cancel(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrPointOfNoReturn)
}

func TestCancel_BeforePointOfNoReturnCompensates(t *testing.T) {
	j := &journal{}
	h := newHarness(t)
	first := recordingStep(j, "first")
	first.Forward = func(ctx context.Context, sc *saga.StepContext) (any, error) {
		j.add("do:first")
		return nil, h.orch.Cancel(ctx, sc.Saga.ID)
	}
	h.orch.Register(saga.Definition{Type: "demo", Steps: []saga.Step{first, recordingStep(j, "second")}})

	s, err := h.orch.Execute(context.Background(), "demo", "k", nil)
	assert.ErrorIs(t, err, saga.ErrCancelled)
	assert.Equal(t, models.SagaFailed, s.Status)
	assert.Equal(t, []string{"do:first", "undo:first"}, j.list())
}

func TestStartAndAwait(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{recordingStep(j, "a"), recordingStep(j, "b")}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started, err := h.orch.Start(ctx, "demo", "async", nil)
	require.NoError(t, err)
	done, err := h.orch.Await(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, done.Status)
}

func TestRegister_DuplicateStepPanics(t *testing.T) {
	j := &journal{}
	h := newHarness(t)
	assert.Panics(t, func() {
		h.orch.Register(saga.Definition{Type: "dup", Steps: []saga.Step{recordingStep(j, "x"), recordingStep(j, "x")}})
	})
}

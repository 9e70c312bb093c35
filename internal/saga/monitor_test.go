package saga_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// abandon stores a saga as if its worker died after finishing `done` steps.
func abandon(t *testing.T, h *harness, sagaType string, done int, passedNoReturn bool) models.Saga {
	t.Helper()
	ctx := context.Background()
	stale := h.now.Add(-time.Hour)
	s := models.Saga{
		ID:              "s-" + sagaType,
		Type:            sagaType,
		IdempotencyKey:  "abandoned-" + sagaType,
		Status:          models.SagaRunning,
		Payload:         json.RawMessage(`{}`),
		Owner:           "dead-replica/1",
		LastHeartbeatAt: stale,
		CreatedAt:       stale,
	}
	require.NoError(t, h.store.CreateSaga(ctx, &s))
	for i := 0; i < done; i++ {
		expected := s.Version
		s.CurrentStep = i + 1
		s.PassedNoReturn = passedNoReturn
		require.NoError(t, h.store.SaveProgress(ctx, &s, expected, &models.StepRecord{
			SagaID: s.ID, Index: i, Phase: models.PhaseForward, Outcome: models.StepSucceeded,
			Output: json.RawMessage(`"ok"`), CreatedAt: stale,
		}))
	}
	return s
}

func TestMonitor_ResumesFromCheckpoint(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{recordingStep(j, "a"), recordingStep(j, "b"), recordingStep(j, "c")}})
	s := abandon(t, h, "demo", 1, false)

	m := saga.NewMonitor(h.orch, saga.MonitorConfig{HeartbeatTimeout: time.Minute, ResumeBudget: 2}, nil)
	n, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"do:b", "do:c"}, j.list(), "checkpointed step is not repeated")

	got, err := h.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaCompleted, got.Status)
	assert.Equal(t, 1, got.ResumeAttempts)

	n, err = m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMonitor_IgnoresFreshSagas(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{recordingStep(j, "a")}})
	s := abandon(t, h, "demo", 0, false)
	require.NoError(t, h.store.Heartbeat(context.Background(), s.ID, s.Owner, h.now))

	m := saga.NewMonitor(h.orch, saga.MonitorConfig{HeartbeatTimeout: time.Minute}, nil)
	n, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, j.list())
}

func TestMonitor_ZombieForceCompensatesInFlightStep(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{
		recordingStep(j, "a"),
		failingStep(j, "b", assert.AnError),
	}})
	s := abandon(t, h, "demo", 1, false)

	var alerts []string
	m := saga.NewMonitor(h.orch, saga.MonitorConfig{HeartbeatTimeout: time.Minute, ResumeBudget: 1},
		func(ctx context.Context, s models.Saga, reason string) error {
			alerts = append(alerts, reason)
			return nil
		})

	// the saga ran out of budget before this replica saw it
	expected := s.Version
	s.ResumeAttempts = 1
	require.NoError(t, h.store.SaveProgress(context.Background(), &s, expected, nil))

	_, err := m.ScanOnce(context.Background())
	require.NoError(t, err)

	got, err := h.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaZombie, got.Status)
	assert.Equal(t, []string{"undo:b", "undo:a"}, j.list())
	require.Len(t, alerts, 1)
}

func TestMonitor_ZombieAfterPointOfNoReturnIsNotCompensated(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{
		recordingStep(j, "a"),
		failingStep(j, "b", models.NewValidation("refused")),
	}})
	s := abandon(t, h, "demo", 1, true)

	var alerted models.Saga
	m := saga.NewMonitor(h.orch, saga.MonitorConfig{HeartbeatTimeout: time.Minute, ResumeBudget: 1},
		func(ctx context.Context, s models.Saga, reason string) error {
			alerted = s
			return nil
		})

	// first scan resumes and fails again; the budget is now spent
	_, err := m.ScanOnce(context.Background())
	require.NoError(t, err)

	got, err := h.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaZombie, got.Status)
	assert.Equal(t, s.ID, alerted.ID)
	assert.NotContains(t, j.list(), "undo:a")
}

func TestMonitor_DefaultBudgetGivesUpAfterOneFailedResume(t *testing.T) {
	j := &journal{}
	h := newHarness(t, saga.Definition{Type: "demo", Steps: []saga.Step{
		recordingStep(j, "a"),
		failingStep(j, "b", models.NewValidation("refused")),
	}})
	s := abandon(t, h, "demo", 1, true)

	alerts := 0
	m := saga.NewMonitor(h.orch, saga.MonitorConfig{HeartbeatTimeout: time.Minute},
		func(ctx context.Context, s models.Saga, reason string) error {
			alerts++
			return nil
		})

	n, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaZombie, got.Status, "no second scan is needed")
	assert.Equal(t, 1, got.ResumeAttempts)
	assert.Equal(t, 1, alerts)
}

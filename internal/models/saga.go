package models

import (
	"encoding/json"
	"time"
)

// SagaStatus is the saga lifecycle state.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
	SagaZombie       SagaStatus = "zombie"
)

// Terminal reports whether no further steps will run.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed || s == SagaZombie
}

// StepPhase distinguishes forward actions from compensations in step history.
type StepPhase string

const (
	PhaseForward    StepPhase = "forward"
	PhaseCompensate StepPhase = "compensate"
)

// StepOutcome is the result of one step attempt.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "succeeded"
	StepFailed    StepOutcome = "failed"
)

// StepRecord is one append-only entry in a saga's step history. A succeeded
// forward record is the durable checkpoint for that step.
type StepRecord struct {
	SagaID    string          `json:"saga_id"`
	Index     int             `json:"index"`
	Name      string          `json:"name"`
	Phase     StepPhase       `json:"phase"`
	Outcome   StepOutcome     `json:"outcome"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Saga is the durable state of one orchestrated workflow.
//
// Version increments on every state write; writers present the version they
// read, so a monitor and a live worker can never both advance the same saga.
type Saga struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Status          SagaStatus      `json:"status"`
	CurrentStep     int             `json:"current_step"`
	Payload         json.RawMessage `json:"payload"`
	History         []StepRecord    `json:"history,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	Version         int64           `json:"version"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	ResumeAttempts  int             `json:"resume_attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	PassedNoReturn  bool            `json:"passed_no_return"`
	FundsMoved      bool            `json:"funds_moved"`
	FailedStep      string          `json:"failed_step,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Checkpoints returns the outputs of succeeded forward steps keyed by index.
func (s Saga) Checkpoints() map[int]json.RawMessage {
	out := make(map[int]json.RawMessage)
	for _, rec := range s.History {
		if rec.Phase == PhaseForward && rec.Outcome == StepSucceeded {
			out[rec.Index] = rec.Output
		}
	}
	return out
}

// Compensated reports whether the compensation for step index already succeeded.
func (s Saga) Compensated(index int) bool {
	for _, rec := range s.History {
		if rec.Phase == PhaseCompensate && rec.Outcome == StepSucceeded && rec.Index == index {
			return true
		}
	}
	return false
}

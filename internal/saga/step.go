// Package saga runs multi-step workflows with durable checkpoints,
// compensation on failure and a monitor that rescues abandoned instances.
package saga

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// ForwardFunc performs a step and returns its output, which is persisted as
// the step checkpoint. It must be idempotent.
type ForwardFunc func(ctx context.Context, sc *StepContext) (any, error)

// CompensateFunc undoes exactly the effect of its step's forward action. It
// must be idempotent and succeed when that effect is absent.
type CompensateFunc func(ctx context.Context, sc *StepContext) error

// Step is one (forward, compensate) pair.
type Step struct {
	Name       string
	Forward    ForwardFunc
	Compensate CompensateFunc
	// PointOfNoReturn marks a step whose success cannot be undone, such as
	// money leaving through the gateway. Once it succeeds the saga can only
	// run forward and cannot be cancelled.
	PointOfNoReturn bool
	// MovesFunds marks steps that change balances or move money.
	MovesFunds bool
}

// Definition is an ordered list of steps registered under a saga type.
type Definition struct {
	Type  string
	Steps []Step
}

func (d Definition) indexOf(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// StepContext gives a step access to the saga payload and earlier outputs.
type StepContext struct {
	Saga    models.Saga
	Index   int
	def     Definition
	outputs map[int]json.RawMessage
}

// StepName is the name of the running step.
func (sc *StepContext) StepName() string { return sc.def.Steps[sc.Index].Name }

// Payload decodes the saga payload.
func (sc *StepContext) Payload(out any) error {
	if err := json.Unmarshal(sc.Saga.Payload, out); err != nil {
		return models.Wrap(models.CodeInvalid, "malformed "+sc.Saga.Type+" payload", err)
	}
	return nil
}

// Output decodes the checkpoint of an earlier step. It reports false when
// that step has not succeeded.
func (sc *StepContext) Output(step string, out any) (bool, error) {
	idx := sc.def.indexOf(step)
	raw, ok := sc.outputs[idx]
	if idx < 0 || !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, models.Wrap(models.CodeInvalid, "malformed checkpoint of "+step, err)
	}
	return true, nil
}

// Key derives a stable idempotency key for a side effect of the running step.
func (sc *StepContext) Key(parts ...string) string {
	all := append([]string{sc.Saga.Type, sc.Saga.ID, sc.StepName()}, parts...)
	return strings.Join(all, ":")
}

// KeyN is Key with a numeric suffix.
func (sc *StepContext) KeyN(n int) string { return sc.Key(strconv.Itoa(n)) }

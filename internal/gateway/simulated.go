package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
)

// Simulated accepts every disbursement and remembers it by id. It backs
// local runs and tests.
type Simulated struct {
	mu   sync.Mutex
	sent map[string]string
	log  []interfaces.Disbursement
	fail error
}

func NewSimulated() *Simulated {
	return &Simulated{sent: make(map[string]string)}
}

// FailWith makes subsequent new disbursements fail with err; nil resets.
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Simulated) Disburse(ctx context.Context, d interfaces.Disbursement) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.sent[d.ID]; ok {
		return ref, nil
	}
	if s.fail != nil {
		return "", s.fail
	}
	ref := "sim-" + uuid.NewString()
	s.sent[d.ID] = ref
	s.log = append(s.log, d)
	return ref, nil
}

// Sent lists accepted disbursements in order.
func (s *Simulated) Sent() []interfaces.Disbursement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.Disbursement(nil), s.log...)
}

var _ interfaces.PaymentGateway = (*Simulated)(nil)

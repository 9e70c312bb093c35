package memory

import (
	"context"
	"sort"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func (m *Store) CreateCharge(ctx context.Context, charge models.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.charges[charge.ID]; exists {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "charge already exists", map[string]string{"charge_id": charge.ID})
	}
	if charge.Version == 0 {
		charge.Version = 1
	}
	m.charges[charge.ID] = cloneCharge(charge)
	return nil
}

func (m *Store) GetCharge(ctx context.Context, id string) (models.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.charges[id]
	if !ok {
		return models.Charge{}, models.NotFound("charge", id)
	}
	return cloneCharge(c), nil
}

// ListCharges returns charges ordered by due date, then creation.
func (m *Store) ListCharges(ctx context.Context, filter interfaces.ChargeFilter) ([]models.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Charge
	for _, c := range m.charges {
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		if filter.PropertyID != "" && c.PropertyID != filter.PropertyID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasChargeStatus(filter.Statuses, c.Status) {
			continue
		}
		result = append(result, cloneCharge(c))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Store) UpdateCharge(ctx context.Context, charge *models.Charge, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.charges[charge.ID]
	if !ok {
		return models.NotFound("charge", charge.ID)
	}
	if stored.Version != expectedVersion {
		return models.WithMetadata(models.CodeVersionConflict, "charge version changed", map[string]string{"charge_id": charge.ID})
	}
	stored.PaidAmount = charge.PaidAmount
	stored.Status = charge.Status
	stored.Allocations = charge.Allocations
	stored.Version = expectedVersion + 1
	m.charges[charge.ID] = cloneCharge(stored)
	*charge = cloneCharge(stored)
	return nil
}

func (m *Store) SavePayment(ctx context.Context, payment models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[payment.ID]; exists {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "payment already recorded", map[string]string{"payment_id": payment.ID})
	}
	payment.Applications = append([]models.ChargeApplication(nil), payment.Applications...)
	m.payments[payment.ID] = payment
	return nil
}

func (m *Store) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, models.NotFound("payment", id)
	}
	p.Applications = append([]models.ChargeApplication(nil), p.Applications...)
	return p, nil
}

func (m *Store) ListPayments(ctx context.Context, tenantID string) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Payment
	for _, p := range m.payments {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		p.Applications = append([]models.ChargeApplication(nil), p.Applications...)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReceivedOn.Before(result[j].ReceivedOn) })
	return result, nil
}

func (m *Store) UpdatePaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return models.NotFound("payment", id)
	}
	p.Status = status
	m.payments[id] = p
	return nil
}

func (m *Store) DeletePayment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.payments, id)
	return nil
}

func (m *Store) CreateDeposit(ctx context.Context, deposit models.SecurityDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deposits[deposit.ID]; exists {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "deposit already exists", map[string]string{"deposit_id": deposit.ID})
	}
	if deposit.Version == 0 {
		deposit.Version = 1
	}
	m.deposits[deposit.ID] = deposit
	return nil
}

func (m *Store) GetDeposit(ctx context.Context, id string) (models.SecurityDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deposits[id]
	if !ok {
		return models.SecurityDeposit{}, models.NotFound("deposit", id)
	}
	return d, nil
}

func (m *Store) ListDeposits(ctx context.Context, filter interfaces.DepositFilter) ([]models.SecurityDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.SecurityDeposit
	for _, d := range m.deposits {
		if filter.PropertyID != "" && d.PropertyID != filter.PropertyID {
			continue
		}
		if filter.OwnerID != "" && d.OwnerID != filter.OwnerID {
			continue
		}
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasDepositStatus(filter.Statuses, d.Status) {
			continue
		}
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Store) UpdateDeposit(ctx context.Context, deposit *models.SecurityDeposit, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deposits[deposit.ID]
	if !ok {
		return models.NotFound("deposit", deposit.ID)
	}
	if stored.Version != expectedVersion {
		return models.WithMetadata(models.CodeVersionConflict, "deposit version changed", map[string]string{"deposit_id": deposit.ID})
	}
	next := *deposit
	next.Version = expectedVersion + 1
	m.deposits[deposit.ID] = next
	*deposit = next
	return nil
}

func (m *Store) DeleteDeposit(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.deposits, id)
	return nil
}

func hasChargeStatus(statuses []models.ChargeStatus, status models.ChargeStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func hasDepositStatus(statuses []models.DepositStatus, status models.DepositStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneCharge(c models.Charge) models.Charge {
	if c.Allocations != nil {
		allocations := make(map[string]int64, len(c.Allocations))
		for k, v := range c.Allocations {
			allocations[k] = v
		}
		c.Allocations = allocations
	}
	return c
}

// Package tenantledger keeps each tenant's receivables: charges assessed
// against the ledger, how payments were applied to them, and aging.
package tenantledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// Service is the tenant sub-ledger.
type Service struct {
	ledger *ledger.Ledger
	store  interfaces.TenantStore
	policy AllocationPolicy
	now    func() time.Time
	logger *zap.Logger
}

func NewService(l *ledger.Ledger, store interfaces.TenantStore, policy AllocationPolicy, now func() time.Time, logger *zap.Logger) *Service {
	if len(policy.Priority) == 0 {
		policy.Priority = models.DefaultAllocationPriority
	}
	if policy.TieBreak == "" {
		policy.TieBreak = TieBreakCreatedAt
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{ledger: l, store: store, policy: policy, now: now, logger: observability.OrNop(logger)}
}

func (s *Service) Policy() AllocationPolicy { return s.policy }

// ChargeRequest describes a receivable to assess.
type ChargeRequest struct {
	ID          string
	TenantID    string
	LeaseID     string
	PropertyID  string
	UnitID      string
	Category    models.ChargeCategory
	Description string
	Amount      int64
	DueDate     time.Time
	// EntryDate defaults to DueDate.
	EntryDate time.Time
}

// AssessCharge posts AR debit / income credit and records the charge. A
// replay with the same charge id returns the existing charge.
func (s *Service) AssessCharge(ctx context.Context, req ChargeRequest) (models.Charge, error) {
	if req.TenantID == "" || req.PropertyID == "" {
		return models.Charge{}, models.NewValidation("charge needs a tenant and a property")
	}
	if req.Amount <= 0 {
		return models.Charge{}, models.NewValidation("charge amount must be positive")
	}
	if req.Category == "" {
		req.Category = models.ChargeOther
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if existing, err := s.store.GetCharge(ctx, req.ID); err == nil {
		return existing, nil
	} else if models.KindOf(err) != models.KindNotFound {
		return models.Charge{}, err
	}

	ar, err := s.ledger.AccountFor(ctx, req.PropertyID, models.RoleTenantAR)
	if err != nil {
		return models.Charge{}, err
	}
	income, err := s.ledger.AccountFor(ctx, req.PropertyID, req.Category.IncomeRole())
	if err != nil {
		return models.Charge{}, err
	}
	date := req.EntryDate
	if date.IsZero() {
		date = req.DueDate
	}
	debit := models.Debit(ar.ID, req.PropertyID, req.Amount)
	debit.UnitID, debit.TenantID = req.UnitID, req.TenantID
	credit := models.Credit(income.ID, req.PropertyID, req.Amount)
	credit.UnitID, credit.TenantID = req.UnitID, req.TenantID

	entry, err := s.ledger.EnsureEntry(ctx, ledger.EntryRequest{
		Type:           models.EntryCharge,
		Date:           date,
		Description:    req.Description,
		IdempotencyKey: "charge:" + req.ID,
		Reference:      req.ID,
		Metadata:       map[string]string{"tenant_id": req.TenantID, "category": string(req.Category)},
		Postings:       []models.Posting{debit, credit},
	})
	if err != nil {
		return models.Charge{}, err
	}

	charge := models.Charge{
		ID:          req.ID,
		TenantID:    req.TenantID,
		LeaseID:     req.LeaseID,
		PropertyID:  req.PropertyID,
		UnitID:      req.UnitID,
		Category:    req.Category,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    s.ledger.Currency(),
		DueDate:     models.DateOf(req.DueDate),
		Status:      models.ChargeOpen,
		EntryID:     entry.ID,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateCharge(ctx, charge); err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			return s.store.GetCharge(ctx, req.ID)
		}
		return models.Charge{}, err
	}
	s.logger.Info("charge assessed",
		zap.String("charge_id", charge.ID),
		zap.String("tenant_id", charge.TenantID),
		zap.String("category", string(charge.Category)),
		zap.Int64("amount", charge.Amount),
	)
	return charge, nil
}

func (s *Service) GetCharge(ctx context.Context, id string) (models.Charge, error) {
	return s.store.GetCharge(ctx, id)
}

// Charges lists every charge of a tenant by due date.
func (s *Service) Charges(ctx context.Context, tenantID string) ([]models.Charge, error) {
	return s.store.ListCharges(ctx, interfaces.ChargeFilter{TenantID: tenantID})
}

// OpenCharges returns the tenant's unpaid charges in allocation order.
func (s *Service) OpenCharges(ctx context.Context, tenantID string) ([]models.Charge, error) {
	charges, err := s.store.ListCharges(ctx, interfaces.ChargeFilter{
		TenantID: tenantID,
		Statuses: []models.ChargeStatus{models.ChargeOpen, models.ChargePartial},
	})
	if err != nil {
		return nil, err
	}
	s.policy.Order(charges)
	return charges, nil
}

// Plan computes how a payment would be applied without changing anything.
func (s *Service) Plan(ctx context.Context, tenantID, paymentID string, amount int64) (Allocation, error) {
	if amount <= 0 {
		return Allocation{}, models.NewValidation("payment amount must be positive")
	}
	charges, err := s.OpenCharges(ctx, tenantID)
	if err != nil {
		return Allocation{}, err
	}
	return s.policy.Allocate(paymentID, charges, amount), nil
}

// Apply records each application on its charge. Charges that already carry
// the payment are skipped, so a replay changes nothing. Apply is
// all-or-nothing: when a charge fails, the applications made by this call are
// removed again before the error is returned.
func (s *Service) Apply(ctx context.Context, apps []models.ChargeApplication) error {
	var applied []models.ChargeApplication
	for _, app := range apps {
		changed := false
		err := s.updateCharge(ctx, app.ChargeID, func(c *models.Charge) (bool, error) {
			if _, done := c.Allocations[app.PaymentID]; done {
				return false, nil
			}
			if c.Status == models.ChargeVoid {
				return false, models.NewValidation("charge " + c.ID + " is void")
			}
			if app.Amount > c.Outstanding() {
				return false, models.WithMetadata(models.CodeInvalid, "application exceeds the charge's outstanding amount", map[string]string{"charge_id": c.ID})
			}
			if c.Allocations == nil {
				c.Allocations = make(map[string]int64)
			}
			c.Allocations[app.PaymentID] = app.Amount
			c.PaidAmount += app.Amount
			changed = true
			return true, nil
		})
		if err != nil {
			s.rollback(ctx, "apply", applied, s.unapplyOne)
			return err
		}
		if changed {
			applied = append(applied, app)
		}
	}
	return nil
}

// Reopen removes a payment's applications, restoring each charge's paid
// amount by exactly what that payment applied. It returns the ids of the
// charges it changed. Like Apply it is all-or-nothing: a failure puts back
// the applications this call already removed.
func (s *Service) Reopen(ctx context.Context, paymentID string, apps []models.ChargeApplication) ([]string, error) {
	var removed []models.ChargeApplication
	for _, app := range apps {
		var amount int64
		changed := false
		err := s.updateCharge(ctx, app.ChargeID, func(c *models.Charge) (bool, error) {
			var ok bool
			if amount, ok = c.Allocations[paymentID]; !ok {
				return false, nil
			}
			delete(c.Allocations, paymentID)
			c.PaidAmount -= amount
			changed = true
			return true, nil
		})
		if err != nil {
			s.rollback(ctx, "reopen", removed, s.reapplyOne)
			return nil, err
		}
		if changed {
			removed = append(removed, models.ChargeApplication{
				PaymentID:  paymentID,
				ChargeID:   app.ChargeID,
				PropertyID: app.PropertyID,
				UnitID:     app.UnitID,
				Category:   app.Category,
				Amount:     amount,
			})
		}
	}
	reopened := make([]string, 0, len(removed))
	for _, app := range removed {
		reopened = append(reopened, app.ChargeID)
	}
	if len(reopened) > 0 {
		s.logger.Info("charges reopened", zap.String("payment_id", paymentID), zap.Strings("charge_ids", reopened))
	}
	return reopened, nil
}

// rollback undoes a partial Apply or Reopen in reverse order. It runs on a
// context that outlives the caller's cancellation so a timed-out request
// still leaves its charges consistent.
func (s *Service) rollback(ctx context.Context, op string, done []models.ChargeApplication, undo func(context.Context, models.ChargeApplication) error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		if err := undo(ctx, done[i]); err != nil {
			s.logger.Error("charge rollback failed",
				zap.String("op", op),
				zap.String("charge_id", done[i].ChargeID),
				zap.String("payment_id", done[i].PaymentID),
				zap.Error(err))
		}
	}
}

func (s *Service) unapplyOne(ctx context.Context, app models.ChargeApplication) error {
	return s.updateCharge(ctx, app.ChargeID, func(c *models.Charge) (bool, error) {
		amount, ok := c.Allocations[app.PaymentID]
		if !ok {
			return false, nil
		}
		delete(c.Allocations, app.PaymentID)
		c.PaidAmount -= amount
		return true, nil
	})
}

func (s *Service) reapplyOne(ctx context.Context, app models.ChargeApplication) error {
	return s.updateCharge(ctx, app.ChargeID, func(c *models.Charge) (bool, error) {
		if _, ok := c.Allocations[app.PaymentID]; ok {
			return false, nil
		}
		if c.Allocations == nil {
			c.Allocations = make(map[string]int64)
		}
		c.Allocations[app.PaymentID] = app.Amount
		c.PaidAmount += app.Amount
		return true, nil
	})
}

// VoidCharge marks an unpaid charge void. The caller posts the offsetting
// ledger entry.
func (s *Service) VoidCharge(ctx context.Context, chargeID string) (models.Charge, error) {
	err := s.updateCharge(ctx, chargeID, func(c *models.Charge) (bool, error) {
		if c.Status == models.ChargeVoid {
			return false, nil
		}
		if c.PaidAmount > 0 {
			return false, models.WithMetadata(models.CodeInvalid, "charge has payments applied; reopen them first", map[string]string{"charge_id": c.ID})
		}
		c.Status = models.ChargeVoid
		return true, nil
	})
	if err != nil {
		return models.Charge{}, err
	}
	return s.store.GetCharge(ctx, chargeID)
}

const maxUpdateAttempts = 5

// updateCharge applies mutate under the charge version, retrying on a
// concurrent change.
func (s *Service) updateCharge(ctx context.Context, id string, mutate func(*models.Charge) (bool, error)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		c, err := s.store.GetCharge(ctx, id)
		if err != nil {
			return err
		}
		changed, err := mutate(&c)
		if err != nil || !changed {
			return err
		}
		if c.Status != models.ChargeVoid {
			c.Status = models.StatusFor(c.Amount, c.PaidAmount)
		}
		err = s.store.UpdateCharge(ctx, &c, c.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
	}
	return models.WithMetadata(models.CodeVersionConflict, "charge kept changing", map[string]string{"charge_id": id})
}

// Balance summarises what a tenant owes.
type Balance struct {
	TenantID    string `json:"tenant_id"`
	Outstanding int64  `json:"outstanding"`
	Credit      int64  `json:"credit"`
	Net         int64  `json:"net"`
}

// Balance returns open charges minus unapplied payment credit.
func (s *Service) Balance(ctx context.Context, tenantID string) (Balance, error) {
	charges, err := s.OpenCharges(ctx, tenantID)
	if err != nil {
		return Balance{}, err
	}
	b := Balance{TenantID: tenantID}
	for _, c := range charges {
		b.Outstanding += c.Outstanding()
	}
	payments, err := s.store.ListPayments(ctx, tenantID)
	if err != nil {
		return Balance{}, err
	}
	for _, p := range payments {
		if p.Status == models.PaymentApplied {
			b.Credit += p.Unapplied
		}
	}
	b.Net = b.Outstanding - b.Credit
	return b, nil
}

// AgingReport buckets outstanding amounts by days past due.
type AgingReport struct {
	TenantID   string    `json:"tenant_id"`
	AsOf       time.Time `json:"as_of"`
	Current    int64     `json:"current"`
	Days1To30  int64     `json:"days_1_30"`
	Days31To60 int64     `json:"days_31_60"`
	Days61To90 int64     `json:"days_61_90"`
	Over90     int64     `json:"over_90"`
}

// Total is the sum of all buckets.
func (a AgingReport) Total() int64 {
	return a.Current + a.Days1To30 + a.Days31To60 + a.Days61To90 + a.Over90
}

// Aging buckets open charges by how far past due they are on asOf.
func (s *Service) Aging(ctx context.Context, tenantID string, asOf time.Time) (AgingReport, error) {
	charges, err := s.OpenCharges(ctx, tenantID)
	if err != nil {
		return AgingReport{}, err
	}
	asOf = models.DateOf(asOf)
	report := AgingReport{TenantID: tenantID, AsOf: asOf}
	for _, c := range charges {
		days := int(asOf.Sub(models.DateOf(c.DueDate)).Hours() / 24)
		due := c.Outstanding()
		switch {
		case days <= 0:
			report.Current += due
		case days <= 30:
			report.Days1To30 += due
		case days <= 60:
			report.Days31To60 += due
		case days <= 90:
			report.Days61To90 += due
		default:
			report.Over90 += due
		}
	}
	return report, nil
}

// Payments

func (s *Service) SavePayment(ctx context.Context, p models.Payment) error {
	return s.store.SavePayment(ctx, p)
}

func (s *Service) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

func (s *Service) Payments(ctx context.Context, tenantID string) ([]models.Payment, error) {
	return s.store.ListPayments(ctx, tenantID)
}

func (s *Service) SetPaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error {
	return s.store.UpdatePaymentStatus(ctx, id, status)
}

func (s *Service) DeletePayment(ctx context.Context, id string) error {
	return s.store.DeletePayment(ctx, id)
}

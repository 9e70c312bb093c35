package sagas

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

// PaymentPayload is a tenant payment the gateway captured.
type PaymentPayload struct {
	PaymentID    string    `json:"payment_id"`
	TenantID     string    `json:"tenant_id"`
	PropertyID   string    `json:"property_id"`
	Amount       int64     `json:"amount"`
	Method       string    `json:"method,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	ReceivedOn   time.Time `json:"received_on"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
}

func (r *Runner) paymentDefinition() saga.Definition {
	return saga.Definition{
		Type: TypePayment,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.paymentValidate},
			{Name: "post_payment", Forward: r.paymentPost, Compensate: r.undo, MovesFunds: true},
			{Name: "apply_charges", Forward: r.paymentApply, Compensate: r.paymentUnapply},
			{Name: "record_payment", Forward: r.paymentRecord, Compensate: r.paymentForget},
			{Name: "emit_received", Forward: r.paymentEmit},
		},
	}
}

func (r *Runner) paymentValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.PaymentID == "" || p.TenantID == "" || p.PropertyID == "" {
		return nil, models.NewValidation("payment needs an id, a tenant and a property")
	}
	if p.Amount <= 0 {
		return nil, models.NewValidation("payment amount must be positive")
	}
	if _, err := r.deps.Tenants.GetPayment(ctx, p.PaymentID); err == nil {
		return nil, models.WithMetadata(models.CodeDuplicateIdempotencyKey, "payment already recorded", map[string]string{"payment_id": p.PaymentID})
	}
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryPayment,
		Jurisdiction: p.Jurisdiction,
		Amount:       p.Amount,
	}); err != nil {
		return nil, err
	}
	// the plan is checkpointed so every later step applies the same split
	return r.deps.Tenants.Plan(ctx, p.TenantID, p.PaymentID, p.Amount)
}

func (r *Runner) paymentPost(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var plan tenantledger.Allocation
	if _, err := sc.Output("validate", &plan); err != nil {
		return nil, err
	}
	postings, err := r.paymentPostings(ctx, p, plan)
	if err != nil {
		return nil, err
	}
	entry, err := r.post(ctx, sc, models.EntryPayment, p.PaymentID, "Tenant payment "+p.PaymentID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

// paymentPostings debits trust cash and credits receivables per property the
// payment lands on, so every property's books balance on their own.
// Unapplied money is held as prepaid rent.
func (r *Runner) paymentPostings(ctx context.Context, p PaymentPayload, plan tenantledger.Allocation) ([]models.Posting, error) {
	cashByProperty := make(map[string]int64)
	var credits []models.Posting
	for _, app := range plan.Applications {
		ar, err := r.account(ctx, app.PropertyID, models.RoleTenantAR)
		if err != nil {
			return nil, err
		}
		line := models.Credit(ar, app.PropertyID, app.Amount)
		line.UnitID, line.TenantID = app.UnitID, p.TenantID
		line.Memo = "charge " + app.ChargeID
		credits = append(credits, line)
		cashByProperty[app.PropertyID] += app.Amount
	}
	if plan.Unapplied > 0 {
		prepaid, err := r.account(ctx, p.PropertyID, models.RolePrepaidRent)
		if err != nil {
			return nil, err
		}
		line := models.Credit(prepaid, p.PropertyID, plan.Unapplied)
		line.TenantID = p.TenantID
		line.Memo = "unapplied"
		credits = append(credits, line)
		cashByProperty[p.PropertyID] += plan.Unapplied
	}

	properties := make([]string, 0, len(cashByProperty))
	for prop := range cashByProperty {
		properties = append(properties, prop)
	}
	sort.Strings(properties)
	postings := make([]models.Posting, 0, len(properties)+len(credits))
	for _, prop := range properties {
		cash, err := r.account(ctx, prop, models.RoleTrustCash)
		if err != nil {
			return nil, err
		}
		line := models.Debit(cash, prop, cashByProperty[prop])
		line.TenantID = p.TenantID
		postings = append(postings, line)
	}
	return append(postings, credits...), nil
}

func (r *Runner) paymentApply(ctx context.Context, sc *saga.StepContext) (any, error) {
	var plan tenantledger.Allocation
	if _, err := sc.Output("validate", &plan); err != nil {
		return nil, err
	}
	return nil, r.deps.Tenants.Apply(ctx, plan.Applications)
}

func (r *Runner) paymentUnapply(ctx context.Context, sc *saga.StepContext) error {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	var plan tenantledger.Allocation
	if _, err := sc.Output("validate", &plan); err != nil {
		return err
	}
	_, err := r.deps.Tenants.Reopen(ctx, p.PaymentID, plan.Applications)
	return err
}

func (r *Runner) paymentRecord(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var plan tenantledger.Allocation
	var posted entryOutput
	if _, err := sc.Output("validate", &plan); err != nil {
		return nil, err
	}
	if _, err := sc.Output("post_payment", &posted); err != nil {
		return nil, err
	}
	received := p.ReceivedOn
	if received.IsZero() {
		received = r.deps.Now()
	}
	err := r.deps.Tenants.SavePayment(ctx, models.Payment{
		ID:           p.PaymentID,
		TenantID:     p.TenantID,
		PropertyID:   p.PropertyID,
		Amount:       p.Amount,
		Currency:     r.deps.Ledger.Currency(),
		Method:       p.Method,
		ExternalRef:  p.ExternalRef,
		ReceivedOn:   models.DateOf(received),
		EntryID:      posted.EntryID,
		Unapplied:    plan.Unapplied,
		Applications: plan.Applications,
		Status:       models.PaymentApplied,
		CreatedAt:    r.deps.Now(),
	})
	if errors.Is(err, models.ErrDuplicateKey) {
		existing, getErr := r.deps.Tenants.GetPayment(ctx, p.PaymentID)
		if getErr == nil && existing.EntryID == posted.EntryID {
			return nil, nil
		}
	}
	return nil, err
}

func (r *Runner) paymentForget(ctx context.Context, sc *saga.StepContext) error {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	return r.deps.Tenants.DeletePayment(ctx, p.PaymentID)
}

func (r *Runner) paymentEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PaymentPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var plan tenantledger.Allocation
	var posted entryOutput
	if _, err := sc.Output("validate", &plan); err != nil {
		return nil, err
	}
	if _, err := sc.Output("post_payment", &posted); err != nil {
		return nil, err
	}
	payload := evpayload.PaymentReceived{
		PaymentID:  p.PaymentID,
		TenantID:   p.TenantID,
		PropertyID: p.PropertyID,
		EntryID:    posted.EntryID,
		Amount:     p.Amount,
		Currency:   r.deps.Ledger.Currency(),
		Unapplied:  plan.Unapplied,
		OccurredAt: r.deps.Now(),
	}
	if err := r.emit(ctx, sc, models.EventPaymentReceived, p.PaymentID, payload); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventReceiptIssued, p.PaymentID, payload)
}

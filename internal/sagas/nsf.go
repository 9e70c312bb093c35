package sagas

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

// NSFPayload reports a payment the bank returned.
type NSFPayload struct {
	PaymentID    string    `json:"payment_id"`
	Reason       string    `json:"reason,omitempty"`
	ReturnedOn   time.Time `json:"returned_on"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
	// SkipFee suppresses the returned-payment fee.
	SkipFee bool `json:"skip_fee,omitempty"`
}

type reopenOutput struct {
	ChargeIDs []string `json:"charge_ids"`
}

type feeOutput struct {
	ChargeID string `json:"charge_id,omitempty"`
}

func (r *Runner) nsfDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeNSF,
		Steps: []saga.Step{
			{Name: "load_payment", Forward: r.nsfLoad},
			{Name: "reverse_posting", Forward: r.nsfReverse, Compensate: r.nsfRepost, MovesFunds: true},
			{Name: "reopen_charges", Forward: r.nsfReopen, Compensate: r.nsfReapply},
			{Name: "mark_returned", Forward: r.nsfMarkReturned, Compensate: r.nsfMarkApplied},
			{Name: "assess_nsf_fee", Forward: r.nsfAssessFee, Compensate: r.nsfVoidFee},
			{Name: "emit", Forward: r.nsfEmit},
		},
	}
}

// nsfLoad checkpoints the payment as it was before the return, so the
// later steps reverse exactly what it did even if it changes meanwhile.
func (r *Runner) nsfLoad(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	payment, err := r.deps.Tenants.GetPayment(ctx, p.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentApplied {
		return nil, models.WithMetadata(models.CodeInvalid, "payment is not applied", map[string]string{
			"payment_id": payment.ID,
			"status":     string(payment.Status),
		})
	}
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryNSF,
		Jurisdiction: p.Jurisdiction,
		Amount:       payment.Amount,
	}); err != nil {
		return nil, err
	}
	return payment, nil
}

// nsfReverse voids the original payment entry. One entry carries every unit
// the payment was split across, so all of them reverse together.
func (r *Runner) nsfReverse(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var payment models.Payment
	if _, err := sc.Output("load_payment", &payment); err != nil {
		return nil, err
	}
	if existing, found, err := r.deps.Ledger.EntryByKey(ctx, sc.Key()); err != nil {
		return nil, err
	} else if found {
		return entryOutput{EntryID: existing.ID}, nil
	}
	reason := p.Reason
	if reason == "" {
		reason = "payment returned"
	}
	reversal, err := r.deps.Ledger.VoidEntry(ctx, payment.EntryID, reason, ledger.VoidOptions{
		IdempotencyKey: sc.Key(),
		Metadata:       map[string]string{"saga_id": sc.Saga.ID, "payment_id": payment.ID},
	})
	if errors.Is(err, models.ErrAlreadyVoided) {
		found, ok, findErr := r.deps.Ledger.FindReversal(ctx, payment.EntryID)
		if findErr != nil {
			return nil, findErr
		}
		if ok {
			return entryOutput{EntryID: found.ID}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: reversal.ID}, nil
}

// nsfRepost restores a reversed payment. A reversal cannot itself be voided,
// so the original postings are booked again as a new entry and the payment
// record is pointed at it.
func (r *Runner) nsfRepost(ctx context.Context, sc *saga.StepContext) error {
	var payment models.Payment
	if ok, err := sc.Output("load_payment", &payment); err != nil || !ok {
		return err
	}
	reversal, found, err := r.deps.Ledger.EntryByKey(ctx, sc.Key())
	if err != nil || !found {
		return err
	}
	original, err := r.deps.Ledger.GetEntry(ctx, reversal.ReversalOf)
	if err != nil {
		return err
	}
	postings := make([]models.Posting, len(original.Postings))
	for i, line := range original.Postings {
		line.EntryID, line.Line = "", 0
		postings[i] = line
	}
	repost, err := r.deps.Ledger.EnsureEntry(ctx, ledger.EntryRequest{
		Type:           original.Type,
		Description:    "Repost of " + original.ID + " after aborted return",
		IdempotencyKey: sc.Key("repost"),
		Reference:      original.Reference,
		Metadata:       map[string]string{"saga_id": sc.Saga.ID, "reposts": original.ID},
		Postings:       postings,
	})
	if err != nil {
		return err
	}
	current, err := r.deps.Tenants.GetPayment(ctx, payment.ID)
	if err != nil {
		return err
	}
	if current.EntryID == repost.ID {
		return nil
	}
	current.EntryID = repost.ID
	if err := r.deps.Tenants.DeletePayment(ctx, current.ID); err != nil {
		return err
	}
	return r.deps.Tenants.SavePayment(ctx, current)
}

func (r *Runner) nsfReopen(ctx context.Context, sc *saga.StepContext) (any, error) {
	var payment models.Payment
	if _, err := sc.Output("load_payment", &payment); err != nil {
		return nil, err
	}
	reopened, err := r.deps.Tenants.Reopen(ctx, payment.ID, payment.Applications)
	if err != nil {
		return nil, err
	}
	return reopenOutput{ChargeIDs: reopened}, nil
}

func (r *Runner) nsfReapply(ctx context.Context, sc *saga.StepContext) error {
	var payment models.Payment
	if ok, err := sc.Output("load_payment", &payment); err != nil || !ok {
		return err
	}
	return r.deps.Tenants.Apply(ctx, payment.Applications)
}

func (r *Runner) nsfMarkReturned(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	return nil, r.deps.Tenants.SetPaymentStatus(ctx, p.PaymentID, models.PaymentReturned)
}

func (r *Runner) nsfMarkApplied(ctx context.Context, sc *saga.StepContext) error {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	return r.deps.Tenants.SetPaymentStatus(ctx, p.PaymentID, models.PaymentApplied)
}

func nsfFeeChargeID(paymentID string) string { return "nsf-fee:" + paymentID }

func (r *Runner) nsfAssessFee(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.SkipFee {
		return feeOutput{}, nil
	}
	fee, ok, err := r.deps.Compliance.Parameter(ctx, compliance.CategoryNSF, compliance.ParamNSFFee, p.Jurisdiction)
	if err != nil {
		return nil, err
	}
	amount := fee.Round(0).IntPart()
	if !ok || amount <= 0 {
		return feeOutput{}, nil
	}
	var payment models.Payment
	if _, err := sc.Output("load_payment", &payment); err != nil {
		return nil, err
	}
	due := p.ReturnedOn
	if due.IsZero() {
		due = r.deps.Now()
	}
	charge, err := r.deps.Tenants.AssessCharge(ctx, tenantledger.ChargeRequest{
		ID:          nsfFeeChargeID(payment.ID),
		TenantID:    payment.TenantID,
		PropertyID:  payment.PropertyID,
		Category:    models.ChargeFees,
		Description: "Returned payment fee " + payment.ID,
		Amount:      amount,
		DueDate:     due,
	})
	if err != nil {
		return nil, err
	}
	return feeOutput{ChargeID: charge.ID}, nil
}

func (r *Runner) nsfVoidFee(ctx context.Context, sc *saga.StepContext) error {
	var p NSFPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	id := nsfFeeChargeID(p.PaymentID)
	if _, err := r.deps.Tenants.VoidCharge(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return r.deps.Ledger.UndoByKey(ctx, "charge:"+id, "returned payment fee withdrawn")
}

func (r *Runner) nsfEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var payment models.Payment
	var reversal entryOutput
	var reopened reopenOutput
	var fee feeOutput
	if _, err := sc.Output("load_payment", &payment); err != nil {
		return nil, err
	}
	if _, err := sc.Output("reverse_posting", &reversal); err != nil {
		return nil, err
	}
	if _, err := sc.Output("reopen_charges", &reopened); err != nil {
		return nil, err
	}
	if _, err := sc.Output("assess_nsf_fee", &fee); err != nil {
		return nil, err
	}
	r.deps.Logger.Info("payment returned",
		zap.String("payment_id", payment.ID),
		zap.String("reversal_id", reversal.EntryID),
		zap.Strings("reopened", reopened.ChargeIDs),
	)
	return nil, r.emit(ctx, sc, models.EventPaymentReturned, payment.ID, evpayload.PaymentReturned{
		PaymentID:       payment.ID,
		TenantID:        payment.TenantID,
		ReversalEntryID: reversal.EntryID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
		ReopenedCharges: reopened.ChargeIDs,
		FeeChargeID:     fee.ChargeID,
		OccurredAt:      r.deps.Now(),
	})
}

package sagas

import (
	"context"
	"strconv"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// BillPayload is a vendor bill to record and pay from trust cash.
type BillPayload struct {
	BillID       string             `json:"bill_id"`
	VendorID     string             `json:"vendor_id"`
	PropertyID   string             `json:"property_id"`
	Amount       int64              `json:"amount"`
	ExpenseRole  models.AccountRole `json:"expense_role,omitempty"`
	Approved     bool               `json:"approved"`
	Memo         string             `json:"memo,omitempty"`
	DueDate      time.Time          `json:"due_date,omitempty"`
	Jurisdiction string             `json:"jurisdiction,omitempty"`
}

func (r *Runner) billPayDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeBillPay,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.billValidate},
			{Name: "record_bill", Forward: r.billRecord, Compensate: r.undo},
			{Name: "post_payment", Forward: r.billPost, Compensate: r.undo, MovesFunds: true},
			{Name: "submit_payment", Forward: r.billSubmit, PointOfNoReturn: true, MovesFunds: true},
			{Name: "emit", Forward: r.billEmit},
		},
	}
}

func (p BillPayload) expenseRole() models.AccountRole {
	if p.ExpenseRole == "" {
		return models.RoleRepairsExpense
	}
	return p.ExpenseRole
}

func (r *Runner) billValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p BillPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.BillID == "" || p.VendorID == "" || p.PropertyID == "" {
		return nil, models.NewValidation("bill needs an id, a vendor and a property")
	}
	if p.Amount <= 0 {
		return nil, models.NewValidation("bill amount must be positive")
	}
	expense, err := r.deps.Ledger.AccountFor(ctx, p.PropertyID, p.expenseRole())
	if err != nil {
		return nil, err
	}
	if expense.Type != models.AccountExpense && expense.Type != models.AccountAsset {
		return nil, models.NewValidation("bills book to an expense or asset account")
	}
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryBillPayment,
		Jurisdiction: p.Jurisdiction,
		Amount:       p.Amount,
		Attributes:   map[string]string{compliance.AttrApproved: strconv.FormatBool(p.Approved)},
	}); err != nil {
		return nil, err
	}
	available, err := r.AvailableTrustCash(ctx, p.PropertyID)
	if err != nil {
		return nil, err
	}
	if available < p.Amount {
		return nil, models.WithMetadata(models.CodeInsufficientFunds, "trust cash cannot cover the bill", map[string]string{
			"available": strconv.FormatInt(available, 10),
			"amount":    strconv.FormatInt(p.Amount, 10),
		})
	}
	return nil, nil
}

func (r *Runner) billRecord(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p BillPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	postings, err := r.transfer(ctx, p.PropertyID, p.expenseRole(), models.RoleAccountsPayable, p.Amount)
	if err != nil {
		return nil, err
	}
	for i := range postings {
		postings[i].VendorID = p.VendorID
	}
	entry, err := r.post(ctx, sc, models.EntryBill, p.BillID, "Bill "+p.BillID+" "+p.Memo, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) billPost(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p BillPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	postings, err := r.transfer(ctx, p.PropertyID, models.RoleAccountsPayable, models.RoleTrustCash, p.Amount)
	if err != nil {
		return nil, err
	}
	for i := range postings {
		postings[i].VendorID = p.VendorID
	}
	entry, err := r.post(ctx, sc, models.EntryBillPayment, p.BillID, "Payment of bill "+p.BillID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) billSubmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p BillPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	ref, err := r.deps.Gateway.Disburse(ctx, interfaces.Disbursement{
		ID:       sc.Key(),
		Kind:     interfaces.DisburseVendorPayment,
		PayeeID:  p.VendorID,
		Amount:   p.Amount,
		Currency: r.deps.Ledger.Currency(),
		Memo:     p.Memo,
	})
	if err != nil {
		return nil, err
	}
	return payoutOutput{Reference: ref}, nil
}

func (r *Runner) billEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p BillPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var paid entryOutput
	var payout payoutOutput
	if _, err := sc.Output("post_payment", &paid); err != nil {
		return nil, err
	}
	if _, err := sc.Output("submit_payment", &payout); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventBillPaid, p.BillID, evpayload.BillPaid{
		BillID:     p.BillID,
		VendorID:   p.VendorID,
		PropertyID: p.PropertyID,
		EntryID:    paid.EntryID,
		PaymentRef: payout.Reference,
		Amount:     p.Amount,
		Currency:   r.deps.Ledger.Currency(),
		OccurredAt: r.deps.Now(),
	})
}

package sagas

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// DepositCollectPayload takes a security deposit into escrow.
type DepositCollectPayload struct {
	DepositID    string `json:"deposit_id"`
	TenantID     string `json:"tenant_id"`
	OwnerID      string `json:"owner_id"`
	PropertyID   string `json:"property_id"`
	LeaseID      string `json:"lease_id,omitempty"`
	Amount       int64  `json:"amount"`
	MonthlyRent  int64  `json:"monthly_rent"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Deduction is one amount kept from a deposit at move-out.
type Deduction struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	// Role is the account credited; fee income when empty.
	Role models.AccountRole `json:"role,omitempty"`
}

// DepositReturnPayload settles a deposit at the end of a lease.
type DepositReturnPayload struct {
	DepositID  string      `json:"deposit_id"`
	Deductions []Deduction `json:"deductions,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// DepositTransferPayload moves a held deposit to another owner, for example
// when the property is sold.
type DepositTransferPayload struct {
	DepositID    string `json:"deposit_id"`
	ToOwnerID    string `json:"to_owner_id"`
	ToPropertyID string `json:"to_property_id"`
	// NewDepositID names the record on the new owner's books.
	NewDepositID string `json:"new_deposit_id,omitempty"`
}

func (p DepositTransferPayload) newID() string {
	if p.NewDepositID != "" {
		return p.NewDepositID
	}
	return p.DepositID + "@" + p.ToPropertyID
}

// depositSettlement is frozen at validation so later steps agree on amounts.
type depositSettlement struct {
	Held   int64 `json:"held"`
	Fees   int64 `json:"fees"`
	Refund int64 `json:"refund"`
}

func (r *Runner) depositCollectDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeDepositCollect,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.depositCollectValidate},
			{Name: "post_collect", Forward: r.depositCollectPost, Compensate: r.undo, MovesFunds: true},
			{Name: "create_deposit", Forward: r.depositCreate, Compensate: r.depositDelete},
			{Name: "emit", Forward: r.depositCollectEmit},
		},
	}
}

func (r *Runner) depositReturnDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeDepositReturn,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.depositReturnValidate},
			{Name: "post_fees", Forward: r.depositPostFees, Compensate: r.undo, MovesFunds: true},
			{Name: "post_refund", Forward: r.depositPostRefund, Compensate: r.undo, MovesFunds: true},
			{Name: "mark_refunded", Forward: r.depositMarkRefunded, Compensate: r.depositMarkHeld},
			{Name: "disburse_refund", Forward: r.depositDisburse, PointOfNoReturn: true, MovesFunds: true},
			{Name: "emit", Forward: r.depositReturnEmit},
		},
	}
}

func (r *Runner) depositTransferDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeDepositTransfer,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.depositTransferValidate},
			{Name: "move_liability", Forward: r.depositMoveLiability, Compensate: r.undo, MovesFunds: true},
			{Name: "move_cash", Forward: r.depositMoveCash, Compensate: r.undo, MovesFunds: true},
			{Name: "reassign_owner", Forward: r.depositReassign, Compensate: r.depositUnassign},
			{Name: "emit", Forward: r.depositTransferEmit},
		},
	}
}

// Collect

func (r *Runner) depositCollectValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositCollectPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.DepositID == "" || p.TenantID == "" || p.PropertyID == "" {
		return nil, models.NewValidation("deposit needs an id, a tenant and a property")
	}
	if p.Amount <= 0 || p.MonthlyRent <= 0 {
		return nil, models.NewValidation("deposit and monthly rent must be positive")
	}
	if _, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID); err == nil {
		return nil, models.WithMetadata(models.CodeDuplicateIdempotencyKey, "deposit already collected", map[string]string{"deposit_id": p.DepositID})
	}
	return nil, r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryDepositCollect,
		Jurisdiction: p.Jurisdiction,
		Amount:       p.Amount,
		Attributes:   map[string]string{compliance.AttrMonthlyRent: strconv.FormatInt(p.MonthlyRent, 10)},
	})
}

func (r *Runner) depositCollectPost(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositCollectPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	postings, err := r.transfer(ctx, p.PropertyID, models.RoleEscrowCash, models.RoleDepositLiability, p.Amount)
	if err != nil {
		return nil, err
	}
	tagTenant(postings, p.TenantID)
	entry, err := r.post(ctx, sc, models.EntryDepositCollect, p.DepositID, "Security deposit "+p.DepositID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) depositCreate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositCollectPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	now := r.deps.Now()
	err := r.deps.Deposits.CreateDeposit(ctx, models.SecurityDeposit{
		ID:           p.DepositID,
		TenantID:     p.TenantID,
		OwnerID:      p.OwnerID,
		PropertyID:   p.PropertyID,
		LeaseID:      p.LeaseID,
		Principal:    p.Amount,
		Currency:     r.deps.Ledger.Currency(),
		Status:       models.DepositHeld,
		Jurisdiction: p.Jurisdiction,
		InterestAsOf: models.DateOf(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, models.ErrDuplicateKey) {
		return nil, nil
	}
	return nil, err
}

func (r *Runner) depositDelete(ctx context.Context, sc *saga.StepContext) error {
	var p DepositCollectPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	return r.deps.Deposits.DeleteDeposit(ctx, p.DepositID)
}

func (r *Runner) depositCollectEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositCollectPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var posted entryOutput
	if _, err := sc.Output("post_collect", &posted); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventDepositCollected, p.DepositID, evpayload.DepositMoved{
		DepositID:  p.DepositID,
		TenantID:   p.TenantID,
		OwnerID:    p.OwnerID,
		PropertyID: p.PropertyID,
		Amount:     p.Amount,
		Currency:   r.deps.Ledger.Currency(),
		EntryIDs:   []string{posted.EntryID},
		OccurredAt: r.deps.Now(),
	})
}

// Return

func (r *Runner) depositReturnValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DepositHeld {
		return nil, models.WithMetadata(models.CodeInvalid, "deposit is not held", map[string]string{"deposit_id": d.ID, "status": string(d.Status)})
	}
	var fees int64
	for _, ded := range p.Deductions {
		if ded.Amount <= 0 {
			return nil, models.NewValidation("deductions must be positive")
		}
		fees += ded.Amount
	}
	held := d.Held()
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryDepositReturn,
		Jurisdiction: d.Jurisdiction,
		Amount:       fees,
		Attributes:   map[string]string{compliance.AttrHeld: strconv.FormatInt(held, 10)},
	}); err != nil {
		return nil, err
	}
	return depositSettlement{Held: held, Fees: fees, Refund: held - fees}, nil
}

func (r *Runner) depositPostFees(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	if s.Fees == 0 {
		return entryOutput{}, nil
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	liability, err := r.account(ctx, d.PropertyID, models.RoleDepositLiability)
	if err != nil {
		return nil, err
	}
	postings := []models.Posting{models.Debit(liability, d.PropertyID, s.Fees)}
	for _, ded := range p.Deductions {
		role := ded.Role
		if role == "" {
			role = models.RoleFeeIncome
		}
		acct, err := r.account(ctx, d.PropertyID, role)
		if err != nil {
			return nil, err
		}
		line := models.Credit(acct, d.PropertyID, ded.Amount)
		line.Memo = ded.Description
		postings = append(postings, line)
	}
	// the kept amount stops being tenant money and leaves escrow
	release, err := r.transfer(ctx, d.PropertyID, models.RoleTrustCash, models.RoleEscrowCash, s.Fees)
	if err != nil {
		return nil, err
	}
	postings = append(postings, release...)
	tagTenant(postings, d.TenantID)

	entry, err := r.post(ctx, sc, models.EntryDepositFee, d.ID, "Deposit deductions "+d.ID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) depositPostRefund(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	if s.Refund == 0 {
		return entryOutput{}, nil
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	postings, err := r.transfer(ctx, d.PropertyID, models.RoleDepositLiability, models.RoleEscrowCash, s.Refund)
	if err != nil {
		return nil, err
	}
	tagTenant(postings, d.TenantID)
	entry, err := r.post(ctx, sc, models.EntryDepositRefund, d.ID, "Deposit refund "+d.ID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) depositMarkRefunded(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	status := models.DepositRefunded
	if s.Refund == 0 {
		status = models.DepositApplied
	}
	return nil, r.updateDeposit(ctx, p.DepositID, func(d *models.SecurityDeposit) {
		d.Status = status
	})
}

func (r *Runner) depositMarkHeld(ctx context.Context, sc *saga.StepContext) error {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	return r.updateDeposit(ctx, p.DepositID, func(d *models.SecurityDeposit) {
		d.Status = models.DepositHeld
	})
}

func (r *Runner) depositDisburse(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	if s.Refund == 0 {
		return payoutOutput{}, nil
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	ref, err := r.deps.Gateway.Disburse(ctx, interfaces.Disbursement{
		ID:       sc.Key(),
		Kind:     interfaces.DisburseTenantRefund,
		PayeeID:  d.TenantID,
		Amount:   s.Refund,
		Currency: d.Currency,
		Memo:     "Security deposit refund " + d.ID,
	})
	if err != nil {
		return nil, err
	}
	return payoutOutput{Reference: ref}, nil
}

func (r *Runner) depositReturnEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositReturnPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	var fees, refund entryOutput
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	if _, err := sc.Output("post_fees", &fees); err != nil {
		return nil, err
	}
	if _, err := sc.Output("post_refund", &refund); err != nil {
		return nil, err
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventDepositReturned, d.ID, evpayload.DepositMoved{
		DepositID:  d.ID,
		TenantID:   d.TenantID,
		OwnerID:    d.OwnerID,
		PropertyID: d.PropertyID,
		Amount:     s.Refund,
		Fees:       s.Fees,
		Currency:   d.Currency,
		EntryIDs:   nonEmpty(fees.EntryID, refund.EntryID),
		OccurredAt: r.deps.Now(),
	})
}

// Transfer

func (r *Runner) depositTransferValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositTransferPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DepositHeld {
		return nil, models.WithMetadata(models.CodeInvalid, "only held deposits can be transferred", map[string]string{"deposit_id": d.ID, "status": string(d.Status)})
	}
	if p.ToPropertyID == "" || p.ToOwnerID == "" {
		return nil, models.NewValidation("transfer needs a target owner and property")
	}
	if p.ToPropertyID == d.PropertyID {
		return nil, models.NewValidation("deposit is already on the target property's books")
	}
	for _, role := range []models.AccountRole{models.RoleDepositLiability, models.RoleEscrowCash} {
		if _, err := r.account(ctx, p.ToPropertyID, role); err != nil {
			return nil, err
		}
	}
	return depositSettlement{Held: d.Held()}, nil
}

// depositMove posts one two-line entry between the old and new property.
// Liability and cash move in separate entries so each owner's books balance
// after either one.
func (r *Runner) depositMove(ctx context.Context, sc *saga.StepContext, role models.AccountRole, fromCredits bool) (any, error) {
	var p DepositTransferPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	from, err := r.account(ctx, d.PropertyID, role)
	if err != nil {
		return nil, err
	}
	to, err := r.account(ctx, p.ToPropertyID, role)
	if err != nil {
		return nil, err
	}
	var postings []models.Posting
	if fromCredits {
		postings = []models.Posting{models.Debit(to, p.ToPropertyID, s.Held), models.Credit(from, d.PropertyID, s.Held)}
	} else {
		postings = []models.Posting{models.Debit(from, d.PropertyID, s.Held), models.Credit(to, p.ToPropertyID, s.Held)}
	}
	tagTenant(postings, d.TenantID)
	entry, err := r.post(ctx, sc, models.EntryDepositTransfer, d.ID, "Deposit transfer "+d.ID+" to "+p.ToPropertyID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) depositMoveLiability(ctx context.Context, sc *saga.StepContext) (any, error) {
	return r.depositMove(ctx, sc, models.RoleDepositLiability, false)
}

func (r *Runner) depositMoveCash(ctx context.Context, sc *saga.StepContext) (any, error) {
	return r.depositMove(ctx, sc, models.RoleEscrowCash, true)
}

func (r *Runner) depositReassign(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositTransferPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	old, err := r.deps.Deposits.GetDeposit(ctx, p.DepositID)
	if err != nil {
		return nil, err
	}
	now := r.deps.Now()
	moved := old
	moved.ID = p.newID()
	moved.OwnerID = p.ToOwnerID
	moved.PropertyID = p.ToPropertyID
	moved.Status = models.DepositHeld
	moved.Version = 0
	moved.CreatedAt = now
	moved.UpdatedAt = now
	if err := r.deps.Deposits.CreateDeposit(ctx, moved); err != nil && !errors.Is(err, models.ErrDuplicateKey) {
		return nil, err
	}
	err = r.updateDeposit(ctx, p.DepositID, func(d *models.SecurityDeposit) {
		d.Status = models.DepositTransferred
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"deposit_id": moved.ID}, nil
}

func (r *Runner) depositUnassign(ctx context.Context, sc *saga.StepContext) error {
	var p DepositTransferPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	if err := r.deps.Deposits.DeleteDeposit(ctx, p.newID()); err != nil {
		return err
	}
	return r.updateDeposit(ctx, p.DepositID, func(d *models.SecurityDeposit) {
		d.Status = models.DepositHeld
	})
}

func (r *Runner) depositTransferEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DepositTransferPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var s depositSettlement
	var liability, cash entryOutput
	if _, err := sc.Output("validate", &s); err != nil {
		return nil, err
	}
	if _, err := sc.Output("move_liability", &liability); err != nil {
		return nil, err
	}
	if _, err := sc.Output("move_cash", &cash); err != nil {
		return nil, err
	}
	d, err := r.deps.Deposits.GetDeposit(ctx, p.newID())
	if err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventDepositTransferred, p.DepositID, evpayload.DepositMoved{
		DepositID:  d.ID,
		TenantID:   d.TenantID,
		OwnerID:    d.OwnerID,
		PropertyID: d.PropertyID,
		Amount:     s.Held,
		Currency:   d.Currency,
		EntryIDs:   []string{liability.EntryID, cash.EntryID},
		OccurredAt: r.deps.Now(),
	})
}

// AccrueInterest books interest owed on a held deposit from its last accrual
// date to asOf at the jurisdiction's annual rate (actual/365). The owner
// funds it: interest expense against the liability, with the cash moved
// from trust into escrow so escrow keeps matching what is held.
func (r *Runner) AccrueInterest(ctx context.Context, depositID string, asOf time.Time) (int64, error) {
	d, err := r.deps.Deposits.GetDeposit(ctx, depositID)
	if err != nil {
		return 0, err
	}
	if d.Status != models.DepositHeld {
		return 0, models.WithMetadata(models.CodeInvalid, "deposit is not held", map[string]string{"deposit_id": d.ID})
	}
	asOf = models.DateOf(asOf)
	from := models.DateOf(d.InterestAsOf)
	days := int64(asOf.Sub(from).Hours() / 24)
	if days <= 0 {
		return 0, nil
	}
	rate, _, err := r.deps.Compliance.Parameter(ctx, compliance.CategoryDepositInterest, compliance.ParamInterestRate, d.Jurisdiction)
	if err != nil {
		return 0, err
	}
	interest := decimal.NewFromInt(d.Principal).
		Mul(rate).
		Mul(decimal.NewFromInt(days)).
		Div(decimal.NewFromInt(365)).
		Round(0).
		IntPart()

	if interest > 0 {
		accrue, err := r.transfer(ctx, d.PropertyID, models.RoleInterestExpense, models.RoleDepositLiability, interest)
		if err != nil {
			return 0, err
		}
		fund, err := r.transfer(ctx, d.PropertyID, models.RoleEscrowCash, models.RoleTrustCash, interest)
		if err != nil {
			return 0, err
		}
		postings := append(accrue, fund...)
		tagTenant(postings, d.TenantID)
		_, err = r.deps.Ledger.EnsureEntry(ctx, ledger.EntryRequest{
			Type:           models.EntryDepositInterest,
			Date:           asOf,
			Description:    "Deposit interest " + d.ID,
			IdempotencyKey: "deposit-interest:" + d.ID + ":" + asOf.Format(time.DateOnly),
			Reference:      d.ID,
			Postings:       postings,
		})
		if err != nil {
			return 0, err
		}
	}

	err = r.updateDeposit(ctx, d.ID, func(dep *models.SecurityDeposit) {
		if !models.DateOf(dep.InterestAsOf).Before(asOf) {
			return
		}
		dep.AccruedInterest += interest
		dep.InterestAsOf = asOf
	})
	if err != nil {
		return 0, err
	}
	r.deps.Logger.Info("deposit interest accrued",
		zap.String("deposit_id", d.ID),
		zap.Int64("days", days),
		zap.String("rate", rate.String()),
		zap.Int64("interest", interest),
	)
	return interest, nil
}

// Deposits lists deposit records.
func (r *Runner) Deposits(ctx context.Context, filter interfaces.DepositFilter) ([]models.SecurityDeposit, error) {
	return r.deps.Deposits.ListDeposits(ctx, filter)
}

const maxDepositUpdates = 5

func (r *Runner) updateDeposit(ctx context.Context, id string, mutate func(*models.SecurityDeposit)) error {
	for attempt := 0; attempt < maxDepositUpdates; attempt++ {
		d, err := r.deps.Deposits.GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		mutate(&d)
		d.UpdatedAt = r.deps.Now()
		err = r.deps.Deposits.UpdateDeposit(ctx, &d, d.Version)
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
	}
	return models.WithMetadata(models.CodeVersionConflict, "deposit kept changing", map[string]string{"deposit_id": id})
}

func tagTenant(postings []models.Posting, tenantID string) {
	for i := range postings {
		postings[i].TenantID = tenantID
	}
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

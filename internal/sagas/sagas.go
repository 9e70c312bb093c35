// Package sagas declares the financial workflows the orchestrator runs:
// payment processing, owner distributions, cash sweeps, bill pay, security
// deposits, period close and NSF handling.
package sagas

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
	"github.com/sheikh-saqib/property-ledger-core/internal/period"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

// Saga types.
const (
	TypePayment         = "payment_processing"
	TypeDistribution    = "distribution"
	TypeSweep           = "sweep"
	TypeBillPay         = "bill_pay"
	TypeDepositCollect  = "deposit_collect"
	TypeDepositReturn   = "deposit_return"
	TypeDepositTransfer = "deposit_transfer"
	TypePeriodClose     = "period_close"
	TypeNSF             = "nsf_handling"
)

var zeroTime time.Time

// Verifier runs the invariant checks a period close depends on.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Deps are the services the sagas drive.
type Deps struct {
	Ledger     *ledger.Ledger
	Compliance *compliance.Engine
	Periods    *period.Service
	Tenants    *tenantledger.Service
	Deposits   interfaces.DepositStore
	Bank       interfaces.BankStore
	Gateway    interfaces.PaymentGateway
	Events     *events.Emitter
	Verifier   Verifier
	Now        func() time.Time
	Logger     *zap.Logger
}

// Runner registers every saga with the orchestrator and starts them with
// idempotency keys derived from their business ids.
type Runner struct {
	orch *saga.Orchestrator
	deps *Deps
}

func NewRunner(orch *saga.Orchestrator, deps Deps) *Runner {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	deps.Logger = observability.OrNop(deps.Logger)
	r := &Runner{orch: orch, deps: &deps}
	for _, def := range []saga.Definition{
		r.paymentDefinition(),
		r.distributionDefinition(),
		r.sweepDefinition(),
		r.billPayDefinition(),
		r.depositCollectDefinition(),
		r.depositReturnDefinition(),
		r.depositTransferDefinition(),
		r.periodCloseDefinition(),
		r.nsfDefinition(),
	} {
		orch.Register(def)
	}
	return r
}

func (r *Runner) Orchestrator() *saga.Orchestrator { return r.orch }

// ProcessPayment runs payment processing for a captured tenant payment.
func (r *Runner) ProcessPayment(ctx context.Context, p PaymentPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypePayment, paymentKey(p), p)
}

// Distribute pays an owner out of the property's trust account.
func (r *Runner) Distribute(ctx context.Context, p DistributionPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeDistribution, distributionKey(p), p)
}

// Sweep moves cash between a property's bank accounts.
func (r *Runner) Sweep(ctx context.Context, p SweepPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeSweep, sweepKey(p), p)
}

// PayBill records and pays a vendor bill.
func (r *Runner) PayBill(ctx context.Context, p BillPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeBillPay, billKey(p), p)
}

// CollectDeposit takes a security deposit into escrow.
func (r *Runner) CollectDeposit(ctx context.Context, p DepositCollectPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeDepositCollect, depositCollectKey(p), p)
}

// ReturnDeposit applies deductions and refunds the rest of a deposit.
func (r *Runner) ReturnDeposit(ctx context.Context, p DepositReturnPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeDepositReturn, depositReturnKey(p), p)
}

// TransferDeposit moves a held deposit to another owner's books.
func (r *Runner) TransferDeposit(ctx context.Context, p DepositTransferPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeDepositTransfer, depositTransferKey(p), p)
}

// ClosePeriod closes an accounting period.
func (r *Runner) ClosePeriod(ctx context.Context, p PeriodClosePayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypePeriodClose, periodCloseKey(p), p)
}

// HandleNSF reverses a returned payment.
func (r *Runner) HandleNSF(ctx context.Context, p NSFPayload) (models.Saga, error) {
	return r.orch.Execute(ctx, TypeNSF, nsfKey(p), p)
}

func (r *Runner) check(ctx context.Context, op compliance.Operation) error {
	if op.Currency == "" {
		op.Currency = r.deps.Ledger.Currency()
	}
	_, err := r.deps.Compliance.Validate(ctx, op)
	return err
}

func (r *Runner) account(ctx context.Context, propertyID string, role models.AccountRole) (string, error) {
	acct, err := r.deps.Ledger.AccountFor(ctx, propertyID, role)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

// transfer builds a two-line entry moving amount from credit role to debit
// role within one property.
func (r *Runner) transfer(ctx context.Context, propertyID string, debit, credit models.AccountRole, amount int64) ([]models.Posting, error) {
	d, err := r.account(ctx, propertyID, debit)
	if err != nil {
		return nil, err
	}
	c, err := r.account(ctx, propertyID, credit)
	if err != nil {
		return nil, err
	}
	return []models.Posting{
		models.Debit(d, propertyID, amount),
		models.Credit(c, propertyID, amount),
	}, nil
}

// post is EnsureEntry keyed by the running step.
func (r *Runner) post(ctx context.Context, sc *saga.StepContext, entryType models.EntryType, reference, description string, postings []models.Posting) (models.JournalEntry, error) {
	return r.deps.Ledger.EnsureEntry(ctx, ledger.EntryRequest{
		Type:           entryType,
		Date:           r.deps.Now(),
		Description:    description,
		IdempotencyKey: sc.Key(),
		Reference:      reference,
		Metadata:       map[string]string{"saga_id": sc.Saga.ID, "saga_type": sc.Saga.Type},
		Postings:       postings,
	})
}

// undo voids whatever the running step posted under its key.
func (r *Runner) undo(ctx context.Context, sc *saga.StepContext) error {
	return r.deps.Ledger.UndoByKey(ctx, sc.Key(), "compensating "+sc.Saga.Type+" saga "+sc.Saga.ID)
}

func (r *Runner) emit(ctx context.Context, sc *saga.StepContext, eventType, aggregateID string, payload any) error {
	_, err := r.deps.Events.Emit(ctx, eventType, aggregateID, sc.Key(eventType), payload)
	return err
}

// entryOutput is the checkpoint of a posting step.
type entryOutput struct {
	EntryID string `json:"entry_id"`
}

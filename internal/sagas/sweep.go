package sagas

import (
	"context"
	"strconv"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// SweepPayload moves cash between two cash accounts of one property, such as
// undeposited funds into trust cash once the bank deposit clears.
type SweepPayload struct {
	SweepID    string             `json:"sweep_id"`
	PropertyID string             `json:"property_id"`
	Amount     int64              `json:"amount"`
	From       models.AccountRole `json:"from,omitempty"`
	To         models.AccountRole `json:"to,omitempty"`
	// BankTransactionID ties the sweep to the bank-feed record it reconciles.
	BankTransactionID string `json:"bank_transaction_id,omitempty"`
	Jurisdiction      string `json:"jurisdiction,omitempty"`
}

func (p *SweepPayload) defaults() {
	if p.From == "" {
		p.From = models.RoleUndepositedFunds
	}
	if p.To == "" {
		p.To = models.RoleTrustCash
	}
}

func (r *Runner) sweepDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeSweep,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.sweepValidate},
			{Name: "post_sweep", Forward: r.sweepPost, Compensate: r.undo, MovesFunds: true},
			{Name: "mark_bank_matched", Forward: r.sweepMatch, Compensate: r.sweepUnmatch},
			{Name: "emit", Forward: r.sweepEmit},
		},
	}
}

func (r *Runner) sweepValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p SweepPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	p.defaults()
	if p.SweepID == "" || p.PropertyID == "" {
		return nil, models.NewValidation("sweep needs an id and a property")
	}
	if p.Amount <= 0 {
		return nil, models.NewValidation("sweep amount must be positive")
	}
	if p.From == p.To {
		return nil, models.NewValidation("sweep source and destination are the same account")
	}
	from, err := r.deps.Ledger.AccountFor(ctx, p.PropertyID, p.From)
	if err != nil {
		return nil, err
	}
	if from.Type != models.AccountAsset {
		return nil, models.NewValidation("sweeps move cash between asset accounts")
	}
	balance, err := r.deps.Ledger.RoleBalance(ctx, p.PropertyID, p.From, zeroTime)
	if err != nil {
		return nil, err
	}
	if p.BankTransactionID != "" {
		tx, err := r.deps.Bank.GetBankTransaction(ctx, p.BankTransactionID)
		if err != nil {
			return nil, err
		}
		if tx.Matched() {
			return nil, models.WithMetadata(models.CodeInvalid, "bank transaction already reconciled", map[string]string{"external_id": tx.ExternalID, "entry_id": tx.MatchedEntryID})
		}
	}
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategorySweep,
		Jurisdiction: p.Jurisdiction,
		Amount:       p.Amount,
		Attributes:   map[string]string{compliance.AttrRemainingTrustCash: strconv.FormatInt(balance-p.Amount, 10)},
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Runner) sweepPost(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p SweepPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	p.defaults()
	postings, err := r.transfer(ctx, p.PropertyID, p.To, p.From, p.Amount)
	if err != nil {
		return nil, err
	}
	entry, err := r.post(ctx, sc, models.EntrySweep, p.SweepID, "Sweep "+string(p.From)+" to "+string(p.To), postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) sweepMatch(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p SweepPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.BankTransactionID == "" {
		return nil, nil
	}
	var posted entryOutput
	if _, err := sc.Output("post_sweep", &posted); err != nil {
		return nil, err
	}
	return nil, r.deps.Bank.SetBankMatch(ctx, p.BankTransactionID, posted.EntryID)
}

func (r *Runner) sweepUnmatch(ctx context.Context, sc *saga.StepContext) error {
	var p SweepPayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	if p.BankTransactionID == "" {
		return nil
	}
	return r.deps.Bank.SetBankMatch(ctx, p.BankTransactionID, "")
}

func (r *Runner) sweepEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p SweepPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var posted entryOutput
	if _, err := sc.Output("post_sweep", &posted); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventSweepCompleted, p.SweepID, evpayload.SweepCompleted{
		SweepID:           p.SweepID,
		PropertyID:        p.PropertyID,
		EntryID:           posted.EntryID,
		BankTransactionID: p.BankTransactionID,
		Amount:            p.Amount,
		Currency:          r.deps.Ledger.Currency(),
		OccurredAt:        r.deps.Now(),
	})
}

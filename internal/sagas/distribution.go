package sagas

import (
	"context"
	"strconv"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// DistributionPayload pays an owner from a property's trust cash.
type DistributionPayload struct {
	DistributionID string `json:"distribution_id"`
	OwnerID        string `json:"owner_id"`
	PropertyID     string `json:"property_id"`
	Amount         int64  `json:"amount"`
	// Reserve is kept back in trust on top of tenant and vendor obligations.
	Reserve      int64  `json:"reserve,omitempty"`
	Memo         string `json:"memo,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

type payoutOutput struct {
	Reference string `json:"reference"`
}

func (r *Runner) distributionDefinition() saga.Definition {
	return saga.Definition{
		Type: TypeDistribution,
		Steps: []saga.Step{
			{Name: "validate", Forward: r.distributionValidate},
			{Name: "post_distribution", Forward: r.distributionPost, Compensate: r.undo, MovesFunds: true},
			{Name: "request_payout", Forward: r.distributionPayout, PointOfNoReturn: true, MovesFunds: true},
			{Name: "emit", Forward: r.distributionEmit},
		},
	}
}

// AvailableTrustCash is trust cash not owed to tenants (prepaid rent) or
// vendors (payables).
func (r *Runner) AvailableTrustCash(ctx context.Context, propertyID string) (int64, error) {
	cash, err := r.deps.Ledger.RoleBalance(ctx, propertyID, models.RoleTrustCash, zeroTime)
	if err != nil {
		return 0, err
	}
	prepaid, err := r.deps.Ledger.RoleBalance(ctx, propertyID, models.RolePrepaidRent, zeroTime)
	if err != nil {
		return 0, err
	}
	payable, err := r.deps.Ledger.RoleBalance(ctx, propertyID, models.RoleAccountsPayable, zeroTime)
	if err != nil {
		return 0, err
	}
	return cash - prepaid - payable, nil
}

func (r *Runner) distributionValidate(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DistributionPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	if p.DistributionID == "" || p.OwnerID == "" || p.PropertyID == "" {
		return nil, models.NewValidation("distribution needs an id, an owner and a property")
	}
	if p.Amount <= 0 || p.Reserve < 0 {
		return nil, models.NewValidation("distribution amount must be positive")
	}
	available, err := r.AvailableTrustCash(ctx, p.PropertyID)
	if err != nil {
		return nil, err
	}
	remaining := available - p.Reserve - p.Amount
	if err := r.check(ctx, compliance.Operation{
		Category:     compliance.CategoryDistribution,
		Jurisdiction: p.Jurisdiction,
		Amount:       p.Amount,
		Attributes:   map[string]string{compliance.AttrRemainingTrustCash: strconv.FormatInt(remaining, 10)},
	}); err != nil {
		return nil, err
	}
	return map[string]int64{"available": available}, nil
}

func (r *Runner) distributionPost(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DistributionPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	postings, err := r.transfer(ctx, p.PropertyID, models.RoleOwnerDistributions, models.RoleTrustCash, p.Amount)
	if err != nil {
		return nil, err
	}
	entry, err := r.post(ctx, sc, models.EntryDistribution, p.DistributionID, "Owner distribution "+p.DistributionID, postings)
	if err != nil {
		return nil, err
	}
	return entryOutput{EntryID: entry.ID}, nil
}

func (r *Runner) distributionPayout(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DistributionPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	ref, err := r.deps.Gateway.Disburse(ctx, interfaces.Disbursement{
		ID:       sc.Key(),
		Kind:     interfaces.DisburseOwnerPayout,
		PayeeID:  p.OwnerID,
		Amount:   p.Amount,
		Currency: r.deps.Ledger.Currency(),
		Memo:     p.Memo,
	})
	if err != nil {
		return nil, err
	}
	return payoutOutput{Reference: ref}, nil
}

func (r *Runner) distributionEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p DistributionPayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var posted entryOutput
	var payout payoutOutput
	if _, err := sc.Output("post_distribution", &posted); err != nil {
		return nil, err
	}
	if _, err := sc.Output("request_payout", &payout); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventDistributionPaid, p.DistributionID, evpayload.DistributionPaid{
		DistributionID: p.DistributionID,
		OwnerID:        p.OwnerID,
		PropertyID:     p.PropertyID,
		EntryID:        posted.EntryID,
		PayoutRef:      payout.Reference,
		Amount:         p.Amount,
		Currency:       r.deps.Ledger.Currency(),
		OccurredAt:     r.deps.Now(),
	})
}

package sagas

import (
	"context"
	"sort"

	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/saga"
)

// PeriodClosePayload closes one accounting period.
type PeriodClosePayload struct {
	PeriodID string `json:"period_id"`
	ClosedBy string `json:"closed_by"`
}

type closingOutput struct {
	EntryIDs []string `json:"entry_ids"`
}

type snapshotOutput struct {
	Snapshots int `json:"snapshots"`
}

func (r *Runner) periodCloseDefinition() saga.Definition {
	return saga.Definition{
		Type: TypePeriodClose,
		Steps: []saga.Step{
			{Name: "begin_close", Forward: r.periodBeginClose, Compensate: r.periodAbortClose},
			{Name: "verify_diagnostics", Forward: r.periodVerify},
			{Name: "post_closing", Forward: r.periodPostClosing, Compensate: r.periodUndoClosing},
			// snapshots come after the lock so nothing can post behind them
			{Name: "finalize", Forward: r.periodFinalize, PointOfNoReturn: true},
			{Name: "snapshot_balances", Forward: r.periodSnapshot},
			{Name: "emit", Forward: r.periodEmit},
		},
	}
}

func (p PeriodClosePayload) actor() string {
	if p.ClosedBy == "" {
		return "system"
	}
	return p.ClosedBy
}

func (r *Runner) periodBeginClose(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	period, err := r.deps.Periods.Get(ctx, p.PeriodID)
	if err != nil {
		return nil, err
	}
	switch period.Status {
	case models.PeriodClosing:
		// a replay after the transition committed
		return nil, nil
	case models.PeriodClosed:
		return nil, models.WithMetadata(models.CodeInvalidTransition, "period is already closed", map[string]string{"period_id": p.PeriodID})
	}
	_, err = r.deps.Periods.BeginClose(ctx, p.PeriodID, p.actor())
	return nil, err
}

func (r *Runner) periodAbortClose(ctx context.Context, sc *saga.StepContext) error {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return err
	}
	period, err := r.deps.Periods.Get(ctx, p.PeriodID)
	if err != nil {
		return err
	}
	if period.Status != models.PeriodClosing {
		return nil
	}
	_, err = r.deps.Periods.AbortClose(ctx, p.PeriodID, p.actor())
	return err
}

func (r *Runner) periodVerify(ctx context.Context, _ *saga.StepContext) (any, error) {
	if r.deps.Verifier == nil {
		return nil, nil
	}
	return nil, r.deps.Verifier.Verify(ctx)
}

// closingProperties lists the properties carrying income or expense
// accounts, in a stable order so compensation finds the same keys.
func (r *Runner) closingProperties(ctx context.Context) (map[string][]models.Account, []string, error) {
	byProperty := make(map[string][]models.Account)
	for _, t := range []models.AccountType{models.AccountIncome, models.AccountExpense} {
		accounts, err := r.deps.Ledger.ListAccounts(ctx, interfaces.AccountFilter{Type: t})
		if err != nil {
			return nil, nil, err
		}
		for _, a := range accounts {
			byProperty[a.PropertyID] = append(byProperty[a.PropertyID], a)
		}
	}
	props := make([]string, 0, len(byProperty))
	for prop := range byProperty {
		props = append(props, prop)
	}
	sort.Strings(props)
	return byProperty, props, nil
}

// periodPostClosing zeroes every income and expense account of each
// property into its owner equity, dated the last day of the period.
func (r *Runner) periodPostClosing(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	period, err := r.deps.Periods.Get(ctx, p.PeriodID)
	if err != nil {
		return nil, err
	}
	byProperty, props, err := r.closingProperties(ctx)
	if err != nil {
		return nil, err
	}

	var out closingOutput
	for _, prop := range props {
		var postings []models.Posting
		var net int64
		for _, a := range byProperty[prop] {
			bal, err := r.deps.Ledger.GetBalance(ctx, a.ID, prop, period.End)
			if err != nil {
				return nil, err
			}
			switch {
			case bal.Balance > 0:
				postings = append(postings, models.Credit(a.ID, prop, bal.Balance))
			case bal.Balance < 0:
				postings = append(postings, models.Debit(a.ID, prop, -bal.Balance))
			default:
				continue
			}
			net += bal.Balance
		}
		if len(postings) == 0 {
			continue
		}
		equity, err := r.account(ctx, prop, models.RoleOwnerEquity)
		if err != nil {
			return nil, err
		}
		// net is expenses over income: a loss reduces equity
		switch {
		case net > 0:
			postings = append(postings, models.Debit(equity, prop, net))
		case net < 0:
			postings = append(postings, models.Credit(equity, prop, -net))
		}
		entry, err := r.deps.Ledger.EnsureEntry(ctx, closingRequest(sc, period, prop, postings))
		if err != nil {
			return nil, err
		}
		out.EntryIDs = append(out.EntryIDs, entry.ID)
	}
	r.deps.Logger.Info("closing entries posted",
		zap.String("period_id", p.PeriodID),
		zap.Int("entries", len(out.EntryIDs)),
	)
	return out, nil
}

func (r *Runner) periodUndoClosing(ctx context.Context, sc *saga.StepContext) error {
	_, props, err := r.closingProperties(ctx)
	if err != nil {
		return err
	}
	for _, prop := range props {
		if err := r.deps.Ledger.UndoByKey(ctx, sc.Key(prop), "period close aborted"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) periodFinalize(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	period, err := r.deps.Periods.Get(ctx, p.PeriodID)
	if err != nil {
		return nil, err
	}
	if period.Status == models.PeriodClosed {
		return nil, nil
	}
	_, err = r.deps.Periods.Close(ctx, p.PeriodID, p.actor())
	return nil, err
}

func (r *Runner) periodSnapshot(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	period, err := r.deps.Periods.Get(ctx, p.PeriodID)
	if err != nil {
		return nil, err
	}
	n, err := r.deps.Ledger.TakeSnapshots(ctx, period.ID, period.End)
	if err != nil {
		return nil, err
	}
	return snapshotOutput{Snapshots: n}, nil
}

func (r *Runner) periodEmit(ctx context.Context, sc *saga.StepContext) (any, error) {
	var p PeriodClosePayload
	if err := sc.Payload(&p); err != nil {
		return nil, err
	}
	var closing closingOutput
	var snaps snapshotOutput
	if _, err := sc.Output("post_closing", &closing); err != nil {
		return nil, err
	}
	if _, err := sc.Output("snapshot_balances", &snaps); err != nil {
		return nil, err
	}
	return nil, r.emit(ctx, sc, models.EventPeriodClosed, p.PeriodID, evpayload.PeriodClosed{
		PeriodID:   p.PeriodID,
		ClosedBy:   p.actor(),
		EntryIDs:   closing.EntryIDs,
		Snapshots:  snaps.Snapshots,
		OccurredAt: r.deps.Now(),
	})
}

func closingRequest(sc *saga.StepContext, period models.Period, propertyID string, postings []models.Posting) ledger.EntryRequest {
	return ledger.EntryRequest{
		Type:           models.EntryPeriodClose,
		Date:           period.End,
		Description:    "Closing entry " + period.Name,
		IdempotencyKey: sc.Key(propertyID),
		Reference:      period.ID,
		Metadata:       map[string]string{"saga_id": sc.Saga.ID, "property_id": propertyID},
		Postings:       postings,
	}
}

// Package tax computes year-end 1099 reporting for vendors paid from
// owner trust funds.
package tax

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// defaultThreshold applies when no rule sets one: 600.00 in minor units.
const defaultThreshold = 60000

// Form1099 is what one owner paid one vendor in a calendar year.
type Form1099 struct {
	Year       int      `json:"year"`
	PayerID    string   `json:"payer_id"`
	VendorID   string   `json:"vendor_id"`
	Amount     int64    `json:"amount"`
	Currency   string   `json:"currency"`
	Payments   int      `json:"payments"`
	Properties []string `json:"properties"`
}

func (f Form1099) key() string { return f.PayerID + "|" + f.VendorID }

// Batch is the full set of forms for a year.
type Batch struct {
	Year           int        `json:"year"`
	Threshold      int64      `json:"threshold"`
	Forms          []Form1099 `json:"forms"`
	BelowThreshold int        `json:"below_threshold"`
}

// Service builds and issues 1099 batches.
type Service struct {
	ledger      *ledger.Ledger
	compliance  *compliance.Engine
	emitter     *events.Emitter
	checkpoints interfaces.CheckpointStore
	now         func() time.Time
	logger      *zap.Logger
}

func NewService(l *ledger.Ledger, engine *compliance.Engine, emitter *events.Emitter, checkpoints interfaces.CheckpointStore, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		ledger:      l,
		compliance:  engine,
		emitter:     emitter,
		checkpoints: checkpoints,
		now:         now,
		logger:      observability.OrNop(logger),
	}
}

func (s *Service) threshold(ctx context.Context) (int64, error) {
	if s.compliance == nil {
		return defaultThreshold, nil
	}
	v, ok, err := s.compliance.Parameter(ctx, compliance.CategoryTax, compliance.Param1099Threshold, "")
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultThreshold, nil
	}
	return v.IntPart(), nil
}

// Generate sums the year's bill payments per owner and vendor. Payments
// are read from accounts payable debits on bill payment entries; voided
// payments do not count.
func (s *Service) Generate(ctx context.Context, year int) (batch Batch, err error) {
	ctx, span := observability.StartSpan(ctx, "tax", "tax.Generate")
	defer func() { observability.EndSpan(span, err) }()

	if year < 1900 {
		return Batch{}, models.NewValidation("tax year is invalid")
	}
	batch = Batch{Year: year}
	if batch.Threshold, err = s.threshold(ctx); err != nil {
		return Batch{}, err
	}
	payables, err := s.ledger.ListAccounts(ctx, interfaces.AccountFilter{Role: models.RoleAccountsPayable})
	if err != nil {
		return Batch{}, err
	}
	owners := make(map[string]string, len(payables))
	ids := make([]string, 0, len(payables))
	for _, a := range payables {
		owners[a.ID] = a.OwnerID
		ids = append(ids, a.ID)
	}
	if len(ids) == 0 {
		return batch, nil
	}
	lines, err := s.ledger.Store().ListLines(ctx, interfaces.LineFilter{
		AccountIDs: ids,
		EntryTypes: []models.EntryType{models.EntryBillPayment},
		From:       time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		To:         time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return Batch{}, err
	}

	forms := make(map[string]*Form1099)
	props := make(map[string]map[string]bool)
	for _, l := range lines {
		if l.Voided || l.VendorID == "" || l.Debit == 0 {
			continue
		}
		f := Form1099{Year: year, PayerID: owners[l.AccountID], VendorID: l.VendorID, Currency: s.ledger.Currency()}
		existing, ok := forms[f.key()]
		if !ok {
			existing = &f
			forms[f.key()] = existing
			props[f.key()] = make(map[string]bool)
		}
		existing.Amount += l.Debit
		existing.Payments++
		props[f.key()][l.PropertyID] = true
	}
	for key, f := range forms {
		if f.Amount < batch.Threshold {
			batch.BelowThreshold++
			continue
		}
		for prop := range props[key] {
			f.Properties = append(f.Properties, prop)
		}
		sort.Strings(f.Properties)
		batch.Forms = append(batch.Forms, *f)
	}
	sort.Slice(batch.Forms, func(i, j int) bool { return batch.Forms[i].key() < batch.Forms[j].key() })
	return batch, nil
}

// IssueResult reports one Issue run.
type IssueResult struct {
	Batch   Batch `json:"batch"`
	Issued  int   `json:"issued"`
	Resumed bool  `json:"resumed"`
}

// Issue generates the year's batch and hands each form to the renderer as
// an event. Events are deduplicated per form and progress is checkpointed,
// so a crashed batch can simply be rerun.
func (s *Service) Issue(ctx context.Context, year int) (IssueResult, error) {
	batch, err := s.Generate(ctx, year)
	if err != nil {
		return IssueResult{}, err
	}
	result := IssueResult{Batch: batch}
	job := "tax-1099:" + strconv.Itoa(year)
	cp, resumed, err := s.checkpoints.LoadCheckpoint(ctx, job)
	if err != nil {
		return result, err
	}
	result.Resumed = resumed
	processed := cp.Processed
	for _, f := range batch.Forms {
		if resumed && f.key() <= cp.Position {
			continue
		}
		if s.emitter != nil {
			_, err := s.emitter.Emit(ctx, models.EventForm1099Ready, f.VendorID, "1099:"+strconv.Itoa(year)+":"+f.key(), evpayload.Form1099Ready{
				Year:       f.Year,
				PayerID:    f.PayerID,
				VendorID:   f.VendorID,
				Amount:     f.Amount,
				Currency:   f.Currency,
				Properties: f.Properties,
			})
			if err != nil {
				return result, err
			}
		}
		result.Issued++
		processed++
		if err := s.checkpoints.SaveCheckpoint(ctx, interfaces.Checkpoint{
			Job:       job,
			Position:  f.key(),
			Processed: processed,
			UpdatedAt: s.now(),
		}); err != nil {
			return result, err
		}
	}
	if err := s.checkpoints.ClearCheckpoint(ctx, job); err != nil {
		return result, err
	}
	s.logger.Info("1099 batch issued",
		zap.Int("year", year),
		zap.Int("forms", len(batch.Forms)),
		zap.Int("issued", result.Issued),
		zap.Int("below_threshold", batch.BelowThreshold),
	)
	return result, nil
}

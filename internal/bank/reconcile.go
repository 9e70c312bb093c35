// Package bank imports bank-feed records and reconciles them against the
// trust cash postings of each property.
package bank

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var (
	importedTotal = observability.Counter("bank.transactions.imported", "Bank-feed records imported")
	matchedTotal  = observability.Counter("bank.transactions.matched", "Bank-feed records matched to ledger entries")
)

// returnPattern recognises a bank debit that sends a deposited payment back.
var returnPattern = regexp.MustCompile(`(?i)\b(nsf|returned|return item|insufficient funds|chargeback)\b`)

const dateLayout = "2006-01-02"

// FeedRecord is one transaction as the bank-feed provider delivers it.
// Amount is in major units; deposits are positive.
type FeedRecord struct {
	ExternalID    string `json:"external_id"`
	BankAccountID string `json:"bank_account_id"`
	PropertyID    string `json:"property_id"`
	Date          string `json:"date"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	Description   string `json:"description"`
}

// Config tunes matching.
type Config struct {
	// DateWindowDays is how far a bank date may sit from the entry date.
	DateWindowDays int
	// ReturnLookbackDays bounds the search for the payment a return reverses.
	ReturnLookbackDays int
	// BatchSize is the number of records between checkpoints.
	BatchSize int
}

func (c *Config) defaults() {
	if c.DateWindowDays <= 0 {
		c.DateWindowDays = 3
	}
	if c.ReturnLookbackDays <= 0 {
		c.ReturnLookbackDays = 90
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Service imports feed records and reconciles them.
type Service struct {
	ledger      *ledger.Ledger
	store       interfaces.BankStore
	emitter     *events.Emitter
	checkpoints interfaces.CheckpointStore
	cfg         Config
	now         func() time.Time
	logger      *zap.Logger
}

func NewService(l *ledger.Ledger, store interfaces.BankStore, emitter *events.Emitter, checkpoints interfaces.CheckpointStore, cfg Config, now func() time.Time, logger *zap.Logger) *Service {
	cfg.defaults()
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		ledger:      l,
		store:       store,
		emitter:     emitter,
		checkpoints: checkpoints,
		cfg:         cfg,
		now:         now,
		logger:      observability.OrNop(logger),
	}
}

// ParseRecord converts a feed record into a BankTransaction in minor units.
func ParseRecord(rec FeedRecord, currency string) (models.BankTransaction, error) {
	if rec.ExternalID == "" {
		return models.BankTransaction{}, models.NewValidation("bank record needs an external id")
	}
	if rec.PropertyID == "" {
		return models.BankTransaction{}, models.NewValidation("bank record " + rec.ExternalID + " has no property")
	}
	date, err := time.Parse(dateLayout, strings.TrimSpace(rec.Date))
	if err != nil {
		return models.BankTransaction{}, models.NewValidation(fmt.Sprintf("bank record %s: invalid date %q", rec.ExternalID, rec.Date))
	}
	if rec.Currency != "" {
		currency = rec.Currency
	}
	amount, err := models.ParseMoney(rec.Amount, currency)
	if err != nil {
		return models.BankTransaction{}, err
	}
	if amount.IsZero() {
		return models.BankTransaction{}, models.NewValidation("bank record " + rec.ExternalID + " has a zero amount")
	}
	return models.BankTransaction{
		ExternalID:    rec.ExternalID,
		BankAccountID: rec.BankAccountID,
		PropertyID:    rec.PropertyID,
		Date:          date,
		Amount:        amount.Amount,
		Currency:      amount.Currency,
		Description:   strings.TrimSpace(rec.Description),
	}, nil
}

// ReturnedPayment is a bank return tied back to the payment it reverses.
type ReturnedPayment struct {
	ExternalID string `json:"external_id"`
	PaymentID  string `json:"payment_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	PropertyID string `json:"property_id"`
	Amount     int64  `json:"amount"`
}

// ImportResult summarises one import.
type ImportResult struct {
	Imported   int               `json:"imported"`
	Duplicates int               `json:"duplicates"`
	Returns    []ReturnedPayment `json:"returns,omitempty"`
	// Unresolved lists returns whose original payment could not be found.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Import stores new records, announces each one and raises a returned
// payment event for every recognised bank return. Records already known
// are counted as duplicates, so a feed can be replayed.
func (s *Service) Import(ctx context.Context, records []FeedRecord) (result ImportResult, err error) {
	ctx, span := observability.StartSpan(ctx, "bank", "bank.Import")
	defer func() { observability.EndSpan(span, err) }()

	txs := make([]models.BankTransaction, 0, len(records))
	for _, rec := range records {
		tx, err := ParseRecord(rec, s.ledger.Currency())
		if err != nil {
			return result, err
		}
		txs = append(txs, tx)
	}
	for _, tx := range txs {
		tx.ImportedAt = s.now()
		created, err := s.store.SaveBankTransaction(ctx, tx)
		if err != nil {
			return result, err
		}
		if !created {
			result.Duplicates++
			continue
		}
		result.Imported++
		importedTotal.Add(ctx, 1)
		if err := s.announce(ctx, tx); err != nil {
			return result, err
		}
		if tx.Amount >= 0 || !returnPattern.MatchString(tx.Description) {
			continue
		}
		ret, found, err := s.traceReturn(ctx, tx)
		if err != nil {
			return result, err
		}
		if !found {
			s.logger.Warn("bank return has no matching payment",
				zap.String("external_id", tx.ExternalID),
				zap.Int64("amount", tx.Amount),
			)
			result.Unresolved = append(result.Unresolved, tx.ExternalID)
			continue
		}
		if err := s.raiseReturn(ctx, tx, ret); err != nil {
			return result, err
		}
		result.Returns = append(result.Returns, ret)
	}
	s.logger.Info("bank feed imported",
		zap.Int("imported", result.Imported),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("returns", len(result.Returns)),
	)
	return result, nil
}

func (s *Service) announce(ctx context.Context, tx models.BankTransaction) error {
	if s.emitter == nil {
		return nil
	}
	_, err := s.emitter.Emit(ctx, models.EventBankTxImported, tx.ExternalID, "bank:"+tx.ExternalID, evpayload.BankTransactionImported{
		ExternalID:    tx.ExternalID,
		BankAccountID: tx.BankAccountID,
		PropertyID:    tx.PropertyID,
		Amount:        tx.Amount,
		Date:          tx.Date,
	})
	return err
}

func (s *Service) raiseReturn(ctx context.Context, tx models.BankTransaction, ret ReturnedPayment) error {
	if s.emitter == nil {
		return nil
	}
	_, err := s.emitter.Emit(ctx, models.EventGatewayPaymentReturn, ret.PaymentID, "bank-return:"+tx.ExternalID, evpayload.GatewayPayment{
		PaymentID:   ret.PaymentID,
		TenantID:    ret.TenantID,
		PropertyID:  ret.PropertyID,
		Amount:      ret.Amount,
		Currency:    tx.Currency,
		ExternalRef: tx.ExternalID,
		Reason:      tx.Description,
		OccurredAt:  tx.Date,
	})
	return err
}

// entryActivity is one entry's net effect on a cash account.
type entryActivity struct {
	EntryID   string
	Date      time.Time
	Sequence  int64
	Net       int64
	Reference string
	TenantID  string
	Type      models.EntryType
}

func (s *Service) cashActivity(ctx context.Context, propertyID string, from, to time.Time, types ...models.EntryType) ([]entryActivity, error) {
	cash, err := s.ledger.AccountFor(ctx, propertyID, models.RoleTrustCash)
	if err != nil {
		return nil, err
	}
	lines, err := s.ledger.Store().ListLines(ctx, interfaces.LineFilter{
		AccountIDs: []string{cash.ID},
		PropertyID: propertyID,
		EntryTypes: types,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, err
	}
	byEntry := make(map[string]*entryActivity)
	var order []string
	for _, l := range lines {
		a, ok := byEntry[l.EntryID]
		if !ok {
			a = &entryActivity{
				EntryID:   l.EntryID,
				Date:      models.DateOf(l.EntryDate),
				Sequence:  l.Sequence,
				Reference: l.Reference,
				Type:      l.EntryType,
			}
			byEntry[l.EntryID] = a
			order = append(order, l.EntryID)
		}
		a.Net += l.Net()
		if a.TenantID == "" {
			a.TenantID = l.TenantID
		}
	}
	out := make([]entryActivity, 0, len(order))
	for _, id := range order {
		out = append(out, *byEntry[id])
	}
	return out, nil
}

// traceReturn finds the most recent payment on the property whose cash
// deposit equals the returned amount.
func (s *Service) traceReturn(ctx context.Context, tx models.BankTransaction) (ReturnedPayment, bool, error) {
	from := tx.Date.AddDate(0, 0, -s.cfg.ReturnLookbackDays)
	payments, err := s.cashActivity(ctx, tx.PropertyID, from, tx.Date, models.EntryPayment)
	if err != nil {
		return ReturnedPayment{}, false, err
	}
	for i := len(payments) - 1; i >= 0; i-- {
		p := payments[i]
		if p.Net == -tx.Amount && p.Reference != "" {
			return ReturnedPayment{
				ExternalID: tx.ExternalID,
				PaymentID:  p.Reference,
				TenantID:   p.TenantID,
				PropertyID: tx.PropertyID,
				Amount:     -tx.Amount,
			}, true, nil
		}
	}
	return ReturnedPayment{}, false, nil
}

// MatchReport summarises one reconciliation run.
type MatchReport struct {
	PropertyID string                   `json:"property_id"`
	Matched    int                      `json:"matched"`
	Unmatched  []models.BankTransaction `json:"unmatched"`
	Resumed    bool                     `json:"resumed"`
}

func jobName(propertyID string) string { return "bank-reconcile:" + propertyID }

func position(tx models.BankTransaction) string {
	return tx.Date.Format(dateLayout) + "|" + tx.ExternalID
}

// Reconcile matches the property's unmatched bank records to trust cash
// entries of the same amount within the date window, closest date first.
// Progress is checkpointed so an interrupted run resumes where it stopped.
func (s *Service) Reconcile(ctx context.Context, propertyID string) (report MatchReport, err error) {
	ctx, span := observability.StartSpan(ctx, "bank", "bank.Reconcile")
	defer func() { observability.EndSpan(span, err) }()

	report.PropertyID = propertyID
	job := jobName(propertyID)
	cp, resumed, err := s.checkpoints.LoadCheckpoint(ctx, job)
	if err != nil {
		return report, err
	}
	report.Resumed = resumed

	all, err := s.store.ListBankTransactions(ctx, interfaces.BankFilter{PropertyID: propertyID})
	if err != nil {
		return report, err
	}
	taken := make(map[string]bool)
	var pending []models.BankTransaction
	for _, tx := range all {
		if tx.Matched() {
			taken[tx.MatchedEntryID] = true
			continue
		}
		pending = append(pending, tx)
	}

	processed := cp.Processed
	for i, tx := range pending {
		if resumed && position(tx) <= cp.Position {
			continue
		}
		entryID, err := s.match(ctx, tx, taken)
		if err != nil {
			return report, err
		}
		if entryID == "" {
			report.Unmatched = append(report.Unmatched, tx)
		} else {
			taken[entryID] = true
			report.Matched++
		}
		processed++
		if (i+1)%s.cfg.BatchSize == 0 {
			if err := s.checkpoints.SaveCheckpoint(ctx, interfaces.Checkpoint{
				Job:       job,
				Position:  position(tx),
				Processed: processed,
				UpdatedAt: s.now(),
			}); err != nil {
				return report, err
			}
		}
	}
	if err := s.checkpoints.ClearCheckpoint(ctx, job); err != nil {
		return report, err
	}
	s.logger.Info("bank reconciliation finished",
		zap.String("property_id", propertyID),
		zap.Int("matched", report.Matched),
		zap.Int("unmatched", len(report.Unmatched)),
		zap.Bool("resumed", resumed),
	)
	return report, nil
}

// MatchTransaction reconciles a single record, as triggered by its import
// event. It returns the matched entry id or "" when nothing fits.
func (s *Service) MatchTransaction(ctx context.Context, externalID string) (string, error) {
	tx, err := s.store.GetBankTransaction(ctx, externalID)
	if err != nil {
		return "", err
	}
	if tx.Matched() {
		return tx.MatchedEntryID, nil
	}
	all, err := s.store.ListBankTransactions(ctx, interfaces.BankFilter{PropertyID: tx.PropertyID})
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool)
	for _, other := range all {
		if other.Matched() {
			taken[other.MatchedEntryID] = true
		}
	}
	return s.match(ctx, tx, taken)
}

func (s *Service) match(ctx context.Context, tx models.BankTransaction, taken map[string]bool) (string, error) {
	window := s.cfg.DateWindowDays
	candidates, err := s.cashActivity(ctx, tx.PropertyID, tx.Date.AddDate(0, 0, -window), tx.Date.AddDate(0, 0, window))
	if err != nil {
		return "", err
	}
	date := models.DateOf(tx.Date)
	var fits []entryActivity
	for _, c := range candidates {
		if c.Net == tx.Amount && !taken[c.EntryID] {
			fits = append(fits, c)
		}
	}
	if len(fits) == 0 {
		return "", nil
	}
	sort.SliceStable(fits, func(i, j int) bool {
		di, dj := absDays(fits[i].Date, date), absDays(fits[j].Date, date)
		if di != dj {
			return di < dj
		}
		return fits[i].Sequence < fits[j].Sequence
	})
	best := fits[0]
	if err := s.store.SetBankMatch(ctx, tx.ExternalID, best.EntryID); err != nil {
		return "", err
	}
	matchedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("property_id", tx.PropertyID)))
	s.logger.Debug("bank record matched",
		zap.String("external_id", tx.ExternalID),
		zap.String("entry_id", best.EntryID),
	)
	return best.EntryID, nil
}

func absDays(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

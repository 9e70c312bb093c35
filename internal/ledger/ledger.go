package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var (
	entriesPosted = observability.Counter("ledger.entries.posted", "Journal entries committed")
	entriesVoided = observability.Counter("ledger.entries.voided", "Journal entries voided by reversal")
)

// Guard blocks postings in property scopes that have an unresolved
// diagnostic alert. Reads never consult it.
type Guard interface {
	AllowPosting(ctx context.Context, propertyIDs []string) error
}

// Ledger is the double-entry core. It holds the storage layer and a mutex
// per account so concurrent postings touching the same account serialize.
type Ledger struct {
	store    interfaces.LedgerStore // journal + cached balances
	periods  interfaces.PeriodStore // nil means every date is open
	guard    Guard                  // nil means nothing is blocked
	currency string
	now      func() time.Time
	logger   *zap.Logger

	muMap map[string]*sync.Mutex // stores the *sync.Mutex for each account
	mapMu sync.Mutex             // protects muMap itself
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPeriods(periods interfaces.PeriodStore) Option {
	return func(l *Ledger) { l.periods = periods }
}

func WithGuard(guard Guard) Option {
	return func(l *Ledger) { l.guard = guard }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = observability.OrNop(logger) }
}

// WithCurrency sets the organization's single booking currency.
func WithCurrency(currency string) Option {
	return func(l *Ledger) { l.currency = currency }
}

// NewLedger creates a Ledger on top of a storage implementation.
func NewLedger(store interfaces.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		currency: "USD",
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		muMap:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetGuard installs the posting guard after construction, since the
// diagnostics service that provides it is itself built on the ledger.
func (l *Ledger) SetGuard(guard Guard) { l.guard = guard }

// Currency is the booking currency of every entry.
func (l *Ledger) Currency() string { return l.currency }

// Store exposes the underlying journal for read-side collaborators.
func (l *Ledger) Store() interfaces.LedgerStore { return l.store }

func (l *Ledger) getAccountLock(accountID string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[accountID]; !exists {
		l.muMap[accountID] = &sync.Mutex{}
	}
	return l.muMap[accountID]
}

// lockAccounts locks every account in sorted order so two entries touching
// the same pair can never deadlock. The returned func unlocks them all.
func (l *Ledger) lockAccounts(postings []models.Posting) func() {
	ids := make([]string, 0, len(postings))
	seen := make(map[string]struct{}, len(postings))
	for _, p := range postings {
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		ids = append(ids, p.AccountID)
	}
	sort.Strings(ids)

	locks := make([]*sync.Mutex, len(ids))
	for i, id := range ids {
		locks[i] = l.getAccountLock(id)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// EntryRequest is the intent to post one journal entry.
type EntryRequest struct {
	ID             string
	Type           models.EntryType
	Date           time.Time
	Description    string
	IdempotencyKey string
	Reference      string
	Metadata       map[string]string
	Postings       []models.Posting
}

// PostEntry validates and atomically commits an entry.
//
// It fails with models.ErrUnbalanced when debits and credits differ,
// models.ErrPeriodClosed when the date falls in a closed period and
// models.ErrDuplicateKey when the idempotency key was already used.
func (l *Ledger) PostEntry(ctx context.Context, req EntryRequest) (entry models.JournalEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger", "ledger.PostEntry",
		attribute.String("entry.type", string(req.Type)),
		attribute.String("entry.idempotency_key", req.IdempotencyKey),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := l.validate(ctx, req); err != nil {
		return models.JournalEntry{}, err
	}

	if req.IdempotencyKey != "" {
		existing, lookupErr := l.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookupErr == nil {
			return models.JournalEntry{}, duplicateKey(req.IdempotencyKey, existing.ID)
		}
		if models.KindOf(lookupErr) != models.KindNotFound {
			return models.JournalEntry{}, lookupErr
		}
	}

	date := models.DateOf(req.Date)
	if req.Date.IsZero() {
		date = models.DateOf(l.now())
	}
	periodID, err := l.checkPeriod(ctx, date)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if err := l.checkGuard(ctx, req.Postings); err != nil {
		return models.JournalEntry{}, err
	}

	entry = models.JournalEntry{
		ID:             req.ID,
		Type:           req.Type,
		Date:           date,
		CreatedAt:      l.now(),
		PeriodID:       periodID,
		Currency:       l.currency,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.Reference,
		Metadata:       req.Metadata,
		Postings:       append([]models.Posting(nil), req.Postings...),
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Type == "" {
		entry.Type = models.EntryManual
	}

	unlock := l.lockAccounts(entry.Postings)
	defer unlock()

	if err := l.store.InsertEntry(ctx, &entry); err != nil {
		l.logger.Warn("journal entry rejected",
			zap.String("entry_id", entry.ID),
			zap.String("idempotency_key", entry.IdempotencyKey),
			zap.Error(err),
		)
		return models.JournalEntry{}, err
	}

	entriesPosted.Add(ctx, 1, metric.WithAttributes(attribute.String("entry.type", string(entry.Type))))
	observability.WithTrace(ctx, l.logger).Info("journal entry posted",
		zap.String("entry_id", entry.ID),
		zap.String("type", string(entry.Type)),
		zap.Int64("sequence", entry.Sequence),
		zap.Int("postings", len(entry.Postings)),
	)
	return entry, nil
}

// EnsureEntry posts req, or returns the entry already committed under its
// idempotency key. Saga steps use it so a replayed step is a no-op.
func (l *Ledger) EnsureEntry(ctx context.Context, req EntryRequest) (models.JournalEntry, error) {
	if req.IdempotencyKey == "" {
		return models.JournalEntry{}, models.NewValidation("idempotency key is required")
	}
	entry, err := l.PostEntry(ctx, req)
	if err == nil {
		return entry, nil
	}
	if models.KindOf(err) == models.KindConcurrency {
		if existing, lookupErr := l.store.GetEntryByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
			return existing, nil
		}
	}
	return models.JournalEntry{}, err
}

// VoidOptions tunes VoidEntry.
type VoidOptions struct {
	// Date of the reversal; defaults to today, which lies in the open period.
	Date time.Time
	// IdempotencyKey defaults to "void:<entry id>".
	IdempotencyKey string
	Type           models.EntryType
	Metadata       map[string]string
}

// VoidEntry retires an entry by posting its exact negation with ReversalOf
// set, then flags the original voided. Both happen atomically.
func (l *Ledger) VoidEntry(ctx context.Context, id string, reason string, opts VoidOptions) (reversal models.JournalEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger", "ledger.VoidEntry", attribute.String("entry.id", id))
	defer func() { observability.EndSpan(span, err) }()

	original, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if original.Voided {
		return models.JournalEntry{}, models.WithMetadata(models.CodeAlreadyVoided, "entry already voided", map[string]string{"entry_id": id})
	}
	if original.ReversalOf != "" {
		return models.JournalEntry{}, models.WithMetadata(models.CodeInvalid, "a reversal cannot be voided; post a new correcting entry", map[string]string{"entry_id": id})
	}

	date := models.DateOf(l.now())
	if !opts.Date.IsZero() {
		date = models.DateOf(opts.Date)
	}
	periodID, err := l.checkPeriod(ctx, date)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if err := l.checkGuard(ctx, original.Postings); err != nil {
		return models.JournalEntry{}, err
	}

	postings := make([]models.Posting, len(original.Postings))
	for i, p := range original.Postings {
		postings[i] = p.Negate()
		postings[i].EntryID = ""
		postings[i].Line = 0
	}
	key := opts.IdempotencyKey
	if key == "" {
		key = "void:" + id
	}
	entryType := opts.Type
	if entryType == "" {
		entryType = models.EntryReversal
	}
	reversal = models.JournalEntry{
		ID:             uuid.NewString(),
		Type:           entryType,
		Date:           date,
		CreatedAt:      l.now(),
		PeriodID:       periodID,
		Currency:       original.Currency,
		Description:    fmt.Sprintf("Reversal of %s: %s", id, reason),
		IdempotencyKey: key,
		Reference:      original.Reference,
		ReversalOf:     id,
		Metadata:       opts.Metadata,
		Postings:       postings,
	}

	unlock := l.lockAccounts(postings)
	defer unlock()

	if err := l.store.InsertReversal(ctx, id, &reversal, reason); err != nil {
		return models.JournalEntry{}, err
	}

	entriesVoided.Add(ctx, 1)
	observability.WithTrace(ctx, l.logger).Info("journal entry voided",
		zap.String("entry_id", id),
		zap.String("reversal_id", reversal.ID),
		zap.String("reason", reason),
	)
	return reversal, nil
}

// GetEntry returns one journal entry.
func (l *Ledger) GetEntry(ctx context.Context, id string) (models.JournalEntry, error) {
	return l.store.GetEntry(ctx, id)
}

// EntryByKey returns the entry committed under an idempotency key.
func (l *Ledger) EntryByKey(ctx context.Context, key string) (models.JournalEntry, bool, error) {
	entry, err := l.store.GetEntryByIdempotencyKey(ctx, key)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return models.JournalEntry{}, false, nil
		}
		return models.JournalEntry{}, false, err
	}
	return entry, true, nil
}

// UndoByKey voids the entry posted under key, if there is one and it is
// still live. It is the compensation for an EnsureEntry call.
func (l *Ledger) UndoByKey(ctx context.Context, key, reason string) error {
	entry, found, err := l.EntryByKey(ctx, key)
	if err != nil || !found || entry.Voided {
		return err
	}
	_, err = l.VoidEntry(ctx, entry.ID, reason, VoidOptions{IdempotencyKey: "undo:" + key})
	if errors.Is(err, models.ErrAlreadyVoided) {
		return nil
	}
	return err
}

// FindReversal returns the entry that reversed id, if any.
func (l *Ledger) FindReversal(ctx context.Context, id string) (models.JournalEntry, bool, error) {
	entries, err := l.store.ListEntries(ctx, interfaces.EntryFilter{ReversalOf: id, Limit: 1})
	if err != nil {
		return models.JournalEntry{}, false, err
	}
	if len(entries) == 0 {
		return models.JournalEntry{}, false, nil
	}
	return entries[0], true, nil
}

func (l *Ledger) validate(ctx context.Context, req EntryRequest) error {
	if len(req.Postings) < 2 {
		return models.NewValidation("an entry needs at least two postings")
	}
	for i, p := range req.Postings {
		if p.AccountID == "" {
			return models.NewValidation(fmt.Sprintf("posting %d has no account", i+1))
		}
		if p.Debit < 0 || p.Credit < 0 {
			return models.NewValidation(fmt.Sprintf("posting %d has a negative amount", i+1))
		}
		if (p.Debit == 0) == (p.Credit == 0) {
			return models.NewValidation(fmt.Sprintf("posting %d must have exactly one of debit or credit", i+1))
		}
		account, err := l.store.GetAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if account.Currency != "" && account.Currency != l.currency {
			return models.NewValidation(fmt.Sprintf("account %s is in %s, entries book in %s", account.ID, account.Currency, l.currency))
		}
	}
	debits, credits := models.Totals(req.Postings)
	if debits != credits {
		return models.WithMetadata(models.CodeUnbalanced, "debits do not equal credits", map[string]string{
			"debits":  fmt.Sprint(debits),
			"credits": fmt.Sprint(credits),
		})
	}
	return nil
}

func (l *Ledger) checkPeriod(ctx context.Context, date time.Time) (string, error) {
	if l.periods == nil {
		return "", nil
	}
	period, found, err := l.periods.FindPeriodForDate(ctx, date)
	if err != nil {
		return "", err
	}
	if !found {
		// an uncovered date behind a closed period would invalidate its snapshots
		periods, err := l.periods.ListPeriods(ctx)
		if err != nil {
			return "", err
		}
		for _, p := range periods {
			if p.Status == models.PeriodClosed && !date.After(models.DateOf(p.End)) {
				return "", models.WithMetadata(models.CodePeriodClosed, "date precedes a closed period", map[string]string{
					"period_id": p.ID,
					"date":      date.Format(time.DateOnly),
				})
			}
		}
		return "", nil
	}
	if !period.AcceptsPostings() {
		return "", models.WithMetadata(models.CodePeriodClosed, "period is closed; date the correction in the open period", map[string]string{
			"period_id": period.ID,
			"date":      date.Format(time.DateOnly),
		})
	}
	return period.ID, nil
}

func (l *Ledger) checkGuard(ctx context.Context, postings []models.Posting) error {
	if l.guard == nil {
		return nil
	}
	return l.guard.AllowPosting(ctx, models.PropertyIDs(postings))
}

func duplicateKey(key, entryID string) error {
	return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "idempotency key already used", map[string]string{
		"idempotency_key": key,
		"entry_id":        entryID,
	})
}

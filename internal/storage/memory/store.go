// Package memory is an in-memory implementation of interfaces.Store. It is
// thread-safe and is what tests and single-process deployments run on.
package memory

import (
	"context" // request-scoped context, unused by memory but part of every contract
	"sort"
	"sync" // one mutex guards every map so multi-record writes are atomic
	"time"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

type balanceKey struct {
	accountID  string
	propertyID string
}

// Store keeps every record of one organization in memory.
type Store struct {
	mu sync.Mutex // protects everything below

	accounts  map[string]models.Account
	roleIndex map[string]string // property|role -> account id

	entries    []models.JournalEntry // ordered by sequence
	entryIndex map[string]int        // entry id -> position in entries
	keyIndex   map[string]string     // idempotency key -> entry id
	balances   map[balanceKey]models.AccountBalance
	snapshots  []models.BalanceSnapshot
	seq        int64

	periods map[string]models.Period

	sagas map[string]models.Saga

	events     []models.Event
	eventIndex map[string]int
	dedupe     map[string]string
	handled    map[string]time.Time

	charges  map[string]models.Charge
	payments map[string]models.Payment
	deposits map[string]models.SecurityDeposit
	rules    map[string]models.ComplianceRule
	bankTxs  map[string]models.BankTransaction
	alerts   map[string]models.Alert
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:   make(map[string]models.Account),
		roleIndex:  make(map[string]string),
		entryIndex: make(map[string]int),
		keyIndex:   make(map[string]string),
		balances:   make(map[balanceKey]models.AccountBalance),
		periods:    make(map[string]models.Period),
		sagas:      make(map[string]models.Saga),
		eventIndex: make(map[string]int),
		dedupe:     make(map[string]string),
		handled:    make(map[string]time.Time),
		charges:    make(map[string]models.Charge),
		payments:   make(map[string]models.Payment),
		deposits:   make(map[string]models.SecurityDeposit),
		rules:      make(map[string]models.ComplianceRule),
		bankTxs:    make(map[string]models.BankTransaction),
		alerts:     make(map[string]models.Alert),
	}
}

// Close is a no-op.
func (m *Store) Close() error { return nil }

func roleKey(propertyID string, role models.AccountRole) string {
	return propertyID + "|" + string(role)
}

func (m *Store) CreateAccount(ctx context.Context, account models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "account already exists", map[string]string{"account_id": account.ID})
	}
	if account.Role != "" {
		key := roleKey(account.PropertyID, account.Role)
		if _, taken := m.roleIndex[key]; taken {
			return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "role already assigned in property", map[string]string{
				"property_id": account.PropertyID,
				"role":        string(account.Role),
			})
		}
		m.roleIndex[key] = account.ID
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return models.Account{}, models.NotFound("account", id)
	}
	return account, nil
}

func (m *Store) FindAccountByRole(ctx context.Context, propertyID string, role models.AccountRole) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.roleIndex[roleKey(propertyID, role)]
	if !ok {
		return models.Account{}, models.NotFound("account role", propertyID+"/"+string(role))
	}
	return m.accounts[id], nil
}

func (m *Store) ListAccounts(ctx context.Context, filter interfaces.AccountFilter) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Account
	for _, a := range m.accounts {
		if filter.PropertyID != "" && a.PropertyID != filter.PropertyID {
			continue
		}
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Role != "" && a.Role != filter.Role {
			continue
		}
		result = append(result, a)
	}
	// map iteration is random, callers expect chart order
	sort.Slice(result, func(i, j int) bool {
		if result[i].Code != result[j].Code {
			return result[i].Code < result[j].Code
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// InsertEntry appends the entry and folds its postings into cached balances.
func (m *Store) InsertEntry(ctx context.Context, entry *models.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLocked(entry)
}

func (m *Store) insertLocked(entry *models.JournalEntry) error {
	if _, exists := m.entryIndex[entry.ID]; exists {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "entry id already used", map[string]string{"entry_id": entry.ID})
	}
	if entry.IdempotencyKey != "" {
		if existing, used := m.keyIndex[entry.IdempotencyKey]; used {
			return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "idempotency key already used", map[string]string{
				"idempotency_key": entry.IdempotencyKey,
				"entry_id":        existing,
			})
		}
	}
	// every posting must reference a known account before anything is written
	for _, p := range entry.Postings {
		if _, ok := m.accounts[p.AccountID]; !ok {
			return models.NotFound("account", p.AccountID)
		}
	}
	if err := m.checkPeriodLocked(entry); err != nil {
		return err
	}

	m.seq++
	entry.Sequence = m.seq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	for i := range entry.Postings {
		entry.Postings[i].EntryID = entry.ID
		entry.Postings[i].Line = i + 1
	}

	m.entries = append(m.entries, cloneEntry(*entry))
	m.entryIndex[entry.ID] = len(m.entries) - 1
	if entry.IdempotencyKey != "" {
		m.keyIndex[entry.IdempotencyKey] = entry.ID
	}

	for _, p := range entry.Postings {
		account := m.accounts[p.AccountID]
		account.Balance += p.Net()
		account.BalanceSeq = entry.Sequence
		account.AsOf = entry.CreatedAt
		m.accounts[p.AccountID] = account

		key := balanceKey{accountID: p.AccountID, propertyID: p.PropertyID}
		bal := m.balances[key]
		bal.AccountID = p.AccountID
		bal.PropertyID = p.PropertyID
		bal.Balance += p.Net()
		bal.BalanceSeq = entry.Sequence
		bal.AsOf = entry.CreatedAt
		m.balances[key] = bal
	}
	return nil
}

// InsertReversal marks the original voided and appends its reversal atomically.
// checkPeriodLocked repeats the ledger's period check under the store lock,
// where a concurrent close can no longer slip in between. An entry in a
// known period needs that period still open; an uncovered date must not
// precede any closed period.
func (m *Store) checkPeriodLocked(entry *models.JournalEntry) error {
	if entry.PeriodID == "" && entry.Date.IsZero() {
		return nil
	}
	for _, p := range m.periods {
		if p.Status != models.PeriodClosed {
			continue
		}
		covered := entry.PeriodID != "" && p.ID == entry.PeriodID
		behind := entry.PeriodID == "" && !entry.Date.After(models.DateOf(p.End))
		if covered || behind {
			return models.WithMetadata(models.CodePeriodClosed, "period closed before the entry committed", map[string]string{
				"period_id": p.ID,
				"entry_id":  entry.ID,
			})
		}
	}
	return nil
}

func (m *Store) InsertReversal(ctx context.Context, originalID string, reversal *models.JournalEntry, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.entryIndex[originalID]
	if !ok {
		return models.NotFound("entry", originalID)
	}
	if m.entries[pos].Voided {
		return models.WithMetadata(models.CodeAlreadyVoided, "entry already voided", map[string]string{"entry_id": originalID})
	}
	if err := m.insertLocked(reversal); err != nil {
		return err
	}
	// insertLocked may have grown the slice, so index again
	original := &m.entries[m.entryIndex[originalID]]
	voidedAt := reversal.CreatedAt
	original.Voided = true
	original.VoidedAt = &voidedAt
	original.VoidReason = reason
	return nil
}

func (m *Store) GetEntry(ctx context.Context, id string) (models.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.entryIndex[id]
	if !ok {
		return models.JournalEntry{}, models.NotFound("entry", id)
	}
	return cloneEntry(m.entries[pos]), nil
}

func (m *Store) GetEntryByIdempotencyKey(ctx context.Context, key string) (models.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keyIndex[key]
	if !ok {
		return models.JournalEntry{}, models.NotFound("entry with idempotency key", key)
	}
	return cloneEntry(m.entries[m.entryIndex[id]]), nil
}

func (m *Store) ListEntries(ctx context.Context, filter interfaces.EntryFilter) ([]models.JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.JournalEntry
	for _, e := range m.entries {
		if !matchEntry(e, filter) {
			continue
		}
		result = append(result, cloneEntry(e))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Store) ListLines(ctx context.Context, filter interfaces.LineFilter) ([]models.LedgerLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := toSet(filter.AccountIDs)
	types := make(map[models.EntryType]struct{}, len(filter.EntryTypes))
	for _, t := range filter.EntryTypes {
		types[t] = struct{}{}
	}

	var result []models.LedgerLine
	for _, e := range m.entries {
		if !inDateRange(e.Date, filter.From, filter.To) {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				continue
			}
		}
		for _, p := range e.Postings {
			if len(accounts) > 0 {
				if _, ok := accounts[p.AccountID]; !ok {
					continue
				}
			}
			if filter.PropertyID != "" && p.PropertyID != filter.PropertyID {
				continue
			}
			if filter.TenantID != "" && p.TenantID != filter.TenantID {
				continue
			}
			if filter.VendorID != "" && p.VendorID != filter.VendorID {
				continue
			}
			result = append(result, models.LedgerLine{
				Posting:    p,
				EntryType:  e.Type,
				EntryDate:  e.Date,
				Sequence:   e.Sequence,
				Voided:     e.Voided,
				ReversalOf: e.ReversalOf,
				Reference:  e.Reference,
				Metadata:   cloneMap(e.Metadata),
			})
		}
	}
	return result, nil
}

func (m *Store) GetAccountBalance(ctx context.Context, accountID string, propertyID string) (models.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return models.AccountBalance{}, models.NotFound("account", accountID)
	}
	if propertyID == "" {
		return models.AccountBalance{
			AccountID:  accountID,
			Balance:    account.Balance,
			BalanceSeq: account.BalanceSeq,
			AsOf:       account.AsOf,
		}, nil
	}
	bal, ok := m.balances[balanceKey{accountID: accountID, propertyID: propertyID}]
	if !ok {
		return models.AccountBalance{AccountID: accountID, PropertyID: propertyID}, nil
	}
	return bal, nil
}

func (m *Store) SumPostings(ctx context.Context, accountID string, propertyID string, after time.Time, upTo time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	after, upTo = models.DateOf(after), models.DateOf(upTo)
	var total int64
	for _, e := range m.entries {
		d := models.DateOf(e.Date)
		if d.After(upTo) {
			continue
		}
		if !after.IsZero() && !d.After(after) {
			continue
		}
		for _, p := range e.Postings {
			if p.AccountID != accountID {
				continue
			}
			if propertyID != "" && p.PropertyID != propertyID {
				continue
			}
			total += p.Net()
		}
	}
	return total, nil
}

// SaveSnapshots replaces any snapshot with the same account, scope and date.
func (m *Store) SaveSnapshots(ctx context.Context, snapshots []models.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snapshots {
		replaced := false
		for i, existing := range m.snapshots {
			if existing.AccountID == s.AccountID && existing.PropertyID == s.PropertyID && existing.AsOf.Equal(s.AsOf) {
				m.snapshots[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			m.snapshots = append(m.snapshots, s)
		}
	}
	return nil
}

func (m *Store) DeleteSnapshots(ctx context.Context, periodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.PeriodID != periodID {
			kept = append(kept, s)
		}
	}
	m.snapshots = kept
	return nil
}

func (m *Store) LatestSnapshot(ctx context.Context, accountID string, propertyID string, asOf time.Time) (models.BalanceSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best models.BalanceSnapshot
	found := false
	for _, s := range m.snapshots {
		if s.AccountID != accountID || s.PropertyID != propertyID || s.AsOf.After(asOf) {
			continue
		}
		if !found || s.AsOf.After(best.AsOf) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func matchEntry(e models.JournalEntry, filter interfaces.EntryFilter) bool {
	if len(filter.Types) > 0 {
		ok := false
		for _, t := range filter.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !inDateRange(e.Date, filter.From, filter.To) {
		return false
	}
	if filter.Reference != "" && e.Reference != filter.Reference {
		return false
	}
	if filter.ReversalOf != "" && e.ReversalOf != filter.ReversalOf {
		return false
	}
	if filter.PropertyID != "" {
		for _, p := range e.Postings {
			if p.PropertyID == filter.PropertyID {
				return true
			}
		}
		return false
	}
	return true
}

func inDateRange(date, from, to time.Time) bool {
	d := models.DateOf(date)
	if !from.IsZero() && d.Before(models.DateOf(from)) {
		return false
	}
	if !to.IsZero() && d.After(models.DateOf(to)) {
		return false
	}
	return true
}

// cloneEntry copies slices and maps so callers can't modify internal state.
func cloneEntry(e models.JournalEntry) models.JournalEntry {
	postings := make([]models.Posting, len(e.Postings))
	copy(postings, e.Postings)
	e.Postings = postings
	e.Metadata = cloneMap(e.Metadata)
	if e.VoidedAt != nil {
		at := *e.VoidedAt
		e.VoidedAt = &at
	}
	return e
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Compile-time check: ensure Store implements the full persistence contract
var _ interfaces.Store = (*Store)(nil)

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

const accountColumns = `id, code, name, type, role, normal_side, owner_id, property_id, parent_id,
	currency, balance, balance_seq, as_of, created_at`

const entryColumns = `id, sequence, type, entry_date, created_at, period_id, currency, description,
	COALESCE(idempotency_key, ''), reference, voided, voided_at, void_reason, reversal_of, metadata`

func scanAccount(row interface{ Scan(...any) error }) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Role, &a.NormalSide, &a.OwnerID, &a.PropertyID,
		&a.ParentID, &a.Currency, &a.Balance, &a.BalanceSeq, &a.AsOf, &a.CreatedAt)
	return a, err
}

func (p *Store) CreateAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (id, code, name, type, role, normal_side, owner_id, property_id,
		parent_id, currency, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, query, account.ID, account.Code, account.Name, account.Type, account.Role,
		account.NormalSide, account.OwnerID, account.PropertyID, account.ParentID, account.Currency, account.CreatedAt)
	if isUniqueViolation(err) {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "account already exists", map[string]string{
			"account_id":  account.ID,
			"property_id": account.PropertyID,
			"role":        string(account.Role),
		})
	}
	return err
}

func (p *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, models.NotFound("account", id)
	}
	return a, err
}

func (p *Store) FindAccountByRole(ctx context.Context, propertyID string, role models.AccountRole) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE property_id = $1 AND role = $2`

	a, err := scanAccount(p.db.QueryRowContext(ctx, query, propertyID, role))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, models.NotFound("account role", propertyID+"/"+string(role))
	}
	return a, err
}

func (p *Store) ListAccounts(ctx context.Context, filter interfaces.AccountFilter) ([]models.Account, error) {
	var w where
	if filter.PropertyID != "" {
		w.add("property_id = $%d", filter.PropertyID)
	}
	if filter.OwnerID != "" {
		w.add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	if filter.Role != "" {
		w.add("role = $%d", filter.Role)
	}
	query := `SELECT ` + accountColumns + ` FROM accounts` + w.String() + ` ORDER BY code, id`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// InsertEntry writes the entry, its postings and the balance deltas in one transaction.
func (p *Store) InsertEntry(ctx context.Context, entry *models.JournalEntry) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(dbTx)

	if err := insertEntryTx(ctx, dbTx, entry); err != nil {
		return err
	}
	return dbTx.Commit()
}

// checkPeriodTx re-reads the periods the entry depends on under share locks.
// TransitionPeriod takes the row FOR UPDATE, so a close either commits first
// and the entry is rejected here, or waits until the entry commits.
func checkPeriodTx(ctx context.Context, dbTx *sql.Tx, entry *models.JournalEntry) error {
	if entry.PeriodID == "" && entry.Date.IsZero() {
		return nil
	}
	const query = `SELECT id, status FROM periods
	WHERE end_date >= $1 AND ($2::text = '' OR id = $2::text)
	ORDER BY id
	FOR SHARE`
	rows, err := dbTx.QueryContext(ctx, query, entry.Date, entry.PeriodID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var status models.PeriodStatus
		if err := rows.Scan(&id, &status); err != nil {
			return err
		}
		if status == models.PeriodClosed {
			return models.WithMetadata(models.CodePeriodClosed, "period closed before the entry committed", map[string]string{
				"period_id": id,
				"entry_id":  entry.ID,
			})
		}
	}
	return rows.Err()
}

func insertEntryTx(ctx context.Context, dbTx *sql.Tx, entry *models.JournalEntry) error {
	const insertEntry = `INSERT INTO journal_entries (id, type, entry_date, created_at, period_id, currency,
		description, idempotency_key, reference, reversal_of, metadata)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	RETURNING sequence`

	const insertPosting = `INSERT INTO postings (entry_id, line, account_id, property_id, unit_id, tenant_id,
		vendor_id, debit, credit, memo)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	if err := checkPeriodTx(ctx, dbTx, entry); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return err
		}
	}

	err := dbTx.QueryRowContext(ctx, insertEntry, entry.ID, entry.Type, entry.Date, entry.CreatedAt, entry.PeriodID,
		entry.Currency, entry.Description, nullString(entry.IdempotencyKey), entry.Reference, entry.ReversalOf,
		metadata).Scan(&entry.Sequence)
	if isUniqueViolation(err) {
		return models.WithMetadata(models.CodeDuplicateIdempotencyKey, "idempotency key already used", map[string]string{
			"idempotency_key": entry.IdempotencyKey,
			"entry_id":        entry.ID,
		})
	}
	if err != nil {
		return err
	}

	type scope struct{ account, property string }
	deltas := make(map[scope]int64)
	totals := make(map[string]int64)
	for i := range entry.Postings {
		posting := &entry.Postings[i]
		posting.EntryID = entry.ID
		posting.Line = i + 1
		_, err := dbTx.ExecContext(ctx, insertPosting, posting.EntryID, posting.Line, posting.AccountID,
			posting.PropertyID, posting.UnitID, posting.TenantID, posting.VendorID, posting.Debit, posting.Credit, posting.Memo)
		if code, _ := pqCode(err); code == foreignKeyViolation {
			return models.NotFound("account", posting.AccountID)
		}
		if err != nil {
			return err
		}
		deltas[scope{posting.AccountID, posting.PropertyID}] += posting.Net()
		totals[posting.AccountID] += posting.Net()
	}

	// rows are locked in id order so concurrent posters cannot deadlock
	accountIDs := make([]string, 0, len(totals))
	for id := range totals {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)
	for _, id := range accountIDs {
		const query = `UPDATE accounts SET balance = balance + $2, balance_seq = $3, as_of = $4 WHERE id = $1`
		if _, err := dbTx.ExecContext(ctx, query, id, totals[id], entry.Sequence, entry.CreatedAt); err != nil {
			return err
		}
	}

	scopes := make([]scope, 0, len(deltas))
	for s := range deltas {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].account != scopes[j].account {
			return scopes[i].account < scopes[j].account
		}
		return scopes[i].property < scopes[j].property
	})
	for _, s := range scopes {
		const query = `INSERT INTO account_balances (account_id, property_id, balance, balance_seq, as_of)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (account_id, property_id) DO UPDATE
		SET balance = account_balances.balance + EXCLUDED.balance,
			balance_seq = EXCLUDED.balance_seq,
			as_of = EXCLUDED.as_of`
		if _, err := dbTx.ExecContext(ctx, query, s.account, s.property, deltas[s], entry.Sequence, entry.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// InsertReversal locks the original row so two voids of the same entry serialize.
func (p *Store) InsertReversal(ctx context.Context, originalID string, reversal *models.JournalEntry, reason string) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(dbTx)

	var voided bool
	err = dbTx.QueryRowContext(ctx, `SELECT voided FROM journal_entries WHERE id = $1 FOR UPDATE`, originalID).Scan(&voided)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound("entry", originalID)
	}
	if err != nil {
		return err
	}
	if voided {
		return models.WithMetadata(models.CodeAlreadyVoided, "entry already voided", map[string]string{"entry_id": originalID})
	}

	if err := insertEntryTx(ctx, dbTx, reversal); err != nil {
		return err
	}

	const markVoided = `UPDATE journal_entries SET voided = TRUE, voided_at = $2, void_reason = $3 WHERE id = $1`
	if _, err := dbTx.ExecContext(ctx, markVoided, originalID, reversal.CreatedAt, reason); err != nil {
		return err
	}
	return dbTx.Commit()
}

func scanEntry(row interface{ Scan(...any) error }) (models.JournalEntry, error) {
	var (
		e        models.JournalEntry
		metadata []byte
	)
	err := row.Scan(&e.ID, &e.Sequence, &e.Type, &e.Date, &e.CreatedAt, &e.PeriodID, &e.Currency, &e.Description,
		&e.IdempotencyKey, &e.Reference, &e.Voided, &e.VoidedAt, &e.VoidReason, &e.ReversalOf, &metadata)
	if err != nil {
		return e, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (p *Store) GetEntry(ctx context.Context, id string) (models.JournalEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM journal_entries WHERE id = $1`

	e, err := scanEntry(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JournalEntry{}, models.NotFound("entry", id)
	}
	if err != nil {
		return models.JournalEntry{}, err
	}
	entries := []models.JournalEntry{e}
	if err := p.loadPostings(ctx, entries); err != nil {
		return models.JournalEntry{}, err
	}
	return entries[0], nil
}

func (p *Store) GetEntryByIdempotencyKey(ctx context.Context, key string) (models.JournalEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM journal_entries WHERE idempotency_key = $1`

	e, err := scanEntry(p.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JournalEntry{}, models.NotFound("entry with idempotency key", key)
	}
	if err != nil {
		return models.JournalEntry{}, err
	}
	entries := []models.JournalEntry{e}
	if err := p.loadPostings(ctx, entries); err != nil {
		return models.JournalEntry{}, err
	}
	return entries[0], nil
}

func (p *Store) ListEntries(ctx context.Context, filter interfaces.EntryFilter) ([]models.JournalEntry, error) {
	var w where
	if len(filter.Types) > 0 {
		w.add("type = ANY($%d)", pq.Array(stringsOf(filter.Types)))
	}
	if !filter.From.IsZero() {
		w.add("entry_date >= $%d", models.DateOf(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("entry_date < $%d", models.DateOf(filter.To).AddDate(0, 0, 1))
	}
	if filter.Reference != "" {
		w.add("reference = $%d", filter.Reference)
	}
	if filter.ReversalOf != "" {
		w.add("reversal_of = $%d", filter.ReversalOf)
	}
	if filter.PropertyID != "" {
		w.add("EXISTS (SELECT 1 FROM postings p WHERE p.entry_id = journal_entries.id AND p.property_id = $%d)", filter.PropertyID)
	}
	query := `SELECT ` + entryColumns + ` FROM journal_entries` + w.String() + ` ORDER BY sequence` + w.limit(filter.Limit)

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadPostings(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

const postingColumns = `p.entry_id, p.line, p.account_id, p.property_id, p.unit_id, p.tenant_id, p.vendor_id,
	p.debit, p.credit, p.memo`

func scanPosting(dest *models.Posting) []any {
	return []any{&dest.EntryID, &dest.Line, &dest.AccountID, &dest.PropertyID, &dest.UnitID, &dest.TenantID,
		&dest.VendorID, &dest.Debit, &dest.Credit, &dest.Memo}
}

// loadPostings fills Postings for every entry with a single query.
func (p *Store) loadPostings(ctx context.Context, entries []models.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}

	const query = `SELECT ` + postingColumns + ` FROM postings p WHERE p.entry_id = ANY($1) ORDER BY p.entry_id, p.line`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var posting models.Posting
		if err := rows.Scan(scanPosting(&posting)...); err != nil {
			return err
		}
		i := index[posting.EntryID]
		entries[i].Postings = append(entries[i].Postings, posting)
	}
	return rows.Err()
}

func (p *Store) ListLines(ctx context.Context, filter interfaces.LineFilter) ([]models.LedgerLine, error) {
	var w where
	if len(filter.AccountIDs) > 0 {
		w.add("p.account_id = ANY($%d)", pq.Array(filter.AccountIDs))
	}
	if filter.PropertyID != "" {
		w.add("p.property_id = $%d", filter.PropertyID)
	}
	if filter.TenantID != "" {
		w.add("p.tenant_id = $%d", filter.TenantID)
	}
	if filter.VendorID != "" {
		w.add("p.vendor_id = $%d", filter.VendorID)
	}
	if len(filter.EntryTypes) > 0 {
		w.add("e.type = ANY($%d)", pq.Array(stringsOf(filter.EntryTypes)))
	}
	if !filter.From.IsZero() {
		w.add("e.entry_date >= $%d", models.DateOf(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("e.entry_date < $%d", models.DateOf(filter.To).AddDate(0, 0, 1))
	}
	query := `SELECT ` + postingColumns + `, e.type, e.entry_date, e.sequence, e.voided, e.reversal_of, e.reference, e.metadata
	FROM postings p JOIN journal_entries e ON e.id = p.entry_id` + w.String() + ` ORDER BY e.sequence, p.line`

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.LedgerLine
	for rows.Next() {
		var (
			line     models.LedgerLine
			metadata []byte
		)
		dest := append(scanPosting(&line.Posting), &line.EntryType, &line.EntryDate, &line.Sequence, &line.Voided,
			&line.ReversalOf, &line.Reference, &metadata)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &line.Metadata); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (p *Store) GetAccountBalance(ctx context.Context, accountID string, propertyID string) (models.AccountBalance, error) {
	account, err := p.GetAccount(ctx, accountID)
	if err != nil {
		return models.AccountBalance{}, err
	}
	if propertyID == "" {
		return models.AccountBalance{
			AccountID:  accountID,
			Balance:    account.Balance,
			BalanceSeq: account.BalanceSeq,
			AsOf:       account.AsOf,
		}, nil
	}

	const query = `SELECT balance, balance_seq, as_of FROM account_balances WHERE account_id = $1 AND property_id = $2`
	bal := models.AccountBalance{AccountID: accountID, PropertyID: propertyID}
	err = p.db.QueryRowContext(ctx, query, accountID, propertyID).Scan(&bal.Balance, &bal.BalanceSeq, &bal.AsOf)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	return bal, err
}

func (p *Store) SumPostings(ctx context.Context, accountID string, propertyID string, after time.Time, upTo time.Time) (int64, error) {
	var w where
	w.add("p.account_id = $%d", accountID)
	if propertyID != "" {
		w.add("p.property_id = $%d", propertyID)
	}
	if !after.IsZero() {
		w.add("e.entry_date >= $%d", models.DateOf(after).AddDate(0, 0, 1))
	}
	w.add("e.entry_date < $%d", models.DateOf(upTo).AddDate(0, 0, 1))
	query := `SELECT COALESCE(SUM(p.debit - p.credit), 0)
	FROM postings p JOIN journal_entries e ON e.id = p.entry_id` + w.String()

	var total int64
	err := p.db.QueryRowContext(ctx, query, w.args...).Scan(&total)
	return total, err
}

func (p *Store) SaveSnapshots(ctx context.Context, snapshots []models.BalanceSnapshot) error {
	const query = `INSERT INTO balance_snapshots (account_id, property_id, as_of, balance, period_id, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (account_id, property_id, as_of) DO UPDATE
	SET balance = EXCLUDED.balance, period_id = EXCLUDED.period_id, created_at = EXCLUDED.created_at`

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(dbTx)

	for _, s := range snapshots {
		if _, err := dbTx.ExecContext(ctx, query, s.AccountID, s.PropertyID, s.AsOf, s.Balance, s.PeriodID, s.CreatedAt); err != nil {
			return err
		}
	}
	return dbTx.Commit()
}

func (p *Store) DeleteSnapshots(ctx context.Context, periodID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM balance_snapshots WHERE period_id = $1`, periodID)
	return err
}

func (p *Store) LatestSnapshot(ctx context.Context, accountID string, propertyID string, asOf time.Time) (models.BalanceSnapshot, bool, error) {
	const query = `SELECT account_id, property_id, as_of, balance, period_id, created_at
	FROM balance_snapshots
	WHERE account_id = $1 AND property_id = $2 AND as_of <= $3
	ORDER BY as_of DESC LIMIT 1`

	var s models.BalanceSnapshot
	err := p.db.QueryRowContext(ctx, query, accountID, propertyID, asOf).
		Scan(&s.AccountID, &s.PropertyID, &s.AsOf, &s.Balance, &s.PeriodID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return models.BalanceSnapshot{}, false, err
	}
	return s, true, nil
}

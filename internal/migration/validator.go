// Package migration validates and loads opening balances exported from a
// previous system. Nothing is posted unless the whole file validates.
package migration

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// header is the expected column order.
var header = []string{"property_id", "account", "debit", "credit", "memo"}

// Row is one parsed balance line. Account is a role or an account code.
type Row struct {
	Line       int
	PropertyID string
	Account    string
	AccountID  string
	Debit      int64
	Credit     int64
	Memo       string
}

// Issue is a problem found at a line; line 0 applies to the whole file.
type Issue struct {
	Line       int    `json:"line"`
	PropertyID string `json:"property_id,omitempty"`
	Message    string `json:"message"`
}

// PropertyTotals are the debit and credit sums for one property.
type PropertyTotals struct {
	PropertyID string `json:"property_id"`
	Debits     int64  `json:"debits"`
	Credits    int64  `json:"credits"`
	Lines      int    `json:"lines"`
}

// Report is the outcome of validating one file.
type Report struct {
	Rows       []Row            `json:"-"`
	Properties []PropertyTotals `json:"properties"`
	Issues     []Issue          `json:"issues"`
}

// OK reports whether the file can be loaded.
func (r Report) OK() bool { return len(r.Issues) == 0 }

// Validator checks migration files against the ledger's chart of accounts.
type Validator struct {
	ledger      *ledger.Ledger
	checkpoints interfaces.CheckpointStore
	now         func() time.Time
	logger      *zap.Logger
}

func NewValidator(l *ledger.Ledger, checkpoints interfaces.CheckpointStore, now func() time.Time, logger *zap.Logger) *Validator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Validator{ledger: l, checkpoints: checkpoints, now: now, logger: observability.OrNop(logger)}
}

// Validate parses the CSV and reports every problem rather than stopping
// at the first: malformed amounts, unknown accounts, lines with both or
// neither side set, and properties whose lines do not balance.
func (v *Validator) Validate(ctx context.Context, r io.Reader) (Report, error) {
	var report Report
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	first, err := reader.Read()
	if errors.Is(err, io.EOF) {
		report.Issues = append(report.Issues, Issue{Message: "file is empty"})
		return report, nil
	}
	if err != nil {
		return report, models.Wrap(models.CodeInvalid, "unreadable migration file", err)
	}
	if !sameHeader(first) {
		report.Issues = append(report.Issues, Issue{Line: 1, Message: "header must be " + strings.Join(header, ",")})
		return report, nil
	}

	accounts := make(map[string]map[string]models.Account)
	totals := make(map[string]*PropertyTotals)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			report.Issues = append(report.Issues, Issue{Line: line, Message: err.Error()})
			continue
		}
		row, issue := v.parseRow(ctx, line, record, accounts)
		if issue != nil {
			report.Issues = append(report.Issues, *issue)
			continue
		}
		report.Rows = append(report.Rows, row)
		t, ok := totals[row.PropertyID]
		if !ok {
			t = &PropertyTotals{PropertyID: row.PropertyID}
			totals[row.PropertyID] = t
		}
		t.Debits += row.Debit
		t.Credits += row.Credit
		t.Lines++
	}

	for _, t := range totals {
		report.Properties = append(report.Properties, *t)
	}
	sort.Slice(report.Properties, func(i, j int) bool { return report.Properties[i].PropertyID < report.Properties[j].PropertyID })
	for _, t := range report.Properties {
		if t.Debits != t.Credits {
			report.Issues = append(report.Issues, Issue{
				PropertyID: t.PropertyID,
				Message:    fmt.Sprintf("debits %d and credits %d do not balance", t.Debits, t.Credits),
			})
		}
	}
	if len(report.Rows) == 0 && len(report.Issues) == 0 {
		report.Issues = append(report.Issues, Issue{Message: "file has no balance lines"})
	}
	return report, nil
}

func sameHeader(record []string) bool {
	if len(record) != len(header) {
		return false
	}
	for i, h := range header {
		if strings.ToLower(strings.TrimSpace(record[i])) != h {
			return false
		}
	}
	return true
}

func (v *Validator) parseRow(ctx context.Context, line int, record []string, cache map[string]map[string]models.Account) (Row, *Issue) {
	row := Row{
		Line:       line,
		PropertyID: strings.TrimSpace(record[0]),
		Account:    strings.TrimSpace(record[1]),
		Memo:       strings.TrimSpace(record[4]),
	}
	fail := func(msg string) (Row, *Issue) {
		return row, &Issue{Line: line, PropertyID: row.PropertyID, Message: msg}
	}
	if row.PropertyID == "" || row.Account == "" {
		return fail("property and account are required")
	}
	chart, ok := cache[row.PropertyID]
	if !ok {
		accounts, err := v.ledger.ListAccounts(ctx, interfaces.AccountFilter{PropertyID: row.PropertyID})
		if err != nil {
			return fail(err.Error())
		}
		chart = make(map[string]models.Account, 2*len(accounts))
		for _, a := range accounts {
			chart[a.Code] = a
			if a.Role != "" {
				chart[string(a.Role)] = a
			}
		}
		cache[row.PropertyID] = chart
	}
	account, ok := chart[row.Account]
	if !ok {
		return fail(fmt.Sprintf("unknown account %q for property %s", row.Account, row.PropertyID))
	}
	row.AccountID = account.ID

	var err error
	if row.Debit, err = v.amount(record[2]); err != nil {
		return fail("debit: " + err.Error())
	}
	if row.Credit, err = v.amount(record[3]); err != nil {
		return fail("credit: " + err.Error())
	}
	if (row.Debit == 0) == (row.Credit == 0) {
		return fail("exactly one of debit and credit must be set")
	}
	return row, nil
}

// amount parses a major-unit decimal; blank is zero.
func (v *Validator) amount(raw string) (int64, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %q", raw)
	}
	m, err := models.MoneyFromDecimal(d, v.ledger.Currency())
	if err != nil {
		return 0, err
	}
	return m.Amount, nil
}

// LoadResult summarises a load.
type LoadResult struct {
	Report  Report   `json:"report"`
	Entries []string `json:"entries"`
	Resumed bool     `json:"resumed"`
}

// Load validates the file and, when it is clean, posts one opening balance
// entry per property dated asOf. Entries are keyed by job and property, and
// progress is checkpointed, so a rerun of the same job picks up after the
// last property committed.
func (v *Validator) Load(ctx context.Context, job string, r io.Reader, asOf time.Time) (result LoadResult, err error) {
	ctx, span := observability.StartSpan(ctx, "migration", "migration.Load")
	defer func() { observability.EndSpan(span, err) }()

	if job == "" {
		return result, models.NewValidation("migration job name is required")
	}
	report, err := v.Validate(ctx, r)
	if err != nil {
		return result, err
	}
	result.Report = report
	if !report.OK() {
		return result, models.WithMetadata(models.CodeInvalid, "migration file has issues", map[string]string{
			"issues": fmt.Sprint(len(report.Issues)),
		})
	}

	cpJob := "migration:" + job
	cp, resumed, err := v.checkpoints.LoadCheckpoint(ctx, cpJob)
	if err != nil {
		return result, err
	}
	result.Resumed = resumed

	byProperty := make(map[string][]models.Posting)
	for _, row := range report.Rows {
		p := models.Posting{AccountID: row.AccountID, PropertyID: row.PropertyID, Debit: row.Debit, Credit: row.Credit, Memo: row.Memo}
		byProperty[row.PropertyID] = append(byProperty[row.PropertyID], p)
	}
	processed := cp.Processed
	for _, totals := range report.Properties {
		prop := totals.PropertyID
		if resumed && prop <= cp.Position {
			continue
		}
		entry, err := v.ledger.EnsureEntry(ctx, ledger.EntryRequest{
			Type:           models.EntryOpeningBalance,
			Date:           asOf,
			Description:    "Migrated opening balances",
			IdempotencyKey: "migration:" + job + ":" + prop,
			Reference:      job,
			Metadata:       map[string]string{"migration_job": job},
			Postings:       byProperty[prop],
		})
		if err != nil {
			return result, err
		}
		result.Entries = append(result.Entries, entry.ID)
		processed++
		if err := v.checkpoints.SaveCheckpoint(ctx, interfaces.Checkpoint{
			Job:       cpJob,
			Position:  prop,
			Processed: processed,
			UpdatedAt: v.now(),
		}); err != nil {
			return result, err
		}
	}
	if err := v.checkpoints.ClearCheckpoint(ctx, cpJob); err != nil {
		return result, err
	}
	v.logger.Info("migration loaded",
		zap.String("job", job),
		zap.Int("properties", len(report.Properties)),
		zap.Int("entries", len(result.Entries)),
		zap.Bool("resumed", resumed),
	)
	return result, nil
}

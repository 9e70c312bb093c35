// Package correction fixes posted history without editing it: every void,
// reclassification, write-off and adjustment is a new entry dated in the
// open period that references what it corrects.
package correction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/compliance"
	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

// Service issues correcting entries.
type Service struct {
	ledger     *ledger.Ledger
	tenants    *tenantledger.Service
	compliance *compliance.Engine
	now        func() time.Time
	logger     *zap.Logger
}

func NewService(l *ledger.Ledger, tenants *tenantledger.Service, engine *compliance.Engine, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{ledger: l, tenants: tenants, compliance: engine, now: now, logger: observability.OrNop(logger)}
}

func (s *Service) check(ctx context.Context, amount int64) error {
	if s.compliance == nil {
		return nil
	}
	_, err := s.compliance.Validate(ctx, compliance.Operation{
		Category: compliance.CategoryCorrection,
		Amount:   amount,
		Currency: s.ledger.Currency(),
	})
	return err
}

func auditMetadata(actor, reason string) map[string]string {
	return map[string]string{"actor": actor, "reason": reason}
}

// Void reverses a journal entry. Entries tied to a tenant payment must go
// through VoidPayment so the charges it paid are reopened too.
func (s *Service) Void(ctx context.Context, entryID, reason, actor string) (models.JournalEntry, error) {
	if reason == "" {
		return models.JournalEntry{}, models.NewValidation("a void needs a reason")
	}
	original, err := s.ledger.GetEntry(ctx, entryID)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if original.Type == models.EntryPayment {
		return models.JournalEntry{}, models.WithMetadata(models.CodeInvalid, "payment entries are voided through their payment", map[string]string{"entry_id": entryID})
	}
	debits, _ := models.Totals(original.Postings)
	if err := s.check(ctx, debits); err != nil {
		return models.JournalEntry{}, err
	}
	reversal, err := s.ledger.VoidEntry(ctx, entryID, reason, ledger.VoidOptions{Metadata: auditMetadata(actor, reason)})
	if err != nil {
		return models.JournalEntry{}, err
	}
	s.logger.Info("entry voided", zap.String("entry_id", entryID), zap.String("reversal_id", reversal.ID), zap.String("actor", actor))
	return reversal, nil
}

// VoidPayment reverses a payment's entry and takes back every amount it
// applied, so each charge loses exactly what this payment paid and nothing
// else. A replay after a partial failure finishes the job.
func (s *Service) VoidPayment(ctx context.Context, paymentID, reason, actor string) (models.Payment, error) {
	payment, err := s.tenants.GetPayment(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	switch payment.Status {
	case models.PaymentVoided:
		return payment, nil
	case models.PaymentReturned:
		return models.Payment{}, models.WithMetadata(models.CodeInvalid, "payment was already returned", map[string]string{"payment_id": paymentID})
	}
	if err := s.check(ctx, payment.Amount); err != nil {
		return models.Payment{}, err
	}
	// charges are reopened first; if the reversal then fails they are
	// applied again so the sub-ledger never disagrees with the GL
	reopened, err := s.tenants.Reopen(ctx, paymentID, payment.Applications)
	if err != nil {
		return models.Payment{}, err
	}
	_, err = s.ledger.VoidEntry(ctx, payment.EntryID, reason, ledger.VoidOptions{
		IdempotencyKey: "void-payment:" + paymentID,
		Metadata:       auditMetadata(actor, reason),
	})
	if err != nil && !errors.Is(err, models.ErrAlreadyVoided) {
		if applyErr := s.tenants.Apply(context.WithoutCancel(ctx), payment.Applications); applyErr != nil {
			s.logger.Error("reapplying charges after failed void",
				zap.String("payment_id", paymentID),
				zap.Error(applyErr),
			)
		}
		return models.Payment{}, err
	}
	if err := s.tenants.SetPaymentStatus(ctx, paymentID, models.PaymentVoided); err != nil {
		return models.Payment{}, err
	}
	s.logger.Info("payment voided",
		zap.String("payment_id", paymentID),
		zap.Strings("reopened", reopened),
		zap.String("actor", actor),
	)
	return s.tenants.GetPayment(ctx, paymentID)
}

// ReclassRequest moves an amount booked on one posting of an entry to
// another account, optionally on another property.
type ReclassRequest struct {
	EntryID string
	// Line is the 1-based line of the posting being moved.
	Line        int
	ToAccountID string
	// ToPropertyID defaults to the posting's property.
	ToPropertyID string
	// Amount defaults to the whole posting.
	Amount int64
	Reason string
	Actor  string
	// IdempotencyKey defaults to one derived from the line, target and
	// requested amount.
	IdempotencyKey string
}

// Reclassify posts a four-line correction: the original posting and its
// counterpart are reversed, then rebooked with the new account. When the
// move crosses properties the counterpart is rebooked on the same role in
// the target property, so each property's lines balance on their own. A
// line can never be moved for more than it held across all its
// reclassifications, and a replay returns the entry already posted.
func (s *Service) Reclassify(ctx context.Context, req ReclassRequest) (models.JournalEntry, error) {
	if req.Reason == "" {
		return models.JournalEntry{}, models.NewValidation("a reclassification needs a reason")
	}
	original, err := s.ledger.GetEntry(ctx, req.EntryID)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if original.Voided {
		return models.JournalEntry{}, models.WithMetadata(models.CodeAlreadyVoided, "cannot reclassify a voided entry", map[string]string{"entry_id": original.ID})
	}
	if req.Line < 1 || req.Line > len(original.Postings) {
		return models.JournalEntry{}, models.NewValidation(fmt.Sprintf("entry has no line %d", req.Line))
	}
	moved := original.Postings[req.Line-1]
	counter, ok := counterpart(original.Postings, req.Line-1)
	if !ok {
		return models.JournalEntry{}, models.NewValidation("the line has no counterpart on the other side in its property")
	}

	toProperty := req.ToPropertyID
	if toProperty == "" {
		toProperty = moved.PropertyID
	}
	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("reclass:%s:%d:%s:%s:%d", original.ID, req.Line, req.ToAccountID, toProperty, req.Amount)
	}
	if existing, found, err := s.ledger.EntryByKey(ctx, key); err != nil {
		return models.JournalEntry{}, err
	} else if found {
		return existing, nil
	}

	already, err := s.reclassified(ctx, original.ID, req.Line)
	if err != nil {
		return models.JournalEntry{}, err
	}
	size := min(moved.Debit+moved.Credit, counter.Debit+counter.Credit)
	amount := req.Amount
	if amount == 0 {
		amount = size - already
	}
	if amount <= 0 || amount > size-already {
		return models.JournalEntry{}, models.WithMetadata(models.CodeInvalid, "reclassified amount must be positive and within what is left of the original line", map[string]string{
			"entry_id":  original.ID,
			"line":      strconv.Itoa(req.Line),
			"remaining": strconv.FormatInt(size-already, 10),
		})
	}
	target, err := s.ledger.GetAccount(ctx, req.ToAccountID)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if target.PropertyID != "" && target.PropertyID != toProperty {
		return models.JournalEntry{}, models.NewValidation("target account belongs to another property")
	}
	if target.ID == moved.AccountID && toProperty == moved.PropertyID {
		return models.JournalEntry{}, models.NewValidation("nothing to reclassify")
	}
	counterAccount := counter.AccountID
	if toProperty != moved.PropertyID {
		acct, err := s.ledger.GetAccount(ctx, counter.AccountID)
		if err != nil {
			return models.JournalEntry{}, err
		}
		if acct.Role == "" {
			return models.JournalEntry{}, models.NewValidation("counterpart account has no role to resolve on the target property")
		}
		mirror, err := s.ledger.AccountFor(ctx, toProperty, acct.Role)
		if err != nil {
			return models.JournalEntry{}, err
		}
		counterAccount = mirror.ID
	}
	if err := s.check(ctx, amount); err != nil {
		return models.JournalEntry{}, err
	}

	postings := []models.Posting{
		resized(moved, amount).Negate(),
		resized(counter, amount).Negate(),
		rebooked(resized(moved, amount), target.ID, toProperty),
		rebooked(resized(counter, amount), counterAccount, toProperty),
	}
	entry, err := s.ledger.EnsureEntry(ctx, ledger.EntryRequest{
		Type:           models.EntryReclassification,
		Date:           s.now(),
		Description:    "Reclassification of " + original.ID + ": " + req.Reason,
		IdempotencyKey: key,
		Reference:      original.ID,
		Metadata: map[string]string{
			"actor":       req.Actor,
			"reason":      req.Reason,
			"corrects":    original.ID,
			"line":        strconv.Itoa(req.Line),
			"from_period": original.PeriodID,
		},
		Postings: postings,
	})
	if err != nil {
		return models.JournalEntry{}, err
	}
	s.logger.Info("entry reclassified",
		zap.String("entry_id", original.ID),
		zap.String("correction_id", entry.ID),
		zap.String("to_account", target.ID),
		zap.Int64("amount", amount),
	)
	return entry, nil
}

// reclassified sums what live reclassifications already moved off a line.
// The first posting of a reclassification reverses the moved line.
func (s *Service) reclassified(ctx context.Context, entryID string, line int) (int64, error) {
	entries, err := s.ledger.Store().ListEntries(ctx, interfaces.EntryFilter{
		Types:     []models.EntryType{models.EntryReclassification},
		Reference: entryID,
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Voided || e.Metadata["line"] != strconv.Itoa(line) || len(e.Postings) == 0 {
			continue
		}
		total += e.Postings[0].Debit + e.Postings[0].Credit
	}
	return total, nil
}

// counterpart finds the first posting on the opposite side within the same
// property as postings[i].
func counterpart(postings []models.Posting, i int) (models.Posting, bool) {
	moved := postings[i]
	for j, p := range postings {
		if j == i || p.PropertyID != moved.PropertyID {
			continue
		}
		if (p.Debit > 0) != (moved.Debit > 0) {
			return p, true
		}
	}
	return models.Posting{}, false
}

func resized(p models.Posting, amount int64) models.Posting {
	p.EntryID, p.Line = "", 0
	if p.Debit > 0 {
		p.Debit = amount
	} else {
		p.Credit = amount
	}
	return p
}

func rebooked(p models.Posting, accountID, propertyID string) models.Posting {
	p.AccountID = accountID
	if propertyID != p.PropertyID {
		p.PropertyID = propertyID
		p.UnitID = ""
	}
	return p
}

// WriteOffRequest writes off an uncollectible charge.
type WriteOffRequest struct {
	ChargeID string
	// Amount defaults to the charge's outstanding balance.
	Amount int64
	Reason string
	Actor  string
}

// WriteOff moves an uncollectible receivable to bad debt expense and marks
// the amount settled on the charge.
func (s *Service) WriteOff(ctx context.Context, req WriteOffRequest) (models.JournalEntry, error) {
	charge, err := s.tenants.GetCharge(ctx, req.ChargeID)
	if err != nil {
		return models.JournalEntry{}, err
	}
	if charge.Status == models.ChargeVoid {
		return models.JournalEntry{}, models.NewValidation("charge is void")
	}
	amount := req.Amount
	if amount == 0 {
		amount = charge.Outstanding()
	}
	if amount <= 0 || amount > charge.Outstanding() {
		return models.JournalEntry{}, models.NewValidation("write-off must be positive and within the outstanding amount")
	}
	if err := s.check(ctx, amount); err != nil {
		return models.JournalEntry{}, err
	}
	badDebt, err := s.ledger.AccountFor(ctx, charge.PropertyID, models.RoleBadDebt)
	if err != nil {
		return models.JournalEntry{}, err
	}
	ar, err := s.ledger.AccountFor(ctx, charge.PropertyID, models.RoleTenantAR)
	if err != nil {
		return models.JournalEntry{}, err
	}
	debit := models.Debit(badDebt.ID, charge.PropertyID, amount)
	credit := models.Credit(ar.ID, charge.PropertyID, amount)
	for _, p := range []*models.Posting{&debit, &credit} {
		p.UnitID, p.TenantID = charge.UnitID, charge.TenantID
	}
	key := "write-off:" + charge.ID
	entry, err := s.ledger.EnsureEntry(ctx, ledger.EntryRequest{
		Type:           models.EntryWriteOff,
		Date:           s.now(),
		Description:    "Write-off of charge " + charge.ID + ": " + req.Reason,
		IdempotencyKey: key,
		Reference:      charge.ID,
		Metadata:       auditMetadata(req.Actor, req.Reason),
		Postings:       []models.Posting{debit, credit},
	})
	if err != nil {
		return models.JournalEntry{}, err
	}
	// the write-off settles the charge like a payment would
	err = s.tenants.Apply(ctx, []models.ChargeApplication{{
		PaymentID:  key,
		ChargeID:   charge.ID,
		PropertyID: charge.PropertyID,
		UnitID:     charge.UnitID,
		Category:   charge.Category,
		Amount:     amount,
	}})
	if err != nil {
		return models.JournalEntry{}, err
	}
	s.logger.Info("charge written off", zap.String("charge_id", charge.ID), zap.Int64("amount", amount), zap.String("actor", req.Actor))
	return entry, nil
}

// AdjustRequest is a free-form correcting entry.
type AdjustRequest struct {
	Postings []models.Posting
	// Corrects names the entry being adjusted, if any.
	Corrects       string
	Reason         string
	Actor          string
	IdempotencyKey string
}

// Adjust posts a balanced adjustment dated today.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (models.JournalEntry, error) {
	if req.Reason == "" {
		return models.JournalEntry{}, models.NewValidation("an adjustment needs a reason")
	}
	if req.Corrects != "" {
		if _, err := s.ledger.GetEntry(ctx, req.Corrects); err != nil {
			return models.JournalEntry{}, err
		}
	}
	debits, _ := models.Totals(req.Postings)
	if err := s.check(ctx, debits); err != nil {
		return models.JournalEntry{}, err
	}
	meta := auditMetadata(req.Actor, req.Reason)
	if req.Corrects != "" {
		meta["corrects"] = req.Corrects
	}
	entry, err := s.ledger.PostEntry(ctx, ledger.EntryRequest{
		Type:           models.EntryAdjustment,
		Date:           s.now(),
		Description:    req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      req.Corrects,
		Metadata:       meta,
		Postings:       req.Postings,
	})
	if err != nil {
		return models.JournalEntry{}, err
	}
	s.logger.Info("adjustment posted", zap.String("entry_id", entry.ID), zap.String("actor", req.Actor))
	return entry, nil
}

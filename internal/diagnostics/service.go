// Package diagnostics continuously verifies the ledger's invariants. A
// violation becomes an open alert that blocks postings in its scope until an
// operator resolves it; reads are never blocked.
package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

var violationsFound = observability.Counter("diagnostics.violations", "Invariant violations detected")

// Check names.
const (
	CheckTrialBalance    = "trial_balance"
	CheckPropertyBalance = "property_balance"
	CheckOrphans         = "orphans"
	CheckCachedBalance   = "cached_balance"
	CheckEscrow          = "escrow"
	CheckTrust           = "trust"
)

// Severities.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// Violation is one failed invariant.
type Violation struct {
	Check    string `json:"check"`
	Scope    string `json:"scope"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Report is the outcome of one diagnostics run.
type Report struct {
	RanAt      time.Time   `json:"ran_at"`
	Violations []Violation `json:"violations"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Store is the persistence the checks read and the alerts they write.
type Store interface {
	interfaces.LedgerStore
	interfaces.PeriodStore
	interfaces.DepositStore
	interfaces.AlertStore
}

// Service runs the checks and doubles as the ledger's posting guard.
type Service struct {
	store   Store
	ledger  *ledger.Ledger
	emitter *events.Emitter
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	blocked map[string][]models.Alert // scope -> open alerts
}

func NewService(store Store, l *ledger.Ledger, emitter *events.Emitter, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   store,
		ledger:  l,
		emitter: emitter,
		now:     now,
		logger:  observability.OrNop(logger),
		blocked: make(map[string][]models.Alert),
	}
}

// AllowPosting fails with models.CodeScopeBlocked when an open alert covers
// any of the properties, or the whole ledger.
func (s *Service) AllowPosting(ctx context.Context, propertyIDs []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocked) == 0 {
		return nil
	}
	scopes := append([]string{models.GlobalScope}, propertyIDs...)
	for _, scope := range scopes {
		if alerts := s.blocked[scope]; len(alerts) > 0 {
			a := alerts[0]
			return models.WithMetadata(models.CodeScopeBlocked, "postings are blocked pending resolution of a diagnostics alert", map[string]string{
				"alert_id": a.ID,
				"check":    a.Check,
				"scope":    a.Scope,
			})
		}
	}
	return nil
}

// Refresh reloads open alerts into the guard.
func (s *Service) Refresh(ctx context.Context) error {
	open, err := s.store.ListOpenAlerts(ctx)
	if err != nil {
		return err
	}
	blocked := make(map[string][]models.Alert, len(open))
	for _, a := range open {
		blocked[a.Scope] = append(blocked[a.Scope], a)
	}
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
	return nil
}

// Alerts lists unresolved alerts.
func (s *Service) Alerts(ctx context.Context) ([]models.Alert, error) {
	return s.store.ListOpenAlerts(ctx)
}

// Resolve closes an alert and lifts its block.
func (s *Service) Resolve(ctx context.Context, alertID, actor string) error {
	if actor == "" {
		return models.NewValidation("resolving an alert needs an actor")
	}
	if err := s.store.ResolveAlert(ctx, alertID, actor, s.now()); err != nil {
		return err
	}
	s.logger.Info("diagnostics alert resolved", zap.String("alert_id", alertID), zap.String("actor", actor))
	return s.Refresh(ctx)
}

// Run executes every check, raises an alert for each new violation and
// refreshes the guard.
func (s *Service) Run(ctx context.Context) (report Report, err error) {
	ctx, span := observability.StartSpan(ctx, "diagnostics", "diagnostics.Run")
	defer func() { observability.EndSpan(span, err) }()

	report.RanAt = s.now()
	checks := []func(context.Context) ([]Violation, error){
		s.checkTrialBalance,
		s.checkPropertyBalances,
		s.checkOrphans,
		s.checkCachedBalances,
		s.checkEscrow,
		s.checkTrust,
	}
	for _, check := range checks {
		found, err := check(ctx)
		if err != nil {
			return report, err
		}
		report.Violations = append(report.Violations, found...)
	}
	if err := s.raise(ctx, report.Violations); err != nil {
		return report, err
	}
	if err := s.Refresh(ctx); err != nil {
		return report, err
	}
	if !report.OK() {
		s.logger.Warn("diagnostics found violations", zap.Int("violations", len(report.Violations)))
	}
	return report, nil
}

// Verify runs the checks and fails if anything is wrong or still unresolved.
// Period close depends on it.
func (s *Service) Verify(ctx context.Context) error {
	report, err := s.Run(ctx)
	if err != nil {
		return err
	}
	open, err := s.store.ListOpenAlerts(ctx)
	if err != nil {
		return err
	}
	if report.OK() && len(open) == 0 {
		return nil
	}
	names := make([]string, 0, len(open))
	for _, a := range open {
		names = append(names, a.Check+"@"+a.Scope)
	}
	sort.Strings(names)
	return models.WithMetadata(models.CodeScopeBlocked, "ledger has unresolved diagnostics alerts", map[string]string{
		"alerts": strings.Join(names, ","),
	})
}

// Watch runs the checks every interval until ctx ends.
func (s *Service) Watch(ctx context.Context, interval time.Duration) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("diagnostics run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) raise(ctx context.Context, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	open, err := s.store.ListOpenAlerts(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(open))
	for _, a := range open {
		known[a.Check+"|"+a.Scope] = true
	}
	for _, v := range violations {
		violationsFound.Add(ctx, 1, metric.WithAttributes(attribute.String("check", v.Check), attribute.String("severity", v.Severity)))
		if known[v.Check+"|"+v.Scope] {
			continue
		}
		known[v.Check+"|"+v.Scope] = true
		alert := models.Alert{
			ID:         uuid.NewString(),
			Check:      v.Check,
			Scope:      v.Scope,
			Severity:   v.Severity,
			Message:    v.Message,
			DetectedAt: s.now(),
		}
		if err := s.store.SaveAlert(ctx, alert); err != nil {
			return err
		}
		s.logger.Error("diagnostics violation",
			zap.String("alert_id", alert.ID),
			zap.String("check", v.Check),
			zap.String("scope", v.Scope),
			zap.String("severity", v.Severity),
			zap.String("message", v.Message),
		)
		if s.emitter == nil {
			continue
		}
		_, err := s.emitter.Emit(ctx, models.EventDiagnosticViolation, alert.ID, "alert:"+alert.ID, evpayload.DiagnosticViolation{
			AlertID:    alert.ID,
			Check:      v.Check,
			Scope:      v.Scope,
			Severity:   v.Severity,
			Message:    v.Message,
			OccurredAt: alert.DetectedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func scopeOf(propertyID string) string {
	if propertyID == "" {
		return models.GlobalScope
	}
	return propertyID
}

func (s *Service) checkTrialBalance(ctx context.Context) ([]Violation, error) {
	tb, err := s.ledger.GetTrialBalance(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	if tb.Balanced() {
		return nil, nil
	}
	return []Violation{{
		Check:    CheckTrialBalance,
		Scope:    models.GlobalScope,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("trial balance is off by %d", tb.Difference()),
	}}, nil
}

func (s *Service) properties(ctx context.Context) ([]string, error) {
	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var props []string
	for _, a := range accounts {
		if a.PropertyID != "" && !seen[a.PropertyID] {
			seen[a.PropertyID] = true
			props = append(props, a.PropertyID)
		}
	}
	sort.Strings(props)
	return props, nil
}

func (s *Service) checkPropertyBalances(ctx context.Context) ([]Violation, error) {
	props, err := s.properties(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, prop := range props {
		tb, err := s.ledger.GetPropertyTrialBalance(ctx, prop, time.Time{})
		if err != nil {
			return nil, err
		}
		if !tb.Balanced() {
			out = append(out, Violation{
				Check:    CheckPropertyBalance,
				Scope:    prop,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("property books are off by %d", tb.Difference()),
			})
		}
	}
	return out, nil
}

// checkOrphans looks for postings on unknown accounts, reversals of unknown
// entries and entries stamped with unknown periods.
func (s *Service) checkOrphans(ctx context.Context) ([]Violation, error) {
	entries, err := s.store.ListEntries(ctx, interfaces.EntryFilter{})
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{})
	if err != nil {
		return nil, err
	}
	periods, err := s.store.ListPeriods(ctx)
	if err != nil {
		return nil, err
	}
	knownAccounts := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		knownAccounts[a.ID] = true
	}
	knownPeriods := make(map[string]bool, len(periods))
	for _, p := range periods {
		knownPeriods[p.ID] = true
	}
	knownEntries := make(map[string]bool, len(entries))
	for _, e := range entries {
		knownEntries[e.ID] = true
	}

	var out []Violation
	for _, e := range entries {
		for _, p := range e.Postings {
			if !knownAccounts[p.AccountID] {
				out = append(out, Violation{
					Check:    CheckOrphans,
					Scope:    scopeOf(p.PropertyID),
					Severity: SeverityError,
					Message:  fmt.Sprintf("entry %s posts to unknown account %s", e.ID, p.AccountID),
				})
			}
		}
		if e.ReversalOf != "" && !knownEntries[e.ReversalOf] {
			out = append(out, Violation{
				Check:    CheckOrphans,
				Scope:    models.GlobalScope,
				Severity: SeverityError,
				Message:  fmt.Sprintf("entry %s reverses unknown entry %s", e.ID, e.ReversalOf),
			})
		}
		if e.PeriodID != "" && !knownPeriods[e.PeriodID] {
			out = append(out, Violation{
				Check:    CheckOrphans,
				Scope:    models.GlobalScope,
				Severity: SeverityError,
				Message:  fmt.Sprintf("entry %s references unknown period %s", e.ID, e.PeriodID),
			})
		}
	}
	return out, nil
}

// endOfTime bounds a full recomputation of an account's postings.
var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func (s *Service) checkCachedBalances(ctx context.Context) ([]Violation, error) {
	accounts, err := s.store.ListAccounts(ctx, interfaces.AccountFilter{})
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, a := range accounts {
		cached, err := s.store.GetAccountBalance(ctx, a.ID, "")
		if err != nil {
			return nil, err
		}
		raw, err := s.store.SumPostings(ctx, a.ID, "", time.Time{}, endOfTime)
		if err != nil {
			return nil, err
		}
		if cached.Balance != raw {
			out = append(out, Violation{
				Check:    CheckCachedBalance,
				Scope:    scopeOf(a.PropertyID),
				Severity: SeverityError,
				Message:  fmt.Sprintf("account %s caches %d but its postings sum to %d", a.ID, cached.Balance, raw),
			})
		}
	}
	return out, nil
}

// checkEscrow requires escrow cash, the deposit liability and the deposits
// on record to agree for every property.
func (s *Service) checkEscrow(ctx context.Context) ([]Violation, error) {
	props, err := s.properties(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, prop := range props {
		escrow, err := s.roleBalance(ctx, prop, models.RoleEscrowCash)
		if err != nil {
			return nil, err
		}
		liability, err := s.roleBalance(ctx, prop, models.RoleDepositLiability)
		if err != nil {
			return nil, err
		}
		deposits, err := s.store.ListDeposits(ctx, interfaces.DepositFilter{
			PropertyID: prop,
			Statuses:   []models.DepositStatus{models.DepositHeld},
		})
		if err != nil {
			return nil, err
		}
		var held int64
		for _, d := range deposits {
			held += d.Held()
		}
		if escrow != liability || liability != held {
			out = append(out, Violation{
				Check:    CheckEscrow,
				Scope:    prop,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("escrow cash %d, deposit liability %d and deposits held %d disagree", escrow, liability, held),
			})
		}
	}
	return out, nil
}

// checkTrust requires trust cash to cover the money held for tenants:
// prepaid rent and deposits still in clearing.
func (s *Service) checkTrust(ctx context.Context) ([]Violation, error) {
	props, err := s.properties(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, prop := range props {
		cash, err := s.roleBalance(ctx, prop, models.RoleTrustCash)
		if err != nil {
			return nil, err
		}
		prepaid, err := s.roleBalance(ctx, prop, models.RolePrepaidRent)
		if err != nil {
			return nil, err
		}
		clearing, err := s.roleBalance(ctx, prop, models.RoleDepositClearing)
		if err != nil {
			return nil, err
		}
		if cash < prepaid+clearing {
			out = append(out, Violation{
				Check:    CheckTrust,
				Scope:    prop,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("trust cash %d does not cover %d held for tenants", cash, prepaid+clearing),
			})
		}
	}
	return out, nil
}

// roleBalance reads a role's normal balance; a property without the role
// reads zero.
func (s *Service) roleBalance(ctx context.Context, prop string, role models.AccountRole) (int64, error) {
	b, err := s.ledger.RoleBalance(ctx, prop, role, time.Time{})
	if models.KindOf(err) == models.KindNotFound {
		return 0, nil
	}
	return b, err
}

var _ ledger.Guard = (*Service)(nil)

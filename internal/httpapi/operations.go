package httpapi

import (
	"net/http"

	"github.com/sheikh-saqib/property-ledger-core/internal/bank"
	"github.com/sheikh-saqib/property-ledger-core/internal/correction"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
)

func (s *Server) operationRoutes() {
	s.mux.HandleFunc("POST /payments/{id}/void", s.voidPayment)
	s.mux.HandleFunc("POST /corrections/reclassify", s.reclassify)
	s.mux.HandleFunc("POST /corrections/write-off", s.writeOff)
	s.mux.HandleFunc("POST /corrections/adjust", s.adjust)

	s.mux.HandleFunc("GET /reports/balance-sheet", s.balanceSheet)
	s.mux.HandleFunc("GET /reports/income-statement", s.incomeStatement)
	s.mux.HandleFunc("GET /reports/owners/{id}", s.ownerStatement)
	s.mux.HandleFunc("GET /reports/tenants/{id}", s.tenantStatement)

	s.mux.HandleFunc("GET /diagnostics/alerts", s.listAlerts)
	s.mux.HandleFunc("POST /diagnostics/run", s.runDiagnostics)
	s.mux.HandleFunc("POST /diagnostics/alerts/{id}/resolve", s.resolveAlert)

	s.mux.HandleFunc("POST /bank/feed", s.importFeed)
	s.mux.HandleFunc("POST /bank/reconcile/{property}", s.reconcile)
	s.mux.HandleFunc("POST /migration/validate", s.validateMigration)
	s.mux.HandleFunc("POST /migration/load", s.loadMigration)
	s.mux.HandleFunc("GET /tax/1099/{year}", s.generate1099)
	s.mux.HandleFunc("POST /tax/1099/{year}/issue", s.issue1099)

	s.mux.HandleFunc("POST /webhooks/gateway", s.gatewayWebhook)
}

func (s *Server) voidPayment(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	payment, err := s.org.Corrections.VoidPayment(r.Context(), r.PathValue("id"), req.Reason, req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) reclassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryID      string `json:"entry_id"`
		Line         int    `json:"line"`
		ToAccountID  string `json:"to_account_id"`
		ToPropertyID string `json:"to_property_id"`
		Amount       int64  `json:"amount"`
		Reason       string `json:"reason"`
		Actor        string `json:"actor"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.org.Corrections.Reclassify(r.Context(), correction.ReclassRequest{
		EntryID:        req.EntryID,
		Line:           req.Line,
		ToAccountID:    req.ToAccountID,
		ToPropertyID:   req.ToPropertyID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Actor:          req.Actor,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) writeOff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChargeID string `json:"charge_id"`
		Amount   int64  `json:"amount"`
		Reason   string `json:"reason"`
		Actor    string `json:"actor"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.org.Corrections.WriteOff(r.Context(), correction.WriteOffRequest{
		ChargeID: req.ChargeID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Actor:    req.Actor,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Postings []models.Posting `json:"postings"`
		Corrects string           `json:"corrects"`
		Reason   string           `json:"reason"`
		Actor    string           `json:"actor"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.org.Corrections.Adjust(r.Context(), correction.AdjustRequest{
		Postings:       req.Postings,
		Corrects:       req.Corrects,
		Reason:         req.Reason,
		Actor:          req.Actor,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) balanceSheet(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sheet, err := s.org.Reports.BalanceSheet(r.Context(), r.URL.Query().Get("property_id"), asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) incomeStatement(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stmt, err := s.org.Reports.IncomeStatement(r.Context(), r.URL.Query().Get("property_id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

func (s *Server) ownerStatement(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stmt, err := s.org.Reports.OwnerStatement(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

func (s *Server) tenantStatement(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stmt, err := s.org.Reports.TenantStatement(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stmt)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.org.Diagnostics.Alerts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) runDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := s.org.Diagnostics.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.org.Diagnostics.Resolve(r.Context(), id, req.Actor); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": "resolved"})
}

func (s *Server) importFeed(w http.ResponseWriter, r *http.Request) {
	var records []bank.FeedRecord
	if err := decodeJSON(w, r, &records); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.org.Bank.Import(r.Context(), records)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.org.Bank.Reconcile(r.Context(), r.PathValue("property"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// validateMigration takes the CSV file as the raw request body.
func (s *Server) validateMigration(w http.ResponseWriter, r *http.Request) {
	report, err := s.org.Migration.Validate(r.Context(), http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// loadMigration posts opening balances for ?job=...&as_of=YYYY-MM-DD. A
// rerun under the same job resumes after the last committed property.
func (s *Server) loadMigration(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		s.fail(w, r, models.NewValidation("job is required"))
		return
	}
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if asOf.IsZero() {
		s.fail(w, r, models.NewValidation("as_of is required"))
		return
	}
	result, err := s.org.Migration.Load(r.Context(), job, http.MaxBytesReader(w, r.Body, maxUploadBytes), asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Report.OK() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) generate1099(w http.ResponseWriter, r *http.Request) {
	year, err := pathInt(r, "year")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	batch, err := s.org.Tax.Generate(r.Context(), year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) issue1099(w http.ResponseWriter, r *http.Request) {
	year, err := pathInt(r, "year")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.org.Tax.Issue(r.Context(), year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

var gatewayEvents = map[string]string{
	"succeeded": models.EventGatewayPaymentOK,
	"failed":    models.EventGatewayPaymentFailed,
	"returned":  models.EventGatewayPaymentReturn,
}

// gatewayWebhook records the notification as an event and answers 202; the
// event worker starts the matching saga. Redeliveries of the same
// notification are absorbed by the dedupe key.
func (s *Server) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string                   `json:"type"`
		Payment evpayload.GatewayPayment `json:"payment"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	eventType, ok := gatewayEvents[req.Type]
	if !ok {
		s.fail(w, r, models.WithMetadata(models.CodeInvalid, "unknown gateway notification", map[string]string{"type": req.Type}))
		return
	}
	if req.Payment.PaymentID == "" {
		s.fail(w, r, models.NewValidation("payment_id is required"))
		return
	}
	event, err := s.org.Emitter.Emit(r.Context(), eventType, req.Payment.PaymentID, "gateway:"+req.Type+":"+req.Payment.PaymentID, req.Payment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID, "type": eventType})
}

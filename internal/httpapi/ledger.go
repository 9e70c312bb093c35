package httpapi

import (
	"net/http"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/ledger"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/tenantledger"
)

func (s *Server) ledgerRoutes() {
	s.mux.HandleFunc("POST /properties/{id}/chart", s.provisionChart)
	s.mux.HandleFunc("POST /entries", s.postEntry)
	s.mux.HandleFunc("GET /entries/{id}", s.getEntry)
	s.mux.HandleFunc("POST /entries/{id}/void", s.voidEntry)
	s.mux.HandleFunc("GET /accounts/{id}/balance", s.getBalance)
	s.mux.HandleFunc("GET /trial-balance", s.getTrialBalance)

	s.mux.HandleFunc("POST /periods", s.createPeriod)
	s.mux.HandleFunc("GET /periods", s.listPeriods)

	s.mux.HandleFunc("POST /charges", s.assessCharge)
	s.mux.HandleFunc("GET /tenants/{id}/balance", s.tenantBalance)
	s.mux.HandleFunc("GET /tenants/{id}/aging", s.tenantAging)
}

func (s *Server) provisionChart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	accounts, err := s.org.Ledger.ProvisionChart(r.Context(), r.PathValue("id"), req.OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, accounts)
}

type entryRequest struct {
	Type        models.EntryType  `json:"type"`
	Date        Date              `json:"date"`
	Description string            `json:"description"`
	Reference   string            `json:"reference"`
	Metadata    map[string]string `json:"metadata"`
	Postings    []models.Posting  `json:"postings"`
}

// postEntry takes the idempotency key from the Idempotency-Key header. A
// replay with the same key returns the committed entry with 200.
func (s *Server) postEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	entry, err := s.org.Ledger.PostEntry(r.Context(), ledger.EntryRequest{
		Type:           req.Type,
		Date:           req.Date.Time,
		Description:    req.Description,
		IdempotencyKey: key,
		Reference:      req.Reference,
		Metadata:       req.Metadata,
		Postings:       req.Postings,
	})
	if err != nil && key != "" && models.KindOf(err) == models.KindConcurrency {
		if existing, found, lookupErr := s.org.Ledger.EntryByKey(r.Context(), key); lookupErr == nil && found {
			writeJSON(w, http.StatusOK, existing)
			return
		}
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.org.Ledger.GetEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type voidRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) voidEntry(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	reversal, err := s.org.Corrections.Void(r.Context(), r.PathValue("id"), req.Reason, req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reversal)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.org.Ledger.GetBalance(r.Context(), r.PathValue("id"), r.URL.Query().Get("property_id"), asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) getTrialBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tb, err := s.org.Reports.TrialBalance(r.Context(), r.URL.Query().Get("property_id"), asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ledger.TrialBalance
		Balanced bool `json:"balanced"`
	}{tb, tb.Balanced()})
}

func (s *Server) createPeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Start Date   `json:"start"`
		End   Date   `json:"end"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.org.Periods.Create(r.Context(), req.Name, req.Start.Time, req.End.Time)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.org.Periods.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

func (s *Server) assessCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string                `json:"id"`
		TenantID    string                `json:"tenant_id"`
		LeaseID     string                `json:"lease_id"`
		PropertyID  string                `json:"property_id"`
		UnitID      string                `json:"unit_id"`
		Category    models.ChargeCategory `json:"category"`
		Description string                `json:"description"`
		Amount      int64                 `json:"amount"`
		DueDate     Date                  `json:"due_date"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	charge, err := s.org.Tenants.AssessCharge(r.Context(), tenantledger.ChargeRequest{
		ID:          req.ID,
		TenantID:    req.TenantID,
		LeaseID:     req.LeaseID,
		PropertyID:  req.PropertyID,
		UnitID:      req.UnitID,
		Category:    req.Category,
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate.Time,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, charge)
}

func (s *Server) tenantBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.org.Tenants.Balance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) tenantAging(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if asOf.IsZero() {
		asOf = models.DateOf(time.Now().UTC())
	}
	aging, err := s.org.Tenants.Aging(r.Context(), r.PathValue("id"), asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aging)
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/sagas"
)

const maxAwait = 30 * time.Second

func (s *Server) sagaRoutes() {
	s.mux.HandleFunc("GET /sagas/types", s.sagaTypes)
	s.mux.HandleFunc("POST /sagas/{type}", s.executeSaga)
	s.mux.HandleFunc("GET /sagas/{id}", s.getSaga)
	s.mux.HandleFunc("POST /sagas/{id}/cancel", s.cancelSaga)

	s.mux.HandleFunc("GET /deposits", s.listDeposits)
	s.mux.HandleFunc("POST /deposits/{id}/interest", s.accrueInterest)
}

func (s *Server) sagaTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sagas.Types())
}

// executeSaga runs a saga synchronously and answers with its final state;
// ?async=true answers 202 with the running instance instead. A duplicate
// trigger answers 200 with the instance already registered under the key.
func (s *Server) executeSaga(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	async := r.URL.Query().Get("async") == "true"
	saga, err := s.org.Sagas.Execute(r.Context(), r.PathValue("type"), raw, async)
	switch {
	case errors.Is(err, models.ErrSagaActive) && saga.ID != "":
		writeJSON(w, http.StatusOK, saga)
	case err != nil:
		s.fail(w, r, err)
	case async:
		w.Header().Set("Location", "/sagas/"+saga.ID)
		writeJSON(w, http.StatusAccepted, saga)
	default:
		writeJSON(w, http.StatusCreated, saga)
	}
}

// getSaga returns the current state; ?wait=10s blocks until the saga ends
// or the wait runs out.
func (s *Server) getSaga(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		saga, err := s.org.Orchestrator.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saga)
		return
	}

	wait, err := time.ParseDuration(raw)
	if err != nil || wait <= 0 {
		s.fail(w, r, models.WithMetadata(models.CodeInvalid, "wait must be a positive duration", map[string]string{"wait": raw}))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxAwait))
	defer cancel()

	saga, err := s.org.Orchestrator.Await(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saga)
}

func (s *Server) cancelSaga(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.org.Orchestrator.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"saga_id": id, "status": "cancel_requested"})
}

func (s *Server) listDeposits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := interfaces.DepositFilter{
		PropertyID: q.Get("property_id"),
		OwnerID:    q.Get("owner_id"),
		TenantID:   q.Get("tenant_id"),
	}
	if status := q.Get("status"); status != "" {
		filter.Statuses = []models.DepositStatus{models.DepositStatus(status)}
	}
	deposits, err := s.org.Sagas.Deposits(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (s *Server) accrueInterest(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if asOf.IsZero() {
		asOf = models.DateOf(time.Now().UTC())
	}
	id := r.PathValue("id")
	interest, err := s.org.Sagas.AccrueInterest(r.Context(), id, asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposit_id": id, "as_of": asOf.Format(dateLayout), "interest": interest})
}

// Package gateway talks to the external payment gateway that moves money
// out of trust accounts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

// HTTPGateway posts disbursements to the gateway's REST endpoint. The
// disbursement id is sent as the Idempotency-Key header, so a retried saga
// step never pays twice.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewHTTPGateway(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPGateway {
	logger = observability.OrNop(logger)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "payment-gateway",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
			// a declined disbursement is an answer, not an outage
			IsSuccessful: func(err error) bool {
				return err == nil || models.KindOf(err) != models.KindInternal
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		logger: logger,
	}
}

type disburseRequest struct {
	Kind     string `json:"kind"`
	PayeeID  string `json:"payee_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Memo     string `json:"memo,omitempty"`
}

type disburseResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

func (g *HTTPGateway) Disburse(ctx context.Context, d interfaces.Disbursement) (string, error) {
	body, err := json.Marshal(disburseRequest{
		Kind:     string(d.Kind),
		PayeeID:  d.PayeeID,
		Amount:   d.Amount,
		Currency: d.Currency,
		Memo:     d.Memo,
	})
	if err != nil {
		return "", fmt.Errorf("marshal disbursement: %w", err)
	}

	ref, err := g.breaker.Execute(func() (interface{}, error) {
		return g.post(ctx, d.ID, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("payment gateway unavailable: %w", err)
	}
	if err != nil {
		return "", err
	}
	g.logger.Info("disbursement accepted",
		zap.String("disbursement_id", d.ID),
		zap.String("kind", string(d.Kind)),
		zap.Int64("amount", d.Amount),
		zap.String("reference", ref.(string)),
	)
	return ref.(string), nil
}

func (g *HTTPGateway) post(ctx context.Context, id string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/disbursements", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	var out disburseResponse
	decodeErr := json.Unmarshal(raw, &out)
	if decodeErr != nil {
		g.logger.Warn("gateway response is not valid JSON",
			zap.String("disbursement_id", id),
			zap.Int("status", resp.StatusCode),
			zap.Error(decodeErr),
		)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("payment gateway rejected disbursement (%d)", resp.StatusCode)
		}
		return "", models.WithMetadata(models.CodeInvalid, msg, map[string]string{"disbursement_id": id})
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode gateway response: %w", decodeErr)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("payment gateway response has no reference")
	}
	return out.Reference, nil
}

var _ interfaces.PaymentGateway = (*HTTPGateway)(nil)

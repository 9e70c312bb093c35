package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/property-ledger-core/internal/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
	evpayload "github.com/sheikh-saqib/property-ledger-core/internal/models/events"
	"github.com/sheikh-saqib/property-ledger-core/internal/sagas"
)

// registerTriggers wires the events that start sagas. Handler names are the
// dedupe scope and must not change.
func (o *Org) registerTriggers() {
	o.Registry.Register("payment-saga", models.EventGatewayPaymentOK, o.onGatewayPayment)
	o.Registry.Register("nsf-saga", models.EventGatewayPaymentReturn, o.onGatewayReturn)
	o.Registry.Register("period-close-saga", models.EventPeriodEndReached, o.onPeriodEnd)
	o.Registry.Register("bank-match", models.EventBankTxImported, o.onBankImported)
}

func (o *Org) onGatewayPayment(ctx context.Context, event models.Event) error {
	var p evpayload.GatewayPayment
	if err := events.Decode(event, &p); err != nil {
		return err
	}
	if p.Currency != "" && p.Currency != o.Config.Currency {
		o.logger.Warn("ignoring gateway payment in foreign currency",
			zap.String("payment_id", p.PaymentID),
			zap.String("currency", p.Currency),
		)
		return nil
	}
	receivedOn := p.OccurredAt
	if receivedOn.IsZero() {
		receivedOn = event.CreatedAt
	}
	_, err := o.Sagas.ProcessPayment(ctx, sagas.PaymentPayload{
		PaymentID:   p.PaymentID,
		TenantID:    p.TenantID,
		PropertyID:  p.PropertyID,
		Amount:      p.Amount,
		Method:      p.Method,
		ExternalRef: p.ExternalRef,
		ReceivedOn:  receivedOn,
	})
	return o.sagaOutcome(event, sagas.TypePayment, err)
}

func (o *Org) onGatewayReturn(ctx context.Context, event models.Event) error {
	var p evpayload.GatewayPayment
	if err := events.Decode(event, &p); err != nil {
		return err
	}
	returnedOn := p.OccurredAt
	if returnedOn.IsZero() {
		returnedOn = event.CreatedAt
	}
	_, err := o.Sagas.HandleNSF(ctx, sagas.NSFPayload{
		PaymentID:  p.PaymentID,
		Reason:     p.Reason,
		ReturnedOn: returnedOn,
	})
	return o.sagaOutcome(event, sagas.TypeNSF, err)
}

func (o *Org) onPeriodEnd(ctx context.Context, event models.Event) error {
	var p evpayload.PeriodEndReached
	if err := events.Decode(event, &p); err != nil {
		return err
	}
	if p.ClosedBy == "" {
		p.ClosedBy = "scheduler"
	}
	_, err := o.Sagas.ClosePeriod(ctx, sagas.PeriodClosePayload{PeriodID: p.PeriodID, ClosedBy: p.ClosedBy})
	return o.sagaOutcome(event, sagas.TypePeriodClose, err)
}

func (o *Org) onBankImported(ctx context.Context, event models.Event) error {
	var p evpayload.BankTransactionImported
	if err := events.Decode(event, &p); err != nil {
		return err
	}
	entryID, err := o.Bank.MatchTransaction(ctx, p.ExternalID)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return nil
		}
		return err
	}
	if entryID != "" {
		o.logger.Debug("bank transaction matched",
			zap.String("external_id", p.ExternalID),
			zap.String("entry_id", entryID),
		)
	}
	return nil
}

// sagaOutcome decides whether a trigger is retried. A saga that already runs
// under the same key, or one that failed and compensated, is final; only
// infrastructure errors go back to the worker.
func (o *Org) sagaOutcome(event models.Event, sagaType string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrSagaActive):
		o.logger.Debug("saga already running for event",
			zap.String("event_id", event.ID),
			zap.String("saga_type", sagaType),
		)
		return nil
	case errors.Is(err, models.ErrSagaStep), models.KindOf(err) == models.KindValidation:
		o.logger.Warn("event-triggered saga failed",
			zap.String("event_id", event.ID),
			zap.String("saga_type", sagaType),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}

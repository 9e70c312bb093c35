package sagas

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

func paymentKey(p PaymentPayload) string           { return "payment:" + p.PaymentID }
func distributionKey(p DistributionPayload) string { return "distribution:" + p.DistributionID }
func sweepKey(p SweepPayload) string               { return "sweep:" + p.SweepID }
func billKey(p BillPayload) string                 { return "bill:" + p.BillID }
func periodCloseKey(p PeriodClosePayload) string   { return "period-close:" + p.PeriodID }
func nsfKey(p NSFPayload) string                   { return "nsf:" + p.PaymentID }

func depositCollectKey(p DepositCollectPayload) string { return "deposit-collect:" + p.DepositID }
func depositReturnKey(p DepositReturnPayload) string   { return "deposit-return:" + p.DepositID }
func depositTransferKey(p DepositTransferPayload) string {
	return "deposit-transfer:" + p.DepositID + ":" + p.ToPropertyID
}

// decoder turns a raw payload into the typed one and its idempotency key.
type decoder func(raw json.RawMessage) (payload any, key string, err error)

func decodeAs[T any](id func(T) string, key func(T) string) decoder {
	return func(raw json.RawMessage) (any, string, error) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, "", models.Wrap(models.CodeInvalid, "malformed saga payload", err)
		}
		if id(p) == "" {
			return nil, "", models.NewValidation("saga payload needs its business id")
		}
		return p, key(p), nil
	}
}

var decoders = map[string]decoder{
	TypePayment:         decodeAs(func(p PaymentPayload) string { return p.PaymentID }, paymentKey),
	TypeDistribution:    decodeAs(func(p DistributionPayload) string { return p.DistributionID }, distributionKey),
	TypeSweep:           decodeAs(func(p SweepPayload) string { return p.SweepID }, sweepKey),
	TypeBillPay:         decodeAs(func(p BillPayload) string { return p.BillID }, billKey),
	TypeDepositCollect:  decodeAs(func(p DepositCollectPayload) string { return p.DepositID }, depositCollectKey),
	TypeDepositReturn:   decodeAs(func(p DepositReturnPayload) string { return p.DepositID }, depositReturnKey),
	TypeDepositTransfer: decodeAs(func(p DepositTransferPayload) string { return p.DepositID }, depositTransferKey),
	TypePeriodClose:     decodeAs(func(p PeriodClosePayload) string { return p.PeriodID }, periodCloseKey),
	TypeNSF:             decodeAs(func(p NSFPayload) string { return p.PaymentID }, nsfKey),
}

// Types lists every saga type the runner can execute.
func Types() []string {
	types := make([]string, 0, len(decoders))
	for t := range decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execute runs a saga by type name from a JSON payload. With async the saga
// continues in the background and the returned instance is still running;
// callers poll Await or subscribe to the saga.* events.
func (r *Runner) Execute(ctx context.Context, sagaType string, raw json.RawMessage, async bool) (models.Saga, error) {
	decode, ok := decoders[sagaType]
	if !ok {
		return models.Saga{}, models.WithMetadata(models.CodeInvalid, "unknown saga type", map[string]string{"saga_type": sagaType})
	}
	payload, key, err := decode(raw)
	if err != nil {
		return models.Saga{}, err
	}
	if async {
		return r.orch.Start(ctx, sagaType, key, payload)
	}
	return r.orch.Execute(ctx, sagaType, key, payload)
}

package payment

import (
	"context"
	"log/slog"
)

// Settler runs the remote settlement procedures. A returned error means no
// structured result came back; a row with ErrorMessage is a domain rejection.
type Settler interface {
	SettleDriver(ctx context.Context, req DriverSettlement) (SettlementRow, error)
	SettleMerchant(ctx context.Context, req MerchantSettlement) (SettlementRow, error)
}

// Submitter issues exactly one settlement call per intent
type Submitter struct {
	settler Settler
}

// NewSubmitter creates a new Submitter
func NewSubmitter(settler Settler) *Submitter {
	return &Submitter{settler: settler}
}

// Submit settles intent on behalf of payerID and interprets the result.
// Failures are returned as results, never retried.
func (s *Submitter) Submit(ctx context.Context, intent PaymentIntent, payerID string) SettlementResult {
	var (
		row SettlementRow
		err error
	)
	switch intent.Category {
	case CategoryDriver:
		row, err = s.settler.SettleDriver(ctx, DriverSettlement{
			PayerID:  payerID,
			DriverID: intent.ReferenceID,
			Amount:   intent.TotalAmount,
			TokenID:  intent.TokenID,
			Quantity: intent.Quantity,
		})
	case CategoryMerchant:
		row, err = s.settler.SettleMerchant(ctx, MerchantSettlement{
			PayerID:    payerID,
			MerchantID: intent.ReferenceID,
			Amount:     intent.TotalAmount,
		})
	default:
		slog.Error("Refusing to settle intent without a category", "reference_id", intent.ReferenceID)
		return SettlementResult{Outcome: OutcomeTransportError, Message: ErrPaymentFailed.Error()}
	}

	if err != nil {
		slog.Error("Settlement call failed",
			"category", intent.Category,
			"reference_id", intent.ReferenceID,
			"amount", intent.TotalAmount.String(),
			"error", err,
		)
		return SettlementResult{Outcome: OutcomeTransportError, Message: ErrPaymentFailed.Error()}
	}
	if row.ErrorMessage != "" {
		slog.Info("Settlement rejected",
			"category", intent.Category,
			"reference_id", intent.ReferenceID,
			"message", row.ErrorMessage,
		)
		return SettlementResult{Outcome: OutcomeDomainError, Message: row.ErrorMessage}
	}

	return SettlementResult{Outcome: OutcomeSuccess, TransactionID: row.TransactionID}
}

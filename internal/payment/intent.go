package payment

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultFallbackFee is the ticket price used when a driver has none configured
var DefaultFallbackFee = decimal.NewFromInt(500)

// IntentBuilder derives payment intents from a reference and user input
type IntentBuilder struct {
	FallbackFee decimal.Decimal
}

// Build computes the intent for ref. It is pure: the same inputs always give
// the same intent. quantity below 1 is clamped to 1; entered is only read for
// merchant references without a fixed amount.
func (b IntentBuilder) Build(ref Reference, quantity int, entered string) (PaymentIntent, error) {
	switch {
	case ref.Driver != nil:
		unit := ref.Driver.Fee
		if !unit.IsPositive() {
			unit = b.fallbackFee()
		}
		if quantity < 1 {
			quantity = 1
		}
		return PaymentIntent{
			Category:    CategoryDriver,
			ReferenceID: ref.Driver.DriverID,
			TokenID:     ref.Driver.TokenID,
			UnitAmount:  unit,
			Quantity:    quantity,
			TotalAmount: unit.Mul(decimal.NewFromInt(int64(quantity))),
		}, nil

	case ref.Merchant != nil:
		intent := PaymentIntent{
			Category:    CategoryMerchant,
			ReferenceID: ref.Merchant.MerchantID,
			Quantity:    1,
		}
		if ref.Merchant.Fixed {
			intent.UnitAmount = ref.Merchant.Amount
			intent.TotalAmount = ref.Merchant.Amount
			return intent, nil
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(entered))
		if err != nil || !amount.IsPositive() {
			return intent, ErrInvalidAmount
		}
		intent.UnitAmount = amount
		intent.TotalAmount = amount
		return intent, nil
	}

	return PaymentIntent{}, ErrUnrecognized
}

func (b IntentBuilder) fallbackFee() decimal.Decimal {
	if b.FallbackFee.IsPositive() {
		return b.FallbackFee
	}
	return DefaultFallbackFee
}

// Draft holds the editable inputs of an intent awaiting confirmation.
// The intent is recomputed from the inputs on every read.
type Draft struct {
	builder  IntentBuilder
	ref      Reference
	quantity int
	entered  string
}

// NewDraft starts a draft for ref with quantity 1 and no entered amount
func NewDraft(builder IntentBuilder, ref Reference) *Draft {
	return &Draft{
		builder:  builder,
		ref:      ref,
		quantity: 1,
	}
}

// Reference returns the reference the draft pays
func (d *Draft) Reference() Reference {
	return d.ref
}

// QuantityEditable reports whether the ticket quantity can change
func (d *Draft) QuantityEditable() bool {
	return d.ref.Driver != nil
}

// AmountEditable reports whether the user must enter the amount
func (d *Draft) AmountEditable() bool {
	return d.ref.Merchant != nil && !d.ref.Merchant.Fixed
}

// AdjustQuantity moves the quantity by delta, never below 1. The sum
// saturates instead of wrapping.
func (d *Draft) AdjustQuantity(delta int) error {
	quantity := d.quantity + delta
	if delta > 0 && quantity < d.quantity {
		quantity = math.MaxInt
	}
	return d.SetQuantity(quantity)
}

// SetQuantity sets the ticket quantity, clamped at 1
func (d *Draft) SetQuantity(quantity int) error {
	if !d.QuantityEditable() {
		return ErrQuantityFixed
	}
	d.quantity = max(quantity, 1)
	return nil
}

// SetAmount records the amount text typed by the user
func (d *Draft) SetAmount(entered string) error {
	if !d.AmountEditable() {
		return ErrAmountFixed
	}
	d.entered = entered
	return nil
}

// Intent returns the intent for the current inputs
func (d *Draft) Intent() (PaymentIntent, error) {
	return d.builder.Build(d.ref, d.quantity, d.entered)
}

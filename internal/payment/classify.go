package payment

import "github.com/shopspring/decimal"

// Token type markers. merchant_payment is what the token generator writes.
const (
	typeDriver          = "driver"
	typeMerchant        = "merchant"
	typeMerchantPayment = "merchant_payment"
)

// Classify assigns a category to a decoded payload and keeps only the fields
// that category defines. Driver markers win over merchant markers.
func Classify(p Payload) ClassifiedScan {
	scan := ClassifiedScan{
		Category: CategoryUnknown,
		Raw:      p.Raw(),
	}

	kind := p.String("type")
	switch {
	case kind == typeDriver || p.String("driver_id") != "":
		scan.Category = CategoryDriver
		scan.Driver = &DriverClaim{DriverID: p.String("driver_id")}

	case kind == typeMerchant || kind == typeMerchantPayment || p.String("merchant_id") != "":
		merchantID := p.String("merchant_id")
		if merchantID == "" {
			merchantID = p.String("user_id")
		}
		// Only a positive amount fixes the price; anything else means the payer enters it
		amount, ok := p.Decimal("amount")
		if !ok || !amount.IsPositive() {
			amount = decimal.Zero
		}
		scan.Category = CategoryMerchant
		scan.Merchant = &MerchantClaim{
			MerchantID:   merchantID,
			Amount:       amount,
			BusinessName: p.String("business_name"),
			Description:  p.String("description"),
		}
	}

	return scan
}

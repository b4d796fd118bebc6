package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is the kind of party a scanned payment token refers to
type Category string

const (
	CategoryDriver   Category = "driver"
	CategoryMerchant Category = "merchant"
	CategoryUnknown  Category = "unknown"
)

// DriverClaim holds what a driver token says about itself
type DriverClaim struct {
	DriverID string `json:"driver_id,omitempty"`
}

// MerchantClaim holds what a merchant token says about itself
type MerchantClaim struct {
	MerchantID   string          `json:"merchant_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"` // Zero when the token carries no amount
	BusinessName string          `json:"business_name,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ClassifiedScan is the immutable result of classifying one capture.
// Exactly one of Driver and Merchant is set for those categories.
type ClassifiedScan struct {
	Category Category       `json:"category"`
	Raw      string         `json:"raw"`
	Driver   *DriverClaim   `json:"driver,omitempty"`
	Merchant *MerchantClaim `json:"merchant,omitempty"`
}

// DriverReference is a resolved, active driver token
type DriverReference struct {
	TokenID     string          `json:"token_id"`
	DriverID    string          `json:"driver_id"`
	DriverName  string          `json:"driver_name,omitempty"`
	RouteName   string          `json:"route_name,omitempty"`
	VehicleType string          `json:"vehicle_type,omitempty"`
	Fee         decimal.Decimal `json:"fee"` // Zero when the driver has no fee configured
}

// MerchantReference is a merchant token, resolved from its own payload
type MerchantReference struct {
	MerchantID   string          `json:"merchant_id"`
	BusinessName string          `json:"business_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Fixed        bool            `json:"fixed"` // Amount came from the token and cannot be edited
}

// Reference is the authoritative party a scan resolved to
type Reference struct {
	Category Category           `json:"category"`
	Driver   *DriverReference   `json:"driver,omitempty"`
	Merchant *MerchantReference `json:"merchant,omitempty"`
}

// ID returns the identifier of the party that gets paid
func (r Reference) ID() string {
	switch {
	case r.Driver != nil:
		return r.Driver.DriverID
	case r.Merchant != nil:
		return r.Merchant.MerchantID
	}
	return ""
}

// PaymentIntent is a finalized description of a proposed payment
type PaymentIntent struct {
	Category    Category        `json:"category"`
	ReferenceID string          `json:"reference_id"`
	TokenID     string          `json:"token_id,omitempty"`
	UnitAmount  decimal.Decimal `json:"unit_amount"`
	Quantity    int             `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// WalletSnapshot is a point-in-time read of the payer's wallet
type WalletSnapshot struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Frozen    bool            `json:"is_frozen"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Outcome classifies how a settlement attempt ended
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeDomainError    Outcome = "domain_error"
	OutcomeTransportError Outcome = "transport_error"
)

// SettlementResult is the terminal result of one settlement attempt
type SettlementResult struct {
	Outcome       Outcome `json:"outcome"`
	Message       string  `json:"message,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
}

// Err returns the user-facing error for a failed settlement, nil on success
func (r SettlementResult) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeDomainError:
		return &SettlementError{Message: r.Message}
	}
	return ErrPaymentFailed
}

// DriverSettlement is the input of the transport payment procedure
type DriverSettlement struct {
	PayerID  string          `json:"payer_id"`
	DriverID string          `json:"driver_id"`
	Amount   decimal.Decimal `json:"amount"`
	TokenID  string          `json:"token_id"`
	Quantity int             `json:"quantity"`
}

// MerchantSettlement is the input of the merchant payment procedure
type MerchantSettlement struct {
	PayerID    string          `json:"payer_id"`
	MerchantID string          `json:"merchant_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// SettlementRow is the result row returned by a settlement procedure.
// A non-empty ErrorMessage is a domain rejection.
type SettlementRow struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Profile is the public profile of a token owner
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// ServiceProfile is the transport service a driver offers
type ServiceProfile struct {
	TicketFee   decimal.Decimal `json:"ticket_fee"`
	RouteName   string          `json:"route_name,omitempty"`
	VehicleType string          `json:"vehicle_type,omitempty"`
}

// TokenRecord is a stored payment token. Owner and Service are joined on read.
type TokenRecord struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Category     Category        `json:"category"`
	Payload      string          `json:"payload"`
	Active       bool            `json:"is_active"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	BusinessName string          `json:"business_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Owner        *Profile        `json:"owner,omitempty"`
	Service      *ServiceProfile `json:"service,omitempty"`
}

// Expired reports whether the token is past its expiry at now
func (t *TokenRecord) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenStore persists payment tokens
type TokenStore interface {
	SaveToken(ctx context.Context, token *TokenRecord) error
	GetToken(ctx context.Context, id string) (*TokenRecord, error)
	ListTokens(ctx context.Context, ownerID string) ([]*TokenRecord, error)
	// TokenUsage counts the settled payments made with a token
	TokenUsage(ctx context.Context, tokenID string) (int, error)
}

// TokenStatus is the derived state of a token
type TokenStatus string

const (
	TokenActive   TokenStatus = "active"
	TokenInactive TokenStatus = "inactive"
	TokenExpired  TokenStatus = "expired"
)

// TokenRequest describes a token to issue
type TokenRequest struct {
	Category     Category        `json:"category"`
	OwnerID      string          `json:"owner_id"`
	Amount       decimal.Decimal `json:"amount"`
	BusinessName string          `json:"business_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// TokenSummary is a token with its status and usage
type TokenSummary struct {
	*TokenRecord
	Status     TokenStatus `json:"status"`
	UsageCount int         `json:"usage_count"`
}

// merchantTokenPayload is the document encoded in a merchant payment code
type merchantTokenPayload struct {
	Type         string      `json:"type"`
	MerchantID   string      `json:"merchant_id"`
	Amount       json.Number `json:"amount"`
	BusinessName *string     `json:"business_name"`
	Description  *string     `json:"description"`
	Timestamp    int64       `json:"timestamp"`
}

// driverTokenPayload is the document encoded in a driver payment code
type driverTokenPayload struct {
	Type      string `json:"type"`
	DriverID  string `json:"driver_id"`
	Timestamp int64  `json:"timestamp"`
}

// Tokens issues and manages the payment codes a user hands out
type Tokens struct {
	store      TokenStore
	exports    Storage
	ids        IDGenerator
	timeSource TimeSource
}

// NewTokens creates a new Tokens service
func NewTokens(store TokenStore, exports Storage) *Tokens {
	return NewTokensWithDeps(store, exports, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewTokensWithDeps creates a new Tokens service with custom dependencies for testing
func NewTokensWithDeps(store TokenStore, exports Storage, idGen IDGenerator, timeSrc TimeSource) *Tokens {
	return &Tokens{
		store:      store,
		exports:    exports,
		ids:        idGen,
		timeSource: timeSrc,
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Issue creates a new active token
func (t *Tokens) Issue(ctx context.Context, req TokenRequest) (*TokenRecord, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTokenRequest)
	}
	now := t.timeSource.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidTokenRequest)
	}

	var (
		payload []byte
		err     error
	)
	switch req.Category {
	case CategoryMerchant:
		if !req.Amount.IsPositive() {
			return nil, ErrInvalidAmount
		}
		payload, err = json.Marshal(merchantTokenPayload{
			Type:         typeMerchantPayment,
			MerchantID:   req.OwnerID,
			Amount:       json.Number(req.Amount.String()),
			BusinessName: optional(req.BusinessName),
			Description:  optional(req.Description),
			Timestamp:    now.UnixMilli(),
		})
	case CategoryDriver:
		payload, err = json.Marshal(driverTokenPayload{
			Type:      typeDriver,
			DriverID:  req.OwnerID,
			Timestamp: now.UnixMilli(),
		})
	default:
		return nil, fmt.Errorf("%w: unsupported category %q", ErrInvalidTokenRequest, req.Category)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding token payload: %w", err)
	}

	token := &TokenRecord{
		ID:           t.ids.Generate(),
		OwnerID:      req.OwnerID,
		Category:     req.Category,
		Payload:      string(payload),
		Active:       true,
		ExpiresAt:    req.ExpiresAt,
		BusinessName: strings.TrimSpace(req.BusinessName),
		Description:  strings.TrimSpace(req.Description),
		CreatedAt:    now,
	}
	if err := t.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}
	return token, nil
}

func (t *Tokens) status(token *TokenRecord) TokenStatus {
	switch {
	case token.Expired(t.timeSource.Now()):
		return TokenExpired
	case !token.Active:
		return TokenInactive
	}
	return TokenActive
}

// List returns the tokens of ownerID, newest first
func (t *Tokens) List(ctx context.Context, ownerID string) ([]TokenSummary, error) {
	tokens, err := t.store.ListTokens(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})

	summaries := make([]TokenSummary, 0, len(tokens))
	for _, token := range tokens {
		usage, err := t.store.TokenUsage(ctx, token.ID)
		if err != nil {
			return nil, fmt.Errorf("counting usage of token %s: %w", token.ID, err)
		}
		summaries = append(summaries, TokenSummary{
			TokenRecord: token,
			Status:      t.status(token),
			UsageCount:  usage,
		})
	}
	return summaries, nil
}

func (t *Tokens) owned(ctx context.Context, ownerID, tokenID string) (*TokenRecord, error) {
	token, err := t.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	if token.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return token, nil
}

// SetActive activates or deactivates one of ownerID's tokens.
// Expired tokens cannot be activated again.
func (t *Tokens) SetActive(ctx context.Context, ownerID, tokenID string, active bool) (*TokenRecord, error) {
	token, err := t.owned(ctx, ownerID, tokenID)
	if err != nil {
		return nil, err
	}
	if active && token.Expired(t.timeSource.Now()) {
		return nil, ErrExpired
	}
	token.Active = active
	if err := t.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}
	return token, nil
}

// Export writes the token's payload document to storage and returns its
// file name and content
func (t *Tokens) Export(ctx context.Context, ownerID, tokenID string) (string, []byte, error) {
	token, err := t.owned(ctx, ownerID, tokenID)
	if err != nil {
		return "", nil, err
	}

	data := []byte(token.Payload)
	name, err := t.exports.Save(fmt.Sprintf("%s-qr-%s.json", token.Category, token.ID), data)
	if err != nil {
		return "", nil, fmt.Errorf("saving export: %w", err)
	}
	return name, data, nil
}

// IsTokenNotFound reports whether err means the token does not exist for the caller
func IsTokenNotFound(err error) bool {
	return errors.Is(err, ErrNoToken) || errors.Is(err, ErrNotOwner)
}

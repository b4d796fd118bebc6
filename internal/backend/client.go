package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/fare-wallet/internal/payment"
)

// Client talks to the hosted wallet backend through its REST and RPC endpoints
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var (
	_ payment.ReferenceStore = (*Client)(nil)
	_ payment.WalletStore    = (*Client)(nil)
	_ payment.Settler        = (*Client)(nil)
	_ payment.TokenStore     = (*Client)(nil)
)

// NewClient creates a new Client instance
func NewClient(baseURL string, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("backend API key is required")
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// qrCodeRow is a row of the qr_codes table. Merchants keep their business
// name and description in the route and vehicle columns.
type qrCodeRow struct {
	ID            string            `json:"id"`
	DriverID      string            `json:"driver_id"`
	QRData        string            `json:"qr_data"`
	IsActive      bool              `json:"is_active"`
	ExpiresAt     *time.Time        `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
	RouteInfo     *string           `json:"route_info"`
	VehicleInfo   *string           `json:"vehicle_info"`
	DriverProfile *driverProfileRow `json:"driver_profile,omitempty"`
	Profile       *profileRow       `json:"profile,omitempty"`
}

type driverProfileRow struct {
	TicketFee   decimal.NullDecimal `json:"ticket_fee"`
	RouteName   string              `json:"route_name"`
	VehicleType string              `json:"vehicle_type"`
}

type profileRow struct {
	FullName string `json:"full_name"`
}

type walletRow struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	IsFrozen bool            `json:"is_frozen"`
}

type settlementRow struct {
	TransactionID *string `json:"transaction_id"`
	ErrorMessage  *string `json:"error_message"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *qrCodeRow) record() *payment.TokenRecord {
	token := &payment.TokenRecord{
		ID:           r.ID,
		OwnerID:      r.DriverID,
		Category:     payment.Classify(payment.Decode(r.QRData)).Category,
		Payload:      r.QRData,
		Active:       r.IsActive,
		ExpiresAt:    r.ExpiresAt,
		BusinessName: deref(r.RouteInfo),
		Description:  deref(r.VehicleInfo),
		CreatedAt:    r.CreatedAt,
	}
	if r.Profile != nil {
		token.Owner = &payment.Profile{ID: r.DriverID, FullName: r.Profile.FullName}
	}
	if r.DriverProfile != nil {
		token.Service = &payment.ServiceProfile{
			TicketFee:   r.DriverProfile.TicketFee.Decimal,
			RouteName:   r.DriverProfile.RouteName,
			VehicleType: r.DriverProfile.VehicleType,
		}
	}
	return token
}

// do sends a request and decodes a JSON response into out, when out is non-nil
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, prefer string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FindActiveToken returns the active token stored with exactly payload,
// joined with the owner's driver profile and public profile
func (c *Client) FindActiveToken(ctx context.Context, payload string) (*payment.TokenRecord, error) {
	query := url.Values{}
	query.Set("select", "*,driver_profile:driver_profiles!qr_codes_driver_id_fkey(ticket_fee,route_name,vehicle_type),profile:profiles!qr_codes_driver_id_fkey(full_name)")
	query.Set("qr_data", "eq."+payload)
	query.Set("is_active", "eq.true")
	query.Set("limit", "1")

	var rows []qrCodeRow
	if err := c.do(ctx, http.MethodGet, "/rest/v1/qr_codes", query, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("finding token: %w", err)
	}
	if len(rows) == 0 {
		return nil, payment.ErrNoToken
	}
	return rows[0].record(), nil
}

// Wallet returns the wallet of userID
func (c *Client) Wallet(ctx context.Context, userID string) (payment.WalletSnapshot, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("user_id", "eq."+userID)

	var rows []walletRow
	if err := c.do(ctx, http.MethodGet, "/rest/v1/wallets", query, nil, "", &rows); err != nil {
		return payment.WalletSnapshot{}, fmt.Errorf("fetching wallet: %w", err)
	}
	if len(rows) == 0 {
		return payment.WalletSnapshot{}, fmt.Errorf("%w: %s", payment.ErrNoWallet, userID)
	}
	return payment.WalletSnapshot{
		UserID:    rows[0].UserID,
		Balance:   rows[0].Balance,
		Currency:  rows[0].Currency,
		Frozen:    rows[0].IsFrozen,
		FetchedAt: time.Now(),
	}, nil
}

// rpc calls a settlement procedure and returns its first result row
func (c *Client) rpc(ctx context.Context, procedure string, params map[string]any) (payment.SettlementRow, error) {
	var rows []settlementRow
	if err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+procedure, nil, params, "", &rows); err != nil {
		return payment.SettlementRow{}, fmt.Errorf("calling %s: %w", procedure, err)
	}
	if len(rows) == 0 {
		return payment.SettlementRow{}, fmt.Errorf("calling %s: %w", procedure, payment.ErrNoResult)
	}
	return payment.SettlementRow{
		TransactionID: deref(rows[0].TransactionID),
		ErrorMessage:  deref(rows[0].ErrorMessage),
	}, nil
}

// SettleDriver runs process_transport_payment
func (c *Client) SettleDriver(ctx context.Context, req payment.DriverSettlement) (payment.SettlementRow, error) {
	return c.rpc(ctx, "process_transport_payment", map[string]any{
		"p_passenger_id": req.PayerID,
		"p_driver_id":    req.DriverID,
		"p_amount":       json.Number(req.Amount.String()),
		"p_qr_code_id":   req.TokenID,
		"p_quantity":     req.Quantity,
	})
}

// SettleMerchant runs process_merchant_payment
func (c *Client) SettleMerchant(ctx context.Context, req payment.MerchantSettlement) (payment.SettlementRow, error) {
	return c.rpc(ctx, "process_merchant_payment", map[string]any{
		"p_passenger_id": req.PayerID,
		"p_merchant_id":  req.MerchantID,
		"p_amount":       json.Number(req.Amount.String()),
	})
}

// SaveToken inserts a token, or updates it when the ID exists
func (c *Client) SaveToken(ctx context.Context, token *payment.TokenRecord) error {
	row := qrCodeRow{
		ID:          token.ID,
		DriverID:    token.OwnerID,
		QRData:      token.Payload,
		IsActive:    token.Active,
		ExpiresAt:   token.ExpiresAt,
		CreatedAt:   token.CreatedAt,
		RouteInfo:   nullable(token.BusinessName),
		VehicleInfo: nullable(token.Description),
	}
	if err := c.do(ctx, http.MethodPost, "/rest/v1/qr_codes", nil, row, "resolution=merge-duplicates,return=minimal", nil); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID
func (c *Client) GetToken(ctx context.Context, id string) (*payment.TokenRecord, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("id", "eq."+id)

	var rows []qrCodeRow
	if err := c.do(ctx, http.MethodGet, "/rest/v1/qr_codes", query, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", payment.ErrNoToken, id)
	}
	return rows[0].record(), nil
}

// ListTokens returns the tokens owned by ownerID, newest first
func (c *Client) ListTokens(ctx context.Context, ownerID string) ([]*payment.TokenRecord, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("driver_id", "eq."+ownerID)
	query.Set("order", "created_at.desc")

	var rows []qrCodeRow
	if err := c.do(ctx, http.MethodGet, "/rest/v1/qr_codes", query, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	tokens := make([]*payment.TokenRecord, 0, len(rows))
	for i := range rows {
		tokens = append(tokens, rows[i].record())
	}
	return tokens, nil
}

// TokenUsage counts the transactions paid with tokenID
func (c *Client) TokenUsage(ctx context.Context, tokenID string) (int, error) {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("qr_code_id", "eq."+tokenID)

	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/transactions", query, nil, "", &rows); err != nil {
		return 0, fmt.Errorf("counting token usage: %w", err)
	}
	return len(rows), nil
}

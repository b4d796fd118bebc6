package payment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is the initial data of a local backend
type Seed struct {
	Users  []SeedUser  `yaml:"users"`
	Tokens []SeedToken `yaml:"tokens"`
}

// SeedUser is a user with a wallet and, for drivers, a service profile
type SeedUser struct {
	ID       string       `yaml:"id"`
	FullName string       `yaml:"full_name"`
	Balance  string       `yaml:"balance"`
	Currency string       `yaml:"currency"`
	Frozen   bool         `yaml:"frozen"`
	Service  *SeedService `yaml:"service"`
}

// SeedService is a driver's transport service
type SeedService struct {
	TicketFee   string `yaml:"ticket_fee"`
	RouteName   string `yaml:"route_name"`
	VehicleType string `yaml:"vehicle_type"`
}

// SeedToken is a stored payment token. Payload is the exact scanned text.
type SeedToken struct {
	ID        string     `yaml:"id"`
	OwnerID   string     `yaml:"owner_id"`
	Category  Category   `yaml:"category"`
	Payload   string     `yaml:"payload"`
	Inactive  bool       `yaml:"inactive"`
	ExpiresAt *time.Time `yaml:"expires_at"`
}

// LoadSeed reads a seed file
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	var seed Seed
	if err := yaml.NewDecoder(f).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decoding seed file: %w", err)
	}
	return &seed, nil
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", field, value, err)
	}
	return amount, nil
}

// ApplySeed writes the seed's users and tokens, replacing existing records
// with the same IDs
func (b *BoltDB) ApplySeed(ctx context.Context, seed *Seed) error {
	for _, user := range seed.Users {
		if user.ID == "" {
			return fmt.Errorf("seed user without id")
		}
		balance, err := parseAmount("balance of "+user.ID, user.Balance)
		if err != nil {
			return err
		}
		if err := b.SaveProfile(&Profile{ID: user.ID, FullName: user.FullName}); err != nil {
			return fmt.Errorf("saving profile %s: %w", user.ID, err)
		}
		if err := b.SaveWallet(&WalletSnapshot{
			UserID:   user.ID,
			Balance:  balance,
			Currency: user.Currency,
			Frozen:   user.Frozen,
		}); err != nil {
			return fmt.Errorf("saving wallet %s: %w", user.ID, err)
		}
		if user.Service == nil {
			continue
		}
		fee, err := parseAmount("ticket fee of "+user.ID, user.Service.TicketFee)
		if err != nil {
			return err
		}
		if err := b.SaveServiceProfile(user.ID, &ServiceProfile{
			TicketFee:   fee,
			RouteName:   user.Service.RouteName,
			VehicleType: user.Service.VehicleType,
		}); err != nil {
			return fmt.Errorf("saving service profile %s: %w", user.ID, err)
		}
	}

	now := b.timeSource.Now()
	for _, token := range seed.Tokens {
		if token.ID == "" || token.Payload == "" {
			return fmt.Errorf("seed token needs an id and a payload")
		}
		if err := b.SaveToken(ctx, &TokenRecord{
			ID:        token.ID,
			OwnerID:   token.OwnerID,
			Category:  token.Category,
			Payload:   token.Payload,
			Active:    !token.Inactive,
			ExpiresAt: token.ExpiresAt,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("saving token %s: %w", token.ID, err)
		}
	}
	return nil
}

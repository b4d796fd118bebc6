package payment

import "context"

// WalletStore reads wallet snapshots
type WalletStore interface {
	// Wallet returns the current wallet of userID. ErrNoWallet when none.
	Wallet(ctx context.Context, userID string) (WalletSnapshot, error)
}

// Allow reports whether a payment may be submitted from wallet.
// Sufficient balance is not checked here: the settlement backend owns that
// decision because the balance can move between this check and settlement.
func Allow(wallet WalletSnapshot) bool {
	return !wallet.Frozen
}

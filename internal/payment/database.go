package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	tokensBucket       = "tokens"
	tokenPayloadBucket = "token_payloads"
	profilesBucket     = "profiles"
	servicesBucket     = "service_profiles"
	walletsBucket      = "wallets"
	transactionsBucket = "transactions"
)

// Rejections returned by the local settlement procedures
const (
	msgWalletNotFound      = "Wallet not found"
	msgWalletFrozen        = "Wallet is frozen"
	msgInsufficientBalance = "Insufficient balance"
	msgInvalidToken        = "Invalid or inactive QR code"
	msgInvalidAmount       = "Invalid amount"
	msgSelfPayment         = "Cannot pay yourself"
)

// Transaction is a settled payment
type Transaction struct {
	ID        string          `json:"id"`
	PayerID   string          `json:"payer_id"`
	PayeeID   string          `json:"payee_id"`
	Category  Category        `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	TokenID   string          `json:"token_id,omitempty"`
	Quantity  int             `json:"quantity,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BoltDB is the local backend. It stores tokens, profiles and wallets and
// runs settlement procedures inside a single transaction.
type BoltDB struct {
	db         *bbolt.DB
	ids        IDGenerator
	timeSource TimeSource
}

var (
	_ ReferenceStore = (*BoltDB)(nil)
	_ WalletStore    = (*BoltDB)(nil)
	_ Settler        = (*BoltDB)(nil)
	_ TokenStore     = (*BoltDB)(nil)

	_ TransactionLister = (*BoltDB)(nil)
)

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithDeps(path, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewBoltDBWithDeps creates a new BoltDB instance with custom dependencies for testing
func NewBoltDBWithDeps(path string, idGen IDGenerator, timeSrc TimeSource) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{tokensBucket, tokenPayloadBucket, profilesBucket, servicesBucket, walletsBucket, transactionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, ids: idGen, timeSource: timeSrc}, nil
}

func put(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

// get unmarshals the record at key into v and reports whether it exists
func get(tx *bbolt.Tx, bucket, key string, v any) (bool, error) {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s record: %w", bucket, err)
	}
	return true, nil
}

// SaveToken saves a token and indexes it by payload. Several tokens may
// share a payload; the index holds the IDs of all of them.
func (b *BoltDB) SaveToken(_ context.Context, token *TokenRecord) error {
	if token.Payload == "" {
		return fmt.Errorf("saving token %s: empty payload", token.ID)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		var previous TokenRecord
		found, err := get(tx, tokensBucket, token.ID, &previous)
		if err != nil {
			return err
		}
		if found && previous.Payload != token.Payload {
			if err := unindexPayload(tx, previous.Payload, token.ID); err != nil {
				return err
			}
		}

		// Joined fields are never stored
		stored := *token
		stored.Owner = nil
		stored.Service = nil
		if err := put(tx, tokensBucket, token.ID, &stored); err != nil {
			return err
		}

		ids, err := tx.Bucket([]byte(tokenPayloadBucket)).CreateBucketIfNotExists([]byte(token.Payload))
		if err != nil {
			return fmt.Errorf("indexing token payload: %w", err)
		}
		return ids.Put([]byte(token.ID), []byte{})
	})
}

// unindexPayload removes id from the index entry of payload, dropping the
// entry once no token uses it
func unindexPayload(tx *bbolt.Tx, payload, id string) error {
	index := tx.Bucket([]byte(tokenPayloadBucket))
	ids := index.Bucket([]byte(payload))
	if ids == nil {
		return nil
	}
	if err := ids.Delete([]byte(id)); err != nil {
		return fmt.Errorf("unindexing token payload: %w", err)
	}
	if k, _ := ids.Cursor().First(); k == nil {
		return index.DeleteBucket([]byte(payload))
	}
	return nil
}

// GetToken retrieves a token by ID
func (b *BoltDB) GetToken(_ context.Context, id string) (*TokenRecord, error) {
	var token TokenRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := get(tx, tokensBucket, id, &token)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNoToken, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListTokens returns the tokens owned by ownerID
func (b *BoltDB) ListTokens(_ context.Context, ownerID string) ([]*TokenRecord, error) {
	tokens := make([]*TokenRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tokensBucket)).ForEach(func(k, v []byte) error {
			var token TokenRecord
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("unmarshaling token: %w", err)
			}
			if token.OwnerID == ownerID {
				tokens = append(tokens, &token)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// TokenUsage counts the transactions settled against tokenID
func (b *BoltDB) TokenUsage(_ context.Context, tokenID string) (int, error) {
	count := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transactionsBucket)).ForEach(func(k, v []byte) error {
			var txn Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if txn.TokenID == tokenID {
				count++
			}
			return nil
		})
	})
	return count, err
}

// FindActiveToken returns an active, unexpired token stored with exactly
// payload, joined with its owner's profile and service profile
func (b *BoltDB) FindActiveToken(_ context.Context, payload string) (*TokenRecord, error) {
	var token TokenRecord
	now := b.timeSource.Now()
	err := b.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket([]byte(tokenPayloadBucket)).Bucket([]byte(payload))
		if ids == nil {
			return ErrNoToken
		}
		matched := false
		err := ids.ForEach(func(id, _ []byte) error {
			if matched {
				return nil
			}
			var candidate TokenRecord
			found, err := get(tx, tokensBucket, string(id), &candidate)
			if err != nil {
				return err
			}
			if found && candidate.Active && !candidate.Expired(now) {
				token = candidate
				matched = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !matched {
			return ErrNoToken
		}

		var profile Profile
		if found, err := get(tx, profilesBucket, token.OwnerID, &profile); err != nil {
			return err
		} else if found {
			token.Owner = &profile
		}
		var service ServiceProfile
		if found, err := get(tx, servicesBucket, token.OwnerID, &service); err != nil {
			return err
		} else if found {
			token.Service = &service
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// SaveProfile saves a user's public profile
func (b *BoltDB) SaveProfile(profile *Profile) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, profilesBucket, profile.ID, profile)
	})
}

// SaveServiceProfile saves the transport service offered by driverID
func (b *BoltDB) SaveServiceProfile(driverID string, service *ServiceProfile) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, servicesBucket, driverID, service)
	})
}

// SaveWallet saves a wallet
func (b *BoltDB) SaveWallet(wallet *WalletSnapshot) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		stored := *wallet
		stored.FetchedAt = time.Time{}
		return put(tx, walletsBucket, wallet.UserID, &stored)
	})
}

// Wallet returns the current wallet of userID
func (b *BoltDB) Wallet(_ context.Context, userID string) (WalletSnapshot, error) {
	var wallet WalletSnapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		found, err := get(tx, walletsBucket, userID, &wallet)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNoWallet, userID)
		}
		return nil
	})
	if err != nil {
		return WalletSnapshot{}, err
	}
	wallet.FetchedAt = b.timeSource.Now()
	return wallet, nil
}

// ListTransactions returns the transactions userID paid or received, newest first
func (b *BoltDB) ListTransactions(_ context.Context, userID string) ([]*Transaction, error) {
	txns := make([]*Transaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(transactionsBucket)).ForEach(func(k, v []byte) error {
			var txn Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if txn.PayerID == userID || txn.PayeeID == userID {
				txns = append(txns, &txn)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].CreatedAt.After(txns[j].CreatedAt)
	})
	return txns, nil
}

// rejection aborts a settlement transaction with a domain error
type rejection string

func (r rejection) Error() string {
	return string(r)
}

// SettleDriver moves a transport fare from the payer to the driver
func (b *BoltDB) SettleDriver(_ context.Context, req DriverSettlement) (SettlementRow, error) {
	return b.settle(func(tx *bbolt.Tx) (*Transaction, error) {
		var token TokenRecord
		found, err := get(tx, tokensBucket, req.TokenID, &token)
		if err != nil {
			return nil, err
		}
		if !found || !token.Active || token.OwnerID != req.DriverID || token.Expired(b.timeSource.Now()) {
			return nil, rejection(msgInvalidToken)
		}
		quantity := max(req.Quantity, 1)
		return &Transaction{
			PayerID:  req.PayerID,
			PayeeID:  req.DriverID,
			Category: CategoryDriver,
			Amount:   req.Amount,
			TokenID:  req.TokenID,
			Quantity: quantity,
		}, nil
	})
}

// SettleMerchant moves a merchant payment from the payer to the merchant
func (b *BoltDB) SettleMerchant(_ context.Context, req MerchantSettlement) (SettlementRow, error) {
	return b.settle(func(tx *bbolt.Tx) (*Transaction, error) {
		return &Transaction{
			PayerID:  req.PayerID,
			PayeeID:  req.MerchantID,
			Category: CategoryMerchant,
			Amount:   req.Amount,
		}, nil
	})
}

// settle validates and applies the transaction built by prepare. Domain
// rejections roll back and come back as the row's error message.
func (b *BoltDB) settle(prepare func(*bbolt.Tx) (*Transaction, error)) (SettlementRow, error) {
	var txn *Transaction
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		txn, err = prepare(tx)
		if err != nil {
			return err
		}
		if !txn.Amount.IsPositive() {
			return rejection(msgInvalidAmount)
		}
		if txn.PayerID == txn.PayeeID {
			return rejection(msgSelfPayment)
		}

		var payer WalletSnapshot
		found, err := get(tx, walletsBucket, txn.PayerID, &payer)
		if err != nil {
			return err
		}
		if !found {
			return rejection(msgWalletNotFound)
		}
		if payer.Frozen {
			return rejection(msgWalletFrozen)
		}
		if payer.Balance.LessThan(txn.Amount) {
			return rejection(msgInsufficientBalance)
		}

		var payee WalletSnapshot
		found, err = get(tx, walletsBucket, txn.PayeeID, &payee)
		if err != nil {
			return err
		}
		if !found {
			payee = WalletSnapshot{UserID: txn.PayeeID, Balance: decimal.Zero, Currency: payer.Currency}
		}

		payer.Balance = payer.Balance.Sub(txn.Amount)
		payee.Balance = payee.Balance.Add(txn.Amount)
		txn.ID = b.ids.Generate()
		txn.CreatedAt = b.timeSource.Now()

		if err := put(tx, walletsBucket, payer.UserID, &payer); err != nil {
			return err
		}
		if err := put(tx, walletsBucket, payee.UserID, &payee); err != nil {
			return err
		}
		return put(tx, transactionsBucket, txn.ID, txn)
	})

	var rejected rejection
	if errors.As(err, &rejected) {
		return SettlementRow{ErrorMessage: string(rejected)}, nil
	}
	if err != nil {
		return SettlementRow{}, fmt.Errorf("settling payment: %w", err)
	}
	return SettlementRow{TransactionID: txn.ID}, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

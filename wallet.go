package main

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// WalletKind distinguishes the wallet shapes the ledger serves: a plain
// per-user wallet, its escrow counterpart, per-task pooled wallets, and
// the system kind given to app_gateway_wallet. Temporary withdrawal
// wallets are plain user-kind wallets identified by a freshly-minted id.
type WalletKind string

const (
	WalletKindUser   WalletKind = "user"
	WalletKindLocked WalletKind = "user_locked"
	WalletKindTask   WalletKind = "task"
	WalletKindSystem WalletKind = "system"
)

// AppGatewayWalletID is the singleton off-ledger cash counterparty.
const AppGatewayWalletID = "app_gateway_wallet"

// Wallet is a per-owner ledger account: a single row per wallet, since
// the linked-list model keeps balances on the Balance transaction rows
// themselves rather than summing an entry table.
type Wallet struct {
	ID               string         `gorm:"primaryKey;column:id"`
	Kind             WalletKind     `gorm:"column:kind;not null;index:idx_wallet_kind"`
	TransactionHead  JSONMap        `gorm:"column:transaction_head;type:varchar(2048)"`
	LockID           *time.Time     `gorm:"column:lock_id"`
	CreatedAt        time.Time
}

func (Wallet) TableName() string { return "wallets" }

// LockedWalletID returns the id of u's escrow wallet.
func LockedWalletID(userID string) string { return userID + "_locked" }

// ensureWallet lazily upserts a wallet row on first reference. It must
// be called inside the caller's transaction so the upsert participates
// in the same atomic scope as the lock acquisition that follows it.
func ensureWallet(tx *gorm.DB, id string, kind WalletKind) error {
	w := &Wallet{ID: id, Kind: kind, TransactionHead: JSONMap{}}
	return tx.Where("id = ?", id).
		Attrs(Wallet{Kind: kind, TransactionHead: JSONMap{}}).
		FirstOrCreate(w).Error
}

// acquireWalletLock takes the short-term pessimistic wallet lock: it
// sets lock_id = now+ttl via an UPDATE whose WHERE clause only matches
// rows whose existing lock_id is NULL or already expired. Zero rows
// affected means someone else holds the lock.
func acquireWalletLock(tx *gorm.DB, walletID string, ttl time.Duration) error {
	now := time.Now()
	expiry := now.Add(ttl)

	res := tx.Model(&Wallet{}).
		Where("id = ? AND (lock_id IS NULL OR lock_id < ?)", walletID, now).
		Update("lock_id", expiry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ErrWalletLocked{Wallet: walletID}
	}
	return nil
}

func clearWalletLock(tx *gorm.DB, walletID string) error {
	return tx.Model(&Wallet{}).Where("id = ?", walletID).Update("lock_id", nil).Error
}

func getWallet(tx *gorm.DB, walletID string) (*Wallet, error) {
	var w Wallet
	if err := tx.Where("id = ?", walletID).First(&w).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: fmt.Sprintf("wallet:%s", walletID)}
		}
		return nil, err
	}
	return &w, nil
}

// headTransactionID returns the latest Balance transaction id on this
// wallet's chain for currency, or "" if the chain is empty.
func (w *Wallet) headTransactionID(currency CurrencySymbol) string {
	if w.TransactionHead == nil {
		return ""
	}
	v, ok := w.TransactionHead[string(currency)]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func advanceWalletHead(tx *gorm.DB, walletID string, currency CurrencySymbol, txID string) error {
	var w Wallet
	if err := tx.Where("id = ?", walletID).First(&w).Error; err != nil {
		return err
	}
	if w.TransactionHead == nil {
		w.TransactionHead = JSONMap{}
	}
	w.TransactionHead[string(currency)] = txID
	return tx.Model(&Wallet{}).Where("id = ?", walletID).Update("transaction_head", w.TransactionHead).Error
}

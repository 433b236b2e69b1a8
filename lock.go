package main

import (
	"time"

	"gorm.io/gorm"
)

// LockTransaction is an escrow envelope pairing the balance row that
// moved funds into the locked wallet with the row that released them.
type LockTransaction struct {
	ID          string  `gorm:"primaryKey;column:id"`
	UserID      string  `gorm:"column:user_id;not null"`
	LockTxOut   string  `gorm:"column:lock_tx_out;not null"`
	UnlockTxIn  *string `gorm:"column:unlock_tx_in"`
	Triggers    JSONMap `gorm:"column:triggers;type:varchar(1024)"`
	CreatedAt   time.Time
}

func (LockTransaction) TableName() string { return "lock_transactions" }

// LockFunds transfers from the user's wallet into their escrow wallet,
// attaching a freshly-created Lock-transaction id to both balance rows.
func LockFunds(db *gorm.DB, userID string, amount Money, currency CurrencySymbol, triggers map[string]any) (*LockTransaction, error) {
	lock := &LockTransaction{
		ID:       NewULID(),
		UserID:   userID,
		Triggers: JSONMap(triggers),
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		lockTxID := lock.ID
		_, txOutID, err := transfer(tx, transferArgs{
			From:     userID,
			To:       LockedWalletID(userID),
			Amount:   amount,
			Currency: currency,
			Type:     TransactionTypeEscrowLock,
			LockTx:   &lockTxID,
		})
		if err != nil {
			return err
		}
		lock.LockTxOut = txOutID
		return tx.Create(lock).Error
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Unlock releases an escrow lock: rejects if already unlocked, reads
// the original lock_tx_out amount/currency, and transfers it back from
// the escrow wallet to the user's wallet.
func Unlock(db *gorm.DB, lockID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var lock LockTransaction
		if err := tx.Where("id = ?", lockID).First(&lock).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &ErrEntityNotFound{Ident: "lock:" + lockID}
			}
			return err
		}
		if lock.UnlockTxIn != nil {
			return newValidationFail("lock", "lock already unlocked")
		}
		if lock.LockTxOut == "" {
			return newValidationFail("lock", "lock has no originating transaction")
		}

		var outRow BalanceTransaction
		if err := tx.Where("id = ?", lock.LockTxOut).First(&outRow).Error; err != nil {
			return err
		}
		if outRow.AmountOut == nil {
			return newValidationFail("lock", "originating transaction carries no amount_out")
		}

		lockID := lock.ID
		txInID, _, err := transfer(tx, transferArgs{
			From:     LockedWalletID(lock.UserID),
			To:       lock.UserID,
			Amount:   *outRow.AmountOut,
			Currency: outRow.Currency,
			Type:     TransactionTypeEscrowUnlock,
			LockTx:   &lockID,
		})
		if err != nil {
			return err
		}

		lock.UnlockTxIn = &txInID
		return tx.Save(&lock).Error
	})
}

// ProcessLockedPayment unlocks to the original user, then transfers
// the unlocked amount on to payToUserID. These are two separate
// transfers treated as one logical operation; if the second fails the
// first is not automatically reverted and the caller must compensate
// (see DESIGN.md).
func ProcessLockedPayment(db *gorm.DB, lockID, payToUserID string) error {
	var lock LockTransaction
	if err := db.Where("id = ?", lockID).First(&lock).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return &ErrEntityNotFound{Ident: "lock:" + lockID}
		}
		return err
	}

	if err := Unlock(db, lockID); err != nil {
		return err
	}

	var outRow BalanceTransaction
	if err := db.Where("id = ?", lock.LockTxOut).First(&outRow).Error; err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		_, _, err := transfer(tx, transferArgs{
			From:     lock.UserID,
			To:       payToUserID,
			Amount:   *outRow.AmountOut,
			Currency: outRow.Currency,
			Type:     TransactionTypeEscrowUnlock,
		})
		return err
	})
}

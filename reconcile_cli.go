package main

import (
	"os"

	"gorm.io/gorm"
)

// runReconcileCli is the admin entry point for detecting task wallets
// whose balance failed to net to zero after payout.
// Example: commons reconcile
func runReconcileCli(logger Logger) {
	logger = logger.NewSystem("reconcile-task-wallets")

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	mismatches, err := reconcileCompletedTaskWallets(db)
	if err != nil {
		logger.Fatal("Failed to reconcile task wallets", "error", err)
	}

	if len(mismatches) == 0 {
		logger.Info("all completed task wallets net to zero")
		return
	}

	for _, m := range mismatches {
		logger.Error("task wallet did not net to zero after payout",
			"task", m.TaskID, "wallet", m.WalletID, "currency", m.Currency, "remaining", m.Remaining.String())
	}
	os.Exit(1)
}

// taskWalletMismatch describes a completed task whose wallet still
// holds a non-zero balance in some currency — expected to be empty
// once payoutTask has refunded or rewarded every minor unit raised.
type taskWalletMismatch struct {
	TaskID    string
	WalletID  string
	Currency  CurrencySymbol
	Remaining Money
}

func reconcileCompletedTaskWallets(db *gorm.DB) ([]taskWalletMismatch, error) {
	var tasks []TaskRequest
	if err := db.Where("status = ?", TaskStatusCompleted).Find(&tasks).Error; err != nil {
		return nil, err
	}

	var mismatches []taskWalletMismatch
	for _, task := range tasks {
		balances, err := GetBalances(db, task.WalletID)
		if err != nil {
			return nil, err
		}
		for _, b := range balances {
			if !b.Balance.IsZero() {
				mismatches = append(mismatches, taskWalletMismatch{
					TaskID:    task.ID,
					WalletID:  task.WalletID,
					Currency:  b.Currency,
					Remaining: b.Balance,
				})
			}
		}
	}
	return mismatches, nil
}

package main

import (
	"time"

	"gorm.io/gorm"
)

// GatewayTransactionStatus tracks an off-ledger deposit or withdraw
// through its lifecycle.
type GatewayTransactionStatus string

const (
	GatewayStatusInit      GatewayTransactionStatus = "init"
	GatewayStatusPending   GatewayTransactionStatus = "pending"
	GatewayStatusCompleted GatewayTransactionStatus = "completed"
	GatewayStatusFailed    GatewayTransactionStatus = "failed"
)

// GatewayTransactionKind distinguishes deposit from withdraw.
type GatewayTransactionKind string

const (
	GatewayKindDeposit  GatewayTransactionKind = "deposit"
	GatewayKindWithdraw GatewayTransactionKind = "withdraw"
)

// gatewayTimelineEntry is one (status, date) pair in the append-only
// timeline.
type gatewayTimelineEntry struct {
	Status GatewayTransactionStatus `json:"status"`
	At     string                   `json:"at"`
}

// GatewayTransaction records a deposit or withdraw crossing the ledger
// boundary, with an append-only status timeline and a terminal
// Completed or Failed state.
type GatewayTransaction struct {
	ID             string                 `gorm:"primaryKey;column:id"`
	Amount         Money                  `gorm:"column:amount;type:varchar(78);not null"`
	Currency       CurrencySymbol         `gorm:"column:currency;not null"`
	ExternalTxID   string                 `gorm:"column:external_tx_id;index"`
	UserID         string                 `gorm:"column:user_id;not null;index"`
	WithdrawWallet *string                `gorm:"column:withdraw_wallet"`
	Status         GatewayTransactionStatus `gorm:"column:status;not null"`
	Kind           GatewayTransactionKind   `gorm:"column:kind;not null"`
	Timeline       JSONMap                `gorm:"column:timeline;type:varchar(4096)"`
	CreatedAt      time.Time
}

func (GatewayTransaction) TableName() string { return "gateway_transactions" }

func appendTimeline(tx *gorm.DB, g *GatewayTransaction, status GatewayTransactionStatus) error {
	if g.Timeline == nil {
		g.Timeline = JSONMap{}
	}
	entries, _ := g.Timeline["entries"].([]any)
	entries = append(entries, map[string]any{"status": string(status), "at": time.Now().Format(rfc3339Format)})
	g.Timeline["entries"] = entries
	g.Status = status
	return tx.Save(g).Error
}

// DepositStart is deposit phase 1: insert a Gateway transaction addressable
// before the external charge completes.
func DepositStart(db *gorm.DB, id, userID string, amount Money, currency CurrencySymbol, externalTxID string) (*GatewayTransaction, error) {
	g := &GatewayTransaction{
		ID:           id,
		Amount:       amount,
		Currency:     currency,
		ExternalTxID: externalTxID,
		UserID:       userID,
		Status:       GatewayStatusInit,
		Kind:         GatewayKindDeposit,
		Timeline:     JSONMap{},
	}
	if err := db.Create(g).Error; err != nil {
		return nil, err
	}
	if err := appendTimeline(db, g, GatewayStatusInit); err != nil {
		return nil, err
	}
	return g, nil
}

// DepositComplete is deposit phase 2: verifies external_tx_id, transfers
// from app_gateway_wallet to the user's wallet, and marks the gateway
// transaction Completed — all in one atomic transaction.
func DepositComplete(db *gorm.DB, gatewayTxID, externalTxID string, amount Money, currency CurrencySymbol) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var g GatewayTransaction
		if err := tx.Where("id = ?", gatewayTxID).First(&g).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &ErrEntityNotFound{Ident: "gateway_tx:" + gatewayTxID}
			}
			return err
		}
		if g.ExternalTxID != externalTxID {
			return newValidationFail("external_tx_id", "external transaction id does not match")
		}
		if g.Status == GatewayStatusCompleted {
			return nil // replayed confirmation, already credited
		}

		gwTxID := g.ID
		_, _, err := transfer(tx, transferArgs{
			From:     AppGatewayWalletID,
			To:       g.UserID,
			Amount:   amount,
			Currency: currency,
			Type:     TransactionTypeDeposit,
			GatewayTx: &gwTxID,
		})
		if err != nil {
			return err
		}

		return appendTimeline(tx, &g, GatewayStatusCompleted)
	})
}

// WithdrawStart is withdraw phase 1: moves funds out of the spendable
// balance immediately into a freshly-minted temporary withdrawal
// wallet, and records a Pending Gateway transaction.
func WithdrawStart(db *gorm.DB, userID string, amount Money, currency CurrencySymbol) (*GatewayTransaction, error) {
	withdrawWallet := "withdraw_" + NewULID()
	g := &GatewayTransaction{
		ID:             NewULID(),
		Amount:         amount,
		Currency:       currency,
		UserID:         userID,
		WithdrawWallet: &withdrawWallet,
		Status:         GatewayStatusPending,
		Kind:           GatewayKindWithdraw,
		Timeline:       JSONMap{},
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		_, _, err := transfer(tx, transferArgs{
			From:     userID,
			To:       withdrawWallet,
			Amount:   amount,
			Currency: currency,
			Type:     TransactionTypeWithdrawal,
		})
		if err != nil {
			return err
		}
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return appendTimeline(tx, g, GatewayStatusPending)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// WithdrawComplete settles a pending withdrawal into the gateway
// wallet.
func WithdrawComplete(db *gorm.DB, gatewayTxID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var g GatewayTransaction
		if err := tx.Where("id = ?", gatewayTxID).First(&g).Error; err != nil {
			return err
		}
		if g.WithdrawWallet == nil {
			return newValidationFail("gateway_tx", "no withdrawal wallet on this transaction")
		}
		_, _, err := transfer(tx, transferArgs{
			From:      *g.WithdrawWallet,
			To:        AppGatewayWalletID,
			Amount:    g.Amount,
			Currency:  g.Currency,
			Type:      TransactionTypeWithdrawal,
			GatewayTx: &g.ID,
		})
		if err != nil {
			return err
		}
		return appendTimeline(tx, &g, GatewayStatusCompleted)
	})
}

// WithdrawRevert returns a failed withdrawal's funds to the user.
func WithdrawRevert(db *gorm.DB, gatewayTxID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var g GatewayTransaction
		if err := tx.Where("id = ?", gatewayTxID).First(&g).Error; err != nil {
			return err
		}
		if g.WithdrawWallet == nil {
			return newValidationFail("gateway_tx", "no withdrawal wallet on this transaction")
		}
		_, _, err := transfer(tx, transferArgs{
			From:      *g.WithdrawWallet,
			To:        g.UserID,
			Amount:    g.Amount,
			Currency:  g.Currency,
			Type:      TransactionTypeWithdrawal,
			GatewayTx: &g.ID,
		})
		if err != nil {
			return err
		}
		return appendTimeline(tx, &g, GatewayStatusFailed)
	})
}

// ListGatewayTransactions returns a user's gateway transactions,
// paginated and filterable by status and kind.
func ListGatewayTransactions(db *gorm.DB, userID string, status *GatewayTransactionStatus, kind *GatewayTransactionKind, opts *ListOptions) ([]GatewayTransaction, error) {
	q := db.Model(&GatewayTransaction{}).Where("user_id = ?", userID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if kind != nil {
		q = q.Where("kind = ?", *kind)
	}
	q = applyListOptions(q, "id", SortTypeDescending, opts)

	var rows []GatewayTransaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

package main

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TransactionType tags every Balance transaction row for the
// /api/wallet/history listing, including the task-specific kinds the
// donation and payout flows stamp.
type TransactionType int

const (
	TransactionTypeTransfer     TransactionType = 100
	TransactionTypeDeposit      TransactionType = 201
	TransactionTypeWithdrawal   TransactionType = 202
	TransactionTypeEscrowLock   TransactionType = 401
	TransactionTypeEscrowUnlock TransactionType = 402
	TransactionTypeTaskDonation TransactionType = 501
	TransactionTypeTaskRefund   TransactionType = 502
	TransactionTypeTaskReward   TransactionType = 503
)

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeTransfer:
		return "transfer"
	case TransactionTypeDeposit:
		return "deposit"
	case TransactionTypeWithdrawal:
		return "withdrawal"
	case TransactionTypeEscrowLock:
		return "escrow_lock"
	case TransactionTypeEscrowUnlock:
		return "escrow_unlock"
	case TransactionTypeTaskDonation:
		return "task_donation"
	case TransactionTypeTaskRefund:
		return "task_refund"
	case TransactionTypeTaskReward:
		return "task_reward"
	default:
		return ""
	}
}

// parseTransactionType resolves the CLI/query-string form of a
// TransactionType, used by the export-transactions admin subcommand.
func parseTransactionType(s string) (TransactionType, error) {
	for _, t := range []TransactionType{
		TransactionTypeTransfer, TransactionTypeDeposit, TransactionTypeWithdrawal,
		TransactionTypeEscrowLock, TransactionTypeEscrowUnlock,
		TransactionTypeTaskDonation, TransactionTypeTaskRefund, TransactionTypeTaskReward,
	} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction type %q", s)
}

// BalanceTransaction is a linked-list node per (wallet, currency)
// chain. Insert-only; never mutated after creation.
type BalanceTransaction struct {
	ID         string          `gorm:"primaryKey;column:id"`
	Wallet     string          `gorm:"column:wallet;not null;index:idx_bt_wallet_currency"`
	WithWallet string          `gorm:"column:with_wallet;not null"`
	Title      string          `gorm:"column:title"`
	TxIdent    string          `gorm:"column:tx_ident;not null;index:idx_bt_tx_ident"`
	Type       TransactionType `gorm:"column:tx_type;not null"`
	GatewayTx  *string         `gorm:"column:gateway_tx"`
	LockTx     *string         `gorm:"column:lock_tx"`
	Currency   CurrencySymbol  `gorm:"column:currency;not null;index:idx_bt_wallet_currency"`
	AmountIn   *Money          `gorm:"column:amount_in;type:varchar(78)"`
	AmountOut  *Money          `gorm:"column:amount_out;type:varchar(78)"`
	Balance    Money           `gorm:"column:balance;type:varchar(78);not null"`
	CreatedAt  time.Time
}

func (BalanceTransaction) TableName() string { return "balance_transactions" }

// transferArgs bundles a transfer's parameters.
type transferArgs struct {
	From       string
	To         string
	Amount     Money
	Currency   CurrencySymbol
	Type       TransactionType
	Title      string
	GatewayTx  *string
	LockTx     *string
	LockTTL    time.Duration
}

const defaultWalletLockTTL = 10 * time.Second

// transfer moves amount between two wallet chains as a single atomic
// routine. The caller must already be inside a *gorm.DB transaction;
// transfer never opens its own, since callers (task payout, gateway
// bridge, escrow) need to bundle it with other row writes in the same
// atomic scope.
func transfer(tx *gorm.DB, args transferArgs) (txInID, txOutID string, err error) {
	if !args.Amount.IsPositive() {
		return "", "", newValidationFail("amount", "transfer amount must be positive")
	}
	ttl := args.LockTTL
	if ttl == 0 {
		ttl = defaultWalletLockTTL
	}

	// Step 1: ensure sender exists (gateway/task wallets are lazily
	// created the same as user wallets) and acquire its lock.
	if err := ensureWallet(tx, args.From, walletKindFor(args.From)); err != nil {
		return "", "", err
	}
	if err := acquireWalletLock(tx, args.From, ttl); err != nil {
		return "", "", err
	}

	// Step 2: ensure receiver exists and acquire its lock.
	if err := ensureWallet(tx, args.To, walletKindFor(args.To)); err != nil {
		return "", "", err
	}
	if err := acquireWalletLock(tx, args.To, ttl); err != nil {
		return "", "", err
	}

	// Step 3: read sender head balance.
	sender, err := getWallet(tx, args.From)
	if err != nil {
		return "", "", err
	}
	balanceBefore, err := headBalance(tx, sender, args.Currency)
	if err != nil {
		return "", "", err
	}

	// Step 4: solvency check, exempting the gateway wallet.
	if args.From != AppGatewayWalletID && balanceBefore.LessThan(args.Amount) {
		return "", "", &ErrBalanceTooLow{Wallet: args.From, Currency: args.Currency}
	}

	// Step 5: shared tx_ident.
	txIdent := NewULID()

	// Step 6: append sender row.
	outRow := &BalanceTransaction{
		ID:         NewULID(),
		Wallet:     args.From,
		WithWallet: args.To,
		Title:      args.Title,
		TxIdent:    txIdent,
		Type:       args.Type,
		GatewayTx:  args.GatewayTx,
		LockTx:     args.LockTx,
		Currency:   args.Currency,
		AmountOut:  &args.Amount,
		Balance:    balanceBefore.Sub(args.Amount),
	}
	if err := tx.Create(outRow).Error; err != nil {
		return "", "", err
	}

	// Step 7: advance sender head, clear its lock.
	if err := advanceWalletHead(tx, args.From, args.Currency, outRow.ID); err != nil {
		return "", "", err
	}
	if err := clearWalletLock(tx, args.From); err != nil {
		return "", "", err
	}

	// Step 8: read receiver head balance.
	receiver, err := getWallet(tx, args.To)
	if err != nil {
		return "", "", err
	}
	balanceTo, err := headBalance(tx, receiver, args.Currency)
	if err != nil {
		return "", "", err
	}

	// Step 9: append receiver row.
	inRow := &BalanceTransaction{
		ID:         NewULID(),
		Wallet:     args.To,
		WithWallet: args.From,
		Title:      args.Title,
		TxIdent:    txIdent,
		Type:       args.Type,
		GatewayTx:  args.GatewayTx,
		LockTx:     args.LockTx,
		Currency:   args.Currency,
		AmountIn:   &args.Amount,
		Balance:    balanceTo.Add(args.Amount),
	}
	if err := tx.Create(inRow).Error; err != nil {
		return "", "", err
	}

	// Step 10: advance receiver head, clear its lock.
	if err := advanceWalletHead(tx, args.To, args.Currency, inRow.ID); err != nil {
		return "", "", err
	}
	if err := clearWalletLock(tx, args.To); err != nil {
		return "", "", err
	}

	return inRow.ID, outRow.ID, nil
}

// walletKindFor infers the wallet kind from its id shape, used only for
// the lazy-creation Attrs default — existing rows keep their real kind.
func walletKindFor(id string) WalletKind {
	switch {
	case id == AppGatewayWalletID:
		return WalletKindSystem
	case len(id) > len("_locked") && id[len(id)-len("_locked"):] == "_locked":
		return WalletKindLocked
	default:
		return WalletKindUser
	}
}

func headBalance(tx *gorm.DB, w *Wallet, currency CurrencySymbol) (Money, error) {
	headID := w.headTransactionID(currency)
	if headID == "" {
		return ZeroMoney, nil
	}
	var row BalanceTransaction
	if err := tx.Where("id = ?", headID).First(&row).Error; err != nil {
		return ZeroMoney, err
	}
	return row.Balance, nil
}

// GetBalance returns the current balance of walletID in currency.
func GetBalance(db *gorm.DB, walletID string, currency CurrencySymbol) (Money, error) {
	w, err := getWallet(db, walletID)
	if err != nil {
		if _, ok := err.(*ErrEntityNotFound); ok {
			return ZeroMoney, nil
		}
		return ZeroMoney, err
	}
	return headBalance(db, w, currency)
}

// GetBalances returns the current balance in every currency that has
// ever moved through walletID.
func GetBalances(db *gorm.DB, walletID string) ([]WalletBalance, error) {
	type row struct {
		Currency CurrencySymbol
		Balance  Money
	}
	var rows []row
	if err := db.Model(&BalanceTransaction{}).
		Where("wallet = ?", walletID).
		Select("currency, balance").
		Where("id IN (SELECT MAX(id) FROM balance_transactions WHERE wallet = ? GROUP BY currency)", walletID).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]WalletBalance, len(rows))
	for i, r := range rows {
		out[i] = WalletBalance{Currency: r.Currency, Balance: r.Balance}
	}
	return out, nil
}

// WalletBalance is the response shape for GET /api/wallet/balance.
type WalletBalance struct {
	Currency CurrencySymbol `json:"currency"`
	Balance  Money          `json:"balance"`
}

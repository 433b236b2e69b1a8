package main

import (
	"gorm.io/gorm"
)

// TransactionResponse is the /api/wallet/history row shape, carrying
// the viewer's nickname for the counterparty when one is set.
type TransactionResponse struct {
	ID         string          `json:"id"`
	TxType     string          `json:"tx_type"`
	Wallet     string          `json:"wallet"`
	WithWallet string          `json:"with_wallet"`
	WithTag    string          `json:"with_wallet_nickname,omitempty"`
	Currency   CurrencySymbol  `json:"currency"`
	AmountIn   *Money          `json:"amount_in,omitempty"`
	AmountOut  *Money          `json:"amount_out,omitempty"`
	Balance    Money           `json:"balance"`
	CreatedAt  string          `json:"created_at"`
}

// ListWalletHistory returns the paginated, filterable transaction list
// for GET /api/wallet/history, resolving each counterparty's nickname
// as set by the requesting viewer (if any).
func ListWalletHistory(db *gorm.DB, viewerID, walletID string, txType *TransactionType, opts *ListOptions) ([]TransactionResponse, error) {
	q := db.Model(&BalanceTransaction{}).Where("wallet = ?", walletID)
	if txType != nil {
		q = q.Where("tx_type = ?", *txType)
	}
	q = applyListOptions(q, "balance_transactions.id", SortTypeDescending, opts)

	var rows []BalanceTransaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	nicknames, err := nicknamesFor(db, viewerID, counterpartyIDs(rows))
	if err != nil {
		return nil, err
	}

	out := make([]TransactionResponse, len(rows))
	for i, row := range rows {
		out[i] = TransactionResponse{
			ID:         row.ID,
			TxType:     row.Type.String(),
			Wallet:     row.Wallet,
			WithWallet: row.WithWallet,
			WithTag:    nicknames[row.WithWallet],
			Currency:   row.Currency,
			AmountIn:   row.AmountIn,
			AmountOut:  row.AmountOut,
			Balance:    row.Balance,
			CreatedAt:  row.CreatedAt.Format(rfc3339Format),
		}
	}
	return out, nil
}

const rfc3339Format = "2006-01-02T15:04:05Z07:00"

func counterpartyIDs(rows []BalanceTransaction) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, r := range rows {
		if _, ok := seen[r.WithWallet]; !ok {
			seen[r.WithWallet] = struct{}{}
			ids = append(ids, r.WithWallet)
		}
	}
	return ids
}

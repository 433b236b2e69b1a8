package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/opencommons/commons/pkg/stream"
)

func newTestGatewayService(t testing.TB, db *gorm.DB) *GatewayService {
	t.Helper()
	dispatcher := NewDispatcher(db, stream.NewHub(), NewLoggerIPFS("test"))
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewGatewayService(db, dispatcher, metrics, NewLoggerIPFS("test"))
}

func TestDeposit(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()
		svc := newTestGatewayService(t, db)

		u, err := CreateUser(db, "depositor", "Depositor", nil)
		require.NoError(t, err)

		g, err := DepositStart(db, NewULID(), u.ID, NewMoney(1000), CurrencyUSD, "pi_ext_1")
		require.NoError(t, err)
		require.Equal(t, GatewayStatusInit, g.Status)

		require.NoError(t, svc.DepositComplete(g.ID, "pi_ext_1", NewMoney(1000), CurrencyUSD, u.ID))

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(1000)))

		loaded := &GatewayTransaction{}
		require.NoError(t, db.Where("id = ?", g.ID).First(loaded).Error)
		require.Equal(t, GatewayStatusCompleted, loaded.Status)

		var count int64
		require.NoError(t, db.Model(&BalanceTransaction{}).
			Where("gateway_tx = ?", g.ID).Count(&count).Error)
		require.Equal(t, int64(2), count)

		var notifications []UserNotification
		require.NoError(t, db.Where("user_id = ? AND event = ?", u.ID, EventUserBalanceUpdate).
			Find(&notifications).Error)
		require.Len(t, notifications, 1)
	})

	t.Run("CompleteIsIdempotent", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "depositor", "Depositor", nil)
		require.NoError(t, err)

		g, err := DepositStart(db, NewULID(), u.ID, NewMoney(500), CurrencyUSD, "pi_ext_2")
		require.NoError(t, err)

		require.NoError(t, DepositComplete(db, g.ID, "pi_ext_2", NewMoney(500), CurrencyUSD))
		require.NoError(t, DepositComplete(db, g.ID, "pi_ext_2", NewMoney(500), CurrencyUSD))

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(500)), "replayed confirmation must not double-credit")
	})

	t.Run("CompleteRejectsMismatchedExternalTx", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "depositor", "Depositor", nil)
		require.NoError(t, err)

		g, err := DepositStart(db, NewULID(), u.ID, NewMoney(500), CurrencyUSD, "pi_ext_3")
		require.NoError(t, err)

		err = DepositComplete(db, g.ID, "pi_other", NewMoney(500), CurrencyUSD)
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.IsZero())
	})

	t.Run("CompleteUnknownGatewayTx", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		err := DepositComplete(db, "missing", "pi_x", NewMoney(10), CurrencyUSD)
		var nf *ErrEntityNotFound
		require.ErrorAs(t, err, &nf)
	})
}

func TestWithdraw(t *testing.T) {
	t.Run("StartMovesFundsOutOfSpendableBalance", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "withdrawer", "Withdrawer", nil)
		require.NoError(t, err)
		seedBalance(t, db, u.ID, 100, CurrencyUSD)

		g, err := WithdrawStart(db, u.ID, NewMoney(60), CurrencyUSD)
		require.NoError(t, err)
		require.Equal(t, GatewayStatusPending, g.Status)
		require.NotNil(t, g.WithdrawWallet)

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(40)))

		held, err := GetBalance(db, *g.WithdrawWallet, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, held.Equal(NewMoney(60)))
	})

	t.Run("CompleteSettlesToGatewayWallet", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "withdrawer", "Withdrawer", nil)
		require.NoError(t, err)
		seedBalance(t, db, u.ID, 100, CurrencyUSD)

		g, err := WithdrawStart(db, u.ID, NewMoney(60), CurrencyUSD)
		require.NoError(t, err)

		gatewayBefore, err := GetBalance(db, AppGatewayWalletID, CurrencyUSD)
		require.NoError(t, err)

		require.NoError(t, WithdrawComplete(db, g.ID))

		loaded := &GatewayTransaction{}
		require.NoError(t, db.Where("id = ?", g.ID).First(loaded).Error)
		require.Equal(t, GatewayStatusCompleted, loaded.Status)

		held, err := GetBalance(db, *g.WithdrawWallet, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, held.IsZero())

		gatewayAfter, err := GetBalance(db, AppGatewayWalletID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, gatewayAfter.Equal(gatewayBefore.Add(NewMoney(60))))
	})

	t.Run("RevertReturnsFundsToUser", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "withdrawer", "Withdrawer", nil)
		require.NoError(t, err)
		seedBalance(t, db, u.ID, 100, CurrencyUSD)

		g, err := WithdrawStart(db, u.ID, NewMoney(60), CurrencyUSD)
		require.NoError(t, err)
		require.NoError(t, WithdrawRevert(db, g.ID))

		loaded := &GatewayTransaction{}
		require.NoError(t, db.Where("id = ?", g.ID).First(loaded).Error)
		require.Equal(t, GatewayStatusFailed, loaded.Status)

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(100)))
	})

	t.Run("InsufficientFundsLeavesNoRecord", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "broke", "Broke", nil)
		require.NoError(t, err)
		seedBalance(t, db, u.ID, 50, CurrencyUSD)

		_, err = WithdrawStart(db, u.ID, NewMoney(100), CurrencyUSD)
		var tooLow *ErrBalanceTooLow
		require.ErrorAs(t, err, &tooLow)

		var count int64
		require.NoError(t, db.Model(&GatewayTransaction{}).
			Where("user_id = ?", u.ID).Count(&count).Error)
		require.Zero(t, count)

		balance, err := GetBalance(db, u.ID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(50)))
	})
}

func TestListGatewayTransactions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	u, err := CreateUser(db, "lister", "Lister", nil)
	require.NoError(t, err)
	seedBalance(t, db, u.ID, 300, CurrencyUSD)

	g1, err := DepositStart(db, NewULID(), u.ID, NewMoney(100), CurrencyUSD, "pi_a")
	require.NoError(t, err)
	require.NoError(t, DepositComplete(db, g1.ID, "pi_a", NewMoney(100), CurrencyUSD))

	g2, err := WithdrawStart(db, u.ID, NewMoney(50), CurrencyUSD)
	require.NoError(t, err)

	all, err := ListGatewayTransactions(db, u.ID, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	withdraw := GatewayKindWithdraw
	onlyWithdraws, err := ListGatewayTransactions(db, u.ID, nil, &withdraw, nil)
	require.NoError(t, err)
	require.Len(t, onlyWithdraws, 1)
	require.Equal(t, g2.ID, onlyWithdraws[0].ID)

	completed := GatewayStatusCompleted
	onlyCompleted, err := ListGatewayTransactions(db, u.ID, &completed, nil, nil)
	require.NoError(t, err)
	require.Len(t, onlyCompleted, 1)
	require.Equal(t, g1.ID, onlyCompleted[0].ID)
}

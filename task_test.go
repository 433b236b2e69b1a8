package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/opencommons/commons/pkg/stream"
)

func newTestTaskService(t testing.TB, db *gorm.DB) *TaskService {
	t.Helper()
	dispatcher := NewDispatcher(db, stream.NewHub(), NewLoggerIPFS("test"))
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewTaskService(db, dispatcher, metrics, NewLoggerIPFS("test"))
}

func createFundedTask(t testing.TB, db *gorm.DB, creatorID string, donations map[string]int64) *TaskRequest {
	t.Helper()
	discussionID := NewULID()
	task, err := CreateTask(db, creatorID, &discussionID, nil, CreateTaskInput{
		RequestText:      "write the report",
		Type:             TaskTypePublic,
		Currency:         CurrencyUSD,
		AcceptancePeriod: time.Hour,
		DeliveryPeriod:   time.Hour,
	})
	require.NoError(t, err)

	for donor, amount := range donations {
		seedBalance(t, db, donor, amount, CurrencyUSD)
		_, err := Donate(db, task.ID, donor, NewMoney(amount), CurrencyUSD)
		require.NoError(t, err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	discussionID := NewULID()
	before := time.Now()
	task, err := CreateTask(db, "creator", &discussionID, nil, CreateTaskInput{
		RequestText:      "design a logo",
		Type:             TaskTypePrivate,
		Currency:         CurrencyUSD,
		AcceptancePeriod: 2 * time.Hour,
		DeliveryPeriod:   3 * time.Hour,
	})
	require.NoError(t, err)

	// The task and its pooled wallet share one key.
	require.Equal(t, task.ID, task.WalletID)
	require.Equal(t, TaskStatusInProgress, task.Status)

	w, err := getWallet(db, task.ID)
	require.NoError(t, err)
	require.Equal(t, WalletKindTask, w.Kind)
	require.Empty(t, w.headTransactionID(CurrencyUSD))

	require.WithinDuration(t, before.Add(5*time.Hour), task.DueAt, time.Minute)
}

func TestDonate(t *testing.T) {
	t.Run("RecordsEdgeAndFundsTaskWallet", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		seedBalance(t, db, "donor", 100, CurrencyUSD)

		edge, err := Donate(db, task.ID, "donor", NewMoney(70), CurrencyUSD)
		require.NoError(t, err)
		require.True(t, edge.Amount.Equal(NewMoney(70)))

		// The edge points back at the donor-side amount_out row.
		var outRow BalanceTransaction
		require.NoError(t, db.Where("id = ?", edge.BalanceTxID).First(&outRow).Error)
		require.Equal(t, "donor", outRow.Wallet)
		require.NotNil(t, outRow.AmountOut)

		pooled, err := GetBalance(db, task.WalletID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, pooled.Equal(NewMoney(70)))
	})

	t.Run("SameDonorTwiceCreatesTwoEdges", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		seedBalance(t, db, "donor", 100, CurrencyUSD)

		_, err := Donate(db, task.ID, "donor", NewMoney(30), CurrencyUSD)
		require.NoError(t, err)
		_, err = Donate(db, task.ID, "donor", NewMoney(20), CurrencyUSD)
		require.NoError(t, err)

		var count int64
		require.NoError(t, db.Model(&TaskDonor{}).Where("task_id = ?", task.ID).Count(&count).Error)
		require.Equal(t, int64(2), count)

		pooled, err := GetBalance(db, task.WalletID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, pooled.Equal(NewMoney(50)))
	})

	t.Run("UnknownTask", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		seedBalance(t, db, "donor", 100, CurrencyUSD)
		_, err := Donate(db, "missing", "donor", NewMoney(10), CurrencyUSD)
		var nf *ErrEntityNotFound
		require.ErrorAs(t, err, &nf)
	})

	t.Run("InsufficientDonorBalanceLeavesNoEdge", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		_, err := Donate(db, task.ID, "penniless", NewMoney(10), CurrencyUSD)
		var tooLow *ErrBalanceTooLow
		require.ErrorAs(t, err, &tooLow)

		var count int64
		require.NoError(t, db.Model(&TaskDonor{}).Where("task_id = ?", task.ID).Count(&count).Error)
		require.Zero(t, count)
	})
}

func TestParticipantTransitions(t *testing.T) {
	t.Run("RequestedAcceptDeliver", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		_, err := AddParticipant(db, task.ID, "worker")
		require.NoError(t, err)

		p, err := Accept(db, task.ID, "worker")
		require.NoError(t, err)
		require.Equal(t, ParticipantStatusAccepted, p.Status)

		result, err := Deliver(db, task.ID, "worker", NewULID())
		require.NoError(t, err)
		require.Equal(t, p.ID, result.ParticipantID)

		var reloaded TaskParticipant
		require.NoError(t, db.Where("id = ?", p.ID).First(&reloaded).Error)
		require.Equal(t, ParticipantStatusDelivered, reloaded.Status)
	})

	t.Run("RejectFromRequested", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		_, err := AddParticipant(db, task.ID, "worker")
		require.NoError(t, err)

		p, err := Reject(db, task.ID, "worker")
		require.NoError(t, err)
		require.Equal(t, ParticipantStatusRejected, p.Status)
	})

	t.Run("AcceptTwiceFails", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		_, err := AddParticipant(db, task.ID, "worker")
		require.NoError(t, err)
		_, err = Accept(db, task.ID, "worker")
		require.NoError(t, err)

		_, err = Accept(db, task.ID, "worker")
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)
	})

	t.Run("DeliverWithoutAcceptFails", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", nil)
		_, err := AddParticipant(db, task.ID, "worker")
		require.NoError(t, err)

		_, err = Deliver(db, task.ID, "worker", NewULID())
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)

		var count int64
		require.NoError(t, db.Model(&DeliveryResult{}).Where("task_id = ?", task.ID).Count(&count).Error)
		require.Zero(t, count)
	})
}

func TestPayout(t *testing.T) {
	t.Run("EqualSplitWithRemainderToEarliest", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", map[string]int64{"donor": 100})

		workers := []string{"w1", "w2", "w3"}
		for _, w := range workers {
			_, err := AddParticipant(db, task.ID, w)
			require.NoError(t, err)
			_, err = Accept(db, task.ID, w)
			require.NoError(t, err)
			_, err = Deliver(db, task.ID, w, NewULID())
			require.NoError(t, err)
		}

		require.NoError(t, PayoutTask(db, task.ID))

		want := map[string]int64{"w1": 34, "w2": 33, "w3": 33}
		total := ZeroMoney
		for w, amount := range want {
			balance, err := GetBalance(db, w, CurrencyUSD)
			require.NoError(t, err)
			require.True(t, balance.Equal(NewMoney(amount)), "worker %s: got %s", w, balance)
			total = total.Add(balance)
		}
		require.True(t, total.Equal(NewMoney(100)), "total paid must equal the pooled balance")

		pooled, err := GetBalance(db, task.WalletID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, pooled.IsZero())

		loaded, err := getTask(db, task.ID)
		require.NoError(t, err)
		require.Equal(t, TaskStatusCompleted, loaded.Status)

		// Each reward_tx points at the recipient-side amount_in row.
		var participants []TaskParticipant
		require.NoError(t, db.Where("task_id = ?", task.ID).Find(&participants).Error)
		for _, p := range participants {
			require.NotNil(t, p.RewardTx, "participant %s missing reward_tx", p.UserID)
			var inRow BalanceTransaction
			require.NoError(t, db.Where("id = ?", *p.RewardTx).First(&inRow).Error)
			require.Equal(t, p.UserID, inRow.Wallet)
			require.NotNil(t, inRow.AmountIn)
		}
	})

	t.Run("RefundsDonorsWhenNobodyDelivers", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", map[string]int64{"d1": 30, "d2": 20})

		_, err := AddParticipant(db, task.ID, "slacker")
		require.NoError(t, err)
		_, err = Accept(db, task.ID, "slacker")
		require.NoError(t, err)

		require.NoError(t, PayoutTask(db, task.ID))

		d1, err := GetBalance(db, "d1", CurrencyUSD)
		require.NoError(t, err)
		require.True(t, d1.Equal(NewMoney(30)))
		d2, err := GetBalance(db, "d2", CurrencyUSD)
		require.NoError(t, err)
		require.True(t, d2.Equal(NewMoney(20)))

		pooled, err := GetBalance(db, task.WalletID, CurrencyUSD)
		require.NoError(t, err)
		require.True(t, pooled.IsZero())

		loaded, err := getTask(db, task.ID)
		require.NoError(t, err)
		require.Equal(t, TaskStatusCompleted, loaded.Status)

		var p TaskParticipant
		require.NoError(t, db.Where("task_id = ? AND user_id = ?", task.ID, "slacker").First(&p).Error)
		require.Equal(t, ParticipantStatusExpired, p.Status)
	})

	t.Run("SecondPayoutIsNoOp", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", map[string]int64{"donor": 90})
		_, err := AddParticipant(db, task.ID, "worker")
		require.NoError(t, err)
		_, err = Accept(db, task.ID, "worker")
		require.NoError(t, err)
		_, err = Deliver(db, task.ID, "worker", NewULID())
		require.NoError(t, err)

		require.NoError(t, PayoutTask(db, task.ID))
		require.NoError(t, PayoutTask(db, task.ID))

		balance, err := GetBalance(db, "worker", CurrencyUSD)
		require.NoError(t, err)
		require.True(t, balance.Equal(NewMoney(90)), "replayed payout must not pay twice")
	})

	t.Run("NonDeliveredParticipantsExpire", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		task := createFundedTask(t, db, "creator", map[string]int64{"donor": 60})

		_, err := AddParticipant(db, task.ID, "finisher")
		require.NoError(t, err)
		_, err = Accept(db, task.ID, "finisher")
		require.NoError(t, err)
		_, err = Deliver(db, task.ID, "finisher", NewULID())
		require.NoError(t, err)

		_, err = AddParticipant(db, task.ID, "laggard")
		require.NoError(t, err)
		_, err = Accept(db, task.ID, "laggard")
		require.NoError(t, err)

		require.NoError(t, PayoutTask(db, task.ID))

		// Only the delivered participant is paid; the laggard expires
		// with no reward pointer.
		finisher, err := GetBalance(db, "finisher", CurrencyUSD)
		require.NoError(t, err)
		require.True(t, finisher.Equal(NewMoney(60)))

		var laggard TaskParticipant
		require.NoError(t, db.Where("task_id = ? AND user_id = ?", task.ID, "laggard").First(&laggard).Error)
		require.Equal(t, ParticipantStatusExpired, laggard.Status)
		require.Nil(t, laggard.RewardTx)
	})
}

func TestTaskService(t *testing.T) {
	t.Run("DeliveryByLastPendingParticipantTriggersPayout", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()
		svc := newTestTaskService(t, db)

		task := createFundedTask(t, db, "creator", map[string]int64{"donor": 100})
		workers := []string{"w1", "w2", "w3"}
		for _, w := range workers {
			_, err := AddParticipant(db, task.ID, w)
			require.NoError(t, err)
			_, err = Accept(db, task.ID, w)
			require.NoError(t, err)
		}
		for _, w := range workers {
			_, err := svc.Deliver(task.ID, w, NewULID())
			require.NoError(t, err)
		}

		loaded, err := getTask(db, task.ID)
		require.NoError(t, err)
		require.Equal(t, TaskStatusCompleted, loaded.Status)

		// One completion notification per delivered participant.
		var count int64
		require.NoError(t, db.Model(&UserNotification{}).
			Where("event = ? AND user_id IN ?", EventUserTaskRequestCompleted, workers).
			Count(&count).Error)
		require.Equal(t, int64(3), count)
	})

	t.Run("SweeperExpiryNotifiesExpiredParticipants", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()
		svc := newTestTaskService(t, db)

		task := createFundedTask(t, db, "creator", map[string]int64{"donor": 50})
		_, err := AddParticipant(db, task.ID, "slacker")
		require.NoError(t, err)

		require.NoError(t, svc.PayoutDueTask(task.ID))

		var count int64
		require.NoError(t, db.Model(&UserNotification{}).
			Where("event = ? AND user_id = ?", EventUserTaskRequestExpired, "slacker").
			Count(&count).Error)
		require.Equal(t, int64(1), count)
	})
}

func TestListTasksDueForSweep(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	discussionID := NewULID()
	overdue, err := CreateTask(db, "creator", &discussionID, nil, CreateTaskInput{
		RequestText: "overdue", Type: TaskTypePublic, Currency: CurrencyUSD,
	})
	require.NoError(t, err)

	_, err = CreateTask(db, "creator", &discussionID, nil, CreateTaskInput{
		RequestText: "not due yet", Type: TaskTypePublic, Currency: CurrencyUSD,
		AcceptancePeriod: time.Hour, DeliveryPeriod: time.Hour,
	})
	require.NoError(t, err)

	done, err := CreateTask(db, "creator", &discussionID, nil, CreateTaskInput{
		RequestText: "already completed", Type: TaskTypePublic, Currency: CurrencyUSD,
	})
	require.NoError(t, err)
	require.NoError(t, PayoutTask(db, done.ID))

	ids, err := listTasksDueForSweep(db, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{overdue.ID}, ids)
}

func TestAuthorizeTaskCreation(t *testing.T) {
	t.Run("IdeaPostTaskRequiresIdeaOwner", func(t *testing.T) {
		db, d := newTestDiscussion(t)

		idea, err := CreatePost(db, "dreamer", d.ID, "Big idea", "big-idea", "body", nil, PostTypeIdea)
		require.NoError(t, err)

		require.NoError(t, AuthorizeTaskCreation(db, "dreamer", nil, &idea.ID, TaskTypePublic))

		err = AuthorizeTaskCreation(db, "stranger", nil, &idea.ID, TaskTypePublic)
		var authz *ErrAuthorizationFail
		require.ErrorAs(t, err, &authz)
		require.Equal(t, "Is idea owner", authz.Required)
	})

	t.Run("PrivateTaskRequiresOwnershipOrParticipation", func(t *testing.T) {
		db, d := newTestDiscussion(t)

		// Discussion creator may.
		require.NoError(t, AuthorizeTaskCreation(db, d.CreatorID, &d.ID, nil, TaskTypePrivate))

		// A stranger with no grant may not.
		err := AuthorizeTaskCreation(db, "stranger", &d.ID, nil, TaskTypePrivate)
		var authz *ErrAuthorizationFail
		require.ErrorAs(t, err, &authz)

		// An Owner grant on the discussion suffices.
		_, err = Authorize(db, "delegate", Authorization{
			Record: authzRecord{Table: "discussion", Key: d.ID}, Activity: ActivityOwner,
		}, nil)
		require.NoError(t, err)
		require.NoError(t, AuthorizeTaskCreation(db, "delegate", &d.ID, nil, TaskTypePrivate))
	})

	t.Run("PublicTaskOnChatDiscussionRequiresParticipation", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		chat, err := CreateDiscussion(db, "x", "", "room", []string{"x", "y"}, true)
		require.NoError(t, err)

		require.NoError(t, AuthorizeTaskCreation(db, "y", &chat.ID, nil, TaskTypePublic))

		err = AuthorizeTaskCreation(db, "z", &chat.ID, nil, TaskTypePublic)
		var authz *ErrAuthorizationFail
		require.ErrorAs(t, err, &authz)
		require.Equal(t, "Is chat participant", authz.Required)
	})

	t.Run("RequiresAnAttachmentPoint", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		err := AuthorizeTaskCreation(db, "anyone", nil, nil, TaskTypePublic)
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)
	})
}

func TestDonateIdeaTask(t *testing.T) {
	db, d := newTestDiscussion(t)

	idea, err := CreatePost(db, "dreamer", d.ID, "Big idea", "big-idea", "body", nil, PostTypeIdea)
	require.NoError(t, err)
	task, err := CreateTask(db, "dreamer", nil, &idea.ID, CreateTaskInput{
		RequestText: "build it", Type: TaskTypePublic, Currency: CurrencyUSD,
		AcceptancePeriod: time.Hour, DeliveryPeriod: time.Hour,
	})
	require.NoError(t, err)

	seedBalance(t, db, "dreamer", 100, CurrencyUSD)
	_, err = Donate(db, task.ID, "dreamer", NewMoney(50), CurrencyUSD)
	var vf *ErrValidationFail
	require.ErrorAs(t, err, &vf)

	// Anyone else may fund it.
	seedBalance(t, db, "backer", 100, CurrencyUSD)
	_, err = Donate(db, task.ID, "backer", NewMoney(50), CurrencyUSD)
	require.NoError(t, err)
}

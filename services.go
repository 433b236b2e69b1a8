package main

import (
	"errors"

	"gorm.io/gorm"
)

// TaskService, GatewayService, and DiscussionService wrap the bare
// domain functions in task.go/gateway.go/discussion.go/post.go with
// notification fan-out and metrics. The bare functions stay usable
// standalone — by tests, by the reconcile/export CLI, by the sweeper —
// while HTTP handlers go through these services so every
// notification-worthy state transition actually reaches a subscriber.

type TaskService struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     Logger
}

func NewTaskService(db *gorm.DB, dispatcher *Dispatcher, metrics *Metrics, logger Logger) *TaskService {
	return &TaskService{db: db, dispatcher: dispatcher, metrics: metrics, logger: logger.NewSystem("task-service")}
}

func (s *TaskService) CreateTask(creatorID string, discussionID, postID *string, input CreateTaskInput) (*TaskRequest, error) {
	task, err := CreateTask(s.db, creatorID, discussionID, postID, input)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(EventUserTaskRequestCreated, creatorID, nil, task, nil)
	return task, nil
}

func (s *TaskService) Donate(taskID, donorUserID string, amount Money, currency CurrencySymbol) (*TaskDonor, error) {
	s.metrics.TransferAttemptsTotal.Inc()
	donor, err := Donate(s.db, taskID, donorUserID, amount, currency)
	if err != nil {
		s.metrics.TransferAttemptsFail.Inc()
		var locked *ErrWalletLocked
		if errors.As(err, &locked) {
			s.metrics.WalletLockContention.Inc()
		}
		return nil, err
	}
	s.metrics.TransferAttemptsSuccess.Inc()
	s.dispatcher.NewBalanceUpdateNotification(donorUserID)

	if task, err := getTask(s.db, taskID); err == nil {
		s.dispatcher.Dispatch(EventUserTaskRequestReceived, task.CreatorID, nil, donor, nil)
	}
	return donor, nil
}

func (s *TaskService) AddParticipant(taskID, userID string) (*TaskParticipant, error) {
	p, err := AddParticipant(s.db, taskID, userID)
	if err != nil {
		return nil, err
	}
	if task, err := getTask(s.db, taskID); err == nil {
		s.dispatcher.Dispatch(EventUserTaskRequestReceived, task.CreatorID, nil, p, nil)
	}
	return p, nil
}

func (s *TaskService) Accept(taskID, userID string) (*TaskParticipant, error) {
	p, err := Accept(s.db, taskID, userID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(EventUserTaskRequestAccepted, userID, nil, p, nil)
	return p, nil
}

func (s *TaskService) Reject(taskID, userID string) (*TaskParticipant, error) {
	p, err := Reject(s.db, taskID, userID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(EventUserTaskRequestRejected, userID, nil, p, nil)
	return p, nil
}

// Deliver records the delivery and, if no other participant is still
// pending (requested/accepted), runs the payout immediately rather
// than waiting for the sweeper.
func (s *TaskService) Deliver(taskID, userID, postID string) (*DeliveryResult, error) {
	result, err := Deliver(s.db, taskID, userID, postID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(EventUserTaskRequestDelivered, userID, nil, result, nil)

	pending, err := countPendingParticipants(s.db, taskID)
	if err != nil {
		s.logger.Error("failed to check pending participants after delivery", "task", taskID, "error", err)
		return result, nil
	}
	if pending == 0 {
		if err := s.payout(taskID); err != nil {
			s.logger.Error("explicit-delivery payout failed", "task", taskID, "error", err)
		}
	}
	return result, nil
}

// PayoutDueTask runs the payout transaction and fan-out for a task the
// sweeper found past its due_at, sharing the same path Deliver uses for
// the explicit trigger.
func (s *TaskService) PayoutDueTask(taskID string) error {
	return s.payout(taskID)
}

func (s *TaskService) payout(taskID string) error {
	if err := PayoutTask(s.db, taskID); err != nil {
		return err
	}
	s.metrics.TaskPayoutsTotal.Inc()

	task, err := getTask(s.db, taskID)
	if err != nil {
		return err
	}

	var participants []TaskParticipant
	if err := s.db.Where("task_id = ?", taskID).Find(&participants).Error; err != nil {
		s.logger.Error("failed to load participants after payout", "task", taskID, "error", err)
		return nil
	}

	delivered := 0
	for _, p := range participants {
		switch p.Status {
		case ParticipantStatusDelivered:
			delivered++
			s.dispatcher.Dispatch(EventUserTaskRequestCompleted, p.UserID, nil, task, nil)
			s.dispatcher.NewBalanceUpdateNotification(p.UserID)
		case ParticipantStatusExpired:
			s.dispatcher.Dispatch(EventUserTaskRequestExpired, p.UserID, nil, task, nil)
		}
	}

	if delivered == 0 {
		s.metrics.TaskPayoutsRefundOnly.Inc()
		s.dispatcher.Dispatch(EventUserTaskRequestCompleted, task.CreatorID, nil, task, nil)
		var donors []TaskDonor
		if err := s.db.Where("task_id = ?", taskID).Find(&donors).Error; err == nil {
			for _, d := range donors {
				s.dispatcher.NewBalanceUpdateNotification(d.DonorUserID)
			}
		}
	}
	return nil
}

func getTask(db *gorm.DB, taskID string) (*TaskRequest, error) {
	var t TaskRequest
	if err := db.Where("id = ?", taskID).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "task:" + taskID}
		}
		return nil, err
	}
	return &t, nil
}

func countPendingParticipants(db *gorm.DB, taskID string) (int64, error) {
	var count int64
	err := db.Model(&TaskParticipant{}).
		Where("task_id = ? AND status IN ?", taskID, []ParticipantStatus{ParticipantStatusRequested, ParticipantStatusAccepted}).
		Count(&count).Error
	return count, err
}

// GatewayService wraps gateway.go's deposit/withdraw phases with
// balance-update notifications and metrics.
type GatewayService struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	metrics    *Metrics
	logger     Logger
}

func NewGatewayService(db *gorm.DB, dispatcher *Dispatcher, metrics *Metrics, logger Logger) *GatewayService {
	return &GatewayService{db: db, dispatcher: dispatcher, metrics: metrics, logger: logger.NewSystem("gateway-service")}
}

func (s *GatewayService) DepositComplete(gatewayTxID, externalTxID string, amount Money, currency CurrencySymbol, userID string) error {
	if err := DepositComplete(s.db, gatewayTxID, externalTxID, amount, currency); err != nil {
		s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindDeposit), "failed").Inc()
		return err
	}
	s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindDeposit), "completed").Inc()
	s.dispatcher.NewBalanceUpdateNotification(userID)
	return nil
}

func (s *GatewayService) WithdrawStart(userID string, amount Money, currency CurrencySymbol) (*GatewayTransaction, error) {
	g, err := WithdrawStart(s.db, userID, amount, currency)
	if err != nil {
		s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindWithdraw), "failed").Inc()
		var locked *ErrWalletLocked
		if errors.As(err, &locked) {
			s.metrics.WalletLockContention.Inc()
		}
		return nil, err
	}
	s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindWithdraw), "pending").Inc()
	s.dispatcher.NewBalanceUpdateNotification(userID)
	return g, nil
}

func (s *GatewayService) WithdrawComplete(gatewayTxID, userID string) error {
	if err := WithdrawComplete(s.db, gatewayTxID); err != nil {
		return err
	}
	s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindWithdraw), "completed").Inc()
	return nil
}

func (s *GatewayService) WithdrawRevert(gatewayTxID, userID string) error {
	if err := WithdrawRevert(s.db, gatewayTxID); err != nil {
		return err
	}
	s.metrics.GatewayTransactionsTotal.WithLabelValues(string(GatewayKindWithdraw), "failed").Inc()
	s.dispatcher.NewBalanceUpdateNotification(userID)
	return nil
}

// DiscussionService wraps discussion/post creation with the
// CreatedDiscussion / DiscussionPostAdded fan-out.
type DiscussionService struct {
	db         *gorm.DB
	dispatcher *Dispatcher
}

func NewDiscussionService(db *gorm.DB, dispatcher *Dispatcher) *DiscussionService {
	return &DiscussionService{db: db, dispatcher: dispatcher}
}

// CreateDiscussion creates the discussion and grants every participant
// (the creator at ActivityOwner, everyone else at ActivityMember) an
// Access right on the discussion record, so the chat-participant
// requirement IsAuthorized enforces on post creation is satisfiable by
// the set CreateDiscussion was given.
func (s *DiscussionService) CreateDiscussion(creatorID, communityID, title string, participantIDs []string, finalized bool) (*Discussion, error) {
	d, err := CreateDiscussion(s.db, creatorID, communityID, title, participantIDs, finalized)
	if err != nil {
		return nil, err
	}

	record := authzRecord{Table: "discussion", Key: d.ID}
	if _, err := Authorize(s.db, creatorID, Authorization{Record: record, Activity: ActivityOwner}, nil); err != nil {
		return nil, err
	}
	for _, participantID := range participantIDs {
		if participantID == creatorID {
			continue
		}
		if _, err := Authorize(s.db, participantID, Authorization{Record: record, Activity: ActivityMember}, nil); err != nil {
			return nil, err
		}
	}

	receivers := append([]string{creatorID}, participantIDs...)
	s.dispatcher.Dispatch(EventCreatedDiscussion, creatorID, receivers, d, nil)
	return d, nil
}

func (s *DiscussionService) CreatePost(creatorID, discussionID, title, slug, content string, tags []string, postType PostType) (*Post, error) {
	p, err := CreatePost(s.db, creatorID, discussionID, title, slug, content, tags, postType)
	if err != nil {
		return nil, err
	}

	receivers := []string{creatorID}
	if d, err := getDiscussion(s.db, discussionID); err == nil {
		for id := range d.PrivateUserIDs {
			receivers = append(receivers, id)
		}
	}
	s.dispatcher.Dispatch(EventDiscussionPostAdded, creatorID, receivers, p, nil)
	return p, nil
}

package main

import (
	"time"

	"gorm.io/gorm"
)

// TaskStatus is the task state machine: InProgress → Completed.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// TaskType distinguishes Public (self-joinable) from Private (invite
// only) tasks.
type TaskType string

const (
	TaskTypePublic  TaskType = "public"
	TaskTypePrivate TaskType = "private"
)

// ParticipantStatus is the participant edge state machine:
// Requested → {Accepted, Rejected} → {Delivered, Expired}.
type ParticipantStatus string

const (
	ParticipantStatusRequested ParticipantStatus = "requested"
	ParticipantStatusAccepted  ParticipantStatus = "accepted"
	ParticipantStatusRejected  ParticipantStatus = "rejected"
	ParticipantStatusDelivered ParticipantStatus = "delivered"
	ParticipantStatusExpired   ParticipantStatus = "expired"
)

// TaskRequest is a request for work, funded by donor escrow and paid
// out on delivery.
type TaskRequest struct {
	ID               string         `gorm:"primaryKey;column:id"`
	DiscussionID     *string        `gorm:"column:discussion_id;index"`
	PostID           *string        `gorm:"column:post_id;index"`
	CreatorID        string         `gorm:"column:creator_id;not null"`
	RequestText      string         `gorm:"column:request_text;not null"`
	DeliverableType  string         `gorm:"column:deliverable_type"`
	Type             TaskType       `gorm:"column:type;not null"`
	Currency         CurrencySymbol `gorm:"column:currency;not null"`
	AcceptancePeriod time.Duration  `gorm:"column:acceptance_period"`
	DeliveryPeriod   time.Duration  `gorm:"column:delivery_period"`
	DueAt            time.Time      `gorm:"column:due_at;index"`
	WalletID         string         `gorm:"column:wallet_id;not null"`
	Status           TaskStatus     `gorm:"column:status;not null;index"`
	CreatedAt        time.Time
}

func (TaskRequest) TableName() string { return "task_requests" }

// TaskDonor is a user→task donation edge.
type TaskDonor struct {
	ID               string `gorm:"primaryKey;column:id"`
	TaskID           string `gorm:"column:task_id;not null;index"`
	DonorUserID      string `gorm:"column:donor_user_id;not null"`
	Amount           Money  `gorm:"column:amount;type:varchar(78);not null"`
	BalanceTxID      string `gorm:"column:balance_tx_id;not null"`
	CreatedAt        time.Time
}

func (TaskDonor) TableName() string { return "task_donors" }

// TaskParticipant is a user→task participation edge.
type TaskParticipant struct {
	ID        string            `gorm:"primaryKey;column:id"`
	TaskID    string            `gorm:"column:task_id;not null;index"`
	UserID    string            `gorm:"column:user_id;not null"`
	Status    ParticipantStatus `gorm:"column:status;not null"`
	RewardTx  *string           `gorm:"column:reward_tx"`
	CreatedAt time.Time
}

func (TaskParticipant) TableName() string { return "task_participants" }

// DeliveryResult points at the post a participant submitted as
// evidence of delivery.
type DeliveryResult struct {
	ID            string `gorm:"primaryKey;column:id"`
	TaskID        string `gorm:"column:task_id;not null;index"`
	ParticipantID string `gorm:"column:participant_id;not null"`
	PostID        string `gorm:"column:post_id;not null"`
	CreatedAt     time.Time
}

func (DeliveryResult) TableName() string { return "delivery_results" }

// CreateTaskInput bundles CreateTask's parameters.
type CreateTaskInput struct {
	RequestText      string
	DeliverableType  string
	Type             TaskType
	Currency         CurrencySymbol
	AcceptancePeriod time.Duration
	DeliveryPeriod   time.Duration
}

// AuthorizeTaskCreation enforces who may attach a task where: a task on
// an Idea post belongs to the idea's owner alone; a Private task
// requires the creator to own the discussion or post, to be a chat
// participant, or to hold an Owner grant on the discussion; a Public
// task only requires the creator to be allowed to post there.
func AuthorizeTaskCreation(db *gorm.DB, creatorID string, discussionID, postID *string, taskType TaskType) error {
	var d *Discussion
	var p *Post
	var err error
	switch {
	case postID != nil:
		p, err = getPost(db, *postID)
		if err != nil {
			return err
		}
		d, err = getDiscussion(db, p.DiscussionID)
		if err != nil {
			return err
		}
	case discussionID != nil:
		d, err = getDiscussion(db, *discussionID)
		if err != nil {
			return err
		}
	default:
		return newValidationFail("task", "a task must attach to a discussion or a post")
	}

	if p != nil && p.Type == PostTypeIdea {
		if p.CreatorID != creatorID {
			return &ErrAuthorizationFail{Required: "Is idea owner"}
		}
		return nil
	}

	if taskType == TaskTypePrivate {
		if d.CreatorID == creatorID || d.isParticipant(creatorID) || (p != nil && p.CreatorID == creatorID) {
			return nil
		}
		return IsAuthorized(db, creatorID, Authorization{Record: d.authzKey(), Activity: ActivityOwner})
	}

	if d.isPrivate() && !d.isParticipant(creatorID) {
		return &ErrAuthorizationFail{Required: "Is chat participant"}
	}
	return nil
}

// CreateTask creates a task and its pooled wallet in one atomic
// transaction; a single ULID serves as both the Task id and the wallet
// id.
func CreateTask(db *gorm.DB, creatorID string, discussionID, postID *string, input CreateTaskInput) (*TaskRequest, error) {
	id := NewULID()
	now := time.Now()
	task := &TaskRequest{
		ID:               id,
		DiscussionID:     discussionID,
		PostID:           postID,
		CreatorID:        creatorID,
		RequestText:      input.RequestText,
		DeliverableType:  input.DeliverableType,
		Type:             input.Type,
		Currency:         input.Currency,
		AcceptancePeriod: input.AcceptancePeriod,
		DeliveryPeriod:   input.DeliveryPeriod,
		DueAt:            now.Add(input.AcceptancePeriod + input.DeliveryPeriod),
		WalletID:         id,
		Status:           TaskStatusInProgress,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := ensureWallet(tx, id, WalletKindTask); err != nil {
			return err
		}
		return tx.Create(task).Error
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Donate transfers amount from donor to the task wallet, then records
// the Task-donor edge.
func Donate(db *gorm.DB, taskID, donorUserID string, amount Money, currency CurrencySymbol) (*TaskDonor, error) {
	donor := &TaskDonor{ID: NewULID(), TaskID: taskID, DonorUserID: donorUserID, Amount: amount}

	err := db.Transaction(func(tx *gorm.DB) error {
		var task TaskRequest
		if err := tx.Where("id = ?", taskID).First(&task).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &ErrEntityNotFound{Ident: "task:" + taskID}
			}
			return err
		}

		// The idea owner requested the work; they cannot also fund it.
		if task.PostID != nil && donorUserID == task.CreatorID {
			if p, err := getPost(tx, *task.PostID); err == nil && p.Type == PostTypeIdea {
				return newValidationFail("donor", "the idea owner cannot fund their own idea task")
			}
		}

		_, txOutID, err := transfer(tx, transferArgs{
			From:     donorUserID,
			To:       task.WalletID,
			Amount:   amount,
			Currency: currency,
			Type:     TransactionTypeTaskDonation,
			Title:    "task donation",
		})
		if err != nil {
			return err
		}
		donor.BalanceTxID = txOutID
		return tx.Create(donor).Error
	})
	if err != nil {
		return nil, err
	}
	return donor, nil
}

// AddParticipant invites a user onto a Private task.
func AddParticipant(db *gorm.DB, taskID, userID string) (*TaskParticipant, error) {
	p := &TaskParticipant{ID: NewULID(), TaskID: taskID, UserID: userID, Status: ParticipantStatusRequested}
	if err := db.Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func transitionParticipant(db *gorm.DB, taskID, userID string, from, to ParticipantStatus) (*TaskParticipant, error) {
	var p TaskParticipant
	if err := db.Where("task_id = ? AND user_id = ?", taskID, userID).First(&p).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "task_participant:" + taskID + "/" + userID}
		}
		return nil, err
	}
	if p.Status != from {
		return nil, newValidationFail("status", "participant is not in the "+string(from)+" state")
	}
	p.Status = to
	if err := db.Save(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Accept moves an invited participant from Requested to Accepted.
func Accept(db *gorm.DB, taskID, userID string) (*TaskParticipant, error) {
	return transitionParticipant(db, taskID, userID, ParticipantStatusRequested, ParticipantStatusAccepted)
}

// Reject moves an invited participant from Requested to Rejected.
func Reject(db *gorm.DB, taskID, userID string) (*TaskParticipant, error) {
	return transitionParticipant(db, taskID, userID, ParticipantStatusRequested, ParticipantStatusRejected)
}

// Deliver marks an accepted participant as Delivered; the caller has
// already checked that postID belongs to a discussion userID owns.
func Deliver(db *gorm.DB, taskID, userID, postID string) (*DeliveryResult, error) {
	var result *DeliveryResult
	err := db.Transaction(func(tx *gorm.DB) error {
		p, err := transitionParticipant(tx, taskID, userID, ParticipantStatusAccepted, ParticipantStatusDelivered)
		if err != nil {
			return err
		}
		result = &DeliveryResult{ID: NewULID(), TaskID: taskID, ParticipantID: p.ID, PostID: postID}
		return tx.Create(result).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// payoutTask resolves a task's rewards, shared by the explicit
// on-delivery trigger and the periodic sweeper. It re-checks
// status != Completed inside the transaction so a task already paid
// out by a concurrent caller is a no-op.
func payoutTask(db *gorm.DB) func(tx *gorm.DB, taskID string) error {
	return func(tx *gorm.DB, taskID string) error {
		var task TaskRequest
		if err := tx.Where("id = ?", taskID).First(&task).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &ErrEntityNotFound{Ident: "task:" + taskID}
			}
			return err
		}
		if task.Status == TaskStatusCompleted {
			return nil
		}

		var participants []TaskParticipant
		if err := tx.Where("task_id = ?", taskID).Order("id ASC").Find(&participants).Error; err != nil {
			return err
		}
		var donors []TaskDonor
		if err := tx.Where("task_id = ?", taskID).Order("id ASC").Find(&donors).Error; err != nil {
			return err
		}

		var delivered, notDelivered []TaskParticipant
		for _, p := range participants {
			if p.Status == ParticipantStatusDelivered {
				delivered = append(delivered, p)
			} else {
				notDelivered = append(notDelivered, p)
			}
		}

		balance, err := GetBalance(tx, task.WalletID, task.Currency)
		if err != nil {
			return err
		}

		if len(delivered) == 0 {
			for _, d := range donors {
				if d.Amount.IsZero() {
					continue
				}
				_, _, err := transfer(tx, transferArgs{
					From:     task.WalletID,
					To:       d.DonorUserID,
					Amount:   d.Amount,
					Currency: task.Currency,
					Type:     TransactionTypeTaskRefund,
					Title:    "task refund",
				})
				if err != nil {
					return err
				}
			}
		} else {
			share, remainder := balance.Split(len(delivered))
			for i, p := range delivered {
				amount := share
				if i == 0 {
					amount = amount.Add(remainder)
				}
				if amount.IsZero() {
					continue
				}
				txInID, _, err := transfer(tx, transferArgs{
					From:     task.WalletID,
					To:       p.UserID,
					Amount:   amount,
					Currency: task.Currency,
					Type:     TransactionTypeTaskReward,
					Title:    "task reward",
				})
				if err != nil {
					return err
				}
				if err := tx.Model(&TaskParticipant{}).Where("id = ?", p.ID).Update("reward_tx", txInID).Error; err != nil {
					return err
				}
			}
		}

		for _, p := range notDelivered {
			if err := tx.Model(&TaskParticipant{}).Where("id = ?", p.ID).Update("status", ParticipantStatusExpired).Error; err != nil {
				return err
			}
		}

		return tx.Model(&TaskRequest{}).Where("id = ?", taskID).Update("status", TaskStatusCompleted).Error
	}
}

// PayoutTask runs the payout transaction for a single task, e.g. when
// triggered explicitly by the final delivery.
func PayoutTask(db *gorm.DB, taskID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		return payoutTask(db)(tx, taskID)
	})
}

func listTasksDueForSweep(db *gorm.DB, now time.Time) ([]string, error) {
	var ids []string
	err := db.Model(&TaskRequest{}).
		Where("status != ? AND due_at <= ?", TaskStatusCompleted, now).
		Pluck("id", &ids).Error
	return ids, err
}

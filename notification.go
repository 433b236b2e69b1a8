package main

import (
	"time"

	"gorm.io/gorm"

	"github.com/opencommons/commons/pkg/stream"
)

// EventType enumerates every notification event kind the platform
// emits.
type EventType string

const (
	EventUserFollowAdded           EventType = "UserFollowAdded"
	EventUserLikePost              EventType = "UserLikePost"
	EventUserTaskRequestCreated    EventType = "UserTaskRequestCreated"
	EventUserTaskRequestReceived   EventType = "UserTaskRequestReceived"
	EventUserTaskRequestAccepted   EventType = "UserTaskRequestAccepted"
	EventUserTaskRequestRejected   EventType = "UserTaskRequestRejected"
	EventUserTaskRequestDelivered  EventType = "UserTaskRequestDelivered"
	EventUserTaskRequestCompleted  EventType = "UserTaskRequestCompleted"
	EventUserTaskRequestExpired    EventType = "UserTaskRequestExpired"
	EventUserBalanceUpdate         EventType = "UserBalanceUpdate"
	EventCreatedDiscussion         EventType = "CreatedDiscussion"
	EventDiscussionPostAdded       EventType = "DiscussionPostAdded"
	EventChatMessage               EventType = "ChatMessage"
)

// UserNotification is the persisted notification row a subscriber can
// re-read after reconnecting.
type UserNotification struct {
	ID        string    `gorm:"primaryKey;column:id"`
	UserID    string    `gorm:"column:user_id;not null;index"`
	Event     EventType `gorm:"column:event;not null;index"`
	Content   JSONMap   `gorm:"column:content;type:varchar(4096)"`
	Metadata  JSONMap   `gorm:"column:metadata;type:varchar(1024)"`
	Receivers JSONMap   `gorm:"column:receivers;type:varchar(1024)"`
	CreatedAt time.Time
}

func (UserNotification) TableName() string { return "user_notifications" }

// Dispatcher persists a UserNotification row before publishing onto
// the broadcast hub, so the durable row always precedes the live
// publish.
type Dispatcher struct {
	db     *gorm.DB
	hub    *stream.Hub
	logger Logger
}

func NewDispatcher(db *gorm.DB, hub *stream.Hub, logger Logger) *Dispatcher {
	return &Dispatcher{db: db, hub: hub, logger: logger.NewSystem("notification-dispatcher")}
}

// Dispatch persists one row per target user (or one
// row carrying the whole receivers list for fan-out events) and then
// publishes the corresponding AppEvent.
func (d *Dispatcher) Dispatch(event EventType, targetUserID string, receivers []string, content any, metadata map[string]any) {
	row := &UserNotification{
		ID:       NewULID(),
		UserID:   targetUserID,
		Event:    event,
		Content:  toJSONMap(content),
		Metadata: toJSONMap(metadata),
	}
	if len(receivers) > 0 {
		row.Receivers = JSONMap{}
		for _, r := range receivers {
			row.Receivers[r] = true
		}
	}

	if err := d.db.Create(row).Error; err != nil {
		d.logger.Error("failed to persist notification", "event", event, "error", err)
		return
	}

	d.hub.Publish(stream.Event{
		UserID:    targetUserID,
		Kind:      string(event),
		Content:   content,
		Receivers: receivers,
		Metadata:  metadata,
	})
	d.logger.Info("notification dispatched", "event", event, "user", targetUserID)
}

func toJSONMap(v any) JSONMap {
	switch val := v.(type) {
	case nil:
		return JSONMap{}
	case map[string]any:
		return JSONMap(val)
	default:
		return JSONMap{"value": v}
	}
}

// ListNotifications returns userID's notifications, optionally filtered
// by event kind, for GET /api/notifications.
func ListNotifications(db *gorm.DB, userID string, filterByTypes []EventType, opts *ListOptions) ([]UserNotification, error) {
	q := db.Model(&UserNotification{}).Where("user_id = ?", userID)
	if len(filterByTypes) > 0 {
		q = q.Where("event IN ?", filterByTypes)
	}
	q = applyListOptions(q, "id", SortTypeDescending, opts)

	var rows []UserNotification
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// NewBalanceUpdateNotification dispatches a UserBalanceUpdate event
// after a transfer affecting walletID (== userID for user wallets).
func (d *Dispatcher) NewBalanceUpdateNotification(userID string) {
	balances, err := GetBalances(d.db, userID)
	if err != nil {
		d.logger.Error("failed to load balances for notification", "user", userID, "error", err)
		return
	}
	d.Dispatch(EventUserBalanceUpdate, userID, nil, balances, nil)
}

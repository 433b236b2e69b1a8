package main

import (
	"sync"
	"time"

	"gorm.io/gorm"
)

// EventUserStatus is the online/offline presence event.
const EventUserStatus EventType = "UserStatus"

// PresenceGuard tracks open-connection counts per user in a
// mutex-guarded counter map, with a delayed-offline transition: the
// UserStatus{is_online:false} event and the last_seen write happen only
// after dropWait elapses with zero open connections, so a reconnecting
// client (tab refresh, flaky network) never flickers the broadcast
// status. The counter itself drops on Disconnect, so Status reports a
// user offline as soon as the last connection closes.
type PresenceGuard struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	dropWait   time.Duration
	logger     Logger

	mu      sync.Mutex
	counts  map[string]int
	pending map[string]*time.Timer
}

func NewPresenceGuard(db *gorm.DB, dispatcher *Dispatcher, dropWait time.Duration, logger Logger) *PresenceGuard {
	return &PresenceGuard{
		db:         db,
		dispatcher: dispatcher,
		dropWait:   dropWait,
		logger:     logger.NewSystem("presence"),
		counts:     make(map[string]int),
		pending:    make(map[string]*time.Timer),
	}
}

// Connect registers a new open connection for userID. On the 0→1
// transition it cancels any pending offline timer and broadcasts
// UserStatus{is_online:true}.
func (g *PresenceGuard) Connect(userID string) {
	g.mu.Lock()
	g.counts[userID]++
	wentOnline := g.counts[userID] == 1
	if t, ok := g.pending[userID]; ok {
		t.Stop()
		delete(g.pending, userID)
	}
	g.mu.Unlock()

	if wentOnline {
		g.dispatcher.Dispatch(EventUserStatus, userID, nil, map[string]any{"user_id": userID, "is_online": true}, nil)
	}
}

// Disconnect releases one open connection for userID. When the counter
// reaches zero it schedules the delayed offline transition rather than
// firing immediately.
func (g *PresenceGuard) Disconnect(userID string) {
	g.mu.Lock()
	if g.counts[userID] > 0 {
		g.counts[userID]--
	}
	droppedToZero := g.counts[userID] == 0
	if droppedToZero {
		g.pending[userID] = time.AfterFunc(g.dropWait, func() { g.maybeGoOffline(userID) })
	}
	g.mu.Unlock()
}

func (g *PresenceGuard) maybeGoOffline(userID string) {
	g.mu.Lock()
	delete(g.pending, userID)
	stillZero := g.counts[userID] == 0
	g.mu.Unlock()

	if !stillZero {
		return
	}

	now := time.Now()
	if err := touchLastSeen(g.db, userID, now); err != nil {
		g.logger.Error("failed to record last_seen on offline transition", "user", userID, "error", err)
	}
	g.dispatcher.Dispatch(EventUserStatus, userID, nil, map[string]any{"user_id": userID, "is_online": false, "last_seen": now}, nil)
}

// userStatusResponse is the response shape for GET /api/users/status.
type userStatusResponse struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Status reports the current online/offline state of each requested
// user, for GET /api/users/status?user_ids=.
func (g *PresenceGuard) Status(db *gorm.DB, userIDs []string) ([]userStatusResponse, error) {
	g.mu.Lock()
	online := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		online[id] = g.counts[id] > 0
	}
	g.mu.Unlock()

	out := make([]userStatusResponse, 0, len(userIDs))
	for _, id := range userIDs {
		resp := userStatusResponse{UserID: id, IsOnline: online[id]}
		if !resp.IsOnline {
			u, err := getUser(db, id)
			if err == nil {
				resp.LastSeen = u.LastSeen
			}
		}
		out = append(out, resp)
	}
	return out, nil
}

package main

import (
	"time"

	"gorm.io/gorm"
)

// Follow is a user→user follow edge backing the UserFollowAdded
// notification.
type Follow struct {
	ID          string `gorm:"primaryKey;column:id"`
	FollowerID  string `gorm:"column:follower_id;not null;uniqueIndex:idx_follow_pair"`
	FollowingID string `gorm:"column:following_id;not null;uniqueIndex:idx_follow_pair"`
	CreatedAt   time.Time
}

func (Follow) TableName() string { return "follows" }

// AddFollow creates a follow edge idempotently and dispatches
// UserFollowAdded to the followed user.
func AddFollow(db *gorm.DB, dispatcher *Dispatcher, followerID, followingID string) (*Follow, error) {
	if followerID == followingID {
		return nil, newValidationFail("following_id", "a user cannot follow themselves")
	}

	var existing Follow
	err := db.Where("follower_id = ? AND following_id = ?", followerID, followingID).First(&existing).Error
	switch {
	case err == nil:
		return &existing, nil
	case err != gorm.ErrRecordNotFound:
		return nil, err
	}

	f := &Follow{ID: NewULID(), FollowerID: followerID, FollowingID: followingID}
	if err := db.Create(f).Error; err != nil {
		return nil, translateUniqueConstraintErr(err, "follow")
	}

	if dispatcher != nil {
		dispatcher.Dispatch(EventUserFollowAdded, followingID, nil, map[string]any{
			"follower_id":  followerID,
			"following_id": followingID,
		}, nil)
	}
	return f, nil
}

// LikePost increments a post's like count and notifies its creator via
// UserLikePost, reusing the counter post.go already maintains.
func LikePost(db *gorm.DB, dispatcher *Dispatcher, userID, postID string) error {
	p, err := getPost(db, postID)
	if err != nil {
		return err
	}
	if err := incrementLikeCount(db, postID, 1); err != nil {
		return err
	}
	if dispatcher != nil && p.CreatorID != userID {
		dispatcher.Dispatch(EventUserLikePost, p.CreatorID, nil, map[string]any{
			"post_id": postID,
			"user_id": userID,
		}, nil)
	}
	return nil
}

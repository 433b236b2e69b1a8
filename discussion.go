package main

import (
	"gorm.io/gorm"
)

// Discussion belongs to a community and holds posts. Private chat
// rooms set PrivateUserIDs and, once finalized, restrict posting and
// reading to that set.
type Discussion struct {
	ID                      string   `gorm:"primaryKey;column:id"`
	CommunityID             string   `gorm:"column:community_id;index"`
	Title                   string   `gorm:"column:title"`
	ImageURL                string   `gorm:"column:image_url"`
	TopicIDs                JSONMap  `gorm:"column:topic_ids;type:varchar(2048)"`
	PrivateUserIDs          JSONMap  `gorm:"column:private_user_ids;type:varchar(2048)"`
	PrivateUsersFinal       bool     `gorm:"column:private_users_final;not null;default:false"`
	CreatorID               string   `gorm:"column:creator_id;not null"`
	LatestPostID            *string  `gorm:"column:latest_post_id"`
}

func (Discussion) TableName() string { return "discussions" }

func (d Discussion) parentRecord(db *gorm.DB) (authzRecord, bool, error) {
	if d.CommunityID == "" {
		return authzRecord{}, false, nil
	}
	return authzRecord{Table: "community", Key: d.CommunityID}, true, nil
}

func (d Discussion) authzKey() authzRecord {
	return authzRecord{Table: "discussion", Key: d.ID}
}

// isPrivate reports whether d is a finalized private chat room.
func (d Discussion) isPrivate() bool {
	return d.PrivateUsersFinal && len(d.PrivateUserIDs) > 0
}

// isParticipant reports whether userID is in the finalized private-chat
// participant set.
func (d Discussion) isParticipant(userID string) bool {
	if d.PrivateUserIDs == nil {
		return false
	}
	_, ok := d.PrivateUserIDs[userID]
	return ok
}

func getDiscussion(db *gorm.DB, id string) (*Discussion, error) {
	var d Discussion
	if err := db.Where("id = ?", id).First(&d).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "discussion:" + id}
		}
		return nil, err
	}
	return &d, nil
}

// CreateDiscussion creates a discussion belonging to communityID.
// Admins may not create discussions; that check is enforced by the
// caller (the HTTP handler), which already knows the requester's role.
func CreateDiscussion(db *gorm.DB, creatorID, communityID, title string, participantIDs []string, finalized bool) (*Discussion, error) {
	d := &Discussion{
		ID:                NewULID(),
		CommunityID:       communityID,
		Title:             title,
		CreatorID:         creatorID,
		PrivateUsersFinal: finalized,
	}
	if len(participantIDs) > 0 {
		d.PrivateUserIDs = JSONMap{}
		for _, id := range participantIDs {
			d.PrivateUserIDs[id] = true
		}
	}
	if err := db.Create(d).Error; err != nil {
		return nil, err
	}
	return d, nil
}

// setLatestPost updates the discussion's latest-post pointer, run inside
// the caller's post-creation transaction.
func setLatestPost(tx *gorm.DB, discussionID, postID string) error {
	return tx.Model(&Discussion{}).Where("id = ?", discussionID).Update("latest_post_id", postID).Error
}

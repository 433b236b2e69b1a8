package main

import (
	"gorm.io/gorm"
)

// UserNickname is a per-viewer label a user may attach to another
// user, unique per (viewer, target) pair.
type UserNickname struct {
	ID           string `gorm:"primaryKey;column:id"`
	ViewerUserID string `gorm:"column:viewer_user_id;not null;uniqueIndex:idx_viewer_target"`
	TargetUserID string `gorm:"column:target_user_id;not null;uniqueIndex:idx_viewer_target"`
	Nickname     string `gorm:"column:nickname;not null"`
}

func (UserNickname) TableName() string { return "user_nicknames" }

// SetNickname upserts the (viewer, target) nickname.
func SetNickname(db *gorm.DB, viewerID, targetID, nickname string) (*UserNickname, error) {
	if nickname == "" {
		return nil, newValidationFail("nickname", "nickname must not be empty")
	}

	tx := db.Begin()
	defer tx.Rollback()

	var existing UserNickname
	err := tx.Where("viewer_user_id = ? AND target_user_id = ?", viewerID, targetID).First(&existing).Error
	switch err {
	case nil:
		existing.Nickname = nickname
		if err := tx.Save(&existing).Error; err != nil {
			return nil, err
		}
	case gorm.ErrRecordNotFound:
		existing = UserNickname{
			ID:           NewULID(),
			ViewerUserID: viewerID,
			TargetUserID: targetID,
			Nickname:     nickname,
		}
		if err := tx.Create(&existing).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// ListNicknames returns every nickname viewerID has assigned.
func ListNicknames(db *gorm.DB, viewerID string) ([]UserNickname, error) {
	var rows []UserNickname
	if err := db.Where("viewer_user_id = ?", viewerID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// nicknamesFor resolves viewerID's nicknames for a set of target user
// ids in one query, used by the wallet history listing to label
// counterparties.
func nicknamesFor(db *gorm.DB, viewerID string, targetIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(targetIDs) == 0 {
		return out, nil
	}
	var rows []UserNickname
	if err := db.Where("viewer_user_id = ? AND target_user_id IN ?", viewerID, targetIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.TargetUserID] = r.Nickname
	}
	return out, nil
}

package main

import "gorm.io/gorm"

// Reply belongs to a Post or to a parent Reply, never both.
type Reply struct {
	ID            string  `gorm:"primaryKey;column:id"`
	PostID        *string `gorm:"column:post_id;index"`
	ParentReplyID *string `gorm:"column:parent_reply_id;index"`
	CreatorID     string  `gorm:"column:creator_id;not null"`
	Content       string  `gorm:"column:content;not null"`
	LikeCount     int64   `gorm:"column:like_count;not null;default:0"`
	CreatedAt     int64   `gorm:"column:created_at_ulid"`
}

func (Reply) TableName() string { return "replies" }

// CreateReply attaches a reply to either a post or a parent reply and
// bumps the root post's reply_count.
func CreateReply(db *gorm.DB, creatorID, content string, postID, parentReplyID *string) (*Reply, error) {
	if (postID == nil) == (parentReplyID == nil) {
		return nil, newValidationFail("reply", "a reply must belong to exactly one of post or parent reply")
	}

	r := &Reply{ID: NewULID(), CreatorID: creatorID, Content: content, PostID: postID, ParentReplyID: parentReplyID}

	rootPostID, err := resolveRootPost(db, postID, parentReplyID)
	if err != nil {
		return nil, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return incrementReplyCount(tx, rootPostID, 1)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func resolveRootPost(db *gorm.DB, postID, parentReplyID *string) (string, error) {
	if postID != nil {
		return *postID, nil
	}
	var parent Reply
	if err := db.Where("id = ?", *parentReplyID).First(&parent).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", &ErrEntityNotFound{Ident: "reply:" + *parentReplyID}
		}
		return "", err
	}
	return resolveRootPost(db, parent.PostID, parent.ParentReplyID)
}

// DeleteReply cascades to every descendant reply.
func DeleteReply(db *gorm.DB, replyID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var children []Reply
		if err := tx.Where("parent_reply_id = ?", replyID).Find(&children).Error; err != nil {
			return err
		}
		for _, child := range children {
			if err := deleteReplySubtree(tx, child.ID); err != nil {
				return err
			}
		}
		return tx.Where("id = ?", replyID).Delete(&Reply{}).Error
	})
}

func deleteReplySubtree(tx *gorm.DB, replyID string) error {
	var children []Reply
	if err := tx.Where("parent_reply_id = ?", replyID).Find(&children).Error; err != nil {
		return err
	}
	for _, child := range children {
		if err := deleteReplySubtree(tx, child.ID); err != nil {
			return err
		}
	}
	return tx.Where("id = ?", replyID).Delete(&Reply{}).Error
}

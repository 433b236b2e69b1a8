package main

import (
	"gorm.io/gorm"
)

// PostType is the optional post kind.
type PostType string

const (
	PostTypePublic  PostType = "public"
	PostTypePrivate PostType = "private"
	PostTypeIdea    PostType = "idea"
)

// Post belongs to a discussion. Its id is a ULID, so posts within a
// discussion sort monotonically by creation.
type Post struct {
	ID           string   `gorm:"primaryKey;column:id"`
	DiscussionID string   `gorm:"column:discussion_id;not null;uniqueIndex:idx_discussion_slug"`
	CreatorID    string   `gorm:"column:creator_id;not null"`
	Title        string   `gorm:"column:title;not null"`
	Slug         string   `gorm:"column:slug;not null;uniqueIndex:idx_discussion_slug"`
	TopicID      *string  `gorm:"column:topic_id"`
	Content      string   `gorm:"column:content"`
	MediaLinks   JSONMap  `gorm:"column:media_links;type:varchar(2048)"`
	Tags         JSONMap  `gorm:"column:tags;type:varchar(512)"`
	LikeCount    int64    `gorm:"column:like_count;not null;default:0"`
	ReplyCount   int64    `gorm:"column:reply_count;not null;default:0"`
	Type         PostType `gorm:"column:type"`
}

func (Post) TableName() string { return "posts" }

func (p Post) parentRecord(db *gorm.DB) (authzRecord, bool, error) {
	return authzRecord{Table: "discussion", Key: p.DiscussionID}, true, nil
}

func (p Post) authzKey() authzRecord {
	return authzRecord{Table: "post", Key: p.ID}
}

const maxPostTags = 5

// CreatePost creates a post, enforcing the (discussion, slug) uniqueness
// invariant and the ≤5 tags limit, then updates the discussion's
// latest-post pointer in the same transaction.
func CreatePost(db *gorm.DB, creatorID, discussionID, title, slug, content string, tags []string, postType PostType) (*Post, error) {
	if len(tags) > maxPostTags {
		return nil, newValidationFail("tags", "a post may carry at most 5 tags")
	}
	slug = slugifyUsername(slug)
	if slug == "" {
		return nil, newValidationFail("slug", "slug must not be empty")
	}

	p := &Post{
		ID:           NewULID(),
		DiscussionID: discussionID,
		CreatorID:    creatorID,
		Title:        title,
		Slug:         slug,
		Content:      content,
		Type:         postType,
	}
	if len(tags) > 0 {
		p.Tags = JSONMap{}
		for _, tg := range tags {
			p.Tags[tg] = true
		}
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return translateUniqueConstraintErr(err, "post:"+discussionID+"/"+slug)
		}
		return setLatestPost(tx, discussionID, p.ID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func getPost(db *gorm.DB, id string) (*Post, error) {
	var p Post
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "post:" + id}
		}
		return nil, err
	}
	return &p, nil
}

// DeletePost refuses to delete a post that a still-running task
// request references.
func DeletePost(db *gorm.DB, postID string) error {
	var count int64
	if err := db.Model(&TaskRequest{}).
		Where("post_id = ? AND status != ?", postID, TaskStatusCompleted).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return newValidationFail("post", "post has an in-progress task request and cannot be deleted")
	}
	return db.Where("id = ?", postID).Delete(&Post{}).Error
}

func incrementLikeCount(db *gorm.DB, postID string, delta int64) error {
	return db.Model(&Post{}).Where("id = ?", postID).
		Update("like_count", gorm.Expr("like_count + ?", delta)).Error
}

func incrementReplyCount(db *gorm.DB, postID string, delta int64) error {
	return db.Model(&Post{}).Where("id = ?", postID).
		Update("reply_count", gorm.Expr("reply_count + ?", delta)).Error
}

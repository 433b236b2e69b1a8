package main

import "gorm.io/gorm"

// Topic is a named grouping within a discussion, optionally gated by
// an Access rule.
type Topic struct {
	ID           string  `gorm:"primaryKey;column:id"`
	Title        string  `gorm:"column:title;not null"`
	Hidden       bool    `gorm:"column:hidden;not null;default:false"`
	AccessRuleID *string `gorm:"column:access_rule_id"`
}

func (Topic) TableName() string { return "topics" }

func CreateTopic(db *gorm.DB, title string, hidden bool, accessRuleID *string) (*Topic, error) {
	t := &Topic{ID: NewULID(), Title: title, Hidden: hidden, AccessRuleID: accessRuleID}
	if err := db.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func getTopic(db *gorm.DB, id string) (*Topic, error) {
	var t Topic
	if err := db.Where("id = ?", id).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "topic:" + id}
		}
		return nil, err
	}
	return &t, nil
}

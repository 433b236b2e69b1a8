package main

import (
	"gorm.io/gorm"
)

// Community is a container for discussions. Every user has a profile
// community whose id equals their own (see CreateUser); other
// communities are created explicitly.
type Community struct {
	ID                string `gorm:"primaryKey;column:id"`
	Title             string `gorm:"column:title"`
	Name              string `gorm:"column:name;uniqueIndex;not null"`
	DefaultDiscussion string `gorm:"column:default_discussion_id;not null"`
	CreatorID         string `gorm:"column:creator_id;not null"`
}

func (Community) TableName() string { return "communities" }

// parentRecord: a Community has no parent, so the authorization
// ancestor chain ends here.
func (c Community) parentRecord(db *gorm.DB) (authzRecord, bool, error) {
	return authzRecord{}, false, nil
}

func (c Community) authzKey() authzRecord {
	return authzRecord{Table: "community", Key: c.ID}
}

func getCommunity(db *gorm.DB, id string) (*Community, error) {
	var c Community
	if err := db.Where("id = ?", id).First(&c).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "community:" + id}
		}
		return nil, err
	}
	return &c, nil
}

// CreateCommunity creates a community with its default discussion, the
// same atomic pairing CreateUser uses for the implicit profile
// community.
func CreateCommunity(db *gorm.DB, creatorID, name, title string) (*Community, error) {
	slug := slugifyUsername(name)
	if slug == "" {
		return nil, newValidationFail("name", "name must not be empty")
	}

	community := &Community{ID: NewULID(), Name: slug, Title: title, CreatorID: creatorID}
	discussion := &Discussion{ID: NewULID(), CreatorID: creatorID}

	err := db.Transaction(func(tx *gorm.DB) error {
		community.DefaultDiscussion = discussion.ID
		if err := tx.Create(community).Error; err != nil {
			return translateUniqueConstraintErr(err, "community")
		}
		discussion.CommunityID = community.ID
		return tx.Create(discussion).Error
	})
	if err != nil {
		return nil, err
	}
	return community, nil
}

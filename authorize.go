package main

import (
	"time"

	"gorm.io/gorm"
)

// Activity is a totally-ordered capability level:
// Visitor < Member < Editor < Admin < Owner.
type Activity int

const (
	ActivityVisitor Activity = 1
	ActivityMember  Activity = 2
	ActivityEditor  Activity = 3
	ActivityAdmin   Activity = 4
	ActivityOwner   Activity = 5
)

// Authorization is a (record, activity, height) capability triple.
type Authorization struct {
	Record   authzRecord
	Activity Activity
	Height   int
}

// authzRecord identifies any record by (table, key).
type authzRecord struct {
	Table string
	Key   string
}

// Ge reports whether a (the held grant) dominates b (the requirement),
// which requires the same record, activity ≥, and height ≥.
func (a Authorization) Ge(b Authorization) (bool, error) {
	if a.Record != b.Record {
		return false, &ErrAuthorizationFail{Required: "record mismatch"}
	}
	return a.Activity >= b.Activity && a.Height >= b.Height, nil
}

// authzParentable is implemented by every entity that participates in
// the hierarchical authorization chain: Post→Discussion→Community.
type authzParentable interface {
	parentRecord(db *gorm.DB) (authzRecord, bool, error)
	authzKey() authzRecord
}

// ancestors walks the parent chain starting at record (inclusive),
// materializing the ancestor set the resolver checks grants against.
func ancestors(db *gorm.DB, record authzRecord) ([]authzRecord, error) {
	chain := []authzRecord{record}

	current := record
	for i := 0; i < 32; i++ { // hard depth cap guards against a cyclic parent bug
		entity, err := loadAuthzEntity(db, current)
		if err != nil {
			return nil, err
		}
		parent, ok, err := entity.parentRecord(db)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

func loadAuthzEntity(db *gorm.DB, record authzRecord) (authzParentable, error) {
	switch record.Table {
	case "community":
		return getCommunity(db, record.Key)
	case "discussion":
		return getDiscussion(db, record.Key)
	case "post":
		return getPost(db, record.Key)
	default:
		return staticAuthzRecord(record), nil
	}
}

// staticAuthzRecord is a leaf record with no further parent (used for
// task/topic records that terminate the chain without their own table
// lookup here).
type staticAuthzRecord authzRecord

func (s staticAuthzRecord) parentRecord(db *gorm.DB) (authzRecord, bool, error) {
	return authzRecord{}, false, nil
}
func (s staticAuthzRecord) authzKey() authzRecord { return authzRecord(s) }

// IsAuthorized reports whether userID holds a grant dominating required
// on the target record or any of its ancestors. Side-effect-free;
// reads only.
func IsAuthorized(db *gorm.DB, userID string, required Authorization) error {
	chain, err := ancestors(db, required.Record)
	if err != nil {
		return err
	}

	grants, err := activeAccessRights(db, userID)
	if err != nil {
		return err
	}

	for _, record := range chain {
		for _, grant := range grants {
			if grant.Authorization.Record != record {
				continue
			}
			dominates, _ := grant.Authorization.Ge(Authorization{Record: record, Activity: required.Activity, Height: required.Height})
			if dominates {
				return nil
			}
		}
	}

	return &ErrAuthorizationFail{Required: authzRequirementLabel(required)}
}

func authzRequirementLabel(a Authorization) string {
	switch a.Record.Table {
	case "discussion":
		return "Is chat participant"
	default:
		return a.Record.Table + ":" + a.Record.Key
	}
}

// activeAccessRights loads userID's non-expired Access rights.
func activeAccessRights(db *gorm.DB, userID string) ([]grantedRight, error) {
	rights, err := listAccessRightsByUser(db, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]grantedRight, 0, len(rights))
	for _, r := range rights {
		if r.Expiry != nil && r.Expiry.Before(now) {
			continue
		}
		out = append(out, grantedRight{
			Authorization: Authorization{
				Record:   authzRecord{Table: r.RecordTable, Key: r.RecordKey},
				Activity: r.Activity,
				Height:   r.Height,
			},
		})
	}
	return out, nil
}

type grantedRight struct {
	Authorization Authorization
}

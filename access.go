package main

import (
	"time"

	"gorm.io/gorm"
)

// AccessRule describes a purchasable grant: (target-entity, title, required
// Authorization, optional price, optional period-days, ...).
type AccessRule struct {
	ID               string  `gorm:"primaryKey;column:id"`
	TargetTable      string  `gorm:"column:target_table;not null"`
	TargetKey        string  `gorm:"column:target_key;not null"`
	Title            string  `gorm:"column:title;not null"`
	RequiredActivity Activity `gorm:"column:required_activity;not null"`
	RequiredHeight   int     `gorm:"column:required_height;not null;default:0"`
	PriceMinorUnits  *Money  `gorm:"column:price;type:varchar(78)"`
	PriceCurrency    *CurrencySymbol `gorm:"column:price_currency"`
	PeriodDays       *int    `gorm:"column:period_days"`
	ConfirmationText string  `gorm:"column:confirmation_text"`
	RedirectURL      string  `gorm:"column:redirect_url"`
}

func (AccessRule) TableName() string { return "access_rules" }

// AccessRight is a capability grant held by a user.
type AccessRight struct {
	ID             string     `gorm:"primaryKey;column:id"`
	UserID         string     `gorm:"column:user_id;not null;index:idx_access_right_user"`
	AccessRuleID   *string    `gorm:"column:access_rule_id"`
	RecordTable    string     `gorm:"column:record_table;not null"`
	RecordKey      string     `gorm:"column:record_key;not null"`
	Activity       Activity   `gorm:"column:activity;not null"`
	Height         int        `gorm:"column:height;not null;default:0"`
	PaymentActions JSONMap    `gorm:"column:payment_actions;type:varchar(2048)"`
	Expiry         *time.Time `gorm:"column:expiry"`
	CreatedAt      time.Time
}

func (AccessRight) TableName() string { return "access_rights" }

func listAccessRightsByUser(db *gorm.DB, userID string) ([]AccessRight, error) {
	var rights []AccessRight
	if err := db.Where("user_id = ?", userID).Find(&rights).Error; err != nil {
		return nil, err
	}
	return rights, nil
}

// Authorize grants userID the Authorization auth, idempotently: if the
// user already holds a right that satisfies auth, this is a no-op.
func Authorize(db *gorm.DB, userID string, auth Authorization, expiry *time.Time) (*AccessRight, error) {
	if err := IsAuthorized(db, userID, auth); err == nil {
		existing, findErr := findSatisfyingRight(db, userID, auth)
		if findErr == nil && existing != nil {
			return existing, nil
		}
	}

	right := &AccessRight{
		ID:          NewULID(),
		UserID:      userID,
		RecordTable: auth.Record.Table,
		RecordKey:   auth.Record.Key,
		Activity:    auth.Activity,
		Height:      auth.Height,
		Expiry:      expiry,
	}
	if err := db.Create(right).Error; err != nil {
		return nil, err
	}
	return right, nil
}

func findSatisfyingRight(db *gorm.DB, userID string, auth Authorization) (*AccessRight, error) {
	rights, err := listAccessRightsByUser(db, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range rights {
		r := rights[i]
		if r.RecordTable != auth.Record.Table || r.RecordKey != auth.Record.Key {
			continue
		}
		if r.Expiry != nil && r.Expiry.Before(now) {
			continue
		}
		if r.Activity >= auth.Activity && r.Height >= auth.Height {
			return &r, nil
		}
	}
	return nil, nil
}

// AddPaidAccessRight records a paid grant: it extends an
// existing grant's expiry by rule.PeriodDays if one exists, otherwise
// creates a new one.
func AddPaidAccessRight(db *gorm.DB, userID string, rule AccessRule, paymentAction string) (*AccessRight, error) {
	var existing AccessRight
	err := db.Where("user_id = ? AND record_table = ? AND record_key = ?", userID, rule.TargetTable, rule.TargetKey).
		First(&existing).Error

	periodDays := 0
	if rule.PeriodDays != nil {
		periodDays = *rule.PeriodDays
	}

	switch err {
	case nil:
		base := time.Now()
		if existing.Expiry != nil && existing.Expiry.After(base) {
			base = *existing.Expiry
		}
		newExpiry := base.Add(time.Duration(periodDays) * 24 * time.Hour)
		existing.Expiry = &newExpiry
		if existing.PaymentActions == nil {
			existing.PaymentActions = JSONMap{}
		}
		existing.PaymentActions[paymentAction] = time.Now().Format(rfc3339Format)
		if err := db.Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil

	case gorm.ErrRecordNotFound:
		var expiryPtr *time.Time
		if periodDays > 0 {
			e := time.Now().Add(time.Duration(periodDays) * 24 * time.Hour)
			expiryPtr = &e
		}
		right := &AccessRight{
			ID:             NewULID(),
			UserID:         userID,
			AccessRuleID:   &rule.ID,
			RecordTable:    rule.TargetTable,
			RecordKey:      rule.TargetKey,
			Activity:       rule.RequiredActivity,
			Height:         rule.RequiredHeight,
			Expiry:         expiryPtr,
			PaymentActions: JSONMap{paymentAction: time.Now().Format(rfc3339Format)},
		}
		if err := db.Create(right).Error; err != nil {
			return nil, err
		}
		return right, nil

	default:
		return nil, err
	}
}

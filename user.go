package main

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// UserRole controls access to admin-only operations.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// AuthMechanism enumerates the supported primary-authentication
// methods.
type AuthMechanism string

const (
	AuthMechanismPassword  AuthMechanism = "password"
	AuthMechanismEmail     AuthMechanism = "email"
	AuthMechanismPublicKey AuthMechanism = "public_key"
	AuthMechanismPasskey   AuthMechanism = "passkey"
	AuthMechanismApple     AuthMechanism = "apple"
	AuthMechanismGoogle    AuthMechanism = "google"
	AuthMechanismFacebook  AuthMechanism = "facebook"
)

// User is the core identity record. The profile Community/Discussion
// pair is created alongside it (see CreateUser) and referenced by id
// rather than embedded.
type User struct {
	ID          string     `gorm:"primaryKey;column:id"`
	Username    string     `gorm:"column:username;uniqueIndex;not null"`
	Email       *string    `gorm:"column:email;uniqueIndex"`
	FullName    string     `gorm:"column:full_name"`
	ImageURL    string     `gorm:"column:image_url"`
	TOTPSecret  *string    `gorm:"column:totp_secret"`
	Role        UserRole   `gorm:"column:role;not null;default:user"`
	LastSeen    *time.Time `gorm:"column:last_seen"`
	CreatedAt   time.Time
}

func (User) TableName() string { return "users" }

// AuthenticationRecord stores one credential per (user, mechanism)
// pair.
type AuthenticationRecord struct {
	ID         string        `gorm:"primaryKey;column:id"`
	UserID     string        `gorm:"column:user_id;not null;uniqueIndex:idx_user_mechanism"`
	Mechanism  AuthMechanism `gorm:"column:mechanism;not null;uniqueIndex:idx_user_mechanism"`
	Token      string        `gorm:"column:token;not null"`
	PasskeyRaw []byte        `gorm:"column:passkey_raw"`
	CreatedAt  time.Time
}

func (AuthenticationRecord) TableName() string { return "authentication_records" }

// slugifyUsername lower-cases and strips everything but [a-z0-9-_] so
// usernames stay URL-safe.
func slugifyUsername(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// CreateUser creates a User, its profile Community, and that
// community's default Discussion as a single atomic action. The
// profile community's key equals the user's key.
func CreateUser(db *gorm.DB, username, fullName string, email *string) (*User, error) {
	slug := slugifyUsername(username)
	if slug == "" {
		return nil, newValidationFail("username", "username must not be empty")
	}

	u := &User{
		ID:       NewULID(),
		Username: slug,
		FullName: fullName,
		Email:    email,
		Role:     RoleUser,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			return translateUniqueConstraintErr(err, "user")
		}

		discussionID := NewULID()
		community := &Community{
			ID:                u.ID,
			Name:              slug,
			CreatorID:         u.ID,
			DefaultDiscussion: discussionID,
		}
		if err := tx.Create(community).Error; err != nil {
			return err
		}

		discussion := &Discussion{
			ID:          discussionID,
			CommunityID: community.ID,
			CreatorID:   u.ID,
		}
		return tx.Create(discussion).Error
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func getUser(db *gorm.DB, userID string) (*User, error) {
	var u User
	if err := db.Where("id = ?", userID).First(&u).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrEntityNotFound{Ident: "user:" + userID}
		}
		return nil, err
	}
	return &u, nil
}

// touchLastSeen writes last_seen = now, used by the presence guard's
// offline transition.
func touchLastSeen(db *gorm.DB, userID string, at time.Time) error {
	return db.Model(&User{}).Where("id = ?", userID).Update("last_seen", at).Error
}

func translateUniqueConstraintErr(err error, ident string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
		return &ErrEntityAlreadyExists{Ident: ident}
	}
	return err
}

package main

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// tokenAccess distinguishes the two JWT claim shapes this service
// issues: a
// login-access token unlocks mutation endpoints, an otp-access token
// only unlocks the OTP-completion endpoint.
type tokenAccess string

const (
	tokenAccessLogin tokenAccess = "login"
	tokenAccessOTP   tokenAccess = "otp"
)

// SessionClaims is the session JWT payload: an access flag plus
// the authenticated user id.
type SessionClaims struct {
	UserID string      `json:"user_id"`
	Access tokenAccess `json:"access"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies session JWTs. OTP-access tokens
// are stateless JWTs like login tokens. The mutex-guarded pendingOTP map
// is swept of expired entries by a TTL cleanup ticker; nothing in this
// package adds entries to it.
type SessionManager struct {
	signingKey    []byte
	loginTokenTTL time.Duration
	otpTokenTTL   time.Duration

	pendingOTP   map[string]pendingOTPSession // otp-access jti -> pending session
	pendingOTPMu sync.RWMutex
}

type pendingOTPSession struct {
	userID    string
	expiresAt time.Time
}

func NewSessionManager(signingKey string, loginTokenTTL, otpTokenTTL time.Duration) *SessionManager {
	sm := &SessionManager{
		signingKey:    []byte(signingKey),
		loginTokenTTL: loginTokenTTL,
		otpTokenTTL:   otpTokenTTL,
		pendingOTP:    make(map[string]pendingOTPSession),
	}
	go sm.cleanupExpiredPendingOTP()
	return sm
}

// HashPassword hashes a plaintext password for storage in
// AuthenticationRecord.Token. Passwords are never stored in the clear.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks plaintext against a bcrypt hash produced by
// HashPassword.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// IssueLoginToken mints an access=login JWT for userID.
func (sm *SessionManager) IssueLoginToken(userID string) (string, error) {
	return sm.issueToken(userID, tokenAccessLogin, sm.loginTokenTTL)
}

// IssueOTPToken mints an access=otp JWT for userID, used when the user
// has a TOTP secret set and must complete 2FA before a login token is
// granted.
func (sm *SessionManager) IssueOTPToken(userID string) (string, error) {
	return sm.issueToken(userID, tokenAccessOTP, sm.otpTokenTTL)
}

func (sm *SessionManager) issueToken(userID string, access tokenAccess, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		Access: access,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "commons",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(sm.signingKey)
}

// VerifySessionToken parses and validates tokenString, returning the
// claims it carries. Callers distinguish login vs. otp access via
// claims.Access.
func (sm *SessionManager) VerifySessionToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return sm.signingKey, nil
	})
	if err != nil {
		return nil, &ErrAuthFailJWTInvalid{Cause: err}
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, &ErrAuthFailJWTInvalid{Cause: errors.New("invalid token claims")}
	}

	if claims.Issuer != "commons" {
		return nil, &ErrAuthFailJWTInvalid{Cause: errors.New("unexpected issuer")}
	}

	return claims, nil
}

// RequireLoginAccess returns ErrAuthorizationFail unless claims carry
// the login-access flag; only login-access tokens unlock mutation
// endpoints, an otp-access token cannot.
func RequireLoginAccess(claims *SessionClaims) error {
	if claims.Access != tokenAccessLogin {
		return &ErrAuthorizationFail{Required: "login-access token"}
	}
	return nil
}

func (sm *SessionManager) cleanupExpiredPendingOTP() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		sm.pendingOTPMu.Lock()
		for jti, session := range sm.pendingOTP {
			if now.After(session.expiresAt) {
				delete(sm.pendingOTP, jti)
			}
		}
		sm.pendingOTPMu.Unlock()
	}
}

// --- TOTP (RFC 6238) ---
//
// The standard HMAC-SHA1 TOTP algorithm, implemented directly over
// stdlib crypto primitives.

const (
	totpStep   = 30 * time.Second
	totpDigits = 6
)

// VerifyTOTP checks code against the TOTP derived from secret (base32,
// unpadded) for the current time step, tolerating one step of clock
// skew in either direction.
func VerifyTOTP(secret, code string) bool {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return false
	}

	now := time.Now()
	for _, skew := range []int64{0, -1, 1} {
		counter := uint64(now.Unix()/int64(totpStep.Seconds())) + uint64(skew)
		if generateTOTP(key, counter) == code {
			return true
		}
	}
	return false
}

// AuthenticateUser verifies username/password against the stored
// AuthenticationRecord and returns the matching User.
func AuthenticateUser(db *gorm.DB, username, password string) (*User, error) {
	var user User
	if err := db.Where("username = ?", slugifyUsername(username)).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrAuthenticationFail{Reason: "unknown username"}
		}
		return nil, err
	}

	var record AuthenticationRecord
	if err := db.Where("user_id = ? AND mechanism = ?", user.ID, AuthMechanismPassword).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &ErrAuthenticationFail{Reason: "no password set"}
		}
		return nil, err
	}

	if !VerifyPassword(record.Token, password) {
		return nil, &ErrAuthenticationFail{Reason: "bad credentials"}
	}

	return &user, nil
}

// SetPassword creates or replaces userID's password AuthenticationRecord.
func SetPassword(db *gorm.DB, userID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	var existing AuthenticationRecord
	err = db.Where("user_id = ? AND mechanism = ?", userID, AuthMechanismPassword).First(&existing).Error
	switch {
	case err == nil:
		return db.Model(&existing).Update("token", hash).Error
	case err == gorm.ErrRecordNotFound:
		return db.Create(&AuthenticationRecord{
			ID:        NewULID(),
			UserID:    userID,
			Mechanism: AuthMechanismPassword,
			Token:     hash,
		}).Error
	default:
		return err
	}
}

func generateTOTP(key []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(math.Pow10(totpDigits))
	return fmt.Sprintf("%0*d", totpDigits, truncated%mod)
}

package main

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionManagerLoginToken(t *testing.T) {
	sm := NewSessionManager("test-signing-key", time.Hour, 5*time.Minute)

	token, err := sm.IssueLoginToken("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := sm.VerifySessionToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, tokenAccessLogin, claims.Access)
	require.NoError(t, RequireLoginAccess(claims))
}

func TestSessionManagerOTPTokenDoesNotUnlockMutation(t *testing.T) {
	sm := NewSessionManager("test-signing-key", time.Hour, 5*time.Minute)

	token, err := sm.IssueOTPToken("user-1")
	require.NoError(t, err)

	claims, err := sm.VerifySessionToken(token)
	require.NoError(t, err)
	require.Equal(t, tokenAccessOTP, claims.Access)

	err = RequireLoginAccess(claims)
	require.Error(t, err)
	require.IsType(t, &ErrAuthorizationFail{}, err)
}

func TestSessionManagerRejectsWrongSigningKey(t *testing.T) {
	sm1 := NewSessionManager("key-one", time.Hour, time.Minute)
	sm2 := NewSessionManager("key-two", time.Hour, time.Minute)

	token, err := sm1.IssueLoginToken("user-1")
	require.NoError(t, err)

	_, err = sm2.VerifySessionToken(token)
	require.Error(t, err)
	require.IsType(t, &ErrAuthFailJWTInvalid{}, err)
}

func TestSessionManagerRejectsExpiredToken(t *testing.T) {
	sm := NewSessionManager("test-signing-key", 10*time.Millisecond, time.Minute)

	token, err := sm.IssueLoginToken("user-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = sm.VerifySessionToken(token)
	require.Error(t, err)
	require.IsType(t, &ErrAuthFailJWTInvalid{}, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.True(t, VerifyPassword(hash, "correct-horse-battery-staple"))
	require.False(t, VerifyPassword(hash, "wrong-password"))
}

func TestAuthenticateUser(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user, err := CreateUser(db, "alice", "Alice A", nil)
	require.NoError(t, err)
	require.NoError(t, SetPassword(db, user.ID, "hunter22"))

	got, err := AuthenticateUser(db, "alice", "hunter22")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = AuthenticateUser(db, "alice", "wrong")
	require.Error(t, err)
	require.IsType(t, &ErrAuthenticationFail{}, err)

	_, err = AuthenticateUser(db, "no-such-user", "anything")
	require.Error(t, err)
	require.IsType(t, &ErrAuthenticationFail{}, err)
}

func TestVerifyTOTP(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)

	code := generateTOTP(key, uint64(time.Now().Unix()/30))
	require.True(t, VerifyTOTP(secret, code))
	require.False(t, VerifyTOTP(secret, "000000"))
}

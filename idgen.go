package main

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a monotonic, mutex-guarded entropy source shared by every
// NewULID call so that ids minted within the same millisecond still sort
// lexicographically in creation order.
var (
	idEntropyMu sync.Mutex
	idEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a new record key. Every identifier in this module —
// users, communities, discussions, posts, replies, wallets, balance
// transactions, tasks, notifications — is produced here.
func NewULID() string {
	idEntropyMu.Lock()
	defer idEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// looksLikeULID is a cheap shape check used by handlers to fail fast on
// obviously malformed path parameters before hitting the database.
func looksLikeULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

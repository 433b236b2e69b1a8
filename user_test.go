package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	t.Run("CreatesProfileCommunityAndDefaultDiscussion", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		u, err := CreateUser(db, "Alice Smith", "Alice Smith", nil)
		require.NoError(t, err)
		require.Equal(t, "alice-smith", u.Username)

		// The profile community's key equals the user's key.
		community, err := getCommunity(db, u.ID)
		require.NoError(t, err)
		require.Equal(t, u.ID, community.CreatorID)
		require.Equal(t, u.Username, community.Name)

		d, err := getDiscussion(db, community.DefaultDiscussion)
		require.NoError(t, err)
		require.Equal(t, community.ID, d.CommunityID)
	})

	t.Run("RejectsEmptyUsername", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		_, err := CreateUser(db, "!!!", "Nobody", nil)
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)
	})

	t.Run("RejectsDuplicateUsername", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		_, err := CreateUser(db, "alice", "Alice", nil)
		require.NoError(t, err)
		_, err = CreateUser(db, "Alice", "Alice Again", nil)
		var exists *ErrEntityAlreadyExists
		require.ErrorAs(t, err, &exists)
	})

	t.Run("RejectsDuplicateEmail", func(t *testing.T) {
		db, cleanup := setupTestDB(t)
		defer cleanup()

		email := "a@example.com"
		_, err := CreateUser(db, "alice", "Alice", &email)
		require.NoError(t, err)
		_, err = CreateUser(db, "bob", "Bob", &email)
		var exists *ErrEntityAlreadyExists
		require.ErrorAs(t, err, &exists)
	})
}

func TestSlugifyUsername(t *testing.T) {
	cases := map[string]string{
		"Alice Smith": "alice-smith",
		"BOB":         "bob",
		"no_way-99":   "no_way-99",
		"émile":       "mile",
		"  ":          "--",
	}
	for in, want := range cases {
		require.Equal(t, want, slugifyUsername(in), "input %q", in)
	}
}

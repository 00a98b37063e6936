package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywatch/paywatch/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	require.NoError(t, s.Put(ctx, &Account{
		OwnerID:    "alice",
		Credential: "invoicekey-a",
		WalletID:   "w-1",
	}))

	account, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "invoicekey-a", account.Credential)
	assert.False(t, account.CreatedAt.IsZero())

	// Upsert replaces the credential in place.
	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "rotated", WalletID: "w-1"}))
	cred, err := s.GetActiveCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "rotated", cred)
}

func TestPostgresStoreNotFound(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreDeleteAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	require.NoError(t, s.Put(ctx, &Account{OwnerID: "bob", Credential: "k-b", WalletID: "w-b"}))
	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "k-a", WalletID: "w-a"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].OwnerID)

	require.NoError(t, s.Delete(ctx, "bob"))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

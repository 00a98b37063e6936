package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, &Account{
		OwnerID:    "alice",
		Credential: "invoicekey-a",
		WalletID:   "w-1",
	}))

	account, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "invoicekey-a", account.Credential)
	assert.Equal(t, "w-1", account.WalletID)
	assert.False(t, account.CreatedAt.IsZero())

	cred, err := s.GetActiveCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "invoicekey-a", cred)

	handle, err := s.GetAccountHandle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "w-1", handle)
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetActiveCredential(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetAccountHandle(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorePutReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "old"}))
	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "new"}))

	cred, err := s.GetActiveCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "new", cred)
}

func TestMemoryStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, &Account{OwnerID: "bob", Credential: "k-b"}))
	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "k-a"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].OwnerID, "list is ordered by owner id")

	require.NoError(t, s.Delete(ctx, "alice"))
	require.NoError(t, s.Delete(ctx, "alice"), "deleting a missing owner is not an error")

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, &Account{OwnerID: "alice", Credential: "k-a"}))
	account, err := s.Get(ctx, "alice")
	require.NoError(t, err)

	account.Credential = "mutated"
	again, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "k-a", again.Credential)
}

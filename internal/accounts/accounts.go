// Package accounts stores per-owner backend credentials.
//
// The engine never creates wallets; it only resolves the already
// provisioned credential for an owner when a request is tracked.
package accounts

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an owner has no stored account.
var ErrNotFound = errors.New("account not found")

// Account links an owner to a backend wallet.
type Account struct {
	OwnerID    string    `json:"ownerId"`
	Credential string    `json:"-"` // wallet API key, never serialized or logged in full
	WalletID   string    `json:"walletId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store is the account persistence interface.
type Store interface {
	// Put inserts or replaces the account for an owner.
	Put(ctx context.Context, account *Account) error

	// Get returns the account for an owner, or ErrNotFound.
	Get(ctx context.Context, ownerID string) (*Account, error)

	// GetActiveCredential returns the owner's wallet API key, or ErrNotFound.
	GetActiveCredential(ctx context.Context, ownerID string) (string, error)

	// GetAccountHandle returns the owner's backend wallet id, or ErrNotFound.
	GetAccountHandle(ctx context.Context, ownerID string) (string, error)

	// Delete removes the account for an owner. Deleting a missing owner
	// is not an error.
	Delete(ctx context.Context, ownerID string) error

	// List returns all accounts ordered by owner id.
	List(ctx context.Context) ([]*Account, error)
}

package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for development
// and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates a new in-memory account store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// Put inserts or replaces an account
func (m *MemoryStore) Put(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	copied := *account
	m.accounts[account.OwnerID] = &copied
	return nil
}

// Get returns the account for an owner
func (m *MemoryStore) Get(ctx context.Context, ownerID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

// GetActiveCredential returns the owner's wallet API key
func (m *MemoryStore) GetActiveCredential(ctx context.Context, ownerID string) (string, error) {
	account, err := m.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return account.Credential, nil
}

// GetAccountHandle returns the owner's backend wallet id
func (m *MemoryStore) GetAccountHandle(ctx context.Context, ownerID string) (string, error) {
	account, err := m.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return account.WalletID, nil
}

// Delete removes an account
func (m *MemoryStore) Delete(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	delete(m.accounts, ownerID)
	m.mu.Unlock()
	return nil
}

// List returns all accounts ordered by owner id
func (m *MemoryStore) List(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		copied := *account
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

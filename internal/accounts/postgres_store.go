package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
// Schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Put inserts or replaces an account
func (p *PostgresStore) Put(ctx context.Context, account *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, credential, wallet_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET credential = EXCLUDED.credential,
		    wallet_id  = EXCLUDED.wallet_id
	`, account.OwnerID, account.Credential, account.WalletID)
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// Get returns the account for an owner
func (p *PostgresStore) Get(ctx context.Context, ownerID string) (*Account, error) {
	var account Account
	err := p.db.QueryRowContext(ctx, `
		SELECT owner_id, credential, wallet_id, created_at
		FROM accounts WHERE owner_id = $1
	`, ownerID).Scan(&account.OwnerID, &account.Credential, &account.WalletID, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &account, nil
}

// GetActiveCredential returns the owner's wallet API key
func (p *PostgresStore) GetActiveCredential(ctx context.Context, ownerID string) (string, error) {
	var credential string
	err := p.db.QueryRowContext(ctx,
		`SELECT credential FROM accounts WHERE owner_id = $1`, ownerID,
	).Scan(&credential)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// GetAccountHandle returns the owner's backend wallet id
func (p *PostgresStore) GetAccountHandle(ctx context.Context, ownerID string) (string, error) {
	var walletID string
	err := p.db.QueryRowContext(ctx,
		`SELECT wallet_id FROM accounts WHERE owner_id = $1`, ownerID,
	).Scan(&walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get wallet id: %w", err)
	}
	return walletID, nil
}

// Delete removes an account
func (p *PostgresStore) Delete(ctx context.Context, ownerID string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// List returns all accounts ordered by owner id
func (p *PostgresStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT owner_id, credential, wallet_id, created_at
		FROM accounts ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.OwnerID, &account.Credential, &account.WalletID, &account.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, &account)
	}
	return out, rows.Err()
}

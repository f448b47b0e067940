package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
)

const USERS_TABLE = "users"

var (
	ErrWalletMismatch = errors.New("phone is registered with a different wallet")
	ErrVaultRecorded  = errors.New("a different vault is already recorded for this phone")
)

var _ transfer.Directory = (*PostgresBackend)(nil)

// FindUserByPhone returns nil when the phone is not registered.
func (p *PostgresBackend) FindUserByPhone(ctx context.Context, phone string) (*types.User, error) {
	query := fmt.Sprintf(`SELECT phone, address, multisig_pda, created_at, updated_at FROM %s WHERE phone = $1 LIMIT 1;`, USERS_TABLE)

	rows, err := p.pool.Query(ctx, query, phone)
	if err != nil {
		return nil, err
	}

	user, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[types.User])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

// RegisterWallet stores address as the wallet of phone. Registering the same pair again is
// a no-op; a different address for a known phone is rejected.
func (p *PostgresBackend) RegisterWallet(ctx context.Context, phone string, address solana.PublicKey) (*types.User, error) {
	query := fmt.Sprintf(`INSERT INTO %s (phone, address) VALUES ($1, $2) ON CONFLICT (phone) DO NOTHING;`, USERS_TABLE)
	if _, err := p.pool.Exec(ctx, query, phone, address.String()); err != nil {
		return nil, fmt.Errorf("fail to insert user, err: %w", err)
	}

	user, err := p.FindUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s vanished after insert", phone)
	}
	if user.Address != address.String() {
		return nil, ErrWalletMismatch
	}
	return user, nil
}

func (p *PostgresBackend) LookupWalletAddress(ctx context.Context, userID string) (*solana.PublicKey, error) {
	user, err := p.FindUserByPhone(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fail to find user, err: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	address, err := solana.PublicKeyFromBase58(user.Address)
	if err != nil {
		return nil, fmt.Errorf("stored wallet of %s is malformed, err: %w", userID, err)
	}
	return &address, nil
}

func (p *PostgresBackend) LookupVaultAccount(ctx context.Context, userID string) (*solana.PublicKey, error) {
	user, err := p.FindUserByPhone(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fail to find user, err: %w", err)
	}
	if user == nil || user.MultisigPDA == nil {
		return nil, nil
	}
	multisig, err := solana.PublicKeyFromBase58(*user.MultisigPDA)
	if err != nil {
		return nil, fmt.Errorf("stored vault of %s is malformed, err: %w", userID, err)
	}
	return &multisig, nil
}

// RecordVaultAccount writes the multisig of userID once. Writing the same value again
// succeeds.
func (p *PostgresBackend) RecordVaultAccount(ctx context.Context, userID string, multisig solana.PublicKey) error {
	query := fmt.Sprintf(`UPDATE %s SET multisig_pda = $2, updated_at = NOW()
		WHERE phone = $1 AND (multisig_pda IS NULL OR multisig_pda = $2);`, USERS_TABLE)

	tag, err := p.pool.Exec(ctx, query, userID, multisig.String())
	if err != nil {
		return fmt.Errorf("fail to record vault, err: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVaultRecorded
	}
	return nil
}

package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/vultisig/phonevault/internal/squads"
)

// SequenceAllocator hands out the next transaction index of a vault. The index is only a
// reservation until vault_transaction_create lands; the program rejects it if another
// transfer got there first, so it is read again for every attempt and never cached.
type SequenceAllocator struct {
	ledger Ledger
}

func (a *SequenceAllocator) Reserve(ctx context.Context, multisig solana.PublicKey) (uint64, error) {
	account, err := readMultisig(ctx, a.ledger, multisig)
	if err != nil {
		return 0, err
	}
	return account.TransactionIndex + 1, nil
}

func readMultisig(ctx context.Context, ledger Ledger, address solana.PublicKey) (*squads.Multisig, error) {
	state, err := ledger.GetAccountState(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: multisig %s: %w", ErrNotProvisioned, address, err)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to read multisig %s, err: %w", address, err)
	}
	var account squads.Multisig
	if err := squads.DecodeAccount(state.Data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func readProposal(ctx context.Context, ledger Ledger, multisig solana.PublicKey, index uint64) (*squads.Proposal, error) {
	address, _, err := squads.ProposalAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	state, err := ledger.GetAccountState(ctx, address)
	if err != nil {
		return nil, err
	}
	var proposal squads.Proposal
	if err := squads.DecodeAccount(state.Data, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

func readVaultTransaction(ctx context.Context, ledger Ledger, multisig solana.PublicKey, index uint64) (*squads.VaultTransaction, error) {
	address, _, err := squads.TransactionAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	state, err := ledger.GetAccountState(ctx, address)
	if err != nil {
		return nil, err
	}
	var transaction squads.VaultTransaction
	if err := squads.DecodeAccount(state.Data, &transaction); err != nil {
		return nil, err
	}
	return &transaction, nil
}

package transfer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/vultisig/phonevault/internal/squads"
)

// ExecutionSubmitter executes an approved vault transaction. Once it lands, funds have
// moved and nothing here can undo it.
type ExecutionSubmitter struct {
	ledger    Ledger
	submitter *submitter
}

func (e *ExecutionSubmitter) Execute(ctx context.Context, custodian Custodian, multisig solana.PublicKey, index uint64) (solana.Signature, error) {
	stored, err := readVaultTransaction(ctx, e.ledger, multisig, index)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: fail to read vault transaction, err: %w", ErrExecutionFailed, err)
	}
	vault, _, err := squads.VaultAddress(multisig, stored.VaultIndex)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fail to derive vault address, err: %w", err)
	}
	ix, err := squads.NewVaultTransactionExecuteInstruction(multisig, index, custodian.PublicKey(), stored.Message.RemainingAccounts(vault))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fail to build execute instruction, err: %w", err)
	}
	landed := func(ctx context.Context) (bool, error) {
		proposal, err := readProposal(ctx, e.ledger, multisig, index)
		if err != nil {
			return false, err
		}
		return proposal.Status == squads.ProposalExecuted, nil
	}
	sig, err := e.submitter.submit(ctx, custodian, []solana.Instruction{ix}, landed)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return sig, nil
}

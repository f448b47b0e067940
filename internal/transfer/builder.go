package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/vultisig/phonevault/internal/squads"
)

// Draft is a transfer out of a vault, compiled but not yet stored on the ledger.
type Draft struct {
	Multisig  solana.PublicKey
	Vault     solana.PublicKey
	Recipient solana.PublicKey
	Lamports  uint64
	// RequestID is carried in the message as a memo instruction, so two transfers with
	// the same payload still compile to different messages.
	RequestID string
	Message   *squads.TransactionMessage
}

// ProposalBuilder turns an amount and a recipient into a vault transaction.
type ProposalBuilder struct {
	ledger     Ledger
	submitter  *submitter
	vaultIndex uint8
	decimals   int32
	memo       string
}

// Validate checks amount locally and returns it in lamports.
func (b *ProposalBuilder) Validate(amount string) (uint64, error) {
	return ToBaseUnits(amount, b.decimals)
}

// Build checks both ends of the transfer on the ledger and compiles the system transfer
// with the vault as sender and fee payer. A non-empty requestID is appended as a memo.
func (b *ProposalBuilder) Build(ctx context.Context, multisig, recipient solana.PublicKey, lamports uint64, requestID string) (*Draft, error) {
	vault, _, err := squads.VaultAddress(multisig, b.vaultIndex)
	if err != nil {
		return nil, fmt.Errorf("fail to derive vault address, err: %w", err)
	}
	if vault.Equals(recipient) {
		return nil, validationError("recipient is the vault itself")
	}
	vaultState, err := b.systemAccount(ctx, "vault", vault)
	if err != nil {
		return nil, err
	}
	if _, err := b.systemAccount(ctx, "recipient", recipient); err != nil {
		return nil, err
	}
	if vaultState.Lamports < lamports {
		return nil, fmt.Errorf("%w: vault holds %d lamports, transfer needs %d", ErrInsufficientFunds, vaultState.Lamports, lamports)
	}

	instructions := []solana.Instruction{system.NewTransferInstruction(lamports, vault, recipient).Build()}
	if requestID != "" {
		instructions = append(instructions, solana.NewInstruction(solana.MemoProgramID, nil, []byte(requestID)))
	}
	message, err := squads.CompileTransactionMessage(vault, instructions)
	if err != nil {
		return nil, fmt.Errorf("fail to compile transfer message, err: %w", err)
	}
	return &Draft{
		Multisig:  multisig,
		Vault:     vault,
		Recipient: recipient,
		Lamports:  lamports,
		RequestID: requestID,
		Message:   message,
	}, nil
}

// Create stores draft on the ledger under index. The checkpoint is fetched by the
// submission itself, right before signing.
func (b *ProposalBuilder) Create(ctx context.Context, custodian Custodian, draft *Draft, index uint64) (solana.Signature, error) {
	compact, err := draft.Message.MarshalCompact()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fail to encode transfer message, err: %w", err)
	}
	args := squads.VaultTransactionCreateArgs{
		VaultIndex:         b.vaultIndex,
		TransactionMessage: compact,
	}
	if memo := b.createMemo(draft.RequestID); memo != "" {
		args.Memo = &memo
	}
	ix, err := squads.NewVaultTransactionCreateInstruction(draft.Multisig, index, custodian.PublicKey(), args)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fail to build vault transaction create instruction, err: %w", err)
	}
	landed := func(ctx context.Context) (bool, error) {
		return b.Stored(ctx, custodian, draft, index)
	}
	return b.submitter.submit(ctx, custodian, []solana.Instruction{ix}, landed)
}

// Stored reports whether the vault transaction at index is draft itself, created by
// custodian. Any other content at index belongs to another transfer.
func (b *ProposalBuilder) Stored(ctx context.Context, custodian Custodian, draft *Draft, index uint64) (bool, error) {
	compact, err := draft.Message.MarshalCompact()
	if err != nil {
		return false, fmt.Errorf("fail to encode transfer message, err: %w", err)
	}
	stored, err := readVaultTransaction(ctx, b.ledger, draft.Multisig, index)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	storedCompact, err := stored.Message.MarshalCompact()
	if err != nil {
		return false, err
	}
	return stored.Creator.Equals(custodian.PublicKey()) && bytes.Equal(storedCompact, compact), nil
}

func (b *ProposalBuilder) createMemo(requestID string) string {
	switch {
	case b.memo == "":
		return requestID
	case requestID == "":
		return b.memo
	}
	return b.memo + " " + requestID
}

func (b *ProposalBuilder) systemAccount(ctx context.Context, role string, address solana.PublicKey) (*AccountState, error) {
	state, err := b.ledger.GetAccountState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fail to read %s %s, err: %w", role, address, err)
	}
	if !state.Owner.Equals(solana.SystemProgramID) {
		return nil, validationError("%s %s is not a system account", role, address)
	}
	if state.Executable {
		return nil, validationError("%s %s is executable", role, address)
	}
	return state, nil
}

// requestTag returns the request id carried by the memo instruction of message, or ""
// when the message has none.
func requestTag(message *squads.TransactionMessage) string {
	for _, ix := range message.Instructions {
		if int(ix.ProgramIDIndex) < len(message.AccountKeys) && message.AccountKeys[ix.ProgramIDIndex].Equals(solana.MemoProgramID) {
			return string(ix.Data)
		}
	}
	return ""
}

package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/vultisig/phonevault/internal/squads"
)

// ApprovalDriver opens the proposal of a stored vault transaction and casts the custodian's
// vote. The vault transaction already holds its index at this point, so every failure is
// reported as ErrPartialApproval and the index is resumed, never abandoned.
type ApprovalDriver struct {
	ledger    Ledger
	submitter *submitter
}

func (d *ApprovalDriver) Propose(ctx context.Context, custodian Custodian, multisig solana.PublicKey, index uint64) error {
	address, _, err := squads.ProposalAddress(multisig, index)
	if err != nil {
		return fmt.Errorf("fail to derive proposal address, err: %w", err)
	}
	ix, err := squads.NewProposalCreateInstruction(multisig, index, custodian.PublicKey())
	if err != nil {
		return fmt.Errorf("fail to build proposal create instruction, err: %w", err)
	}
	if _, err := d.submitter.submit(ctx, custodian, []solana.Instruction{ix}, accountExists(d.ledger, address)); err != nil {
		return fmt.Errorf("%w: fail to create proposal, err: %w", ErrPartialApproval, err)
	}
	return nil
}

// Approve votes for the proposal and reports whether the threshold is met. A vault that
// needs more than the custodian's vote stays at ErrPartialApproval until its other member
// approves.
func (d *ApprovalDriver) Approve(ctx context.Context, custodian Custodian, multisig solana.PublicKey, index uint64) error {
	ix, err := squads.NewProposalApproveInstruction(multisig, index, custodian.PublicKey(), nil)
	if err != nil {
		return fmt.Errorf("fail to build proposal approve instruction, err: %w", err)
	}
	landed := func(ctx context.Context) (bool, error) {
		proposal, err := readProposal(ctx, d.ledger, multisig, index)
		if err != nil {
			return false, err
		}
		return proposal.HasApproved(custodian.PublicKey()), nil
	}
	if _, err := d.submitter.submit(ctx, custodian, []solana.Instruction{ix}, landed); err != nil {
		return fmt.Errorf("%w: fail to approve proposal, err: %w", ErrPartialApproval, err)
	}

	proposal, err := readProposal(ctx, d.ledger, multisig, index)
	if err != nil {
		return fmt.Errorf("%w: fail to read proposal, err: %w", ErrPartialApproval, err)
	}
	if proposal.Status != squads.ProposalApproved {
		return fmt.Errorf("%w: %w", ErrPartialApproval, &awaitingError{status: proposal.Status})
	}
	return nil
}

// AwaitingMembers reports whether err only means the proposal needs more votes.
func AwaitingMembers(err error) bool {
	var awaiting *awaitingError
	return errors.As(err, &awaiting)
}

type awaitingError struct{ status squads.ProposalStatus }

func (e *awaitingError) Error() string { return "awaiting member approval, proposal is " + e.status.String() }

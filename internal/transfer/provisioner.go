package transfer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/internal/squads"
)

// Provisioner creates the vault of a user the first time it is needed. Creation is gated
// on the directory: a recorded address is returned as is, without touching the ledger.
type Provisioner struct {
	ledger    Ledger
	directory Directory
	submitter *submitter
	threshold uint16
	logger    logrus.FieldLogger
}

func (p *Provisioner) EnsureVault(ctx context.Context, custodian Custodian, userID string) (solana.PublicKey, error) {
	existing, err := p.directory.LookupVaultAccount(ctx, userID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fail to lookup vault account, err: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	wallet, err := p.directory.LookupWalletAddress(ctx, userID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fail to lookup wallet address, err: %w", err)
	}
	if wallet == nil {
		return solana.PublicKey{}, validationError("no wallet address recorded for user")
	}
	if wallet.Equals(custodian.PublicKey()) {
		return solana.PublicKey{}, validationError("user wallet cannot be the custodian")
	}

	createKey := solana.NewWallet().PrivateKey
	multisig, _, err := squads.MultisigAddress(createKey.PublicKey())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fail to derive multisig address, err: %w", err)
	}
	programConfig, treasury, err := p.programConfig(ctx)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", ErrNotProvisioned, err)
	}
	ix, err := squads.NewMultisigCreateInstruction(squads.MultisigCreateAccounts{
		ProgramConfig: programConfig,
		Treasury:      treasury,
		Multisig:      multisig,
		CreateKey:     createKey.PublicKey(),
		Creator:       custodian.PublicKey(),
	}, squads.MultisigCreateArgs{
		Threshold: p.threshold,
		Members: []squads.Member{
			{Key: *wallet, Permissions: squads.PermissionAll},
			{Key: custodian.PublicKey(), Permissions: squads.PermissionAll},
		},
	})
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fail to build multisig create instruction, err: %w", err)
	}

	sig, err := p.submitter.submit(ctx, custodian, []solana.Instruction{ix}, accountExists(p.ledger, multisig), createKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", ErrNotProvisioned, err)
	}
	p.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"multisig":  multisig.String(),
		"signature": sig.String(),
	}).Info("vault created")

	if err := p.directory.RecordVaultAccount(ctx, userID, multisig); err != nil {
		p.logger.WithError(err).WithField("multisig", multisig.String()).Error("vault created but not recorded")
		return solana.PublicKey{}, fmt.Errorf("%w: fail to record vault account, err: %w", ErrNotProvisioned, err)
	}
	return multisig, nil
}

// programConfig returns the program config address and the treasury collecting the
// creation fee.
func (p *Provisioner) programConfig(ctx context.Context) (solana.PublicKey, solana.PublicKey, error) {
	address, _, err := squads.ProgramConfigAddress()
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	state, err := p.ledger.GetAccountState(ctx, address)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("fail to read program config, err: %w", err)
	}
	var config squads.ProgramConfig
	if err := squads.DecodeAccount(state.Data, &config); err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	return address, config.Treasury, nil
}

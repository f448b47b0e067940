package squads

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the Squads v4 multisig program.
var ProgramID = solana.MustPublicKeyFromBase58("SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf")

const (
	seedPrefix        = "multisig"
	seedMultisig      = "multisig"
	seedVault         = "vault"
	seedTransaction   = "transaction"
	seedProposal      = "proposal"
	seedProgramConfig = "program_config"
)

// Member permission bits.
const (
	PermissionInitiate uint8 = 1 << iota
	PermissionVote
	PermissionExecute

	PermissionAll = PermissionInitiate | PermissionVote | PermissionExecute
)

// Member is one principal of a multisig together with its permission mask.
type Member struct {
	Key         solana.PublicKey `json:"key"`
	Permissions uint8            `json:"permissions"`
}

func (m Member) Can(permission uint8) bool {
	return m.Permissions&permission == permission
}

// MultisigAddress derives the multisig account from its one-time create key.
func MultisigAddress(createKey solana.PublicKey) (solana.PublicKey, uint8, error) {
	return findAddress([]byte(seedPrefix), []byte(seedMultisig), createKey.Bytes())
}

// VaultAddress derives the vault that holds the funds of a multisig.
func VaultAddress(multisig solana.PublicKey, vaultIndex uint8) (solana.PublicKey, uint8, error) {
	return findAddress([]byte(seedPrefix), multisig.Bytes(), []byte(seedVault), []byte{vaultIndex})
}

// TransactionAddress derives the vault transaction account for the given index.
func TransactionAddress(multisig solana.PublicKey, index uint64) (solana.PublicKey, uint8, error) {
	return findAddress([]byte(seedPrefix), multisig.Bytes(), []byte(seedTransaction), indexSeed(index))
}

// ProposalAddress derives the proposal account bound to the vault transaction at index.
func ProposalAddress(multisig solana.PublicKey, index uint64) (solana.PublicKey, uint8, error) {
	return findAddress([]byte(seedPrefix), multisig.Bytes(), []byte(seedTransaction), indexSeed(index), []byte(seedProposal))
}

// ProgramConfigAddress derives the global program config account.
func ProgramConfigAddress() (solana.PublicKey, uint8, error) {
	return findAddress([]byte(seedPrefix), []byte(seedProgramConfig))
}

func findAddress(seeds ...[]byte) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(seeds, ProgramID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("fail to find program address, err: %w", err)
	}
	return addr, bump, nil
}

func indexSeed(index uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, index)
	return buf
}

type discriminator [8]byte

func anchorDiscriminator(namespace, name string) discriminator {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d discriminator
	copy(d[:], sum[:8])
	return d
}

var (
	multisigCreateV2Discriminator        = anchorDiscriminator("global", "multisig_create_v2")
	vaultTransactionCreateDiscriminator  = anchorDiscriminator("global", "vault_transaction_create")
	proposalCreateDiscriminator          = anchorDiscriminator("global", "proposal_create")
	proposalApproveDiscriminator         = anchorDiscriminator("global", "proposal_approve")
	vaultTransactionExecuteDiscriminator = anchorDiscriminator("global", "vault_transaction_execute")

	multisigAccountDiscriminator         = anchorDiscriminator("account", "Multisig")
	proposalAccountDiscriminator         = anchorDiscriminator("account", "Proposal")
	vaultTransactionAccountDiscriminator = anchorDiscriminator("account", "VaultTransaction")
	programConfigAccountDiscriminator    = anchorDiscriminator("account", "ProgramConfig")
)

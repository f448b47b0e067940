package transfer

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// AccountState is the part of a ledger account the orchestrator reads.
type AccountState struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

// Checkpoint is a recent blockhash. Transactions citing it stop being accepted once the
// chain passes LastValidBlockHeight.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// Ledger is the network the vault lives on. Submit blocks until the transaction is
// confirmed or definitely rejected; rejections wrap one of the error kinds of this package.
type Ledger interface {
	GetAccountState(ctx context.Context, address solana.PublicKey) (*AccountState, error)
	GetCheckpoint(ctx context.Context) (Checkpoint, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Directory maps a user id to its wallet and vault account. Lookups return a nil key when
// nothing is recorded.
type Directory interface {
	LookupWalletAddress(ctx context.Context, userID string) (*solana.PublicKey, error)
	LookupVaultAccount(ctx context.Context, userID string) (*solana.PublicKey, error)
	RecordVaultAccount(ctx context.Context, userID string, multisig solana.PublicKey) error
}

// Custodian is the co-signer that is a member of every vault and pays all fees.
// Implementations must be safe for concurrent use.
type Custodian interface {
	PublicKey() solana.PublicKey
	// SignTransaction signs tx as fee payer, plus any one-time signers given.
	SignTransaction(tx *solana.Transaction, extra ...solana.PrivateKey) error
}

// Locker serialises transfers of one vault across processes. It only saves wasted
// submissions; the program still rejects a reused index.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Progress is one stage transition of a transfer.
type Progress struct {
	RequestID string
	UserID    string
	Stage     Stage
	Multisig  solana.PublicKey
	Index     uint64
	Signature solana.Signature
	Err       error
}

// ProgressRecorder is notified of every stage a transfer reaches.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, p Progress) error
}

// Stage is a state of the transfer state machine.
type Stage string

const (
	StageStart         Stage = "start"
	StageProvisioned   Stage = "provisioned"
	StageIndexReserved Stage = "index_reserved"
	StageCreated       Stage = "created"
	StageProposed      Stage = "proposed"
	StageApproved      Stage = "approved"
	StageExecuted      Stage = "executed"
	StageFailed        Stage = "failed"
)

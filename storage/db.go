package storage

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
)

// DatabaseStorage is the account directory plus the transfer history.
type DatabaseStorage interface {
	Close() error

	transfer.Directory
	transfer.ProgressRecorder

	FindUserByPhone(ctx context.Context, phone string) (*types.User, error)
	RegisterWallet(ctx context.Context, phone string, address solana.PublicKey) (*types.User, error)

	CreateTransfer(ctx context.Context, record types.TransferRecord) (bool, error)
	GetTransfer(ctx context.Context, requestID string) (*types.TransferRecord, error)
	SetTransferLamports(ctx context.Context, requestID string, lamports uint64) error
	GetStalledTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]types.TransferRecord, error)
}

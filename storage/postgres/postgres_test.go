package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
)

// Set PHONEVAULT_TEST_DSN to a scratch database to run these.
func setupBackend(t *testing.T) *PostgresBackend {
	dsn := os.Getenv("PHONEVAULT_TEST_DSN")
	if dsn == "" {
		t.Skip("PHONEVAULT_TEST_DSN not set")
	}
	backend, err := NewPostgresBackend(false, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func testPhone() string {
	return "1555" + uuid.NewString()[:8]
}

func TestDirectory(t *testing.T) {
	backend := setupBackend(t)
	ctx := context.Background()
	phone := testPhone()
	wallet := solana.NewWallet().PublicKey()

	address, err := backend.LookupWalletAddress(ctx, phone)
	require.NoError(t, err)
	assert.Nil(t, address)

	_, err = backend.RegisterWallet(ctx, phone, wallet)
	require.NoError(t, err)
	_, err = backend.RegisterWallet(ctx, phone, wallet)
	require.NoError(t, err)
	_, err = backend.RegisterWallet(ctx, phone, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrWalletMismatch)

	address, err = backend.LookupWalletAddress(ctx, phone)
	require.NoError(t, err)
	require.NotNil(t, address)
	assert.Equal(t, wallet, *address)

	vault, err := backend.LookupVaultAccount(ctx, phone)
	require.NoError(t, err)
	assert.Nil(t, vault)

	multisig := solana.NewWallet().PublicKey()
	require.NoError(t, backend.RecordVaultAccount(ctx, phone, multisig))
	require.NoError(t, backend.RecordVaultAccount(ctx, phone, multisig))
	assert.ErrorIs(t, backend.RecordVaultAccount(ctx, phone, solana.NewWallet().PublicKey()), ErrVaultRecorded)

	vault, err = backend.LookupVaultAccount(ctx, phone)
	require.NoError(t, err)
	require.NotNil(t, vault)
	assert.Equal(t, multisig, *vault)
}

func TestTransferHistory(t *testing.T) {
	backend := setupBackend(t)
	ctx := context.Background()
	requestID := uuid.NewString()
	record := types.TransferRecord{
		RequestID: requestID,
		Phone:     testPhone(),
		Recipient: solana.NewWallet().PublicKey().String(),
		Amount:    "0.01",
	}

	created, err := backend.CreateTransfer(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = backend.CreateTransfer(ctx, record)
	require.NoError(t, err)
	assert.False(t, created)

	multisig := solana.NewWallet().PublicKey()
	require.NoError(t, backend.RecordProgress(ctx, transfer.Progress{
		RequestID: requestID,
		Stage:     transfer.StageProposed,
		Multisig:  multisig,
		Index:     7,
	}))
	require.NoError(t, backend.RecordProgress(ctx, transfer.Progress{
		RequestID: requestID,
		Stage:     transfer.StageProposed,
		Err:       errors.New("ledger unavailable"),
	}))

	stored, err := backend.GetTransfer(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, string(transfer.StageProposed), stored.Stage)
	require.NotNil(t, stored.Multisig)
	assert.Equal(t, multisig.String(), *stored.Multisig)
	require.NotNil(t, stored.TxIndex)
	assert.EqualValues(t, 7, *stored.TxIndex)
	require.NotNil(t, stored.Error)

	stalled, err := backend.GetStalledTransfers(ctx, -time.Minute, 1000)
	require.NoError(t, err)
	var found bool
	for _, s := range stalled {
		found = found || s.RequestID == requestID
	}
	assert.True(t, found)

	require.NoError(t, backend.SetTransferLamports(ctx, requestID, 10_000_000))
	require.NoError(t, backend.RecordProgress(ctx, transfer.Progress{RequestID: requestID, Stage: transfer.StageExecuted}))
	stalled, err = backend.GetStalledTransfers(ctx, -time.Minute, 1000)
	require.NoError(t, err)
	for _, s := range stalled {
		assert.NotEqual(t, requestID, s.RequestID)
	}

	_, err = backend.GetTransfer(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTransferNotFound)
	assert.ErrorIs(t, backend.RecordProgress(ctx, transfer.Progress{RequestID: uuid.NewString(), Stage: transfer.StageFailed}), ErrTransferNotFound)
}

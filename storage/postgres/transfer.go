package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
)

const TRANSFERS_TABLE = "transfers"

const transferColumns = `request_id, phone, recipient, amount, lamports, multisig, tx_index, stage,
	signature, error, display, created_at, updated_at`

var ErrTransferNotFound = errors.New("transfer not found")

var _ transfer.ProgressRecorder = (*PostgresBackend)(nil)

// CreateTransfer inserts the history row of a new request and reports whether it was new.
func (p *PostgresBackend) CreateTransfer(ctx context.Context, record types.TransferRecord) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (request_id, phone, recipient, amount, stage, display)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (request_id) DO NOTHING;`, TRANSFERS_TABLE)

	tag, err := p.pool.Exec(ctx, query,
		record.RequestID,
		record.Phone,
		record.Recipient,
		record.Amount,
		string(transfer.StageStart),
		record.Display,
	)
	if err != nil {
		return false, fmt.Errorf("fail to insert transfer, err: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) GetTransfer(ctx context.Context, requestID string) (*types.TransferRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE request_id = $1 LIMIT 1;`, transferColumns, TRANSFERS_TABLE)

	rows, err := p.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}

	record, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[types.TransferRecord])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &record, nil
}

// RecordProgress stores the stage a transfer reached. Fields the transition does not
// carry keep their previous value.
func (p *PostgresBackend) RecordProgress(ctx context.Context, progress transfer.Progress) error {
	query := fmt.Sprintf(`UPDATE %s SET
		stage = $2,
		multisig = COALESCE($3, multisig),
		tx_index = COALESCE($4, tx_index),
		signature = COALESCE($5, signature),
		error = $6,
		updated_at = NOW()
		WHERE request_id = $1;`, TRANSFERS_TABLE)

	var multisig, signature, errText *string
	var index *int64
	if !progress.Multisig.IsZero() {
		s := progress.Multisig.String()
		multisig = &s
	}
	if progress.Index > 0 {
		i := int64(progress.Index)
		index = &i
	}
	if progress.Signature != (solana.Signature{}) {
		s := progress.Signature.String()
		signature = &s
	}
	if progress.Err != nil {
		s := progress.Err.Error()
		errText = &s
	}

	tag, err := p.pool.Exec(ctx, query, progress.RequestID, string(progress.Stage), multisig, index, signature, errText)
	if err != nil {
		return fmt.Errorf("fail to update transfer stage, err: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, progress.RequestID)
	}
	return nil
}

func (p *PostgresBackend) SetTransferLamports(ctx context.Context, requestID string, lamports uint64) error {
	query := fmt.Sprintf(`UPDATE %s SET lamports = $2, updated_at = NOW() WHERE request_id = $1;`, TRANSFERS_TABLE)
	if _, err := p.pool.Exec(ctx, query, requestID, int64(lamports)); err != nil {
		return fmt.Errorf("fail to update transfer lamports, err: %w", err)
	}
	return nil
}

// GetStalledTransfers returns transfers that hold a reserved index but have not moved for
// at least olderThan, oldest first.
func (p *PostgresBackend) GetStalledTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]types.TransferRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE stage = ANY($1) AND tx_index IS NOT NULL AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3;`, transferColumns, TRANSFERS_TABLE)

	stages := []string{
		string(transfer.StageIndexReserved),
		string(transfer.StageCreated),
		string(transfer.StageProposed),
		string(transfer.StageApproved),
	}
	rows, err := p.pool.Query(ctx, query, stages, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("fail to query stalled transfers, err: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[types.TransferRecord])
	if err != nil {
		return nil, fmt.Errorf("fail to collect stalled transfers, err: %w", err)
	}
	return records, nil
}

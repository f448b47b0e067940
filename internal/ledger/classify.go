package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/vultisig/phonevault/internal/transfer"
)

// JSON-RPC codes of a node that cannot answer right now.
const (
	codeBlockNotAvailable = -32004
	codeNodeUnhealthy     = -32005
	codeRateLimited       = 429
)

var (
	indexConflictMarkers = []string{
		"custom program error: 0x7d6", // anchor ConstraintSeeds on the transaction account
		"custom:2006",
		"already in use",
	}
	insufficientFundsMarkers = []string{
		"insufficient funds",
		"insufficient lamports",
		"insufficientfunds",
		"no record of a prior credit",
	}
	checkpointMarkers = []string{
		"blockhash not found",
		"blockhashnotfound",
	}
)

// classify maps an RPC error onto the transfer error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", transfer.ErrLedgerUnavailable, err)
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return fmt.Errorf("%w: %w", transfer.ErrAccountNotFound, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeBlockNotAvailable, codeNodeUnhealthy, codeRateLimited:
			return fmt.Errorf("%w: %w", transfer.ErrLedgerUnavailable, err)
		}
		return classifyMessage(fmt.Sprintf("%s %v", rpcErr.Message, rpcErr.Data), err)
	}
	// transport failures: refused connections, timeouts, bad gateways
	return fmt.Errorf("%w: %w", transfer.ErrLedgerUnavailable, err)
}

// classifyStatus maps the error of a landed but failed transaction.
func classifyStatus(status any) error {
	return classifyMessage(fmt.Sprint(status), fmt.Errorf("transaction failed: %v", status))
}

func classifyMessage(message string, err error) error {
	message = strings.ToLower(message)
	switch {
	case containsAny(message, checkpointMarkers):
		return fmt.Errorf("%w: %w", transfer.ErrCheckpointExpired, err)
	case containsAny(message, indexConflictMarkers):
		return fmt.Errorf("%w: %w", transfer.ErrIndexConflict, err)
	case containsAny(message, insufficientFundsMarkers):
		return fmt.Errorf("%w: %w", transfer.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("transaction rejected, err: %w", err)
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/phonevault/internal/transfer"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcServer answers JSON-RPC calls with the handler registered for the method.
type rpcServer struct {
	mu       sync.Mutex
	handlers map[string]func(call int, params json.RawMessage) (any, *rpcError)
	calls    map[string]int
}

func newRPCServer(t *testing.T) (*rpcServer, *Client) {
	s := &rpcServer{
		handlers: map[string]func(int, json.RawMessage) (any, *rpcError){},
		calls:    map[string]int{},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls[req.Method]++
		call := s.calls[req.Method]
		handler, ok := s.handlers[req.Method]
		s.mu.Unlock()
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "method not found: " + req.Method}
		} else if result, rpcErr := handler(call, req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	client := NewClientWithRPC(rpc.New(server.URL), Config{
		RequestTimeout: time.Second,
		ReadAttempts:   3,
		ReadDelay:      time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	return s, client
}

func (s *rpcServer) handle(method string, handler func(call int, params json.RawMessage) (any, *rpcError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

func (s *rpcServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func withContext(value any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": value}
}

func TestGetAccountState(t *testing.T) {
	server, client := newRPCServer(t)
	owner := solana.SystemProgramID
	server.handle("getAccountInfo", func(_ int, params json.RawMessage) (any, *rpcError) {
		var args []any
		_ = json.Unmarshal(params, &args)
		if args[0] == "11111111111111111111111111111112" {
			return withContext(nil), nil
		}
		return withContext(map[string]any{
			"lamports":   5_000_000_000,
			"owner":      owner.String(),
			"data":       []string{base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "base64"},
			"executable": false,
			"rentEpoch":  0,
		}), nil
	})

	state, err := client.GetAccountState(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.EqualValues(t, 5_000_000_000, state.Lamports)
	assert.Equal(t, owner, state.Owner)
	assert.Equal(t, []byte{1, 2, 3}, state.Data)

	_, err = client.GetAccountState(context.Background(), solana.MustPublicKeyFromBase58("11111111111111111111111111111112"))
	assert.ErrorIs(t, err, transfer.ErrAccountNotFound)
}

func TestBalance(t *testing.T) {
	server, client := newRPCServer(t)
	server.handle("getBalance", func(_ int, _ json.RawMessage) (any, *rpcError) {
		return withContext(4_990_000_000), nil
	})

	lamports, err := client.Balance(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.EqualValues(t, 4_990_000_000, lamports)
	assert.Equal(t, 1, server.count("getBalance"))
}

func TestReadRetriesUnavailableNode(t *testing.T) {
	server, client := newRPCServer(t)
	server.handle("getLatestBlockhash", func(call int, _ json.RawMessage) (any, *rpcError) {
		if call < 3 {
			return nil, &rpcError{Code: codeNodeUnhealthy, Message: "Node is behind by 42 slots"}
		}
		return withContext(map[string]any{
			"blockhash":            solana.Hash{7}.String(),
			"lastValidBlockHeight": 200,
		}), nil
	})

	checkpoint, err := client.GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, solana.Hash{7}, checkpoint.Blockhash)
	assert.EqualValues(t, 200, checkpoint.LastValidBlockHeight)
	assert.Equal(t, 3, server.count("getLatestBlockhash"))
}

func TestReadGivesUpOnUnavailableNode(t *testing.T) {
	server, client := newRPCServer(t)
	server.handle("getLatestBlockhash", func(call int, _ json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: codeNodeUnhealthy, Message: "Node is unhealthy"}
	})

	_, err := client.GetCheckpoint(context.Background())
	assert.ErrorIs(t, err, transfer.ErrLedgerUnavailable)
	assert.Equal(t, 3, server.count("getLatestBlockhash"))
}

func signedTransaction(t *testing.T, blockhash solana.Hash) *solana.Transaction {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	tx, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(1, payer.PublicKey(), solana.NewWallet().PublicKey()).Build(),
	}, blockhash, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer })
	require.NoError(t, err)
	return tx
}

func checkpointServer(t *testing.T, lastValid uint64) (*rpcServer, *Client, transfer.Checkpoint) {
	server, client := newRPCServer(t)
	server.handle("getLatestBlockhash", func(call int, _ json.RawMessage) (any, *rpcError) {
		return withContext(map[string]any{
			"blockhash":            solana.Hash{9}.String(),
			"lastValidBlockHeight": lastValid,
		}), nil
	})
	checkpoint, err := client.GetCheckpoint(context.Background())
	require.NoError(t, err)
	return server, client, checkpoint
}

func TestSubmitWaitsForConfirmation(t *testing.T) {
	server, client, checkpoint := checkpointServer(t, 200)
	tx := signedTransaction(t, checkpoint.Blockhash)
	server.handle("sendTransaction", func(call int, _ json.RawMessage) (any, *rpcError) {
		return tx.Signatures[0].String(), nil
	})
	server.handle("getSignatureStatuses", func(call int, _ json.RawMessage) (any, *rpcError) {
		if call < 3 {
			return withContext([]any{nil}), nil
		}
		return withContext([]any{map[string]any{
			"slot":               10,
			"confirmations":      nil,
			"err":                nil,
			"confirmationStatus": "confirmed",
		}}), nil
	})
	server.handle("getBlockHeight", func(call int, _ json.RawMessage) (any, *rpcError) {
		return 150, nil
	})

	sig, err := client.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0], sig)
	assert.Equal(t, 3, server.count("getSignatureStatuses"))
}

func TestSubmitExpiresWithBlockhash(t *testing.T) {
	server, client, checkpoint := checkpointServer(t, 200)
	tx := signedTransaction(t, checkpoint.Blockhash)
	server.handle("sendTransaction", func(call int, _ json.RawMessage) (any, *rpcError) {
		return tx.Signatures[0].String(), nil
	})
	server.handle("getSignatureStatuses", func(call int, _ json.RawMessage) (any, *rpcError) {
		return withContext([]any{nil}), nil
	})
	server.handle("getBlockHeight", func(call int, _ json.RawMessage) (any, *rpcError) {
		return 199 + call, nil
	})

	_, err := client.Submit(context.Background(), tx)
	require.ErrorIs(t, err, transfer.ErrCheckpointExpired)
	assert.Equal(t, 2, server.count("getBlockHeight"))
}

func TestSubmitSharedCheckpointStillExpires(t *testing.T) {
	server, client, checkpoint := checkpointServer(t, 200)
	first := signedTransaction(t, checkpoint.Blockhash)
	second := signedTransaction(t, checkpoint.Blockhash)
	server.handle("sendTransaction", func(call int, _ json.RawMessage) (any, *rpcError) {
		if call == 1 {
			return first.Signatures[0].String(), nil
		}
		return second.Signatures[0].String(), nil
	})
	server.handle("getSignatureStatuses", func(_ int, params json.RawMessage) (any, *rpcError) {
		var args []json.RawMessage
		_ = json.Unmarshal(params, &args)
		var sigs []string
		_ = json.Unmarshal(args[0], &sigs)
		if sigs[0] != first.Signatures[0].String() {
			return withContext([]any{nil}), nil
		}
		return withContext([]any{map[string]any{
			"slot":               10,
			"err":                nil,
			"confirmationStatus": "confirmed",
		}}), nil
	})
	server.handle("getBlockHeight", func(int, json.RawMessage) (any, *rpcError) {
		return 201, nil
	})
	server.handle("isBlockhashValid", func(int, json.RawMessage) (any, *rpcError) {
		return withContext(true), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// the first confirmation must not make the shared blockhash unknown to the second
	_, firstErr := client.Submit(ctx, first)
	_, secondErr := client.Submit(ctx, second)
	require.NoError(t, firstErr)
	require.ErrorIs(t, secondErr, transfer.ErrCheckpointExpired)
	assert.Zero(t, server.count("isBlockhashValid"))
}

func TestSubmitAsksNodeAboutUnknownBlockhash(t *testing.T) {
	server, client := newRPCServer(t)
	tx := signedTransaction(t, solana.Hash{3})
	server.handle("sendTransaction", func(int, json.RawMessage) (any, *rpcError) {
		return tx.Signatures[0].String(), nil
	})
	server.handle("getSignatureStatuses", func(int, json.RawMessage) (any, *rpcError) {
		return withContext([]any{nil}), nil
	})
	server.handle("isBlockhashValid", func(call int, _ json.RawMessage) (any, *rpcError) {
		return withContext(call < 2), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Submit(ctx, tx)
	require.ErrorIs(t, err, transfer.ErrCheckpointExpired)
	assert.Equal(t, 2, server.count("isBlockhashValid"))
	assert.Zero(t, server.count("getBlockHeight"))
}

func TestSubmitLandedWithError(t *testing.T) {
	server, client, checkpoint := checkpointServer(t, 200)
	tx := signedTransaction(t, checkpoint.Blockhash)
	server.handle("sendTransaction", func(call int, _ json.RawMessage) (any, *rpcError) {
		return tx.Signatures[0].String(), nil
	})
	server.handle("getSignatureStatuses", func(call int, _ json.RawMessage) (any, *rpcError) {
		return withContext([]any{map[string]any{
			"slot":               10,
			"err":                map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 2006}}},
			"confirmationStatus": "confirmed",
		}}), nil
	})

	_, err := client.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, transfer.ErrIndexConflict)
}

func TestSubmitPreflightRejections(t *testing.T) {
	kinds := []error{
		transfer.ErrCheckpointExpired,
		transfer.ErrIndexConflict,
		transfer.ErrInsufficientFunds,
		transfer.ErrLedgerUnavailable,
	}
	tests := []struct {
		message string
		want    error
	}{
		{message: "Transaction simulation failed: Blockhash not found", want: transfer.ErrCheckpointExpired},
		{message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x7d6", want: transfer.ErrIndexConflict},
		{message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit.", want: transfer.ErrInsufficientFunds},
		{message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1776", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			server, client, checkpoint := checkpointServer(t, 200)
			message := tt.message
			server.handle("sendTransaction", func(int, json.RawMessage) (any, *rpcError) {
				return nil, &rpcError{Code: -32002, Message: message}
			})
			_, err := client.Submit(context.Background(), signedTransaction(t, checkpoint.Blockhash))
			require.Error(t, err)
			for _, kind := range kinds {
				assert.Equal(t, kind == tt.want, errors.Is(err, kind), kind.Error())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(rpc.ErrNotFound), transfer.ErrAccountNotFound)
	assert.ErrorIs(t, classify(context.DeadlineExceeded), transfer.ErrLedgerUnavailable)
	assert.ErrorIs(t, classify(fmt.Errorf("dial tcp: connection refused")), transfer.ErrLedgerUnavailable)
	assert.ErrorIs(t, classifyStatus(map[string]any{"InstructionError": []any{0, "InsufficientFunds"}}), transfer.ErrInsufficientFunds)
}

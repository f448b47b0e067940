package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/internal/transfer"
)

// expiredAfter is how many blocks past its own expiry a checkpoint is still remembered.
const expiredAfter = 300

type Config struct {
	Endpoint       string
	Commitment     rpc.CommitmentType
	RequestTimeout time.Duration
	ReadAttempts   uint
	ReadDelay      time.Duration
	PollInterval   time.Duration
}

// Client implements transfer.Ledger over Solana JSON-RPC.
type Client struct {
	rpc    *rpc.Client
	cfg    Config
	logger *logrus.Entry

	mu sync.Mutex
	// lastValid maps blockhashes handed out as checkpoints to the height they expire at.
	lastValid map[solana.Hash]uint64
}

func NewClient(cfg Config) *Client {
	return NewClientWithRPC(rpc.New(cfg.Endpoint), cfg)
}

func NewClientWithRPC(client *rpc.Client, cfg Config) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReadAttempts == 0 {
		cfg.ReadAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		rpc:       client,
		cfg:       cfg,
		logger:    logrus.WithField("service", "ledger"),
		lastValid: map[solana.Hash]uint64{},
	}
}

var _ transfer.Ledger = (*Client)(nil)

func (c *Client) GetAccountState(ctx context.Context, address solana.PublicKey) (*transfer.AccountState, error) {
	var result *rpc.GetAccountInfoResult
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get account %s, err: %w", address, err)
	}
	account := result.Value
	return &transfer.AccountState{
		Lamports:   account.Lamports,
		Owner:      account.Owner,
		Data:       account.Data.GetBinary(),
		Executable: account.Executable,
	}, nil
}

func (c *Client) GetCheckpoint(ctx context.Context) (transfer.Checkpoint, error) {
	var result *rpc.GetLatestBlockhashResult
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return transfer.Checkpoint{}, fmt.Errorf("fail to get latest blockhash, err: %w", err)
	}
	checkpoint := transfer.Checkpoint{
		Blockhash:            result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}
	c.mu.Lock()
	for hash, height := range c.lastValid {
		if height+expiredAfter < checkpoint.LastValidBlockHeight {
			delete(c.lastValid, hash)
		}
	}
	c.lastValid[checkpoint.Blockhash] = checkpoint.LastValidBlockHeight
	c.mu.Unlock()
	return checkpoint, nil
}

// Balance returns the lamports held by address, zero for an account that does not exist.
func (c *Client) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var result *rpc.GetBalanceResult
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetBalance(ctx, address, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fail to get balance of %s, err: %w", address, err)
	}
	return result.Value, nil
}

// Submit sends tx with preflight and waits for it to reach the configured commitment. If
// the chain moves past the last valid height of the blockhash first, the transaction can
// no longer land and ErrCheckpointExpired is returned. Checkpoints are shared by every
// submission signed with them, so they are only dropped by age in GetCheckpoint.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	blockhash := tx.Message.RecentBlockhash
	c.mu.Lock()
	lastValid, known := c.lastValid[blockhash]
	c.mu.Unlock()

	sig, err := c.send(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	logger := c.logger.WithField("signature", sig.String())
	logger.Debug("transaction sent")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		done, err := c.confirmed(ctx, sig)
		if done || err != nil {
			return sig, err
		}
		expired, err := c.expired(ctx, blockhash, lastValid, known)
		if err != nil {
			logger.WithError(err).Warn("fail to check blockhash expiry")
		} else if expired {
			// one last look, the transaction may have landed in the final valid block
			if done, err := c.confirmed(ctx, sig); done || err != nil {
				return sig, err
			}
			return solana.Signature{}, fmt.Errorf("%w: blockhash %s expired", transfer.ErrCheckpointExpired, blockhash)
		}
		select {
		case <-ctx.Done():
			return solana.Signature{}, fmt.Errorf("%w: confirmation of %s unknown: %w", transfer.ErrLedgerUnavailable, sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// expired reports whether blockhash can no longer land a transaction. Blockhashes this
// client did not hand out are asked about directly.
func (c *Client) expired(ctx context.Context, blockhash solana.Hash, lastValid uint64, known bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if known {
		height, err := c.rpc.GetBlockHeight(ctx, c.cfg.Commitment)
		if err != nil {
			return false, err
		}
		return height > lastValid, nil
	}
	result, err := c.rpc.IsBlockhashValid(ctx, blockhash, c.cfg.Commitment)
	if err != nil {
		return false, err
	}
	return !result.Value, nil
}

func (c *Client) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fail to send transaction, err: %w", classify(err))
	}
	return sig, nil
}

// confirmed reports whether sig reached the configured commitment. A transaction that
// landed with an error is returned as its classified error. Lookup failures only mean
// "not yet" and are logged.
func (c *Client) confirmed(ctx context.Context, sig solana.Signature) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	result, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		c.logger.WithError(err).WithField("signature", sig.String()).Warn("fail to get signature status")
		return false, nil
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	status := result.Value[0]
	if status.Err != nil {
		return false, classifyStatus(status.Err)
	}
	return reached(status.ConfirmationStatus, c.cfg.Commitment), nil
}

// read runs one RPC query with a per-call timeout, retrying while the node is unavailable.
func (c *Client) read(ctx context.Context, query func(ctx context.Context) error) error {
	return retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		return classify(query(callCtx))
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.ReadAttempts),
		retry.Delay(c.cfg.ReadDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, transfer.ErrLedgerUnavailable)
		}),
	)
}

func reached(status rpc.ConfirmationStatusType, commitment rpc.CommitmentType) bool {
	switch commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	}
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

// Config holds the knobs of the transfer state machine.
type Config struct {
	// Threshold is the number of approvals new vaults require, 1 or 2.
	Threshold  uint16
	VaultIndex uint8
	// Decimals is the precision of the native currency.
	Decimals             int32
	MaxCheckpointRetries int
	MaxIndexRetries      int
	MaxLedgerRetries     uint
	RetryDelay           time.Duration
	MaxRetryJitter       time.Duration
	LockTTL              time.Duration
	// Timeout bounds one whole Transfer, EnsureVault or Resume call. Zero disables it.
	Timeout time.Duration
	Memo    string
}

func DefaultConfig() Config {
	return Config{
		Threshold:            1,
		VaultIndex:           0,
		Decimals:             9,
		MaxCheckpointRetries: 3,
		MaxIndexRetries:      5,
		MaxLedgerRetries:     4,
		RetryDelay:           500 * time.Millisecond,
		MaxRetryJitter:       250 * time.Millisecond,
		LockTTL:              2 * time.Minute,
		Timeout:              3 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.Threshold < 1 || c.Threshold > 2 {
		return fmt.Errorf("threshold must be 1 or 2, got %d", c.Threshold)
	}
	if c.Decimals < 0 {
		return fmt.Errorf("decimals must not be negative, got %d", c.Decimals)
	}
	if c.MaxLedgerRetries < 1 {
		return errors.New("max ledger retries must be at least 1")
	}
	return nil
}

// landedFunc reports whether the effect of a submission is already visible on the ledger.
type landedFunc func(ctx context.Context) (bool, error)

// submitter signs and submits one ledger operation. An expired checkpoint is replaced by a
// fresh one and the same instructions are signed again. An unavailable ledger is retried
// with backoff, but only after landed confirmed the previous attempt did not go through.
type submitter struct {
	ledger Ledger
	cfg    Config
	logger logrus.FieldLogger
}

func (s *submitter) submit(ctx context.Context, custodian Custodian, instructions []solana.Instruction, landed landedFunc, extra ...solana.PrivateKey) (solana.Signature, error) {
	var (
		sig      solana.Signature
		expiries int
		attempt  int
	)
	err := retry.Do(func() error {
		attempt++
		if attempt > 1 && landed != nil {
			ok, err := landed(ctx)
			if err != nil {
				return err
			}
			if ok {
				s.logger.WithField("signature", sig.String()).Info("previous submission landed")
				return nil
			}
		}
		for {
			checkpoint, err := s.ledger.GetCheckpoint(ctx)
			if err != nil {
				return err
			}
			tx, err := solana.NewTransaction(instructions, checkpoint.Blockhash, solana.TransactionPayer(custodian.PublicKey()))
			if err != nil {
				return fmt.Errorf("fail to build transaction, err: %w", err)
			}
			if err := custodian.SignTransaction(tx, extra...); err != nil {
				return fmt.Errorf("fail to sign transaction, err: %w", err)
			}
			sig = tx.Signatures[0]
			if _, err = s.ledger.Submit(ctx, tx); err == nil {
				return nil
			}
			if errors.Is(err, ErrCheckpointExpired) && expiries < s.cfg.MaxCheckpointRetries {
				expiries++
				s.logger.WithFields(logrus.Fields{
					"blockhash": checkpoint.Blockhash.String(),
					"expiries":  expiries,
				}).Warn("checkpoint expired, signing again")
				continue
			}
			return err
		}
	},
		retry.Context(ctx),
		retry.Attempts(s.cfg.MaxLedgerRetries),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxJitter(s.cfg.MaxRetryJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrLedgerUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.WithError(err).WithField("attempt", n+1).Warn("ledger unavailable, retrying")
		}),
	)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// accountExists is a landedFunc for operations that create address.
func accountExists(ledger Ledger, address solana.PublicKey) landedFunc {
	return func(ctx context.Context) (bool, error) {
		_, err := ledger.GetAccountState(ctx, address)
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/contexthelper"
	"github.com/vultisig/phonevault/internal/squads"
)

// Request asks to move Amount out of the vault of UserID.
type Request struct {
	RequestID string
	UserID    string
	// Recipient is a base58 address or the user id of another registered user.
	Recipient string
	Amount    string
	// PreviousIndex is an index an earlier attempt of this request reserved. Its create
	// may still land, so it is adopted instead of storing the transfer a second time.
	PreviousIndex uint64
}

// ResumeRequest continues a transfer whose vault transaction is already stored.
type ResumeRequest struct {
	RequestID string
	UserID    string
	Index     uint64
	// Restart runs the transfer again when nothing of this request is stored at Index.
	Restart *Request
}

// Result describes an executed transfer. Signature is zero when Resume found the
// transaction already executed.
type Result struct {
	Signature    solana.Signature
	Multisig     solana.PublicKey
	Vault        solana.PublicKey
	Recipient    solana.PublicKey
	Index        uint64
	Lamports     uint64
	IndexRetries int
}

// Orchestrator runs transfers through
// start -> provisioned -> index_reserved -> created -> proposed -> approved -> executed.
// Steps run strictly in sequence; once the vault transaction is stored its index is only
// ever carried forward, never reserved again.
type Orchestrator struct {
	cfg       Config
	ledger    Ledger
	directory Directory
	custodian Custodian
	locker    Locker
	recorder  ProgressRecorder
	logger    logrus.FieldLogger

	provisioner *Provisioner
	allocator   *SequenceAllocator
	builder     *ProposalBuilder
	approvals   *ApprovalDriver
	executor    *ExecutionSubmitter
}

type Option func(*Orchestrator)

func WithLocker(locker Locker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

func WithProgressRecorder(recorder ProgressRecorder) Option {
	return func(o *Orchestrator) { o.recorder = recorder }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func NewOrchestrator(cfg Config, ledger Ledger, directory Directory, custodian Custodian, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config, err: %w", err)
	}
	if ledger == nil || directory == nil || custodian == nil {
		return nil, errors.New("ledger, directory and custodian are required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		ledger:    ledger,
		directory: directory,
		custodian: custodian,
		logger:    logrus.WithField("service", "transfer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	s := &submitter{ledger: ledger, cfg: cfg, logger: o.logger}
	o.provisioner = &Provisioner{
		ledger:    ledger,
		directory: directory,
		submitter: s,
		threshold: cfg.Threshold,
		logger:    o.logger,
	}
	o.allocator = &SequenceAllocator{ledger: ledger}
	o.builder = &ProposalBuilder{
		ledger:     ledger,
		submitter:  s,
		vaultIndex: cfg.VaultIndex,
		decimals:   cfg.Decimals,
		memo:       cfg.Memo,
	}
	o.approvals = &ApprovalDriver{ledger: ledger, submitter: s}
	o.executor = &ExecutionSubmitter{ledger: ledger, submitter: s}
	return o, nil
}

// VaultAddress returns the vault transfers of multisig are paid from.
func (o *Orchestrator) VaultAddress(multisig solana.PublicKey) (solana.PublicKey, error) {
	vault, _, err := squads.VaultAddress(multisig, o.cfg.VaultIndex)
	return vault, err
}

// EnsureVault returns the multisig of userID, creating it on first use.
func (o *Orchestrator) EnsureVault(ctx context.Context, userID string) (solana.PublicKey, error) {
	if userID == "" {
		return solana.PublicKey{}, validationError("user id is required")
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.ensureVault(ctx, userID)
}

func (o *Orchestrator) ensureVault(ctx context.Context, userID string) (solana.PublicKey, error) {
	unlock, err := o.lock(ctx, "user:"+userID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	defer unlock()
	return o.provisioner.EnsureVault(ctx, o.custodian, userID)
}

func (o *Orchestrator) Transfer(ctx context.Context, req Request) (*Result, error) {
	p := &Progress{RequestID: req.RequestID, UserID: req.UserID, Stage: StageStart}
	if req.UserID == "" {
		return nil, o.fail(ctx, p, validationError("user id is required"))
	}
	lamports, err := o.builder.Validate(req.Amount)
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	recipient, err := o.resolveRecipient(ctx, req.Recipient)
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	multisig, err := o.ensureVault(ctx, req.UserID)
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	p.Multisig = multisig
	o.record(ctx, p, StageProvisioned)

	unlock, err := o.lock(ctx, "vault:"+multisig.String())
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	defer unlock()

	result := &Result{Multisig: multisig, Recipient: recipient, Lamports: lamports}
	for attempt := 0; ; attempt++ {
		index, err := o.allocator.Reserve(ctx, multisig)
		if err != nil {
			return nil, o.fail(ctx, p, err)
		}
		p.Index = index
		o.record(ctx, p, StageIndexReserved)

		draft, err := o.builder.Build(ctx, multisig, recipient, lamports, req.RequestID)
		if err != nil {
			return nil, o.fail(ctx, p, err)
		}
		result.Vault = draft.Vault
		if req.PreviousIndex > 0 && req.PreviousIndex < index {
			adopted, err := o.adopt(ctx, p, draft, req.PreviousIndex)
			if err != nil {
				return nil, o.fail(ctx, p, err)
			}
			if adopted {
				break
			}
		}
		_, err = o.builder.Create(ctx, o.custodian, draft, index)
		if err == nil {
			break
		}
		if errors.Is(err, ErrIndexConflict) {
			adopted, aerr := o.adopt(ctx, p, draft, index)
			if aerr != nil {
				return nil, o.fail(ctx, p, aerr)
			}
			if adopted {
				break
			}
		}
		if errors.Is(err, ErrIndexConflict) && attempt < o.cfg.MaxIndexRetries {
			o.logger.WithFields(logrus.Fields{
				"request_id": req.RequestID,
				"multisig":   multisig.String(),
				"index":      index,
			}).Info("index taken by another transfer, reserving again")
			result.IndexRetries++
			continue
		}
		return nil, o.fail(ctx, p, err)
	}
	result.Index = p.Index
	o.record(ctx, p, StageCreated)

	sig, err := o.advance(ctx, p, StageCreated)
	if err != nil {
		return nil, err
	}
	result.Signature = sig
	return result, nil
}

// adopt takes over index when it already holds draft, which happens when an earlier
// create landed after its submission was given up on. Only a draft tagged with its
// request id can be told apart from another transfer of the same payload.
func (o *Orchestrator) adopt(ctx context.Context, p *Progress, draft *Draft, index uint64) (bool, error) {
	if draft.RequestID == "" {
		return false, nil
	}
	stored, err := o.builder.Stored(ctx, o.custodian, draft, index)
	if err != nil || !stored {
		return false, err
	}
	o.logger.WithFields(logrus.Fields{
		"request_id": p.RequestID,
		"multisig":   p.Multisig.String(),
		"index":      index,
	}).Info("transfer already stored, continuing from it")
	p.Index = index
	return true, nil
}

// Resume picks up the transfer stored under req.Index from the stage the proposal is in.
// When nothing of this request is stored there and req.Restart is set, the transfer is
// run again from the start, adopting req.Index should its create land meanwhile.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*Result, error) {
	result, err := o.resume(ctx, req)
	if req.Restart == nil || !errors.Is(err, ErrNotStored) {
		return result, err
	}
	o.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"index":      req.Index,
	}).Info("nothing stored at index, restarting transfer")
	restart := *req.Restart
	restart.PreviousIndex = req.Index
	return o.Transfer(ctx, restart)
}

func (o *Orchestrator) resume(ctx context.Context, req ResumeRequest) (*Result, error) {
	p := &Progress{RequestID: req.RequestID, UserID: req.UserID, Index: req.Index, Stage: StageIndexReserved}
	if req.Index == 0 {
		return nil, o.fail(ctx, p, validationError("transaction index is required"))
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	multisig, err := o.directory.LookupVaultAccount(ctx, req.UserID)
	if err != nil {
		return nil, o.fail(ctx, p, fmt.Errorf("fail to lookup vault account, err: %w", err))
	}
	if multisig == nil {
		return nil, o.fail(ctx, p, fmt.Errorf("%w: no vault recorded for user", ErrNotProvisioned))
	}
	p.Multisig = *multisig

	unlock, err := o.lock(ctx, "vault:"+multisig.String())
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	defer unlock()

	stored, err := readVaultTransaction(ctx, o.ledger, *multisig, req.Index)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, o.fail(ctx, p, fmt.Errorf("%w: index %d is empty", ErrNotStored, req.Index))
	}
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	if req.RequestID != "" && requestTag(&stored.Message) != req.RequestID {
		return nil, o.fail(ctx, p, fmt.Errorf("%w: index %d holds another transfer", ErrNotStored, req.Index))
	}
	vault, _, err := squads.VaultAddress(*multisig, stored.VaultIndex)
	if err != nil {
		return nil, o.fail(ctx, p, err)
	}
	result := &Result{Multisig: *multisig, Vault: vault, Index: req.Index}
	result.Recipient, result.Lamports = transferDetails(&stored.Message)
	p.Stage = StageCreated

	from := StageCreated
	proposal, err := readProposal(ctx, o.ledger, *multisig, req.Index)
	switch {
	case errors.Is(err, ErrAccountNotFound):
	case err != nil:
		return nil, o.fail(ctx, p, err)
	default:
		switch proposal.Status {
		case squads.ProposalActive:
			p.Stage = StageProposed
			if proposal.HasApproved(o.custodian.PublicKey()) {
				return nil, o.fail(ctx, p, fmt.Errorf("%w: %w", ErrPartialApproval, &awaitingError{status: proposal.Status}))
			}
			from = StageProposed
		case squads.ProposalApproved, squads.ProposalExecuting:
			p.Stage = StageApproved
			from = StageApproved
		case squads.ProposalExecuted:
			o.record(ctx, p, StageExecuted)
			return result, nil
		default:
			return nil, o.fail(ctx, p, validationError("proposal at index %d is %s", req.Index, proposal.Status))
		}
	}

	sig, err := o.advance(ctx, p, from)
	if err != nil {
		return nil, err
	}
	result.Signature = sig
	return result, nil
}

func (o *Orchestrator) advance(ctx context.Context, p *Progress, from Stage) (solana.Signature, error) {
	switch from {
	case StageCreated:
		if err := o.approvals.Propose(ctx, o.custodian, p.Multisig, p.Index); err != nil {
			return solana.Signature{}, o.fail(ctx, p, err)
		}
		o.record(ctx, p, StageProposed)
		fallthrough
	case StageProposed:
		if err := o.approvals.Approve(ctx, o.custodian, p.Multisig, p.Index); err != nil {
			return solana.Signature{}, o.fail(ctx, p, err)
		}
		o.record(ctx, p, StageApproved)
		fallthrough
	case StageApproved:
		sig, err := o.executor.Execute(ctx, o.custodian, p.Multisig, p.Index)
		if err != nil {
			return solana.Signature{}, o.fail(ctx, p, err)
		}
		p.Signature = sig
		o.record(ctx, p, StageExecuted)
		return sig, nil
	}
	return solana.Signature{}, fmt.Errorf("cannot advance transfer from %s", from)
}

func (o *Orchestrator) resolveRecipient(ctx context.Context, recipient string) (solana.PublicKey, error) {
	if recipient == "" {
		return solana.PublicKey{}, validationError("recipient is required")
	}
	if address, err := solana.PublicKeyFromBase58(recipient); err == nil {
		return address, nil
	}
	wallet, err := o.directory.LookupWalletAddress(ctx, recipient)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fail to lookup recipient wallet, err: %w", err)
	}
	if wallet == nil {
		return solana.PublicKey{}, validationError("no wallet address found for recipient")
	}
	return *wallet, nil
}

// fail records err against the stage p reached. A transfer keeps its stage, and with it
// the index it holds, as long as a later attempt may still succeed; only errors that no
// retry can fix end it as failed.
func (o *Orchestrator) fail(ctx context.Context, p *Progress, err error) error {
	stageErr := &StageError{Stage: p.Stage, Index: p.Index, Err: err}
	p.Err = err
	next := p.Stage
	if !Retryable(err) {
		next = StageFailed
	}
	o.record(ctx, p, next)
	o.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": p.RequestID,
		"user_id":    p.UserID,
		"stage":      stageErr.Stage,
		"index":      p.Index,
	}).Warn("transfer stopped")
	return stageErr
}

func (o *Orchestrator) record(ctx context.Context, p *Progress, stage Stage) {
	p.Stage = stage
	if o.recorder == nil {
		return
	}
	// recording must outlive a caller that already gave up
	if err := o.recorder.RecordProgress(context.WithoutCancel(ctx), *p); err != nil {
		o.logger.WithError(err).WithField("request_id", p.RequestID).Error("fail to record transfer progress")
	}
}

// lock takes the advisory lock for key. Losing the lock race is not fatal: the ledger
// still rejects conflicting submissions.
func (o *Orchestrator) lock(ctx context.Context, key string) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}
	unlock, err := o.locker.Lock(ctx, key, o.cfg.LockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.WithError(err).WithField("key", key).Warn("fail to take lock, continuing without it")
		return func() {}, nil
	}
	return unlock, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return contexthelper.WithOptionalTimeout(ctx, o.cfg.Timeout)
}

// transferDetails reads recipient and lamports back from a compiled system transfer.
func transferDetails(message *squads.TransactionMessage) (solana.PublicKey, uint64) {
	if len(message.Instructions) == 0 {
		return solana.PublicKey{}, 0
	}
	ix := message.Instructions[0]
	if len(ix.AccountIndexes) < 2 || len(ix.Data) < 12 || int(ix.AccountIndexes[1]) >= len(message.AccountKeys) {
		return solana.PublicKey{}, 0
	}
	return message.AccountKeys[ix.AccountIndexes[1]], binary.LittleEndian.Uint64(ix.Data[4:12])
}

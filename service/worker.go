package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gagliardetto/solana-go"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/common"
	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/contexthelper"
	"github.com/vultisig/phonevault/internal/tasks"
	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
	"github.com/vultisig/phonevault/storage"
	"github.com/vultisig/phonevault/storage/postgres"
)

const resumeDelay = 30 * time.Second

// Orchestrator is the transfer engine the worker drives.
type Orchestrator interface {
	Transfer(ctx context.Context, req transfer.Request) (*transfer.Result, error)
	Resume(ctx context.Context, req transfer.ResumeRequest) (*transfer.Result, error)
	EnsureVault(ctx context.Context, userID string) (solana.PublicKey, error)
	VaultAddress(multisig solana.PublicKey) (solana.PublicKey, error)
}

// ReceiptStore archives the receipts of executed transfers.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, receipt types.TransferReceipt) error
	GetReceipt(ctx context.Context, requestID string) (*types.TransferReceipt, error)
}

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type WorkerService struct {
	cfg          config.Config
	db           storage.DatabaseStorage
	orchestrator Orchestrator
	logger       *logrus.Entry
	queueClient  TaskEnqueuer
	sdClient     statsd.ClientInterface
	receipts     ReceiptStore
	sms          SMSSender
}

// TransferTaskResult is written as the result of transfer tasks that did not execute yet.
type TransferTaskResult struct {
	RequestID    string `json:"request_id"`
	Stage        string `json:"stage"`
	Index        uint64 `json:"index,omitempty"`
	ResumeTaskID string `json:"resume_task_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// NewWorker creates a new worker service
func NewWorker(cfg config.Config,
	db storage.DatabaseStorage,
	orchestrator Orchestrator,
	queueClient TaskEnqueuer,
	sdClient statsd.ClientInterface,
	receipts ReceiptStore,
	sms SMSSender) *WorkerService {
	return &WorkerService{
		cfg:          cfg,
		db:           db,
		orchestrator: orchestrator,
		logger:       logrus.WithField("service", "worker"),
		queueClient:  queueClient,
		sdClient:     sdClient,
		receipts:     receipts,
		sms:          sms,
	}
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}
func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

func (s *WorkerService) HandleTransfer(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.transfer.latency", time.Now(), []string{})
	var req types.TransferRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid transfer request: %s: %w", err, asynq.SkipRetry)
	}
	req.Phone = common.NormalizePhone(req.Phone)
	if _, err := solana.PublicKeyFromBase58(req.Recipient); err != nil {
		req.Recipient = common.NormalizePhone(req.Recipient)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"phone":      req.Phone,
		"recipient":  req.Recipient,
		"amount":     req.Amount,
	})
	logger.Info("start transfer")
	s.incCounter("worker.transfer", []string{})

	if _, err := s.db.CreateTransfer(ctx, types.TransferRecord{
		RequestID: req.RequestID,
		Phone:     req.Phone,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Display:   req.Display,
	}); err != nil {
		return fmt.Errorf("fail to create transfer record, err: %w", err)
	}
	record, err := s.db.GetTransfer(ctx, req.RequestID)
	if err != nil {
		return fmt.Errorf("fail to get transfer record, err: %w", err)
	}

	// A retried task continues from the index it already holds.
	switch transfer.Stage(record.Stage) {
	case transfer.StageExecuted:
		logger.Info("transfer already executed")
		receipt, err := s.receipts.GetReceipt(ctx, req.RequestID)
		if err != nil {
			logger.WithError(err).Warn("fail to read archived receipt")
			return s.writeResult(t, TransferTaskResult{RequestID: req.RequestID, Stage: record.Stage})
		}
		return s.writeResult(t, receipt)
	case transfer.StageFailed:
		return fmt.Errorf("transfer %s already failed: %w", req.RequestID, asynq.SkipRetry)
	}
	if record.TxIndex != nil {
		logger.WithField("index", *record.TxIndex).Info("continue transfer from stored index")
		res, err := s.orchestrator.Resume(ctx, transfer.ResumeRequest{
			RequestID: req.RequestID,
			UserID:    req.Phone,
			Index:     uint64(*record.TxIndex),
			Restart: &transfer.Request{
				RequestID: req.RequestID,
				UserID:    req.Phone,
				Recipient: req.Recipient,
				Amount:    req.Amount,
			},
		})
		return s.complete(ctx, t, logger, req.RequestID, req.Phone, req.Display, false, res, err)
	}

	res, err := s.orchestrator.Transfer(ctx, transfer.Request{
		RequestID: req.RequestID,
		UserID:    req.Phone,
		Recipient: req.Recipient,
		Amount:    req.Amount,
	})
	return s.complete(ctx, t, logger, req.RequestID, req.Phone, req.Display, false, res, err)
}

func (s *WorkerService) HandleResumeTransfer(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.transfer.resume.latency", time.Now(), []string{})
	var req types.ResumeTransferRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid resume request: %s: %w", err, asynq.SkipRetry)
	}
	req.Phone = common.NormalizePhone(req.Phone)
	logger := s.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"phone":      req.Phone,
		"index":      req.Index,
	})
	logger.Info("resume transfer")
	s.incCounter("worker.transfer.resume", []string{})

	resume := transfer.ResumeRequest{
		RequestID: req.RequestID,
		UserID:    req.Phone,
		Index:     req.Index,
	}
	record, err := s.db.GetTransfer(ctx, req.RequestID)
	switch {
	case err == nil:
		resume.Restart = &transfer.Request{
			RequestID: record.RequestID,
			UserID:    req.Phone,
			Recipient: record.Recipient,
			Amount:    record.Amount,
		}
	case errors.Is(err, postgres.ErrTransferNotFound):
		logger.Warn("no transfer record, resume cannot restart")
	default:
		return fmt.Errorf("fail to get transfer record, err: %w", err)
	}
	res, err := s.orchestrator.Resume(ctx, resume)
	return s.complete(ctx, t, logger, req.RequestID, req.Phone, req.Display, true, res, err)
}

// complete turns the outcome of a transfer into the task outcome. Transfers that stopped
// after their vault transaction was stored are handed to a resume task instead of being
// retried from the start; a resume task retries itself.
func (s *WorkerService) complete(ctx context.Context,
	t *asynq.Task,
	logger *logrus.Entry,
	requestID, phone, display string,
	resuming bool,
	res *transfer.Result,
	err error) error {
	if err != nil {
		return s.handleTransferError(ctx, t, logger, requestID, phone, display, resuming, err)
	}

	amount := transfer.FromBaseUnits(res.Lamports, s.cfg.Vault.Decimals).String()
	receipt := types.TransferReceipt{
		RequestID:    requestID,
		Phone:        phone,
		Multisig:     res.Multisig.String(),
		Vault:        res.Vault.String(),
		Recipient:    res.Recipient.String(),
		Index:        res.Index,
		Lamports:     res.Lamports,
		Amount:       amount,
		IndexRetries: res.IndexRetries,
		ExecutedAt:   time.Now().UTC(),
	}
	if res.Signature != (solana.Signature{}) {
		receipt.Signature = res.Signature.String()
	}
	logger.WithFields(logrus.Fields{
		"index":     res.Index,
		"signature": receipt.Signature,
		"lamports":  res.Lamports,
	}).Info("transfer executed")
	s.incCounter("worker.transfer.executed", []string{})

	if err := s.db.SetTransferLamports(ctx, requestID, res.Lamports); err != nil {
		logger.WithError(err).Error("fail to store transferred lamports")
	}
	if err := s.receipts.SaveReceipt(ctx, receipt); err != nil {
		logger.WithError(err).Error("fail to archive receipt")
	}
	if display == types.DisplaySMS {
		body := fmt.Sprintf("Sent %s SOL to %s. Tx %s", amount, receipt.Recipient, receipt.Signature)
		if err := s.enqueueSMS(ctx, phone, body); err != nil {
			logger.WithError(err).Error("fail to enqueue sms")
		}
	}
	return s.writeResult(t, receipt)
}

func (s *WorkerService) handleTransferError(ctx context.Context,
	t *asynq.Task,
	logger *logrus.Entry,
	requestID, phone, display string,
	resuming bool,
	err error) error {
	logger = logger.WithError(err)
	s.incCounter("worker.transfer.error", []string{})

	var stageErr *transfer.StageError
	resumable := errors.Is(err, transfer.ErrPartialApproval) || errors.Is(err, transfer.ErrExecutionFailed)
	if resumable && errors.As(err, &stageErr) && stageErr.Index > 0 {
		result := TransferTaskResult{
			RequestID: requestID,
			Stage:     string(stageErr.Stage),
			Index:     stageErr.Index,
		}
		if transfer.AwaitingMembers(err) {
			logger.Info("transfer awaits member approval")
			result.Message = "awaiting member approval"
			return s.writeResult(t, result)
		}
		if resuming {
			logger.Warn("resume stopped again, will retry")
			return err
		}
		resumeID := tasks.ResumeTaskID(requestID, stageErr.Index)
		task, opts, terr := tasks.NewResumeTransfer(types.ResumeTransferRequest{
			RequestID: requestID,
			Phone:     phone,
			Index:     stageErr.Index,
			Display:   display,
		}, resumeID, resumeDelay)
		if terr != nil {
			return fmt.Errorf("fail to build resume task: %v: %w", terr, asynq.SkipRetry)
		}
		if _, eerr := s.queueClient.EnqueueContext(ctx, task, opts...); eerr != nil && !errors.Is(eerr, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("fail to enqueue resume task, err: %w", eerr)
		}
		logger.WithField("index", stageErr.Index).Warn("transfer handed to resume task")
		result.ResumeTaskID = resumeID
		return s.writeResult(t, result)
	}

	if !transfer.Retryable(err) {
		logger.Error("transfer failed")
		return fmt.Errorf("transfer failed: %v: %w", err, asynq.SkipRetry)
	}
	logger.Warn("transfer failed, will retry")
	return err
}

func (s *WorkerService) HandleEnsureVault(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("worker.vault.ensure.latency", time.Now(), []string{})
	var req types.VaultRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid vault request: %s: %w", err, asynq.SkipRetry)
	}
	req.Phone = common.NormalizePhone(req.Phone)
	logger := s.logger.WithField("phone", req.Phone)
	s.incCounter("worker.vault.ensure", []string{})

	if req.Address != "" {
		address := solana.MustPublicKeyFromBase58(req.Address)
		if _, err := s.db.RegisterWallet(ctx, req.Phone, address); err != nil {
			if errors.Is(err, postgres.ErrWalletMismatch) {
				return fmt.Errorf("fail to register wallet: %v: %w", err, asynq.SkipRetry)
			}
			return fmt.Errorf("fail to register wallet, err: %w", err)
		}
	}

	multisig, err := s.orchestrator.EnsureVault(ctx, req.Phone)
	if err != nil {
		logger.WithError(err).Error("fail to ensure vault")
		if !transfer.Retryable(err) {
			return fmt.Errorf("fail to ensure vault: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	vault, err := s.orchestrator.VaultAddress(multisig)
	if err != nil {
		return fmt.Errorf("fail to derive vault: %v: %w", err, asynq.SkipRetry)
	}
	logger.WithFields(logrus.Fields{
		"multisig": multisig.String(),
		"vault":    vault.String(),
	}).Info("vault ready")

	resp := types.VaultResponse{
		Phone:    req.Phone,
		Address:  req.Address,
		Multisig: multisig.String(),
		Vault:    vault.String(),
	}
	return s.writeResult(t, resp)
}

func (s *WorkerService) HandleSendSMS(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	s.incCounter("worker.sms.send", []string{})
	var req types.SMSRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := req.IsValid(); err != nil {
		return fmt.Errorf("invalid sms request: %s: %w", err, asynq.SkipRetry)
	}
	phone := common.NormalizePhone(req.Phone)
	sid, err := s.sms.SendSMS(ctx, phone, req.Body)
	if err != nil {
		s.logger.WithError(err).WithField("phone", phone).Error("fail to send sms")
		if errors.Is(err, ErrSMSRejected) {
			return fmt.Errorf("fail to send sms: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("fail to send sms, err: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"phone": phone,
		"sid":   sid,
	}).Info("sms sent")
	return nil
}

func (s *WorkerService) enqueueSMS(ctx context.Context, phone, body string) error {
	task, opts, err := tasks.NewSendSMS(types.SMSRequest{Phone: phone, Body: body})
	if err != nil {
		return err
	}
	_, err = s.queueClient.EnqueueContext(ctx, task, opts...)
	return err
}

func (s *WorkerService) writeResult(t *asynq.Task, result any) error {
	buf, err := json.Marshal(result)
	if err != nil {
		s.logger.Errorf("json.Marshal failed: %v", err)
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if t.ResultWriter() == nil {
		return nil
	}
	if _, err := t.ResultWriter().Write(buf); err != nil {
		s.logger.Errorf("t.ResultWriter.Write failed: %v", err)
		return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

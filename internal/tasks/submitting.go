package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vultisig/phonevault/internal/types"
)

const (
	transferTimeout = 5 * time.Minute
	retention       = 24 * time.Hour
)

// NewTransfer builds the task of req. The request id doubles as task id so a replayed
// request is rejected by the queue.
func NewTransfer(req types.TransferRequest) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to marshal transfer request, err: %w", err)
	}
	return asynq.NewTask(TypeTransfer, payload), []asynq.Option{
		asynq.TaskID(req.RequestID),
		asynq.MaxRetry(5),
		asynq.Timeout(transferTimeout),
		asynq.Retention(retention),
		asynq.Queue(QUEUE_NAME),
	}, nil
}

// NewResumeTransfer builds the task that continues the transfer stored at req.Index.
// Tasks sharing taskID are queued at most once.
func NewResumeTransfer(req types.ResumeTransferRequest, taskID string, delay time.Duration) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to marshal resume request, err: %w", err)
	}
	return asynq.NewTask(TypeResumeTransfer, payload), []asynq.Option{
		asynq.TaskID(taskID),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(10),
		asynq.Timeout(transferTimeout),
		asynq.Retention(retention),
		asynq.Queue(QUEUE_NAME),
	}, nil
}

// ResumeTaskID names the resume task a worker hands a stopped transfer to.
func ResumeTaskID(requestID string, index uint64) string {
	return fmt.Sprintf("resume-%s-%d", requestID, index)
}

// RecoveryTaskID names the resume task the recovery loop queues for a stalled transfer.
// One such task exists per transfer and round.
func RecoveryTaskID(requestID string, index uint64, round int64) string {
	return fmt.Sprintf("recover-%s-%d-%d", requestID, index, round)
}

func NewEnsureVault(req types.VaultRequest) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to marshal vault request, err: %w", err)
	}
	return asynq.NewTask(TypeEnsureVault, payload), []asynq.Option{
		asynq.MaxRetry(5),
		asynq.Timeout(transferTimeout),
		asynq.Retention(retention),
		asynq.Queue(QUEUE_NAME),
	}, nil
}

func NewSendSMS(req types.SMSRequest) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to marshal sms request, err: %w", err)
	}
	return asynq.NewTask(TypeSendSMS, payload), []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Retention(10 * time.Minute),
		asynq.Queue(SMS_QUEUE_NAME),
	}, nil
}

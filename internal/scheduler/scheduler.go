package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/internal/tasks"
	"github.com/vultisig/phonevault/internal/types"
)

const batchSize = 100

// StalledTransfers lists transfers that hold an index but stopped moving.
type StalledTransfers interface {
	GetStalledTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]types.TransferRecord, error)
}

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SchedulerService periodically queues resume tasks for stalled transfers, so a transfer
// whose worker died after its vault transaction was stored still completes at that index.
type SchedulerService struct {
	db       StalledTransfers
	logger   *logrus.Entry
	client   TaskEnqueuer
	interval time.Duration
	age      time.Duration
	cron     *cron.Cron
}

func NewSchedulerService(db StalledTransfers, client TaskEnqueuer, interval, age time.Duration) *SchedulerService {
	logger := logrus.WithField("service", "scheduler")
	return &SchedulerService{
		db:       db,
		logger:   logger,
		client:   client,
		interval: interval,
		age:      age,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger)))),
	}
}

// Start runs a recovery round every interval. Intervals below a second are rounded up.
func (s *SchedulerService) Start() error {
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), s.recoverRound); err != nil {
		return fmt.Errorf("fail to schedule recovery, err: %w", err)
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"interval": s.interval,
		"age":      s.age,
	}).Info("recovery loop started")
	return nil
}

// Stop ends the loop and waits for the current round to finish.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

func (s *SchedulerService) recoverRound() {
	timeout := s.interval
	if timeout < time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	queued, err := s.RecoverStalled(ctx, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("fail to recover stalled transfers")
		return
	}
	if queued > 0 {
		s.logger.WithField("queued", queued).Info("queued resume tasks")
	}
}

// RecoverStalled queues one resume task per stalled transfer and returns how many were
// queued. A transfer stalled across rounds gets one task per round of length age.
func (s *SchedulerService) RecoverStalled(ctx context.Context, now time.Time) (int, error) {
	records, err := s.db.GetStalledTransfers(ctx, s.age, batchSize)
	if err != nil {
		return 0, err
	}

	round := now.Truncate(s.age).Unix()
	queued := 0
	for _, record := range records {
		if record.TxIndex == nil {
			continue
		}
		index := uint64(*record.TxIndex)
		logger := s.logger.WithFields(logrus.Fields{
			"request_id": record.RequestID,
			"index":      index,
			"stage":      record.Stage,
		})
		task, opts, err := tasks.NewResumeTransfer(types.ResumeTransferRequest{
			RequestID: record.RequestID,
			Phone:     record.Phone,
			Index:     index,
			Display:   record.Display,
		}, tasks.RecoveryTaskID(record.RequestID, index, round), 0)
		if err != nil {
			logger.WithError(err).Error("fail to build resume task")
			continue
		}
		if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			logger.WithError(err).Error("fail to enqueue resume task")
			continue
		}
		queued++
	}
	return queued, nil
}

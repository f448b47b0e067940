package main

import (
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/internal/custody"
	"github.com/vultisig/phonevault/internal/ledger"
	"github.com/vultisig/phonevault/internal/scheduler"
	"github.com/vultisig/phonevault/internal/tasks"
	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/service"
	"github.com/vultisig/phonevault/storage"
	"github.com/vultisig/phonevault/storage/postgres"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}
	logger := logrus.WithField("service", "worker-main")

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}
	redisStorage, err := storage.NewRedisStorage(*cfg)
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := redisStorage.Close(); err != nil {
			logger.Errorf("fail to close redis, err: %v", err)
		}
	}()
	blockStorage, err := storage.NewBlockStorage(*cfg)
	if err != nil {
		panic(err)
	}
	db, err := postgres.NewPostgresBackend(false, cfg.Database.DSN)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	custodian, err := custody.Load(cfg.Custody.Secret, cfg.Custody.KeyFile)
	if err != nil {
		panic(fmt.Errorf("fail to load custodial key, err: %w", err))
	}
	orchestrator, err := transfer.NewOrchestrator(
		cfg.TransferConfig(),
		ledger.NewClient(cfg.LedgerConfig()),
		db,
		custodian,
		transfer.WithLocker(redisStorage),
		transfer.WithProgressRecorder(db),
	)
	if err != nil {
		panic(err)
	}

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOptions)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Errorf("fail to close asynq client, err: %v", err)
		}
	}()

	workerService := service.NewWorker(*cfg, db, orchestrator, client, sdClient, blockStorage, service.NewTwilioClient(*cfg))

	recovery := scheduler.NewSchedulerService(db, client, cfg.Worker.RecoveryInterval, cfg.Worker.RecoveryAge)
	if err := recovery.Start(); err != nil {
		panic(err)
	}
	defer recovery.Stop()

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logrus.StandardLogger(),
			Concurrency: cfg.Worker.Concurrency,
			Queues:      tasks.Queues,
		},
	)

	logger.WithFields(logrus.Fields{
		"redis":     redisOptions.Addr,
		"custodian": custodian.PublicKey().String(),
		"threshold": cfg.Vault.Threshold,
	}).Info("starting worker")

	// mux maps a type to a handler
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTransfer, workerService.HandleTransfer)
	mux.HandleFunc(tasks.TypeResumeTransfer, workerService.HandleResumeTransfer)
	mux.HandleFunc(tasks.TypeEnsureVault, workerService.HandleEnsureVault)
	mux.HandleFunc(tasks.TypeSendSMS, workerService.HandleSendSMS)
	if err := srv.Run(mux); err != nil {
		panic(fmt.Errorf("could not run server: %w", err))
	}
}

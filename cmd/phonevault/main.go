package main

import (
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/api"
	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/internal/ledger"
	"github.com/vultisig/phonevault/service"
	"github.com/vultisig/phonevault/storage"
	"github.com/vultisig/phonevault/storage/postgres"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}
	logger := logrus.WithField("service", "phonevault")

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

	db, err := postgres.NewPostgresBackend(false, cfg.Database.DSN)
	if err != nil {
		panic(err)
	}
	defer db.Close()

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
	inspector := asynq.NewInspector(redisOptions)

	server := api.NewServer(
		cfg.Server.Port,
		redisStorage,
		client,
		inspector,
		sdClient,
		db,
		ledger.NewClient(cfg.LedgerConfig()),
		service.NewAuthService(cfg.Server.JWTSecret),
		cfg.Vault.VaultIndex,
		cfg.Vault.Decimals,
	)
	logger.Infof("listening on :%d", cfg.Server.Port)
	if err := server.StartServer(); err != nil {
		panic(fmt.Errorf("fail to start server, err: %w", err))
	}
}

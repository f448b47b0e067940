package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/viper"

	"github.com/vultisig/phonevault/internal/ledger"
	"github.com/vultisig/phonevault/internal/transfer"
)

type Config struct {
	Server struct {
		Host      string `mapstructure:"host" json:"host,omitempty"`
		Port      int64  `mapstructure:"port" json:"port,omitempty"`
		JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret,omitempty"`
	} `mapstructure:"server" json:"server"`

	Redis struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     string `mapstructure:"port" json:"port,omitempty"`
		User     string `mapstructure:"user" json:"user,omitempty"`
		Password string `mapstructure:"password" json:"password,omitempty"`
		DB       int    `mapstructure:"db" json:"db,omitempty"`
	} `mapstructure:"redis" json:"redis,omitempty"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`

	BlockStorage struct {
		Host      string `mapstructure:"host" json:"host"`
		Region    string `mapstructure:"region" json:"region"`
		AccessKey string `mapstructure:"access_key" json:"access_key"`
		SecretKey string `mapstructure:"secret_key" json:"secret_key"`
		Bucket    string `mapstructure:"bucket" json:"bucket"`
	} `mapstructure:"block_storage" json:"block_storage"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`

	Solana struct {
		RPCEndpoint    string        `mapstructure:"rpc_endpoint" json:"rpc_endpoint,omitempty"`
		Commitment     string        `mapstructure:"commitment" json:"commitment,omitempty"`
		RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout,omitempty"`
		ReadAttempts   uint          `mapstructure:"read_attempts" json:"read_attempts,omitempty"`
		ReadDelay      time.Duration `mapstructure:"read_delay" json:"read_delay,omitempty"`
		PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
	} `mapstructure:"solana" json:"solana"`

	Custody struct {
		Secret  string `mapstructure:"secret" json:"-"`
		KeyFile string `mapstructure:"key_file" json:"key_file,omitempty"`
	} `mapstructure:"custody" json:"custody"`

	Vault struct {
		Threshold            uint16        `mapstructure:"threshold" json:"threshold"`
		VaultIndex           uint8         `mapstructure:"vault_index" json:"vault_index"`
		Decimals             int32         `mapstructure:"decimals" json:"decimals"`
		MaxCheckpointRetries int           `mapstructure:"max_checkpoint_retries" json:"max_checkpoint_retries"`
		MaxIndexRetries      int           `mapstructure:"max_index_retries" json:"max_index_retries"`
		MaxLedgerRetries     uint          `mapstructure:"max_ledger_retries" json:"max_ledger_retries"`
		RetryDelay           time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
		MaxRetryJitter       time.Duration `mapstructure:"max_retry_jitter" json:"max_retry_jitter"`
		LockTTL              time.Duration `mapstructure:"lock_ttl" json:"lock_ttl"`
		Timeout              time.Duration `mapstructure:"timeout" json:"timeout"`
		Memo                 string        `mapstructure:"memo" json:"memo,omitempty"`
	} `mapstructure:"vault" json:"vault"`

	Twilio struct {
		BaseURL      string `mapstructure:"base_url" json:"base_url,omitempty"`
		AccountSID   string `mapstructure:"account_sid" json:"account_sid,omitempty"`
		AuthToken    string `mapstructure:"auth_token" json:"-"`
		MessagingSID string `mapstructure:"messaging_sid" json:"messaging_sid,omitempty"`
	} `mapstructure:"twilio" json:"twilio"`

	Worker struct {
		Concurrency      int           `mapstructure:"concurrency" json:"concurrency"`
		RecoveryInterval time.Duration `mapstructure:"recovery_interval" json:"recovery_interval"`
		RecoveryAge      time.Duration `mapstructure:"recovery_age" json:"recovery_age"`
	} `mapstructure:"worker" json:"worker"`
}

// Every key needs a default, or a value in the file, for its env override to be seen.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.user", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.dsn", "")
	v.SetDefault("block_storage.host", "")
	v.SetDefault("block_storage.region", "us-east-1")
	v.SetDefault("block_storage.access_key", "")
	v.SetDefault("block_storage.secret_key", "")
	v.SetDefault("block_storage.bucket", "phonevault-receipts")
	v.SetDefault("custody.secret", "")
	v.SetDefault("custody.key_file", "")
	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")
	v.SetDefault("solana.rpc_endpoint", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.request_timeout", 15*time.Second)
	v.SetDefault("solana.read_attempts", 3)
	v.SetDefault("solana.read_delay", 300*time.Millisecond)
	v.SetDefault("solana.poll_interval", time.Second)
	v.SetDefault("vault.threshold", 1)
	v.SetDefault("vault.vault_index", 0)
	v.SetDefault("vault.decimals", 9)
	v.SetDefault("vault.max_checkpoint_retries", 3)
	v.SetDefault("vault.max_index_retries", 5)
	v.SetDefault("vault.max_ledger_retries", 4)
	v.SetDefault("vault.retry_delay", 500*time.Millisecond)
	v.SetDefault("vault.max_retry_jitter", 250*time.Millisecond)
	v.SetDefault("vault.lock_ttl", 2*time.Minute)
	v.SetDefault("vault.timeout", 3*time.Minute)
	v.SetDefault("vault.memo", "")
	v.SetDefault("twilio.base_url", "https://api.twilio.com")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.messaging_sid", "")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.recovery_interval", time.Minute)
	v.SetDefault("worker.recovery_age", 5*time.Minute)
}

// ReadConfig loads <name>.yaml from the working directory. Environment
// variables override file values, e.g. VAULT_THRESHOLD for vault.threshold.
func ReadConfig(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fail to read config file, err: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fail to decode config, err: %w", err)
	}
	return &cfg, nil
}

func (c Config) TransferConfig() transfer.Config {
	return transfer.Config{
		Threshold:            c.Vault.Threshold,
		VaultIndex:           c.Vault.VaultIndex,
		Decimals:             c.Vault.Decimals,
		MaxCheckpointRetries: c.Vault.MaxCheckpointRetries,
		MaxIndexRetries:      c.Vault.MaxIndexRetries,
		MaxLedgerRetries:     c.Vault.MaxLedgerRetries,
		RetryDelay:           c.Vault.RetryDelay,
		MaxRetryJitter:       c.Vault.MaxRetryJitter,
		LockTTL:              c.Vault.LockTTL,
		Timeout:              c.Vault.Timeout,
		Memo:                 c.Vault.Memo,
	}
}

func (c Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		Endpoint:       c.Solana.RPCEndpoint,
		Commitment:     rpc.CommitmentType(c.Solana.Commitment),
		RequestTimeout: c.Solana.RequestTimeout,
		ReadAttempts:   c.Solana.ReadAttempts,
		ReadDelay:      c.Solana.ReadDelay,
		PollInterval:   c.Solana.PollInterval,
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/phonevault/common"
	"github.com/vultisig/phonevault/internal/squads"
	"github.com/vultisig/phonevault/internal/tasks"
	"github.com/vultisig/phonevault/internal/transfer"
	"github.com/vultisig/phonevault/internal/types"
	"github.com/vultisig/phonevault/internal/validation"
	"github.com/vultisig/phonevault/service"
	"github.com/vultisig/phonevault/storage"
	"github.com/vultisig/phonevault/storage/postgres"
)

const dedupTTL = 10 * time.Minute

// Deduplicator remembers request ids for a while, satisfied by *storage.RedisStorage.
type Deduplicator interface {
	SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// BalanceReader reads the lamports of an account, satisfied by *ledger.Client.
type BalanceReader interface {
	Balance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

type Server struct {
	port        int64
	redis       Deduplicator
	client      service.TaskEnqueuer
	inspector   tasks.Inspector
	sdClient    statsd.ClientInterface
	db          storage.DatabaseStorage
	balances    BalanceReader
	authService *service.AuthService
	vaultIndex  uint8
	decimals    int32
	logger      *logrus.Entry
}

// NewServer returns a new server.
func NewServer(port int64,
	redis Deduplicator,
	client service.TaskEnqueuer,
	inspector tasks.Inspector,
	sdClient statsd.ClientInterface,
	db storage.DatabaseStorage,
	balances BalanceReader,
	authService *service.AuthService,
	vaultIndex uint8,
	decimals int32) *Server {
	return &Server{
		port:        port,
		redis:       redis,
		client:      client,
		inspector:   inspector,
		sdClient:    sdClient,
		db:          db,
		balances:    balances,
		authService: authService,
		vaultIndex:  vaultIndex,
		decimals:    decimals,
		logger:      logrus.WithField("service", "api"),
	}
}

func (s *Server) StartServer() error {
	return s.router().Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.Logger.SetLevel(log.INFO)
	e.Validator = validation.RequestValidator{}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	e.GET("/ping", s.Ping)
	e.POST("/auth/refresh", s.RefreshToken)

	grp := e.Group("", s.AuthMiddleware)
	grp.POST("/vault/ensure", s.EnsureVault)
	grp.GET("/vault/:phone", s.GetVault)
	grp.POST("/transfer", s.Transfer)
	grp.GET("/transfer/:requestId", s.GetTransfer)
	grp.GET("/task/:taskId", s.GetTaskResult)
	grp.POST("/me", s.Me)

	return e
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "phonevault is running")
}

func (s *Server) RefreshToken(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	token, err := s.authService.RefreshToken(req.Token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// EnsureVault registers the wallet of a phone, when given, and queues vault creation.
func (s *Server) EnsureVault(c echo.Context) error {
	var req types.VaultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Phone = common.NormalizePhone(req.Phone)
	s.incCounter("vault.ensure")

	task, opts, err := tasks.NewEnsureVault(req)
	if err != nil {
		return fmt.Errorf("fail to create task, err: %w", err)
	}
	info, err := s.client.EnqueueContext(c.Request().Context(), task, opts...)
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"task_id": info.ID})
}

// GetVault returns the accounts of a phone and the vault balance.
func (s *Server) GetVault(c echo.Context) error {
	phone := common.NormalizePhone(c.Param("phone"))
	if phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}
	user, err := s.db.FindUserByPhone(c.Request().Context(), phone)
	if err != nil {
		return fmt.Errorf("fail to find user, err: %w", err)
	}
	if user == nil {
		return echo.NewHTTPError(http.StatusNotFound, "phone is not registered")
	}

	resp := types.VaultResponse{
		Phone:   user.Phone,
		Address: user.Address,
	}
	if user.MultisigPDA == nil {
		return c.JSON(http.StatusOK, resp)
	}
	multisig, err := solana.PublicKeyFromBase58(*user.MultisigPDA)
	if err != nil {
		return fmt.Errorf("stored multisig is malformed, err: %w", err)
	}
	vault, _, err := squads.VaultAddress(multisig, s.vaultIndex)
	if err != nil {
		return fmt.Errorf("fail to derive vault, err: %w", err)
	}
	resp.Multisig = multisig.String()
	resp.Vault = vault.String()

	lamports, err := s.balances.Balance(c.Request().Context(), vault)
	if err != nil {
		s.logger.WithError(err).WithField("vault", resp.Vault).Warn("fail to read vault balance")
		return c.JSON(http.StatusOK, resp)
	}
	resp.Balance = transfer.FromBaseUnits(lamports, s.decimals).String()
	return c.JSON(http.StatusOK, resp)
}

// Transfer validates a transfer request and queues it. A request id seen before is not
// queued again.
func (s *Server) Transfer(c echo.Context) error {
	var req types.TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := transfer.ToBaseUnits(req.Amount, s.decimals); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.incCounter("transfer.create")

	ctx := c.Request().Context()
	dedupKey := "transfer:" + req.RequestID
	fresh, err := s.redis.SetNX(ctx, dedupKey, req.RequestID, dedupTTL)
	if err != nil {
		s.logger.WithError(err).Error("fail to record request id")
	}
	resp := map[string]string{"request_id": req.RequestID, "task_id": req.RequestID}
	if err == nil && !fresh {
		return c.JSON(http.StatusOK, resp)
	}
	// a request that was never queued must not be swallowed as a duplicate on resubmit
	release := func() {
		if !fresh {
			return
		}
		if err := s.redis.Delete(context.WithoutCancel(ctx), dedupKey); err != nil {
			s.logger.WithError(err).WithField("request_id", req.RequestID).Error("fail to release request id")
		}
	}

	task, opts, err := tasks.NewTransfer(req)
	if err != nil {
		release()
		return fmt.Errorf("fail to create task, err: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		release()
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) GetTransfer(c echo.Context) error {
	record, err := s.db.GetTransfer(c.Request().Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, postgres.ErrTransferNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
		}
		return fmt.Errorf("fail to get transfer, err: %w", err)
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) GetTaskResult(c echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	result, err := tasks.GetTaskResult(s.inspector, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskInProgress) {
			status, err := tasks.GetTaskStatus(s.inspector, taskID)
			if err != nil {
				return err
			}
			return c.JSON(http.StatusAccepted, status)
		}
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return err
	}
	return c.JSONBlob(http.StatusOK, result)
}

// Me texts the registered wallet and vault of a phone to that phone.
func (s *Server) Me(c echo.Context) error {
	var req types.MeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	phone := common.NormalizePhone(req.Phone)
	user, err := s.db.FindUserByPhone(c.Request().Context(), phone)
	if err != nil {
		return fmt.Errorf("fail to find user, err: %w", err)
	}
	if user == nil {
		return echo.NewHTTPError(http.StatusNotFound, "phone is not registered")
	}

	body := "Your wallet: " + user.Address
	if user.MultisigPDA != nil {
		multisig, err := solana.PublicKeyFromBase58(*user.MultisigPDA)
		if err == nil {
			if vault, _, err := squads.VaultAddress(multisig, s.vaultIndex); err == nil {
				body += ". Your vault: " + vault.String()
			}
		}
	}
	task, opts, err := tasks.NewSendSMS(types.SMSRequest{Phone: phone, Body: body})
	if err != nil {
		return fmt.Errorf("fail to create task, err: %w", err)
	}
	if _, err := s.client.EnqueueContext(c.Request().Context(), task, opts...); err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) incCounter(name string) {
	if err := s.sdClient.Count(name, 1, nil, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

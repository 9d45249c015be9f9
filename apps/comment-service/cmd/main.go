package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"comments-relay/apps/comment-service/dao"
	"comments-relay/apps/comment-service/handler"
	"comments-relay/apps/comment-service/model"
	"comments-relay/apps/comment-service/service"
	"comments-relay/pkg/authz"
	"comments-relay/pkg/config"
	"comments-relay/pkg/database"
	"comments-relay/pkg/executor"
	"comments-relay/pkg/kafka"
	"comments-relay/pkg/keylock"
	"comments-relay/pkg/ledger"
	"comments-relay/pkg/lifecycle"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/middleware"
	"comments-relay/pkg/redis"
	"comments-relay/pkg/server"
	"comments-relay/pkg/signer"
	"comments-relay/pkg/snowflake"
	"comments-relay/pkg/telemetry"
	"comments-relay/pkg/typeddata"
)

const serviceName = "comment-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := config.Flags(serviceName)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(serviceName, fs)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logger.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	ctx := context.Background()

	tp, err := telemetry.NewProvider(ctx, &telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Mode,
		ExporterType:   exporterFor(cfg.App.Mode),
		SampleRate:     1.0,
	})
	if err != nil {
		return err
	}

	app := server.NewApplication(serviceName, cfg, log)
	closers := &infra{log: log}
	closers.add("telemetry", tp.Shutdown)

	// 签名密钥
	appSigner, err := signer.NewKeySignerFromHex(cfg.Signer.AppPrivateKey)
	if err != nil {
		return fmt.Errorf("app signer: %w", err)
	}
	relayerKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Signer.RelayerPrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("relayer key: %w", err)
	}
	relayer := crypto.PubkeyToAddress(relayerKey.PublicKey)

	// 账本
	contract := common.HexToAddress(cfg.Chain.Contract)
	var (
		l       ledger.Ledger
		builder *typeddata.Builder
	)
	if cfg.Chain.Memory {
		builder = typeddata.NewBuilder(domainOf(cfg.Chain, cfg.Chain.ChainID, contract))
		l = ledger.NewMemoryLedger(builder)
		log.Warn(ctx, "Using in-memory ledger", logger.F("chain_id", cfg.Chain.ChainID))
	} else {
		eth, err := ledger.DialEthLedger(ctx, cfg.Chain.RPCURL, contract)
		if err != nil {
			return err
		}
		if _, err := eth.AddSubmitter(relayerKey); err != nil {
			eth.Close()
			return err
		}
		closers.add("ledger", func(context.Context) error { eth.Close(); return nil })
		builder = typeddata.NewBuilder(domainOf(cfg.Chain, eth.ChainID().Int64(), contract))
		l = eth
	}

	exec := executor.NewExecutor(l, relayer,
		executor.WithRetryPolicy(executor.RetryPolicy{
			MaxAttempts:     cfg.Relay.Retry.MaxAttempts,
			InitialInterval: cfg.Relay.Retry.InitialInterval,
			MaxInterval:     cfg.Relay.Retry.MaxInterval,
			Multiplier:      cfg.Relay.Retry.Multiplier,
		}),
		executor.WithPollInterval(cfg.Relay.PollInterval),
		executor.WithLogger(log),
	)

	ids, err := snowflake.NewSnowflake(cfg.App.MachineID)
	if err != nil {
		return err
	}

	// Redis：跨实例键锁与中继幂等
	var (
		locker  keylock.Locker
		claimer service.Claimer
		rdb     *redis.RedisClient
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewRedisClient(redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		locker = keylock.NewRedisLocker(rdb, model.LockPrefix, cfg.Relay.LockTTL, 0, log)
		claimer = service.NewRedisClaimer(rdb)
		closers.add("redis", func(context.Context) error { return rdb.Close() })
	}

	// Kafka：中继事件
	var events kafka.EventPublisher = kafka.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		producer, err := kafka.InitProducer(cfg.Kafka.Brokers, log)
		if err != nil {
			closers.close(ctx)
			return fmt.Errorf("init kafka producer: %w", err)
		}
		events = kafka.NewTopicPublisher(producer, cfg.Kafka.Topic)
		closers.add("kafka", func(context.Context) error { return producer.Close() })
	}

	// 提交日志
	var (
		journal dao.SubmissionDAO
		pg      *database.PostgreSQL
	)
	if cfg.Database.PostgreSQL.DSN != "" {
		pg, err = database.NewPostgreSQL(ctx, cfg.Database.PostgreSQL.DSN, cfg.Database.PostgreSQL.DBName, log)
		if err != nil {
			closers.close(ctx)
			return err
		}
		if err := pg.AutoMigrate(&model.Submission{}); err != nil {
			closers.close(ctx)
			return fmt.Errorf("migrate database: %w", err)
		}
		journal = dao.NewSubmissionDAO(pg)
		closers.add("postgresql", func(context.Context) error { return pg.Close() })
	} else {
		journal = dao.NewMemoryDAO()
		log.Warn(ctx, "Submission journal is in memory, history is lost on restart")
	}

	svc := service.NewService(service.Deps{
		Builder:      builder,
		Ledger:       l,
		AppSigner:    appSigner,
		Router:       authz.NewRouter(cfg.Relay.GaslessEnabled),
		Executor:     exec,
		Relayer:      relayer,
		DAO:          journal,
		IDs:          ids,
		Locker:       locker,
		Claimer:      claimer,
		Events:       events,
		Guard:        service.NewContentGuard(cfg.Limits.MaxContentLength, cfg.Limits.DenyWords),
		Logger:       log,
		DeadlineTTL:  cfg.Relay.DeadlineTTL,
		AwaitTimeout: cfg.Relay.AwaitTimeout,
	})

	httpSrv := app.EnableHTTP(middleware.RateLimit(middleware.NewRateLimiter(cfg.Limits.RatePerSecond, cfg.Limits.Burst)))
	app.EnableGRPC()

	httpSrv.AddHealthCheck("ledger", func(ctx context.Context) error {
		_, err := l.Now(ctx)
		return err
	})
	if rdb != nil {
		httpSrv.AddHealthCheck("redis", rdb.Ping)
	}
	if pg != nil {
		httpSrv.AddHealthCheck("postgresql", pg.Health)
	}

	httpHandler := handler.NewHTTPHandler(svc, log)
	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine)
	})

	app.AddHook(lifecycle.Hook{
		Name:     "infra",
		Priority: 10,
		OnStart:  func(context.Context) error { return nil },
		OnStop:   closers.close,
	})
	app.AddHook(lifecycle.Hook{
		Name:     "relay-waiters",
		Priority: 200,
		OnStart:  svc.Resume,
		OnStop:   svc.Close,
	})

	log.Info(ctx, "Comment relay configured",
		logger.F("app", appSigner.Address().Hex()),
		logger.F("relayer", relayer.Hex()),
		logger.F("gasless", cfg.Relay.GaslessEnabled))

	return app.Run()
}

// domainOf 从配置生成类型化数据域
func domainOf(c config.ChainConfig, chainID int64, contract common.Address) typeddata.Domain {
	d := typeddata.NewDomain(chainID, contract)
	if c.DomainName != "" {
		d.Name = c.DomainName
	}
	return d
}

func exporterFor(mode string) string {
	if mode == gin.DebugMode {
		return "stdout"
	}
	return "none"
}

// infra 按注册的逆序关闭基础设施
type infra struct {
	log   logger.Logger
	names []string
	fns   []func(context.Context) error
}

func (i *infra) add(name string, fn func(context.Context) error) {
	i.names = append(i.names, name)
	i.fns = append(i.fns, fn)
}

func (i *infra) close(ctx context.Context) error {
	var errs error
	for n := len(i.fns) - 1; n >= 0; n-- {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := i.fns[n](cctx); err != nil {
			i.log.Error(ctx, "Failed to close", logger.F("component", i.names[n]), logger.F("error", err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", i.names[n], err))
		}
		cancel()
	}
	i.fns, i.names = nil, nil
	return errs
}

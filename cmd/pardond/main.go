package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/elevenyellow/pardon-simulator/internal/agent"
	"github.com/elevenyellow/pardon-simulator/internal/api"
	"github.com/elevenyellow/pardon-simulator/internal/chain"
	"github.com/elevenyellow/pardon-simulator/internal/config"
	"github.com/elevenyellow/pardon-simulator/internal/dispatch"
	"github.com/elevenyellow/pardon-simulator/internal/facilitator"
	"github.com/elevenyellow/pardon-simulator/internal/intermediary"
	"github.com/elevenyellow/pardon-simulator/internal/payment"
	"github.com/elevenyellow/pardon-simulator/internal/reasoning"
	"github.com/elevenyellow/pardon-simulator/internal/reasoning/httpbridge"
	"github.com/elevenyellow/pardon-simulator/internal/relay"
	"github.com/elevenyellow/pardon-simulator/internal/router"
	"github.com/elevenyellow/pardon-simulator/internal/scoring"
	"github.com/elevenyellow/pardon-simulator/internal/tools"
	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// main 是 pardond 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pardond 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PARDOND_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pardond.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 支付台账。
	var ledger payment.Ledger
	switch cfg.Payment.Ledger.Driver {
	case "", "memory":
		ledger = payment.NewMemoryLedger()
	case "mysql":
		store, err := payment.NewMySQLLedger(ctx, payment.MySQLLedgerConfig{
			DSN:             cfg.Payment.Ledger.DSN,
			MaxOpenConns:    cfg.Payment.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Payment.Ledger.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Payment.Ledger.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Payment.Ledger.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		ledger = store
	default:
		return fmt.Errorf("未知的台账驱动: %s", cfg.Payment.Ledger.Driver)
	}

	catalog, err := payment.LoadCatalog(cfg.Payment.CatalogPath)
	if err != nil {
		return err
	}
	directory := payment.NewDirectory(cfg.Payment.Wallets, cfg.Payment.Treasury)
	payments := payment.NewService(ledger, catalog, directory, cfg.Payment.RequestTTL())
	defer payments.Close()

	go payments.RunExpiry(ctx, time.Minute)

	// 链上核实。
	rpcClient, err := chain.NewClient(chain.ClientConfig{Endpoint: cfg.Payment.RPCURL})
	if err != nil {
		return err
	}
	verifier := chain.NewVerifier(rpcClient, payments)

	// 中继。
	relayClient, err := relay.NewClient(relay.Config{
		BaseURL:        cfg.Relay.BaseURL,
		WaitTimeout:    time.Duration(cfg.Relay.WaitTimeoutMs) * time.Millisecond,
		SendTimeout:    time.Duration(cfg.Relay.SendTimeoutSeconds) * time.Second,
		HistoryTimeout: time.Duration(cfg.Relay.HistoryTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	// 协调状态。
	var backend *intermediary.BackendClient
	if cfg.Intermediary.BaseURL != "" {
		backend, err = intermediary.NewBackendClient(intermediary.BackendConfig{
			BaseURL:        cfg.Intermediary.BaseURL,
			CheckTimeout:   time.Duration(cfg.Intermediary.CheckTimeoutSeconds) * time.Second,
			PersistTimeout: time.Duration(cfg.Intermediary.PersistTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	}
	states := intermediary.NewStore(cfg.Agent.ID, backend, cfg.Intermediary.TTL())

	// 支付核实闸门，按需挂接结算服务与评分上报。
	gateOpts := []router.GateOption{}
	if cfg.Facilitator.Enabled {
		settler, err := facilitator.NewClient(facilitator.Config{
			BaseURL:       cfg.Facilitator.BaseURL,
			VerifyTimeout: time.Duration(cfg.Facilitator.VerifyTimeoutSeconds) * time.Second,
			SubmitTimeout: time.Duration(cfg.Facilitator.SubmitTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		gateOpts = append(gateOpts, router.WithFacilitator(settler))
	}
	if cfg.Scoring.Enabled {
		scorer, err := scoring.NewClient(cfg.Scoring.BaseURL, 0)
		if err != nil {
			return err
		}
		gateOpts = append(gateOpts, router.WithScoringClient(scorer))
	}
	gate := router.NewChainGate(cfg.Agent.ID, verifier, payments, directory, gateOpts...)

	knownActors := make([]string, 0, len(cfg.Payment.Wallets))
	for actor := range cfg.Payment.Wallets {
		knownActors = append(knownActors, actor)
	}
	routerOpts := []router.Option{
		router.WithStaleness(cfg.Agent.StalenessWindow()),
		router.WithKnownActors(knownActors),
		router.WithRequestImporter(gate),
	}
	if cfg.Payment.ContentPath != "" {
		specs, err := tools.LoadSpecs(cfg.Payment.ContentPath)
		if err != nil {
			return err
		}
		routerOpts = append(routerOpts, router.WithContentRenderer(tools.NewRenderer(rpcClient, specs)))
	}
	rt := router.New(cfg.Agent.ID, cfg.Agent.HumanProxyID, states, relayClient, gate, routerOpts...)

	// 工作队列。
	var queue dispatch.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = dispatch.NewMemoryQueue(cfg.Worker.QueueSize)
	case "redis":
		queue, err = dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭工作队列失败: %v", err)
		}
	}()

	// 工作池，每条通道持有独立的推理句柄。
	factory := reasoning.Factory(func() (reasoning.Client, error) {
		return httpbridge.NewClient(httpbridge.Config{
			BaseURL: cfg.Reasoning.BaseURL,
			Timeout: time.Duration(cfg.Reasoning.TimeoutSeconds) * time.Second,
		})
	})
	pool := dispatch.NewPool(cfg.Agent.ID, queue, factory, relayClient,
		dispatch.WithLanes(cfg.Worker.Count),
		dispatch.WithInvokeTimeout(cfg.Worker.InvokeTimeout()),
		dispatch.WithBrokerRegistrar(states),
	)

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	go func() {
		if err := pool.Start(poolCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("工作池异常退出: %v", err)
		}
	}()

	// 主循环。
	loop := agent.NewLoop(cfg.Agent.ID, relayClient, rt, queue)
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("主循环异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, cfg.Agent.ID, loop, payments)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

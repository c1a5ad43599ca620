package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lendpool/funds-engine/internal/api"
	"github.com/lendpool/funds-engine/internal/config"
	"github.com/lendpool/funds-engine/internal/escrow"
	"github.com/lendpool/funds-engine/internal/events"
	"github.com/lendpool/funds-engine/internal/gateway"
	"github.com/lendpool/funds-engine/internal/lock"
	"github.com/lendpool/funds-engine/internal/notify"
	"github.com/lendpool/funds-engine/internal/penalty"
	"github.com/lendpool/funds-engine/internal/repay"
	"github.com/lendpool/funds-engine/internal/scheduler"
	"github.com/lendpool/funds-engine/internal/store"
	"github.com/lendpool/funds-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Payment gateway ---
	var gw gateway.Gateway
	if cfg.GatewayBaseURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.GatewayTimeout)
		slog.Info("payment gateway configured", "base_url", cfg.GatewayBaseURL)
	} else {
		slog.Warn("GATEWAY_BASE_URL not set, using stub gateway (payments auto-complete)")
		gw = gateway.NewStub()
	}

	// --- Event notifier ---
	var notifier notify.Notifier = notify.LogNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.KafkaBrokers, nil)
		cleanup = append(cleanup, func() { kn.Close() })
		notifier = kn
		slog.Info("Kafka notifier enabled", "brokers", cfg.KafkaBrokers)
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Core services ---
	ledger := wallet.NewLedger(st, hub, wallet.Config{Currency: cfg.Currency})
	escrows := escrow.NewManager(st, ledger, gw, notifier, hub, nil)

	queue := escrow.NewVerifyQueue(escrows, cfg.VerifyQueueSize)
	queue.Start()
	defer queue.Stop()

	// Both loan jobs serialize per loan on the same lock registry.
	loanLocks := lock.NewKeyed()

	penaltyCfg := penalty.DefaultConfig()
	penaltyCfg.GracePeriod = cfg.GracePeriod
	penaltyCfg.DailyRate = decimal.NewFromInt(int64(cfg.PenaltyDailyRateBps)).Div(decimal.NewFromInt(10000))
	calculator := penalty.NewCalculator(st, notifier, loanLocks, penaltyCfg, nil)

	repayCfg := repay.DefaultConfig()
	repayCfg.WeeklyRate = decimal.NewFromInt(int64(cfg.LateFeeWeeklyRateBps)).Div(decimal.NewFromInt(10000))
	processor := repay.NewProcessor(st, ledger, notifier, loanLocks, repayCfg, nil)

	// --- Scheduled jobs ---
	sched := scheduler.New()
	mustRegister(sched, scheduler.Job{
		Name:     "repayment-processor",
		Interval: cfg.RepaymentInterval,
		Run: func(ctx context.Context) error {
			sum, err := processor.ProcessDue(ctx)
			if err != nil {
				return err
			}
			slog.Info("repayment run",
				"scanned", sum.LoansScanned, "paid", sum.InstallmentsPaid,
				"failed", sum.InstallmentsFailed, "completed", sum.LoansCompleted)
			return nil
		},
	})
	mustRegister(sched, scheduler.Job{
		Name:     "penalty-calculator",
		Interval: cfg.PenaltyInterval,
		Run: func(ctx context.Context) error {
			sum, err := calculator.Accrue(ctx)
			if err != nil {
				return err
			}
			slog.Info("penalty run",
				"scanned", sum.LoansScanned, "accrued", sum.InstallmentsAccrued,
				"total", sum.TotalAccrued.String())
			return nil
		},
	})
	mustRegister(sched, scheduler.Job{
		Name:     "release-sweep",
		Interval: cfg.SweepInterval,
		Run:      escrows.SweepReleases,
	})
	sched.Start()
	defer sched.Stop()

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewServer(st, escrows, ledger, queue, sched, hub, cfg.GatewaySecret).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("funds-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down funds-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("funds-engine stopped")
}

func mustRegister(s *scheduler.Scheduler, job scheduler.Job) {
	if err := s.Register(job); err != nil {
		slog.Error("job registration failed", "job", job.Name, "err", err)
		os.Exit(1)
	}
}

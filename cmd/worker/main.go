package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/edu-payments/internal/app"
	"github.com/noah-isme/edu-payments/internal/config"
	"github.com/noah-isme/edu-payments/internal/obs"
	"github.com/noah-isme/edu-payments/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, cfg, "worker")
	if err != nil {
		panic(err)
	}
	logger := infra.Logger
	defer infra.Close(context.Background())

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for tasks")
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	ledgerSvc := infra.Ledger()
	grantor := infra.Grantor(ledgerSvc, tasks.Scheduler{
		Client:   client,
		Queue:    tasks.QueueDefault,
		MaxRetry: 3,
		Now:      ledgerSvc.Now,
	})

	handlers := tasks.Handlers{
		Grants:    grantor,
		Ledger:    ledgerSvc,
		BatchSize: cfg.SweepBatchSize,
		Now:       ledgerSvc.Now,
		Logger:    obs.Component(logger, "tasks"),
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{tasks.QueueDefault: 1},
		ShutdownTimeout: 10 * time.Second,
		Logger:          asynqLogger{logger: obs.Component(logger, "asynq")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: asynqLogger{logger: obs.Component(logger, "scheduler")},
	})
	if err := tasks.RegisterPeriodic(scheduler, cfg.ExpirySweepInterval, cfg.GrantSweepInterval); err != nil {
		logger.Fatal().Err(err).Msg("register periodic tasks")
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }

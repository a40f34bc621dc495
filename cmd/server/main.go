// Command server boots the gateway: database + migrations, the escrow
// ledger, the blockchain RPC client, the settlement service, the epoch
// scheduler, the matching engine manager, the task queue worker, the event
// broker, and the HTTP/WS API, all wired from one binary, plus a few
// background loops (epoch rotation, task polling, order expiry sweep).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gridsettle/internal/api"
	"gridsettle/internal/apperr"
	"gridsettle/internal/chain"
	"gridsettle/internal/config"
	"gridsettle/internal/db"
	"gridsettle/internal/engine"
	"gridsettle/internal/epoch"
	"gridsettle/internal/escrow"
	"gridsettle/internal/events"
	"gridsettle/internal/model"
	"gridsettle/internal/settlement"
	"gridsettle/internal/taskqueue"
	"gridsettle/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := store.Migrate("migrations"); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	ledger := escrow.New(store)
	broker := events.NewBroker()
	wsHandler := ws.NewHandler(broker)

	feeRate, err := decimal.NewFromString(cfg.PlatformFeeRate)
	if err != nil {
		log.Fatal().Err(err).Msg("parse PLATFORM_FEE_RATE")
	}
	fees := engine.FeeSchedule{PlatformFeeRate: feeRate, WheelingRate: decimal.NewFromFloat(0.005)}

	publish := func(epochID, msgType string, data any) {
		broker.Publish(epochID, msgType, data)
		broker.Publish(events.GlobalTopic, msgType, data)
	}
	mgr := engine.NewManager(store, ledger, publish, fees)

	chainClient := chain.NewClient(cfg.ChainRPCURL, cfg.ChainConfirmTimeout, cfg.PriorityFeeMin, cfg.PriorityFeeMax, cfg.PriorityFeeDefault)
	settlementSvc := settlement.NewService(store, chainClient, cfg.MinConfirmations)

	worker := taskqueue.NewWorker(store, cfg.TaskMaxAttempts, cfg.TaskInitialBackoff, cfg.TaskBackoffMultiple, cfg.TaskMaxBackoff, cfg.TaskBatchSize)
	worker.Register(model.TaskSettlementTransfer, settlementSvc.Handle)

	scheduler := epoch.NewScheduler(store, mgr, cfg.EpochDuration, cfg.EpochTick)
	openEpochID, err := scheduler.Bootstrap(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap epoch")
	}
	if err := mgr.Boot(context.Background(), openEpochID); err != nil {
		log.Fatal().Err(err).Msg("boot engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)
	go runTaskQueueLoop(ctx, worker, 5*time.Second)
	go runExpirySweep(ctx, store, mgr, 30*time.Second)

	srv := api.NewServer(store, mgr, wsHandler, cfg.JWTSecret)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// runTaskQueueLoop polls for due blockchain tasks on a fixed cadence,
// independent of the epoch tick — settlement transfers shouldn't wait on
// the next epoch rotation to get picked up.
func runTaskQueueLoop(ctx context.Context, w *taskqueue.Worker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunDueOnce(ctx); err != nil {
				log.Error().Err(err).Msg("task queue pass failed")
			}
		}
	}
}

// runExpirySweep expires orders past their expires_at and refunds their
// reserved collateral, routing through the live engine so the in-memory
// book stays consistent with the store. Collateral handling is identical to
// a manual cancel; only the recorded terminal state differs.
func runExpirySweep(ctx context.Context, store *db.Store, mgr *engine.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := store.GetExpiredOrders(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("expiry sweep query failed")
				continue
			}
			eng := mgr.Current()
			if eng == nil {
				continue
			}
			for _, o := range expired {
				if err := eng.ExpireOrder(o.ID, o.OwnerID); err != nil && !apperr.Is(err, apperr.NotFound) {
					log.Warn().Err(err).Str("order_id", o.ID).Msg("expiry failed")
				}
			}
		}
	}
}

package infrastructure

import (
	"context"
	"encoding/json"
	"log/slog"

	"debtord/internal/config"
	"debtord/internal/model"
	"debtord/internal/repository"
	"debtord/internal/service"
	transportHTTP "debtord/internal/transport/http"
	transportNATS "debtord/internal/transport/nats"
	"debtord/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, db.Close)

	store := repository.NewStore(db)
	store.SetRetryBounds(uint64(cfg.AtomicMaxRetries), cfg.RetryBase())

	var servers []Server
	var cache *repository.BalanceCache

	if cfg.RedisEnabled() {
		rdb, err := connectRedis(cfg.RedisAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		cache = repository.NewBalanceCache(rdb)
		store.AttachCache(cache)
	}

	var svc service.Procedures = store

	if cfg.NatsEnabled() {
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)

		// Settled withdrawals go out on the bus once the atomic unit
		// has committed.
		var bus repository.MessageBus = transportNATS.NewBus(nc)
		store.HandleSettled(func(w model.Withdrawal) {
			event := repository.WithdrawalSettledEvent{
				DebtorID:         w.DebtorID,
				CreditorID:       w.CreditorID,
				Seqnum:           w.Seqnum,
				Amount:           w.Amount,
				OperatorBranchID: w.OperatorBranchID,
				OperatorUserID:   w.OperatorUserID,
				ClosingTS:        w.ClosingTS,
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("failed to encode settled event", "error", err)
				return
			}
			if err := bus.Publish(repository.TopicWithdrawalSettled, data); err != nil {
				slog.Error("failed to publish settled event", "error", err)
			}
		})

		servers = append(servers, transportNATS.NewHandler(svc, nc))
		if cache != nil {
			servers = append(servers, worker.NewSettlementWorker(cache, nc))
		}
	}

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}

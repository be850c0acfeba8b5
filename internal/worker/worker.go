package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"debtord/internal/repository"
)

// SettlementWorker listens for settled withdrawals and drops the stale
// balance snapshots of any node serving reads for the touched accounts.
type SettlementWorker struct {
	cache    *repository.BalanceCache
	natsConn *nats.Conn
}

func NewSettlementWorker(cache *repository.BalanceCache, nc *nats.Conn) *SettlementWorker {
	return &SettlementWorker{cache: cache, natsConn: nc}
}

// Run subscribes to the settled topic and blocks until ctx is cancelled.
func (w *SettlementWorker) Run(ctx context.Context) error {
	// QueueSubscribe: with several process copies running, each event is
	// handled by exactly one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicWithdrawalSettled, "worker_group", func(m *nats.Msg) {
		var event repository.WithdrawalSettledEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("worker: failed to unmarshal nats message", "error", err)
			return
		}

		if err := w.cache.Invalidate(ctx, event.DebtorID, event.CreditorID); err != nil {
			slog.Error("worker: failed to invalidate balance snapshot",
				"debtor_id", event.DebtorID,
				"creditor_id", event.CreditorID,
				"error", err,
			)
			return
		}

		slog.Info("worker: settled withdrawal processed",
			"debtor_id", event.DebtorID,
			"creditor_id", event.CreditorID,
			"seqnum", event.Seqnum,
			"amount", event.Amount,
		)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Settlement worker is running")

	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *SettlementWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *SettlementWorker) Stop(ctx context.Context) error {
	return nil
}

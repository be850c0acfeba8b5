package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"debtord/internal/service"
)

// ResolveCommand asks the core to commit or cancel a prepared transfer on
// behalf of the named role.
type ResolveCommand struct {
	DebtorID      int64          `json:"debtor_id"`
	Seqnum        int64          `json:"seqnum"`
	Role          string         `json:"role"`
	CoordinatorID int64          `json:"coordinator_id"`
	CreditorID    int64          `json:"creditor_id"`
	Comment       map[string]any `json:"comment"`
}

// Handler subscribes to NATS command topics and delegates to the core.
type Handler struct {
	svc  service.Procedures
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.Procedures, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe("commands.commit", "debtor_group", func(m *nats.Msg) {
		var cmd ResolveCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal commit command", "error", err)
			return
		}
		if err := h.dispatchCommit(ctx, cmd); err != nil {
			slog.Error("nats: commit failed", "error", err,
				"debtor_id", cmd.DebtorID, "seqnum", cmd.Seqnum, "role", cmd.Role)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe("commands.cancel", "debtor_group", func(m *nats.Msg) {
		var cmd ResolveCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Error("nats: failed to unmarshal cancel command", "error", err)
			return
		}
		if err := h.dispatchCancel(ctx, cmd); err != nil {
			slog.Error("nats: cancel failed", "error", err,
				"debtor_id", cmd.DebtorID, "seqnum", cmd.Seqnum, "role", cmd.Role)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) dispatchCommit(ctx context.Context, cmd ResolveCommand) error {
	switch cmd.Role {
	case "coordinator":
		return h.svc.CommitCoordinatorPreparedTransfer(ctx, cmd.DebtorID, cmd.CoordinatorID, cmd.Seqnum, cmd.Comment)
	case "creditor":
		return h.svc.CommitCreditorPreparedTransfer(ctx, cmd.DebtorID, cmd.CreditorID, cmd.Seqnum, cmd.Comment)
	case "debtor":
		return h.svc.CommitDebtorPreparedTransfer(ctx, cmd.DebtorID, cmd.Seqnum, cmd.Comment)
	case "guarantor":
		return h.svc.CommitGuarantorPreparedTransfer(ctx, cmd.DebtorID, cmd.Seqnum, cmd.Comment)
	}
	slog.Warn("nats: unknown role in commit command", "role", cmd.Role)
	return nil
}

func (h *Handler) dispatchCancel(ctx context.Context, cmd ResolveCommand) error {
	switch cmd.Role {
	case "coordinator":
		return h.svc.CancelCoordinatorPreparedTransfer(ctx, cmd.DebtorID, cmd.CoordinatorID, cmd.Seqnum)
	case "creditor":
		return h.svc.CancelCreditorPreparedTransfer(ctx, cmd.DebtorID, cmd.CreditorID, cmd.Seqnum)
	case "debtor":
		return h.svc.CancelDebtorPreparedTransfer(ctx, cmd.DebtorID, cmd.Seqnum)
	case "guarantor":
		return h.svc.CancelGuarantorPreparedTransfer(ctx, cmd.DebtorID, cmd.Seqnum)
	}
	slog.Warn("nats: unknown role in cancel command", "role", cmd.Role)
	return nil
}

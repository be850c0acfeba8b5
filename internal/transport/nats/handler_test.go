package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"debtord/internal/model"
)

type mockService struct {
	lastCall string
	err      error
}

func (m *mockService) CreateDebtor(ctx context.Context, userID int64, rate, ceiling float64) (*model.Debtor, error) {
	m.lastCall = "CreateDebtor"
	return nil, m.err
}

func (m *mockService) GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	m.lastCall = "GetDebtor"
	return nil, m.err
}

func (m *mockService) GetAccount(ctx context.Context, debtorID, creditorID int64) (*model.Account, error) {
	m.lastCall = "GetAccount"
	return nil, m.err
}

func (m *mockService) GetOperator(ctx context.Context, debtorID, branchID, userID int64) (*model.Operator, error) {
	m.lastCall = "GetOperator"
	return nil, m.err
}

func (m *mockService) CreateWithdrawalRequest(ctx context.Context, operator model.Operator, creditorID, amount int64, deadline time.Time, details map[string]any) (*model.WithdrawalRequest, error) {
	m.lastCall = "CreateWithdrawalRequest"
	return nil, m.err
}

func (m *mockService) PrepareWithdrawal(ctx context.Context, debtorID, creditorID, requestSeqnum int64) (*model.PreparedTransfer, error) {
	m.lastCall = "PrepareWithdrawal"
	return nil, m.err
}

func (m *mockService) PrepareDirectTransfer(ctx context.Context, debtorID, senderCreditorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error) {
	m.lastCall = "PrepareDirectTransfer"
	return nil, m.err
}

func (m *mockService) PrepareDeposit(ctx context.Context, debtorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error) {
	m.lastCall = "PrepareDeposit"
	return nil, m.err
}

func (m *mockService) CommitCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64, comment map[string]any) error {
	m.lastCall = "CommitCoordinatorPreparedTransfer"
	return m.err
}

func (m *mockService) CommitCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64, comment map[string]any) error {
	m.lastCall = "CommitCreditorPreparedTransfer"
	return m.err
}

func (m *mockService) CommitDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error {
	m.lastCall = "CommitDebtorPreparedTransfer"
	return m.err
}

func (m *mockService) CommitGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error {
	m.lastCall = "CommitGuarantorPreparedTransfer"
	return m.err
}

func (m *mockService) CancelCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64) error {
	m.lastCall = "CancelCoordinatorPreparedTransfer"
	return m.err
}

func (m *mockService) CancelCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64) error {
	m.lastCall = "CancelCreditorPreparedTransfer"
	return m.err
}

func (m *mockService) CancelDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error {
	m.lastCall = "CancelDebtorPreparedTransfer"
	return m.err
}

func (m *mockService) CancelGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error {
	m.lastCall = "CancelGuarantorPreparedTransfer"
	return m.err
}

func TestDispatchCommit(t *testing.T) {
	tests := []struct {
		role     string
		wantCall string
	}{
		{"coordinator", "CommitCoordinatorPreparedTransfer"},
		{"creditor", "CommitCreditorPreparedTransfer"},
		{"debtor", "CommitDebtorPreparedTransfer"},
		{"guarantor", "CommitGuarantorPreparedTransfer"},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			svc := &mockService{}
			h := NewHandler(svc, nil)

			cmd := ResolveCommand{DebtorID: 4242, Seqnum: 3, Role: tc.role, CoordinatorID: 1, CreditorID: 777}
			if err := h.dispatchCommit(context.Background(), cmd); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.lastCall != tc.wantCall {
				t.Errorf("called %s, want %s", svc.lastCall, tc.wantCall)
			}
		})
	}
}

func TestDispatchCancel(t *testing.T) {
	tests := []struct {
		role     string
		wantCall string
	}{
		{"coordinator", "CancelCoordinatorPreparedTransfer"},
		{"creditor", "CancelCreditorPreparedTransfer"},
		{"debtor", "CancelDebtorPreparedTransfer"},
		{"guarantor", "CancelGuarantorPreparedTransfer"},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			svc := &mockService{}
			h := NewHandler(svc, nil)

			cmd := ResolveCommand{DebtorID: 4242, Seqnum: 3, Role: tc.role, CoordinatorID: 1, CreditorID: 777}
			if err := h.dispatchCancel(context.Background(), cmd); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.lastCall != tc.wantCall {
				t.Errorf("called %s, want %s", svc.lastCall, tc.wantCall)
			}
		})
	}
}

func TestDispatchUnknownRole(t *testing.T) {
	svc := &mockService{}
	h := NewHandler(svc, nil)

	cmd := ResolveCommand{DebtorID: 4242, Seqnum: 3, Role: "auditor"}
	if err := h.dispatchCommit(context.Background(), cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.lastCall != "" {
		t.Errorf("unexpected call %s", svc.lastCall)
	}
}

func TestDispatchPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandler(&mockService{err: boom}, nil)

	cmd := ResolveCommand{DebtorID: 4242, Seqnum: 3, Role: "debtor"}
	if err := h.dispatchCommit(context.Background(), cmd); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

package repository

import "time"

// TopicWithdrawalSettled carries WithdrawalSettledEvent payloads.
const TopicWithdrawalSettled = "withdrawals.settled"

// WithdrawalSettledEvent is published after a withdrawal's linked transfer
// commits. It carries the terminal record's fields.
type WithdrawalSettledEvent struct {
	DebtorID         int64     `json:"debtor_id"`
	CreditorID       int64     `json:"creditor_id"`
	Seqnum           int64     `json:"seqnum"`
	Amount           int64     `json:"amount"`
	OperatorBranchID int64     `json:"operator_branch_id"`
	OperatorUserID   int64     `json:"operator_user_id"`
	ClosingTS        time.Time `json:"closing_ts"`
}

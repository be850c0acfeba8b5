package model

import (
	"time"
)

// DemurragePolicy computes the demurrage accrued on a positive balance over
// the time elapsed since the account's last transfer. Implementations must
// be monotonically non-decreasing in elapsed time. The exact formula is an
// economic policy decision and deliberately not fixed here.
type DemurragePolicy interface {
	Accrued(balance int64, annualRatePct float64, elapsed time.Duration) int64
}

// EffectiveDemurrageRate returns the accrual rate for an account, bounded by
// the per-account discount cap and the debtor's global rate and ceiling.
func EffectiveDemurrageRate(d *Debtor, a *Account) float64 {
	r := a.DiscountDemurrageRate
	if d.DemurrageRate < r {
		r = d.DemurrageRate
	}
	if d.DemurrageRateCeiling < r {
		r = d.DemurrageRateCeiling
	}
	if r < 0 {
		r = 0
	}
	return r
}

// AccrueDemurrage refreshes the lazily computed demurrage on an account.
// Accrued demurrage only ever grows between transfers, so the spendable
// balance is debited by the increase and the stored figure never decreases.
func (a *Account) AccrueDemurrage(d *Debtor, p DemurragePolicy, now time.Time) {
	accrued := p.Accrued(a.Balance, EffectiveDemurrageRate(d, a), now.Sub(a.LastTransferTS))
	if accrued > a.Demurrage {
		a.AvlBalance -= accrued - a.Demurrage
		a.Demurrage = accrued
	}
}

const hoursPerYear = 365.25 * 24

// LinearDemurrage accrues annualRatePct percent of the balance per year,
// pro rata by elapsed time. The result is clamped to the balance itself: an
// account can never owe more demurrage than it holds.
type LinearDemurrage struct{}

func (LinearDemurrage) Accrued(balance int64, annualRatePct float64, elapsed time.Duration) int64 {
	if balance <= 0 || annualRatePct <= 0 || elapsed <= 0 {
		return 0
	}
	years := elapsed.Hours() / hoursPerYear
	accrued := float64(balance) * annualRatePct / 100 * years
	if accrued >= float64(balance) {
		return balance
	}
	return int64(accrued)
}

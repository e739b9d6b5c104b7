// Package collateral projects a mortgage pool's cashflows period by period
// under constant CPR/CDR/severity assumptions.
package collateral

import (
	"math"

	"github.com/shopspring/decimal"
)

// PeriodCashflow is one period's projected collateral activity.
type PeriodCashflow struct {
	Period             int
	BeginBalance       float64
	EndBalance         float64
	InterestCollected  float64
	PrincipalCollected float64
	RealizedLoss       float64
	DefaultAmount      float64
	ScheduledInterest  float64
	ScheduledPrincipal float64
	Prepayment         float64
	Recoveries         float64
	ServicerAdvances   float64
}

// GenerateCashflows amortizes a pool of WAC/WAM (wac, wam) over periods
// periods under constant annualized CPR/CDR (converted to monthly SMM/MDR)
// and constant severity, starting from startBalance.
// Defaults precede prepayments; prepayments act on the balance net of
// scheduled principal and defaults; recoveries are additive to principal.
func GenerateCashflows(periods int, wac float64, wam int, cpr, cdr, severity, startBalance float64) []PeriodCashflow {
	rows := make([]PeriodCashflow, 0, periods)
	balance := startBalance

	smm := 1 - math.Pow(1-cpr, 1.0/12.0)
	mdr := 1 - math.Pow(1-cdr, 1.0/12.0)
	rm := wac / 12.0

	for t := 1; t <= periods; t++ {
		if balance <= 0 {
			rows = append(rows, PeriodCashflow{Period: t})
			continue
		}

		beginBalance := balance
		scheduledInterest := beginBalance * rm

		remainingTerm := wam - t
		if remainingTerm < 1 {
			remainingTerm = 1
		}
		levelPayment := levelPaymentAmount(beginBalance, rm, remainingTerm)
		scheduledPrincipal := levelPayment - scheduledInterest
		if scheduledPrincipal < 0 {
			scheduledPrincipal = 0
		}

		defaultAmount := beginBalance * mdr
		realizedLoss := defaultAmount * severity
		recoveries := defaultAmount - realizedLoss

		prepayBase := beginBalance - scheduledPrincipal - defaultAmount
		prepayment := 0.0
		if prepayBase > 0 {
			prepayment = prepayBase * smm
		}

		principalCollected := scheduledPrincipal + prepayment + recoveries
		endBalance := beginBalance - scheduledPrincipal - defaultAmount - prepayment

		rows = append(rows, PeriodCashflow{
			Period:             t,
			BeginBalance:       roundToCent(beginBalance),
			EndBalance:         roundToCent(endBalance),
			InterestCollected:  roundToCent(scheduledInterest),
			PrincipalCollected: roundToCent(principalCollected),
			RealizedLoss:       roundToCent(realizedLoss),
			DefaultAmount:      roundToCent(defaultAmount),
			ScheduledInterest:  roundToCent(scheduledInterest),
			ScheduledPrincipal: roundToCent(scheduledPrincipal),
			Prepayment:         roundToCent(prepayment),
			Recoveries:         roundToCent(recoveries),
			ServicerAdvances:   0,
		})

		// Unrounded balance carries forward; only the reported EndBalance is
		// cent-rounded, so rounding drift never compounds period over period.
		balance = endBalance
	}

	return rows
}

// roundToCent rounds a monetary amount to the nearest cent using exact
// decimal arithmetic rather than float64 multiplication, avoiding the
// binary-rounding artifacts math.Round(v*100)/100 can introduce on sums of
// many small periods.
func roundToCent(value float64) float64 {
	f, _ := decimal.NewFromFloat(value).Round(2).Float64()
	return f
}

// levelPaymentAmount is the standard fixed-rate level-payment formula:
// P = (B * r) / (1 - (1+r)^-n), falling back to straight-line when r is 0.
func levelPaymentAmount(balance, monthlyRate float64, remainingPeriods int) float64 {
	if monthlyRate == 0 {
		return balance / float64(remainingPeriods)
	}
	factor := math.Pow(1+monthlyRate, float64(-remainingPeriods))
	return (balance * monthlyRate) / (1 - factor)
}

package collateral

import (
	"math"
	"testing"
)

func approx(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("got %v, want %v (tol %v)", got, want, tol)
	}
}

func TestGenerateCashflowsPureScheduledAmortization(t *testing.T) {
	rows := GenerateCashflows(12, 0.06, 360, 0, 0, 0, 200000)
	if len(rows) != 12 {
		t.Fatalf("len(rows) = %d, want 12", len(rows))
	}
	first := rows[0]
	if first.BeginBalance != 200000 {
		t.Errorf("BeginBalance = %v, want 200000", first.BeginBalance)
	}
	approx(t, first.ScheduledInterest, 200000*0.06/12, 1e-6)
	if first.DefaultAmount != 0 || first.Prepayment != 0 || first.RealizedLoss != 0 {
		t.Error("expected zero defaults/prepayments/losses when CPR=CDR=0")
	}
	// Each period should start from the prior period's ending balance.
	for i := 1; i < len(rows); i++ {
		if rows[i].BeginBalance != rows[i-1].EndBalance {
			t.Fatalf("period %d BeginBalance %v != prior EndBalance %v", i+1, rows[i].BeginBalance, rows[i-1].EndBalance)
		}
	}
}

func TestGenerateCashflowsFullPrepay(t *testing.T) {
	rows := GenerateCashflows(3, 0.06, 360, 1.0, 0, 0, 100000)
	first := rows[0]
	if first.EndBalance != 0 {
		t.Errorf("EndBalance = %v, want ~0 after CPR=1 full prepay", first.EndBalance)
	}
	if rows[1].BeginBalance != 0 {
		t.Errorf("period 2 BeginBalance = %v, want 0", rows[1].BeginBalance)
	}
}

func TestGenerateCashflowsFullDefaultNoSeverity(t *testing.T) {
	rows := GenerateCashflows(2, 0.06, 360, 0, 1.0, 0, 100000)
	first := rows[0]
	if first.RealizedLoss != 0 {
		t.Errorf("RealizedLoss = %v, want 0 when severity=0", first.RealizedLoss)
	}
	approx(t, first.Recoveries, first.DefaultAmount, 1e-9)
}

func TestGenerateCashflowsFullLoss(t *testing.T) {
	rows := GenerateCashflows(2, 0.06, 360, 0, 1.0, 1.0, 100000)
	first := rows[0]
	if first.Recoveries != 0 {
		t.Errorf("Recoveries = %v, want 0 when severity=1", first.Recoveries)
	}
	approx(t, first.RealizedLoss, first.DefaultAmount, 1e-9)
}

func TestGenerateCashflowsStartingBalanceZero(t *testing.T) {
	rows := GenerateCashflows(3, 0.06, 360, 0.1, 0.05, 0.4, 0)
	for i, r := range rows {
		if r.BeginBalance != 0 || r.EndBalance != 0 || r.InterestCollected != 0 || r.PrincipalCollected != 0 {
			t.Fatalf("period %d expected all-zero row for zero starting balance, got %+v", i+1, r)
		}
	}
}

func TestGenerateCashflowsWAMClampsRemainingTerm(t *testing.T) {
	// periods requested exceed wam: remaining term floors at 1, never goes
	// negative or divides by zero.
	rows := GenerateCashflows(5, 0.06, 3, 0, 0, 0, 100000)
	if len(rows) != 5 {
		t.Fatalf("len(rows) = %d, want 5", len(rows))
	}
	for _, r := range rows {
		if math.IsNaN(r.ScheduledPrincipal) || math.IsInf(r.ScheduledPrincipal, 0) {
			t.Fatalf("ScheduledPrincipal is not finite: %v", r.ScheduledPrincipal)
		}
	}
}

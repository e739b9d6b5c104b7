package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiangshenghai57/rmbs-engine/internal/collateral"
	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
)

// buildTwoBondDeal constructs the two-bond/two-fund deal used by every
// end-to-end scenario: senior bond A (original 1,000,000, fixed 5%), sub
// bond B (original 250,000, fixed 7%), funds IAF/PAF, an interest waterfall
// paying A's interest from IAF, a principal waterfall paying A then B from
// PAF, and a loss allocation writing down B before A. Pool original/current
// balance is 1,250,000, WAC 6%, WAM 360.
func buildTwoBondDeal(t *testing.T) *deal.DealDefinition {
	t.Helper()
	spec := map[string]any{
		"meta": map[string]any{"deal_id": "SCN"},
		"funds": []any{
			map[string]any{"id": "IAF"},
			map[string]any{"id": "PAF"},
		},
		"bonds": []any{
			map[string]any{
				"id": "A", "type": "NOTE", "original_balance": 1000000.0,
				"coupon":   map[string]any{"kind": "FIXED", "fixed_rate": 0.05},
				"priority": map[string]any{"interest": 1.0, "principal": 1.0},
			},
			map[string]any{
				"id": "B", "type": "NOTE", "original_balance": 250000.0,
				"coupon":   map[string]any{"kind": "FIXED", "fixed_rate": 0.07},
				"priority": map[string]any{"interest": 2.0, "principal": 2.0},
			},
		},
		"collateral": map[string]any{
			"original_balance": 1250000.0,
			"current_balance":  1250000.0,
			"wac":              0.06,
			"wam":              360.0,
		},
		"waterfalls": map[string]any{
			"interest": map[string]any{
				"steps": []any{
					map[string]any{
						"id": "PayA", "action": "PAY_BOND_INTEREST", "from_fund": "IAF",
						"group": "A", "amount_rule": "ALL",
					},
				},
			},
			"principal": map[string]any{
				"steps": []any{
					map[string]any{
						"id": "PrinA", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF",
						"group": "A", "amount_rule": "ALL",
					},
					map[string]any{
						"id": "PrinB", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF",
						"group": "B", "amount_rule": "REMAINING",
					},
				},
			},
			"loss_allocation": map[string]any{"write_down_order": []any{"B", "A"}},
		},
	}
	def, err := deal.Load(spec)
	require.NoError(t, err)
	return def
}

func TestRunSimulationTrivialAmortization(t *testing.T) {
	def := buildTwoBondDeal(t)
	expected := collateral.GenerateCashflows(1, 0.06, 360, 0, 0, 0, 1250000.0)[0]

	s, _, err := RunSimulation(def, nil, RunOptions{HorizonPeriods: 1, CPR: 0, CDR: 0, Severity: 0, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)

	assert.InDelta(t, 6250.0, expected.ScheduledInterest, 1.0)
	assert.InDelta(t, 1000000.0-expected.ScheduledPrincipal, s.Bonds["A"].CurrentBalance, 0.01)
	assert.Equal(t, 0.0, s.CashBalances["IAF"])
	assert.Equal(t, 0.0, s.CashBalances["PAF"])
}

func TestRunSimulationPurePrepay(t *testing.T) {
	def := buildTwoBondDeal(t)

	s, _, err := RunSimulation(def, nil, RunOptions{HorizonPeriods: 1, CPR: 1.0, CDR: 0, Severity: 0, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)

	assert.Equal(t, 0.0, s.Bonds["A"].CurrentBalance)
	assert.InDelta(t, 0.0, s.Bonds["B"].CurrentBalance, 1.0)
}

func TestRunSimulationPureDefaultNoSeverity(t *testing.T) {
	def := buildTwoBondDeal(t)

	s, _, err := RunSimulation(def, nil, RunOptions{HorizonPeriods: 1, CPR: 0, CDR: 1.0, Severity: 0, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)

	assert.InDelta(t, 0.0, s.Bonds["A"].CurrentBalance, 1.0)
	assert.InDelta(t, 0.0, s.Bonds["B"].CurrentBalance, 1.0)
	assert.Equal(t, 0.0, s.Ledgers["CumulativeLoss"])
}

func TestRunSimulationFullLoss(t *testing.T) {
	def := buildTwoBondDeal(t)

	s, _, err := RunSimulation(def, nil, RunOptions{HorizonPeriods: 1, CPR: 0, CDR: 1.0, Severity: 1.0, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)

	assert.Equal(t, 0.0, s.Bonds["B"].CurrentBalance)
	assert.Equal(t, 0.0, s.Bonds["A"].CurrentBalance)
	assert.InDelta(t, 1250000.0, s.Ledgers["CumulativeLoss"], 1.0)
}

func TestRunSimulationReconciliationMismatch(t *testing.T) {
	def := buildTwoBondDeal(t)

	perfRows := []map[string]any{
		{"Period": 1.0, "InterestCollected": 0.0, "PrincipalCollected": 0.0},
		{"Period": 1.0, "BondId": "A", "BondBalance": 999000.0},
	}

	s, recon, err := RunSimulation(def, perfRows, RunOptions{HorizonPeriods: 1, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)

	var mismatch, missing *ReconciliationEntry
	for i := range recon {
		switch recon[i].Kind {
		case ReconBalanceMismatch:
			mismatch = &recon[i]
		case ReconMissingInTape:
			missing = &recon[i]
		}
	}
	require.NotNil(t, mismatch)
	assert.Equal(t, "A", mismatch.BondID)
	assert.InDelta(t, 1000000.0, mismatch.ModelBalance, 0.01)

	require.NotNil(t, missing)
	assert.Equal(t, "B", missing.BondID)
}

func TestRunSimulationReconciliationSkippedWithoutBondLevelTape(t *testing.T) {
	def := buildTwoBondDeal(t)

	// A servicer tape that only reports pool-level flows, with no
	// {Period, BondId, BondBalance} rows for this period, must not produce
	// any reconciliation entries — there is nothing to reconcile against.
	perfRows := []map[string]any{
		{"Period": 1.0, "InterestCollected": 0.0, "PrincipalCollected": 0.0},
	}

	s, recon, err := RunSimulation(def, perfRows, RunOptions{HorizonPeriods: 1, ApplyWaterfallToActuals: true})
	require.NoError(t, err)
	require.Len(t, s.History, 1)
	assert.Empty(t, recon)
}

func TestRunSimulationCleanupCall(t *testing.T) {
	spec := map[string]any{
		"meta": map[string]any{"deal_id": "SCN"},
		"funds": []any{
			map[string]any{"id": "IAF"},
			map[string]any{"id": "PAF"},
		},
		"bonds": []any{
			map[string]any{
				"id": "A", "type": "NOTE", "original_balance": 1000000.0,
				"coupon":   map[string]any{"kind": "FIXED", "fixed_rate": 0.05},
				"priority": map[string]any{"interest": 1.0, "principal": 1.0},
			},
			map[string]any{
				"id": "B", "type": "NOTE", "original_balance": 250000.0,
				"coupon":   map[string]any{"kind": "FIXED", "fixed_rate": 0.07},
				"priority": map[string]any{"interest": 2.0, "principal": 2.0},
			},
		},
		"collateral": map[string]any{
			"original_balance": 1250000.0,
			"current_balance":  1250000.0,
			"wac":              0.06,
			"wam":              360.0,
		},
		"waterfalls": map[string]any{
			"interest": map[string]any{
				"steps": []any{
					map[string]any{"id": "PayA", "action": "PAY_BOND_INTEREST", "from_fund": "IAF", "group": "A", "amount_rule": "ALL"},
				},
			},
			"principal": map[string]any{
				"steps": []any{
					map[string]any{"id": "PrinA", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF", "group": "A", "amount_rule": "ALL"},
					map[string]any{"id": "PrinB", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF", "group": "B", "amount_rule": "REMAINING"},
				},
			},
			"loss_allocation": map[string]any{"write_down_order": []any{"B", "A"}},
		},
		"options": map[string]any{
			"cleanup_call": map[string]any{"enabled": true},
		},
	}
	def, err := deal.Load(spec)
	require.NoError(t, err)

	s, _, err := RunSimulation(def, nil, RunOptions{HorizonPeriods: 60, CPR: 1.0, CDR: 0, Severity: 0, ApplyWaterfallToActuals: true})
	require.NoError(t, err)

	require.Len(t, s.History, 1, "cleanup call should stop projection after exactly one snapshot")
	last := s.History[0]

	triggered, _ := last.Variables["CleanupCallExercised"].(bool)
	assert.True(t, triggered)
	assert.Equal(t, 0.0, last.BondBalances["A"])
	assert.Equal(t, 0.0, last.BondBalances["B"])
}

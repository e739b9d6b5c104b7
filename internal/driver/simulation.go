// Package driver implements the simulation driver: ingesting a servicer
// performance tape against historical periods, aligning deal state to the
// latest actual, projecting remaining periods from the collateral model (or
// an external ML provider), and reconciling model output against the tape.
package driver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jiangshenghai57/rmbs-engine/internal/collateral"
	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
	"github.com/jiangshenghai57/rmbs-engine/internal/expr"
	"github.com/jiangshenghai57/rmbs-engine/internal/rmbslog"
	"github.com/jiangshenghai57/rmbs-engine/internal/state"
	"github.com/jiangshenghai57/rmbs-engine/internal/waterfall"
)

// reconciliationTolerance is the minimum model/tape balance gap worth
// reporting as a mismatch (§9).
const reconciliationTolerance = 1.0

// cleanupCallDefaultCoupon is used when a bond's coupon cannot be resolved
// at cleanup-call time.
const cleanupCallDefaultCoupon = 0.05

// ReconciliationEntry records one discrepancy between the model's bond
// balances and the servicer tape's reported bond balances for a period.
type ReconciliationEntry struct {
	Period       int
	BondID       string
	Kind         string
	ModelBalance float64
	TapeBalance  float64
}

const (
	ReconBalanceMismatch = "BALANCE_MISMATCH"
	ReconUnknownBond     = "UNKNOWN_BOND"
	ReconMissingInTape   = "MISSING_IN_TAPE"
)

// RunOptions configures one simulation run.
type RunOptions struct {
	HorizonPeriods          int
	CPR                     float64
	CDR                     float64
	Severity                float64
	ApplyWaterfallToActuals bool
	MLProvider              MLProvider
	MLConfig                MLConfig
	ShortRatePath           []float64
	Today                   time.Time

	// Logger and RunID are optional lifecycle-logging hooks. The driver
	// never generates its own run id (that would make it depend on a
	// source of randomness it doesn't otherwise need); callers that want
	// log correlation across a run's periods supply both.
	Logger *rmbslog.Logger
	RunID  string
}

// logAttrs returns the run/deal correlation attributes shared by every log
// line this run emits: deal_id always, run_id when one was supplied.
func (o RunOptions) logAttrs(dealID string) []any {
	attrs := []any{slog.String("deal_id", dealID)}
	if o.RunID != "" {
		attrs = append(attrs, slog.String("run_id", o.RunID))
	}
	return attrs
}

// RunSimulation seeds a DealState from def, applies historical actuals from
// perfRows, aligns state to the latest actual period, projects the
// remaining horizon, and returns the resulting state (whose History is the
// report input) plus any reconciliation discrepancies found.
func RunSimulation(def *deal.DealDefinition, perfRows []map[string]any, opts RunOptions) (*state.DealState, []ReconciliationEntry, error) {
	if opts.Today.IsZero() {
		opts.Today = time.Now()
	}

	s := state.New(def)
	runner := waterfall.NewRunner()
	engine := expr.NewEngine()

	dealID := def.DealID()
	if opts.Logger != nil {
		opts.Logger.Info("starting simulation", append(opts.logAttrs(dealID), slog.Int("horizon_periods", opts.HorizonPeriods))...)
	}

	actuals, bondBalancesByPeriod := NormalizeTape(perfRows)
	periods := SortedPeriods(actuals)

	var reconciliation []ReconciliationEntry
	var lastActualEndBalance float64
	var hasActualEndBalance bool
	var sumPrincipalCollected float64
	maxActualPeriod := 0

	for _, period := range periods {
		pa := actuals[period]
		if err := s.Deposit("IAF", pa.InterestCollected); err != nil {
			return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
		}
		if err := s.Deposit("PAF", pa.PrincipalCollected); err != nil {
			return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
		}
		sumPrincipalCollected += pa.PrincipalCollected

		applyActualVariables(s, pa)

		if pa.HasEndBalance {
			s.Collateral["current_balance"] = pa.EndBalance
			s.SetVariable("PoolEndBalance", pa.EndBalance)
			s.SetVariable("InputEndBalance", pa.EndBalance)
			lastActualEndBalance = pa.EndBalance
			hasActualEndBalance = true
		}

		if opts.ApplyWaterfallToActuals {
			if err := runner.RunPeriod(s); err != nil {
				return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
			}
		} else {
			if err := runner.EvaluatePeriod(s); err != nil {
				return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
			}
		}

		periodRecon := reconcilePeriod(s, period, bondBalancesByPeriod[period])
		reconciliation = append(reconciliation, periodRecon...)
		if opts.Logger != nil {
			opts.Logger.Info("applied actual period", append(opts.logAttrs(dealID), slog.Int("period", period))...)
			for _, entry := range periodRecon {
				opts.Logger.Warn("reconciliation mismatch", append(opts.logAttrs(dealID),
					slog.Int("period", period), slog.String("bond_id", entry.BondID), slog.String("kind", entry.Kind))...)
			}
		}

		s.Snapshot(dateForPeriod(opts.Today, period))
		if period > maxActualPeriod {
			maxActualPeriod = period
		}
	}

	// Phase C — align.
	if maxActualPeriod > s.PeriodIndex {
		s.PeriodIndex = maxActualPeriod
	}
	if !opts.ApplyWaterfallToActuals {
		if tapeBalances, ok := bondBalancesByPeriod[s.PeriodIndex]; ok {
			for bondID, balance := range tapeBalances {
				if bs, ok := s.Bonds[bondID]; ok {
					bs.CurrentBalance = balance
				}
			}
		}
	}

	// Phase D — project.
	remaining := opts.HorizonPeriods - s.PeriodIndex
	if remaining < 0 {
		remaining = 0
	}
	originalBalance, _ := asFloat(def.Collateral["original_balance"])
	latestEndBalance := resolveLatestEndBalance(s, hasActualEndBalance, lastActualEndBalance, originalBalance, sumPrincipalCollected)

	projected, modelSource, err := projectRemaining(def, remaining, opts, latestEndBalance, engine, s)
	if err != nil {
		return s, reconciliation, err
	}

	preProjectionPeriodIndex := s.PeriodIndex
	_, hasDelinqTrigger := def.Variables["DelinqTrigger"]

	for _, row := range projected {
		period := row.Period + preProjectionPeriodIndex

		if err := s.Deposit("IAF", row.InterestCollected); err != nil {
			return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
		}
		if err := s.Deposit("PAF", row.PrincipalCollected); err != nil {
			return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
		}
		applyProjectedVariables(s, row, modelSource)

		if hasDelinqTrigger {
			s.SetVariable("DelinqTrigger", "False")
		}

		if def.Options.CleanupCall.Enabled {
			breached, err := checkCleanupCall(engine, s, def)
			if err != nil {
				return s, reconciliation, fmt.Errorf("period %d: cleanup call: %w", period, err)
			}
			if breached {
				if opts.Logger != nil {
					opts.Logger.Info("cleanup call exercised", append(opts.logAttrs(dealID), slog.Int("period", period))...)
				}
				executeCleanupCall(s, def)
				s.Snapshot(dateForPeriod(opts.Today, period))
				return s, reconciliation, nil
			}
		}

		if err := runner.RunPeriod(s); err != nil {
			return s, reconciliation, fmt.Errorf("period %d: %w", period, err)
		}
		if opts.Logger != nil {
			opts.Logger.Info("ran projected period", append(opts.logAttrs(dealID), slog.Int("period", period), slog.String("model_source", modelSource))...)
		}
		s.Snapshot(dateForPeriod(opts.Today, period))
	}

	return s, reconciliation, nil
}

func applyActualVariables(s *state.DealState, pa *PeriodActual) {
	s.SetVariable("InputInterestCollected", pa.InterestCollected)
	s.SetVariable("InputPrincipalCollected", pa.PrincipalCollected)
	s.SetVariable("InputRealizedLoss", pa.RealizedLoss)
	s.SetVariable("InputPrepayment", pa.Prepayment)
	s.SetVariable("InputScheduledPrincipal", pa.ScheduledPrincipal)
	s.SetVariable("InputScheduledInterest", pa.ScheduledInterest)
	s.SetVariable("InputServicerAdvances", pa.ServicerAdvances)
	s.SetVariable("InputRecoveries", pa.Recoveries)
	s.SetVariable("Delinq30", pa.Delinq30)
	s.SetVariable("Delinq60", pa.Delinq60)
	s.SetVariable("Delinq90Plus", pa.Delinq90Plus)
	s.SetVariable("Delinq60Plus", pa.Delinq60Plus)

	currentPoolBalance, _ := asFloat(s.Collateral["current_balance"])
	s.SetVariable("Delinq60PlusBalance", pa.Delinq60Plus*currentPoolBalance)
	s.SetVariable("PoolStatus", pa.PoolStatus)
	s.SetVariable("RealizedLoss", pa.RealizedLoss)
	s.SetVariable("ModelSource", "Actuals")
	s.SetVariable("MLUsed", false)
}

func applyProjectedVariables(s *state.DealState, row collateral.PeriodCashflow, modelSource string) {
	s.SetVariable("InputInterestCollected", row.InterestCollected)
	s.SetVariable("InputPrincipalCollected", row.PrincipalCollected)
	s.SetVariable("InputRealizedLoss", row.RealizedLoss)
	s.SetVariable("InputPrepayment", row.Prepayment)
	s.SetVariable("InputScheduledPrincipal", row.ScheduledPrincipal)
	s.SetVariable("InputScheduledInterest", row.ScheduledInterest)
	s.SetVariable("InputServicerAdvances", row.ServicerAdvances)
	s.SetVariable("InputRecoveries", row.Recoveries)
	s.SetVariable("InputEndBalance", row.EndBalance)
	s.SetVariable("RealizedLoss", row.RealizedLoss)
	s.SetVariable("ModelSource", modelSource)
	s.SetVariable("MLUsed", modelSource == "ML")
	s.Collateral["current_balance"] = row.EndBalance
}

func resolveLatestEndBalance(s *state.DealState, hasActual bool, lastActual, originalBalance, sumPrincipalCollected float64) float64 {
	if hasActual {
		return lastActual
	}
	if v, ok := asFloat(s.Collateral["current_balance"]); ok {
		return v
	}
	return originalBalance - sumPrincipalCollected
}

// projectRemaining produces `remaining` projected cashflow rows, preferring
// an external ML provider when the collateral payload opts into one
// (ml_config.enabled or an ML model_interface.kind) and carries an
// origination source URI, otherwise falling back to the rule-based
// collateral model.
func projectRemaining(def *deal.DealDefinition, remaining int, opts RunOptions, startBalance float64, engine *expr.Engine, s *state.DealState) ([]collateral.PeriodCashflow, string, error) {
	if remaining == 0 {
		return nil, "RuleBased", nil
	}

	mlConfig, _ := def.Collateral["ml_config"].(map[string]any)
	mlEnabled, _ := mlConfig["enabled"].(bool)
	if modelInterface, ok := def.Collateral["model_interface"].(map[string]any); ok {
		if kind, _ := modelInterface["kind"].(string); kind == "FREDDIE_MAC_ML" || kind == "ML_PORTFOLIO" {
			mlEnabled = true
		}
	}
	originationURI := mlOriginationURI(def)
	if opts.MLProvider != nil && mlEnabled && originationURI != "" {
		rows, err := opts.MLProvider.ProjectCashflows(originationURI, "", opts.ShortRatePath, opts.MLConfig)
		if err != nil {
			return nil, "", newExternalFailure(err)
		}
		if len(rows) == 0 {
			return nil, "", newExternalFailure(fmt.Errorf("empty ML projection"))
		}
		out := make([]collateral.PeriodCashflow, len(rows))
		for i, r := range rows {
			out[i] = collateral.PeriodCashflow{
				Period:             r.Period,
				InterestCollected:  r.InterestCollected,
				PrincipalCollected: r.PrincipalCollected,
				RealizedLoss:       r.RealizedLoss,
				EndBalance:         r.EndBalance,
			}
		}
		return out, "ML", nil
	}

	wac, _ := asFloat(def.Collateral["wac"])
	wamF, _ := asFloat(def.Collateral["wam"])
	wam := int(wamF)

	return collateral.GenerateCashflows(remaining, wac, wam, opts.CPR, opts.CDR, opts.Severity, startBalance), "RuleBased", nil
}

func mlOriginationURI(def *deal.DealDefinition) string {
	loanData, ok := def.Collateral["loan_data"].(map[string]any)
	if !ok {
		return ""
	}
	schemaRef, ok := loanData["schema_ref"].(map[string]any)
	if !ok {
		return ""
	}
	uri, _ := schemaRef["source_uri"].(string)
	return uri
}

func checkCleanupCall(engine *expr.Engine, s *state.DealState, def *deal.DealDefinition) (bool, error) {
	if def.Options.CleanupCall.ThresholdRule != "" {
		return engine.EvaluateCondition(def.Options.CleanupCall.ThresholdRule, s.Context())
	}
	current, _ := asFloat(s.Collateral["current_balance"])
	original, _ := asFloat(def.Collateral["original_balance"])
	if original <= 0 {
		return false, nil
	}
	return current/original <= 0.10, nil
}

func executeCleanupCall(s *state.DealState, def *deal.DealDefinition) {
	s.SetVariable("CleanupCallTriggered", true)
	s.SetVariable("CleanupCallExercised", true)

	cleanupAmount := 0.0
	for _, bondID := range def.BondOrder {
		bond := def.Bonds[bondID]
		bs, ok := s.Bonds[bondID]
		if !ok {
			continue
		}
		coupon := cleanupCallDefaultCoupon
		if bond.FixedRate != nil {
			coupon = *bond.FixedRate
		}
		cleanupAmount += bs.CurrentBalance + bs.CurrentBalance*coupon/12
	}

	s.SetVariable("CleanupCallAmount", cleanupAmount)
	s.SetVariable("DealTerminated", true)

	for _, bs := range s.Bonds {
		bs.CurrentBalance = 0
	}
	for bucket := range s.CashBalances {
		s.CashBalances[bucket] = 0
	}
	s.Collateral["current_balance"] = 0.0
}

func reconcilePeriod(s *state.DealState, period int, tapeBalances map[string]float64) []ReconciliationEntry {
	if len(tapeBalances) == 0 {
		return nil
	}

	var entries []ReconciliationEntry

	for bondID, tapeBalance := range tapeBalances {
		bs, ok := s.Bonds[bondID]
		if !ok {
			entries = append(entries, ReconciliationEntry{Period: period, BondID: bondID, Kind: ReconUnknownBond, TapeBalance: tapeBalance})
			continue
		}
		if diff := bs.CurrentBalance - tapeBalance; diff > reconciliationTolerance || diff < -reconciliationTolerance {
			entries = append(entries, ReconciliationEntry{
				Period: period, BondID: bondID, Kind: ReconBalanceMismatch,
				ModelBalance: bs.CurrentBalance, TapeBalance: tapeBalance,
			})
		}
	}

	for bondID, bs := range s.Bonds {
		if _, ok := tapeBalances[bondID]; !ok {
			entries = append(entries, ReconciliationEntry{Period: period, BondID: bondID, Kind: ReconMissingInTape, ModelBalance: bs.CurrentBalance})
		}
	}

	return entries
}

func dateForPeriod(today time.Time, period int) string {
	return today.AddDate(0, 0, 30*period).Format("2006-01-02")
}

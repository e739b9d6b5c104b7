// Package waterfall implements the per-period orchestration that advances a
// DealState: tests, variables, interest and principal waterfalls, and loss
// allocation.
package waterfall

import (
	"fmt"

	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
	"github.com/jiangshenghai57/rmbs-engine/internal/expr"
	"github.com/jiangshenghai57/rmbs-engine/internal/state"
)

// paymentEmissionThreshold is the minimum payment worth dispatching (§9).
const paymentEmissionThreshold = 1e-6

// shortfallThreshold is the minimum shortfall worth ledgering (§9).
const shortfallThreshold = 0.01

// Runner executes tests, variables, and waterfalls against a DealState. It
// holds no per-run state and is safe to share across concurrent simulations.
type Runner struct {
	engine *expr.Engine
}

// NewRunner returns a ready-to-use Runner.
func NewRunner() *Runner {
	return &Runner{engine: expr.NewEngine()}
}

// RunPeriod executes the full per-period sequence: tests, variables, interest
// waterfall, principal waterfall, loss allocation.
func (r *Runner) RunPeriod(s *state.DealState) error {
	if err := r.runTestsAndVariables(s); err != nil {
		return err
	}
	if err := r.runWaterfall(s, s.Def.Waterfalls.Interest); err != nil {
		return err
	}
	if err := r.runWaterfall(s, s.Def.Waterfalls.Principal); err != nil {
		return err
	}
	r.allocateLosses(s)
	return nil
}

// EvaluatePeriod runs only tests and variables, used when the driver
// processes historical actuals without routing cash through the waterfalls.
func (r *Runner) EvaluatePeriod(s *state.DealState) error {
	return r.runTestsAndVariables(s)
}

func (r *Runner) runTestsAndVariables(s *state.DealState) error {
	for _, test := range s.Def.Tests {
		passed, err := r.evaluateTest(s, test)
		if err != nil {
			return fmt.Errorf("test %s: %w", test.ID, err)
		}
		s.Flags[test.ID] = !passed
		if !passed {
			for _, eff := range test.Effects {
				if eff.SetFlag != "" {
					s.Flags[eff.SetFlag] = true
				}
			}
		}
	}

	for _, name := range s.Def.VariableOrder {
		rule := s.Def.Variables[name]
		v, err := r.engine.Evaluate(rule, s.Context())
		if err != nil {
			return fmt.Errorf("variable %s: %w", name, err)
		}
		s.SetVariable(name, valueToAny(v))
	}
	return nil
}

func (r *Runner) evaluateTest(s *state.DealState, test deal.TestSpec) (bool, error) {
	valueV, err := r.engine.Evaluate(test.ValueRule, s.Context())
	if err != nil {
		return false, err
	}
	thresholdV, err := r.engine.Evaluate(test.ThresholdRule, s.Context())
	if err != nil {
		return false, err
	}
	value, err := valueV.AsFloat()
	if err != nil {
		return false, err
	}
	threshold, err := thresholdV.AsFloat()
	if err != nil {
		return false, err
	}

	switch test.PassIf {
	case deal.ValueLTThreshold:
		return value < threshold, nil
	case deal.ValueLEQThreshold:
		return value <= threshold, nil
	case deal.ValueGTThreshold:
		return value > threshold, nil
	case deal.ValueGEQThreshold:
		return value >= threshold, nil
	default:
		return false, fmt.Errorf("unknown pass_if operator %q", test.PassIf)
	}
}

func (r *Runner) runWaterfall(s *state.DealState, wf deal.Waterfall) error {
	for _, step := range wf.Steps {
		if err := r.runStep(s, step); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (r *Runner) runStep(s *state.DealState, step deal.WaterfallStep) error {
	condition := step.Condition
	if condition == "" {
		condition = "true"
	}
	ok, err := r.engine.EvaluateCondition(condition, s.Context())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	available := s.CashBalances[step.FromFund]

	var target float64
	switch step.AmountRule {
	case "ALL", "REMAINING":
		target = available
	default:
		v, err := r.engine.Evaluate(step.AmountRule, s.Context())
		if err != nil {
			return err
		}
		target, err = v.AsFloat()
		if err != nil {
			return err
		}
	}
	if target < 0 {
		target = 0
	}

	payment := target
	if available < payment {
		payment = available
	}

	if payment > paymentEmissionThreshold {
		switch step.Action {
		case deal.PayBondInterest:
			if err := s.Withdraw(step.FromFund, payment); err != nil {
				return err
			}
		case deal.PayBondPrincipal:
			if err := s.PayPrincipal(step.Group, payment, step.FromFund); err != nil {
				return err
			}
		case deal.TransferFund:
			if err := s.Transfer(step.FromFund, step.To, payment); err != nil {
				return err
			}
		case deal.PayFee:
			if err := s.Withdraw(step.FromFund, payment); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown step action %q", step.Action)
		}
	}

	shortfall := target - payment
	if shortfall > shortfallThreshold && step.UnpaidLedgerID != "" {
		s.AddToLedger(step.UnpaidLedgerID, shortfall)
	}
	return nil
}

// allocateLosses reads the current period's RealizedLoss variable and walks
// the write-down order, reducing each bond's balance, then adds the full
// realized loss to CumulativeLoss (including any part no bond balance was
// left to absorb).
func (r *Runner) allocateLosses(s *state.DealState) {
	lossRemaining := 0.0
	if v, ok := s.GetVariable("RealizedLoss"); ok {
		if f, ok := v.(float64); ok {
			lossRemaining = f
		}
	}
	if lossRemaining <= 0 {
		return
	}

	total := lossRemaining
	for _, bondID := range s.Def.Waterfalls.LossAllocation.WriteDownOrder {
		if lossRemaining <= 0 {
			break
		}
		bond, ok := s.Bonds[bondID]
		if !ok {
			continue
		}
		writeDown := lossRemaining
		if bond.CurrentBalance < writeDown {
			writeDown = bond.CurrentBalance
		}
		bond.CurrentBalance -= writeDown
		lossRemaining -= writeDown
	}
	s.AddToLedger("CumulativeLoss", total)
}

func valueToAny(v expr.Value) any {
	switch v.Kind {
	case expr.KindBool:
		return v.Bool
	case expr.KindText:
		return v.Text
	default:
		return v.Num
	}
}

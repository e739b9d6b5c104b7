package expr

import (
	"math"
	"testing"
)

// fakeContext is a minimal Context backed by plain maps, standing in for
// DealState in unit tests.
type fakeContext struct {
	cash       map[string]float64
	bonds      map[string]BondView
	ledgers    map[string]float64
	collateral map[string]any
	variables  map[string]any
	failed     map[string]bool
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		cash:       map[string]float64{},
		bonds:      map[string]BondView{},
		ledgers:    map[string]float64{},
		collateral: map[string]any{},
		variables:  map[string]any{},
		failed:     map[string]bool{},
	}
}

func (f *fakeContext) CashBucket(id string) (float64, bool) { v, ok := f.cash[id]; return v, ok }
func (f *fakeContext) Bond(id string) (BondView, bool)       { v, ok := f.bonds[id]; return v, ok }
func (f *fakeContext) Ledger(id string) (float64, bool)      { v, ok := f.ledgers[id]; return v, ok }
func (f *fakeContext) Collateral(attr string) (any, bool)    { v, ok := f.collateral[attr]; return v, ok }
func (f *fakeContext) Variable(name string) (any, bool)      { v, ok := f.variables[name]; return v, ok }
func (f *fakeContext) TestFailed(id string) bool             { return f.failed[id] }

func approxEqual(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	v, err := e.Evaluate("1 + 2 * 3 - 4 / 2", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approxEqual(t, v.Num, 5)
}

func TestEvaluateNamespaces(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	ctx.cash["IAF"] = 1000
	ctx.bonds["A"] = BondView{Balance: 900000, Factor: 0.9, Shortfall: 0, Original: 1000000}
	ctx.ledgers["CumulativeLoss"] = 50
	ctx.collateral["current_balance"] = 1250000.0
	ctx.variables["ExcessSpread"] = 25.0

	cases := []struct {
		expr string
		want float64
	}{
		{"funds.IAF", 1000},
		{"accounts.IAF", 1000},
		{"IAF", 1000},
		{"bonds.A.balance", 900000},
		{"bonds.A.factor", 0.9},
		{"bonds.Z.balance", 0},
		{"ledgers.CumulativeLoss", 50},
		{"collateral.current_balance", 1250000},
		{"variables.ExcessSpread", 25},
		{"ExcessSpread", 25},
	}
	for _, c := range cases {
		v, err := e.Evaluate(c.expr, ctx)
		if err != nil {
			t.Fatalf("expr %q: unexpected error: %v", c.expr, err)
		}
		approxEqual(t, v.Num, c.want)
	}
}

func TestEvaluateUnknownVariable(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	_, err := e.Evaluate("TotallyUnknownName + MissingAlso", ctx)
	if err == nil {
		t.Fatal("expected an EvaluationError")
	}
	if _, ok := err.(*EvaluationError); !ok {
		t.Fatalf("error = %T, want *EvaluationError", err)
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	cases := []struct {
		expr string
		want float64
	}{
		{"MIN(3, 1, 2)", 1},
		{"MAX(3, 1, 2)", 3},
		{"ABS(-5)", 5},
		{"ROUND(3.14159, 2)", 3.14},
		{"SUM(1, 2, 3, 4)", 10},
		{"FLOOR(3.9)", 3},
		{"CEIL(3.1)", 4},
	}
	for _, c := range cases {
		v, err := e.Evaluate(c.expr, ctx)
		if err != nil {
			t.Fatalf("expr %q: unexpected error: %v", c.expr, err)
		}
		approxEqual(t, v.Num, c.want)
	}
}

func TestEvaluateSQLLikeNormalization(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	ctx.cash["IAF"] = 100

	v, err := e.Evaluate("IAF > 0 AND NOT (IAF <> 100)", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Truthy() {
		t.Errorf("expected expression to be truthy")
	}

	v2, err := e.Evaluate("TRUE OR FALSE", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.Kind != KindBool || !v2.Bool {
		t.Errorf("expected TRUE OR FALSE to evaluate to boolean true, got %v", v2)
	}
}

func TestEvaluateConditionShortcut(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()

	got, err := e.EvaluateCondition("true", ctx)
	if err != nil || !got {
		t.Errorf("EvaluateCondition(\"true\") = %v, %v; want true, nil", got, err)
	}
	got, err = e.EvaluateCondition("FALSE", ctx)
	if err != nil || got {
		t.Errorf("EvaluateCondition(\"FALSE\") = %v, %v; want false, nil", got, err)
	}

	ctx.cash["IAF"] = 50
	got, err = e.EvaluateCondition("funds.IAF > 0", ctx)
	if err != nil || !got {
		t.Errorf("EvaluateCondition(funds.IAF > 0) = %v, %v; want true, nil", got, err)
	}
}

func TestEvaluateEmptyExpression(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	v, err := e.Evaluate("", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approxEqual(t, v.Num, 0)
}

func TestEvaluateTestsNamespace(t *testing.T) {
	e := NewEngine()
	ctx := newFakeContext()
	ctx.failed["OCTest"] = true

	v, err := e.Evaluate("tests.OCTest.failed", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != KindBool || !v.Bool {
		t.Errorf("expected tests.OCTest.failed to be true, got %v", v)
	}
}

package deal

import (
	"strings"
	"testing"
)

func sampleSpec() map[string]any {
	return map[string]any{
		"meta": map[string]any{"deal_id": "TEST_2024"},
		"dates": map[string]any{"cutoff": "2024-01-01"},
		"funds": []any{
			map[string]any{"id": "IAF", "description": "Interest Available Fund"},
			map[string]any{"id": "PAF", "description": "Principal Available Fund"},
		},
		"accounts": []any{},
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
		"variables": map[string]any{
			"ExcessSpread": "funds.IAF - 100",
		},
		"tests": []any{},
		"collateral": map[string]any{
			"original_balance": 1250000.0,
			"current_balance":  1250000.0,
			"wac":              0.06,
			"wam":              360.0,
		},
		"waterfalls": map[string]any{
			"interest": map[string]any{
				"steps": []any{
					map[string]any{"id": "I1", "action": "PAY_BOND_INTEREST", "from_fund": "IAF", "group": "A", "amount_rule": "ALL"},
				},
			},
			"principal": map[string]any{
				"steps": []any{
					map[string]any{"id": "P1", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF", "group": "A", "amount_rule": "ALL"},
					map[string]any{"id": "P2", "action": "PAY_BOND_PRINCIPAL", "from_fund": "PAF", "group": "B", "amount_rule": "REMAINING"},
				},
			},
			"loss_allocation": map[string]any{
				"write_down_order": []any{"B", "A"},
			},
		},
		"options": map[string]any{},
	}
}

func TestLoadValidSpec(t *testing.T) {
	def, err := Load(sampleSpec())
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if def.DealID() != "TEST_2024" {
		t.Errorf("DealID() = %q, want TEST_2024", def.DealID())
	}
	if len(def.Bonds) != 2 {
		t.Errorf("len(Bonds) = %d, want 2", len(def.Bonds))
	}
	bondA, ok := def.GetBond("A")
	if !ok {
		t.Fatal("expected bond A to be present")
	}
	if bondA.CouponType != CouponFixed {
		t.Errorf("bondA.CouponType = %v, want FIXED", bondA.CouponType)
	}
	if bondA.FixedRate == nil || *bondA.FixedRate != 0.05 {
		t.Errorf("bondA.FixedRate = %v, want 0.05", bondA.FixedRate)
	}
	if len(def.Waterfalls.Interest.Steps) != 1 {
		t.Errorf("len(Interest.Steps) = %d, want 1", len(def.Waterfalls.Interest.Steps))
	}
	if len(def.Waterfalls.LossAllocation.WriteDownOrder) != 2 {
		t.Errorf("len(WriteDownOrder) = %d, want 2", len(def.Waterfalls.LossAllocation.WriteDownOrder))
	}
}

func TestLoadIdempotent(t *testing.T) {
	spec := sampleSpec()
	first, err := Load(spec)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	second, err := Load(spec)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if len(first.Bonds) != len(second.Bonds) || len(first.Funds) != len(second.Funds) {
		t.Error("loading the same spec twice produced different shapes")
	}
}

func TestLoadMissingMeta(t *testing.T) {
	spec := sampleSpec()
	delete(spec, "meta")
	_, err := Load(spec)
	if err == nil {
		t.Fatal("expected SchemaViolationError for missing meta")
	}
	var sve *SchemaViolationError
	if !isSchemaViolation(err, &sve) {
		t.Errorf("error = %v, want *SchemaViolationError", err)
	}
}

func TestLoadUnknownCouponKind(t *testing.T) {
	spec := sampleSpec()
	bonds, _ := asSlice(spec["bonds"])
	bond0, _ := asMap(bonds[0])
	coupon, _ := asMap(bond0["coupon"])
	coupon["kind"] = "BOGUS"

	_, err := Load(spec)
	if err == nil || !strings.Contains(err.Error(), "unknown coupon kind") {
		t.Fatalf("expected unknown coupon kind error, got %v", err)
	}
}

func TestLoadBrokenReference(t *testing.T) {
	spec := sampleSpec()
	interest, _ := asMap(spec["waterfalls"].(map[string]any)["interest"])
	steps, _ := asSlice(interest["steps"])
	step0, _ := asMap(steps[0])
	step0["from_fund"] = "DOES_NOT_EXIST"

	_, err := Load(spec)
	if err == nil {
		t.Fatal("expected LogicIntegrityError for unresolved from_fund")
	}
	var lie *LogicIntegrityError
	if !isLogicIntegrity(err, &lie) {
		t.Errorf("error = %v, want *LogicIntegrityError", err)
	}
}

func TestLoadVariableCapRefMustResolve(t *testing.T) {
	spec := sampleSpec()
	bonds, _ := asSlice(spec["bonds"])
	bond0, _ := asMap(bonds[0])
	coupon, _ := asMap(bond0["coupon"])
	coupon["variable_cap"] = "Unknown"

	_, err := Load(spec)
	if err == nil || !strings.Contains(err.Error(), "Unknown") {
		t.Fatalf("expected variable cap reference error, got %v", err)
	}
}

func TestLoadJSONPreservesVariableDeclarationOrder(t *testing.T) {
	raw := []byte(`{
		"meta": {"deal_id": "TEST_2024"},
		"funds": [
			{"id": "IAF", "description": "Interest Available Fund"},
			{"id": "PAF", "description": "Principal Available Fund"}
		],
		"accounts": [],
		"bonds": [
			{
				"id": "A", "type": "NOTE", "original_balance": 1000000.0,
				"coupon": {"kind": "FIXED", "fixed_rate": 0.05},
				"priority": {"interest": 1, "principal": 1}
			}
		],
		"variables": {
			"ZSpread": "funds.IAF - 100",
			"ExcessSpread": "variables.ZSpread + 1",
			"AvgLife": "0"
		},
		"tests": [],
		"collateral": {
			"original_balance": 1000000.0,
			"current_balance": 1000000.0,
			"wac": 0.06,
			"wam": 360.0
		},
		"waterfalls": {
			"interest": {"steps": []},
			"principal": {"steps": []},
			"loss_allocation": {"write_down_order": []}
		},
		"options": {}
	}`)

	def, err := LoadJSON(raw)
	if err != nil {
		t.Fatalf("LoadJSON returned unexpected error: %v", err)
	}

	want := []string{"ZSpread", "ExcessSpread", "AvgLife"}
	if len(def.VariableOrder) != len(want) {
		t.Fatalf("VariableOrder = %v, want %v", def.VariableOrder, want)
	}
	for i, name := range want {
		if def.VariableOrder[i] != name {
			t.Errorf("VariableOrder[%d] = %q, want %q (VariableOrder = %v)", i, def.VariableOrder[i], name, def.VariableOrder)
		}
	}
}

func TestLoadFallsBackToAlphabeticalVariableOrder(t *testing.T) {
	spec := sampleSpec()
	spec["variables"] = map[string]any{
		"ZSpread":      "1",
		"ExcessSpread": "2",
		"AvgLife":      "3",
	}

	// Load only ever sees an already-decoded map[string]any, which carries
	// no key order, so it falls back to alphabetical rather than claiming
	// an order it cannot actually recover.
	def, err := Load(spec)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	want := []string{"AvgLife", "ExcessSpread", "ZSpread"}
	if len(def.VariableOrder) != len(want) {
		t.Fatalf("VariableOrder = %v, want %v", def.VariableOrder, want)
	}
	for i, name := range want {
		if def.VariableOrder[i] != name {
			t.Errorf("VariableOrder[%d] = %q, want %q", i, def.VariableOrder[i], name)
		}
	}
}

func isSchemaViolation(err error, target **SchemaViolationError) bool {
	sve, ok := err.(*SchemaViolationError)
	if ok {
		*target = sve
	}
	return ok
}

func isLogicIntegrity(err error, target **LogicIntegrityError) bool {
	lie, ok := err.(*LogicIntegrityError)
	if ok {
		*target = lie
	}
	return ok
}

package deal

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// SchemaValidator checks a raw spec payload against a configured JSON
// schema. Left nil, syntactic validation is skipped (with a log warning),
// matching the original loader's behavior when no schema_path is given.
type SchemaValidator interface {
	Validate(spec map[string]any) error
}

// Loader parses a declarative deal spec into an immutable DealDefinition.
// The zero value is ready to use; Schema and Logger are optional.
type Loader struct {
	Schema SchemaValidator
	Logger *slog.Logger
}

// NewLoader builds a Loader with the given optional schema validator. Pass
// nil to skip syntactic validation entirely.
func NewLoader(schema SchemaValidator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Schema: schema, Logger: logger}
}

// Load parses spec into a DealDefinition, running syntactic validation,
// hydration, and semantic validation in that order.
func Load(spec map[string]any) (*DealDefinition, error) {
	return NewLoader(nil, nil).Load(spec)
}

// Load runs the loader's three phases against an already-decoded spec. Since
// a map[string]any carries no key order, variables are evaluated in
// alphabetical order as a fallback — callers that hold the original JSON
// text should use LoadJSON instead to preserve declaration order.
func (l *Loader) Load(spec map[string]any) (*DealDefinition, error) {
	return l.load(spec, nil)
}

// LoadJSON parses raw deal-spec JSON bytes into a DealDefinition. It runs
// the same three phases as Load, but first recovers the "variables"
// object's declaration order from the raw bytes, before map[string]any
// decoding would discard it, matching the original's Python dict iteration
// order (_examples/original_source/rmbs_platform/engine/waterfall.py).
func LoadJSON(raw []byte) (*DealDefinition, error) {
	return NewLoader(nil, nil).LoadJSON(raw)
}

// LoadJSON is the raw-bytes counterpart of Load; see the package-level
// LoadJSON for the declaration-order rationale.
func (l *Loader) LoadJSON(raw []byte) (*DealDefinition, error) {
	var spec map[string]any
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, newSchemaViolation("", "invalid JSON: %s", err)
	}
	variableOrder, err := variableOrderFromJSON(raw)
	if err != nil {
		return nil, newSchemaViolation("variables", "%s", err)
	}
	return l.load(spec, variableOrder)
}

func (l *Loader) load(spec map[string]any, variableOrder []string) (*DealDefinition, error) {
	dealID := "Unknown"
	if meta, ok := asMap(spec["meta"]); ok {
		if id, ok := asString(meta["deal_id"]); ok {
			dealID = id
		}
	}
	l.Logger.Info("loading deal", slog.String("deal_id", dealID))

	if err := l.validateSyntax(spec); err != nil {
		return nil, err
	}

	def, err := l.hydrate(spec, variableOrder)
	if err != nil {
		return nil, err
	}

	if err := l.validateSemantics(def, spec); err != nil {
		return nil, err
	}

	l.Logger.Info("deal loaded and validated successfully", slog.String("deal_id", dealID))
	return def, nil
}

func (l *Loader) validateSyntax(spec map[string]any) error {
	if l.Schema == nil {
		l.Logger.Warn("no JSON schema provided, skipping syntactic validation")
		return nil
	}
	if err := l.Schema.Validate(spec); err != nil {
		l.Logger.Error("schema validation failed", slog.String("error", err.Error()))
		return newSchemaViolation("", "invalid JSON structure: %s", err)
	}
	return nil
}

func (l *Loader) hydrate(spec map[string]any, variableOrder []string) (*DealDefinition, error) {
	meta, ok := asMap(spec["meta"])
	if !ok {
		return nil, newSchemaViolation("meta", "missing required field: meta")
	}
	waterfallsRaw, ok := asMap(spec["waterfalls"])
	if !ok {
		return nil, newSchemaViolation("waterfalls", "missing required field: waterfalls")
	}

	dates, _ := asMap(spec["dates"])

	funds, err := hydrateFunds(spec["funds"])
	if err != nil {
		return nil, err
	}
	accounts, err := hydrateAccounts(spec["accounts"])
	if err != nil {
		return nil, err
	}
	bonds, bondOrder, err := hydrateBonds(spec["bonds"])
	if err != nil {
		return nil, err
	}

	variables, resolvedVariableOrder := hydrateVariables(spec["variables"], variableOrder)
	tests, err := hydrateTests(spec["tests"])
	if err != nil {
		return nil, err
	}

	collateralRaw, _ := asMap(spec["collateral"])
	collateral := NormalizeCollateral(collateralRaw)

	waterfalls, err := hydrateWaterfalls(waterfallsRaw)
	if err != nil {
		return nil, err
	}

	options := hydrateOptions(spec["options"])

	return &DealDefinition{
		Meta:          meta,
		Dates:         dates,
		Bonds:         bonds,
		BondOrder:     bondOrder,
		Funds:         funds,
		Accounts:      accounts,
		Variables:     variables,
		VariableOrder: resolvedVariableOrder,
		Tests:         tests,
		Collateral:    collateral,
		Waterfalls:    waterfalls,
		Options:       options,
	}, nil
}

func hydrateFunds(raw any) (map[string]*Fund, error) {
	out := map[string]*Fund{}
	items, _ := asSlice(raw)
	for _, item := range items {
		f, ok := asMap(item)
		if !ok {
			return nil, newSchemaViolation("funds", "fund entry is not an object")
		}
		id, ok := asString(f["id"])
		if !ok || id == "" {
			return nil, newSchemaViolation("funds", "missing required field: id")
		}
		desc, _ := asString(f["description"])
		out[id] = &Fund{ID: id, Description: desc}
	}
	return out, nil
}

func hydrateAccounts(raw any) (map[string]*Account, error) {
	out := map[string]*Account{}
	items, _ := asSlice(raw)
	for _, item := range items {
		a, ok := asMap(item)
		if !ok {
			return nil, newSchemaViolation("accounts", "account entry is not an object")
		}
		id, ok := asString(a["id"])
		if !ok || id == "" {
			return nil, newSchemaViolation("accounts", "missing required field: id")
		}
		typ, _ := asString(a["type"])
		out[id] = &Account{ID: id, Type: typ}
	}
	return out, nil
}

func hydrateBonds(raw any) (map[string]*Bond, []string, error) {
	out := map[string]*Bond{}
	var order []string
	items, _ := asSlice(raw)
	for _, item := range items {
		b, ok := asMap(item)
		if !ok {
			return nil, nil, newSchemaViolation("bonds", "bond entry is not an object")
		}
		id, ok := asString(b["id"])
		if !ok || id == "" {
			return nil, nil, newSchemaViolation("bonds", "missing required field: bond.id")
		}
		path := fmt.Sprintf("bonds[%s]", id)

		typ, _ := asString(b["type"])

		origBal, ok := asFloat(b["original_balance"])
		if !ok {
			return nil, nil, newSchemaViolation(path, "missing required field: original_balance")
		}

		coupon, ok := asMap(b["coupon"])
		if !ok {
			return nil, nil, newSchemaViolation(path, "missing required field: coupon.kind")
		}
		kindStr, ok := asString(coupon["kind"])
		if !ok || kindStr == "" {
			return nil, nil, newSchemaViolation(path, "missing required field: coupon.kind")
		}
		couponType, ok := parseCouponType(kindStr)
		if !ok {
			return nil, nil, newSchemaViolation(path, "unknown coupon kind: %s", kindStr)
		}

		priority, ok := asMap(b["priority"])
		if !ok {
			return nil, nil, newSchemaViolation(path, "missing required field: priority.interest/principal")
		}
		priInterest, ok := asFloat(priority["interest"])
		if !ok {
			return nil, nil, newSchemaViolation(path, "missing required field: priority.interest")
		}
		priPrincipal, ok := asFloat(priority["principal"])
		if !ok {
			return nil, nil, newSchemaViolation(path, "missing required field: priority.principal")
		}

		interestRules, _ := asMap(b["interest_rules"])
		if interestRules == nil {
			interestRules = map[string]any{}
		}

		var fixedRate *float64
		if fr, ok := asFloat(coupon["fixed_rate"]); ok {
			fixedRate = &fr
		}
		variableCapRef, _ := asString(coupon["variable_cap"])

		out[id] = &Bond{
			ID:                id,
			Type:              typ,
			OriginalBalance:   origBal,
			CouponType:        couponType,
			PriorityInterest:  int(priInterest),
			PriorityPrincipal: int(priPrincipal),
			FixedRate:         fixedRate,
			VariableCapRef:    variableCapRef,
			InterestRules:     interestRules,
		}
		order = append(order, id)
	}
	return out, order, nil
}

// hydrateVariables builds the name->rule map and its evaluation order.
// declaredOrder, when non-empty, is the "variables" object's key order as
// recovered from the original JSON text by LoadJSON; Load (which only ever
// sees an already-decoded map[string]any) passes nil and falls back to
// alphabetical, since a Go map carries no order to recover in the first
// place.
func hydrateVariables(raw any, declaredOrder []string) (map[string]string, []string) {
	out := map[string]string{}
	m, _ := asMap(raw)
	for k, v := range m {
		if s, ok := asString(v); ok {
			out[k] = s
		}
	}
	if order := reconcileVariableOrder(out, declaredOrder); order != nil {
		return out, order
	}
	return out, mapKeysSorted(m)
}

func hydrateTests(raw any) ([]TestSpec, error) {
	var out []TestSpec
	items, _ := asSlice(raw)
	for _, item := range items {
		t, ok := asMap(item)
		if !ok {
			return nil, newSchemaViolation("tests", "test entry is not an object")
		}
		id, _ := asString(t["id"])

		calc, _ := asMap(t["calc"])
		valueRule, _ := asString(calc["value_rule"])

		threshold, _ := asMap(t["threshold"])
		thresholdRule, _ := asString(threshold["rule"])

		passIfStr, _ := asString(t["pass_if"])
		if passIfStr == "" {
			passIfStr = string(ValueLTThreshold)
		}
		passIf, ok := parsePassIf(passIfStr)
		if !ok {
			return nil, newSchemaViolation(fmt.Sprintf("tests[%s]", id), "unknown pass_if operator: %s", passIfStr)
		}

		var effects []TestEffect
		effectsRaw, _ := asSlice(t["effects"])
		for _, e := range effectsRaw {
			em, ok := asMap(e)
			if !ok {
				continue
			}
			if flag, ok := asString(em["set_flag"]); ok {
				effects = append(effects, TestEffect{SetFlag: flag})
			}
		}

		out = append(out, TestSpec{
			ID:            id,
			ValueRule:     valueRule,
			ThresholdRule: thresholdRule,
			PassIf:        passIf,
			Effects:       effects,
		})
	}
	return out, nil
}

func hydrateWaterfalls(raw map[string]any) (Waterfalls, error) {
	interest, err := hydrateWaterfall(raw["interest"], "interest")
	if err != nil {
		return Waterfalls{}, err
	}
	principal, err := hydrateWaterfall(raw["principal"], "principal")
	if err != nil {
		return Waterfalls{}, err
	}

	var writeDownOrder []string
	if la, ok := asMap(raw["loss_allocation"]); ok {
		if order, ok := asSlice(la["write_down_order"]); ok {
			for _, v := range order {
				if s, ok := asString(v); ok {
					writeDownOrder = append(writeDownOrder, s)
				}
			}
		}
	}

	return Waterfalls{
		Interest:       interest,
		Principal:      principal,
		LossAllocation: LossAllocation{WriteDownOrder: writeDownOrder},
	}, nil
}

func hydrateWaterfall(raw any, name string) (Waterfall, error) {
	wf, ok := asMap(raw)
	if !ok {
		return Waterfall{}, nil
	}
	stepsRaw, ok := asSlice(wf["steps"])
	if !ok {
		return Waterfall{}, nil
	}
	var steps []WaterfallStep
	for idx, s := range stepsRaw {
		sm, ok := asMap(s)
		if !ok {
			return Waterfall{}, newSchemaViolation(fmt.Sprintf("waterfalls.%s.steps[%d]", name, idx), "step entry is not an object")
		}
		id, _ := asString(sm["id"])
		actionStr, _ := asString(sm["action"])
		action, ok := parseStepAction(actionStr)
		if !ok {
			return Waterfall{}, newSchemaViolation(fmt.Sprintf("waterfalls.%s.steps[%d] (id: %s)", name, idx, id), "unknown action: %s", actionStr)
		}
		fromFund, _ := asString(sm["from_fund"])
		to, _ := asString(sm["to"])
		group, _ := asString(sm["group"])
		condition, hasCond := asString(sm["condition"])
		if !hasCond {
			condition = "true"
		}
		amountRule, _ := asString(sm["amount_rule"])
		unpaidLedgerID, _ := asString(sm["unpaid_ledger_id"])

		steps = append(steps, WaterfallStep{
			ID:             id,
			Action:         action,
			FromFund:       fromFund,
			To:             to,
			Group:          group,
			Condition:      condition,
			AmountRule:     amountRule,
			UnpaidLedgerID: unpaidLedgerID,
		})
	}
	return Waterfall{Steps: steps}, nil
}

func hydrateOptions(raw any) Options {
	opts, _ := asMap(raw)
	cc, _ := asMap(opts["cleanup_call"])
	enabled, _ := asBool(cc["enabled"])
	thresholdRule, _ := asString(cc["threshold_rule"])
	return Options{CleanupCall: CleanupCall{Enabled: enabled, ThresholdRule: thresholdRule}}
}

func (l *Loader) validateSemantics(def *DealDefinition, rawSpec map[string]any) error {
	var errs []string

	validVariables := make(map[string]struct{}, len(def.Variables))
	for name := range def.Variables {
		validVariables[name] = struct{}{}
	}

	for _, bondID := range def.BondOrder {
		bond := def.Bonds[bondID]
		if bond.VariableCapRef == "" {
			continue
		}
		if _, ok := validVariables[bond.VariableCapRef]; !ok {
			errs = append(errs, fmt.Sprintf("bond '%s' references undefined variable cap '%s'", bond.ID, bond.VariableCapRef))
		}
	}

	waterfallsRaw, _ := asMap(rawSpec["waterfalls"])
	for _, wfName := range mapKeysSorted(waterfallsRaw) {
		wfData, ok := asMap(waterfallsRaw[wfName])
		if !ok {
			continue
		}
		steps, ok := asSlice(wfData["steps"])
		if !ok {
			continue
		}
		for idx, s := range steps {
			sm, ok := asMap(s)
			if !ok {
				continue
			}
			id, _ := asString(sm["id"])
			ref := fmt.Sprintf("%s.Step[%d] (ID: %s)", wfName, idx+1, id)

			src, _ := asString(sm["from_fund"])
			if src != "" && !def.IsCashBucket(src) {
				errs = append(errs, fmt.Sprintf("%s: source '%s' is not a valid fund or account", ref, src))
			}

			action, _ := asString(sm["action"])
			to, hasTo := asString(sm["to"])
			if action == string(TransferFund) && hasTo && to != "" && !def.IsCashBucket(to) {
				errs = append(errs, fmt.Sprintf("%s: transfer target '%s' is not a valid fund or account", ref, to))
			}
		}
	}

	if len(errs) > 0 {
		l.Logger.Error("semantic validation failed", slog.Any("errors", errs))
		return &LogicIntegrityError{Errors: errs}
	}
	return nil
}

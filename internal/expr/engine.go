package expr

import (
	"math"
	"strings"
)

// BondView is an immutable snapshot of a bond's four evaluation-time
// numbers, mirroring the original's BondWrapper.
type BondView struct {
	Balance   float64
	Factor    float64
	Shortfall float64
	Original  float64
}

// Context supplies the structured accessors an expression may reference.
// DealState implements this interface; the engine never mutates it.
type Context interface {
	CashBucket(id string) (float64, bool)
	Bond(id string) (BondView, bool)
	Ledger(id string) (float64, bool)
	Collateral(attr string) (any, bool)
	Variable(name string) (any, bool)
	TestFailed(id string) bool
}

// Engine evaluates rule strings against a Context. It is stateless and safe
// to share across concurrent simulations.
type Engine struct{}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate parses and evaluates expression against ctx. An empty or nil
// expression evaluates to the number 0, matching the original's shortcut.
func (e *Engine) Evaluate(expression string, ctx Context) (Value, error) {
	if expression == "" {
		return Number(0), nil
	}
	ast, err := parse(expression)
	if err != nil {
		return Value{}, calculationError(err)
	}
	return eval(ast, ctx)
}

// EvaluateCondition evaluates a condition used to gate waterfall steps.
// Literal "true"/"false" (any case) short-circuit without evaluation;
// otherwise the computed value's truthiness is returned.
func (e *Engine) EvaluateCondition(rule string, ctx Context) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	v, err := e.Evaluate(rule, ctx)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func eval(n node, ctx Context) (Value, error) {
	switch t := n.(type) {
	case numberLit:
		return Number(t.value), nil
	case stringLit:
		return Text(t.value), nil
	case boolLit:
		return Bool(t.value), nil
	case pathExpr:
		return evalPath(t, ctx)
	case callExpr:
		return evalCall(t, ctx)
	case unaryExpr:
		return evalUnary(t, ctx)
	case binaryExpr:
		return evalBinary(t, ctx)
	default:
		return Value{}, calculationErrorf("unsupported expression node %T", n)
	}
}

// evalPath resolves a dotted or bare identifier chain against the
// namespaces exposed to rules: funds./accounts., bonds., ledgers.,
// collateral., variables., tests., or a bare identifier checked against
// variables, then cash buckets, then an unknown-variable error.
func evalPath(p pathExpr, ctx Context) (Value, error) {
	if len(p.segments) == 1 {
		name := p.segments[0]
		if v, ok := ctx.Variable(name); ok {
			return fromAny(v), nil
		}
		if v, ok := ctx.CashBucket(name); ok {
			return Number(v), nil
		}
		return Value{}, unknownVariableError(name)
	}

	ns := p.segments[0]
	rest := p.segments[1:]

	switch ns {
	case "funds", "accounts":
		v, _ := ctx.CashBucket(rest[0])
		return Number(v), nil
	case "ledgers":
		v, _ := ctx.Ledger(rest[0])
		return Number(v), nil
	case "collateral":
		v, ok := ctx.Collateral(rest[0])
		if !ok {
			return Number(0), nil
		}
		return fromAny(v), nil
	case "variables":
		v, ok := ctx.Variable(rest[0])
		if !ok {
			return Number(0), nil
		}
		return fromAny(v), nil
	case "bonds":
		if len(rest) < 2 {
			return Value{}, calculationErrorf("bonds.%s requires an attribute (balance, factor, shortfall, original)", rest[0])
		}
		bond, ok := ctx.Bond(rest[0])
		if !ok {
			return Number(0), nil
		}
		switch rest[1] {
		case "balance":
			return Number(bond.Balance), nil
		case "factor":
			return Number(bond.Factor), nil
		case "shortfall":
			return Number(bond.Shortfall), nil
		case "original":
			return Number(bond.Original), nil
		default:
			return Value{}, calculationErrorf("unknown bond attribute: %s", rest[1])
		}
	case "tests":
		if len(rest) < 2 || rest[1] != "failed" {
			return Value{}, calculationErrorf("tests.%s requires .failed", rest[0])
		}
		return Bool(ctx.TestFailed(rest[0])), nil
	default:
		return Value{}, unknownVariableError(strings.Join(p.segments, "."))
	}
}

func fromAny(v any) Value {
	switch t := v.(type) {
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	default:
		return Number(0)
	}
}

func evalUnary(u unaryExpr, ctx Context) (Value, error) {
	v, err := eval(u.arg, ctx)
	if err != nil {
		return Value{}, err
	}
	switch u.op {
	case tokMinus:
		n, err := v.AsFloat()
		if err != nil {
			return Value{}, calculationError(err)
		}
		return Number(-n), nil
	case tokNot:
		return Bool(!v.Truthy()), nil
	default:
		return Value{}, calculationErrorf("unsupported unary operator")
	}
}

func evalBinary(b binaryExpr, ctx Context) (Value, error) {
	if b.op == tokAnd {
		left, err := eval(b.left, ctx)
		if err != nil {
			return Value{}, err
		}
		if !left.Truthy() {
			return left, nil
		}
		return eval(b.right, ctx)
	}
	if b.op == tokOr {
		left, err := eval(b.left, ctx)
		if err != nil {
			return Value{}, err
		}
		if left.Truthy() {
			return left, nil
		}
		return eval(b.right, ctx)
	}

	left, err := eval(b.left, ctx)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(b.right, ctx)
	if err != nil {
		return Value{}, err
	}

	switch b.op {
	case tokEQ:
		return Bool(valuesEqual(left, right)), nil
	case tokNEQ:
		return Bool(!valuesEqual(left, right)), nil
	}

	ln, lerr := left.AsFloat()
	rn, rerr := right.AsFloat()
	if lerr != nil || rerr != nil {
		return Value{}, calculationErrorf("non-numeric operand in comparison/arithmetic")
	}

	switch b.op {
	case tokPlus:
		return Number(ln + rn), nil
	case tokMinus:
		return Number(ln - rn), nil
	case tokStar:
		return Number(ln * rn), nil
	case tokSlash:
		if rn == 0 {
			return Value{}, calculationErrorf("division by zero")
		}
		return Number(ln / rn), nil
	case tokLT:
		return Bool(ln < rn), nil
	case tokLTE:
		return Bool(ln <= rn), nil
	case tokGT:
		return Bool(ln > rn), nil
	case tokGTE:
		return Bool(ln >= rn), nil
	default:
		return Value{}, calculationErrorf("unsupported binary operator")
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind == KindText || b.Kind == KindText {
		return a.Kind == b.Kind && a.Text == b.Text
	}
	an, _ := a.AsFloat()
	bn, _ := b.AsFloat()
	return an == bn
}

func evalCall(c callExpr, ctx Context) (Value, error) {
	args := make([]float64, len(c.args))
	for i, a := range c.args {
		v, err := eval(a, ctx)
		if err != nil {
			return Value{}, err
		}
		n, err := v.AsFloat()
		if err != nil {
			return Value{}, calculationError(err)
		}
		args[i] = n
	}

	switch c.name {
	case "MIN":
		if len(args) == 0 {
			return Value{}, calculationErrorf("MIN requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a < m {
				m = a
			}
		}
		return Number(m), nil
	case "MAX":
		if len(args) == 0 {
			return Value{}, calculationErrorf("MAX requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a > m {
				m = a
			}
		}
		return Number(m), nil
	case "ABS":
		if len(args) != 1 {
			return Value{}, calculationErrorf("ABS requires exactly one argument")
		}
		return Number(math.Abs(args[0])), nil
	case "ROUND":
		if len(args) < 1 || len(args) > 2 {
			return Value{}, calculationErrorf("ROUND requires one or two arguments")
		}
		digits := 0.0
		if len(args) == 2 {
			digits = args[1]
		}
		factor := math.Pow(10, digits)
		return Number(math.Round(args[0]*factor) / factor), nil
	case "SUM":
		s := 0.0
		for _, a := range args {
			s += a
		}
		return Number(s), nil
	case "FLOOR":
		if len(args) != 1 {
			return Value{}, calculationErrorf("FLOOR requires exactly one argument")
		}
		return Number(math.Floor(args[0])), nil
	case "CEIL":
		if len(args) != 1 {
			return Value{}, calculationErrorf("CEIL requires exactly one argument")
		}
		return Number(math.Ceil(args[0])), nil
	default:
		return Value{}, unknownVariableError(c.name)
	}
}

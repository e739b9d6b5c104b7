package deal

// CouponType enumerates the coupon kinds a Bond may carry.
type CouponType string

const (
	CouponFixed    CouponType = "FIXED"
	CouponFloat    CouponType = "FLOAT"
	CouponWAC      CouponType = "WAC"
	CouponVariable CouponType = "VARIABLE"
)

func parseCouponType(s string) (CouponType, bool) {
	switch CouponType(s) {
	case CouponFixed, CouponFloat, CouponWAC, CouponVariable:
		return CouponType(s), true
	default:
		return "", false
	}
}

// PassIfOperator enumerates the comparison a TestSpec uses to decide pass/fail.
type PassIfOperator string

const (
	ValueLTThreshold  PassIfOperator = "VALUE_LT_THRESHOLD"
	ValueLEQThreshold PassIfOperator = "VALUE_LEQ_THRESHOLD"
	ValueGTThreshold  PassIfOperator = "VALUE_GT_THRESHOLD"
	ValueGEQThreshold PassIfOperator = "VALUE_GEQ_THRESHOLD"
)

func parsePassIf(s string) (PassIfOperator, bool) {
	switch PassIfOperator(s) {
	case ValueLTThreshold, ValueLEQThreshold, ValueGTThreshold, ValueGEQThreshold:
		return PassIfOperator(s), true
	default:
		return "", false
	}
}

// StepAction enumerates the waterfall step actions.
type StepAction string

const (
	PayBondInterest  StepAction = "PAY_BOND_INTEREST"
	PayBondPrincipal StepAction = "PAY_BOND_PRINCIPAL"
	TransferFund     StepAction = "TRANSFER_FUND"
	PayFee           StepAction = "PAY_FEE"
)

func parseStepAction(s string) (StepAction, bool) {
	switch StepAction(s) {
	case PayBondInterest, PayBondPrincipal, TransferFund, PayFee:
		return StepAction(s), true
	default:
		return "", false
	}
}

// Bond is an immutable tranche definition.
type Bond struct {
	ID               string
	Type             string
	OriginalBalance  float64
	CouponType       CouponType
	PriorityInterest int
	PriorityPrincipal int
	FixedRate        *float64
	VariableCapRef   string
	InterestRules    map[string]any
}

// Fund is a named cash register with a description.
type Fund struct {
	ID          string
	Description string
}

// Account is a named cash register with a type tag.
type Account struct {
	ID   string
	Type string
}

// TestEffect fires when its owning test fails.
type TestEffect struct {
	SetFlag string
}

// TestSpec is one ordered trigger evaluated every period.
type TestSpec struct {
	ID            string
	ValueRule     string
	ThresholdRule string
	PassIf        PassIfOperator
	Effects       []TestEffect
}

// WaterfallStep is one ordered action within an interest or principal waterfall.
type WaterfallStep struct {
	ID             string
	Action         StepAction
	FromFund       string
	To             string
	Group          string
	Condition      string
	AmountRule     string
	UnpaidLedgerID string
}

// Waterfall is an ordered list of steps.
type Waterfall struct {
	Steps []WaterfallStep
}

// LossAllocation names the ordered bond write-down sequence.
type LossAllocation struct {
	WriteDownOrder []string
}

// Waterfalls bundles the three ordered step sequences a deal runs per period.
type Waterfalls struct {
	Interest       Waterfall
	Principal      Waterfall
	LossAllocation LossAllocation
}

// CleanupCall configures optional early termination.
type CleanupCall struct {
	Enabled       bool
	ThresholdRule string
}

// Options holds deal-level switches outside the core payment logic.
type Options struct {
	CleanupCall CleanupCall
}

// Collateral is the pool description attached to a deal. It is carried as a
// loosely typed map because loan-level payloads and ML configuration blocks
// vary in shape; NormalizeCollateral (collateral.go) enforces the
// invariants the loader and driver depend on.
type Collateral map[string]any

// DealDefinition is the immutable, typed model produced by Load. Nothing in
// the engine mutates it after construction.
type DealDefinition struct {
	Meta       map[string]any
	Dates      map[string]any
	Bonds      map[string]*Bond
	BondOrder  []string
	Funds      map[string]*Fund
	Accounts   map[string]*Account
	Variables     map[string]string
	VariableOrder []string
	Tests      []TestSpec
	Collateral Collateral
	Waterfalls Waterfalls
	Options    Options
}

// GetBond looks up a bond by id.
func (d *DealDefinition) GetBond(id string) (*Bond, bool) {
	b, ok := d.Bonds[id]
	return b, ok
}

// DealID returns meta.deal_id, or "" when absent.
func (d *DealDefinition) DealID() string {
	if v, ok := d.Meta["deal_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsCashBucket reports whether id names a fund or an account.
func (d *DealDefinition) IsCashBucket(id string) bool {
	if _, ok := d.Funds[id]; ok {
		return true
	}
	_, ok := d.Accounts[id]
	return ok
}

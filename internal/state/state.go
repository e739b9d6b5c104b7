package state

import (
	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
	"github.com/jiangshenghai57/rmbs-engine/internal/expr"
)

// withdrawTolerance absorbs float rounding on withdrawals (I1, §9).
const withdrawTolerance = 1e-5

// BondState is the mutable per-period record of one tranche.
type BondState struct {
	OriginalBalance   float64
	CurrentBalance    float64
	DeferredBalance   float64
	InterestShortfall float64
}

// Factor is current balance over original balance, 0 when original is 0.
func (b *BondState) Factor() float64 {
	if b.OriginalBalance == 0 {
		return 0
	}
	return b.CurrentBalance / b.OriginalBalance
}

// Snapshot is an immutable record of deal state at the close of one period.
type Snapshot struct {
	Date         string
	Period       int
	Funds        map[string]float64
	Ledgers      map[string]float64
	BondBalances map[string]float64
	Variables    map[string]any
	Flags        map[string]bool
}

// DealState is the mutable engine state advanced by the WaterfallRunner and
// the simulation driver. A DealState must never be shared across goroutines.
type DealState struct {
	Def          *deal.DealDefinition
	PeriodIndex  int
	CashBalances map[string]float64
	Ledgers      map[string]float64
	Bonds        map[string]*BondState
	Variables    map[string]any
	Flags        map[string]bool
	Collateral   deal.Collateral
	History      []Snapshot
}

// New builds a DealState from a DealDefinition: every fund and account
// becomes a zero-balance cash bucket, every bond a BondState seeded at its
// original balance, CumulativeLoss seeded at 0 (§4.4).
func New(def *deal.DealDefinition) *DealState {
	s := &DealState{
		Def:          def,
		CashBalances: make(map[string]float64, len(def.Funds)+len(def.Accounts)),
		Ledgers:      map[string]float64{"CumulativeLoss": 0},
		Bonds:        make(map[string]*BondState, len(def.Bonds)),
		Variables:    map[string]any{},
		Flags:        map[string]bool{},
		Collateral:   cloneCollateral(def.Collateral),
	}
	for id := range def.Funds {
		s.CashBalances[id] = 0
	}
	for id := range def.Accounts {
		s.CashBalances[id] = 0
	}
	for id, b := range def.Bonds {
		s.Bonds[id] = &BondState{OriginalBalance: b.OriginalBalance, CurrentBalance: b.OriginalBalance}
	}
	return s
}

func cloneCollateral(c deal.Collateral) deal.Collateral {
	out := make(deal.Collateral, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Deposit adds amount to bucket_id. Fails on a negative amount or an unknown
// bucket (I4).
func (s *DealState) Deposit(bucketID string, amount float64) error {
	if amount < 0 {
		return negativeDepositError(bucketID, amount)
	}
	if err := s.ensureBucket(bucketID); err != nil {
		return err
	}
	s.CashBalances[bucketID] += amount
	return nil
}

// Withdraw subtracts amount from bucket_id. Fails if the bucket would drop
// below -1e-5 (I1).
func (s *DealState) Withdraw(bucketID string, amount float64) error {
	if err := s.ensureBucket(bucketID); err != nil {
		return err
	}
	if s.CashBalances[bucketID] < amount-withdrawTolerance {
		return insufficientFundsError(bucketID, amount)
	}
	s.CashBalances[bucketID] -= amount
	return nil
}

// Transfer withdraws from "from" and deposits into "to" atomically (as
// observed by any caller: both buckets must exist and have sufficient
// balance before either mutation is applied).
func (s *DealState) Transfer(from, to string, amount float64) error {
	if err := s.ensureBucket(from); err != nil {
		return err
	}
	if err := s.ensureBucket(to); err != nil {
		return err
	}
	if s.CashBalances[from] < amount-withdrawTolerance {
		return insufficientFundsError(from, amount)
	}
	s.CashBalances[from] -= amount
	s.CashBalances[to] += amount
	return nil
}

// PayPrincipal caps amount at the bond's remaining balance, withdraws the
// capped amount from source_bucket, and reduces the bond balance (never
// below 0). No-op when the bond's balance is already 0 or amount <= 0 (I2, I3).
func (s *DealState) PayPrincipal(bondID string, amount float64, sourceBucket string) error {
	b, ok := s.Bonds[bondID]
	if !ok || b.CurrentBalance <= 0 || amount <= 0 {
		return nil
	}
	payAmount := amount
	if b.CurrentBalance < payAmount {
		payAmount = b.CurrentBalance
	}
	if err := s.Withdraw(sourceBucket, payAmount); err != nil {
		return err
	}
	b.CurrentBalance -= payAmount
	if b.CurrentBalance < 0 {
		b.CurrentBalance = 0
	}
	return nil
}

// SetVariable stores a variable's latest computed value.
func (s *DealState) SetVariable(name string, value any) {
	s.Variables[name] = value
}

// GetVariable returns a variable's value and whether it has been set.
func (s *DealState) GetVariable(name string) (any, bool) {
	v, ok := s.Variables[name]
	return v, ok
}

// SetLedger overwrites a ledger's balance.
func (s *DealState) SetLedger(id string, value float64) {
	s.Ledgers[id] = value
}

// AddToLedger increments a ledger, defaulting the prior value to 0.
func (s *DealState) AddToLedger(id string, delta float64) {
	s.Ledgers[id] += delta
}

// Snapshot increments PeriodIndex and appends an immutable copy of the
// current funds/ledgers/bond balances/variables/flags (I6).
func (s *DealState) Snapshot(dateISO string) {
	s.PeriodIndex++
	bondBalances := make(map[string]float64, len(s.Bonds))
	for id, b := range s.Bonds {
		bondBalances[id] = b.CurrentBalance
	}
	s.History = append(s.History, Snapshot{
		Date:         dateISO,
		Period:       s.PeriodIndex,
		Funds:        cloneFloatMap(s.CashBalances),
		Ledgers:      cloneFloatMap(s.Ledgers),
		BondBalances: bondBalances,
		Variables:    cloneAnyMap(s.Variables),
		Flags:        cloneBoolMap(s.Flags),
	})
}

func (s *DealState) ensureBucket(bucketID string) error {
	if _, ok := s.CashBalances[bucketID]; !ok {
		return unknownBucketError(bucketID)
	}
	return nil
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Context returns an expr.Context view over this state, letting the
// expression engine evaluate rules against it without DealState itself
// having to expose a Collateral *method* that would collide with its
// Collateral field.
func (s *DealState) Context() expr.Context {
	return exprContext{s: s}
}

type exprContext struct{ s *DealState }

var _ expr.Context = exprContext{}

func (c exprContext) CashBucket(id string) (float64, bool) {
	v, ok := c.s.CashBalances[id]
	return v, ok
}

func (c exprContext) Bond(id string) (expr.BondView, bool) {
	b, ok := c.s.Bonds[id]
	if !ok {
		return expr.BondView{}, false
	}
	return expr.BondView{
		Balance:   b.CurrentBalance,
		Factor:    b.Factor(),
		Shortfall: b.InterestShortfall,
		Original:  b.OriginalBalance,
	}, true
}

func (c exprContext) Ledger(id string) (float64, bool) {
	v, ok := c.s.Ledgers[id]
	return v, ok
}

func (c exprContext) Collateral(attr string) (any, bool) {
	v, ok := c.s.Collateral[attr]
	return v, ok
}

func (c exprContext) Variable(name string) (any, bool) {
	v, ok := c.s.Variables[name]
	return v, ok
}

func (c exprContext) TestFailed(id string) bool {
	return c.s.Flags[id]
}

package driver

import (
	"sort"
)

// columnAliases renames legacy/inconsistent servicer tape headers onto the
// canonical column names the rest of the driver expects.
var columnAliases = map[string]string{
	"BondID":         "BondId",
	"LoanID":         "LoanId",
	"EndingBalance":  "EndBalance",
	"Prepayments":    "Prepayment",
	"Recovery":       "Recoveries",
}

// sumColumns are the flow columns that accumulate additively across every
// row contributing to a period, whether loan-level or pool-level.
var sumColumns = []string{
	"InterestCollected", "PrincipalCollected", "RealizedLoss",
	"ScheduledPrincipal", "Prepayment", "ScheduledInterest",
	"ServicerAdvances", "Recoveries", "Defaults",
}

// rateColumns are pool-level attributes where the last row observed for a
// period wins, rather than summing.
var rateColumns = []string{
	"Delinq30", "Delinq60", "Delinq90Plus", "Delinq60Plus",
	"CPR", "CDR", "Severity", "EndBalance", "PoolStatus",
}

// PeriodActual is one period's aggregated servicer-tape activity, combining
// any loan-level and pool-level rows reported for that period.
type PeriodActual struct {
	Period int

	InterestCollected  float64
	PrincipalCollected float64
	RealizedLoss       float64
	ScheduledPrincipal float64
	ScheduledInterest  float64
	Prepayment         float64
	Recoveries         float64
	ServicerAdvances   float64
	Defaults           float64

	Delinq30     float64
	Delinq60     float64
	Delinq90Plus float64
	Delinq60Plus float64
	CPR          float64
	CDR          float64
	Severity     float64
	PoolStatus   string

	EndBalance    float64
	HasEndBalance bool
}

// NormalizeTape implements Phase A of the simulation driver: alias renaming,
// Period coercion, PrincipalCollected derivation, and loan-vs-pool
// aggregation. It returns aggregated actuals keyed by period plus any
// explicit {Period, BondId, BondBalance} rows, used for reconciliation.
func NormalizeTape(rows []map[string]any) (map[int]*PeriodActual, map[int]map[string]float64) {
	actuals := map[int]*PeriodActual{}
	bondBalances := map[int]map[string]float64{}

	for _, raw := range rows {
		row := renameAliases(raw)

		period, ok := periodOf(row)
		if !ok {
			continue
		}

		if bondID, ok := asString(row["BondId"]); ok {
			if balance, ok := asFloat(row["BondBalance"]); ok {
				if bondBalances[period] == nil {
					bondBalances[period] = map[string]float64{}
				}
				bondBalances[period][bondID] = balance
				continue
			}
		}

		derivePrincipalCollected(row)

		pa := actuals[period]
		if pa == nil {
			pa = &PeriodActual{Period: period}
			actuals[period] = pa
		}

		for _, col := range sumColumns {
			if v, ok := asFloat(row[col]); ok {
				addSumColumn(pa, col, v)
			}
		}

		_, isLoanRow := asString(row["LoanId"])
		if !isLoanRow {
			for _, col := range rateColumns {
				applyRateColumn(pa, col, row[col])
			}
		} else if v, ok := asFloat(row["EndBalance"]); ok {
			pa.EndBalance += v
			pa.HasEndBalance = true
		}
	}

	return actuals, bondBalances
}

// SortedPeriods returns the periods present in actuals in ascending order.
func SortedPeriods(actuals map[int]*PeriodActual) []int {
	periods := make([]int, 0, len(actuals))
	for p := range actuals {
		periods = append(periods, p)
	}
	sort.Ints(periods)
	return periods
}

func renameAliases(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if alias, ok := columnAliases[k]; ok {
			out[alias] = v
			continue
		}
		out[k] = v
	}
	return out
}

func periodOf(row map[string]any) (int, bool) {
	v, ok := asFloat(row["Period"])
	if !ok {
		return 0, false
	}
	return int(v), true
}

func derivePrincipalCollected(row map[string]any) {
	if _, ok := row["PrincipalCollected"]; ok {
		return
	}
	sp, _ := asFloat(row["ScheduledPrincipal"])
	pp, _ := asFloat(row["Prepayment"])
	row["PrincipalCollected"] = sp + pp
}

func addSumColumn(pa *PeriodActual, col string, v float64) {
	switch col {
	case "InterestCollected":
		pa.InterestCollected += v
	case "PrincipalCollected":
		pa.PrincipalCollected += v
	case "RealizedLoss":
		pa.RealizedLoss += v
	case "ScheduledPrincipal":
		pa.ScheduledPrincipal += v
	case "Prepayment":
		pa.Prepayment += v
	case "ScheduledInterest":
		pa.ScheduledInterest += v
	case "ServicerAdvances":
		pa.ServicerAdvances += v
	case "Recoveries":
		pa.Recoveries += v
	case "Defaults":
		pa.Defaults += v
	}
}

func applyRateColumn(pa *PeriodActual, col string, v any) {
	switch col {
	case "Delinq30":
		if f, ok := asFloat(v); ok {
			pa.Delinq30 = f
		}
	case "Delinq60":
		if f, ok := asFloat(v); ok {
			pa.Delinq60 = f
		}
	case "Delinq90Plus":
		if f, ok := asFloat(v); ok {
			pa.Delinq90Plus = f
		}
	case "Delinq60Plus":
		if f, ok := asFloat(v); ok {
			pa.Delinq60Plus = f
		}
	case "CPR":
		if f, ok := asFloat(v); ok {
			pa.CPR = f
		}
	case "CDR":
		if f, ok := asFloat(v); ok {
			pa.CDR = f
		}
	case "Severity":
		if f, ok := asFloat(v); ok {
			pa.Severity = f
		}
	case "EndBalance":
		if f, ok := asFloat(v); ok {
			pa.EndBalance = f
			pa.HasEndBalance = true
		}
	case "PoolStatus":
		if s, ok := asString(v); ok {
			pa.PoolStatus = s
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

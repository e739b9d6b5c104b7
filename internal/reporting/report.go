// Package reporting flattens a DealState's snapshot history into the
// tabular cashflow report that run_simulation returns to its caller (§4.7).
package reporting

import (
	"sort"

	"github.com/jiangshenghai57/rmbs-engine/internal/state"
)

// Row is one period's flattened report line. Values holds every
// "Bond.<id>.Balance", "Bond.<id>.Prin_Paid", "Fund.<id>.Balance",
// "Ledger.<id>", and "Var.<name>" column for that period, keyed by column
// name so callers can look values up without re-deriving the schema.
type Row struct {
	Period int
	Date   string
	Values map[string]any
}

// Table is the reporter's output: a period-ordered row sequence plus the
// stable column order used to produce each row's Values (for callers that
// want to render a CSV/spreadsheet rather than index by column name).
type Table struct {
	Columns []string
	Rows    []Row
}

// Generate flattens history into a Table. bondOrder fixes the column order
// for bond-derived columns (declaration order, per DealDefinition.BondOrder);
// fund/ledger/variable columns are sorted for a deterministic, reproducible
// column order since neither funds+accounts nor variables carry a declared
// order in the hydrated definition beyond VariableOrder, which only binds
// evaluation order, not reporting order.
func Generate(history []state.Snapshot, bondOrder []string) Table {
	fundIDs := unionSortedFloatKeys(history, func(s state.Snapshot) map[string]float64 { return s.Funds })
	ledgerIDs := unionSortedFloatKeys(history, func(s state.Snapshot) map[string]float64 { return s.Ledgers })
	varNames := unionSortedAnyKeys(history)

	columns := make([]string, 0, 2+2*len(bondOrder)+len(fundIDs)+len(ledgerIDs)+len(varNames))
	columns = append(columns, "Period", "Date")
	for _, id := range bondOrder {
		columns = append(columns, "Bond."+id+".Balance", "Bond."+id+".Prin_Paid")
	}
	for _, id := range fundIDs {
		columns = append(columns, "Fund."+id+".Balance")
	}
	for _, id := range ledgerIDs {
		columns = append(columns, "Ledger."+id)
	}
	for _, name := range varNames {
		columns = append(columns, "Var."+name)
	}

	rows := make([]Row, 0, len(history))
	priorBalance := make(map[string]float64, len(bondOrder))
	for i, snap := range history {
		values := make(map[string]any, len(columns))
		values["Period"] = snap.Period
		values["Date"] = snap.Date

		for _, id := range bondOrder {
			balance := snap.BondBalances[id]
			values["Bond."+id+".Balance"] = balance
			prinPaid := 0.0
			if i > 0 {
				prinPaid = priorBalance[id] - balance
			}
			values["Bond."+id+".Prin_Paid"] = prinPaid
			priorBalance[id] = balance
		}
		for _, id := range fundIDs {
			values["Fund."+id+".Balance"] = snap.Funds[id]
		}
		for _, id := range ledgerIDs {
			values["Ledger."+id] = snap.Ledgers[id]
		}
		for _, name := range varNames {
			values["Var."+name] = snap.Variables[name]
		}

		rows = append(rows, Row{Period: snap.Period, Date: snap.Date, Values: values})
	}

	return Table{Columns: columns, Rows: rows}
}

func unionSortedFloatKeys(history []state.Snapshot, pick func(state.Snapshot) map[string]float64) []string {
	seen := map[string]struct{}{}
	for _, s := range history {
		for k := range pick(s) {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func unionSortedAnyKeys(history []state.Snapshot) []string {
	seen := map[string]struct{}{}
	for _, s := range history {
		for k := range s.Variables {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(seen map[string]struct{}) []string {
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Command amortization is the CLI front door: it loads a deal definition,
// a collateral payload, and an optional servicer performance tape from local
// JSON files, runs the simulation driver, and prints the resulting report
// and reconciliation to stdout. It is kept from the teacher's single-loan
// amortization CLI, generalized from one SMM array to a full deal run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
	"github.com/jiangshenghai57/rmbs-engine/internal/driver"
	"github.com/jiangshenghai57/rmbs-engine/internal/reporting"
)

func main() {
	dealPath := flag.String("deal", "", "path to a deal spec JSON file (must include a \"collateral\" key)")
	tapePath := flag.String("tape", "", "path to a servicer performance tape JSON file (array of row objects)")
	cpr := flag.Float64("cpr", 0, "annualized CPR assumption for projected periods")
	cdr := flag.Float64("cdr", 0, "annualized CDR assumption for projected periods")
	severity := flag.Float64("severity", 0.35, "loss severity assumption for projected periods")
	horizon := flag.Int("horizon", 60, "total horizon in periods")
	flag.Parse()

	if *dealPath == "" {
		log.Fatal("missing required -deal flag")
	}

	dealJSON, err := os.ReadFile(*dealPath)
	if err != nil {
		log.Fatalf("reading deal spec: %v", err)
	}

	var perfRows []map[string]any
	if *tapePath != "" {
		perfRows, err = readJSONRows(*tapePath)
		if err != nil {
			log.Fatalf("reading performance tape: %v", err)
		}
	}

	// LoadJSON (rather than Load) recovers the "variables" object's
	// declaration order from dealJSON before it would be lost decoding
	// into a map[string]any.
	def, err := deal.LoadJSON(dealJSON)
	if err != nil {
		log.Fatalf("loading deal: %v", err)
	}
	log.Printf("loaded deal %q: %d bonds, %d funds, %d accounts", def.DealID(), len(def.Bonds), len(def.Funds), len(def.Accounts))

	s, recon, err := driver.RunSimulation(def, perfRows, driver.RunOptions{
		HorizonPeriods:          *horizon,
		CPR:                     *cpr,
		CDR:                     *cdr,
		Severity:                *severity,
		ApplyWaterfallToActuals: true,
	})
	if err != nil {
		log.Fatalf("running simulation: %v", err)
	}

	table := reporting.Generate(s.History, def.BondOrder)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(map[string]any{
		"report":         table,
		"reconciliation": recon,
	}); err != nil {
		log.Fatalf("writing report: %v", err)
	}

	fmt.Fprintf(os.Stderr, "simulated %d periods, %d reconciliation entries\n", len(table.Rows), len(recon))
}

func readJSONRows(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

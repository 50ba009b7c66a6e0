// genealogy-verify audits a business's lineage and ledger invariants:
//   - genealogy edges must form a DAG (a lot can never be its own ancestor)
//   - per-lot consumed total must equal original_qty - qty
//   - at most one non-over-production edge per (order, parent, child)
//
// Read-only: it reports violations and exits non-zero, it never fixes.
//
// Usage:
//
//	DB_USER=... DB_HOST=... DB_NAME=... go run ./cmd/genealogy-verify -business <business_id>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
)

func main() {
	businessId := flag.String("business", "", "business id to audit")
	flag.Parse()
	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "-business is required")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	violations := 0

	var edges []models.GenealogyEdge
	if err := db.Where("business_id = ?", *businessId).Find(&edges).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load edges: %v\n", err)
		os.Exit(1)
	}

	children := map[int][]int{}
	for _, e := range edges {
		children[e.ParentLotId] = append(children[e.ParentLotId], e.ChildLotId)
	}
	for lotId := range children {
		if hasCycleFrom(lotId, children) {
			fmt.Printf("CYCLE: lot %d is reachable from itself\n", lotId)
			violations++
		}
	}

	seen := map[string]int{}
	for _, e := range edges {
		if e.IsOverProduction != nil && *e.IsOverProduction {
			continue
		}
		key := fmt.Sprintf("%d:%d:%d", e.OrderId, e.ParentLotId, e.ChildLotId)
		seen[key]++
		if seen[key] == 2 {
			fmt.Printf("DUPLICATE EDGE: order %d parent %d child %d\n", e.OrderId, e.ParentLotId, e.ChildLotId)
			violations++
		}
	}

	type lotBalance struct {
		ID          int
		LotNumber   string
		Qty         decimal.Decimal
		OriginalQty decimal.Decimal
	}
	var lots []lotBalance
	if err := db.Model(&models.Lot{}).
		Where("business_id = ?", *businessId).
		Select("id, lot_number, qty, original_qty").
		Scan(&lots).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load lots: %v\n", err)
		os.Exit(1)
	}
	for _, lot := range lots {
		consumed, err := models.SumConsumedForLot(db, *businessId, lot.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sum consumption for lot %d: %v\n", lot.ID, err)
			os.Exit(1)
		}
		if !lot.OriginalQty.Sub(lot.Qty).Equal(consumed) {
			fmt.Printf("LEDGER MISMATCH: lot %s original %s remaining %s but ledger says %s consumed\n",
				lot.LotNumber, lot.OriginalQty, lot.Qty, consumed)
			violations++
		}
	}

	if violations > 0 {
		fmt.Printf("%d violation(s) found\n", violations)
		os.Exit(1)
	}
	fmt.Printf("ok: %d edges, %d lots verified\n", len(edges), len(lots))
}

func hasCycleFrom(start int, children map[int][]int) bool {
	stack := append([]int(nil), children[start]...)
	visited := map[int]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == start {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, children[n]...)
	}
	return false
}

package workflow

import (
	"testing"

	"github.com/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
)

func entry(lotId int, status models.LotStatus, qty string, productId int, warehouseId int, depth int) TraceEntry {
	return TraceEntry{
		LotId:       lotId,
		LotNumber:   "LP-" + decimal.NewFromInt(int64(lotId)).String(),
		ProductId:   productId,
		Status:      status,
		Qty:         d(qty),
		WarehouseId: warehouseId,
		Depth:       depth,
	}
}

func traceOf(entries ...TraceEntry) *TraceResult {
	return &TraceResult{Root: entries[0], Entries: entries}
}

func TestUnionTraces_DeduplicatesAcrossDirections(t *testing.T) {
	seed := entry(5, models.LotStatusAvailable, "10", 1, 1, 0)
	forward := traceOf(seed,
		entry(6, models.LotStatusAvailable, "4", 1, 1, 1),
		entry(7, models.LotStatusShipped, "0", 1, 1, 2),
	)
	backward := traceOf(seed,
		entry(4, models.LotStatusConsumed, "0", 2, 1, 1),
	)

	affected := unionTraces(5, forward, backward)

	// Seed + 2 descendants + 1 ancestor, seed counted once.
	if len(affected) != 4 {
		t.Fatalf("union size = %d, want 4", len(affected))
	}
	if affected[0].LotId != 5 {
		t.Fatalf("seed must come first, got lot %d", affected[0].LotId)
	}
}

func TestRecallSummary_StatusBucketsAndTotals(t *testing.T) {
	affected := []TraceEntry{
		entry(1, models.LotStatusAvailable, "10", 1, 1, 0),
		entry(2, models.LotStatusReserved, "5", 1, 1, 1),
		entry(3, models.LotStatusShipped, "0", 1, 2, 1),
		entry(4, models.LotStatusConsumed, "0", 1, 2, 2),
		entry(5, models.LotStatusQuarantine, "7", 1, 1, 2),
	}
	warehouses := []WarehouseImpact{{WarehouseId: 1}, {WarehouseId: 2}}
	customers := []CustomerImpact{
		{CustomerId: 9, LotId: 3},
		{CustomerId: 9, LotId: 3},
	}

	summary := buildRecallSummary(affected, warehouses, customers)

	if summary.TotalAffectedLots != 5 {
		t.Fatalf("total lots = %d, want 5", summary.TotalAffectedLots)
	}
	if !summary.TotalQty.Equal(d("22")) {
		t.Fatalf("total qty = %s, want 22", summary.TotalQty)
	}
	if summary.StatusBuckets["in_production"] != 1 {
		t.Fatalf("reserved lots must bucket as in_production, got %d", summary.StatusBuckets["in_production"])
	}
	if summary.StatusBuckets["quarantine"] != 1 {
		t.Fatalf("quarantine bucket = %d, want 1", summary.StatusBuckets["quarantine"])
	}
	if summary.WarehouseCount != 2 {
		t.Fatalf("warehouse count = %d, want 2", summary.WarehouseCount)
	}
	// One customer shipped twice still counts once.
	if summary.CustomerCount != 1 {
		t.Fatalf("customer count = %d, want 1", summary.CustomerCount)
	}
}

func TestFinancialImpact_UsesUnitValueAndMultipliers(t *testing.T) {
	affected := []TraceEntry{
		entry(1, models.LotStatusAvailable, "10", 1, 1, 0),
		entry(2, models.LotStatusShipped, "0", 1, 1, 1),
	}
	products := map[int]models.Product{
		1: {ID: 1, UnitValue: d("2")},
	}
	customers := []CustomerImpact{{CustomerId: 9, LotId: 2, ShippedQty: d("5")}}

	impact := buildFinancialImpact(affected, customers, products)

	if !impact.AffectedValue.Equal(d("20")) {
		t.Fatalf("affected value = %s, want 20", impact.AffectedValue)
	}
	// Defaults: retrieval 0.25, disposal 0.10, lost revenue 1.00.
	if !impact.RetrievalCost.Equal(d("5")) {
		t.Fatalf("retrieval cost = %s, want 5", impact.RetrievalCost)
	}
	if !impact.DisposalCost.Equal(d("2")) {
		t.Fatalf("disposal cost = %s, want 2", impact.DisposalCost)
	}
	if !impact.LostRevenue.Equal(d("10")) {
		t.Fatalf("lost revenue = %s, want 10", impact.LostRevenue)
	}
	if !impact.EstimatedTotal.Equal(d("37")) {
		t.Fatalf("estimated total = %s, want 37", impact.EstimatedTotal)
	}
	if impact.Confidence != "high" {
		t.Fatalf("confidence = %q, want high", impact.Confidence)
	}
}

func TestFinancialImpact_ConfidenceDegradesWithUnpricedLots(t *testing.T) {
	affected := []TraceEntry{
		entry(1, models.LotStatusAvailable, "10", 1, 1, 0),
		entry(2, models.LotStatusAvailable, "10", 2, 1, 1),
	}
	products := map[int]models.Product{
		1: {ID: 1, UnitValue: d("2")},
		2: {ID: 2},
	}

	impact := buildFinancialImpact(affected, nil, products)
	if impact.Confidence != "medium" {
		t.Fatalf("confidence = %q, want medium", impact.Confidence)
	}

	impact = buildFinancialImpact(affected, nil, map[int]models.Product{})
	if impact.Confidence != "low" {
		t.Fatalf("confidence = %q, want low", impact.Confidence)
	}
}

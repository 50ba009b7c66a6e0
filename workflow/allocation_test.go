package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The allocator is pure; the
// same input must always produce the same plan, so it can be exercised
// without MySQL. Full posting paths are covered by the docker-gated
// regression test.

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func reservation(id, lotId int, remaining string, wholeLot bool) ReservationState {
	return ReservationState{
		ReservationId: id,
		LotId:         lotId,
		LotNumber:     "LP-" + decimal.NewFromInt(int64(lotId)).String(),
		LotRemaining:  d(remaining),
		WholeLot:      wholeLot,
	}
}

func TestAllocation_SequenceOrderSpansLots(t *testing.T) {
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:       1,
		RequestedQty:  d("120"),
		TotalReserved: d("150"),
		Reservations: []ReservationState{
			reservation(1, 10, "100", false),
			reservation(2, 11, "50", false),
		},
	})

	if len(plan.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(plan.Entries))
	}
	if !plan.Entries[0].QtyToConsume.Equal(d("100")) {
		t.Fatalf("first lot should be fully drawn, got %s", plan.Entries[0].QtyToConsume)
	}
	if !plan.Entries[1].QtyToConsume.Equal(d("20")) {
		t.Fatalf("second lot should cover the remainder, got %s", plan.Entries[1].QtyToConsume)
	}
	if !plan.TotalToConsume.Equal(d("120")) {
		t.Fatalf("total to consume = %s, want 120", plan.TotalToConsume)
	}
	if plan.IsOverConsumption {
		t.Fatal("fully covered request must not flag over-consumption")
	}
	if !plan.RemainingUnallocated.IsZero() {
		t.Fatalf("remaining unallocated = %s, want 0", plan.RemainingUnallocated)
	}
}

func TestAllocation_WholeLotForcesFullDraw(t *testing.T) {
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:       1,
		RequestedQty:  d("60"),
		TotalReserved: d("150"),
		Reservations: []ReservationState{
			reservation(1, 10, "100", true),
			reservation(2, 11, "50", false),
		},
	})

	// Whole-lot over-draw is policy, not over-consumption.
	if len(plan.Entries) != 1 {
		t.Fatalf("expected only the whole lot, got %d entries", len(plan.Entries))
	}
	if !plan.Entries[0].QtyToConsume.Equal(d("100")) {
		t.Fatalf("whole-lot entry = %s, want full 100", plan.Entries[0].QtyToConsume)
	}
	if !plan.TotalToConsume.Equal(d("100")) {
		t.Fatalf("total = %s, want 100", plan.TotalToConsume)
	}
	if plan.IsOverConsumption {
		t.Fatal("whole-lot excess must not flag over-consumption")
	}
}

func TestAllocation_OverConsumptionTotals(t *testing.T) {
	// Reservations total 50, all of it already consumed; request 10 more.
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:         1,
		RequestedQty:    d("10"),
		AlreadyConsumed: d("50"),
		TotalReserved:   d("50"),
		Reservations:    []ReservationState{reservation(1, 10, "0", false)},
	})

	if !plan.IsOverConsumption {
		t.Fatal("expected over-consumption")
	}
	if !plan.TotalReserved.Equal(d("50")) {
		t.Fatalf("total reserved = %s, want 50", plan.TotalReserved)
	}
	if !plan.CumulativeAfter.Equal(d("60")) {
		t.Fatalf("cumulative after = %s, want 60", plan.CumulativeAfter)
	}
	if !plan.RemainingUnallocated.Equal(d("10")) {
		t.Fatalf("remaining unallocated = %s, want 10", plan.RemainingUnallocated)
	}
}

func TestAllocation_SkipsEmptyLots(t *testing.T) {
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:       1,
		RequestedQty:  d("30"),
		TotalReserved: d("80"),
		Reservations: []ReservationState{
			reservation(1, 10, "0", false),
			reservation(2, 11, "50", false),
		},
	})

	if len(plan.Entries) != 1 {
		t.Fatalf("empty lot must be skipped, got %d entries", len(plan.Entries))
	}
	if plan.Entries[0].LotId != 11 {
		t.Fatalf("allocation drew from lot %d, want 11", plan.Entries[0].LotId)
	}
}

func TestAllocation_StopsAtZeroOutstanding(t *testing.T) {
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:       1,
		RequestedQty:  d("100"),
		TotalReserved: d("300"),
		Reservations: []ReservationState{
			reservation(1, 10, "100", false),
			reservation(2, 11, "100", false),
			reservation(3, 12, "100", false),
		},
	})

	if len(plan.Entries) != 1 {
		t.Fatalf("later reservations must be untouched, got %d entries", len(plan.Entries))
	}
}

func TestAllocation_ConservationWithoutWholeLot(t *testing.T) {
	plan := ComputeConsumptionAllocation(AllocationInput{
		OrderId:       1,
		RequestedQty:  d("90"),
		TotalReserved: d("70"),
		Reservations: []ReservationState{
			reservation(1, 10, "40", false),
			reservation(2, 11, "30", false),
		},
	})

	sum := decimal.Zero
	for _, e := range plan.Entries {
		sum = sum.Add(e.QtyToConsume)
	}
	if !sum.Equal(plan.TotalToConsume) {
		t.Fatalf("entry sum %s != total %s", sum, plan.TotalToConsume)
	}
	// Without whole-lot draws, allocated + unallocated == requested.
	if !sum.Add(plan.RemainingUnallocated).Equal(plan.RequestedQty) {
		t.Fatalf("allocated %s + unallocated %s != requested %s", sum, plan.RemainingUnallocated, plan.RequestedQty)
	}
	if !plan.IsOverConsumption {
		t.Fatal("short allocation must flag over-consumption")
	}
}

func TestAllocation_PureAndRepeatable(t *testing.T) {
	input := AllocationInput{
		OrderId:         1,
		RequestedQty:    d("75"),
		AlreadyConsumed: d("5"),
		TotalReserved:   d("150"),
		Reservations: []ReservationState{
			reservation(1, 10, "100", false),
			reservation(2, 11, "50", true),
		},
	}

	first := ComputeConsumptionAllocation(input)
	second := ComputeConsumptionAllocation(input)

	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("plans differ in length: %d vs %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		if !first.Entries[i].QtyToConsume.Equal(second.Entries[i].QtyToConsume) {
			t.Fatalf("entry %d differs: %s vs %s", i, first.Entries[i].QtyToConsume, second.Entries[i].QtyToConsume)
		}
	}
	if !input.Reservations[0].LotRemaining.Equal(d("100")) {
		t.Fatal("allocator must not mutate its input")
	}
}

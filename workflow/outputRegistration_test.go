package workflow

import (
	"strings"
	"testing"
)

func TestOverConsumptionConflict_CarriesMachineReadableTotals(t *testing.T) {
	plan := AllocationPlan{
		TotalReserved:        d("50"),
		CumulativeAfter:      d("60"),
		RemainingUnallocated: d("10"),
	}

	conflict := overConsumptionConflict(&plan)

	if conflict.OverConsumption == nil {
		t.Fatal("conflict must carry the over-consumption detail")
	}
	if !conflict.OverConsumption.TotalReserved.Equal(d("50")) {
		t.Fatalf("total reserved = %s, want 50", conflict.OverConsumption.TotalReserved)
	}
	if !conflict.OverConsumption.CumulativeAfter.Equal(d("60")) {
		t.Fatalf("cumulative after = %s, want 60", conflict.OverConsumption.CumulativeAfter)
	}
	if !conflict.OverConsumption.RemainingUnallocated.Equal(d("10")) {
		t.Fatalf("remaining unallocated = %s, want 10", conflict.OverConsumption.RemainingUnallocated)
	}
	if !strings.Contains(conflict.Message, "over-production source lot") {
		t.Fatalf("message must tell the caller how to authorize, got %q", conflict.Message)
	}
}

func TestCommittedCount_IgnoresWarnedAndFailed(t *testing.T) {
	outcomes := []ConsumptionOutcome{
		{Status: OutcomeCommitted},
		{Status: OutcomeWarned},
		{Status: OutcomeFailed},
		{Status: OutcomeCommitted},
	}
	if got := committedCount(outcomes); got != 2 {
		t.Fatalf("committed count = %d, want 2", got)
	}
}

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// AllowOverConsumption reports whether the organization-level policy permits
// over-consumption at all. It only shapes the human-facing conflict message;
// registering output beyond reserved quantity ALWAYS requires an explicit
// over-production authorization on the request.
//
// Set via env:
// - ALLOW_OVER_CONSUMPTION=true
func AllowOverConsumption() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOW_OVER_CONSUMPTION")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// RecallReportDueHours is the fixed offset, in hours, between recall
// discovery time and the mandatory regulatory report due date.
//
// Set via env:
// - RECALL_REPORT_DUE_HOURS (default 24)
func RecallReportDueHours() int {
	raw := strings.TrimSpace(os.Getenv("RECALL_REPORT_DUE_HOURS"))
	if raw == "" {
		return 24
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 24
	}
	return n
}

// Recall financial-heuristic multipliers. The recall report's cost figures
// are estimates; operations tune these per deployment.
//
// Set via env:
// - RECALL_RETRIEVAL_COST_RATE (default 0.25, fraction of affected value)
// - RECALL_DISPOSAL_COST_RATE  (default 0.10, fraction of affected value)
// - RECALL_LOST_REVENUE_RATE   (default 1.00, fraction of shipped value)

func RecallRetrievalCostRate() decimal.Decimal {
	return decimalEnv("RECALL_RETRIEVAL_COST_RATE", "0.25")
}

func RecallDisposalCostRate() decimal.Decimal {
	return decimalEnv("RECALL_DISPOSAL_COST_RATE", "0.10")
}

func RecallLostRevenueRate() decimal.Decimal {
	return decimalEnv("RECALL_LOST_REVENUE_RATE", "1.00")
}

func decimalEnv(key string, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && !d.IsNegative() {
			return d
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SimulateRecallInput struct {
	SeedLotId   int    `json:"seed_lot_id"`
	BatchNumber string `json:"batch_number"`

	IncludeShippedCustomers   bool `json:"include_shipped_customers"`
	IncludeNotificationDrafts bool `json:"include_notification_drafts"`
	MaxDepth                  int  `json:"max_depth"`
}

type RecallSummary struct {
	TotalAffectedLots int             `json:"total_affected_lots"`
	TotalQty          decimal.Decimal `json:"total_qty"`
	StatusBuckets     map[string]int  `json:"status_buckets"`
	WarehouseCount    int             `json:"warehouse_count"`
	CustomerCount     int             `json:"customer_count"`
}

type WarehouseImpact struct {
	WarehouseId   int             `json:"warehouse_id"`
	WarehouseName string          `json:"warehouse_name"`
	LotCount      int             `json:"lot_count"`
	TotalQty      decimal.Decimal `json:"total_qty"`
	Zones         []string        `json:"zones"`
}

type CustomerImpact struct {
	CustomerId         int                       `json:"customer_id"`
	CustomerName       string                    `json:"customer_name"`
	LotId              int                       `json:"lot_id"`
	LotNumber          string                    `json:"lot_number"`
	ShippedQty         decimal.Decimal           `json:"shipped_qty"`
	ShipDate           time.Time                 `json:"ship_date"`
	NotificationStatus models.NotificationStatus `json:"notification_status"`
}

// FinancialImpact is a planning heuristic, not an accounting figure.
// Confidence reflects how much of the affected inventory carries a known
// unit value.
type FinancialImpact struct {
	AffectedValue  decimal.Decimal `json:"affected_value"`
	RetrievalCost  decimal.Decimal `json:"retrieval_cost"`
	DisposalCost   decimal.Decimal `json:"disposal_cost"`
	LostRevenue    decimal.Decimal `json:"lost_revenue"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	Confidence     string          `json:"confidence"`
}

type RegulatoryInfo struct {
	ReportRequired     bool       `json:"report_required"`
	TriggeringCategory string     `json:"triggering_category,omitempty"`
	ReportDueDate      *time.Time `json:"report_due_date,omitempty"`
}

// RecallReport is the persisted simulation payload. The two traces behind
// it are independent reads, so a concurrent status change can land between
// them; treat the report as an estimate, keyed by ExecutedAt.
type RecallReport struct {
	SeedLotId       int               `json:"seed_lot_id"`
	SeedLotNumber   string            `json:"seed_lot_number"`
	BatchNumber     string            `json:"batch_number,omitempty"`
	ExecutedAt      time.Time         `json:"executed_at"`
	AffectedLots    []TraceEntry      `json:"affected_lots"`
	Summary         RecallSummary     `json:"summary"`
	Warehouses      []WarehouseImpact `json:"warehouses"`
	Customers       []CustomerImpact  `json:"customers,omitempty"`
	Financial       FinancialImpact   `json:"financial"`
	Regulatory      RegulatoryInfo    `json:"regulatory"`
	ForwardMaxDepth int               `json:"forward_max_depth"`
	BackwardDepth   int               `json:"backward_max_depth"`
}

type SimulateRecallResult struct {
	SimulationId int           `json:"simulation_id"`
	Report       *RecallReport `json:"report"`
	ExecutionMs  int64         `json:"execution_ms"`
}

// SimulateRecall traces a seed lot both directions, unions the results and
// builds the full impact report, persisting it for later retrieval.
func SimulateRecall(db *gorm.DB, logger *logrus.Logger, ctx context.Context, input *SimulateRecallInput) (*SimulateRecallResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, &utils.ValidationError{Message: "business id is required"}
	}
	if input == nil || (input.SeedLotId == 0 && input.BatchNumber == "") {
		return nil, &utils.ValidationError{Message: "a seed lot id or batch number is required"}
	}

	started := time.Now()

	seed, err := resolveSeedLot(db, ctx, businessId, input)
	if err != nil {
		return nil, err
	}

	// Independent reads; no shared snapshot is attempted.
	var wg sync.WaitGroup
	var forward, backward *TraceResult
	var fwdErr, bwdErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		forward, fwdErr = TraceLot(db, ctx, businessId, seed.ID, TraceForward, input.MaxDepth)
	}()
	go func() {
		defer wg.Done()
		backward, bwdErr = TraceLot(db, ctx, businessId, seed.ID, TraceBackward, input.MaxDepth)
	}()
	wg.Wait()
	if fwdErr != nil {
		return nil, fwdErr
	}
	if bwdErr != nil {
		return nil, bwdErr
	}

	affected := unionTraces(seed.ID, forward, backward)

	report := &RecallReport{
		SeedLotId:       seed.ID,
		SeedLotNumber:   seed.LotNumber,
		BatchNumber:     input.BatchNumber,
		ExecutedAt:      started.UTC(),
		AffectedLots:    affected,
		ForwardMaxDepth: forward.MaxDepth,
		BackwardDepth:   backward.MaxDepth,
	}

	warehouses, err := buildWarehouseImpact(db, ctx, businessId, affected)
	if err != nil {
		return nil, err
	}
	report.Warehouses = warehouses

	var customers []CustomerImpact
	if input.IncludeShippedCustomers {
		customers, err = buildCustomerImpact(db, ctx, businessId, affected, input.IncludeNotificationDrafts)
		if err != nil {
			return nil, err
		}
		report.Customers = customers
	}

	products, err := loadAffectedProducts(db, ctx, businessId, affected)
	if err != nil {
		return nil, err
	}
	report.Summary = buildRecallSummary(affected, warehouses, customers)
	report.Financial = buildFinancialImpact(affected, customers, products)
	report.Regulatory, err = buildRegulatoryInfo(db, ctx, businessId, products, started)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, utils.WrapInfra("recall report encode", err)
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	simulation := models.RecallSimulation{
		BusinessId:  businessId,
		SeedLotId:   seed.ID,
		BatchNumber: input.BatchNumber,
		Result:      string(payload),
		ExecutionMs: time.Since(started).Milliseconds(),
		CreatedBy:   userId,
	}
	if err := models.CreateRecallSimulation(db.WithContext(ctx), &simulation); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"seed_lot":      seed.LotNumber,
		"affected_lots": report.Summary.TotalAffectedLots,
		"execution_ms":  simulation.ExecutionMs,
	}).Info("recall simulation complete")

	return &SimulateRecallResult{
		SimulationId: simulation.ID,
		Report:       report,
		ExecutionMs:  simulation.ExecutionMs,
	}, nil
}

func resolveSeedLot(db *gorm.DB, ctx context.Context, businessId string, input *SimulateRecallInput) (*models.Lot, error) {
	var lot models.Lot
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if input.SeedLotId != 0 {
		if err := q.First(&lot, "id = ?", input.SeedLotId).Error; err != nil {
			return nil, &utils.NotFoundError{Resource: "lot", Id: input.SeedLotId}
		}
		return &lot, nil
	}
	// A batch spans several lots; any one of them reaches the whole batch
	// family through the graph. Oldest lot is the representative.
	err := q.Where("batch_number = ?", input.BatchNumber).Order("id").First(&lot).Error
	if err != nil {
		return nil, &utils.NotFoundError{Resource: "batch", Id: input.BatchNumber}
	}
	return &lot, nil
}

// unionTraces merges both directions into one list keyed by lot id, seed
// first. The seed sits at depth 0 in both traces and is emitted once.
func unionTraces(seedId int, forward, backward *TraceResult) []TraceEntry {
	out := []TraceEntry{forward.Root}
	seen := map[int]bool{seedId: true}
	for _, trace := range []*TraceResult{forward, backward} {
		for _, entry := range trace.Entries {
			if seen[entry.LotId] {
				continue
			}
			seen[entry.LotId] = true
			out = append(out, entry)
		}
	}
	return out
}

func statusBucket(status models.LotStatus) string {
	switch status {
	case models.LotStatusReserved:
		return "in_production"
	case models.LotStatusMerged, models.LotStatusDeleted:
		return "consumed"
	default:
		return string(status)
	}
}

func buildRecallSummary(affected []TraceEntry, warehouses []WarehouseImpact, customers []CustomerImpact) RecallSummary {
	summary := RecallSummary{
		TotalAffectedLots: len(affected),
		TotalQty:          decimal.Zero,
		StatusBuckets: map[string]int{
			"available":     0,
			"in_production": 0,
			"shipped":       0,
			"consumed":      0,
			"quarantine":    0,
		},
		WarehouseCount: len(warehouses),
	}
	for _, entry := range affected {
		summary.TotalQty = summary.TotalQty.Add(entry.Qty)
		summary.StatusBuckets[statusBucket(entry.Status)]++
	}
	distinctCustomers := map[int]bool{}
	for _, c := range customers {
		distinctCustomers[c.CustomerId] = true
	}
	summary.CustomerCount = len(distinctCustomers)
	return summary
}

func buildWarehouseImpact(db *gorm.DB, ctx context.Context, businessId string, affected []TraceEntry) ([]WarehouseImpact, error) {
	byWarehouse := map[int]*WarehouseImpact{}
	order := []int{}
	for _, entry := range affected {
		if entry.WarehouseId == 0 {
			continue
		}
		impact, seen := byWarehouse[entry.WarehouseId]
		if !seen {
			impact = &WarehouseImpact{WarehouseId: entry.WarehouseId, TotalQty: decimal.Zero}
			byWarehouse[entry.WarehouseId] = impact
			order = append(order, entry.WarehouseId)
		}
		impact.LotCount++
		impact.TotalQty = impact.TotalQty.Add(entry.Qty)
	}
	if len(order) == 0 {
		return []WarehouseImpact{}, nil
	}

	var warehouses []models.Warehouse
	if err := db.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, order).Find(&warehouses).Error; err != nil {
		return nil, utils.WrapInfra("recall warehouse fetch", err)
	}
	for _, w := range warehouses {
		if impact, ok := byWarehouse[w.ID]; ok {
			impact.WarehouseName = w.Name
		}
	}
	var locations []models.Location
	if err := db.WithContext(ctx).Where("business_id = ? AND warehouse_id IN ?", businessId, order).Find(&locations).Error; err != nil {
		return nil, utils.WrapInfra("recall location fetch", err)
	}
	zonesByWarehouse := map[int]map[string]bool{}
	for _, loc := range locations {
		if loc.Zone == "" {
			continue
		}
		if zonesByWarehouse[loc.WarehouseId] == nil {
			zonesByWarehouse[loc.WarehouseId] = map[string]bool{}
		}
		zonesByWarehouse[loc.WarehouseId][loc.Zone] = true
	}

	out := make([]WarehouseImpact, 0, len(order))
	for _, id := range order {
		impact := byWarehouse[id]
		impact.Zones = utils.UniqueSlice(mapKeys(zonesByWarehouse[id]))
		out = append(out, *impact)
	}
	return out, nil
}

func buildCustomerImpact(db *gorm.DB, ctx context.Context, businessId string, affected []TraceEntry, includeDrafts bool) ([]CustomerImpact, error) {
	shippedIds := []int{}
	numbers := map[int]string{}
	for _, entry := range affected {
		if entry.Status == models.LotStatusShipped {
			shippedIds = append(shippedIds, entry.LotId)
			numbers[entry.LotId] = entry.LotNumber
		}
	}
	if len(shippedIds) == 0 {
		return []CustomerImpact{}, nil
	}

	var shipments []models.LotShipment
	if err := db.WithContext(ctx).Where("business_id = ? AND lot_id IN ?", businessId, shippedIds).Find(&shipments).Error; err != nil {
		return nil, utils.WrapInfra("recall shipment fetch", err)
	}
	customerIds := []int{}
	for _, s := range shipments {
		customerIds = append(customerIds, s.CustomerId)
	}
	names := map[int]string{}
	if len(customerIds) > 0 {
		var customers []models.Customer
		if err := db.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, utils.UniqueSlice(customerIds)).Find(&customers).Error; err != nil {
			return nil, utils.WrapInfra("recall customer fetch", err)
		}
		for _, c := range customers {
			names[c.ID] = c.Name
		}
	}

	out := make([]CustomerImpact, 0, len(shipments))
	for _, s := range shipments {
		impact := CustomerImpact{
			CustomerId:   s.CustomerId,
			CustomerName: names[s.CustomerId],
			LotId:        s.LotId,
			LotNumber:    numbers[s.LotId],
			ShippedQty:   s.ShippedQty,
			ShipDate:     s.ShipDate,
		}
		if includeDrafts {
			impact.NotificationStatus = models.NotificationStatusDraft
		}
		out = append(out, impact)
	}
	return out, nil
}

func loadAffectedProducts(db *gorm.DB, ctx context.Context, businessId string, affected []TraceEntry) (map[int]models.Product, error) {
	ids := []int{}
	for _, entry := range affected {
		if entry.ProductId != 0 {
			ids = append(ids, entry.ProductId)
		}
	}
	out := map[int]models.Product{}
	if len(ids) == 0 {
		return out, nil
	}
	var products []models.Product
	if err := db.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, utils.UniqueSlice(ids)).Find(&products).Error; err != nil {
		return nil, utils.WrapInfra("recall product fetch", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func buildFinancialImpact(affected []TraceEntry, customers []CustomerImpact, products map[int]models.Product) FinancialImpact {
	affectedValue := decimal.Zero
	priced, unpriced := 0, 0
	for _, entry := range affected {
		product, known := products[entry.ProductId]
		if !known || product.UnitValue.IsZero() {
			unpriced++
			continue
		}
		priced++
		affectedValue = affectedValue.Add(entry.Qty.Mul(product.UnitValue))
	}

	shippedValue := decimal.Zero
	for _, c := range customers {
		if product, known := products[lotProductId(affected, c.LotId)]; known {
			shippedValue = shippedValue.Add(c.ShippedQty.Mul(product.UnitValue))
		}
	}

	retrieval := affectedValue.Mul(config.RecallRetrievalCostRate())
	disposal := affectedValue.Mul(config.RecallDisposalCostRate())
	lostRevenue := shippedValue.Mul(config.RecallLostRevenueRate())

	confidence := "high"
	switch {
	case priced == 0:
		confidence = "low"
	case unpriced > 0:
		confidence = "medium"
	}

	return FinancialImpact{
		AffectedValue:  affectedValue,
		RetrievalCost:  retrieval,
		DisposalCost:   disposal,
		LostRevenue:    lostRevenue,
		EstimatedTotal: affectedValue.Add(retrieval).Add(disposal).Add(lostRevenue),
		Confidence:     confidence,
	}
}

func buildRegulatoryInfo(db *gorm.DB, ctx context.Context, businessId string, products map[int]models.Product, discoveredAt time.Time) (RegulatoryInfo, error) {
	categoryIds := []int{}
	for _, p := range products {
		if p.CategoryId != 0 {
			categoryIds = append(categoryIds, p.CategoryId)
		}
	}
	if len(categoryIds) == 0 {
		return RegulatoryInfo{}, nil
	}
	var category models.ProductCategory
	err := db.WithContext(ctx).
		Where("business_id = ? AND id IN ? AND requires_recall_reporting = ?", businessId, utils.UniqueSlice(categoryIds), true).
		First(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RegulatoryInfo{}, nil
	}
	if err != nil {
		return RegulatoryInfo{}, utils.WrapInfra("recall category fetch", err)
	}
	due := discoveredAt.UTC().Add(time.Duration(config.RecallReportDueHours()) * time.Hour)
	return RegulatoryInfo{
		ReportRequired:     true,
		TriggeringCategory: category.Name,
		ReportDueDate:      &due,
	}, nil
}

func lotProductId(affected []TraceEntry, lotId int) int {
	for _, entry := range affected {
		if entry.LotId == lotId {
			return entry.ProductId
		}
	}
	return 0
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// DecodeRecallReport restores a persisted simulation's report payload.
func DecodeRecallReport(simulation *models.RecallSimulation) (*RecallReport, error) {
	var report RecallReport
	if err := simulation.DecodeResult(&report); err != nil {
		return nil, utils.WrapInfra("recall report decode", fmt.Errorf("simulation %d: %w", simulation.ID, err))
	}
	return &report, nil
}

package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RegisterOutputInput struct {
	OrderId     int             `json:"order_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty" validate:"required"`
	QAStatus    models.QAStatus `json:"qa_status"`
	BatchNumber string          `json:"batch_number"`
	WarehouseId int             `json:"warehouse_id"`
	LocationId  int             `json:"location_id"`

	// OverProductionSourceLotId is the explicit over-production
	// authorization: the lot the unallocated remainder is attributed to.
	OverProductionSourceLotId *int `json:"over_production_source_lot_id"`
}

type OutcomeStatus string

const (
	OutcomeCommitted OutcomeStatus = "committed"
	OutcomeWarned    OutcomeStatus = "warned"
	OutcomeFailed    OutcomeStatus = "failed"
)

// ConsumptionOutcome is the explicit per-entry result of the consumption
// step: committed (fully applied), warned (applied, but a follow-up write
// such as its genealogy edge failed), or failed (nothing applied).
type ConsumptionOutcome struct {
	Entry    AllocationEntry `json:"entry"`
	Status   OutcomeStatus   `json:"status"`
	RecordId int             `json:"record_id,omitempty"`
	Detail   string          `json:"detail,omitempty"`
}

type RegisterOutputResult struct {
	LotId              int                  `json:"lot_id"`
	LotNumber          string               `json:"lot_number"`
	OutputEventId      int                  `json:"output_event_id"`
	Outcomes           []ConsumptionOutcome `json:"outcomes"`
	TotalConsumed      decimal.Decimal      `json:"total_consumed"`
	GenealogyEdgeCount int                  `json:"genealogy_edge_count"`
	Warnings           []string             `json:"warnings"`
}

// RegisterOutput runs the full output transaction: creates the output lot
// and its event, consumes the allocated source lots, writes lineage edges
// and updates the order aggregates.
//
// Before the output lot exists every failure is a typed error with no side
// effects. Once it exists the operation runs to completion: individual
// consumption or genealogy failures become warnings for reconciliation
// tooling, never aborts, and no external cancellation is honored.
func RegisterOutput(db *gorm.DB, logger *logrus.Logger, ctx context.Context, input *RegisterOutputInput) (*RegisterOutputResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, &utils.ValidationError{Message: "business id is required"}
	}
	if input == nil || !input.Qty.IsPositive() {
		return nil, &utils.ValidationError{Message: "output quantity must be positive"}
	}

	order, err := models.GetProductionOrder(db.WithContext(ctx), businessId, input.OrderId)
	if err != nil {
		return nil, err
	}
	if !order.Status.IsActiveExecution() {
		return nil, &utils.ValidationError{
			Message: fmt.Sprintf("order %s is %s; output can only be registered against a released or in-progress order", order.OrderNumber, order.Status),
		}
	}

	// Serialize per order. Concurrent registrations against the same order
	// must not race on a reservation's remaining quantity; different orders
	// never contend.
	releaseRedis, err := utils.OrderLock(ctx, businessId, input.OrderId, "outputRegistration.go", "RegisterOutput")
	if err != nil {
		return nil, err
	}
	defer releaseRedis()

	// GET_LOCK and RELEASE_LOCK are connection-scoped. Pin one pool
	// connection for the lock and every statement between acquire and
	// release; on the pooled root handle the release would land on a
	// different connection and the lock would stay held until recycling.
	var result *RegisterOutputResult
	err = db.Connection(func(conn *gorm.DB) error {
		if err := AcquireOrderPostingLock(conn, businessId, input.OrderId); err != nil {
			return utils.WrapInfra("order posting lock", err)
		}
		defer ReleaseOrderPostingLock(conn, businessId, input.OrderId)

		var err error
		result, err = registerOutputLocked(conn, logger, ctx, businessId, order, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// registerOutputLocked runs steps 1-5 of the output sequence. The caller
// holds both order locks and db is pinned to a single connection.
func registerOutputLocked(db *gorm.DB, logger *logrus.Logger, ctx context.Context, businessId string, order *models.ProductionOrder, input *RegisterOutputInput) (*RegisterOutputResult, error) {
	allocationInput, err := LoadAllocationInput(db.WithContext(ctx), businessId, input.OrderId, input.Qty)
	if err != nil {
		return nil, err
	}
	plan := ComputeConsumptionAllocation(*allocationInput)

	var overSourceLot *models.Lot
	if plan.IsOverConsumption {
		if input.OverProductionSourceLotId == nil {
			return nil, overConsumptionConflict(&plan)
		}
		var lot models.Lot
		if err := db.WithContext(ctx).Where("business_id = ?", businessId).
			First(&lot, "id = ?", *input.OverProductionSourceLotId).Error; err != nil {
			return nil, &utils.NotFoundError{Resource: "over-production source lot", Id: *input.OverProductionSourceLotId}
		}
		overSourceLot = &lot
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	warehouseId := input.WarehouseId
	if warehouseId == 0 {
		warehouseId = order.OutputWarehouseId
	}

	// Step 1: output lot. A failure here aborts with no further action.
	lotNumber, err := models.NextLotNumber(db, businessId)
	if err != nil {
		return nil, err
	}
	qaStatus := input.QAStatus
	if qaStatus == "" {
		qaStatus = models.QAStatusPending
	}
	outputLot := models.Lot{
		BusinessId:  businessId,
		LotNumber:   lotNumber,
		ProductId:   order.ProductId,
		BatchNumber: input.BatchNumber,
		Qty:         input.Qty,
		OriginalQty: input.Qty,
		UnitId:      order.UnitId,
		Status:      models.LotStatusAvailable,
		QAStatus:    qaStatus,
		WarehouseId: warehouseId,
		LocationId:  input.LocationId,
		CreatedBy:   userId,
	}
	if err := db.Create(&outputLot).Error; err != nil {
		return nil, utils.WrapInfra("output lot create", err)
	}

	// Step 2: output event. If this fails, remove the lot just created so
	// no partial state is left. The row is physically removed because it
	// was never visible to anything.
	event := models.OutputEvent{
		BusinessId:   businessId,
		OrderId:      input.OrderId,
		LotId:        outputLot.ID,
		RequestedQty: input.Qty,
		QAStatus:     qaStatus,
		CreatedBy:    userId,
	}
	if err := models.CreateOutputEvent(db, &event); err != nil {
		if derr := db.Exec("DELETE FROM lots WHERE id = ?", outputLot.ID).Error; derr != nil {
			config.LogError(logger, "workflow", "RegisterOutput", "output lot compensation failed", outputLot.ID, derr)
		}
		return nil, err
	}

	result := &RegisterOutputResult{
		LotId:         outputLot.ID,
		LotNumber:     outputLot.LotNumber,
		OutputEventId: event.ID,
		Outcomes:      make([]ConsumptionOutcome, 0, len(plan.Entries)),
		Warnings:      []string{},
	}

	// Step 3: consume each allocated entry, best-effort. Each entry's
	// record, decrement, status transitions and audit movement commit or
	// roll back together; a failed entry becomes a warning, not an abort.
	totalConsumed := decimal.Zero
	for _, entry := range plan.Entries {
		outcome := applyConsumptionEntry(db, businessId, userId, event.ID, entry)
		if outcome.Status == OutcomeFailed {
			config.LogError(logger, "workflow", "RegisterOutput", "consumption entry failed", entry, fmt.Errorf("%s", outcome.Detail))
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("consumption of lot %s (%s) failed: %s", entry.LotNumber, entry.QtyToConsume, outcome.Detail))
		} else {
			totalConsumed = totalConsumed.Add(entry.QtyToConsume)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	result.TotalConsumed = totalConsumed

	// Step 4: genealogy. One edge per consumed lot, plus exactly one
	// over-production edge when authorized. Edge failures are warnings.
	relationship := models.GenealogyTransform
	committed := committedCount(result.Outcomes)
	if committed > 1 {
		relationship = models.GenealogyCombine
	}
	for i := range result.Outcomes {
		outcome := &result.Outcomes[i]
		if outcome.Status != OutcomeCommitted {
			continue
		}
		edge := models.GenealogyEdge{
			BusinessId:    businessId,
			ParentLotId:   outcome.Entry.LotId,
			ChildLotId:    outputLot.ID,
			Relationship:  relationship,
			QtyFromParent: outcome.Entry.QtyToConsume,
			OrderId:       input.OrderId,
		}
		if err := models.CreateGenealogyEdge(db, &edge); err != nil {
			outcome.Status = OutcomeWarned
			outcome.Detail = err.Error()
			config.LogWarn(logger, "workflow", "RegisterOutput", "genealogy edge failed", edge, err.Error())
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("genealogy edge %s -> %s failed: %v", outcome.Entry.LotNumber, outputLot.LotNumber, err))
			continue
		}
		result.GenealogyEdgeCount++
	}
	if overSourceLot != nil && plan.RemainingUnallocated.IsPositive() {
		edge := models.GenealogyEdge{
			BusinessId:       businessId,
			ParentLotId:      overSourceLot.ID,
			ChildLotId:       outputLot.ID,
			Relationship:     models.GenealogyTransform,
			QtyFromParent:    plan.RemainingUnallocated,
			OrderId:          input.OrderId,
			IsOverProduction: utils.NewTrue(),
		}
		if err := models.CreateGenealogyEdge(db, &edge); err != nil {
			config.LogWarn(logger, "workflow", "RegisterOutput", "over-production edge failed", edge, err.Error())
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("over-production edge %s -> %s failed: %v", overSourceLot.LotNumber, outputLot.LotNumber, err))
		} else {
			result.GenealogyEdgeCount++
		}
	}

	// Step 5: order aggregates.
	overQty := decimal.Zero
	if overSourceLot != nil {
		overQty = plan.RemainingUnallocated
	}
	if err := models.AddProducedQty(db, input.OrderId, input.Qty, overQty); err != nil {
		config.LogError(logger, "workflow", "RegisterOutput", "order aggregate update failed", input.OrderId, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("order produced-quantity update failed: %v", err))
	}

	// Output movement for the audit trail; a miss here is reconcilable.
	if err := models.AppendInventoryMovement(db, &models.InventoryMovement{
		BusinessId:    businessId,
		LotId:         outputLot.ID,
		Type:          models.MovementOutput,
		Qty:           input.Qty,
		ReferenceType: "output_event",
		ReferenceId:   event.ID,
		CreatedBy:     userId,
	}); err != nil {
		config.LogWarn(logger, "workflow", "RegisterOutput", "output movement append failed", event.ID, err.Error())
		result.Warnings = append(result.Warnings, fmt.Sprintf("output movement append failed: %v", err))
	}

	return result, nil
}

// applyConsumptionEntry commits one allocation entry atomically: ledger
// record, conditional decrement, zero-remaining status transitions,
// reservation running total and the audit movement.
func applyConsumptionEntry(db *gorm.DB, businessId string, userId int, eventId int, entry AllocationEntry) ConsumptionOutcome {
	outcome := ConsumptionOutcome{Entry: entry, Status: OutcomeCommitted}

	err := db.Transaction(func(tx *gorm.DB) error {
		record := models.ConsumptionRecord{
			BusinessId:    businessId,
			ReservationId: entry.ReservationId,
			LotId:         entry.LotId,
			OutputEventId: eventId,
			Qty:           entry.QtyToConsume,
			UnitId:        entry.UnitId,
			CreatedBy:     userId,
		}
		if err := models.CreateConsumptionRecord(tx, &record); err != nil {
			return err
		}
		outcome.RecordId = record.ID

		remaining, err := models.ConsumeLotQty(tx, businessId, entry.LotId, entry.QtyToConsume)
		if err != nil {
			return err
		}

		if remaining.IsZero() {
			var lot models.Lot
			if err := tx.Where("business_id = ?", businessId).First(&lot, "id = ?", entry.LotId).Error; err != nil {
				return utils.WrapInfra("consumed lot fetch", err)
			}
			if err := models.TransitionLotStatus(tx, &lot, models.LotStatusConsumed); err != nil {
				return err
			}
			if err := models.MarkReservationConsumed(tx, entry.ReservationId); err != nil {
				return err
			}
		}

		if err := models.AddReservationConsumedQty(tx, entry.ReservationId, entry.QtyToConsume); err != nil {
			return err
		}

		return models.AppendInventoryMovement(tx, &models.InventoryMovement{
			BusinessId:    businessId,
			LotId:         entry.LotId,
			Type:          models.MovementConsumption,
			Qty:           entry.QtyToConsume.Neg(),
			ReferenceType: "output_event",
			ReferenceId:   eventId,
			CreatedBy:     userId,
		})
	})
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.RecordId = 0
		outcome.Detail = err.Error()
	}
	return outcome
}

func committedCount(outcomes []ConsumptionOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == OutcomeCommitted {
			n++
		}
	}
	return n
}

type RegisterByProductInput struct {
	OrderId     int             `json:"order_id" validate:"required"`
	SourceLotId int             `json:"source_lot_id" validate:"required"`
	ProductId   int             `json:"product_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty" validate:"required"`
	UnitId      int             `json:"unit_id"`
	BatchNumber string          `json:"batch_number"`
	WarehouseId int             `json:"warehouse_id"`
	LocationId  int             `json:"location_id"`
}

type RegisterByProductResult struct {
	LotId     int    `json:"lot_id"`
	LotNumber string `json:"lot_number"`
	EdgeId    int    `json:"edge_id"`
}

// RegisterByProduct records a secondary output of an order: a new lot of a
// different product linked to the lot it emerged alongside. It draws no
// material, so it never touches reservations or the consumption ledger.
func RegisterByProduct(db *gorm.DB, logger *logrus.Logger, ctx context.Context, input *RegisterByProductInput) (*RegisterByProductResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, &utils.ValidationError{Message: "business id is required"}
	}
	if input == nil || !input.Qty.IsPositive() {
		return nil, &utils.ValidationError{Message: "by-product quantity must be positive"}
	}

	order, err := models.GetProductionOrder(db.WithContext(ctx), businessId, input.OrderId)
	if err != nil {
		return nil, err
	}
	if !order.Status.IsActiveExecution() {
		return nil, &utils.ValidationError{
			Message: fmt.Sprintf("order %s is %s; by-products can only be registered against a released or in-progress order", order.OrderNumber, order.Status),
		}
	}

	var source models.Lot
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		First(&source, "id = ?", input.SourceLotId).Error; err != nil {
		return nil, &utils.NotFoundError{Resource: "source lot", Id: input.SourceLotId}
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	warehouseId := input.WarehouseId
	if warehouseId == 0 {
		warehouseId = order.OutputWarehouseId
	}
	unitId := input.UnitId
	if unitId == 0 {
		unitId = order.UnitId
	}

	result := &RegisterByProductResult{}
	err = db.Transaction(func(tx *gorm.DB) error {
		lotNumber, err := models.NextLotNumber(tx, businessId)
		if err != nil {
			return err
		}
		lot := models.Lot{
			BusinessId:  businessId,
			LotNumber:   lotNumber,
			ProductId:   input.ProductId,
			BatchNumber: input.BatchNumber,
			Qty:         input.Qty,
			OriginalQty: input.Qty,
			UnitId:      unitId,
			Status:      models.LotStatusAvailable,
			QAStatus:    models.QAStatusPending,
			WarehouseId: warehouseId,
			LocationId:  input.LocationId,
			CreatedBy:   userId,
		}
		if err := tx.Create(&lot).Error; err != nil {
			return utils.WrapInfra("by-product lot create", err)
		}
		edge := models.GenealogyEdge{
			BusinessId:    businessId,
			ParentLotId:   source.ID,
			ChildLotId:    lot.ID,
			Relationship:  models.GenealogyByProduct,
			QtyFromParent: decimal.Zero,
			OrderId:       input.OrderId,
		}
		if err := models.CreateGenealogyEdge(tx, &edge); err != nil {
			return err
		}
		if err := models.AppendInventoryMovement(tx, &models.InventoryMovement{
			BusinessId:    businessId,
			LotId:         lot.ID,
			Type:          models.MovementOutput,
			Qty:           input.Qty,
			ReferenceType: "by_product",
			ReferenceId:   input.OrderId,
			CreatedBy:     userId,
		}); err != nil {
			return err
		}
		result.LotId = lot.ID
		result.LotNumber = lot.LotNumber
		result.EdgeId = edge.ID
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "RegisterByProduct", "by-product registration failed", input, err)
		return nil, err
	}
	return result, nil
}

// overConsumptionConflict builds the ConflictError a caller must surface
// verbatim so a human can resubmit with explicit authorization. The
// organization policy flag only shapes the message.
func overConsumptionConflict(plan *AllocationPlan) *utils.ConflictError {
	msg := fmt.Sprintf(
		"requested output exceeds reserved material (reserved %s, cumulative after %s, unallocated %s); resubmit with an over-production source lot to authorize",
		plan.TotalReserved, plan.CumulativeAfter, plan.RemainingUnallocated)
	if !config.AllowOverConsumption() {
		msg = fmt.Sprintf(
			"requested output exceeds reserved material (reserved %s, cumulative after %s, unallocated %s); organization policy discourages over-consumption - a supervisor must supply an over-production source lot",
			plan.TotalReserved, plan.CumulativeAfter, plan.RemainingUnallocated)
	}
	return &utils.ConflictError{
		Message: msg,
		OverConsumption: &utils.OverConsumptionDetail{
			TotalReserved:        plan.TotalReserved,
			CumulativeAfter:      plan.CumulativeAfter,
			RemainingUnallocated: plan.RemainingUnallocated,
		},
	}
}

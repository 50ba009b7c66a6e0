package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Standardized reasons for consumption reversals, stored on both the
// reversal row and the original.
const (
	ReversalReasonScannedWrongLot = "scanned_wrong_lot"
	ReversalReasonWrongQuantity   = "wrong_quantity"
	ReversalReasonQualityIssue    = "quality_issue"
	ReversalReasonOther           = "other"
)

var reversalReasons = map[string]bool{
	ReversalReasonScannedWrongLot: true,
	ReversalReasonWrongQuantity:   true,
	ReversalReasonQualityIssue:    true,
	ReversalReasonOther:           true,
}

type ReverseConsumptionInput struct {
	RecordId int    `json:"record_id" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
	Notes    string `json:"notes"`
}

type ReverseConsumptionResult struct {
	ReversalRecordId int              `json:"reversal_record_id"`
	LotId            int              `json:"lot_id"`
	LotNumber        string           `json:"lot_number"`
	RestoredQty      decimal.Decimal  `json:"restored_qty"`
	LotQty           decimal.Decimal  `json:"lot_qty"`
	LotStatus        models.LotStatus `json:"lot_status"`
}

func validateReversalReason(reason string, notes string) error {
	if !reversalReasons[reason] {
		return &utils.ValidationError{Message: fmt.Sprintf("invalid reversal reason %q", reason)}
	}
	if reason == ReversalReasonOther && notes == "" {
		return &utils.ValidationError{Message: "reversal reason \"other\" requires notes"}
	}
	return nil
}

// ReverseConsumption corrects a wrongly posted consumption entry: it appends
// the negating ledger row, restores the lot's quantity, reopens the lot and
// its reservation when the draw had exhausted them, and flags the matching
// genealogy edges. Everything commits or rolls back together.
func ReverseConsumption(db *gorm.DB, logger *logrus.Logger, ctx context.Context, input *ReverseConsumptionInput) (*ReverseConsumptionResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, &utils.ValidationError{Message: "business id is required"}
	}
	if input == nil || input.RecordId <= 0 {
		return nil, &utils.ValidationError{Message: "a consumption record id is required"}
	}
	if err := validateReversalReason(input.Reason, input.Notes); err != nil {
		return nil, err
	}

	var record models.ConsumptionRecord
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		First(&record, "id = ?", input.RecordId).Error; err != nil {
		return nil, &utils.NotFoundError{Resource: "consumption record", Id: input.RecordId}
	}

	var event models.OutputEvent
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		First(&event, "id = ?", record.OutputEventId).Error; err != nil {
		return nil, &utils.NotFoundError{Resource: "output event", Id: record.OutputEventId}
	}

	// Same serialization as registration: reversals race against concurrent
	// output postings on the same order.
	releaseRedis, err := utils.OrderLock(ctx, businessId, event.OrderId, "consumptionReversal.go", "ReverseConsumption")
	if err != nil {
		return nil, err
	}
	defer releaseRedis()

	userId, _ := utils.GetUserIdFromContext(ctx)

	result := &ReverseConsumptionResult{}
	err = db.Connection(func(conn *gorm.DB) error {
		if err := AcquireOrderPostingLock(conn, businessId, event.OrderId); err != nil {
			return utils.WrapInfra("order posting lock", err)
		}
		defer ReleaseOrderPostingLock(conn, businessId, event.OrderId)

		return conn.Transaction(func(tx *gorm.DB) error {
			// Re-read under the lock; a concurrent reversal may have won.
			var original models.ConsumptionRecord
			if err := tx.Where("business_id = ?", businessId).
				First(&original, "id = ?", record.ID).Error; err != nil {
				return utils.WrapInfra("consumption record re-read", err)
			}

			reversal, err := models.ReverseConsumptionRecord(tx, &original, input.Reason, input.Notes, userId)
			if err != nil {
				return err
			}

			remaining, err := models.RestoreLotQty(tx, businessId, original.LotId, original.Qty)
			if err != nil {
				return err
			}

			var lot models.Lot
			if err := tx.Where("business_id = ?", businessId).First(&lot, "id = ?", original.LotId).Error; err != nil {
				return utils.WrapInfra("restored lot fetch", err)
			}
			if lot.Status == models.LotStatusConsumed {
				if err := models.ReopenConsumedLot(tx, businessId, original.LotId); err != nil {
					return err
				}
				lot.Status = models.LotStatusAvailable
			}

			if err := models.AddReservationConsumedQty(tx, original.ReservationId, original.Qty.Neg()); err != nil {
				return err
			}
			if err := models.ReopenReservation(tx, original.ReservationId); err != nil {
				return err
			}

			if err := models.MarkGenealogyEdgesReversed(tx, businessId, event.OrderId, original.LotId, event.LotId); err != nil {
				return err
			}

			if err := models.AppendInventoryMovement(tx, &models.InventoryMovement{
				BusinessId:    businessId,
				LotId:         original.LotId,
				Type:          models.MovementReversal,
				Qty:           original.Qty,
				ReferenceType: "consumption_record",
				ReferenceId:   reversal.ID,
				Note:          input.Reason,
				CreatedBy:     userId,
			}); err != nil {
				return err
			}

			result.ReversalRecordId = reversal.ID
			result.LotId = lot.ID
			result.LotNumber = lot.LotNumber
			result.RestoredQty = original.Qty
			result.LotQty = remaining
			result.LotStatus = lot.Status
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	logger.WithFields(logrus.Fields{
		"record_id":    input.RecordId,
		"reversal_id":  result.ReversalRecordId,
		"lot":          result.LotNumber,
		"restored_qty": result.RestoredQty,
		"reason":       input.Reason,
		"reversed_by":  userName,
	}).Info("consumption reversed")

	return result, nil
}

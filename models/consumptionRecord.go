package models

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConsumptionRecord is an immutable ledger entry: a quantity drawn from one
// lot for one output event. Append-only; rows are never updated or deleted.
// The sum of a lot's records must never exceed the lot's original quantity.
// A correction appends a reversal row with the negated quantity; the
// original keeps only reversal metadata.
type ConsumptionRecord struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;not null" json:"business_id"`
	ReservationId int             `gorm:"index;not null" json:"reservation_id"`
	LotId         int             `gorm:"index;not null" json:"lot_id"`
	OutputEventId int             `gorm:"index;not null" json:"output_event_id"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitId        int             `json:"unit_id"`

	IsReversal         *bool      `gorm:"not null;default:false" json:"is_reversal"`
	ReversesRecordId   *int       `gorm:"index" json:"reverses_record_id,omitempty"`
	ReversedByRecordId *int       `json:"reversed_by_record_id,omitempty"`
	ReversalReason     *string    `gorm:"size:100" json:"reversal_reason,omitempty"`
	ReversalNotes      *string    `gorm:"size:255" json:"reversal_notes,omitempty"`
	ReversedAt         *time.Time `json:"reversed_at,omitempty"`

	CreatedBy int       `json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeUpdate blocks mutation of ledger entries at the model layer.
func (r *ConsumptionRecord) BeforeUpdate(tx *gorm.DB) error {
	_ = tx
	return &utils.ValidationError{Message: "consumption records are append-only"}
}

func (r *ConsumptionRecord) BeforeDelete(tx *gorm.DB) error {
	_ = tx
	return &utils.ValidationError{Message: "consumption records are append-only"}
}

func CreateConsumptionRecord(tx *gorm.DB, record *ConsumptionRecord) error {
	if !record.Qty.IsPositive() {
		return &utils.ValidationError{Message: "consumption quantity must be positive"}
	}
	if err := tx.Create(record).Error; err != nil {
		return utils.WrapInfra("consumption record create", err)
	}
	return nil
}

// ReverseConsumptionRecord appends the negating row for an original entry
// and stamps the original with reversal metadata. The original row's qty is
// untouched so lot sums net out through the pair.
func ReverseConsumptionRecord(tx *gorm.DB, original *ConsumptionRecord, reason string, notes string, userId int) (*ConsumptionRecord, error) {
	if utils.DereferencePtr(original.IsReversal) {
		return nil, &utils.ValidationError{Message: "a reversal entry cannot itself be reversed"}
	}
	if original.ReversedByRecordId != nil && *original.ReversedByRecordId > 0 {
		return nil, &utils.ValidationError{Message: fmt.Sprintf("consumption record %d is already reversed", original.ID)}
	}

	reversal := ConsumptionRecord{
		BusinessId:       original.BusinessId,
		ReservationId:    original.ReservationId,
		LotId:            original.LotId,
		OutputEventId:    original.OutputEventId,
		Qty:              original.Qty.Neg(),
		UnitId:           original.UnitId,
		IsReversal:       utils.NewTrue(),
		ReversesRecordId: &original.ID,
		ReversalReason:   utils.NilIfEmpty(reason),
		ReversalNotes:    utils.NilIfEmpty(notes),
		CreatedBy:        userId,
	}
	if err := tx.Create(&reversal).Error; err != nil {
		return nil, utils.WrapInfra("consumption reversal create", err)
	}

	// Metadata-only stamp on the original; raw SQL because the model hook
	// blocks ordinary updates.
	now := time.Now().UTC()
	err := tx.Exec(`
UPDATE consumption_records
SET reversed_by_record_id = ?, reversal_reason = ?, reversal_notes = ?, reversed_at = ?
WHERE id = ?
`, reversal.ID, reversal.ReversalReason, reversal.ReversalNotes, now, original.ID).Error
	if err != nil {
		return nil, utils.WrapInfra("consumption reversal stamp", err)
	}
	original.ReversedByRecordId = &reversal.ID
	original.ReversedAt = &now

	return &reversal, nil
}

// SumConsumedForLot totals every quantity ever drawn from the lot.
func SumConsumedForLot(tx *gorm.DB, businessId string, lotId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&ConsumptionRecord{}).
		Where("business_id = ? AND lot_id = ?", businessId, lotId).
		Select("COALESCE(SUM(qty), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, utils.WrapInfra("consumption sum", err)
	}
	return total, nil
}

// ConsumedQtyForOrder is the order's cumulative consumed total, the
// `alreadyConsumed` input of the allocation computation.
func ConsumedQtyForOrder(tx *gorm.DB, businessId string, orderId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&ConsumptionRecord{}).
		Joins("JOIN output_events ON output_events.id = consumption_records.output_event_id").
		Where("consumption_records.business_id = ? AND output_events.order_id = ?", businessId, orderId).
		Select("COALESCE(SUM(consumption_records.qty), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, utils.WrapInfra("order consumption sum", err)
	}
	return total, nil
}

package models

import (
	"time"

	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryMovement is the audit trail behind every lot quantity or status
// change. Append-only; reconciliation tooling reads it to explain a lot's
// current quantity.
type InventoryMovement struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;not null" json:"business_id"`
	LotId         int             `gorm:"index;not null" json:"lot_id"`
	Type          MovementType    `gorm:"type:enum('receipt','consumption','output','reversal','adjustment','status');default:'adjustment'" json:"type"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	ReferenceType string          `gorm:"size:50" json:"reference_type"`
	ReferenceId   int             `json:"reference_id"`
	Note          string          `gorm:"size:255" json:"note"`
	CreatedBy     int             `json:"created_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func AppendInventoryMovement(tx *gorm.DB, movement *InventoryMovement) error {
	if err := tx.Create(movement).Error; err != nil {
		return utils.WrapInfra("inventory movement append", err)
	}
	return nil
}

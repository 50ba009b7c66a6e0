package models

import (
	"time"

	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OutputEvent records one output-registration action. One event may
// reference multiple ConsumptionRecords, one per source lot drawn from.
type OutputEvent struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	OrderId      int             `gorm:"index;not null" json:"order_id"`
	LotId        int             `gorm:"index;not null" json:"lot_id"`
	RequestedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"requested_qty"`
	QAStatus     QAStatus        `gorm:"type:enum('pending','passed','failed');default:'pending'" json:"qa_status"`
	CreatedBy    int             `json:"created_by"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func CreateOutputEvent(tx *gorm.DB, event *OutputEvent) error {
	if err := tx.Create(event).Error; err != nil {
		return utils.WrapInfra("output event create", err)
	}
	return nil
}

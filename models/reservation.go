package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reservation claims part of a lot for one production-order material line.
// Reservations are consumed strictly in SequenceNo order; a reservation
// becomes `consumed` only when its lot's remaining quantity reaches zero.
type Reservation struct {
	ID                  int               `gorm:"primary_key" json:"id"`
	BusinessId          string            `gorm:"index;not null" json:"business_id"`
	OrderId             int               `gorm:"index;not null" json:"order_id"`
	MaterialLineNo      int               `gorm:"not null;default:0" json:"material_line_no"`
	LotId               int               `gorm:"index;not null" json:"lot_id"`
	ReservedQty         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"reserved_qty"`
	ConsumedQty         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"consumed_qty"`
	SequenceNo          int               `gorm:"index;not null;default:0" json:"sequence_no"`
	WholeLotConsumption *bool             `gorm:"not null;default:false" json:"whole_lot_consumption"`
	Status              ReservationStatus `gorm:"type:enum('reserved','consumed','released');default:'reserved';index" json:"status"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReservation struct {
	OrderId             int             `json:"order_id" binding:"required"`
	MaterialLineNo      int             `json:"material_line_no"`
	LotId               int             `json:"lot_id" binding:"required"`
	ReservedQty         decimal.Decimal `json:"reserved_qty" binding:"required"`
	SequenceNo          int             `json:"sequence_no"`
	WholeLotConsumption *bool           `json:"whole_lot_consumption"`
}

func CreateReservation(ctx context.Context, input *NewReservation) (*Reservation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if !input.ReservedQty.IsPositive() {
		return nil, &utils.ValidationError{Message: "reserved quantity must be positive"}
	}
	if err := utils.ValidateResourceId[ProductionOrder](ctx, businessId, input.OrderId); err != nil {
		return nil, &utils.NotFoundError{Resource: "production order", Id: input.OrderId}
	}
	if err := utils.ValidateResourceId[Lot](ctx, businessId, input.LotId); err != nil {
		return nil, &utils.NotFoundError{Resource: "lot", Id: input.LotId}
	}

	reservation := Reservation{
		BusinessId:          businessId,
		OrderId:             input.OrderId,
		MaterialLineNo:      input.MaterialLineNo,
		LotId:               input.LotId,
		ReservedQty:         input.ReservedQty,
		SequenceNo:          input.SequenceNo,
		WholeLotConsumption: input.WholeLotConsumption,
		Status:              ReservationStatusReserved,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&reservation).Error; err != nil {
			return err
		}
		var lot Lot
		if err := tx.Where("business_id = ?", businessId).First(&lot, "id = ?", input.LotId).Error; err != nil {
			return err
		}
		if lot.Status == LotStatusAvailable {
			return TransitionLotStatus(tx, &lot, LotStatusReserved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// GetActiveReservations returns the order's reservations still holding
// quantity, in consumption (sequence) order.
func GetActiveReservations(tx *gorm.DB, businessId string, orderId int) ([]Reservation, error) {
	var reservations []Reservation
	err := tx.
		Where("business_id = ? AND order_id = ? AND status = ?", businessId, orderId, ReservationStatusReserved).
		Order("sequence_no, id").
		Find(&reservations).Error
	if err != nil {
		return nil, utils.WrapInfra("reservation list", err)
	}
	return reservations, nil
}

// TotalReservedQty sums reserved quantity across ALL of the order's
// non-released reservations; the over-consumption gate compares against it.
func TotalReservedQty(tx *gorm.DB, businessId string, orderId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&Reservation{}).
		Where("business_id = ? AND order_id = ? AND status <> ?", businessId, orderId, ReservationStatusReleased).
		Select("COALESCE(SUM(reserved_qty), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, utils.WrapInfra("reservation total", err)
	}
	return total, nil
}

// AddReservationConsumedQty bumps the reservation-line running total.
func AddReservationConsumedQty(tx *gorm.DB, reservationId int, qty decimal.Decimal) error {
	err := tx.Exec(`
UPDATE reservations
SET consumed_qty = consumed_qty + @q,
    updated_at = now()
WHERE id = @id
`, map[string]any{
		"id": reservationId,
		"q":  qty,
	}).Error
	if err != nil {
		return utils.WrapInfra("reservation running total", err)
	}
	return nil
}

// MarkReservationConsumed finalizes a reservation whose lot hit zero.
func MarkReservationConsumed(tx *gorm.DB, reservationId int) error {
	err := tx.Model(&Reservation{}).
		Where("id = ?", reservationId).
		Update("status", ReservationStatusConsumed).Error
	if err != nil {
		return utils.WrapInfra("reservation status update", err)
	}
	return nil
}

// ReopenReservation returns a consumed reservation to reserved after a
// reversal restored quantity onto its lot.
func ReopenReservation(tx *gorm.DB, reservationId int) error {
	err := tx.Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationId, ReservationStatusConsumed).
		Update("status", ReservationStatusReserved).Error
	if err != nil {
		return utils.WrapInfra("reservation reopen", err)
	}
	return nil
}

// ReleaseReservation frees a claim without consuming it.
func ReleaseReservation(ctx context.Context, id int) (*Reservation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	reservation, err := utils.FetchModel[Reservation](ctx, businessId, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &utils.NotFoundError{Resource: "reservation", Id: id}
		}
		return nil, utils.WrapInfra("reservation fetch", err)
	}
	if reservation.Status == ReservationStatusConsumed {
		return nil, &utils.ValidationError{Message: "consumed reservations cannot be released"}
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(reservation).Update("status", ReservationStatusReleased).Error; err != nil {
		return nil, utils.WrapInfra("reservation release", err)
	}
	reservation.Status = ReservationStatusReleased
	return reservation, nil
}

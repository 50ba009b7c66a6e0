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

type Customer struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"size:100;not null;index" json:"name" binding:"required"`
	Email      string    `gorm:"size:255" json:"email"`
	Phone      string    `gorm:"size:20" json:"phone"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LotShipment links a shipped lot to the customer who received it; the
// recall simulator reads it to build customer impact.
type LotShipment struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	LotId      int             `gorm:"index;not null" json:"lot_id"`
	CustomerId int             `gorm:"index;not null" json:"customer_id"`
	ShippedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipped_qty"`
	ShipDate   time.Time       `json:"ship_date"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewCustomer struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[Customer](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	customer := Customer{
		BusinessId: businessId,
		Name:       input.Name,
		Email:      input.Email,
		Phone:      input.Phone,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

type NewLotShipment struct {
	LotId      int             `json:"lot_id" binding:"required"`
	CustomerId int             `json:"customer_id" binding:"required"`
	ShippedQty decimal.Decimal `json:"shipped_qty" binding:"required"`
	ShipDate   time.Time       `json:"ship_date"`
}

// ShipLot records the shipment and moves the lot to its terminal shipped
// status in one transaction.
func ShipLot(ctx context.Context, input *NewLotShipment) (*LotShipment, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if !input.ShippedQty.IsPositive() {
		return nil, &utils.ValidationError{Message: "shipped quantity must be positive"}
	}
	if err := utils.ValidateResourceId[Customer](ctx, businessId, input.CustomerId); err != nil {
		return nil, &utils.NotFoundError{Resource: "customer", Id: input.CustomerId}
	}

	lot, err := GetLot(ctx, input.LotId)
	if err != nil {
		return nil, err
	}

	shipDate := input.ShipDate
	if shipDate.IsZero() {
		shipDate = time.Now().UTC()
	}

	shipment := LotShipment{
		BusinessId: businessId,
		LotId:      input.LotId,
		CustomerId: input.CustomerId,
		ShippedQty: input.ShippedQty,
		ShipDate:   shipDate,
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&shipment).Error; err != nil {
			return err
		}
		return TransitionLotStatus(tx, lot, LotStatusShipped)
	})
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

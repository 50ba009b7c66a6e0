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

// ProductionOrder supplies order status, product, unit of measure and the
// default output warehouse. Order scheduling and sequencing live elsewhere;
// the execution core only reads orders and bumps their produced totals.
type ProductionOrder struct {
	ID                int                   `gorm:"primary_key" json:"id"`
	BusinessId        string                `gorm:"index;not null" json:"business_id"`
	OrderNumber       string                `gorm:"size:100;not null;index" json:"order_number"`
	ProductId         int                   `gorm:"index;not null" json:"product_id"`
	UnitId            int                   `gorm:"index" json:"unit_id"`
	OutputWarehouseId int                   `gorm:"index" json:"output_warehouse_id"`
	Status            ProductionOrderStatus `gorm:"type:enum('draft','released','in_progress','completed','cancelled');default:'draft';index" json:"status"`
	OrderedQty        decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"ordered_qty"`
	ProducedQty       decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"produced_qty"`
	OverProducedQty   decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"over_produced_qty"`
	CreatedAt         time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProductionOrder struct {
	OrderNumber       string          `json:"order_number" binding:"required"`
	ProductId         int             `json:"product_id" binding:"required"`
	UnitId            int             `json:"unit_id"`
	OutputWarehouseId int             `json:"output_warehouse_id"`
	OrderedQty        decimal.Decimal `json:"ordered_qty" binding:"required"`
}

func CreateProductionOrder(ctx context.Context, input *NewProductionOrder) (*ProductionOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if !input.OrderedQty.IsPositive() {
		return nil, &utils.ValidationError{Message: "ordered quantity must be positive"}
	}
	if err := utils.ValidateUnique[ProductionOrder](ctx, businessId, "order_number", input.OrderNumber, 0); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return nil, &utils.NotFoundError{Resource: "product", Id: input.ProductId}
	}

	order := ProductionOrder{
		BusinessId:        businessId,
		OrderNumber:       input.OrderNumber,
		ProductId:         input.ProductId,
		UnitId:            input.UnitId,
		OutputWarehouseId: input.OutputWarehouseId,
		OrderedQty:        input.OrderedQty,
		Status:            ProductionOrderStatusDraft,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, utils.WrapInfra("production order create", err)
	}
	return &order, nil
}

func GetProductionOrder(tx *gorm.DB, businessId string, id int) (*ProductionOrder, error) {
	var order ProductionOrder
	err := tx.Where("business_id = ?", businessId).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.NotFoundError{Resource: "production order", Id: id}
	}
	if err != nil {
		return nil, utils.WrapInfra("production order fetch", err)
	}
	return &order, nil
}

// UpdateProductionOrderStatus walks the order through its lifecycle.
func UpdateProductionOrderStatus(ctx context.Context, id int, to ProductionOrderStatus) (*ProductionOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	order, err := GetProductionOrder(db.WithContext(ctx), businessId, id)
	if err != nil {
		return nil, err
	}
	if order.Status == ProductionOrderStatusCompleted || order.Status == ProductionOrderStatusCancelled {
		return nil, &utils.ValidationError{Message: "completed or cancelled orders cannot change status"}
	}
	if err := db.WithContext(ctx).Model(order).Update("status", to).Error; err != nil {
		return nil, utils.WrapInfra("production order status update", err)
	}
	order.Status = to
	return order, nil
}

// AddProducedQty bumps the order's aggregate produced totals.
func AddProducedQty(tx *gorm.DB, orderId int, qty decimal.Decimal, overQty decimal.Decimal) error {
	err := tx.Exec(`
UPDATE production_orders
SET produced_qty = produced_qty + @q,
    over_produced_qty = over_produced_qty + @oq,
    updated_at = now()
WHERE id = @id
`, map[string]any{
		"id": orderId,
		"q":  qty,
		"oq": overQty,
	}).Error
	if err != nil {
		return utils.WrapInfra("order produced total", err)
	}
	return nil
}

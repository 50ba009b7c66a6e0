package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	Name            string          `gorm:"size:100;not null;index" json:"name" binding:"required"`
	Sku             string          `gorm:"size:100;index" json:"sku"`
	CategoryId      int             `gorm:"index" json:"category_id"`
	UnitId          int             `gorm:"index" json:"unit_id"`
	UnitValue       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_value"`
	IsBatchTracking *bool           `gorm:"not null;default:false" json:"is_batch_tracking"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductCategory groups products; RequiresRecallReporting marks regulated
// categories whose presence in a recall forces a mandatory report.
type ProductCategory struct {
	ID                      int       `gorm:"primary_key" json:"id"`
	BusinessId              string    `gorm:"index;not null" json:"business_id"`
	Name                    string    `gorm:"size:100;not null" json:"name" binding:"required"`
	RequiresRecallReporting *bool     `gorm:"not null;default:false" json:"requires_recall_reporting"`
	CreatedAt               time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ProductUnit struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"index;not null" json:"business_id"`
	Name         string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Abbreviation string    `gorm:"size:10" json:"abbreviation"`
	Precision    int       `gorm:"default:0" json:"precision"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name            string          `json:"name" binding:"required"`
	Sku             string          `json:"sku"`
	CategoryId      int             `json:"category_id"`
	UnitId          int             `json:"unit_id" binding:"required"`
	UnitValue       decimal.Decimal `json:"unit_value"`
	IsBatchTracking *bool           `json:"is_batch_tracking"`
}

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.ValidateUnique[Product](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if err := utils.ValidateResourceId[ProductUnit](ctx, businessId, input.UnitId); err != nil {
		return errors.New("product unit not found")
	}
	if input.CategoryId != 0 {
		if err := utils.ValidateResourceId[ProductCategory](ctx, businessId, input.CategoryId); err != nil {
			return errors.New("product category not found")
		}
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:      businessId,
		Name:            input.Name,
		Sku:             input.Sku,
		CategoryId:      input.CategoryId,
		UnitId:          input.UnitId,
		UnitValue:       input.UnitValue,
		IsBatchTracking: input.IsBatchTracking,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

type NewProductUnit struct {
	Name         string `json:"name" binding:"required"`
	Abbreviation string `json:"abbreviation"`
	Precision    int    `json:"precision"`
}

func CreateProductUnit(ctx context.Context, input *NewProductUnit) (*ProductUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[ProductUnit](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	unit := ProductUnit{
		BusinessId:   businessId,
		Name:         input.Name,
		Abbreviation: input.Abbreviation,
		Precision:    input.Precision,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

type NewProductCategory struct {
	Name                    string `json:"name" binding:"required"`
	RequiresRecallReporting *bool  `json:"requires_recall_reporting"`
}

func CreateProductCategory(ctx context.Context, input *NewProductCategory) (*ProductCategory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateUnique[ProductCategory](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	category := ProductCategory{
		BusinessId:              businessId,
		Name:                    input.Name,
		RequiresRecallReporting: input.RequiresRecallReporting,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

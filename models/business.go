package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/utils"
)

// Business is the tenant (organization). Every domain row is scoped by
// BusinessId; the acting business id travels in the request context.
type Business struct {
	ID                 uuid.UUID `gorm:"primary_key" json:"id"`
	Name               string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName        string    `gorm:"size:100" json:"contact_name"`
	Email              string    `gorm:"size:255" json:"email"`
	Phone              string    `gorm:"size:20" json:"phone"`
	Address            string    `gorm:"type:text" json:"address"`
	Country            string    `gorm:"size:100" json:"country"`
	City               string    `gorm:"size:100" json:"city"`
	Timezone           string    `gorm:"size:50" json:"timezone"`
	PrimaryWarehouseId int       `json:"primary_warehouse_id"`
	IsActive           *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	Country     string `json:"country"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if input.Name == "" {
		return nil, errors.New("business name is required")
	}

	business := Business{
		ID:          uuid.New(),
		Name:        input.Name,
		ContactName: input.ContactName,
		Email:       input.Email,
		Phone:       input.Phone,
		Address:     input.Address,
		Country:     input.Country,
		City:        input.City,
		Timezone:    input.Timezone,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}

	// Default warehouse so receiving and output registration work out of the box.
	warehouse := Warehouse{
		BusinessId: business.ID.String(),
		Name:       "Primary Warehouse",
		IsActive:   utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&warehouse).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&business).Update("primary_warehouse_id", warehouse.ID).Error; err != nil {
		return nil, err
	}
	business.PrimaryWarehouseId = warehouse.ID

	return &business, nil
}

func GetBusiness(ctx context.Context, id string) (*Business, error) {
	var business Business
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&business, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &business, nil
}

package models

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/mes_backend/utils"
	"gorm.io/gorm"
)

// LotNumberSeries hands out monotonic human-readable lot numbers per
// business (LP-000001, LP-000002, ...). The counter row is advanced with an
// atomic increment so concurrent registrations never collide.
type LotNumberSeries struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"uniqueIndex;not null" json:"business_id"`
	Prefix     string `gorm:"size:10;not null;default:'LP'" json:"prefix"`
	NextNumber int    `gorm:"not null;default:1" json:"next_number"`
}

// NextLotNumber allocates and returns the next number in the series,
// creating the series row on first use. The advance and the readback run
// inside one transaction: LAST_INSERT_ID is session-scoped, so both
// statements must hit the same connection even when the caller passes the
// pooled root handle.
func NextLotNumber(db *gorm.DB, businessId string) (string, error) {
	var lotNumber string
	err := db.Transaction(func(tx *gorm.DB) error {
		var series LotNumberSeries
		err := tx.Where("business_id = ?", businessId).First(&series).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			series = LotNumberSeries{BusinessId: businessId, Prefix: "LP", NextNumber: 1}
			if err := tx.Create(&series).Error; err != nil {
				return utils.WrapInfra("lot number series create", err)
			}
		} else if err != nil {
			return utils.WrapInfra("lot number series fetch", err)
		}

		// LAST_INSERT_ID makes the increment-and-read atomic on one connection.
		res := tx.Exec(`
UPDATE lot_number_series
SET next_number = LAST_INSERT_ID(next_number) + 1
WHERE business_id = ?
`, businessId)
		if res.Error != nil {
			return utils.WrapInfra("lot number series advance", res.Error)
		}

		var allocated int
		if err := tx.Raw("SELECT LAST_INSERT_ID()").Scan(&allocated).Error; err != nil {
			return utils.WrapInfra("lot number series read", err)
		}

		lotNumber = fmt.Sprintf("%s-%06d", series.Prefix, allocated)
		return nil
	})
	if err != nil {
		return "", err
	}
	return lotNumber, nil
}

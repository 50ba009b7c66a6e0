package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lot is a physically identifiable quantity of one product (a license plate).
// Qty is the REMAINING quantity; OriginalQty never changes after creation.
// Lots are never physically deleted: DeleteLot flips the status flag only.
type Lot struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null;uniqueIndex:uniq_lot_business_number" json:"business_id"`
	LotNumber         string          `gorm:"size:100;not null;uniqueIndex:uniq_lot_business_number" json:"lot_number"`
	ProductId         int             `gorm:"index;not null" json:"product_id"`
	BatchNumber       string          `gorm:"size:100;index" json:"batch_number"`
	Qty               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	OriginalQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"original_qty"`
	UnitId            int             `gorm:"index" json:"unit_id"`
	Status            LotStatus       `gorm:"type:enum('available','reserved','consumed','quarantine','shipped','merged','deleted');default:'available';index" json:"status"`
	QAStatus          QAStatus        `gorm:"type:enum('pending','passed','failed');default:'pending'" json:"qa_status"`
	WarehouseId       int             `gorm:"index" json:"warehouse_id"`
	LocationId        int             `gorm:"index" json:"location_id"`
	ManufacturingDate *time.Time      `json:"manufacturing_date"`
	ExpiryDate        *time.Time      `json:"expiry_date"`
	CreatedBy         int             `json:"created_by"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces the ledger's hard invariant: quantity is never negative.
func (lot *Lot) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if lot == nil {
		return nil
	}
	if lot.Qty.IsNegative() {
		return fmt.Errorf("lot %s: negative quantity %s", lot.LotNumber, lot.Qty)
	}
	return nil
}

type NewLot struct {
	ProductId         int             `json:"product_id" binding:"required"`
	BatchNumber       string          `json:"batch_number"`
	Qty               decimal.Decimal `json:"qty" binding:"required"`
	UnitId            int             `json:"unit_id" binding:"required"`
	WarehouseId       int             `json:"warehouse_id"`
	LocationId        int             `json:"location_id"`
	QAStatus          QAStatus        `json:"qa_status"`
	ManufacturingDate *time.Time      `json:"manufacturing_date"`
	ExpiryDate        *time.Time      `json:"expiry_date"`
}

func (input *NewLot) validate(ctx context.Context, businessId string) error {
	if !input.Qty.IsPositive() {
		return &utils.ValidationError{Message: "lot quantity must be positive"}
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return &utils.NotFoundError{Resource: "product", Id: input.ProductId}
	}
	if err := utils.ValidateResourceId[ProductUnit](ctx, businessId, input.UnitId); err != nil {
		return &utils.NotFoundError{Resource: "product unit", Id: input.UnitId}
	}
	if input.WarehouseId != 0 {
		if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
			return &utils.NotFoundError{Resource: "warehouse", Id: input.WarehouseId}
		}
	}
	return nil
}

// CreateLot registers a lot on goods receipt. Output registration creates its
// lots through the output transaction instead, inside its own sequence.
func CreateLot(ctx context.Context, input *NewLot) (*Lot, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	db := config.GetDB()

	qaStatus := input.QAStatus
	if qaStatus == "" {
		qaStatus = QAStatusPending
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	lot := Lot{
		BusinessId:        businessId,
		ProductId:         input.ProductId,
		BatchNumber:       input.BatchNumber,
		Qty:               input.Qty,
		OriginalQty:       input.Qty,
		UnitId:            input.UnitId,
		Status:            LotStatusAvailable,
		QAStatus:          qaStatus,
		WarehouseId:       input.WarehouseId,
		LocationId:        input.LocationId,
		ManufacturingDate: input.ManufacturingDate,
		ExpiryDate:        input.ExpiryDate,
		CreatedBy:         userId,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lotNumber, err := NextLotNumber(tx, businessId)
		if err != nil {
			return utils.WrapInfra("lot number generation", err)
		}
		lot.LotNumber = lotNumber

		if err := tx.Create(&lot).Error; err != nil {
			return utils.WrapInfra("lot create", err)
		}

		return AppendInventoryMovement(tx, &InventoryMovement{
			BusinessId: businessId,
			LotId:      lot.ID,
			Type:       MovementReceipt,
			Qty:        input.Qty,
			CreatedBy:  userId,
		})
	})
	if err != nil {
		return nil, err
	}

	return &lot, nil
}

func GetLot(ctx context.Context, id int) (*Lot, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	var lot Lot
	db := config.GetDB()
	err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&lot, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.NotFoundError{Resource: "lot", Id: id}
	}
	if err != nil {
		return nil, utils.WrapInfra("lot fetch", err)
	}
	return &lot, nil
}

func GetLotByNumber(ctx context.Context, lotNumber string) (*Lot, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	var lot Lot
	db := config.GetDB()
	err := db.WithContext(ctx).Where("business_id = ? AND lot_number = ?", businessId, lotNumber).First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.NotFoundError{Resource: "lot", Id: lotNumber}
	}
	if err != nil {
		return nil, utils.WrapInfra("lot fetch", err)
	}
	return &lot, nil
}

// ConsumeLotQty decrements a lot's remaining quantity with a conditional
// UPDATE. The quantity is effectively re-read at decrement time: when a
// concurrent consumer already exhausted the lot the guard fails and a
// ConflictError is returned; the caller decides whether to re-plan.
// Returns the remaining quantity after the decrement.
func ConsumeLotQty(tx *gorm.DB, businessId string, lotId int, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, &utils.ValidationError{Message: "consumption quantity must be positive"}
	}

	res := tx.Exec(`
UPDATE lots
SET qty = qty - @q,
    updated_at = now()
WHERE id = @id
  AND business_id = @biz
  AND qty >= @q
  AND status NOT IN ('consumed','shipped','merged','deleted')
`, map[string]any{
		"id":  lotId,
		"biz": businessId,
		"q":   qty,
	})
	if res.Error != nil {
		return decimal.Zero, utils.WrapInfra("lot decrement", res.Error)
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, &utils.ConflictError{
			Message: fmt.Sprintf("lot %d has insufficient remaining quantity for %s (concurrent consumption or terminal status)", lotId, qty),
		}
	}

	var remaining decimal.Decimal
	if err := tx.Model(&Lot{}).Where("id = ?", lotId).Select("qty").Scan(&remaining).Error; err != nil {
		return decimal.Zero, utils.WrapInfra("lot re-read", err)
	}
	return remaining, nil
}

// RestoreLotQty adds a reversed consumption back onto a lot. The guard
// refuses to push the lot above its original quantity or to touch lots that
// physically left the system.
func RestoreLotQty(tx *gorm.DB, businessId string, lotId int, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, &utils.ValidationError{Message: "restore quantity must be positive"}
	}

	res := tx.Exec(`
UPDATE lots
SET qty = qty + @q,
    updated_at = now()
WHERE id = @id
  AND business_id = @biz
  AND qty + @q <= original_qty
  AND status NOT IN ('shipped','merged','deleted')
`, map[string]any{
		"id":  lotId,
		"biz": businessId,
		"q":   qty,
	})
	if res.Error != nil {
		return decimal.Zero, utils.WrapInfra("lot restore", res.Error)
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, &utils.ConflictError{
			Message: fmt.Sprintf("lot %d cannot absorb restored quantity %s (would exceed original quantity, or the lot left the system)", lotId, qty),
		}
	}

	var remaining decimal.Decimal
	if err := tx.Model(&Lot{}).Where("id = ?", lotId).Select("qty").Scan(&remaining).Error; err != nil {
		return decimal.Zero, utils.WrapInfra("lot re-read", err)
	}
	return remaining, nil
}

// ReopenConsumedLot moves a fully consumed lot back to available after a
// reversal. Raw SQL: this is the one sanctioned exit from a terminal status
// and TransitionLotStatus refuses it.
func ReopenConsumedLot(tx *gorm.DB, businessId string, lotId int) error {
	err := tx.Exec(`
UPDATE lots
SET status = 'available', updated_at = now()
WHERE id = ? AND business_id = ? AND status = 'consumed'
`, lotId, businessId).Error
	if err != nil {
		return utils.WrapInfra("lot reopen", err)
	}
	return nil
}

// TransitionLotStatus moves a lot to a new status, refusing to leave a
// terminal state.
func TransitionLotStatus(tx *gorm.DB, lot *Lot, to LotStatus) error {
	if !to.IsValid() {
		return &utils.ValidationError{Message: fmt.Sprintf("invalid lot status %q", to)}
	}
	if lot.Status.IsTerminal() {
		return &utils.ValidationError{
			Message: fmt.Sprintf("lot %s is %s; terminal statuses cannot transition", lot.LotNumber, lot.Status),
		}
	}
	if err := tx.Model(lot).Update("status", to).Error; err != nil {
		return utils.WrapInfra("lot status update", err)
	}
	lot.Status = to
	return nil
}

// BlockLot quarantines a lot (quality hold).
func BlockLot(ctx context.Context, id int) (*Lot, error) {
	lot, err := GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := TransitionLotStatus(db.WithContext(ctx), lot, LotStatusQuarantine); err != nil {
		return nil, err
	}
	return lot, nil
}

// UnblockLot releases a quarantined lot back to available.
func UnblockLot(ctx context.Context, id int) (*Lot, error) {
	lot, err := GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	if lot.Status != LotStatusQuarantine {
		return nil, &utils.ValidationError{Message: fmt.Sprintf("lot %s is not quarantined", lot.LotNumber)}
	}
	db := config.GetDB()
	if err := TransitionLotStatus(db.WithContext(ctx), lot, LotStatusAvailable); err != nil {
		return nil, err
	}
	return lot, nil
}

// DeleteLot flags a lot deleted. Rows are never removed from the ledger.
func DeleteLot(ctx context.Context, id int) (*Lot, error) {
	lot, err := GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := TransitionLotStatus(db.WithContext(ctx), lot, LotStatusDeleted); err != nil {
		return nil, err
	}
	return lot, nil
}

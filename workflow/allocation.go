package workflow

import (
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReservationState is the allocation-time snapshot of one reservation and
// its lot's remaining quantity, in consumption (sequence) order.
type ReservationState struct {
	ReservationId int
	LotId         int
	LotNumber     string
	UnitId        int
	LotRemaining  decimal.Decimal
	WholeLot      bool
}

type AllocationInput struct {
	OrderId         int
	RequestedQty    decimal.Decimal
	AlreadyConsumed decimal.Decimal
	TotalReserved   decimal.Decimal
	Reservations    []ReservationState
}

type AllocationEntry struct {
	ReservationId int             `json:"reservation_id"`
	LotId         int             `json:"lot_id"`
	LotNumber     string          `json:"lot_number"`
	UnitId        int             `json:"unit_id"`
	QtyToConsume  decimal.Decimal `json:"qty_to_consume"`
	WholeLot      bool            `json:"whole_lot"`
}

// AllocationPlan is what a preview UI renders and what the output
// transaction executes. TotalToConsume can exceed RequestedQty when a
// whole-lot reservation forces a full draw; that is policy, not an error.
type AllocationPlan struct {
	OrderId              int               `json:"order_id"`
	RequestedQty         decimal.Decimal   `json:"requested_qty"`
	Entries              []AllocationEntry `json:"entries"`
	TotalToConsume       decimal.Decimal   `json:"total_to_consume"`
	RemainingUnallocated decimal.Decimal   `json:"remaining_unallocated"`
	IsOverConsumption    bool              `json:"is_over_consumption"`
	TotalReserved        decimal.Decimal   `json:"total_reserved"`
	CumulativeAfter      decimal.Decimal   `json:"cumulative_after"`
}

// ComputeConsumptionAllocation decides which reserved lots to draw from for
// a requested output quantity. Pure and side-effect-free: safe to call
// repeatedly for preview/confirmation without touching state.
//
// Reservations are visited in sequence order; empty lots are skipped; a
// whole-lot reservation draws its lot's full remaining quantity, otherwise
// min(outstanding, remaining) is drawn; the walk stops once the outstanding
// request reaches zero.
func ComputeConsumptionAllocation(in AllocationInput) AllocationPlan {
	plan := AllocationPlan{
		OrderId:       in.OrderId,
		RequestedQty:  in.RequestedQty,
		Entries:       []AllocationEntry{},
		TotalReserved: in.TotalReserved,
	}

	outstanding := in.RequestedQty
	total := decimal.Zero

	for _, r := range in.Reservations {
		if !outstanding.IsPositive() {
			break
		}
		if !r.LotRemaining.IsPositive() {
			continue
		}

		qty := decimal.Min(outstanding, r.LotRemaining)
		if r.WholeLot {
			qty = r.LotRemaining
		}

		plan.Entries = append(plan.Entries, AllocationEntry{
			ReservationId: r.ReservationId,
			LotId:         r.LotId,
			LotNumber:     r.LotNumber,
			UnitId:        r.UnitId,
			QtyToConsume:  qty,
			WholeLot:      r.WholeLot,
		})
		total = total.Add(qty)
		outstanding = outstanding.Sub(qty)
	}

	plan.TotalToConsume = total
	plan.RemainingUnallocated = decimal.Max(decimal.Zero, outstanding)
	plan.CumulativeAfter = in.AlreadyConsumed.Add(total).Add(plan.RemainingUnallocated)
	plan.IsOverConsumption = plan.RemainingUnallocated.IsPositive() ||
		in.AlreadyConsumed.Add(total).GreaterThan(in.TotalReserved)

	return plan
}

// LoadAllocationInput assembles the allocation snapshot for an order from
// the store. Read-only; faults surface as InfrastructureError only.
func LoadAllocationInput(tx *gorm.DB, businessId string, orderId int, requestedQty decimal.Decimal) (*AllocationInput, error) {
	reservations, err := models.GetActiveReservations(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}

	states := make([]ReservationState, 0, len(reservations))
	for _, r := range reservations {
		var lot models.Lot
		if err := tx.Where("business_id = ?", businessId).First(&lot, "id = ?", r.LotId).Error; err != nil {
			return nil, utils.WrapInfra("allocation lot snapshot", err)
		}
		remaining := lot.Qty
		if lot.Status.IsTerminal() || lot.Status == models.LotStatusQuarantine {
			remaining = decimal.Zero
		}
		states = append(states, ReservationState{
			ReservationId: r.ID,
			LotId:         lot.ID,
			LotNumber:     lot.LotNumber,
			UnitId:        lot.UnitId,
			LotRemaining:  remaining,
			WholeLot:      utils.DereferencePtr(r.WholeLotConsumption),
		})
	}

	totalReserved, err := models.TotalReservedQty(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}
	alreadyConsumed, err := models.ConsumedQtyForOrder(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}

	return &AllocationInput{
		OrderId:         orderId,
		RequestedQty:    requestedQty,
		AlreadyConsumed: alreadyConsumed,
		TotalReserved:   totalReserved,
		Reservations:    states,
	}, nil
}

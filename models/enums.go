package models

// LotStatus is the lifecycle state of a lot (license plate).
// Transition into a terminal status is final: no further status change or
// quantity decrement is permitted afterwards.
type LotStatus string

const (
	LotStatusAvailable  LotStatus = "available"
	LotStatusReserved   LotStatus = "reserved"
	LotStatusConsumed   LotStatus = "consumed"
	LotStatusQuarantine LotStatus = "quarantine"
	LotStatusShipped    LotStatus = "shipped"
	LotStatusMerged     LotStatus = "merged"
	LotStatusDeleted    LotStatus = "deleted"
)

func (s LotStatus) IsTerminal() bool {
	switch s {
	case LotStatusConsumed, LotStatusShipped, LotStatusMerged, LotStatusDeleted:
		return true
	}
	return false
}

func (s LotStatus) IsValid() bool {
	switch s {
	case LotStatusAvailable, LotStatusReserved, LotStatusConsumed,
		LotStatusQuarantine, LotStatusShipped, LotStatusMerged, LotStatusDeleted:
		return true
	}
	return false
}

// QAStatus is the quality disposition of a lot.
type QAStatus string

const (
	QAStatusPending QAStatus = "pending"
	QAStatusPassed  QAStatus = "passed"
	QAStatusFailed  QAStatus = "failed"
)

type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusReleased ReservationStatus = "released"
)

// GenealogyRelationship classifies a parent-to-child lineage edge.
type GenealogyRelationship string

const (
	GenealogySplit     GenealogyRelationship = "split"
	GenealogyCombine   GenealogyRelationship = "combine"
	GenealogyTransform GenealogyRelationship = "transform"
	GenealogyByProduct GenealogyRelationship = "by_product"
)

func (r GenealogyRelationship) IsValid() bool {
	switch r {
	case GenealogySplit, GenealogyCombine, GenealogyTransform, GenealogyByProduct:
		return true
	}
	return false
}

type ProductionOrderStatus string

const (
	ProductionOrderStatusDraft      ProductionOrderStatus = "draft"
	ProductionOrderStatusReleased   ProductionOrderStatus = "released"
	ProductionOrderStatusInProgress ProductionOrderStatus = "in_progress"
	ProductionOrderStatusCompleted  ProductionOrderStatus = "completed"
	ProductionOrderStatusCancelled  ProductionOrderStatus = "cancelled"
)

// IsActiveExecution reports whether output may be registered against the order.
func (s ProductionOrderStatus) IsActiveExecution() bool {
	return s == ProductionOrderStatusReleased || s == ProductionOrderStatusInProgress
}

// MovementType classifies audit entries in the inventory movement trail.
type MovementType string

const (
	MovementReceipt     MovementType = "receipt"
	MovementConsumption MovementType = "consumption"
	MovementOutput      MovementType = "output"
	MovementReversal    MovementType = "reversal"
	MovementAdjustment  MovementType = "adjustment"
	MovementStatus      MovementType = "status"
)

type NotificationStatus string

const (
	NotificationStatusDraft        NotificationStatus = "draft"
	NotificationStatusSent         NotificationStatus = "sent"
	NotificationStatusAcknowledged NotificationStatus = "acknowledged"
)

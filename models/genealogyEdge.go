package models

import (
	"time"

	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GenealogyEdge is a directed lineage relationship: ParentLotId was (partly)
// transformed into ChildLotId. Edges are append-only and are created strictly
// in the direction of physical transformation time - a child lot always
// exists AFTER its parents - so the graph is acyclic by construction.
type GenealogyEdge struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	BusinessId       string                `gorm:"index;not null" json:"business_id"`
	ParentLotId      int                   `gorm:"index;not null" json:"parent_lot_id"`
	ChildLotId       int                   `gorm:"index;not null" json:"child_lot_id"`
	Relationship     GenealogyRelationship `gorm:"type:enum('split','combine','transform','by_product');default:'transform'" json:"relationship"`
	QtyFromParent    decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"qty_from_parent"`
	OrderId          int                   `gorm:"index" json:"order_id"`
	IsOverProduction *bool                 `gorm:"not null;default:false" json:"is_over_production"`
	IsReversed       *bool                 `gorm:"not null;default:false" json:"is_reversed"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

func (e *GenealogyEdge) BeforeUpdate(tx *gorm.DB) error {
	_ = tx
	return &utils.ValidationError{Message: "genealogy edges are append-only"}
}

func (e *GenealogyEdge) BeforeDelete(tx *gorm.DB) error {
	_ = tx
	return &utils.ValidationError{Message: "genealogy edges are append-only"}
}

func CreateGenealogyEdge(tx *gorm.DB, edge *GenealogyEdge) error {
	if edge.ParentLotId == edge.ChildLotId {
		return &utils.ValidationError{Message: "a lot cannot be its own parent"}
	}
	if !edge.Relationship.IsValid() {
		return &utils.ValidationError{Message: "invalid genealogy relationship"}
	}
	if err := tx.Create(edge).Error; err != nil {
		return utils.WrapInfra("genealogy edge create", err)
	}
	return nil
}

// MarkGenealogyEdgesReversed flags the consumption edges of one lot into one
// output event's lot. Raw SQL because the model hook blocks ordinary
// updates; the rows stay in place so the audit trail keeps the full history.
func MarkGenealogyEdgesReversed(tx *gorm.DB, businessId string, orderId int, parentLotId int, childLotId int) error {
	err := tx.Exec(`
UPDATE genealogy_edges
SET is_reversed = true
WHERE business_id = ? AND order_id = ? AND parent_lot_id = ? AND child_lot_id = ?
`, businessId, orderId, parentLotId, childLotId).Error
	if err != nil {
		return utils.WrapInfra("genealogy edge reversal", err)
	}
	return nil
}

// DirectChildren returns the edges leaving a lot (depth-1 descendants).
func DirectChildren(tx *gorm.DB, businessId string, lotId int) ([]GenealogyEdge, error) {
	var edges []GenealogyEdge
	err := tx.
		Where("business_id = ? AND parent_lot_id = ?", businessId, lotId).
		Order("id").
		Find(&edges).Error
	if err != nil {
		return nil, utils.WrapInfra("genealogy children", err)
	}
	return edges, nil
}

// DirectParents returns the edges entering a lot (depth-1 ancestors).
func DirectParents(tx *gorm.DB, businessId string, lotId int) ([]GenealogyEdge, error) {
	var edges []GenealogyEdge
	err := tx.
		Where("business_id = ? AND child_lot_id = ?", businessId, lotId).
		Order("id").
		Find(&edges).Error
	if err != nil {
		return nil, utils.WrapInfra("genealogy parents", err)
	}
	return edges, nil
}

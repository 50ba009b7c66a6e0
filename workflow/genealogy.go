package workflow

import (
	"context"
	"errors"
	"sort"

	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TraceDirection string

const (
	TraceForward  TraceDirection = "forward"
	TraceBackward TraceDirection = "backward"
)

// DefaultTraceDepth bounds the recursive walk when the caller does not
// supply one. Real genealogy chains rarely exceed a handful of levels;
// the bound exists to keep a cyclic-data bug from running away.
const DefaultTraceDepth = 20

type TraceEntry struct {
	LotId         int                          `json:"lot_id"`
	LotNumber     string                       `json:"lot_number"`
	ProductId     int                          `json:"product_id"`
	BatchNumber   string                       `json:"batch_number"`
	Status        models.LotStatus             `json:"status"`
	Qty           decimal.Decimal              `json:"qty"`
	WarehouseId   int                          `json:"warehouse_id"`
	Depth         int                          `json:"depth"`
	Relationship  models.GenealogyRelationship `json:"relationship,omitempty"`
	QtyFromParent decimal.Decimal              `json:"qty_from_parent"`
	ViaLotId      int                          `json:"via_lot_id,omitempty"`
}

// TraceNode is the depth-1 tree view: the root's direct relatives only.
// Deeper ancestry is available in the flat Entries list; the tree is a
// rendering convenience, not the full graph.
type TraceNode struct {
	TraceEntry
	Children []TraceNode `json:"children,omitempty"`
}

type TraceResult struct {
	Root      TraceEntry     `json:"root"`
	Direction TraceDirection `json:"direction"`
	Entries   []TraceEntry   `json:"entries"`
	Tree      TraceNode      `json:"tree"`
	TotalLots int            `json:"total_lots"`
	MaxDepth  int            `json:"max_depth"`
}

type traceRow struct {
	LotId         int
	Depth         int
	Relationship  models.GenealogyRelationship
	QtyFromParent decimal.Decimal
	ViaLotId      int
}

// forwardTraceSQL walks parent -> child edges; the backward variant swaps
// the join direction. Depth is bounded inside the CTE so MySQL never
// materializes more than maxDepth levels even on pathological data.
// Reversed edges are corrections of consumption that never happened; both
// walks skip them.
const forwardTraceSQL = `
WITH RECURSIVE descendants (lot_id, depth, relationship, qty_from_parent, via_lot_id) AS (
    SELECT e.child_lot_id, 1, e.relationship, e.qty_from_parent, e.parent_lot_id
    FROM genealogy_edges e
    WHERE e.business_id = @businessId AND e.parent_lot_id = @rootId AND e.is_reversed = false
    UNION ALL
    SELECT e.child_lot_id, d.depth + 1, e.relationship, e.qty_from_parent, e.parent_lot_id
    FROM genealogy_edges e
    JOIN descendants d ON e.parent_lot_id = d.lot_id
    WHERE e.business_id = @businessId AND e.is_reversed = false AND d.depth < @maxDepth
)
SELECT lot_id, depth, relationship, qty_from_parent, via_lot_id FROM descendants`

const backwardTraceSQL = `
WITH RECURSIVE ancestors (lot_id, depth, relationship, qty_from_parent, via_lot_id) AS (
    SELECT e.parent_lot_id, 1, e.relationship, e.qty_from_parent, e.child_lot_id
    FROM genealogy_edges e
    WHERE e.business_id = @businessId AND e.child_lot_id = @rootId AND e.is_reversed = false
    UNION ALL
    SELECT e.parent_lot_id, a.depth + 1, e.relationship, e.qty_from_parent, e.child_lot_id
    FROM genealogy_edges e
    JOIN ancestors a ON e.child_lot_id = a.lot_id
    WHERE e.business_id = @businessId AND e.is_reversed = false AND a.depth < @maxDepth
)
SELECT lot_id, depth, relationship, qty_from_parent, via_lot_id FROM ancestors`

// TraceLot walks the genealogy graph from a root lot in one direction and
// returns every reachable lot with the shortest depth it was found at.
// A lot reached by several paths appears once. An isolated lot yields
// TotalLots 1 and MaxDepth 0.
func TraceLot(db *gorm.DB, ctx context.Context, businessId string, rootLotId int, direction TraceDirection, maxDepth int) (*TraceResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultTraceDepth
	}

	var root models.Lot
	err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&root, "id = ?", rootLotId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.NotFoundError{Resource: "lot", Id: rootLotId}
	}
	if err != nil {
		return nil, utils.WrapInfra("trace root fetch", err)
	}

	query := forwardTraceSQL
	if direction == TraceBackward {
		query = backwardTraceSQL
	}
	var rows []traceRow
	err = db.WithContext(ctx).Raw(query,
		map[string]any{"businessId": businessId, "rootId": rootLotId, "maxDepth": maxDepth},
	).Scan(&rows).Error
	if err != nil {
		return nil, utils.WrapInfra("genealogy trace", err)
	}

	// The CTE emits one row per path; keep the shortest depth per lot.
	byLot := map[int]traceRow{}
	for _, row := range rows {
		if row.LotId == rootLotId {
			continue
		}
		if prev, seen := byLot[row.LotId]; !seen || row.Depth < prev.Depth {
			byLot[row.LotId] = row
		}
	}

	ids := make([]int, 0, len(byLot))
	for id := range byLot {
		ids = append(ids, id)
	}
	lots := map[int]models.Lot{}
	if len(ids) > 0 {
		var fetched []models.Lot
		if err := db.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, ids).Find(&fetched).Error; err != nil {
			return nil, utils.WrapInfra("trace lot fetch", err)
		}
		for _, lot := range fetched {
			lots[lot.ID] = lot
		}
	}

	result := &TraceResult{
		Root:      lotEntry(&root, 0),
		Direction: direction,
		Entries:   []TraceEntry{lotEntry(&root, 0)},
		TotalLots: 1,
	}
	for _, row := range byLot {
		lot, known := lots[row.LotId]
		if !known {
			// Edge to a lot row we could not load; skip rather than emit
			// a hollow entry.
			continue
		}
		entry := lotEntry(&lot, row.Depth)
		entry.Relationship = row.Relationship
		entry.QtyFromParent = row.QtyFromParent
		entry.ViaLotId = row.ViaLotId
		result.Entries = append(result.Entries, entry)
		result.TotalLots++
		if row.Depth > result.MaxDepth {
			result.MaxDepth = row.Depth
		}
	}
	sort.Slice(result.Entries, func(i, j int) bool {
		if result.Entries[i].Depth != result.Entries[j].Depth {
			return result.Entries[i].Depth < result.Entries[j].Depth
		}
		return result.Entries[i].LotId < result.Entries[j].LotId
	})

	result.Tree = TraceNode{TraceEntry: result.Root}
	for _, entry := range result.Entries {
		if entry.Depth == 1 {
			result.Tree.Children = append(result.Tree.Children, TraceNode{TraceEntry: entry})
		}
	}

	return result, nil
}

func lotEntry(lot *models.Lot, depth int) TraceEntry {
	return TraceEntry{
		LotId:       lot.ID,
		LotNumber:   lot.LotNumber,
		ProductId:   lot.ProductId,
		BatchNumber: lot.BatchNumber,
		Status:      lot.Status,
		Qty:         lot.Qty,
		WarehouseId: lot.WarehouseId,
		Depth:       depth,
	}
}

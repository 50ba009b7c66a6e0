package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/utils"
	"gorm.io/gorm"
)

// RecallSimulation persists a full recall analysis for later retrieval and
// for the paginated history listing. Result holds the serialized report;
// simulations are estimates, not authoritative recall decisions.
type RecallSimulation struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	SeedLotId   int       `gorm:"index;not null" json:"seed_lot_id"`
	BatchNumber string    `gorm:"size:100" json:"batch_number"`
	Result      string    `gorm:"type:json" json:"result"`
	ExecutionMs int64     `json:"execution_ms"`
	CreatedBy   int       `json:"created_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func recallSimulationCacheKey(businessId string, id int) string {
	return fmt.Sprintf("recallSim:%s:%d", businessId, id)
}

func recallListCacheKey(businessId string) string {
	return fmt.Sprintf("recallSims:%s", businessId)
}

// CreateRecallSimulation persists a finished analysis and drops the
// business's cached history page.
func CreateRecallSimulation(tx *gorm.DB, simulation *RecallSimulation) error {
	if err := tx.Create(simulation).Error; err != nil {
		return utils.WrapInfra("recall simulation create", err)
	}
	_ = config.RemoveRedisKey(recallListCacheKey(simulation.BusinessId))
	return nil
}

// GetRecallSimulation is a read-through cache: simulations are immutable
// once persisted, so a hit never goes stale.
func GetRecallSimulation(ctx context.Context, id int) (*RecallSimulation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	cacheKey := recallSimulationCacheKey(businessId, id)
	var simulation RecallSimulation
	if hit, err := config.GetRedisObject(cacheKey, &simulation); err == nil && hit {
		return &simulation, nil
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&simulation, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.NotFoundError{Resource: "recall simulation", Id: id}
	}
	if err != nil {
		return nil, utils.WrapInfra("recall simulation fetch", err)
	}
	_ = config.SetRedisObject(cacheKey, &simulation, time.Hour)
	return &simulation, nil
}

// DecodeResult unmarshals the stored report into dest.
func (s *RecallSimulation) DecodeResult(dest any) error {
	return json.Unmarshal([]byte(s.Result), dest)
}

// recallListPage is the cached shape of an un-cursored history page. Limit
// is stored alongside so a hit with a different page size falls through.
type recallListPage struct {
	Limit       int                `json:"limit"`
	Simulations []RecallSimulation `json:"simulations"`
	PageInfo    PageInfo           `json:"page_info"`
}

// PaginateRecallSimulations lists history newest-first using an id cursor.
// The first page is cached per business; CreateRecallSimulation invalidates.
func PaginateRecallSimulations(ctx context.Context, limit int, after *string) ([]RecallSimulation, *PageInfo, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}

	if after == nil {
		var page recallListPage
		if hit, err := config.GetRedisObject(recallListCacheKey(businessId), &page); err == nil && hit && page.Limit == limit {
			info := page.PageInfo
			return page.Simulations, &info, nil
		}
	}

	db := config.GetDB()
	query := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit + 1)

	if cursorId := DecodeIdCursor(after); cursorId > 0 {
		query = query.Where("id < ?", cursorId)
	}

	var simulations []RecallSimulation
	if err := query.Find(&simulations).Error; err != nil {
		return nil, nil, utils.WrapInfra("recall simulation list", err)
	}

	pageInfo := &PageInfo{HasNextPage: utils.NewFalse()}
	if len(simulations) > limit {
		simulations = simulations[:limit]
		pageInfo.HasNextPage = utils.NewTrue()
	}
	if len(simulations) > 0 {
		pageInfo.StartCursor = EncodeIdCursor(simulations[0].ID)
		pageInfo.EndCursor = EncodeIdCursor(simulations[len(simulations)-1].ID)
	}

	if after == nil {
		_ = config.SetRedisObject(recallListCacheKey(businessId), &recallListPage{
			Limit:       limit,
			Simulations: simulations,
			PageInfo:    *pageInfo,
		}, 5*time.Minute)
	}
	return simulations, pageInfo, nil
}

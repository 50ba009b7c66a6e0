package utils

import (
	"context"
	"errors"
	"reflect"

	"github.com/mmdatafocus/mes_backend/config"
)

// check if id exists, using business_id in WHERE, return record-not-found error
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

// check if ALL ids exist, using business_id in WHERE, return record-not-found error
func ValidateResourcesId[M any, ID comparable](ctx context.Context, businessId string, ids []ID) error {
	unqIds := UniqueSlice(ids)

	count, err := ResourceCountWhere[M](ctx, businessId, "id IN ?", unqIds)
	if err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, businessId string, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, businessId, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, businessId, column+" = ? AND NOT id = ?", value, exceptId)
	}

	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate " + column)
	}
	return nil
}

// count records, using WHERE business_id = ? AND $condition
// business_id can be blank for admin user
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64

	db := config.GetDB()
	query := db.WithContext(ctx).Model(&model)
	if businessId != "" {
		query = query.Where("business_id = ?", businessId)
	}
	if err := query.Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// FetchModel loads one record by id scoped to the business.
func FetchModel[T any](ctx context.Context, businessId string, id int) (*T, error) {
	var record T
	db := config.GetDB()
	query := db.WithContext(ctx)
	if businessId != "" {
		query = query.Where("business_id = ?", businessId)
	}
	if err := query.First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// seed-dev populates a development database with a small but complete
// manufacturing scenario: one business, a warehouse with zones, tracked
// products, received lots, a released production order with sequenced
// reservations and a customer to ship to.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx := context.Background()

	business, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Dev Foods Co",
		Email: "dev@example.com",
		City:  "Yangon",
	})
	fatal(err, "create business")

	ctx = utils.SetBusinessIdInContext(ctx, business.ID.String())
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	user, err := models.CreateUser(ctx, &models.NewUser{
		Username: "devAdmin",
		Name:     "Dev Admin",
		Password: "devAdmin123",
		Role:     models.UserRoleAdmin,
	})
	fatal(err, "create user")
	ctx = utils.SetUserIdInContext(ctx, user.ID)

	_, err = models.CreateLocation(ctx, &models.NewLocation{
		WarehouseId: business.PrimaryWarehouseId, Zone: "A", Code: "A-01",
	})
	fatal(err, "create location")
	_, err = models.CreateLocation(ctx, &models.NewLocation{
		WarehouseId: business.PrimaryWarehouseId, Zone: "B", Code: "B-01",
	})
	fatal(err, "create location")

	kg, err := models.CreateProductUnit(ctx, &models.NewProductUnit{Name: "Kilogram", Abbreviation: "kg", Precision: 2})
	fatal(err, "create unit")

	regulated, err := models.CreateProductCategory(ctx, &models.NewProductCategory{
		Name: "Dairy", RequiresRecallReporting: utils.NewTrue(),
	})
	fatal(err, "create category")

	flour, err := models.CreateProduct(ctx, &models.NewProduct{
		Name: "Flour", Sku: "RM-FLOUR", UnitId: kg.ID,
		UnitValue: decimal.NewFromFloat(1.5), IsBatchTracking: utils.NewTrue(),
	})
	fatal(err, "create product")
	milkPowder, err := models.CreateProduct(ctx, &models.NewProduct{
		Name: "Milk Powder", Sku: "RM-MILK", CategoryId: regulated.ID, UnitId: kg.ID,
		UnitValue: decimal.NewFromFloat(8), IsBatchTracking: utils.NewTrue(),
	})
	fatal(err, "create product")
	doughMix, err := models.CreateProduct(ctx, &models.NewProduct{
		Name: "Dough Mix", Sku: "FG-DOUGH", UnitId: kg.ID,
		UnitValue: decimal.NewFromFloat(12), IsBatchTracking: utils.NewTrue(),
	})
	fatal(err, "create product")

	flourLot, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: flour.ID, BatchNumber: "FLOUR-2408", Qty: decimal.NewFromInt(100),
		UnitId: kg.ID, WarehouseId: business.PrimaryWarehouseId, QAStatus: models.QAStatusPassed,
	})
	fatal(err, "create flour lot")
	milkLot, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: milkPowder.ID, BatchNumber: "MILK-2408", Qty: decimal.NewFromInt(50),
		UnitId: kg.ID, WarehouseId: business.PrimaryWarehouseId, QAStatus: models.QAStatusPassed,
	})
	fatal(err, "create milk lot")

	order, err := models.CreateProductionOrder(ctx, &models.NewProductionOrder{
		OrderNumber: "PO-0001", ProductId: doughMix.ID, UnitId: kg.ID,
		OutputWarehouseId: business.PrimaryWarehouseId, OrderedQty: decimal.NewFromInt(120),
	})
	fatal(err, "create order")

	_, err = models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order.ID, LotId: flourLot.ID, ReservedQty: decimal.NewFromInt(100), SequenceNo: 1,
	})
	fatal(err, "reserve flour")
	_, err = models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order.ID, LotId: milkLot.ID, ReservedQty: decimal.NewFromInt(50), SequenceNo: 2,
	})
	fatal(err, "reserve milk")

	_, err = models.UpdateProductionOrderStatus(ctx, order.ID, models.ProductionOrderStatusReleased)
	fatal(err, "release order")

	_, err = models.CreateCustomer(ctx, &models.NewCustomer{Name: "City Bakery", Email: "orders@citybakery.example"})
	fatal(err, "create customer")

	fmt.Printf("seeded business %s (order %s, lots %s / %s)\n",
		business.ID, order.OrderNumber, flourLot.LotNumber, milkLot.LotNumber)
}

func fatal(err error, step string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
		os.Exit(1)
	}
}

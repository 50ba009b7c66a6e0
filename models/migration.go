package models

import (
	"log"

	"github.com/mmdatafocus/mes_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&Warehouse{}, &Location{},
		&Product{}, &ProductCategory{}, &ProductUnit{},
		&Customer{}, &LotShipment{},
		&ProductionOrder{},
		&Lot{}, &LotNumberSeries{},
		&Reservation{},
		&ConsumptionRecord{}, &OutputEvent{},
		&GenealogyEdge{},
		&InventoryMovement{},
		&RecallSimulation{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

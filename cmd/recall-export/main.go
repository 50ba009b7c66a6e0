// recall-export writes a stored recall simulation to an Excel workbook for
// distribution to operations and regulatory contacts.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/recall-export -business <business_id> -id <simulation_id> -out recall.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/mmdatafocus/mes_backend/workflow"
	"github.com/xuri/excelize/v2"
)

func main() {
	businessId := flag.String("business", "", "business id owning the simulation")
	simulationId := flag.Int("id", 0, "recall simulation id")
	out := flag.String("out", "recall.xlsx", "output file path")
	flag.Parse()

	if *businessId == "" || *simulationId <= 0 {
		fmt.Fprintln(os.Stderr, "both -business and -id are required")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	simulation, err := models.GetRecallSimulation(ctx, *simulationId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load simulation: %v\n", err)
		os.Exit(1)
	}
	report, err := workflow.DecodeRecallReport(simulation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode report: %v\n", err)
		os.Exit(1)
	}

	if err := exportReport(report, *out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (simulation %d, %d affected lots)\n", *out, simulation.ID, report.Summary.TotalAffectedLots)
}

func exportReport(report *workflow.RecallReport, filename string) error {
	f := excelize.NewFile()
	sheet := "Summary"
	f.SetSheetName("Sheet1", sheet)

	rows := [][]interface{}{
		{"Seed Lot", report.SeedLotNumber},
		{"Batch Number", report.BatchNumber},
		{"Executed At", report.ExecutedAt.Format("2006-01-02 15:04:05")},
		{"Total Affected Lots", report.Summary.TotalAffectedLots},
		{"Total Quantity", report.Summary.TotalQty.String()},
		{"Warehouses", report.Summary.WarehouseCount},
		{"Customers", report.Summary.CustomerCount},
		{"Estimated Cost", report.Financial.EstimatedTotal.String()},
		{"Cost Confidence", report.Financial.Confidence},
		{"Report Required", report.Regulatory.ReportRequired},
	}
	if report.Regulatory.ReportDueDate != nil {
		rows = append(rows, []interface{}{"Report Due", report.Regulatory.ReportDueDate.Format("2006-01-02 15:04:05")})
	}
	for i, row := range rows {
		f.SetCellValue(sheet, "A"+fmt.Sprint(i+1), row[0])
		f.SetCellValue(sheet, "B"+fmt.Sprint(i+1), row[1])
	}

	lotSheet := "Lots"
	if _, err := f.NewSheet(lotSheet); err != nil {
		return err
	}
	f.SetCellValue(lotSheet, "A1", "LotNumber")
	f.SetCellValue(lotSheet, "B1", "Status")
	f.SetCellValue(lotSheet, "C1", "Qty")
	f.SetCellValue(lotSheet, "D1", "Depth")
	f.SetCellValue(lotSheet, "E1", "Relationship")
	for i, lot := range report.AffectedLots {
		f.SetCellValue(lotSheet, "A"+fmt.Sprint(i+2), lot.LotNumber)
		f.SetCellValue(lotSheet, "B"+fmt.Sprint(i+2), string(lot.Status))
		f.SetCellValue(lotSheet, "C"+fmt.Sprint(i+2), lot.Qty.String())
		f.SetCellValue(lotSheet, "D"+fmt.Sprint(i+2), lot.Depth)
		f.SetCellValue(lotSheet, "E"+fmt.Sprint(i+2), string(lot.Relationship))
	}

	warehouseSheet := "Warehouses"
	if _, err := f.NewSheet(warehouseSheet); err != nil {
		return err
	}
	f.SetCellValue(warehouseSheet, "A1", "Warehouse")
	f.SetCellValue(warehouseSheet, "B1", "Lots")
	f.SetCellValue(warehouseSheet, "C1", "Qty")
	for i, w := range report.Warehouses {
		f.SetCellValue(warehouseSheet, "A"+fmt.Sprint(i+2), w.WarehouseName)
		f.SetCellValue(warehouseSheet, "B"+fmt.Sprint(i+2), w.LotCount)
		f.SetCellValue(warehouseSheet, "C"+fmt.Sprint(i+2), w.TotalQty.String())
	}

	if len(report.Customers) > 0 {
		customerSheet := "Customers"
		if _, err := f.NewSheet(customerSheet); err != nil {
			return err
		}
		f.SetCellValue(customerSheet, "A1", "Customer")
		f.SetCellValue(customerSheet, "B1", "LotNumber")
		f.SetCellValue(customerSheet, "C1", "ShippedQty")
		f.SetCellValue(customerSheet, "D1", "ShipDate")
		for i, c := range report.Customers {
			f.SetCellValue(customerSheet, "A"+fmt.Sprint(i+2), c.CustomerName)
			f.SetCellValue(customerSheet, "B"+fmt.Sprint(i+2), c.LotNumber)
			f.SetCellValue(customerSheet, "C"+fmt.Sprint(i+2), c.ShippedQty.String())
			f.SetCellValue(customerSheet, "D"+fmt.Sprint(i+2), c.ShipDate.Format("2006-01-02"))
		}
	}

	return f.SaveAs(filename)
}

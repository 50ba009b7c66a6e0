package workflow_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/mes_backend/config"
	"github.com/mmdatafocus/mes_backend/models"
	"github.com/mmdatafocus/mes_backend/utils"
	"github.com/mmdatafocus/mes_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Posting-integrity regression over a real MySQL + Redis. Covers the
// connection-scoped advisory lock actually being released, lot number
// allocation on the pooled handle, the recall caches, the Redis lock
// surviving past its TTL while held, and the full consumption reversal.
func TestConsumptionReversalAndPostingGuarantees(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "mes_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	logger := logrus.New()
	db := config.GetDB()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Reversal Foods", Email: "owner@reversal.test"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessId := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessId)

	kg, err := models.CreateProductUnit(ctx, &models.NewProductUnit{Name: "Kilogram", Abbreviation: "kg", Precision: 2})
	if err != nil {
		t.Fatalf("CreateProductUnit: %v", err)
	}
	flour, err := models.CreateProduct(ctx, &models.NewProduct{
		Name: "Flour", UnitId: kg.ID, UnitValue: decimal.NewFromInt(2), IsBatchTracking: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct flour: %v", err)
	}
	dough, err := models.CreateProduct(ctx, &models.NewProduct{
		Name: "Dough", UnitId: kg.ID, UnitValue: decimal.NewFromInt(12), IsBatchTracking: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct dough: %v", err)
	}

	l1, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: flour.ID, Qty: decimal.NewFromInt(50), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, QAStatus: models.QAStatusPassed, BatchNumber: "FLOUR-R1",
	})
	if err != nil {
		t.Fatalf("CreateLot L1: %v", err)
	}

	order, err := models.CreateProductionOrder(ctx, &models.NewProductionOrder{
		OrderNumber: "PO-R1", ProductId: dough.ID, UnitId: kg.ID,
		OutputWarehouseId: biz.PrimaryWarehouseId, OrderedQty: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateProductionOrder: %v", err)
	}
	reservation, err := models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order.ID, LotId: l1.ID, ReservedQty: decimal.NewFromInt(50), SequenceNo: 1,
	})
	if err != nil {
		t.Fatalf("reserve L1: %v", err)
	}
	if _, err := models.UpdateProductionOrderStatus(ctx, order.ID, models.ProductionOrderStatusReleased); err != nil {
		t.Fatalf("release order: %v", err)
	}

	result, err := workflow.RegisterOutput(db, logger, ctx, &workflow.RegisterOutputInput{
		OrderId: order.ID, Qty: decimal.NewFromInt(50), BatchNumber: "DOUGH-R1",
	})
	if err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	// The advisory lock must be free again on every pooled connection, not
	// parked on whichever one GET_LOCK happened to run on.
	lockName := fmt.Sprintf("output:%s:%d", businessId, order.ID)
	for i := 0; i < 5; i++ {
		var free int
		if err := db.Raw("SELECT IS_FREE_LOCK(?)", lockName).Scan(&free).Error; err != nil {
			t.Fatalf("IS_FREE_LOCK: %v", err)
		}
		if free != 1 {
			t.Fatalf("posting lock %q still held after registration returned", lockName)
		}
	}

	// Lot number allocation on the pooled root handle must stay unique and
	// strictly ascending even though UPDATE and SELECT are separate statements.
	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 10; i++ {
		n, err := models.NextLotNumber(db, businessId)
		if err != nil {
			t.Fatalf("NextLotNumber: %v", err)
		}
		if seen[n] {
			t.Fatalf("duplicate lot number %q allocated", n)
		}
		if prev != "" && n <= prev {
			t.Fatalf("lot numbers not ascending: %q after %q", n, prev)
		}
		seen[n] = true
		prev = n
	}

	// The composite unique index backstops the series: a duplicate
	// (business_id, lot_number) row must be rejected outright.
	dup := models.Lot{
		BusinessId: businessId, LotNumber: l1.LotNumber, ProductId: flour.ID,
		Qty: decimal.NewFromInt(1), OriginalQty: decimal.NewFromInt(1), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, Status: models.LotStatusAvailable,
	}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("duplicate lot number %q was accepted", l1.LotNumber)
	}

	// Redis order lock must outlive its TTL while held; refresh keeps it.
	t.Setenv("ORDER_LOCK_TTL_SECONDS", "1")
	releaseLock, err := utils.OrderLock(ctx, businessId, order.ID, "regression", "ttl")
	if err != nil {
		t.Fatalf("OrderLock: %v", err)
	}
	time.Sleep(2500 * time.Millisecond)
	if _, err := utils.OrderLock(ctx, businessId, order.ID, "regression", "ttl"); !utils.IsConflict(err) {
		t.Fatalf("lock should still be held past the original TTL, got %v", err)
	}
	releaseLock()
	releaseLock2, err := utils.OrderLock(ctx, businessId, order.ID, "regression", "ttl")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	releaseLock2()
	t.Setenv("ORDER_LOCK_TTL_SECONDS", "")

	// Recall caches: a reload caches the simulation, the first history page
	// is cached, and a new simulation drops the page.
	recall, err := workflow.SimulateRecall(db, logger, ctx, &workflow.SimulateRecallInput{SeedLotId: l1.ID})
	if err != nil {
		t.Fatalf("SimulateRecall: %v", err)
	}
	if _, err := models.GetRecallSimulation(ctx, recall.SimulationId); err != nil {
		t.Fatalf("reload simulation: %v", err)
	}
	simKey := fmt.Sprintf("recallSim:%s:%d", businessId, recall.SimulationId)
	if n, err := config.GetRedisDB().Exists(ctx, simKey).Result(); err != nil || n != 1 {
		t.Fatalf("simulation not cached under %q (n=%d err=%v)", simKey, n, err)
	}
	if _, _, err := models.PaginateRecallSimulations(ctx, 20, nil); err != nil {
		t.Fatalf("paginate simulations: %v", err)
	}
	listKey := "recallSims:" + businessId
	if n, err := config.GetRedisDB().Exists(ctx, listKey).Result(); err != nil || n != 1 {
		t.Fatalf("history page not cached under %q (n=%d err=%v)", listKey, n, err)
	}
	if _, err := workflow.SimulateRecall(db, logger, ctx, &workflow.SimulateRecallInput{SeedLotId: l1.ID}); err != nil {
		t.Fatalf("second SimulateRecall: %v", err)
	}
	if n, err := config.GetRedisDB().Exists(ctx, listKey).Result(); err != nil || n != 0 {
		t.Fatalf("history page cache should be invalidated after a new simulation (n=%d err=%v)", n, err)
	}

	// The draw exhausted L1: consumed lot, consumed reservation.
	l1After, err := models.GetLot(ctx, l1.ID)
	if err != nil {
		t.Fatalf("reload L1: %v", err)
	}
	if l1After.Status != models.LotStatusConsumed || !l1After.Qty.IsZero() {
		t.Fatalf("L1 should be fully consumed, got status=%s qty=%s", l1After.Status, l1After.Qty)
	}

	var record models.ConsumptionRecord
	if err := db.Where("business_id = ? AND lot_id = ?", businessId, l1.ID).First(&record).Error; err != nil {
		t.Fatalf("find consumption record: %v", err)
	}

	// Full reversal: ledger nets to zero, lot and reservation reopen, and
	// the genealogy edge disappears from traces.
	reversed, err := workflow.ReverseConsumption(db, logger, ctx, &workflow.ReverseConsumptionInput{
		RecordId: record.ID, Reason: workflow.ReversalReasonScannedWrongLot,
	})
	if err != nil {
		t.Fatalf("ReverseConsumption: %v", err)
	}
	if !reversed.RestoredQty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("restored qty = %s, want 50", reversed.RestoredQty)
	}
	if !reversed.LotQty.Equal(decimal.NewFromInt(50)) || reversed.LotStatus != models.LotStatusAvailable {
		t.Fatalf("lot after reversal = {qty:%s status:%s}, want {50 available}", reversed.LotQty, reversed.LotStatus)
	}

	l1Restored, err := models.GetLot(ctx, l1.ID)
	if err != nil {
		t.Fatalf("reload restored L1: %v", err)
	}
	if l1Restored.Status != models.LotStatusAvailable || !l1Restored.Qty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("restored L1 = {qty:%s status:%s}, want {50 available}", l1Restored.Qty, l1Restored.Status)
	}

	var original models.ConsumptionRecord
	if err := db.First(&original, "id = ?", record.ID).Error; err != nil {
		t.Fatalf("reload original record: %v", err)
	}
	if original.ReversedByRecordId == nil || *original.ReversedByRecordId != reversed.ReversalRecordId {
		t.Fatal("original record must be stamped with the reversal id")
	}
	if original.ReversalReason == nil || *original.ReversalReason != workflow.ReversalReasonScannedWrongLot {
		t.Fatal("original record must carry the reversal reason")
	}
	var reversalRow models.ConsumptionRecord
	if err := db.First(&reversalRow, "id = ?", reversed.ReversalRecordId).Error; err != nil {
		t.Fatalf("reload reversal row: %v", err)
	}
	if !utils.DereferencePtr(reversalRow.IsReversal) || !reversalRow.Qty.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("reversal row = {is_reversal:%v qty:%s}, want {true -50}", reversalRow.IsReversal, reversalRow.Qty)
	}

	consumed, err := models.SumConsumedForLot(db, businessId, l1.ID)
	if err != nil {
		t.Fatalf("sum consumption: %v", err)
	}
	if !consumed.IsZero() {
		t.Fatalf("lot consumption should net to zero after reversal, got %s", consumed)
	}
	orderConsumed, err := models.ConsumedQtyForOrder(db, businessId, order.ID)
	if err != nil {
		t.Fatalf("order consumption: %v", err)
	}
	if !orderConsumed.IsZero() {
		t.Fatalf("order consumption should net to zero after reversal, got %s", orderConsumed)
	}

	var resAfter models.Reservation
	if err := db.First(&resAfter, "id = ?", reservation.ID).Error; err != nil {
		t.Fatalf("reload reservation: %v", err)
	}
	if resAfter.Status != models.ReservationStatusReserved || !resAfter.ConsumedQty.IsZero() {
		t.Fatalf("reservation after reversal = {status:%s consumed:%s}, want {reserved 0}", resAfter.Status, resAfter.ConsumedQty)
	}

	forward, err := workflow.TraceLot(db, ctx, businessId, l1.ID, workflow.TraceForward, 0)
	if err != nil {
		t.Fatalf("trace forward L1: %v", err)
	}
	if traceContains(forward, result.LotId) {
		t.Fatalf("forward trace must not include output lot %d through a reversed edge", result.LotId)
	}

	// A second attempt on the same record must be rejected.
	if _, err := workflow.ReverseConsumption(db, logger, ctx, &workflow.ReverseConsumptionInput{
		RecordId: record.ID, Reason: workflow.ReversalReasonWrongQuantity,
	}); !utils.IsValidation(err) {
		t.Fatalf("double reversal must be a validation error, got %v", err)
	}
}

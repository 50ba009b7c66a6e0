package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
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

// End-to-end posting regression over a real MySQL + Redis. Covers the
// sequenced multi-lot draw, whole-lot policy draw, the over-consumption
// conflict and its explicit authorization, trace conventions for isolated
// lots, and the recall union count.
func TestOutputRegistrationAndTraceability(t *testing.T) {
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

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Trace Foods", Email: "owner@trace.test"})
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
		ProductId: flour.ID, Qty: decimal.NewFromInt(100), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, QAStatus: models.QAStatusPassed, BatchNumber: "FLOUR-1",
	})
	if err != nil {
		t.Fatalf("CreateLot L1: %v", err)
	}
	l2, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: flour.ID, Qty: decimal.NewFromInt(50), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, QAStatus: models.QAStatusPassed, BatchNumber: "FLOUR-2",
	})
	if err != nil {
		t.Fatalf("CreateLot L2: %v", err)
	}

	order, err := models.CreateProductionOrder(ctx, &models.NewProductionOrder{
		OrderNumber: "PO-1", ProductId: dough.ID, UnitId: kg.ID,
		OutputWarehouseId: biz.PrimaryWarehouseId, OrderedQty: decimal.NewFromInt(160),
	})
	if err != nil {
		t.Fatalf("CreateProductionOrder: %v", err)
	}
	if _, err := models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order.ID, LotId: l1.ID, ReservedQty: decimal.NewFromInt(100), SequenceNo: 1,
	}); err != nil {
		t.Fatalf("reserve L1: %v", err)
	}
	if _, err := models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order.ID, LotId: l2.ID, ReservedQty: decimal.NewFromInt(50), SequenceNo: 2,
	}); err != nil {
		t.Fatalf("reserve L2: %v", err)
	}
	if _, err := models.UpdateProductionOrderStatus(ctx, order.ID, models.ProductionOrderStatusReleased); err != nil {
		t.Fatalf("release order: %v", err)
	}

	// Sequenced draw across two lots: 100 from L1, 20 from L2.
	result, err := workflow.RegisterOutput(db, logger, ctx, &workflow.RegisterOutputInput{
		OrderId: order.ID, Qty: decimal.NewFromInt(120), BatchNumber: "DOUGH-1",
	})
	if err != nil {
		t.Fatalf("RegisterOutput 120: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 consumption outcomes, got %d", len(result.Outcomes))
	}
	for _, o := range result.Outcomes {
		if o.Status != workflow.OutcomeCommitted {
			t.Fatalf("outcome for lot %d is %s, want committed", o.Entry.LotId, o.Status)
		}
	}
	if result.GenealogyEdgeCount != 2 {
		t.Fatalf("edge count = %d, want 2 (combine)", result.GenealogyEdgeCount)
	}

	l1After, err := models.GetLot(ctx, l1.ID)
	if err != nil {
		t.Fatalf("reload L1: %v", err)
	}
	if l1After.Status != models.LotStatusConsumed || !l1After.Qty.IsZero() {
		t.Fatalf("L1 should be fully consumed, got status=%s qty=%s", l1After.Status, l1After.Qty)
	}
	l2After, err := models.GetLot(ctx, l2.ID)
	if err != nil {
		t.Fatalf("reload L2: %v", err)
	}
	if !l2After.Qty.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("L2 remaining = %s, want 30", l2After.Qty)
	}

	// Conflict before any side effect: 40 requested, only 30 still reserved.
	_, err = workflow.RegisterOutput(db, logger, ctx, &workflow.RegisterOutputInput{
		OrderId: order.ID, Qty: decimal.NewFromInt(40),
	})
	conflict, ok := utils.AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.OverConsumption == nil {
		t.Fatal("conflict must carry over-consumption totals")
	}
	if !conflict.OverConsumption.TotalReserved.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("total reserved = %s, want 150", conflict.OverConsumption.TotalReserved)
	}
	if !conflict.OverConsumption.CumulativeAfter.Equal(decimal.NewFromInt(160)) {
		t.Fatalf("cumulative after = %s, want 160", conflict.OverConsumption.CumulativeAfter)
	}
	if !conflict.OverConsumption.RemainingUnallocated.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("remaining unallocated = %s, want 10", conflict.OverConsumption.RemainingUnallocated)
	}
	// The conflicting attempt must not have produced a lot or an event.
	var eventCount int64
	if err := db.Model(&models.OutputEvent{}).Where("business_id = ? AND order_id = ?", businessId, order.ID).Count(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("event count after rejected attempt = %d, want 1", eventCount)
	}

	// Same request with explicit authorization: consumes the remaining 30
	// and attributes the 10 excess to the designated source lot.
	overResult, err := workflow.RegisterOutput(db, logger, ctx, &workflow.RegisterOutputInput{
		OrderId: order.ID, Qty: decimal.NewFromInt(40), OverProductionSourceLotId: &l2.ID,
	})
	if err != nil {
		t.Fatalf("RegisterOutput with authorization: %v", err)
	}
	var overEdge models.GenealogyEdge
	if err := db.Where("business_id = ? AND child_lot_id = ? AND is_over_production = ?", businessId, overResult.LotId, true).
		First(&overEdge).Error; err != nil {
		t.Fatalf("expected an over-production edge: %v", err)
	}
	if !overEdge.QtyFromParent.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("over-production edge qty = %s, want 10", overEdge.QtyFromParent)
	}

	// Whole-lot reservation forces the full draw even past the request.
	wholeLot, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: flour.ID, Qty: decimal.NewFromInt(100), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, QAStatus: models.QAStatusPassed, BatchNumber: "FLOUR-3",
	})
	if err != nil {
		t.Fatalf("CreateLot whole: %v", err)
	}
	order2, err := models.CreateProductionOrder(ctx, &models.NewProductionOrder{
		OrderNumber: "PO-2", ProductId: dough.ID, UnitId: kg.ID,
		OutputWarehouseId: biz.PrimaryWarehouseId, OrderedQty: decimal.NewFromInt(60),
	})
	if err != nil {
		t.Fatalf("CreateProductionOrder 2: %v", err)
	}
	if _, err := models.CreateReservation(ctx, &models.NewReservation{
		OrderId: order2.ID, LotId: wholeLot.ID, ReservedQty: decimal.NewFromInt(100),
		SequenceNo: 1, WholeLotConsumption: utils.NewTrue(),
	}); err != nil {
		t.Fatalf("reserve whole lot: %v", err)
	}
	if _, err := models.UpdateProductionOrderStatus(ctx, order2.ID, models.ProductionOrderStatusReleased); err != nil {
		t.Fatalf("release order 2: %v", err)
	}
	wholeResult, err := workflow.RegisterOutput(db, logger, ctx, &workflow.RegisterOutputInput{
		OrderId: order2.ID, Qty: decimal.NewFromInt(60),
	})
	if err != nil {
		t.Fatalf("RegisterOutput whole-lot: %v", err)
	}
	if !wholeResult.TotalConsumed.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("whole-lot total consumed = %s, want 100", wholeResult.TotalConsumed)
	}
	wholeAfter, err := models.GetLot(ctx, wholeLot.ID)
	if err != nil {
		t.Fatalf("reload whole lot: %v", err)
	}
	if wholeAfter.Status != models.LotStatusConsumed {
		t.Fatalf("whole lot status = %s, want consumed", wholeAfter.Status)
	}

	// Trace conventions: an isolated lot is its own only entry.
	isolated, err := models.CreateLot(ctx, &models.NewLot{
		ProductId: flour.ID, Qty: decimal.NewFromInt(5), UnitId: kg.ID,
		WarehouseId: biz.PrimaryWarehouseId, BatchNumber: "FLOUR-ISO",
	})
	if err != nil {
		t.Fatalf("CreateLot isolated: %v", err)
	}
	isoTrace, err := workflow.TraceLot(db, ctx, businessId, isolated.ID, workflow.TraceForward, 0)
	if err != nil {
		t.Fatalf("trace isolated: %v", err)
	}
	if isoTrace.TotalLots != 1 || isoTrace.MaxDepth != 0 || len(isoTrace.Tree.Children) != 0 {
		t.Fatalf("isolated trace = {lots:%d depth:%d children:%d}, want {1 0 0}",
			isoTrace.TotalLots, isoTrace.MaxDepth, len(isoTrace.Tree.Children))
	}

	// Forward and backward traces must mirror each other across an edge.
	forward, err := workflow.TraceLot(db, ctx, businessId, l1.ID, workflow.TraceForward, 0)
	if err != nil {
		t.Fatalf("trace forward L1: %v", err)
	}
	if !traceContains(forward, result.LotId) {
		t.Fatalf("forward trace of L1 must include output lot %d", result.LotId)
	}
	backward, err := workflow.TraceLot(db, ctx, businessId, result.LotId, workflow.TraceBackward, 0)
	if err != nil {
		t.Fatalf("trace backward output: %v", err)
	}
	if !traceContains(backward, l1.ID) || !traceContains(backward, l2.ID) {
		t.Fatal("backward trace of the output lot must include both source lots")
	}

	// Recall union: seed L2, which feeds two outputs and descends from none.
	recall, err := workflow.SimulateRecall(db, logger, ctx, &workflow.SimulateRecallInput{SeedLotId: l2.ID})
	if err != nil {
		t.Fatalf("SimulateRecall: %v", err)
	}
	if recall.Report.Summary.TotalAffectedLots != 3 {
		t.Fatalf("affected lots = %d, want 3 (seed + 2 outputs)", recall.Report.Summary.TotalAffectedLots)
	}
	stored, err := models.GetRecallSimulation(ctx, recall.SimulationId)
	if err != nil {
		t.Fatalf("reload simulation: %v", err)
	}
	reloaded, err := workflow.DecodeRecallReport(stored)
	if err != nil {
		t.Fatalf("decode stored report: %v", err)
	}
	if reloaded.Summary.TotalAffectedLots != recall.Report.Summary.TotalAffectedLots {
		t.Fatal("persisted report must round-trip the summary")
	}

	// Ledger conservation across everything above.
	for _, lotId := range []int{l1.ID, l2.ID, wholeLot.ID} {
		lot, err := models.GetLot(ctx, lotId)
		if err != nil {
			t.Fatalf("reload lot %d: %v", lotId, err)
		}
		consumed, err := models.SumConsumedForLot(db, businessId, lotId)
		if err != nil {
			t.Fatalf("sum consumption for lot %d: %v", lotId, err)
		}
		if !lot.OriginalQty.Sub(lot.Qty).Equal(consumed) {
			t.Fatalf("lot %s ledger mismatch: original %s remaining %s consumed %s",
				lot.LotNumber, lot.OriginalQty, lot.Qty, consumed)
		}
	}
}

func traceContains(trace *workflow.TraceResult, lotId int) bool {
	for _, e := range trace.Entries {
		if e.LotId == lotId {
			return true
		}
	}
	return false
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mes-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mes-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=mes_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

package settlement

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func newTestEngine(t *testing.T, cardMode models.SettlementMode) (*Engine, *database.Service, func()) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	service, err := database.NewServiceFromDB(db, true)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	catalog, err := common.NewServiceCatalog([]models.ServiceDefinition{
		{Code: models.ServiceCardPresent, Settlement: cardMode},
		{Code: models.ServiceBillPayment, Settlement: models.SettlementT0},
		{Code: models.ServicePayout, Settlement: models.SettlementT0},
	})
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	return NewEngine(service, catalog), service, func() { db.Close() }
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}

// seedHierarchy creates rt1 under dt1 under md1, maps device POS-1 to
// rt1, and installs a global scheme: charge 10 flat, distributor
// commission 3 flat.
func seedHierarchy(t *testing.T, st *database.Service) {
	t.Helper()
	ctx := context.Background()

	for _, e := range []models.Entity{
		{Id: "md1", Name: "Master", Role: models.RoleMasterDistributor},
		{Id: "dt1", Name: "Dist", Role: models.RoleDistributor, MasterDistributorId: "md1"},
		{Id: "rt1", Name: "Shop", Role: models.RoleRetailer, DistributorId: "dt1", MasterDistributorId: "md1"},
	} {
		entity := e
		if _, err := st.CreateEntity(ctx, &entity); err != nil {
			t.Fatalf("CreateEntity %s failed: %v", e.Id, err)
		}
	}
	if _, err := st.CreateDeviceMapping(ctx, &models.DeviceMapping{
		SerialNumber: "POS-1", RetailerId: "rt1",
	}); err != nil {
		t.Fatalf("CreateDeviceMapping failed: %v", err)
	}

	sch, err := st.CreateScheme(ctx, &models.Scheme{
		Name: "global default", Kind: models.SchemeGlobal, Scope: models.ServiceAll, Priority: 1000,
	})
	if err != nil {
		t.Fatalf("CreateScheme failed: %v", err)
	}
	flat := func(v string) models.MoneyValue {
		return models.MoneyValue{Kind: models.ValueFlat, Value: mustDec(t, v)}
	}
	if _, err := st.CreateSlab(ctx, &models.SchemeSlab{
		SchemeId:                    sch.Id,
		ServiceType:                 models.ServiceAll,
		MinAmount:                   mustDec(t, "0"),
		MaxAmount:                   mustDec(t, "100000"),
		RetailerCharge:              flat("10"),
		RetailerCommission:          flat("0"),
		DistributorCommission:       flat("3"),
		MasterDistributorCommission: flat("0"),
		PlatformCommission:          flat("0"),
		Enabled:                     true,
	}); err != nil {
		t.Fatalf("CreateSlab failed: %v", err)
	}
}

func capturedEvent(amount string, t *testing.T) *models.GatewayEvent {
	return &models.GatewayEvent{
		ExternalTxId: "TXN123",
		Amount:       mustDec(t, amount),
		Currency:     "INR",
		Status:       models.EventCaptured,
		DeviceSerial: "POS-1",
		CardType:     "VISA",
	}
}

func TestIngestGatewayEvent_CapturedCreditsNetAmount(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	tx, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t))
	if err != nil {
		t.Fatalf("IngestGatewayEvent failed: %v", err)
	}
	if !tx.WalletCredited {
		t.Error("Expected wallet_credited to be set")
	}
	if !tx.Charge.Equal(mustDec(t, "10")) {
		t.Errorf("Expected charge 10, got %s", tx.Charge)
	}
	if !tx.NetAmount.Equal(mustDec(t, "490")) {
		t.Errorf("Expected net 490, got %s", tx.NetAmount)
	}
	if tx.State != models.TxCascaded {
		t.Errorf("Expected state cascaded, got %s", tx.State)
	}

	balance, err := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !balance.Equal(mustDec(t, "490")) {
		t.Errorf("Expected retailer balance 490, got %s", balance)
	}

	// Cascade rows: distributor 3 and platform earning 7 (charge minus
	// commissions).
	postings, err := st.ListCommissionsByTransaction(ctx, tx.Id)
	if err != nil {
		t.Fatalf("ListCommissionsByTransaction failed: %v", err)
	}
	byLevel := make(map[models.CommissionLevel]models.CommissionPosting)
	for _, p := range postings {
		byLevel[p.Level] = p
	}
	dist, ok := byLevel[models.CommissionDistributor]
	if !ok {
		t.Fatal("Expected a distributor commission posting")
	}
	if dist.EntityId != "dt1" || !dist.Amount.Equal(mustDec(t, "3")) {
		t.Errorf("Unexpected distributor posting: %s %s", dist.EntityId, dist.Amount)
	}
	platform, ok := byLevel[models.CommissionPlatform]
	if !ok {
		t.Fatal("Expected a platform posting")
	}
	if !platform.Amount.Equal(mustDec(t, "7")) {
		t.Errorf("Expected platform amount 7, got %s", platform.Amount)
	}
}

func TestIngestGatewayEvent_DuplicateDeliveryIsIdempotent(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	first, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t))
	if err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	// Webhook retry: same event, second delivery.
	second, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t))
	if err != nil {
		t.Fatalf("Second delivery must still be acknowledged: %v", err)
	}
	if second.Id != first.Id {
		t.Errorf("Expected the same transaction, got %s and %s", first.Id, second.Id)
	}

	balance, _ := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(mustDec(t, "490")) {
		t.Errorf("Balance must not change on redelivery, got %s", balance)
	}

	entries, err := st.GetEntries(ctx, store.LedgerFilter{EntityId: "rt1", WalletKind: models.WalletPrimary})
	if err != nil {
		t.Fatalf("GetEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected exactly one ledger entry, got %d", len(entries))
	}
}

func TestIngestGatewayEvent_UnknownDeviceParksUnsettled(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	ctx := context.Background()

	event := capturedEvent("500", t)
	event.DeviceSerial = "UNKNOWN"
	tx, err := engine.IngestGatewayEvent(ctx, event)
	if err != nil {
		t.Fatalf("Ingestion must not fail for unmapped devices: %v", err)
	}
	if tx.State != models.TxUnsettled {
		t.Errorf("Expected state unsettled, got %s", tx.State)
	}
	if tx.FailureReason == "" {
		t.Error("Expected a failure reason")
	}

	// The raw event survives for manual reconciliation.
	persisted, err := st.GetTransactionByExternalId(ctx, models.ServiceCardPresent, "TXN123")
	if err != nil {
		t.Fatalf("GetTransactionByExternalId failed: %v", err)
	}
	if persisted == nil {
		t.Fatal("Expected the unsettled event to be persisted")
	}
}

func TestIngestGatewayEvent_AuthorizedThenCaptured(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	auth := capturedEvent("500", t)
	auth.Status = models.EventAuthorized
	tx, err := engine.IngestGatewayEvent(ctx, auth)
	if err != nil {
		t.Fatalf("Authorization ingest failed: %v", err)
	}
	if tx.WalletCredited {
		t.Error("Authorization must not credit the wallet")
	}
	balance, _ := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.IsZero() {
		t.Errorf("Expected zero balance after authorization, got %s", balance)
	}

	captured, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t))
	if err != nil {
		t.Fatalf("Capture ingest failed: %v", err)
	}
	if !captured.WalletCredited {
		t.Error("Capture must credit the wallet")
	}
	balance, _ = st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(mustDec(t, "490")) {
		t.Errorf("Expected balance 490 after capture, got %s", balance)
	}
}

func TestIngestGatewayEvent_T1PostsHoldUntilRelease(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT1)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	tx, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t))
	if err != nil {
		t.Fatalf("IngestGatewayEvent failed: %v", err)
	}
	if !tx.WalletCredited {
		t.Error("T1 capture still records the credit")
	}

	wallet, err := st.GetWallet(ctx, "rt1", models.WalletPrimary)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !wallet.Balance.IsZero() {
		t.Errorf("T1 money must not be spendable yet, balance %s", wallet.Balance)
	}
	if !wallet.SettlementHeld.Equal(mustDec(t, "490")) {
		t.Errorf("Expected settlement_held 490, got %s", wallet.SettlementHeld)
	}

	released, err := ReleaseDueHolds(ctx, st, 0)
	if err != nil {
		t.Fatalf("ReleaseDueHolds failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("Expected 1 released hold, got %d", released)
	}

	wallet, _ = st.GetWallet(ctx, "rt1", models.WalletPrimary)
	if !wallet.Balance.Equal(mustDec(t, "490")) {
		t.Errorf("Expected spendable 490 after release, got %s", wallet.Balance)
	}
	if !wallet.SettlementHeld.IsZero() {
		t.Errorf("Expected held 0 after release, got %s", wallet.SettlementHeld)
	}

	// A second pass finds nothing to release.
	released, err = ReleaseDueHolds(ctx, st, 0)
	if err != nil {
		t.Fatalf("Second ReleaseDueHolds failed: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected 0 on second pass, got %d", released)
	}
}

func TestCascadeWorker_PostsCommissionsAndSettles(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	if _, err := engine.IngestGatewayEvent(ctx, capturedEvent("500", t)); err != nil {
		t.Fatalf("IngestGatewayEvent failed: %v", err)
	}

	worker := NewCascadeWorker(CascadeWorkerConfig{
		Store: st, BatchSize: 10, MaxAttempts: 3,
	})
	posted, err := worker.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if posted != 2 {
		t.Fatalf("Expected 2 postings, got %d", posted)
	}

	distBalance, _ := st.GetBalance(ctx, "dt1", models.WalletCommission)
	if !distBalance.Equal(mustDec(t, "3")) {
		t.Errorf("Expected distributor commission balance 3, got %s", distBalance)
	}
	platformBalance, _ := st.GetBalance(ctx, PlatformEntityId, models.WalletCommission)
	if !platformBalance.Equal(mustDec(t, "7")) {
		t.Errorf("Expected platform balance 7, got %s", platformBalance)
	}

	settled, err := st.GetTransactionByExternalId(ctx, models.ServiceCardPresent, "TXN123")
	if err != nil {
		t.Fatalf("GetTransactionByExternalId failed: %v", err)
	}
	if settled.State != models.TxSettled {
		t.Errorf("Expected state settled, got %s", settled.State)
	}

	// Outbox is drained; re-running posts nothing and moves no money.
	posted, err = worker.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("Second ProcessPending failed: %v", err)
	}
	if posted != 0 {
		t.Errorf("Expected 0 on drained outbox, got %d", posted)
	}
	distBalance, _ = st.GetBalance(ctx, "dt1", models.WalletCommission)
	if !distBalance.Equal(mustDec(t, "3")) {
		t.Errorf("Commission must not double-post, got %s", distBalance)
	}
}

func TestIngestServiceCompletion_DebitsAmountPlusCharge(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	// Fund the retailer float first.
	if _, err := st.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServiceBillPayment,
		TxKind:      models.TxAdjustment,
		Credit:      mustDec(t, "1000"),
	}); err != nil {
		t.Fatalf("Funding post failed: %v", err)
	}

	tx, err := engine.IngestServiceCompletion(ctx, &models.ServiceCompletion{
		ExternalTxId: "BILL-1",
		EntityId:     "rt1",
		ServiceType:  models.ServiceBillPayment,
		Amount:       mustDec(t, "200"),
		BillCategory: "electricity",
	})
	if err != nil {
		t.Fatalf("IngestServiceCompletion failed: %v", err)
	}
	if !tx.Charge.Equal(mustDec(t, "10")) {
		t.Errorf("Expected charge 10, got %s", tx.Charge)
	}

	// 1000 - (200 + 10) = 790.
	balance, _ := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(mustDec(t, "790")) {
		t.Errorf("Expected balance 790, got %s", balance)
	}
}

func TestIngestServiceCompletion_DuplicateRefreshesStatusOnly(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	if _, err := st.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServiceBillPayment,
		TxKind:      models.TxAdjustment,
		Credit:      mustDec(t, "1000"),
	}); err != nil {
		t.Fatalf("Funding post failed: %v", err)
	}

	completion := &models.ServiceCompletion{
		ExternalTxId: "BILL-1",
		EntityId:     "rt1",
		ServiceType:  models.ServiceBillPayment,
		Amount:       mustDec(t, "200"),
	}
	first, err := engine.IngestServiceCompletion(ctx, completion)
	if err != nil {
		t.Fatalf("First completion failed: %v", err)
	}

	// Simulate an operator having touched the raw status; the redelivery
	// refreshes it without moving money.
	first.RawStatus = "PENDING_REVIEW"
	if err := st.UpdateTransaction(ctx, first); err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}

	second, err := engine.IngestServiceCompletion(ctx, completion)
	if err != nil {
		t.Fatalf("Duplicate completion must be acknowledged: %v", err)
	}
	if second.Id != first.Id {
		t.Errorf("Expected the same transaction, got %s and %s", first.Id, second.Id)
	}

	stored, err := st.GetTransactionByExternalId(ctx, models.ServiceBillPayment, "BILL-1")
	if err != nil {
		t.Fatalf("GetTransactionByExternalId failed: %v", err)
	}
	if stored.RawStatus != "COMPLETED" {
		t.Errorf("Expected raw status refreshed to COMPLETED, got %q", stored.RawStatus)
	}

	balance, _ := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(mustDec(t, "790")) {
		t.Errorf("Redelivery must not move money, got balance %s", balance)
	}
}

func TestIngestServiceCompletion_InsufficientBalanceParksUnsettled(t *testing.T) {
	engine, st, cleanup := newTestEngine(t, models.SettlementT0)
	defer cleanup()
	seedHierarchy(t, st)
	ctx := context.Background()

	_, err := engine.IngestServiceCompletion(ctx, &models.ServiceCompletion{
		ExternalTxId: "BILL-2",
		EntityId:     "rt1",
		ServiceType:  models.ServiceBillPayment,
		Amount:       mustDec(t, "200"),
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got: %v", err)
	}

	tx, err := st.GetTransactionByExternalId(ctx, models.ServiceBillPayment, "BILL-2")
	if err != nil {
		t.Fatalf("GetTransactionByExternalId failed: %v", err)
	}
	if tx == nil || tx.State != models.TxUnsettled {
		t.Fatalf("Expected unsettled transaction record, got %+v", tx)
	}

	balance, _ := st.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.IsZero() {
		t.Errorf("Expected untouched balance, got %s", balance)
	}
}

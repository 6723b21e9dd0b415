package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func setupTestDb(t *testing.T) (*Service, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// A shared in-memory database needs a single connection, otherwise
	// each pool connection sees its own empty database.
	db.SetMaxOpenConns(1)

	service, err := NewServiceFromDB(db, true)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	cleanup := func() {
		db.Close()
	}
	return service, cleanup
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}

func creditParams(entityId, externalTxId, amount string, t *testing.T) store.PostParams {
	return store.PostParams{
		EntityId:     entityId,
		EntityRole:   models.RoleRetailer,
		WalletKind:   models.WalletPrimary,
		FundCategory: models.FundSettlement,
		ServiceType:  models.ServiceCardPresent,
		TxKind:       models.TxPosCredit,
		Credit:       dec(t, amount),
		ExternalTxId: externalTxId,
	}
}

func TestPost_CreditThenDebitSnapshots(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	credit, err := service.Post(ctx, creditParams("rt1", "tx1", "100.00", t))
	if err != nil {
		t.Fatalf("Credit post failed: %v", err)
	}
	if !credit.OpeningBalance.IsZero() {
		t.Errorf("Expected opening balance 0, got %s", credit.OpeningBalance)
	}
	if !credit.ClosingBalance.Equal(dec(t, "100.00")) {
		t.Errorf("Expected closing balance 100.00, got %s", credit.ClosingBalance)
	}

	debit, err := service.Post(ctx, store.PostParams{
		EntityId:     "rt1",
		EntityRole:   models.RoleRetailer,
		FundCategory: models.FundSettlement,
		ServiceType:  models.ServiceBillPayment,
		TxKind:       models.TxBillDebit,
		Debit:        dec(t, "40.50"),
		ExternalTxId: "tx2",
	})
	if err != nil {
		t.Fatalf("Debit post failed: %v", err)
	}
	if !debit.OpeningBalance.Equal(dec(t, "100.00")) {
		t.Errorf("Expected opening balance 100.00, got %s", debit.OpeningBalance)
	}
	if !debit.ClosingBalance.Equal(dec(t, "59.50")) {
		t.Errorf("Expected closing balance 59.50, got %s", debit.ClosingBalance)
	}

	balance, err := service.GetBalance(ctx, "rt1", models.WalletPrimary)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !balance.Equal(dec(t, "59.50")) {
		t.Errorf("Expected balance 59.50, got %s", balance)
	}
}

func TestPost_InsufficientBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	_, err := service.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServicePayout,
		TxKind:      models.TxPayoutDebit,
		Debit:       dec(t, "1.00"),
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got: %v", err)
	}

	entries, err := service.GetEntries(ctx, store.LedgerFilter{EntityId: "rt1", WalletKind: models.WalletPrimary})
	if err != nil {
		t.Fatalf("GetEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no entries after rejected debit, got %d", len(entries))
	}
}

func TestPost_FrozenWalletRejectsDebits(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := service.Post(ctx, creditParams("rt1", "tx1", "100", t)); err != nil {
		t.Fatalf("Credit post failed: %v", err)
	}
	if err := service.SetWalletFrozen(ctx, "rt1", models.WalletPrimary, true); err != nil {
		t.Fatalf("SetWalletFrozen failed: %v", err)
	}

	_, err := service.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServicePayout,
		TxKind:      models.TxPayoutDebit,
		Debit:       dec(t, "10"),
	})
	if !errors.Is(err, store.ErrWalletFrozen) {
		t.Fatalf("Expected ErrWalletFrozen, got: %v", err)
	}

	// Frozen blocks debits only; credits still land.
	if _, err := service.Post(ctx, creditParams("rt1", "tx3", "5", t)); err != nil {
		t.Fatalf("Credit to frozen wallet failed: %v", err)
	}

	if err := service.SetWalletFrozen(ctx, "rt1", models.WalletPrimary, false); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if _, err := service.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServicePayout,
		TxKind:      models.TxPayoutDebit,
		Debit:       dec(t, "10"),
	}); err != nil {
		t.Fatalf("Debit after unfreeze failed: %v", err)
	}
}

func TestPost_DuplicateExternalTxId(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := service.Post(ctx, creditParams("rt1", "dup-tx", "50", t)); err != nil {
		t.Fatalf("First post failed: %v", err)
	}

	_, err := service.Post(ctx, creditParams("rt1", "dup-tx", "50", t))
	if !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Fatalf("Expected ErrDuplicateTransaction, got: %v", err)
	}

	balance, _ := service.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(dec(t, "50")) {
		t.Errorf("Expected balance 50 after duplicate, got %s", balance)
	}

	// Same external id under a different kind is a different movement.
	_, err = service.Post(ctx, store.PostParams{
		EntityId:     "rt1",
		EntityRole:   models.RoleRetailer,
		ServiceType:  models.ServiceCardPresent,
		TxKind:       models.TxAdjustment,
		Credit:       dec(t, "1"),
		ExternalTxId: "dup-tx",
	})
	if err != nil {
		t.Fatalf("Post with same external id but different kind failed: %v", err)
	}
}

func TestPost_RejectsInvalidAmounts(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	cases := []struct {
		name   string
		credit string
		debit  string
	}{
		{"both zero", "0", "0"},
		{"both positive", "1", "1"},
	}
	for _, tc := range cases {
		_, err := service.Post(ctx, store.PostParams{
			EntityId:   "rt1",
			EntityRole: models.RoleRetailer,
			TxKind:     models.TxAdjustment,
			Credit:     dec(t, tc.credit),
			Debit:      dec(t, tc.debit),
		})
		if err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
		}
	}
}

func TestReverse(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	original, err := service.Post(ctx, creditParams("rt1", "tx1", "75.25", t))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	reversal, err := service.Reverse(ctx, original.Id, "chargeback")
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if reversal.Status != models.EntryReversed {
		t.Errorf("Expected status reversed, got %s", reversal.Status)
	}
	if !reversal.Debit.Equal(original.Credit) {
		t.Errorf("Expected reversal debit %s, got %s", original.Credit, reversal.Debit)
	}
	if reversal.ReferenceId != original.Id {
		t.Errorf("Expected reference to original entry, got %s", reversal.ReferenceId)
	}

	balance, _ := service.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.IsZero() {
		t.Errorf("Expected zero balance after reversal, got %s", balance)
	}

	// A second reversal of the same entry must be rejected.
	if _, err := service.Reverse(ctx, original.Id, "again"); !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Fatalf("Expected ErrDuplicateTransaction on second reversal, got: %v", err)
	}

	// The original row is untouched.
	got, err := service.GetEntry(ctx, original.Id)
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if got.Status != models.EntryCompleted || !got.Credit.Equal(original.Credit) {
		t.Errorf("Original entry mutated: status=%s credit=%s", got.Status, got.Credit)
	}
}

func TestReverse_EntryWithoutExternalIdReversesOnce(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	// Manual adjustments carry no external id, so the reference-id check
	// is the only thing standing between one reversal and two.
	params := creditParams("rt1", "", "40", t)
	params.TxKind = models.TxAdjustment
	original, err := service.Post(ctx, params)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	if _, err := service.Reverse(ctx, original.Id, "fat finger"); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if _, err := service.Reverse(ctx, original.Id, "fat finger again"); !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Fatalf("Expected ErrDuplicateTransaction on second reversal, got: %v", err)
	}

	balance, _ := service.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.IsZero() {
		t.Errorf("Expected zero balance after single reversal, got %s", balance)
	}
}

func TestHoldAndRelease(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	params := creditParams("rt1", "t1-tx", "200", t)
	params.Status = models.EntryHold
	hold, err := service.Post(ctx, params)
	if err != nil {
		t.Fatalf("Hold post failed: %v", err)
	}
	if !hold.OpeningBalance.Equal(hold.ClosingBalance) {
		t.Errorf("Hold must not move the spendable balance: opening=%s closing=%s",
			hold.OpeningBalance, hold.ClosingBalance)
	}

	wallet, err := service.GetWallet(ctx, "rt1", models.WalletPrimary)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !wallet.Balance.IsZero() {
		t.Errorf("Expected zero spendable balance, got %s", wallet.Balance)
	}
	if !wallet.SettlementHeld.Equal(dec(t, "200")) {
		t.Errorf("Expected settlement_held 200, got %s", wallet.SettlementHeld)
	}

	due, err := service.ListDueHolds(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListDueHolds failed: %v", err)
	}
	if len(due) != 1 || due[0].Id != hold.Id {
		t.Fatalf("Expected the hold to be due, got %d entries", len(due))
	}

	release, err := service.ReleaseHold(ctx, hold.Id)
	if err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}
	if release.TxKind != models.TxSettlementRelease {
		t.Errorf("Expected SETTLEMENT_RELEASE, got %s", release.TxKind)
	}
	if release.ReferenceId != hold.Id {
		t.Errorf("Expected release to reference the hold, got %s", release.ReferenceId)
	}

	wallet, _ = service.GetWallet(ctx, "rt1", models.WalletPrimary)
	if !wallet.Balance.Equal(dec(t, "200")) {
		t.Errorf("Expected balance 200 after release, got %s", wallet.Balance)
	}
	if !wallet.SettlementHeld.IsZero() {
		t.Errorf("Expected settlement_held 0 after release, got %s", wallet.SettlementHeld)
	}

	// Released holds are no longer due and cannot be released twice.
	due, _ = service.ListDueHolds(ctx, time.Now().UTC().Add(time.Second), 10)
	if len(due) != 0 {
		t.Errorf("Expected no due holds after release, got %d", len(due))
	}
	if _, err := service.ReleaseHold(ctx, hold.Id); !errors.Is(err, store.ErrHoldAlreadyReleased) {
		t.Fatalf("Expected ErrHoldAlreadyReleased, got: %v", err)
	}
}

func TestListDueHolds_RespectsCutoff(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	params := creditParams("rt1", "t1-tx", "10", t)
	params.Status = models.EntryHold
	if _, err := service.Post(ctx, params); err != nil {
		t.Fatalf("Hold post failed: %v", err)
	}

	due, err := service.ListDueHolds(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueHolds failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Expected no due holds before the cutoff, got %d", len(due))
	}
}

func TestPost_ConcurrentClosingBalanceChain(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	const posts = 20
	var wg sync.WaitGroup
	errs := make(chan error, posts)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := service.Post(ctx, store.PostParams{
				EntityId:    "rt1",
				EntityRole:  models.RoleRetailer,
				ServiceType: models.ServiceCardPresent,
				TxKind:      models.TxPosCredit,
				Credit:      decimal.NewFromInt(1),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent post failed: %v", err)
		}
	}

	balance, _ := service.GetBalance(ctx, "rt1", models.WalletPrimary)
	if !balance.Equal(decimal.NewFromInt(posts)) {
		t.Errorf("Expected balance %d, got %s", posts, balance)
	}

	entries, err := service.GetEntries(ctx, store.LedgerFilter{
		EntityId: "rt1", WalletKind: models.WalletPrimary, Limit: posts + 10,
	})
	if err != nil {
		t.Fatalf("GetEntries failed: %v", err)
	}
	if len(entries) != posts {
		t.Fatalf("Expected %d entries, got %d", posts, len(entries))
	}
	// The closing balances must form a gapless chain.
	seen := make(map[string]bool, posts)
	for _, e := range entries {
		if !e.ClosingBalance.Equal(e.OpeningBalance.Add(e.Credit).Sub(e.Debit)) {
			t.Errorf("Entry %s: closing %s != opening %s + credit %s - debit %s",
				e.Id, e.ClosingBalance, e.OpeningBalance, e.Credit, e.Debit)
		}
		seen[e.ClosingBalance.String()] = true
	}
	for i := 1; i <= posts; i++ {
		if !seen[decimal.NewFromInt(int64(i)).String()] {
			t.Errorf("Missing closing balance %d in the chain", i)
		}
	}
}

func TestReconcileWallet(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := service.Post(ctx, creditParams("rt1", "tx1", "100", t)); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	holdParams := creditParams("rt1", "tx2", "30", t)
	holdParams.Status = models.EntryHold
	if _, err := service.Post(ctx, holdParams); err != nil {
		t.Fatalf("Hold post failed: %v", err)
	}
	if _, err := service.Post(ctx, store.PostParams{
		EntityId:    "rt1",
		EntityRole:  models.RoleRetailer,
		ServiceType: models.ServicePayout,
		TxKind:      models.TxPayoutDebit,
		Debit:       dec(t, "25"),
	}); err != nil {
		t.Fatalf("Debit post failed: %v", err)
	}

	if err := service.ReconcileWallet(ctx, "rt1", models.WalletPrimary); err != nil {
		t.Fatalf("ReconcileWallet failed: %v", err)
	}
}

func TestGetWallet_LazyZeroValue(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	wallet, err := service.GetWallet(context.Background(), "unknown", models.WalletPrimary)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !wallet.Balance.IsZero() || !wallet.SettlementHeld.IsZero() || wallet.Frozen {
		t.Errorf("Expected pristine zero-value wallet, got %+v", wallet)
	}
}

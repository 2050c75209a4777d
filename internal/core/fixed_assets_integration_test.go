package core_test

import (
	"context"
	"testing"
	"time"

	"ledgercore/internal/core"
)

func TestFixedAssets_RegisterAsset_ScheduleSumsToDepreciableBase(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	cc := testContext()

	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (tenant_id, code, name, type, is_control, control_type, is_active) VALUES
			(1, '0200', 'Office equipment', 'ASSET', false, NULL, true),
			(1, '0290', 'Accumulated depreciation - equipment', 'ASSET', false, NULL, true),
			(1, '7400', 'Depreciation expense', 'EXPENSE', false, NULL, true)
	`)
	if err != nil {
		t.Fatalf("seed asset accounts: %v", err)
	}

	ledger, _, _ := newTestServices(pool)
	fixedAssets := core.NewFixedAssets(pool, ledger)

	asset := core.FixedAsset{
		Code:                 "FA-001",
		Name:                 "Laptop fleet",
		AcquisitionDate:      time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		AcquisitionCost:      core.MustParseMoney("1000.00"),
		ResidualValue:        core.MustParseMoney("0.00"),
		UsefulLifeMonths:     3,
		Method:               core.MethodStraightLine,
		AssetAccount:         "0200",
		DepreciationAccount:  "0290",
		ExpenseAccount:       "7400",
	}

	registered, err := fixedAssets.RegisterAsset(ctx, cc, asset)
	if err != nil {
		t.Fatalf("register asset failed: %v", err)
	}
	if registered.Status != core.AssetActive {
		t.Errorf("expected ACTIVE status, got %s", registered.Status)
	}

	schedule, err := fixedAssets.ListSchedule(ctx, registered.ID)
	if err != nil {
		t.Fatalf("list schedule failed: %v", err)
	}
	if len(schedule) != 3 {
		t.Fatalf("expected 3 monthly rows for a 3-month useful life, got %d", len(schedule))
	}

	total := core.Zero
	for _, row := range schedule {
		total = total.Add(row.DepreciationAmount)
	}
	if !total.Equal(core.MustParseMoney("1000.00")) {
		t.Errorf("expected schedule to sum exactly to the depreciable base 1000.00, got %s", total)
	}

	last := schedule[len(schedule)-1]
	if !last.AccumulatedDepreciation.Equal(core.MustParseMoney("1000.00")) {
		t.Errorf("expected final accumulated depreciation 1000.00, got %s", last.AccumulatedDepreciation)
	}
	if !last.BookValueEnd.IsZero() {
		t.Errorf("expected final book value 0, got %s", last.BookValueEnd)
	}
}

func TestFixedAssets_PostSchedule_IdempotentAndUpdatesBookValue(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	cc := testContext()

	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (tenant_id, code, name, type, is_control, control_type, is_active) VALUES
			(1, '0200', 'Office equipment', 'ASSET', false, NULL, true),
			(1, '0290', 'Accumulated depreciation - equipment', 'ASSET', false, NULL, true),
			(1, '7400', 'Depreciation expense', 'EXPENSE', false, NULL, true)
	`)
	if err != nil {
		t.Fatalf("seed asset accounts: %v", err)
	}

	ledger, _, _ := newTestServices(pool)
	fixedAssets := core.NewFixedAssets(pool, ledger)

	asset, err := fixedAssets.RegisterAsset(ctx, cc, core.FixedAsset{
		Code:                "FA-002",
		Name:                "Company van",
		AcquisitionDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		AcquisitionCost:     core.MustParseMoney("1200.00"),
		ResidualValue:       core.MustParseMoney("0.00"),
		UsefulLifeMonths:    12,
		Method:              core.MethodStraightLine,
		AssetAccount:        "0200",
		DepreciationAccount: "0290",
		ExpenseAccount:      "7400",
	})
	if err != nil {
		t.Fatalf("register asset failed: %v", err)
	}

	schedule, err := fixedAssets.ListSchedule(ctx, asset.ID)
	if err != nil {
		t.Fatalf("list schedule failed: %v", err)
	}
	firstRow := schedule[0]

	entry, err := fixedAssets.PostSchedule(ctx, cc, firstRow.ID)
	if err != nil {
		t.Fatalf("post schedule failed: %v", err)
	}
	if !entry.TotalDebit().Equal(core.MustParseMoney("100.00")) {
		t.Errorf("expected 100.00 depreciation entry, got debit %s", entry.TotalDebit())
	}

	again, err := fixedAssets.PostSchedule(ctx, cc, firstRow.ID)
	if err != nil {
		t.Fatalf("idempotent re-post failed: %v", err)
	}
	if again.ID != entry.ID {
		t.Errorf("expected re-posting an already-posted schedule to return the same entry, got %d vs %d", again.ID, entry.ID)
	}

	updated, err := fixedAssets.GetAsset(ctx, cc.Tenant, asset.ID)
	if err != nil {
		t.Fatalf("get asset failed: %v", err)
	}
	if !updated.AccumulatedDepreciation.Equal(core.MustParseMoney("100.00")) {
		t.Errorf("expected accumulated depreciation 100.00, got %s", updated.AccumulatedDepreciation)
	}
	if !updated.BookValue.Equal(core.MustParseMoney("1100.00")) {
		t.Errorf("expected book value 1100.00, got %s", updated.BookValue)
	}
}

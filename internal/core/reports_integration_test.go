package core_test

import (
	"context"
	"testing"
	"time"

	"ledgercore/internal/core"
)

func TestReports_TrialBalance_BalancesDebitsAndCredits(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	reports := core.NewReports(pool)
	cc := testContext()
	ctx := context.Background()

	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, 1)); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	lines, err := reports.TrialBalance(ctx, cc.Tenant, time.Time{})
	if err != nil {
		t.Fatalf("trial balance failed: %v", err)
	}

	var totalDebit, totalCredit core.Money
	var arLine *core.TrialBalanceLine
	for i := range lines {
		totalDebit = totalDebit.Add(lines[i].Debit)
		totalCredit = totalCredit.Add(lines[i].Credit)
		if lines[i].AccountCode == "1300" {
			arLine = &lines[i]
		}
	}
	if !totalDebit.Equal(totalCredit) {
		t.Errorf("expected trial balance to balance, debit %s vs credit %s", totalDebit, totalCredit)
	}
	if arLine == nil {
		t.Fatal("expected a trial balance line for account 1300")
	}
	if !arLine.Debit.Equal(core.MustParseMoney("121.00")) {
		t.Errorf("expected 1300 debit 121.00, got %s", arLine.Debit)
	}
}

func TestReports_BalanceSheet_ReflectsPostedEntry(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	reports := core.NewReports(pool)
	cc := testContext()
	ctx := context.Background()

	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, 1)); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	sheet, err := reports.BalanceSheet(ctx, cc.Tenant, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("balance sheet failed: %v", err)
	}
	if !sheet.TotalAssets.Equal(core.MustParseMoney("121.00")) {
		t.Errorf("expected total assets 121.00 (the new receivable), got %s", sheet.TotalAssets)
	}
	if !sheet.TotalLiabilities.Equal(core.MustParseMoney("21.00")) {
		t.Errorf("expected total liabilities 21.00 (VAT payable), got %s", sheet.TotalLiabilities)
	}
}

func TestReports_ProfitAndLoss_ComputesNetIncome(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	reports := core.NewReports(pool)
	cc := testContext()
	ctx := context.Background()

	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, 1)); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	pl, err := reports.ProfitAndLoss(ctx, cc.Tenant, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("profit and loss failed: %v", err)
	}
	if !pl.TotalRevenue.Equal(core.MustParseMoney("100.00")) {
		t.Errorf("expected revenue 100.00, got %s", pl.TotalRevenue)
	}
	if !pl.TotalExpenses.IsZero() {
		t.Errorf("expected zero expenses, got %s", pl.TotalExpenses)
	}
	if !pl.NetIncome.Equal(core.MustParseMoney("100.00")) {
		t.Errorf("expected net income 100.00, got %s", pl.NetIncome)
	}
}

func TestReports_Aging_BucketsOverdueReceivableAsNinetyPlus(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	subledger := core.NewSubledger(pool)
	reports := core.NewReports(pool)
	cc := testContext()
	ctx := context.Background()

	party, err := subledger.CreateParty(ctx, cc, core.Party{Type: core.PartyCustomer, Name: "Aging Co", PaymentTermsDays: 14})
	if err != nil {
		t.Fatalf("create party failed: %v", err)
	}
	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, party.ID)); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	// Due 2024-01-29, evaluated against the current clock — years overdue,
	// so it lands in the final "90+" bucket regardless of when this runs.
	report, err := reports.Aging(ctx, cc.Tenant, core.ItemReceivable, time.Time{})
	if err != nil {
		t.Fatalf("aging failed: %v", err)
	}
	if len(report.Lines) != 1 {
		t.Fatalf("expected exactly 1 party line, got %d", len(report.Lines))
	}
	line := report.Lines[0]
	if !line.Total.Equal(core.MustParseMoney("121.00")) {
		t.Errorf("expected party total 121.00, got %s", line.Total)
	}
	last := line.Buckets[len(line.Buckets)-1]
	if last.Label != "90+" {
		t.Fatalf("expected last bucket label 90+, got %s", last.Label)
	}
	if !last.Amount.Equal(core.MustParseMoney("121.00")) {
		t.Errorf("expected the overdue amount in the 90+ bucket, got %s", last.Amount)
	}
}

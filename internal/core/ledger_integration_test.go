package core_test

import (
	"context"
	"os"
	"testing"
	"time"

	"ledgercore/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live application
	// database. Set TEST_DATABASE_URL in your .env or environment to run
	// these integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE
			reconciliation_actions, bank_match_proposals, bank_transactions, bank_accounts,
			depreciation_schedules, fixed_assets,
			issues, validation_runs,
			open_item_allocations, open_items, parties,
			journal_lines, journal_entries, entry_sequences,
			period_audit_logs, period_snapshots, periods,
			vat_codes, accounts
		RESTART IDENTITY CASCADE;

		INSERT INTO accounts (tenant_id, code, name, type, is_control, control_type, is_active) VALUES
			(1, '1000', 'Cash at bank', 'ASSET', false, NULL, true),
			(1, '1300', 'Trade receivables', 'ASSET', true, 'AR', true),
			(1, '1600', 'Trade payables', 'LIABILITY', true, 'AP', true),
			(1, '1520', 'VAT payable', 'LIABILITY', true, 'VAT', true),
			(1, '1620', 'VAT receivable', 'ASSET', true, 'VAT', true),
			(1, '8000', 'Revenue', 'REVENUE', false, NULL, true),
			(1, '6000', 'Purchases', 'EXPENSE', false, NULL, true);

		INSERT INTO periods (tenant_id, name, type, start_date, end_date, status) VALUES
			(1, '2024-01', 'MONTH', '2024-01-01', '2024-01-31', 'OPEN'),
			(1, '2024-02', 'MONTH', '2024-02-01', '2024-02-29', 'OPEN');

		INSERT INTO parties (tenant_id, type, name) VALUES
			(1, 'CUSTOMER', 'Seed customer 1'),
			(1, 'CUSTOMER', 'Seed customer 2');
	`)
	if err != nil {
		t.Fatalf("failed to seed test database: %v", err)
	}

	return pool
}

func newTestServices(pool *pgxpool.Pool) (*core.Ledger, core.ChartOfAccounts, *core.PeriodControl) {
	coa := core.NewChartOfAccounts(pool)
	reports := core.NewReports(pool)
	consistency := core.NewConsistencyEngine(pool)
	period := core.NewPeriodControl(pool, consistency, reports)
	ledger := core.NewLedger(pool, coa, period)
	return ledger, coa, period
}

func testContext() core.CoreContext {
	return core.CoreContext{Tenant: core.TenantID(1), User: core.UserID(1), Role: core.RoleAccountant, Clock: core.SystemClock{}}
}

// fixedClock pins CoreContext.Clock to one instant.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func salesDraft(t *testing.T, partyID int) core.EntryDraft {
	t.Helper()
	gross := core.MustParseMoney("121.00")
	base := core.MustParseMoney("100.00")
	vatAmt := core.MustParseMoney("21.00")
	party := core.PartyCustomer
	return core.EntryDraft{
		EntryDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Description: "Sale to customer",
		Source:      core.SourceManual,
		Lines: []core.LineDraft{
			{AccountCode: "1300", Debit: gross, Description: "Sale", PartyType: &party, PartyID: &partyID},
			{AccountCode: "8000", Credit: base, Description: "Revenue"},
			{AccountCode: "1520", Credit: vatAmt, Description: "VAT payable"},
		},
	}
}

func TestLedger_CreateAndPost_BalancedEntrySucceeds(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	entry, err := ledger.CreateAndPost(context.Background(), cc, salesDraft(t, 1))
	if err != nil {
		t.Fatalf("CreateAndPost failed: %v", err)
	}
	if entry.Status != core.StatusPosted {
		t.Errorf("expected status POSTED, got %s", entry.Status)
	}
	if entry.EntryNumber == "" {
		t.Error("expected a non-empty gapless entry number")
	}
	if !entry.TotalDebit().Equal(entry.TotalCredit()) {
		t.Errorf("posted entry is unbalanced: debit %s credit %s", entry.TotalDebit(), entry.TotalCredit())
	}
}

func TestLedger_CreateAndPost_UnbalancedEntryRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	draft := salesDraft(t, 1)
	draft.Lines[1].Credit = core.MustParseMoney("90.00") // now debit 121 != credit 111

	_, err := ledger.CreateAndPost(context.Background(), cc, draft)
	if err == nil {
		t.Fatal("expected unbalanced entry to be rejected")
	}
}

func TestLedger_CreateAndPost_ControlAccountRequiresParty(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	draft := salesDraft(t, 1)
	draft.Lines[0].PartyID = nil
	draft.Lines[0].PartyType = nil

	_, err := ledger.CreateAndPost(context.Background(), cc, draft)
	if err == nil {
		t.Fatal("expected posting to a control account with no party to be rejected")
	}
}

func TestLedger_CreateAndPost_NoPeriodCoveringDateRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	draft := salesDraft(t, 1)
	draft.EntryDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := ledger.CreateAndPost(context.Background(), cc, draft)
	if err == nil {
		t.Fatal("expected posting with no open period to be rejected")
	}
}

func TestLedger_EntryNumbersAreGaplessPerYear(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	first, err := ledger.CreateAndPost(context.Background(), cc, salesDraft(t, 1))
	if err != nil {
		t.Fatalf("first post failed: %v", err)
	}
	second, err := ledger.CreateAndPost(context.Background(), cc, salesDraft(t, 2))
	if err != nil {
		t.Fatalf("second post failed: %v", err)
	}
	if first.EntryNumber == second.EntryNumber {
		t.Fatalf("expected distinct entry numbers, both were %s", first.EntryNumber)
	}
	if first.EntryNumber != "2024-000001" || second.EntryNumber != "2024-000002" {
		t.Errorf("expected consecutive 2024 numbers 2024-000001 and 2024-000002, got %s and %s", first.EntryNumber, second.EntryNumber)
	}
}

func TestLedger_ReverseEntry_MirrorsAndPreventsDoubleReversal(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	cc := testContext()

	entry, err := ledger.CreateAndPost(context.Background(), cc, salesDraft(t, 1))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	// The period is still OPEN, so the reversal takes the requested date; a
	// nil date would default to today, which no seeded period covers.
	reversalDate := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	reversal, err := ledger.ReverseEntry(context.Background(), cc, entry.ID, &reversalDate, "booked in error")
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if !reversal.TotalDebit().Equal(entry.TotalCredit()) || !reversal.TotalCredit().Equal(entry.TotalDebit()) {
		t.Errorf("reversal does not mirror original: original D%s/C%s reversal D%s/C%s",
			entry.TotalDebit(), entry.TotalCredit(), reversal.TotalDebit(), reversal.TotalCredit())
	}

	if _, err := ledger.ReverseEntry(context.Background(), cc, entry.ID, nil, "trying again"); err == nil {
		t.Fatal("expected a second reversal of the same entry to be rejected")
	}
}

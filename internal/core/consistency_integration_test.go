package core_test

import (
	"context"
	"testing"

	"ledgercore/internal/core"
)

func TestConsistencyEngine_FlagsOverdueReceivable(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, _ := newTestServices(pool)
	subledger := core.NewSubledger(pool)
	consistency := core.NewConsistencyEngine(pool)
	cc := testContext()
	ctx := context.Background()

	party, err := subledger.CreateParty(ctx, cc, core.Party{Type: core.PartyCustomer, Name: "Overdue Customer", PaymentTermsDays: 14})
	if err != nil {
		t.Fatalf("create party failed: %v", err)
	}
	// The seeded sales entry posts on 2024-01-15 with 14-day terms, due
	// 2024-01-29 — long before cc.Today() (the system clock), so this becomes a RED overdue
	// receivable without needing to fabricate a due date.
	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, party.ID)); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	run, err := consistency.RunFullValidation(ctx, cc)
	if err != nil {
		t.Fatalf("validation run failed: %v", err)
	}
	if run.IssuesFound == 0 {
		t.Fatal("expected at least one overdue receivable issue")
	}

	var count int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM issues WHERE tenant_id = $1 AND code = $2 AND severity = $3
	`, cc.Tenant, string(core.IssueOverdueReceivable), string(core.SeverityRed)).Scan(&count); err != nil {
		t.Fatalf("query issues failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 RED overdue receivable issue, got %d", count)
	}
}

func TestConsistencyEngine_FlagsVatAmountMismatch(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	consistency := core.NewConsistencyEngine(pool)
	cc := testContext()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO vat_codes (tenant_id, code, rate, category, is_reverse_charge, is_icp) VALUES
			(1, 'STD21', 21.00, 'STANDARD', false, false);

		INSERT INTO journal_entries (tenant_id, entry_number, entry_date, description, status, source, created_at)
		VALUES (1, '2024-000999', '2024-01-15', 'Bad VAT line', 'POSTED', 'MANUAL', NOW());

		INSERT INTO journal_lines (entry_id, account_id, line_no, debit, credit)
		VALUES (currval(pg_get_serial_sequence('journal_entries', 'id')),
			(SELECT id FROM accounts WHERE tenant_id = 1 AND code = '1300'), 1, 121.00, 0);

		INSERT INTO journal_lines (entry_id, account_id, line_no, debit, credit, vat_code_id, vat_amount, vat_base)
		VALUES (currval(pg_get_serial_sequence('journal_entries', 'id')),
			(SELECT id FROM accounts WHERE tenant_id = 1 AND code = '8000'), 2, 0, 100.00,
			(SELECT id FROM vat_codes WHERE tenant_id = 1 AND code = 'STD21'), 15.00, 100.00);

		INSERT INTO journal_lines (entry_id, account_id, line_no, debit, credit)
		VALUES (currval(pg_get_serial_sequence('journal_entries', 'id')),
			(SELECT id FROM accounts WHERE tenant_id = 1 AND code = '1520'), 3, 0, 21.00);
	`)
	if err != nil {
		t.Fatalf("seed bad VAT entry failed: %v", err)
	}

	run, err := consistency.RunFullValidation(ctx, cc)
	if err != nil {
		t.Fatalf("validation run failed: %v", err)
	}
	if run.IssuesFound == 0 {
		t.Fatal("expected the mismatched VAT line to be flagged")
	}

	var count int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM issues WHERE tenant_id = $1 AND code = $2
	`, cc.Tenant, string(core.IssueVatRateMismatch)).Scan(&count); err != nil {
		t.Fatalf("query issues failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 VAT_RATE_MISMATCH issue, got %d", count)
	}
}

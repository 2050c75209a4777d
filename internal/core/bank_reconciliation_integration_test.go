package core_test

import (
	"context"
	"testing"
	"time"

	"ledgercore/internal/core"
)

func TestBankReconciliation_Import_DeduplicatesByHash(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	cc := testContext()

	var bankAccountID int
	if err := pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (tenant_id, name, iban, gl_account) VALUES (1, 'Main account', 'NL00BANK0123456789', '1000')
		RETURNING id
	`).Scan(&bankAccountID); err != nil {
		t.Fatalf("seed bank account failed: %v", err)
	}

	ledger, coa, _ := newTestServices(pool)
	bank := core.NewBankReconciliation(pool, ledger, coa)

	raws := []core.RawBankTransaction{
		{
			BookingDate: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			Amount:      core.MustParseMoney("121.00"),
			Description: "Payment invoice INV-001",
			Reference:   "INV-001",
			Currency:    "EUR",
		},
	}

	inserted, err := bank.Import(ctx, cc, bankAccountID, raws)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 inserted transaction, got %d", inserted)
	}

	// Re-importing the identical statement line must be a no-op.
	again, err := bank.Import(ctx, cc, bankAccountID, raws)
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected 0 newly inserted on re-import, got %d", again)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM bank_transactions WHERE tenant_id = 1").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 stored transaction after re-import, got %d", count)
	}
}

func TestBankReconciliation_GenerateProposals_MatchesByInvoiceNumber(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	cc := testContext()

	ledger, coa, _ := newTestServices(pool)
	subledger := core.NewSubledger(pool)
	bank := core.NewBankReconciliation(pool, ledger, coa)

	party, err := subledger.CreateParty(ctx, cc, core.Party{Type: core.PartyCustomer, Name: "Acme BV", PaymentTermsDays: 14})
	if err != nil {
		t.Fatalf("create party failed: %v", err)
	}
	entry, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, party.ID))
	if err != nil {
		t.Fatalf("post sales entry failed: %v", err)
	}

	items, err := subledger.ListOpenItemsForParty(ctx, cc.Tenant, party.ID)
	if err != nil {
		t.Fatalf("list open items failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 open item, got %d", len(items))
	}
	if _, err := pool.Exec(ctx, "UPDATE open_items SET document_number = $1 WHERE id = $2", entry.EntryNumber, items[0].ID); err != nil {
		t.Fatalf("set document number failed: %v", err)
	}

	var bankAccountID int
	if err := pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (tenant_id, name, iban, gl_account) VALUES (1, 'Main account', 'NL00BANK0123456789', '1000')
		RETURNING id
	`).Scan(&bankAccountID); err != nil {
		t.Fatalf("seed bank account failed: %v", err)
	}

	inserted, err := bank.Import(ctx, cc, bankAccountID, []core.RawBankTransaction{
		{
			BookingDate: time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC),
			Amount:      core.MustParseMoney("121.00"),
			Description: "Payment for invoice " + entry.EntryNumber,
			Currency:    "EUR",
		},
	})
	if err != nil || inserted != 1 {
		t.Fatalf("import failed: err=%v inserted=%d", err, inserted)
	}

	var txID int
	if err := pool.QueryRow(ctx, "SELECT id FROM bank_transactions WHERE tenant_id = 1 LIMIT 1").Scan(&txID); err != nil {
		t.Fatalf("find bank tx failed: %v", err)
	}

	proposals, err := bank.GenerateProposals(ctx, cc.Tenant, txID)
	if err != nil {
		t.Fatalf("generate proposals failed: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected exactly 1 proposal, got %d", len(proposals))
	}
	if proposals[0].RuleType != core.RuleInvoiceNumber {
		t.Errorf("expected invoice-number rule to win, got %s", proposals[0].RuleType)
	}
	if proposals[0].EntityID != items[0].ID {
		t.Errorf("expected proposal to target open item %d, got %d", items[0].ID, proposals[0].EntityID)
	}
}

func TestBankReconciliation_ApplyMatch_PostsPaymentAndAllocates(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	cc := testContext()

	ledger, coa, _ := newTestServices(pool)
	subledger := core.NewSubledger(pool)
	bank := core.NewBankReconciliation(pool, ledger, coa)

	party, err := subledger.CreateParty(ctx, cc, core.Party{Type: core.PartyCustomer, Name: "Acme BV", PaymentTermsDays: 14})
	if err != nil {
		t.Fatalf("create party failed: %v", err)
	}
	if _, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, party.ID)); err != nil {
		t.Fatalf("post sales entry failed: %v", err)
	}
	items, err := subledger.ListOpenItemsForParty(ctx, cc.Tenant, party.ID)
	if err != nil {
		t.Fatalf("list open items failed: %v", err)
	}
	openItem := items[0]

	var bankAccountID int
	if err := pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (tenant_id, name, iban, gl_account) VALUES (1, 'Main account', 'NL00BANK0123456789', '1000')
		RETURNING id
	`).Scan(&bankAccountID); err != nil {
		t.Fatalf("seed bank account failed: %v", err)
	}
	inserted, err := bank.Import(ctx, cc, bankAccountID, []core.RawBankTransaction{
		{
			BookingDate: time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC),
			Amount:      core.MustParseMoney("121.00"),
			Description: "Incoming payment",
			Currency:    "EUR",
		},
	})
	if err != nil || inserted != 1 {
		t.Fatalf("import failed: err=%v inserted=%d", err, inserted)
	}
	var txID int
	if err := pool.QueryRow(ctx, "SELECT id FROM bank_transactions WHERE tenant_id = 1 LIMIT 1").Scan(&txID); err != nil {
		t.Fatalf("find bank tx failed: %v", err)
	}

	entry, err := bank.ApplyMatch(ctx, cc, txID, core.MatchEntityOpenItem, openItem.ID)
	if err != nil {
		t.Fatalf("apply match failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a posted payment entry")
	}
	if !entry.TotalDebit().Equal(core.MustParseMoney("121.00")) {
		t.Errorf("expected payment entry of 121.00, got %s", entry.TotalDebit())
	}

	after, err := subledger.GetOpenItem(ctx, cc.Tenant, openItem.ID)
	if err != nil {
		t.Fatalf("get open item failed: %v", err)
	}
	if after.Status != core.OpenItemPaid {
		t.Errorf("expected PAID after full allocation via bank match, got %s", after.Status)
	}

	var status string
	if err := pool.QueryRow(ctx, "SELECT status FROM bank_transactions WHERE id = $1", txID).Scan(&status); err != nil {
		t.Fatalf("query tx status failed: %v", err)
	}
	if status != "MATCHED" {
		t.Errorf("expected transaction status MATCHED, got %s", status)
	}
}

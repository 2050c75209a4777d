package core_test

import (
	"testing"

	"ledgercore/internal/core"

	"github.com/shopspring/decimal"
)

func standardCode() core.VatCode {
	return core.VatCode{ID: 1, Rate: decimal.RequireFromString("21.00"), Category: core.VatStandard}
}

func TestVAT_Sales_SplitsGrossIntoBaseAndVat(t *testing.T) {
	vat := core.NewVAT()
	gross := core.MustParseMoney("121.00")
	partyID := 42
	lines := vat.Sales(gross, standardCode(), "1300", "8000", "1520", core.PartyCustomer, partyID, nil)

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (receivable, revenue, vat), got %d", len(lines))
	}
	if lines[0].AccountCode != "1300" || !lines[0].Debit.Equal(gross) {
		t.Errorf("receivable line wrong: %+v", lines[0])
	}
	if lines[1].AccountCode != "8000" || lines[1].Credit.String() != "100.00" {
		t.Errorf("revenue line wrong: %+v", lines[1])
	}
	if lines[2].AccountCode != "1520" || lines[2].Credit.String() != "21.00" {
		t.Errorf("vat line wrong: %+v", lines[2])
	}

	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("Sales lines must balance")
	}
}

func TestVAT_Sales_ZeroVatOmitsVatLine(t *testing.T) {
	vat := core.NewVAT()
	zero := core.VatCode{ID: 2, Rate: decimal.Zero, Category: core.VatZero}
	gross := core.MustParseMoney("100.00")
	lines := vat.Sales(gross, zero, "1300", "8000", "1520", core.PartyCustomer, 1, nil)

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines when vat is zero, got %d", len(lines))
	}
}

func TestVAT_Purchase_MirrorsSales(t *testing.T) {
	vat := core.NewVAT()
	gross := core.MustParseMoney("121.00")
	lines := vat.Purchase(gross, standardCode(), "6000", "1620", "1600", core.PartySupplier, 7, nil)

	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("Purchase lines must balance")
	}
	if draft.TotalCredit().String() != "121.00" {
		t.Errorf("total credit = %s, want 121.00", draft.TotalCredit())
	}
}

func TestVAT_ReverseCharge_NetsToZeroInGL(t *testing.T) {
	vat := core.NewVAT()
	base := core.MustParseMoney("500.00")
	lines := vat.ReverseCharge(base, standardCode(), "6000", "1600", "1620", "1520", core.PartySupplier, 3, "DE")

	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("ReverseCharge lines must balance")
	}
	for _, l := range lines {
		if !l.IsReverseCharge {
			t.Errorf("line %+v should be flagged IsReverseCharge", l)
		}
	}
}

func TestVAT_ICP_NoVatCharged(t *testing.T) {
	vat := core.NewVAT()
	net := core.MustParseMoney("1000.00")
	lines := vat.ICP(net, standardCode(), "1300", "8100", core.PartyCustomer, 9, "BE")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("ICP lines must balance")
	}
	if lines[1].VatAmount == nil || !lines[1].VatAmount.IsZero() {
		t.Error("ICP revenue line should report a zero vat amount, not nil")
	}
}

func TestVAT_ExpenseFromGross_NilCodeSkipsSplit(t *testing.T) {
	vat := core.NewVAT()
	gross := core.MustParseMoney("50.00")
	lines := vat.ExpenseFromGross(gross, nil, "6800", "1620", "1100", "Bank fee")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines with no vat code, got %d", len(lines))
	}
	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("ExpenseFromGross lines must balance")
	}
}

func TestVAT_ExpenseFromGross_WithCodeSplitsVat(t *testing.T) {
	vat := core.NewVAT()
	code := standardCode()
	gross := core.MustParseMoney("121.00")
	lines := vat.ExpenseFromGross(gross, &code, "6800", "1620", "1100", "Office supplies")

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines with a vat code, got %d", len(lines))
	}
	draft := core.EntryDraft{Lines: lines}
	if !draft.TotalDebit().Equal(draft.TotalCredit()) {
		t.Error("ExpenseFromGross (with vat) lines must balance")
	}
}

func TestVAT_ValidateReconciliation(t *testing.T) {
	rate := decimal.RequireFromString("21.00")
	base := core.MustParseMoney("100.00")

	if !core.ValidateReconciliation(base, core.MustParseMoney("21.00"), rate) {
		t.Error("expected exact vat to reconcile")
	}
	if !core.ValidateReconciliation(base, core.MustParseMoney("21.04"), rate) {
		t.Error("expected vat within 0.05 tolerance to reconcile")
	}
	if core.ValidateReconciliation(base, core.MustParseMoney("21.10"), rate) {
		t.Error("expected vat outside 0.05 tolerance to fail reconciliation")
	}
}

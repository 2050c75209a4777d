package core

import (
	"github.com/shopspring/decimal"
)

// VAT builds the self-balanced LineDraft sets for the four business-event
// shapes the VAT Posting Engine supports — spec.md §4.D. It never touches
// the database: every function here is pure, taking resolved account codes
// and a VatCode and returning drafts the Ledger Core then persists. This
// mirrors how the source's vat/posting.py built line dicts ahead of the
// ledger call, generalized into typed LineDrafts instead of dicts.
type VAT struct{}

func NewVAT() *VAT { return &VAT{} }

// vatReconciliationTolerance is the 0.05 tolerance spec.md §4.D names for
// reconciling vat against base*rate — looser than the 0.01 GL/subledger
// tolerance because VAT splits round at the boundary twice (base, then vat).
var vatReconciliationTolerance = MustParseMoney("0.05")

// Sales builds the standard-rate sales line set: gross is split into base
// and vat by dividing out the rate half-up, then the vat is the remainder
// so base+vat reconstructs gross exactly.
//
//	Dr Receivable gross
//	Cr Revenue    base  (carries vat_code, vat_base, country)
//	Cr VAT Payable vat  (only if vat > 0)
func (VAT) Sales(gross Money, code VatCode, receivableAccount, revenueAccount, vatPayableAccount string,
	partyType PartyType, partyID int, country *string) []LineDraft {

	base := gross.DivRatePercentPlusOne(code.Rate)
	vat := gross.Sub(base)
	codeID := code.ID

	lines := []LineDraft{
		{AccountCode: receivableAccount, Debit: gross, Description: "Sale", PartyType: &partyType, PartyID: &partyID},
		{AccountCode: revenueAccount, Credit: base, Description: "Revenue", VatCodeID: &codeID, VatBase: &base, VatCountry: country},
	}
	if vat.IsPositive() {
		lines = append(lines, LineDraft{AccountCode: vatPayableAccount, Credit: vat, Description: "VAT payable", VatCodeID: &codeID, VatAmount: &vat, VatCountry: country})
	}
	return lines
}

// Purchase builds the standard-rate purchase line set, the debit/credit
// mirror of Sales.
//
//	Dr Expense/Asset base
//	Dr VAT Receivable vat  (if vat > 0)
//	Cr Payable gross
func (VAT) Purchase(gross Money, code VatCode, expenseAccount, vatReceivableAccount, payableAccount string,
	partyType PartyType, partyID int, country *string) []LineDraft {

	base := gross.DivRatePercentPlusOne(code.Rate)
	vat := gross.Sub(base)
	codeID := code.ID

	lines := []LineDraft{
		{AccountCode: expenseAccount, Debit: base, Description: "Purchase", VatCodeID: &codeID, VatBase: &base, VatCountry: country},
	}
	if vat.IsPositive() {
		lines = append(lines, LineDraft{AccountCode: vatReceivableAccount, Debit: vat, Description: "VAT receivable", VatCodeID: &codeID, VatAmount: &vat, VatCountry: country})
	}
	lines = append(lines, LineDraft{AccountCode: payableAccount, Credit: gross, Description: "Purchase", PartyType: &partyType, PartyID: &partyID})
	return lines
}

// ReverseCharge builds the four-line reverse-charge set for an EU-supplier
// purchase with no VAT invoiced: VAT is computed at the code's rate,
// reported on both sides of the VAT control accounts so it nets to zero in
// the GL but still shows in the VAT summary.
//
//	Dr Expense      base
//	Cr Payable      base
//	Dr VAT Receivable computed_vat
//	Cr VAT Payable    computed_vat
func (VAT) ReverseCharge(base Money, code VatCode, expenseAccount, payableAccount, vatReceivableAccount, vatPayableAccount string,
	partyType PartyType, partyID int, supplierCountry string) []LineDraft {

	computedVat := base.MulRatePercent(code.Rate)
	codeID := code.ID
	country := supplierCountry

	return []LineDraft{
		{AccountCode: expenseAccount, Debit: base, Description: "Reverse-charge purchase", VatCodeID: &codeID, VatBase: &base, VatCountry: &country, IsReverseCharge: true},
		{AccountCode: payableAccount, Credit: base, Description: "Reverse-charge purchase", PartyType: &partyType, PartyID: &partyID, IsReverseCharge: true},
		{AccountCode: vatReceivableAccount, Debit: computedVat, Description: "Reverse-charge VAT", VatCodeID: &codeID, VatAmount: &computedVat, VatCountry: &country, IsReverseCharge: true},
		{AccountCode: vatPayableAccount, Credit: computedVat, Description: "Reverse-charge VAT", VatCodeID: &codeID, VatAmount: &computedVat, VatCountry: &country, IsReverseCharge: true},
	}
}

// ICP builds the zero-VAT intra-community-supply line set: only a
// receivable/revenue pair at net amount, tagged with the customer's VAT
// country so reports can aggregate ICP totals separately.
func (VAT) ICP(net Money, code VatCode, receivableAccount, revenueAccount string,
	partyType PartyType, partyID int, customerCountry string) []LineDraft {

	codeID := code.ID
	country := customerCountry
	zero := Zero

	return []LineDraft{
		{AccountCode: receivableAccount, Debit: net, Description: "ICP supply", PartyType: &partyType, PartyID: &partyID},
		{AccountCode: revenueAccount, Credit: net, Description: "ICP supply", VatCodeID: &codeID, VatBase: &net, VatAmount: &zero, VatCountry: &country},
	}
}

// ExpenseFromGross builds the line set for an expense paid directly out of
// the bank account with no prior purchase invoice (bank reconciliation's
// CREATE_EXPENSE, spec.md §4.I): the payable leg of Purchase is replaced by
// a credit to the bank account, since settlement already happened. If code
// is nil the gross amount is booked to the expense account with no VAT
// split, matching a purchase with no VAT code selected.
func (VAT) ExpenseFromGross(gross Money, code *VatCode, expenseAccount, vatReceivableAccount, bankAccount, description string) []LineDraft {
	if code == nil {
		return []LineDraft{
			{AccountCode: expenseAccount, Debit: gross, Description: description},
			{AccountCode: bankAccount, Credit: gross, Description: description},
		}
	}

	base := gross.DivRatePercentPlusOne(code.Rate)
	vat := gross.Sub(base)
	codeID := code.ID

	lines := []LineDraft{
		{AccountCode: expenseAccount, Debit: base, Description: description, VatCodeID: &codeID, VatBase: &base},
	}
	if vat.IsPositive() {
		lines = append(lines, LineDraft{AccountCode: vatReceivableAccount, Debit: vat, Description: "VAT receivable", VatCodeID: &codeID, VatAmount: &vat})
	}
	lines = append(lines, LineDraft{AccountCode: bankAccount, Credit: gross, Description: description})
	return lines
}

// ValidateReconciliation reports whether vat reconciles with base*rate
// within the spec's 0.05 tolerance — the check the Consistency Engine runs
// over posted lines (checkVatSanity in consistency.go).
func ValidateReconciliation(base, vat Money, ratePercent decimal.Decimal) bool {
	expected := base.MulRatePercent(ratePercent)
	return vat.WithinTolerance(expected, vatReconciliationTolerance)
}

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Reports provides read-only reporting queries over the ledger: trial
// balance, balance sheet, profit & loss, and AR/AP aging. Every query reads
// journal_lines directly rather than a materialized view, so a report is
// always current — the source's reporting service took the same approach
// for GetProfitAndLoss/GetBalanceSheet rather than depending on a refresh
// cycle (see DESIGN.md — the source's materialized-view refresh path was
// not carried forward).
type Reports struct {
	pool *pgxpool.Pool
}

func NewReports(pool *pgxpool.Pool) *Reports {
	return &Reports{pool: pool}
}

type TrialBalanceLine struct {
	AccountCode string
	AccountName string
	Type        AccountType
	Debit       Money
	Credit      Money
}

func (r *Reports) TrialBalance(ctx context.Context, tenant TenantID, asOf time.Time) ([]TrialBalanceLine, error) {
	return trialBalanceTx(ctx, r.pool, tenant, asOf)
}

// trialBalanceTx accepts any querier (pool or tx) so Finalize can snapshot
// inside its own transaction.
func trialBalanceTx(ctx context.Context, q queryer, tenant TenantID, asOf time.Time) ([]TrialBalanceLine, error) {
	query := `
		SELECT a.code, a.name, a.type,
		       COALESCE(SUM(jl.debit), 0) AS debit,
		       COALESCE(SUM(jl.credit), 0) AS credit
		FROM accounts a
		LEFT JOIN journal_lines jl ON jl.account_id = a.id
		LEFT JOIN journal_entries je ON je.id = jl.entry_id AND je.status = 'POSTED'
		WHERE a.tenant_id = $1`
	args := []any{tenant}
	if !asOf.IsZero() {
		query += " AND (je.entry_date IS NULL OR je.entry_date <= $2)"
		args = append(args, CivilDate(asOf))
	}
	query += " GROUP BY a.id, a.code, a.name, a.type ORDER BY a.code"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trial balance: %w", err)
	}
	defer rows.Close()

	var out []TrialBalanceLine
	for rows.Next() {
		var l TrialBalanceLine
		var debit, credit decimal.Decimal
		if err := rows.Scan(&l.AccountCode, &l.AccountName, &l.Type, &debit, &credit); err != nil {
			return nil, fmt.Errorf("scan trial balance line: %w", err)
		}
		l.Debit = NewMoney(debit)
		l.Credit = NewMoney(credit)
		out = append(out, l)
	}
	return out, rows.Err()
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting report
// builders run either standalone or inside Finalize's transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type AccountLine struct {
	Code    string
	Name    string
	Balance Money
}

type BalanceSheetReport struct {
	AsOfDate         time.Time
	CurrentAssets    []AccountLine
	FixedAssets      []AccountLine
	CurrentLiabilities []AccountLine
	LongTermLiabilities []AccountLine
	Equity           []AccountLine
	TotalAssets      Money
	TotalLiabilities Money
	TotalEquity      Money
	IsBalanced       bool
}

// isFixedAssetAccount classifies current vs. fixed assets by the same
// code-prefix convention the source client used: codes in 10-13 are current
// assets (cash, bank, receivables), everything else in the asset type is
// fixed. This is client-specific (a Dutch RGS-derived chart), not a general
// rule — the open question flags it as needing to be configurable per
// tenant for a multi-scheme chart (see DESIGN.md).
func isFixedAssetAccount(code string) bool {
	return !hasTwoDigitPrefixInRange(code, 10, 13)
}

// isLongTermLiabilityAccount classifies liabilities by the mirrored
// convention: codes in 06-08 are long-term, everything else in the
// liability type is current.
func isLongTermLiabilityAccount(code string) bool {
	return hasTwoDigitPrefixInRange(code, 6, 8)
}

func hasTwoDigitPrefixInRange(code string, low, high int) bool {
	if len(code) < 2 {
		return false
	}
	prefix, err := strconv.Atoi(code[:2])
	if err != nil {
		return false
	}
	return prefix >= low && prefix <= high
}

func (r *Reports) BalanceSheet(ctx context.Context, tenant TenantID, asOf time.Time) (BalanceSheetReport, error) {
	return balanceSheetTx(ctx, r.pool, tenant, asOf)
}

func balanceSheetTx(ctx context.Context, q queryer, tenant TenantID, asOf time.Time) (BalanceSheetReport, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	query := `
		SELECT a.code, a.name, a.type,
		       COALESCE(SUM(jl.debit), 0) - COALESCE(SUM(jl.credit), 0) AS net_balance
		FROM accounts a
		LEFT JOIN journal_lines jl ON jl.account_id = a.id
		LEFT JOIN journal_entries je ON je.id = jl.entry_id AND je.status = 'POSTED' AND je.entry_date <= $2
		WHERE a.tenant_id = $1 AND a.type IN ('ASSET', 'LIABILITY', 'EQUITY')
		GROUP BY a.id, a.code, a.name, a.type
		ORDER BY a.code`

	rows, err := q.Query(ctx, query, tenant, CivilDate(asOf))
	if err != nil {
		return BalanceSheetReport{}, fmt.Errorf("query balance sheet: %w", err)
	}
	defer rows.Close()

	report := BalanceSheetReport{AsOfDate: CivilDate(asOf)}
	for rows.Next() {
		var code, name string
		var accType AccountType
		var net decimal.Decimal
		if err := rows.Scan(&code, &name, &accType, &net); err != nil {
			return BalanceSheetReport{}, fmt.Errorf("scan balance sheet row: %w", err)
		}
		switch accType {
		case AccountAsset:
			bal := NewMoney(net)
			if isFixedAssetAccount(code) {
				report.FixedAssets = append(report.FixedAssets, AccountLine{Code: code, Name: name, Balance: bal})
			} else {
				report.CurrentAssets = append(report.CurrentAssets, AccountLine{Code: code, Name: name, Balance: bal})
			}
			report.TotalAssets = report.TotalAssets.Add(bal)
		case AccountLiability:
			bal := NewMoney(net.Neg())
			if isLongTermLiabilityAccount(code) {
				report.LongTermLiabilities = append(report.LongTermLiabilities, AccountLine{Code: code, Name: name, Balance: bal})
			} else {
				report.CurrentLiabilities = append(report.CurrentLiabilities, AccountLine{Code: code, Name: name, Balance: bal})
			}
			report.TotalLiabilities = report.TotalLiabilities.Add(bal)
		case AccountEquity:
			bal := NewMoney(net.Neg())
			report.Equity = append(report.Equity, AccountLine{Code: code, Name: name, Balance: bal})
			report.TotalEquity = report.TotalEquity.Add(bal)
		}
	}
	report.IsBalanced = report.TotalAssets.Equal(report.TotalLiabilities.Add(report.TotalEquity))
	return report, rows.Err()
}

type ProfitAndLossReport struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Revenue     []AccountLine
	Expenses    []AccountLine
	TotalRevenue Money
	TotalExpenses Money
	NetIncome   Money
}

func (r *Reports) ProfitAndLoss(ctx context.Context, tenant TenantID, start, end time.Time) (ProfitAndLossReport, error) {
	return profitAndLossTx(ctx, r.pool, tenant, start, end)
}

func profitAndLossTx(ctx context.Context, q queryer, tenant TenantID, start, end time.Time) (ProfitAndLossReport, error) {
	query := `
		SELECT a.code, a.name, a.type,
		       COALESCE(SUM(jl.debit), 0) AS debit,
		       COALESCE(SUM(jl.credit), 0) AS credit
		FROM accounts a
		LEFT JOIN journal_lines jl ON jl.account_id = a.id
		LEFT JOIN journal_entries je ON je.id = jl.entry_id
		  AND je.status = 'POSTED' AND je.entry_date >= $2 AND je.entry_date <= $3
		WHERE a.tenant_id = $1 AND a.type IN ('REVENUE', 'EXPENSE')
		GROUP BY a.id, a.code, a.name, a.type
		ORDER BY a.type, a.code`

	rows, err := q.Query(ctx, query, tenant, CivilDate(start), CivilDate(end))
	if err != nil {
		return ProfitAndLossReport{}, fmt.Errorf("query profit and loss: %w", err)
	}
	defer rows.Close()

	report := ProfitAndLossReport{PeriodStart: CivilDate(start), PeriodEnd: CivilDate(end)}
	for rows.Next() {
		var code, name string
		var accType AccountType
		var debit, credit decimal.Decimal
		if err := rows.Scan(&code, &name, &accType, &debit, &credit); err != nil {
			return ProfitAndLossReport{}, fmt.Errorf("scan P&L row: %w", err)
		}
		switch accType {
		case AccountRevenue:
			bal := NewMoney(credit.Sub(debit))
			report.Revenue = append(report.Revenue, AccountLine{Code: code, Name: name, Balance: bal})
			report.TotalRevenue = report.TotalRevenue.Add(bal)
		case AccountExpense:
			bal := NewMoney(debit.Sub(credit))
			report.Expenses = append(report.Expenses, AccountLine{Code: code, Name: name, Balance: bal})
			report.TotalExpenses = report.TotalExpenses.Add(bal)
		}
	}
	report.NetIncome = report.TotalRevenue.Sub(report.TotalExpenses)
	return report, rows.Err()
}

type AgingBucket struct {
	Label  string // "current", "1-30", "31-60", "61-90", "90+"
	Amount Money
}

type AgingLine struct {
	PartyID   int
	PartyName string
	Buckets   []AgingBucket
	Total     Money
}

type AgingReport struct {
	AsOfDate time.Time
	ItemType OpenItemType
	Lines    []AgingLine
	Total    Money
}

// Aging buckets open items by days overdue: current, 1-30, 31-60, 61-90, 90+.
func (r *Reports) Aging(ctx context.Context, tenant TenantID, itemType OpenItemType, asOf time.Time) (AgingReport, error) {
	return agingTx(ctx, r.pool, tenant, itemType, asOf)
}

func agingTx(ctx context.Context, q queryer, tenant TenantID, itemType OpenItemType, asOf time.Time) (AgingReport, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	asOfDate := CivilDate(asOf)

	rows, err := q.Query(ctx, `
		SELECT oi.party_id, p.name, oi.due_date, oi.open_amount
		FROM open_items oi JOIN parties p ON p.id = oi.party_id
		WHERE oi.tenant_id = $1 AND oi.item_type = $2 AND oi.status IN ('OPEN', 'PARTIAL')
		ORDER BY p.name
	`, tenant, string(itemType))
	if err != nil {
		return AgingReport{}, fmt.Errorf("query aging items: %w", err)
	}
	defer rows.Close()

	byParty := map[int]*AgingLine{}
	var order []int
	report := AgingReport{AsOfDate: asOfDate, ItemType: itemType}

	for rows.Next() {
		var partyID int
		var partyName string
		var dueDate time.Time
		var openAmount decimal.Decimal
		if err := rows.Scan(&partyID, &partyName, &dueDate, &openAmount); err != nil {
			return AgingReport{}, fmt.Errorf("scan aging item: %w", err)
		}
		amt := NewMoney(openAmount)
		line, ok := byParty[partyID]
		if !ok {
			line = &AgingLine{PartyID: partyID, PartyName: partyName, Buckets: []AgingBucket{
				{Label: "current"}, {Label: "1-30"}, {Label: "31-60"}, {Label: "61-90"}, {Label: "90+"},
			}}
			byParty[partyID] = line
			order = append(order, partyID)
		}
		bucket := agingBucketIndex(asOfDate, dueDate)
		line.Buckets[bucket].Amount = line.Buckets[bucket].Amount.Add(amt)
		line.Total = line.Total.Add(amt)
		report.Total = report.Total.Add(amt)
	}
	if err := rows.Err(); err != nil {
		return AgingReport{}, err
	}
	for _, id := range order {
		report.Lines = append(report.Lines, *byParty[id])
	}
	return report, nil
}

func agingBucketIndex(asOf, dueDate time.Time) int {
	daysOverdue := int(asOf.Sub(dueDate).Hours() / 24)
	switch {
	case daysOverdue <= 0:
		return 0
	case daysOverdue <= 30:
		return 1
	case daysOverdue <= 60:
		return 2
	case daysOverdue <= 90:
		return 3
	default:
		return 4
	}
}

// snapshotJSON is the persisted shape of a finalization snapshot — every
// report captured immutably as JSON, including a real VAT summary computed
// from posted lines (the original left this hardcoded to zero; see
// DESIGN.md for why this rework computes it instead).
type snapshotJSON struct {
	TrialBalance    []TrialBalanceLine  `json:"trial_balance"`
	BalanceSheet    BalanceSheetReport  `json:"balance_sheet"`
	ProfitAndLoss   ProfitAndLossReport `json:"profit_and_loss"`
	VATSummary      VATSummary          `json:"vat_summary"`
	AgingReceivable AgingReport         `json:"aging_receivable"`
	AgingPayable    AgingReport         `json:"aging_payable"`
	IssueSummary    IssueSummary        `json:"issue_summary"`
}

// buildSnapshotTx assembles every report for a period within the caller's
// finalize transaction and returns both the in-memory PeriodSnapshot shell
// (ID still zero, filled in by the caller after insert) and its JSON
// encoding for persistence.
func (r *Reports) buildSnapshotTx(ctx context.Context, tx pgx.Tx, cc CoreContext, period Period, issues []Issue, acknowledgedYellowIDs []int) (PeriodSnapshot, []byte, error) {
	trialBalance, err := trialBalanceTx(ctx, tx, cc.Tenant, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}
	balanceSheet, err := balanceSheetTx(ctx, tx, cc.Tenant, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}
	pl, err := profitAndLossTx(ctx, tx, cc.Tenant, period.StartDate, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}
	vatSummary, err := vatSummaryTx(ctx, tx, cc.Tenant, period.StartDate, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}
	agingAR, err := agingTx(ctx, tx, cc.Tenant, ItemReceivable, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}
	agingAP, err := agingTx(ctx, tx, cc.Tenant, ItemPayable, period.EndDate)
	if err != nil {
		return PeriodSnapshot{}, nil, err
	}

	var redCount, yellowCount int
	for _, issue := range issues {
		if issue.Severity == SeverityRed {
			redCount++
		} else {
			yellowCount++
		}
	}
	issueSummary := IssueSummary{TotalIssues: len(issues), RedCount: redCount, YellowCount: yellowCount}

	data := snapshotJSON{
		TrialBalance: trialBalance, BalanceSheet: balanceSheet, ProfitAndLoss: pl,
		VATSummary: vatSummary, AgingReceivable: agingAR, AgingPayable: agingAP, IssueSummary: issueSummary,
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return PeriodSnapshot{}, nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	return PeriodSnapshot{
		PeriodID: period.ID, Tenant: cc.Tenant, CreatedAt: cc.Clock.Now(), CreatedBy: cc.User,
		TrialBalance: trialBalance, BalanceSheet: balanceSheet, ProfitAndLoss: pl,
		VATSummary: vatSummary, AgingReceivable: agingAR, AgingPayable: agingAP,
		AcknowledgedYellowIDs: acknowledgedYellowIDs, IssueSummary: issueSummary,
	}, blob, nil
}

// vatSummaryTx computes net VAT payable/receivable for a period from posted
// VAT lines, rather than the hardcoded zero the original used.
func vatSummaryTx(ctx context.Context, q queryer, tenant TenantID, start, end time.Time) (VATSummary, error) {
	var payable, receivable decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN jl.credit > 0 THEN jl.vat_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN jl.debit > 0 THEN jl.vat_amount ELSE 0 END), 0)
		FROM journal_lines jl
		JOIN journal_entries je ON je.id = jl.entry_id
		JOIN accounts a ON a.id = jl.account_id
		WHERE a.tenant_id = $1 AND a.is_control = true AND a.control_type = 'VAT'
		  AND je.status = 'POSTED' AND je.entry_date >= $2 AND je.entry_date <= $3
	`, tenant, CivilDate(start), CivilDate(end)).Scan(&payable, &receivable)
	if err != nil {
		return VATSummary{}, fmt.Errorf("query vat summary: %w", err)
	}
	p := NewMoney(payable)
	rcv := NewMoney(receivable)
	return VATSummary{
		PeriodStart: CivilDate(start), PeriodEnd: CivilDate(end),
		VATPayable: p, VATReceivable: rcv, NetVAT: p.Sub(rcv),
	}, nil
}

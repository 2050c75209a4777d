package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ConsistencyEngine runs the five check groups of spec.md §4.G: ledger
// integrity, AR reconciliation, AP reconciliation, asset correctness, and
// VAT sanity. Each run clears unresolved issues and regenerates them —
// idempotent and safe to run repeatedly, matching
// ConsistencyEngine.run_full_validation in the original.
type ConsistencyEngine struct {
	pool *pgxpool.Pool
}

func NewConsistencyEngine(pool *pgxpool.Pool) *ConsistencyEngine {
	return &ConsistencyEngine{pool: pool}
}

const reconTolerance = "0.01"

func (e *ConsistencyEngine) RunFullValidation(ctx context.Context, cc CoreContext) (ValidationRun, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return ValidationRun{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	startedAt := cc.Clock.Now()
	run, err := e.runFullValidationTx(ctx, tx, cc)
	if err != nil {
		// The run's issue inserts roll back with tx; the FAILED run is
		// recorded in a separate statement so that it survives the rollback.
		tx.Rollback(ctx)
		e.pool.Exec(context.WithoutCancel(ctx), `
			INSERT INTO validation_runs (tenant_id, status, started_at, completed_at, error_message) VALUES ($1, $2, $3, $4, $5)
		`, cc.Tenant, string(RunFailed), startedAt, cc.Clock.Now(), err.Error())
		return ValidationRun{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ValidationRun{}, fmt.Errorf("commit validation run: %w", err)
	}
	return run, nil
}

func (e *ConsistencyEngine) runFullValidationTx(ctx context.Context, tx pgx.Tx, cc CoreContext) (ValidationRun, error) {
	var runID int
	startedAt := cc.Clock.Now()
	if err := tx.QueryRow(ctx, `
		INSERT INTO validation_runs (tenant_id, status, started_at) VALUES ($1, $2, $3) RETURNING id
	`, cc.Tenant, string(RunRunning), startedAt).Scan(&runID); err != nil {
		return ValidationRun{}, fmt.Errorf("insert validation run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM issues WHERE tenant_id = $1 AND is_resolved = false`, cc.Tenant); err != nil {
		return ValidationRun{}, fmt.Errorf("clear unresolved issues: %w", err)
	}

	today := cc.Today()
	var issues []Issue
	checks := []func(context.Context, pgx.Tx, TenantID) ([]Issue, error){
		e.checkUnbalancedEntries,
		e.checkMissingAccounts,
		e.checkSubledgerReconAR,
		e.checkSubledgerReconAP,
		func(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
			return e.checkOverdueReceivables(ctx, tx, tenant, today)
		},
		func(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
			return e.checkOverduePayables(ctx, tx, tenant, today)
		},
		func(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
			return e.checkDepreciationSchedules(ctx, tx, tenant, today)
		},
		e.checkVatSanity,
	}
	for _, check := range checks {
		found, err := check(ctx, tx, cc.Tenant)
		if err != nil {
			completedAt := cc.Clock.Now()
			msg := err.Error()
			tx.Exec(ctx, `UPDATE validation_runs SET status = $1, completed_at = $2, error_message = $3 WHERE id = $4`,
				string(RunFailed), completedAt, msg, runID)
			return ValidationRun{}, fmt.Errorf("validation check failed: %w", err)
		}
		issues = append(issues, found...)
	}

	for i := range issues {
		issues[i].Tenant = cc.Tenant
		if err := insertIssueTx(ctx, tx, &issues[i]); err != nil {
			return ValidationRun{}, err
		}
	}

	completedAt := cc.Clock.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE validation_runs SET status = $1, completed_at = $2, issues_found = $3 WHERE id = $4
	`, string(RunCompleted), completedAt, len(issues), runID); err != nil {
		return ValidationRun{}, fmt.Errorf("update validation run: %w", err)
	}

	return ValidationRun{ID: runID, Tenant: cc.Tenant, Status: RunCompleted, StartedAt: startedAt, CompletedAt: &completedAt, IssuesFound: len(issues)}, nil
}

func insertIssueTx(ctx context.Context, tx pgx.Tx, issue *Issue) error {
	var amt any
	if issue.AmountDiscrepancy != nil {
		amt = issue.AmountDiscrepancy.Decimal()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO issues
			(tenant_id, code, severity, title, description, why, suggested_action,
			 document_id, entry_id, account_id, asset_id, party_id, open_item_id, amount_discrepancy, is_resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, false)
		RETURNING id
	`, issue.Tenant, string(issue.Code), string(issue.Severity), issue.Title, issue.Description, issue.Why, issue.SuggestedAction,
		nullableStr(issue.Entity.DocumentID), nullableInt(issue.Entity.EntryID), nullableInt(issue.Entity.AccountID),
		nullableInt(issue.Entity.AssetID), nullableInt(issue.Entity.PartyID), nullableInt(issue.Entity.OpenItemID), amt,
	).Scan(&issue.ID)
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

// checkUnbalancedEntries flags any entry where total debit != total credit.
// Foreign keys already prevent orphan lines in this schema, so the source's
// orphan-line check is not reimplemented; postings to accounts that are no
// longer usable are flagged by checkMissingAccounts.
func (e *ConsistencyEngine) checkUnbalancedEntries(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
	rows, err := tx.Query(ctx, `
		SELECT je.id, je.entry_number, COALESCE(SUM(jl.debit), 0), COALESCE(SUM(jl.credit), 0)
		FROM journal_entries je JOIN journal_lines jl ON jl.entry_id = je.id
		WHERE je.tenant_id = $1
		GROUP BY je.id, je.entry_number
		HAVING COALESCE(SUM(jl.debit), 0) != COALESCE(SUM(jl.credit), 0)
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("check unbalanced entries: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var entryID int
		var entryNumber string
		var debit, credit decimal.Decimal
		if err := rows.Scan(&entryID, &entryNumber, &debit, &credit); err != nil {
			return nil, fmt.Errorf("scan unbalanced entry: %w", err)
		}
		diff := NewMoney(debit.Sub(credit).Abs())
		issues = append(issues, Issue{
			Code:            IssueJournalUnbalanced,
			Severity:        SeverityRed,
			Title:           fmt.Sprintf("Unbalanced journal entry: %s", entryNumber),
			Description:     fmt.Sprintf("Debit (%s) does not equal credit (%s)", NewMoney(debit), NewMoney(credit)),
			Why:             "journal entries must balance for double-entry accounting",
			SuggestedAction: "review the entry's lines and correct the amounts",
			Entity:          EntityRef{EntryID: entryID},
			AmountDiscrepancy: &diff,
		})
	}
	return issues, rows.Err()
}

// checkMissingAccounts flags lines whose account has been deactivated after
// posting — account deletion is not supported, so the only reachable form
// of this check is inactive accounts with postings. Every posted entry with
// such a line is flagged, however old.
func (e *ConsistencyEngine) checkMissingAccounts(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT je.id, je.entry_number, a.code
		FROM journal_lines jl
		JOIN journal_entries je ON je.id = jl.entry_id
		JOIN accounts a ON a.id = jl.account_id
		WHERE je.tenant_id = $1 AND a.is_active = false AND je.status = 'POSTED'
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("check missing accounts: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var entryID int
		var entryNumber, code string
		if err := rows.Scan(&entryID, &entryNumber, &code); err != nil {
			return nil, fmt.Errorf("scan inactive account posting: %w", err)
		}
		issues = append(issues, Issue{
			Code:            IssueMissingAccount,
			Severity:        SeverityRed,
			Title:           fmt.Sprintf("Posting to inactive account in entry %s", entryNumber),
			Description:     fmt.Sprintf("Entry %s posts to account %s, which is now inactive", entryNumber, code),
			Why:             "an account used on posted entries should stay active or be reclassified",
			SuggestedAction: "reactivate the account or reverse and repost with an active account",
			Entity:          EntityRef{EntryID: entryID},
		})
	}
	return issues, rows.Err()
}

func (e *ConsistencyEngine) checkSubledgerReconAR(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
	return e.checkSubledgerRecon(ctx, tx, tenant, ControlAR, ItemReceivable, IssueARReconMismatch, "Accounts Receivable")
}

func (e *ConsistencyEngine) checkSubledgerReconAP(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
	return e.checkSubledgerRecon(ctx, tx, tenant, ControlAP, ItemPayable, IssueAPReconMismatch, "Accounts Payable")
}

// checkSubledgerRecon compares the control account's GL balance against the
// sum of open OPEN/PARTIAL open items, per spec.md §4.G invariant 6.
func (e *ConsistencyEngine) checkSubledgerRecon(ctx context.Context, tx pgx.Tx, tenant TenantID, ct ControlType, itemType OpenItemType, code IssueCode, name string) ([]Issue, error) {
	var debit, credit decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(jl.debit), 0), COALESCE(SUM(jl.credit), 0)
		FROM journal_lines jl
		JOIN journal_entries je ON je.id = jl.entry_id
		JOIN accounts a ON a.id = jl.account_id
		WHERE a.tenant_id = $1 AND a.is_control = true AND a.control_type = $2 AND je.status = 'POSTED'
	`, tenant, string(ct)).Scan(&debit, &credit)
	if err != nil {
		return nil, fmt.Errorf("sum control account postings: %w", err)
	}
	var glBalance decimal.Decimal
	if ct == ControlAR {
		glBalance = debit.Sub(credit)
	} else {
		glBalance = credit.Sub(debit)
	}

	var subledgerTotal decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(open_amount), 0) FROM open_items
		WHERE tenant_id = $1 AND item_type = $2 AND status IN ('OPEN', 'PARTIAL')
	`, tenant, string(itemType)).Scan(&subledgerTotal)
	if err != nil {
		return nil, fmt.Errorf("sum open items: %w", err)
	}

	tolerance, _ := decimal.NewFromString(reconTolerance)
	diff := glBalance.Sub(subledgerTotal).Abs()
	if diff.LessThanOrEqual(tolerance) {
		return nil, nil
	}

	d := NewMoney(diff)
	return []Issue{{
		Code:              code,
		Severity:          SeverityRed,
		Title:             fmt.Sprintf("%s reconciliation mismatch", name),
		Description:       fmt.Sprintf("Control account balance (%s) does not match open items total (%s)", NewMoney(glBalance), NewMoney(subledgerTotal)),
		Why:               "manual entries to the control account or open items without matching GL postings",
		SuggestedAction:   fmt.Sprintf("review recent %s transactions for unmatched postings", name),
		AmountDiscrepancy: &d,
	}}, nil
}

func (e *ConsistencyEngine) checkOverdueReceivables(ctx context.Context, tx pgx.Tx, tenant TenantID, today time.Time) ([]Issue, error) {
	return e.checkOverdueItems(ctx, tx, tenant, ItemReceivable, IssueOverdueReceivable, "Receivable", today)
}

func (e *ConsistencyEngine) checkOverduePayables(ctx context.Context, tx pgx.Tx, tenant TenantID, today time.Time) ([]Issue, error) {
	return e.checkOverdueItems(ctx, tx, tenant, ItemPayable, IssueOverduePayable, "Payable", today)
}

// checkOverdueItems compares against the caller-supplied today (cc.Today(),
// not the wall clock) so a fixed test Clock can exercise this deterministically.
func (e *ConsistencyEngine) checkOverdueItems(ctx context.Context, tx pgx.Tx, tenant TenantID, itemType OpenItemType, code IssueCode, name string, today time.Time) ([]Issue, error) {
	rows, err := tx.Query(ctx, `
		SELECT oi.id, oi.party_id, p.name, oi.document_number, oi.due_date, oi.open_amount
		FROM open_items oi JOIN parties p ON p.id = oi.party_id
		WHERE oi.tenant_id = $1 AND oi.item_type = $2 AND oi.status IN ('OPEN', 'PARTIAL') AND oi.due_date < $3
	`, tenant, string(itemType), today)
	if err != nil {
		return nil, fmt.Errorf("query overdue %s items: %w", name, err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var itemID, partyID int
		var partyName string
		var docNumber *string
		var dueDate time.Time
		var openAmount decimal.Decimal
		if err := rows.Scan(&itemID, &partyID, &partyName, &docNumber, &dueDate, &openAmount); err != nil {
			return nil, fmt.Errorf("scan overdue item: %w", err)
		}
		daysOverdue := int(today.Sub(dueDate).Hours() / 24)
		severity := SeverityYellow
		if daysOverdue > 30 {
			severity = SeverityRed
		}
		amt := NewMoney(openAmount)
		docRef := "N/A"
		if docNumber != nil {
			docRef = *docNumber
		}
		issues = append(issues, Issue{
			Code:              code,
			Severity:          severity,
			Title:             fmt.Sprintf("Overdue %s: %s", name, partyName),
			Description:       fmt.Sprintf("Invoice %s is %d days overdue, amount %s", docRef, daysOverdue, amt),
			Why:                fmt.Sprintf("the due date %s has passed without full settlement", dueDate.Format("2006-01-02")),
			SuggestedAction:   overdueAction(itemType, partyName),
			Entity:            EntityRef{PartyID: partyID, OpenItemID: itemID},
			AmountDiscrepancy: &amt,
		})
	}
	return issues, rows.Err()
}

func overdueAction(itemType OpenItemType, partyName string) string {
	if itemType == ItemReceivable {
		return fmt.Sprintf("contact %s for payment", partyName)
	}
	return fmt.Sprintf("schedule payment to %s", partyName)
}

// checkDepreciationSchedules flags unposted schedules past their period and
// a mismatch between posted schedule totals and an asset's recorded
// accumulated depreciation. Compares against the caller-supplied today
// (cc.Today()) rather than the wall clock, for the same testability reason
// as checkOverdueItems.
func (e *ConsistencyEngine) checkDepreciationSchedules(ctx context.Context, tx pgx.Tx, tenant TenantID, today time.Time) ([]Issue, error) {
	var issues []Issue

	rows, err := tx.Query(ctx, `
		SELECT ds.asset_id, fa.name, ds.period_date, ds.depreciation_amount
		FROM depreciation_schedules ds
		JOIN fixed_assets fa ON fa.id = ds.asset_id
		WHERE fa.tenant_id = $1 AND fa.status = 'ACTIVE' AND ds.is_posted = false AND ds.period_date <= $2
	`, tenant, today)
	if err != nil {
		return nil, fmt.Errorf("query unposted schedules: %w", err)
	}
	for rows.Next() {
		var assetID int
		var assetName string
		var periodDate time.Time
		var amount decimal.Decimal
		if err := rows.Scan(&assetID, &assetName, &periodDate, &amount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unposted schedule: %w", err)
		}
		amt := NewMoney(amount)
		issues = append(issues, Issue{
			Code:              IssueDepreciationNotPosted,
			Severity:          SeverityYellow,
			Title:             fmt.Sprintf("Unposted depreciation: %s", assetName),
			Description:       fmt.Sprintf("Depreciation for %s (%s) has not been posted", periodDate.Format("January 2006"), amt),
			Why:               "depreciation entries should be posted every period to keep asset values accurate",
			SuggestedAction:   "run the depreciation posting process for the pending period",
			Entity:            EntityRef{AssetID: assetID},
			AmountDiscrepancy: &amt,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assetRows, err := tx.Query(ctx, `
		SELECT id, name, accumulated_depreciation FROM fixed_assets WHERE tenant_id = $1 AND status = 'ACTIVE'
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query active assets: %w", err)
	}
	defer assetRows.Close()

	tolerance, _ := decimal.NewFromString(reconTolerance)
	for assetRows.Next() {
		var assetID int
		var assetName string
		var accumulated decimal.Decimal
		if err := assetRows.Scan(&assetID, &assetName, &accumulated); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		var postedTotal decimal.Decimal
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(depreciation_amount), 0) FROM depreciation_schedules WHERE asset_id = $1 AND is_posted = true
		`, assetID).Scan(&postedTotal); err != nil {
			return nil, fmt.Errorf("sum posted depreciation for asset %d: %w", assetID, err)
		}
		diff := postedTotal.Sub(accumulated).Abs()
		if diff.LessThanOrEqual(tolerance) {
			continue
		}
		d := NewMoney(diff)
		issues = append(issues, Issue{
			Code:              IssueDepreciationMismatch,
			Severity:          SeverityRed,
			Title:             fmt.Sprintf("Depreciation mismatch: %s", assetName),
			Description:       fmt.Sprintf("Posted depreciation total (%s) does not match asset accumulated depreciation (%s)", NewMoney(postedTotal), NewMoney(accumulated)),
			Why:               "the asset record and posted depreciation entries are out of sync",
			SuggestedAction:   "reconcile the asset record with posted depreciation schedules",
			Entity:            EntityRef{AssetID: assetID},
			AmountDiscrepancy: &d,
		})
	}
	return issues, assetRows.Err()
}

// checkVatSanity flags VAT lines whose recorded amount doesn't match
// base * rate within tolerance, and any negative VAT amount on a line whose
// entry is not a reversal.
func (e *ConsistencyEngine) checkVatSanity(ctx context.Context, tx pgx.Tx, tenant TenantID) ([]Issue, error) {
	rows, err := tx.Query(ctx, `
		SELECT jl.entry_id, je.entry_number, je.source, jl.vat_amount, jl.vat_base, vc.rate
		FROM journal_lines jl
		JOIN journal_entries je ON je.id = jl.entry_id
		JOIN vat_codes vc ON vc.id = jl.vat_code_id
		WHERE je.tenant_id = $1 AND jl.vat_code_id IS NOT NULL AND je.status = 'POSTED'
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query vat lines: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var entryID int
		var entryNumber, source string
		var vatAmount, vatBase, rate decimal.Decimal
		if err := rows.Scan(&entryID, &entryNumber, &source, &vatAmount, &vatBase, &rate); err != nil {
			return nil, fmt.Errorf("scan vat line: %w", err)
		}
		vatAmountM, vatBaseM := NewMoney(vatAmount), NewMoney(vatBase)
		if !ValidateReconciliation(vatBaseM, vatAmountM, rate) {
			expected := vatBaseM.MulRatePercent(rate)
			d := expected.Sub(vatAmountM).Abs()
			issues = append(issues, Issue{
				Code:              IssueVatRateMismatch,
				Severity:          SeverityYellow,
				Title:             fmt.Sprintf("VAT amount mismatch in entry %s", entryNumber),
				Description:       fmt.Sprintf("recorded VAT %s does not match base × rate (%s)", vatAmountM, expected),
				Why:               "the VAT amount on the line was entered or computed inconsistently with its base and rate",
				SuggestedAction:   "recompute and correct the VAT amount on this line",
				Entity:            EntityRef{EntryID: entryID},
				AmountDiscrepancy: &d,
			})
		}
		// Negative VAT is only expected on reversals; flag it elsewhere.
		if vatAmountM.IsNegative() && SourceType(source) != SourceReversal {
			d := vatAmountM
			issues = append(issues, Issue{
				Code:              IssueVatNegative,
				Severity:          SeverityYellow,
				Title:             fmt.Sprintf("Negative VAT amount in entry %s", entryNumber),
				Description:       fmt.Sprintf("line records a negative VAT amount of %s", vatAmountM),
				Why:               "negative VAT is only expected from reversals",
				SuggestedAction:   "confirm this line is a reversal, otherwise correct the sign",
				Entity:            EntityRef{EntryID: entryID},
				AmountDiscrepancy: &d,
			})
		}
	}
	return issues, rows.Err()
}

// listUnresolvedForPeriodTx returns unresolved issues relevant to a period:
// those whose entry falls within it, plus general issues with no entry.
func (e *ConsistencyEngine) listUnresolvedForPeriodTx(ctx context.Context, tx pgx.Tx, tenant TenantID, period Period) ([]Issue, error) {
	rows, err := tx.Query(ctx, `
		SELECT i.id, i.code, i.severity, i.title, i.description, i.why, i.suggested_action,
		       i.entry_id, i.account_id, i.asset_id, i.party_id, i.open_item_id, i.amount_discrepancy
		FROM issues i
		LEFT JOIN journal_entries je ON je.id = i.entry_id
		WHERE i.tenant_id = $1 AND i.is_resolved = false
		  AND (i.entry_id IS NULL OR (je.entry_date >= $2 AND je.entry_date <= $3))
	`, tenant, period.StartDate, period.EndDate)
	if err != nil {
		return nil, fmt.Errorf("list unresolved issues for period: %w", err)
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var i Issue
		var code, severity string
		var amt *decimal.Decimal
		if err := rows.Scan(&i.ID, &code, &severity, &i.Title, &i.Description, &i.Why, &i.SuggestedAction,
			&i.Entity.EntryID, &i.Entity.AccountID, &i.Entity.AssetID, &i.Entity.PartyID, &i.Entity.OpenItemID, &amt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		i.Tenant = tenant
		i.Code = IssueCode(code)
		i.Severity = IssueSeverity(severity)
		if amt != nil {
			m := NewMoney(*amt)
			i.AmountDiscrepancy = &m
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ResolveIssue marks an issue resolved, e.g. after its underlying condition
// is fixed and re-validation would no longer produce it.
func (e *ConsistencyEngine) ResolveIssue(ctx context.Context, cc CoreContext, issueID int) error {
	now := cc.Clock.Now()
	tag, err := e.pool.Exec(ctx, `
		UPDATE issues SET is_resolved = true, resolved_at = $1, resolved_by = $2
		WHERE tenant_id = $3 AND id = $4
	`, now, cc.User, cc.Tenant, issueID)
	if err != nil {
		return fmt.Errorf("resolve issue %d: %w", issueID, err)
	}
	if tag.RowsAffected() == 0 {
		return NewCoreError(ErrValidationFailed, "issue", fmt.Sprint(issueID), "issue %d not found", issueID)
	}
	return nil
}

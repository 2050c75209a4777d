package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Ledger is the core journal: creating, posting, reversing entries and
// computing account balances. Every operation is tenant-scoped and runs in
// its own transaction, per the one-operation-one-transaction boundary
// (design note). A caller that needs an entry to land atomically with its
// own writes uses the *Tx variant and commits once, the way the source's
// inventory and purchase-order services compose with Ledger.CommitInTx.
type Ledger struct {
	pool   *pgxpool.Pool
	coa    ChartOfAccounts
	period *PeriodControl
}

func NewLedger(pool *pgxpool.Pool, coa ChartOfAccounts, period *PeriodControl) *Ledger {
	return &Ledger{pool: pool, coa: coa, period: period}
}

// nextEntryNumber allocates a gapless, per-tenant sequence number scoped by
// a prefix (the posting year, e.g. "2026"), via an upsert-and-increment
// inside the caller's transaction — the same idiom the source used for
// document numbering, generalized to accept any prefix.
func nextEntryNumber(ctx context.Context, tx pgx.Tx, tenant TenantID, prefix string) (string, error) {
	var seq int
	err := tx.QueryRow(ctx, `
		INSERT INTO entry_sequences (tenant_id, prefix, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, prefix) DO UPDATE SET last_value = entry_sequences.last_value + 1
		RETURNING last_value
	`, tenant, prefix).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("allocate entry number: %w", err)
	}
	return fmt.Sprintf("%s-%06d", prefix, seq), nil
}

// CreateEntry validates and inserts a draft entry in DRAFT status without
// posting it. Most callers want CreateAndPost; CreateEntry exists for
// flows that stage an entry before review.
func (l *Ledger) CreateEntry(ctx context.Context, cc CoreContext, draft EntryDraft) (JournalEntry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := l.createEntryTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit entry: %w", err)
	}
	return entry, nil
}

// CreateAndPost creates and immediately posts an entry in one transaction —
// the shape every VAT, fixed-asset, and bank-reconciliation posting uses.
func (l *Ledger) CreateAndPost(ctx context.Context, cc CoreContext, draft EntryDraft) (JournalEntry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := l.createEntryTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}
	entry, err = l.postEntryTx(ctx, tx, cc, entry)
	if err != nil {
		return JournalEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit entry: %w", err)
	}
	return entry, nil
}

// CreateAndPostTx is the variant composed into a caller's own transaction,
// mirroring the source's Ledger.CommitInTx used by inventory and purchase
// order services so that a derived journal entry lands atomically with the
// write that produced it (e.g. a depreciation run, a bank-match accept).
func (l *Ledger) CreateAndPostTx(ctx context.Context, tx pgx.Tx, cc CoreContext, draft EntryDraft) (JournalEntry, error) {
	entry, err := l.createEntryTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}
	return l.postEntryTx(ctx, tx, cc, entry)
}

func (l *Ledger) createEntryTx(ctx context.Context, tx pgx.Tx, cc CoreContext, draft EntryDraft) (JournalEntry, error) {
	if len(draft.Lines) == 0 {
		return JournalEntry{}, NewCoreError(ErrEmptyEntry, "journal_entry", "", "entry has no lines")
	}

	entryDate := CivilDate(draft.EntryDate)

	period, err := l.period.findOpenForPostingTx(ctx, tx, cc.Tenant, entryDate)
	if err != nil {
		return JournalEntry{}, err
	}

	resolved := make([]JournalLine, 0, len(draft.Lines))
	totalDebit, totalCredit := Zero, Zero
	for i, ld := range draft.Lines {
		acct, err := l.resolveAccountTx(ctx, tx, cc.Tenant, ld.AccountCode)
		if err != nil {
			return JournalEntry{}, err
		}
		if !acct.IsActive {
			return JournalEntry{}, NewCoreError(ErrInactiveAccount, "account", ld.AccountCode, "account %s is inactive", ld.AccountCode)
		}
		if acct.IsControl && ld.PartyID == nil {
			return JournalEntry{}, NewCoreError(ErrMissingParty, "account", ld.AccountCode, "control account %s requires a party", ld.AccountCode)
		}
		totalDebit = totalDebit.Add(ld.Debit)
		totalCredit = totalCredit.Add(ld.Credit)
		resolved = append(resolved, JournalLine{
			AccountID:       acct.ID,
			AccountCode:     acct.Code,
			LineNo:          i + 1,
			Description:     strPtrOrNil(ld.Description),
			Debit:           ld.Debit,
			Credit:          ld.Credit,
			VatCodeID:       ld.VatCodeID,
			VatAmount:       ld.VatAmount,
			VatBase:         ld.VatBase,
			VatCountry:      ld.VatCountry,
			IsReverseCharge: ld.IsReverseCharge,
			PartyType:       ld.PartyType,
			PartyID:         ld.PartyID,
		})
	}
	if !totalDebit.Equal(totalCredit) {
		return JournalEntry{}, NewCoreError(ErrUnbalanced, "journal_entry", "", "entry is unbalanced: debit %s credit %s", totalDebit, totalCredit)
	}

	entryNumber, err := nextEntryNumber(ctx, tx, cc.Tenant, fmt.Sprintf("%d", entryDate.Year()))
	if err != nil {
		return JournalEntry{}, err
	}

	entry := JournalEntry{
		Tenant:      cc.Tenant,
		PeriodID:    &period.ID,
		DocumentID:  draft.DocumentID,
		EntryNumber: entryNumber,
		EntryDate:   entryDate,
		Description: draft.Description,
		Reference:   draft.Reference,
		Status:      StatusDraft,
		Source:      draft.Source,
		SourceID:    draft.SourceID,
		Lines:       resolved,
	}

	var sourceID any
	if draft.SourceID != nil {
		sourceID = *draft.SourceID
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO journal_entries
			(tenant_id, period_id, document_id, entry_number, entry_date, description, reference, status, source, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id
	`, cc.Tenant, period.ID, draft.DocumentID, entryNumber, entryDate, draft.Description, draft.Reference,
		string(StatusDraft), string(draft.Source), sourceID,
	).Scan(&entry.ID)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	for i := range resolved {
		line := &resolved[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO journal_lines
				(entry_id, account_id, line_no, description, debit, credit, vat_code_id, vat_amount, vat_base, vat_country, is_reverse_charge, party_type, party_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id
		`, entry.ID, line.AccountID, line.LineNo, line.Description,
			line.Debit.Decimal(), line.Credit.Decimal(),
			line.VatCodeID, moneyPtrDecimal(line.VatAmount), moneyPtrDecimal(line.VatBase), line.VatCountry,
			line.IsReverseCharge, line.PartyType, line.PartyID,
		).Scan(&line.ID)
		if err != nil {
			return JournalEntry{}, fmt.Errorf("insert journal line %d: %w", line.LineNo, err)
		}
		line.EntryID = entry.ID
	}
	entry.Lines = resolved

	return entry, nil
}

// postEntryTx flips a DRAFT entry to POSTED and creates subledger open
// items for any control-account lines, all within the caller's tx.
func (l *Ledger) postEntryTx(ctx context.Context, tx pgx.Tx, cc CoreContext, entry JournalEntry) (JournalEntry, error) {
	now := cc.Clock.Now()
	_, err := tx.Exec(ctx, `
		UPDATE journal_entries SET status = $1, posted_at = $2, posted_by = $3 WHERE id = $4
	`, string(StatusPosted), now, cc.User, entry.ID)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("post journal entry: %w", err)
	}
	entry.Status = StatusPosted
	entry.PostedAt = &now
	entry.PostedBy = &cc.User

	if err := createOpenItemsForEntryTx(ctx, tx, l.coa, cc.Tenant, entry); err != nil {
		return JournalEntry{}, err
	}

	return entry, nil
}

// PostEntry posts a previously-created DRAFT entry in its own transaction.
func (l *Ledger) PostEntry(ctx context.Context, cc CoreContext, entryID int) (JournalEntry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := l.getEntryTx(ctx, tx, cc.Tenant, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	if entry.Status != StatusDraft {
		return JournalEntry{}, NewCoreError(ErrValidationFailed, "journal_entry", fmt.Sprint(entryID), "entry %d is not in DRAFT status", entryID)
	}
	entry, err = l.postEntryTx(ctx, tx, cc, entry)
	if err != nil {
		return JournalEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit post: %w", err)
	}
	return entry, nil
}

// ReverseEntry books the mirror-image entry of a posted entry, inverting
// debit and credit per line, and links the two via reverses_id/reversed_by_id.
// A double reversal is rejected — one posted entry has at most one reversal,
// matching the source's count(*) guard in Ledger.Reverse. reversalDate is a
// caller-supplied hint (nil defaults to cc.Today()); it is only honored when
// the original entry's period still accepts postings — see resolveReversalDateTx.
func (l *Ledger) ReverseEntry(ctx context.Context, cc CoreContext, entryID int, reversalDate *time.Time, reason string) (JournalEntry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	reversal, err := l.reverseEntryTx(ctx, tx, cc, entryID, reversalDate, reason)
	if err != nil {
		return JournalEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit reversal: %w", err)
	}
	return reversal, nil
}

// reverseEntryTx is the variant composed into a caller's own transaction —
// used by bank reconciliation's Unmatch so the reversal commits atomically
// with the transaction's status reset.
func (l *Ledger) reverseEntryTx(ctx context.Context, tx pgx.Tx, cc CoreContext, entryID int, reversalDate *time.Time, reason string) (JournalEntry, error) {
	original, err := l.getEntryTx(ctx, tx, cc.Tenant, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	if original.Status != StatusPosted {
		return JournalEntry{}, NewCoreError(ErrValidationFailed, "journal_entry", fmt.Sprint(entryID), "entry %d is not POSTED", entryID)
	}

	var count int
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM journal_entries WHERE reverses_id = $1", entryID).Scan(&count); err != nil {
		return JournalEntry{}, fmt.Errorf("check existing reversal: %w", err)
	}
	if count > 0 {
		return JournalEntry{}, NewCoreError(ErrIdempotentNoop, "journal_entry", fmt.Sprint(entryID), "entry %d is already reversed", entryID)
	}

	entryDate, err := l.resolveReversalDateTx(ctx, tx, cc, original, reversalDate)
	if err != nil {
		return JournalEntry{}, err
	}

	draft := EntryDraft{
		EntryDate:   entryDate,
		Description: fmt.Sprintf("Reversal of %s: %s", original.EntryNumber, reason),
		Reference:   original.Reference,
		Source:      SourceReversal,
		SourceID:    strPtr(fmt.Sprint(entryID)),
	}
	for _, l := range original.Lines {
		draft.Lines = append(draft.Lines, LineDraft{
			AccountCode:     l.AccountCode,
			Debit:           l.Credit,
			Credit:          l.Debit,
			Description:     reason,
			VatCodeID:       l.VatCodeID,
			VatAmount:       negMoneyPtr(l.VatAmount),
			VatBase:         negMoneyPtr(l.VatBase),
			VatCountry:      l.VatCountry,
			IsReverseCharge: l.IsReverseCharge,
			PartyType:       l.PartyType,
			PartyID:         l.PartyID,
		})
	}

	reversal, err := l.createEntryTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}
	reversal.ReversesID = &entryID
	if _, err := tx.Exec(ctx, "UPDATE journal_entries SET reverses_id = $1 WHERE id = $2", entryID, reversal.ID); err != nil {
		return JournalEntry{}, fmt.Errorf("link reversal: %w", err)
	}
	reversal, err = l.postEntryTx(ctx, tx, cc, reversal)
	if err != nil {
		return JournalEntry{}, err
	}

	if _, err := tx.Exec(ctx, "UPDATE journal_entries SET reversed_by_id = $1, status = $2 WHERE id = $3", reversal.ID, string(StatusReversed), entryID); err != nil {
		return JournalEntry{}, fmt.Errorf("mark original reversed: %w", err)
	}

	return reversal, nil
}

// resolveReversalDateTx implements spec.md:87's reversal period-selection
// rule: if the original entry's period is still OPEN/REVIEW, the reversal
// may use the requested date (or cc.Today() if none was given); if the
// original's period is FINALIZED, the reversal is routed into the next
// OPEN or REVIEW period instead of the requested date, since nothing can
// post into a FINALIZED period; if LOCKED, the reversal itself is rejected.
func (l *Ledger) resolveReversalDateTx(ctx context.Context, tx pgx.Tx, cc CoreContext, original JournalEntry, requested *time.Time) (time.Time, error) {
	requestedOrToday := cc.Today()
	if requested != nil {
		requestedOrToday = CivilDate(*requested)
	}

	if original.PeriodID == nil {
		return requestedOrToday, nil
	}
	originalPeriod, err := l.period.getPeriodTx(ctx, tx, cc.Tenant, *original.PeriodID)
	if err != nil {
		return time.Time{}, err
	}

	switch originalPeriod.Status {
	case PeriodOpen, PeriodReview:
		return requestedOrToday, nil
	case PeriodLocked:
		return time.Time{}, NewCoreError(ErrPeriodLocked, "period", fmt.Sprint(originalPeriod.ID), "period %s is locked", originalPeriod.Name)
	default: // PeriodFinalized
		next, err := l.period.nextOpenOrReviewPeriodTx(ctx, tx, cc.Tenant, originalPeriod.EndDate)
		if err != nil {
			return time.Time{}, err
		}
		return next.StartDate, nil
	}
}

func (l *Ledger) getEntryTx(ctx context.Context, tx pgx.Tx, tenant TenantID, entryID int) (JournalEntry, error) {
	var e JournalEntry
	var status, source string
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, period_id, document_id, entry_number, entry_date, description, reference, status, source, source_id, reverses_id, reversed_by_id, posted_at, posted_by
		FROM journal_entries WHERE tenant_id = $1 AND id = $2
	`, tenant, entryID).Scan(&e.ID, &e.Tenant, &e.PeriodID, &e.DocumentID, &e.EntryNumber, &e.EntryDate, &e.Description, &e.Reference,
		&status, &source, &e.SourceID, &e.ReversesID, &e.ReversedByID, &e.PostedAt, &e.PostedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, NewCoreError(ErrValidationFailed, "journal_entry", fmt.Sprint(entryID), "entry %d not found", entryID)
		}
		return JournalEntry{}, fmt.Errorf("get entry %d: %w", entryID, err)
	}
	e.Status = EntryStatus(status)
	e.Source = SourceType(source)

	rows, err := tx.Query(ctx, `
		SELECT jl.id, jl.account_id, a.code, jl.line_no, jl.description, jl.debit, jl.credit,
		       jl.vat_code_id, jl.vat_amount, jl.vat_base, jl.vat_country, jl.is_reverse_charge, jl.party_type, jl.party_id
		FROM journal_lines jl JOIN accounts a ON a.id = jl.account_id
		WHERE jl.entry_id = $1 ORDER BY jl.line_no
	`, entryID)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("get lines for entry %d: %w", entryID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var l JournalLine
		var debit, credit decimal.Decimal
		var vatAmount, vatBase *decimal.Decimal
		if err := rows.Scan(&l.ID, &l.AccountID, &l.AccountCode, &l.LineNo, &l.Description, &debit, &credit,
			&l.VatCodeID, &vatAmount, &vatBase, &l.VatCountry, &l.IsReverseCharge, &l.PartyType, &l.PartyID); err != nil {
			return JournalEntry{}, fmt.Errorf("scan line: %w", err)
		}
		l.EntryID = entryID
		l.Debit = NewMoney(debit)
		l.Credit = NewMoney(credit)
		if vatAmount != nil {
			m := NewMoney(*vatAmount)
			l.VatAmount = &m
		}
		if vatBase != nil {
			m := NewMoney(*vatBase)
			l.VatBase = &m
		}
		e.Lines = append(e.Lines, l)
	}
	return e, rows.Err()
}

func (l *Ledger) resolveAccountTx(ctx context.Context, tx pgx.Tx, tenant TenantID, code string) (Account, error) {
	a, err := scanAccount(tx.QueryRow(ctx, `
		SELECT id, tenant_id, code, name, type, is_control, control_type, is_active
		FROM accounts WHERE tenant_id = $1 AND code = $2
	`, tenant, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NewCoreError(ErrInactiveAccount, "account", code, "account %s not found", code)
		}
		return Account{}, fmt.Errorf("resolve account %s: %w", code, err)
	}
	return a, nil
}

// AccountBalance is the running balance of one account, signed per its
// normal side (Assets/Expenses positive debit, Liabilities/Equity/Revenue
// positive credit) — the balance() primitive of spec.md §4.C.
type AccountBalance struct {
	AccountID   int
	AccountCode string
	AccountName string
	Type        AccountType
	Debit       Money
	Credit      Money
	Balance     Money
}

// Balance computes every account's posted balance as of (and including)
// asOf. A zero asOf means no date ceiling (all posted history).
func (l *Ledger) Balance(ctx context.Context, tenant TenantID, asOf time.Time) ([]AccountBalance, error) {
	query := `
		SELECT a.id, a.code, a.name, a.type,
		       COALESCE(SUM(jl.debit), 0) AS debit,
		       COALESCE(SUM(jl.credit), 0) AS credit
		FROM accounts a
		LEFT JOIN journal_lines jl ON jl.account_id = a.id
		LEFT JOIN journal_entries je ON je.id = jl.entry_id AND je.status = 'POSTED'`
	args := []any{tenant}
	where := " WHERE a.tenant_id = $1"
	if !asOf.IsZero() {
		where += " AND (je.entry_date IS NULL OR je.entry_date <= $2)"
		args = append(args, CivilDate(asOf))
	}
	query += where + " GROUP BY a.id, a.code, a.name, a.type ORDER BY a.code"

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		var debit, credit decimal.Decimal
		if err := rows.Scan(&b.AccountID, &b.AccountCode, &b.AccountName, &b.Type, &debit, &credit); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.Debit = NewMoney(debit)
		b.Credit = NewMoney(credit)
		if b.Type.IsDebitNormalType() {
			b.Balance = b.Debit.Sub(b.Credit)
		} else {
			b.Balance = b.Credit.Sub(b.Debit)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IsDebitNormalType mirrors Account.IsDebitNormal for a bare AccountType.
func (t AccountType) IsDebitNormalType() bool {
	return t == AccountAsset || t == AccountExpense
}

func strPtr(s string) *string { return &s }

func strPtrOrNil(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func negMoneyPtr(m *Money) *Money {
	if m == nil {
		return nil
	}
	v := m.Neg()
	return &v
}

func moneyPtrDecimal(m *Money) any {
	if m == nil {
		return nil
	}
	return m.Decimal()
}


package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// BankReconciliation imports bank statement lines idempotently, proposes
// matches against open items, and applies accept/ignore/create-expense/
// unmatch operations — spec.md §4.I.
type BankReconciliation struct {
	pool   *pgxpool.Pool
	ledger *Ledger
	coa    ChartOfAccounts
	vat    *VAT
}

func NewBankReconciliation(pool *pgxpool.Pool, ledger *Ledger, coa ChartOfAccounts) *BankReconciliation {
	return &BankReconciliation{pool: pool, ledger: ledger, coa: coa, vat: NewVAT()}
}

var invoiceNumberPattern = regexp.MustCompile(`(?i)(factuur|invoice|inv)[:\s#-]*([A-Za-z0-9-]+)`)

// RawBankTransaction is one normalized statement line prior to import.
type RawBankTransaction struct {
	BookingDate      time.Time
	Amount           Money // signed: positive = inbound credit, negative = outbound debit
	Description      string
	Reference        string
	CounterpartyName *string
	CounterpartyIBAN string
	Currency         string
}

// computeImportHash mirrors spec.md §4.I's normalization exactly: fields are
// joined with "|" in a fixed order after trimming, so re-importing the same
// statement produces the same hash and is rejected by the unique index on
// (tenant, import_hash).
func computeImportHash(tenant TenantID, tx RawBankTransaction) string {
	parts := []string{
		fmt.Sprint(tenant),
		CivilDate(tx.BookingDate).Format("2006-01-02"),
		tx.Amount.String(),
		strings.TrimSpace(tx.Description),
		strings.TrimSpace(tx.Reference),
		strings.TrimSpace(tx.CounterpartyIBAN),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Import inserts each raw transaction under a fresh import_hash, skipping
// any whose hash already exists for the tenant. Returns the count actually
// inserted; duplicates are not an error, matching the idempotent-import
// contract (spec.md S5).
func (b *BankReconciliation) Import(ctx context.Context, cc CoreContext, bankAccountID int, raws []RawBankTransaction) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, raw := range raws {
		hash := computeImportHash(cc.Tenant, raw)
		tag, err := tx.Exec(ctx, `
			INSERT INTO bank_transactions
				(tenant_id, account_id, booking_date, amount, currency, counterparty_name, counterparty_iban,
				 description, reference, import_hash, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'NEW')
			ON CONFLICT (tenant_id, import_hash) DO NOTHING
		`, cc.Tenant, bankAccountID, CivilDate(raw.BookingDate), raw.Amount.Decimal(), raw.Currency, raw.CounterpartyName,
			strPtrOrNil(raw.CounterpartyIBAN), raw.Description, strPtrOrNil(raw.Reference), hash,
		)
		if err != nil {
			return 0, fmt.Errorf("import bank transaction: %w", err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return inserted, nil
}

func scanBankTx(row pgx.Row) (BankTransaction, error) {
	var t BankTransaction
	var amount decimal.Decimal
	var status string
	var matchedType *string
	if err := row.Scan(&t.ID, &t.Tenant, &t.AccountID, &t.BookingDate, &amount, &t.Currency, &t.CounterpartyName,
		&t.CounterpartyIBAN, &t.Description, &t.Reference, &t.ImportHash, &status, &matchedType, &t.MatchedEntityID); err != nil {
		return BankTransaction{}, err
	}
	t.Amount = NewMoney(amount)
	t.Status = BankTxStatus(status)
	if matchedType != nil {
		m := MatchedEntityType(*matchedType)
		t.MatchedEntityType = &m
	}
	return t, nil
}

const bankTxColumns = `id, tenant_id, account_id, booking_date, amount, currency, counterparty_name, counterparty_iban,
		description, reference, import_hash, status, matched_entity_type, matched_entity_id`

func (b *BankReconciliation) getBankTxTx(ctx context.Context, tx pgx.Tx, tenant TenantID, txID int) (BankTransaction, error) {
	t, err := scanBankTx(tx.QueryRow(ctx, "SELECT "+bankTxColumns+" FROM bank_transactions WHERE tenant_id = $1 AND id = $2 FOR UPDATE", tenant, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BankTransaction{}, NewCoreError(ErrValidationFailed, "bank_transaction", fmt.Sprint(txID), "bank transaction %d not found", txID)
		}
		return BankTransaction{}, fmt.Errorf("get bank transaction %d: %w", txID, err)
	}
	return t, nil
}

// GenerateProposals scores one NEW transaction against open items of the
// counterpart item type (RECEIVABLE for an inbound credit, PAYABLE for an
// outbound debit) using the four rules of spec.md §4.I in priority order,
// and persists the results. A re-run updates existing SUGGESTED proposals
// for the same (entity_type, entity_id, rule_type) in place.
func (b *BankReconciliation) GenerateProposals(ctx context.Context, tenant TenantID, txID int) ([]MatchProposal, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bankTx, err := b.getBankTxTx(ctx, tx, tenant, txID)
	if err != nil {
		return nil, err
	}

	itemType := ItemReceivable
	if bankTx.Amount.IsNegative() {
		itemType = ItemPayable
	}
	absAmount := bankTx.Amount.Abs()

	rows, err := tx.Query(ctx, `
		SELECT id, document_number, open_amount
		FROM open_items
		WHERE tenant_id = $1 AND item_type = $2 AND status IN ('OPEN', 'PARTIAL')
	`, tenant, string(itemType))
	if err != nil {
		return nil, fmt.Errorf("query candidate open items: %w", err)
	}
	type candidate struct {
		id         int
		documentNo *string
		openAmount decimal.Decimal
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.documentNo, &c.openAmount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate open item: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var proposals []MatchProposal
	haystack := strings.ToLower(bankTx.Description)
	if bankTx.Reference != nil {
		haystack += " " + strings.ToLower(*bankTx.Reference)
	}
	invoiceRef := ""
	if m := invoiceNumberPattern.FindStringSubmatch(haystack); m != nil {
		invoiceRef = strings.ToUpper(m[2])
	}

	matched := map[int]bool{}
	for _, c := range candidates {
		switch {
		case invoiceRef != "" && c.documentNo != nil && strings.EqualFold(strings.ToUpper(*c.documentNo), invoiceRef):
			proposals = append(proposals, MatchProposal{BankTxID: txID, EntityType: MatchEntityOpenItem, EntityID: c.id, Confidence: 90, Reason: "invoice number found in description/reference", RuleType: RuleInvoiceNumber})
			matched[c.id] = true
		case NewMoney(c.openAmount).Equal(absAmount):
			proposals = append(proposals, MatchProposal{BankTxID: txID, EntityType: MatchEntityOpenItem, EntityID: c.id, Confidence: 80, Reason: "open amount matches transaction amount exactly", RuleType: RuleAmountExact})
			matched[c.id] = true
		}
	}

	if bankTx.CounterpartyIBAN != nil && *bankTx.CounterpartyIBAN != "" {
		var recurCount int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM bank_match_proposals mp
			JOIN bank_transactions bt ON bt.id = mp.bank_tx_id
			WHERE bt.tenant_id = $1 AND bt.counterparty_iban = $2 AND mp.entity_type = $3 AND mp.status = 'ACCEPTED'
		`, tenant, *bankTx.CounterpartyIBAN, string(MatchEntityOpenItem)).Scan(&recurCount)
		if err != nil {
			return nil, fmt.Errorf("check IBAN recurrence: %w", err)
		}
		if recurCount > 0 {
			for _, c := range candidates {
				if matched[c.id] {
					continue
				}
				proposals = append(proposals, MatchProposal{BankTxID: txID, EntityType: MatchEntityOpenItem, EntityID: c.id, Confidence: 70, Reason: "counterparty IBAN previously matched to this entity type", RuleType: RuleIBANRecurring})
				matched[c.id] = true
			}
		}
	}

	onePercent := decimal.RequireFromString("0.01")
	for _, c := range candidates {
		if matched[c.id] {
			continue
		}
		diff := NewMoney(c.openAmount).Sub(absAmount).Abs()
		tolerance := NewMoney(absAmount.Decimal().Mul(onePercent))
		if diff.LessThanOrEqual(tolerance) {
			proposals = append(proposals, MatchProposal{BankTxID: txID, EntityType: MatchEntityOpenItem, EntityID: c.id, Confidence: 60, Reason: "open amount within 1% tolerance of transaction amount", RuleType: RuleAmountTolerance})
		}
	}

	for i := range proposals {
		p := &proposals[i]
		p.Tenant = tenant
		p.Status = ProposalSuggested
		err := tx.QueryRow(ctx, `
			INSERT INTO bank_match_proposals (tenant_id, bank_tx_id, entity_type, entity_id, confidence, reason, rule_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'SUGGESTED')
			ON CONFLICT (bank_tx_id, entity_type, entity_id, rule_type) WHERE status = 'SUGGESTED'
			DO UPDATE SET confidence = EXCLUDED.confidence, reason = EXCLUDED.reason
			RETURNING id
		`, tenant, txID, string(p.EntityType), p.EntityID, p.Confidence, p.Reason, string(p.RuleType)).Scan(&p.ID)
		if err != nil {
			return nil, fmt.Errorf("upsert proposal: %w", err)
		}
	}

	newStatus := string(BankTxNew)
	if len(proposals) > 0 {
		newStatus = string(BankTxNeedsReview)
	}
	if _, err := tx.Exec(ctx, "UPDATE bank_transactions SET status = $1 WHERE id = $2 AND status = 'NEW'", newStatus, txID); err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit proposals: %w", err)
	}
	return proposals, nil
}

// ApplyMatch accepts a proposed (or directly specified) match: the
// transaction must be NEW or NEEDS_REVIEW. For an OpenItem target, a
// payment entry (Dr/Cr bank account vs. the item's control account) is
// created on demand through the Ledger Core and the item is allocated
// against it. For an Entry target, the transaction is simply linked.
func (b *BankReconciliation) ApplyMatch(ctx context.Context, cc CoreContext, txID int, entityType MatchedEntityType, entityID int) (*JournalEntry, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bankTx, err := b.getBankTxTx(ctx, tx, cc.Tenant, txID)
	if err != nil {
		return nil, err
	}
	if bankTx.Status != BankTxNew && bankTx.Status != BankTxNeedsReview {
		return nil, NewCoreError(ErrValidationFailed, "bank_transaction", fmt.Sprint(txID), "transaction %d is not NEW or NEEDS_REVIEW", txID)
	}

	var entry *JournalEntry
	if entityType == MatchEntityOpenItem {
		oi, err := scanOpenItem(tx.QueryRow(ctx, "SELECT "+openItemColumns+" FROM open_items WHERE tenant_id = $1 AND id = $2", cc.Tenant, entityID))
		if err != nil {
			return nil, fmt.Errorf("resolve open item %d: %w", entityID, err)
		}

		bankAccount, err := b.resolveBankGLAccountTx(ctx, tx, cc.Tenant, bankTx.AccountID)
		if err != nil {
			return nil, err
		}
		controlAccount, err := b.resolveControlAccountForItemTx(ctx, tx, cc.Tenant, oi.ItemType)
		if err != nil {
			return nil, err
		}

		party, err := b.getPartyTx(ctx, tx, oi.PartyID)
		if err != nil {
			return nil, err
		}

		absAmount := bankTx.Amount.Abs()
		var draft EntryDraft
		if oi.ItemType == ItemReceivable {
			draft = EntryDraft{
				EntryDate:   bankTx.BookingDate,
				Description: fmt.Sprintf("Payment received, bank tx %d", txID),
				Source:      SourceBankPayment,
				SourceID:    strPtr(fmt.Sprint(txID)),
				Lines: []LineDraft{
					{AccountCode: bankAccount, Debit: absAmount, Description: "Bank receipt"},
					{AccountCode: controlAccount, Credit: absAmount, Description: "Customer payment", PartyType: &party.Type, PartyID: &party.ID},
				},
			}
		} else {
			draft = EntryDraft{
				EntryDate:   bankTx.BookingDate,
				Description: fmt.Sprintf("Payment sent, bank tx %d", txID),
				Source:      SourceBankPayment,
				SourceID:    strPtr(fmt.Sprint(txID)),
				Lines: []LineDraft{
					{AccountCode: controlAccount, Debit: absAmount, Description: "Supplier payment", PartyType: &party.Type, PartyID: &party.ID},
					{AccountCode: bankAccount, Credit: absAmount, Description: "Bank payment"},
				},
			}
		}

		posted, err := b.ledger.CreateAndPostTx(ctx, tx, cc, draft)
		if err != nil {
			return nil, err
		}
		entry = &posted

		if _, err := allocateOpenItemTx(ctx, tx, cc, oi.ID, posted.ID, absAmount); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bank_match_proposals SET status = 'ACCEPTED'
		WHERE bank_tx_id = $1 AND entity_type = $2 AND entity_id = $3 AND status = 'SUGGESTED'
	`, txID, string(entityType), entityID); err != nil {
		return nil, fmt.Errorf("accept proposal: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bank_match_proposals SET status = 'EXPIRED'
		WHERE bank_tx_id = $1 AND NOT (entity_type = $2 AND entity_id = $3) AND status = 'SUGGESTED'
	`, txID, string(entityType), entityID); err != nil {
		return nil, fmt.Errorf("expire sibling proposals: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bank_transactions SET status = 'MATCHED', matched_entity_type = $1, matched_entity_id = $2 WHERE id = $3
	`, string(entityType), entityID, txID); err != nil {
		return nil, fmt.Errorf("mark transaction matched: %w", err)
	}

	if err := b.recordActionTx(ctx, tx, cc, txID, ActionAccept, fmt.Sprintf("entity_type=%s entity_id=%d", entityType, entityID)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit match: %w", err)
	}
	return entry, nil
}

func (b *BankReconciliation) resolveBankGLAccountTx(ctx context.Context, tx pgx.Tx, tenant TenantID, bankAccountID int) (string, error) {
	var glAccount string
	err := tx.QueryRow(ctx, "SELECT gl_account FROM bank_accounts WHERE tenant_id = $1 AND id = $2", tenant, bankAccountID).Scan(&glAccount)
	if err != nil {
		return "", fmt.Errorf("resolve bank GL account: %w", err)
	}
	return glAccount, nil
}

func (b *BankReconciliation) resolveControlAccountForItemTx(ctx context.Context, tx pgx.Tx, tenant TenantID, itemType OpenItemType) (string, error) {
	controlType := ControlAR
	if itemType == ItemPayable {
		controlType = ControlAP
	}
	var code string
	err := tx.QueryRow(ctx, "SELECT code FROM accounts WHERE tenant_id = $1 AND is_control AND control_type = $2 LIMIT 1", tenant, string(controlType)).Scan(&code)
	if err != nil {
		return "", fmt.Errorf("resolve control account for %s: %w", controlType, err)
	}
	return code, nil
}

func (b *BankReconciliation) getPartyTx(ctx context.Context, tx pgx.Tx, partyID int) (Party, error) {
	var p Party
	var ptype string
	err := tx.QueryRow(ctx, "SELECT id, tenant_id, type, name, tax_number, payment_terms_days, default_account, is_active FROM parties WHERE id = $1", partyID).
		Scan(&p.ID, &p.Tenant, &ptype, &p.Name, &p.TaxNumber, &p.PaymentTermsDays, &p.DefaultAccount, &p.IsActive)
	if err != nil {
		return Party{}, fmt.Errorf("resolve party %d: %w", partyID, err)
	}
	p.Type = PartyType(ptype)
	return p, nil
}

// CreateExpense posts an unmatched outbound debit as a purchase through the
// VAT engine, extracting base/vat from the gross amount. Idempotent by
// tx_id: a second call on an already-MATCHED transaction returns the
// existing entry instead of posting again.
func (b *BankReconciliation) CreateExpense(ctx context.Context, cc CoreContext, txID int, expenseAccount string, vatCode *VatCode, vatReceivableAccount string) (JournalEntry, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bankTx, err := b.getBankTxTx(ctx, tx, cc.Tenant, txID)
	if err != nil {
		return JournalEntry{}, err
	}
	if bankTx.Status == BankTxMatched {
		if bankTx.MatchedEntityType == nil || *bankTx.MatchedEntityType != MatchEntityEntry || bankTx.MatchedEntityID == nil {
			return JournalEntry{}, NewCoreError(ErrIdempotentNoop, "bank_transaction", fmt.Sprint(txID), "transaction %d already matched to a non-entry target", txID)
		}
		return b.ledger.getEntryTx(ctx, tx, cc.Tenant, *bankTx.MatchedEntityID)
	}
	if !bankTx.Amount.IsNegative() {
		return JournalEntry{}, NewCoreError(ErrValidationFailed, "bank_transaction", fmt.Sprint(txID), "CREATE_EXPENSE only applies to outbound debits")
	}

	bankAccount, err := b.resolveBankGLAccountTx(ctx, tx, cc.Tenant, bankTx.AccountID)
	if err != nil {
		return JournalEntry{}, err
	}
	// Resolve early so a typo'd account code is rejected before the entry is
	// built, with the same contract Ledger Core enforces on post.
	if _, err := b.coa.ResolveAccount(ctx, cc.Tenant, expenseAccount); err != nil {
		return JournalEntry{}, err
	}

	gross := bankTx.Amount.Abs()
	draft := EntryDraft{
		EntryDate:   bankTx.BookingDate,
		Description: bankTx.Description,
		Source:      SourceBankExpense,
		SourceID:    strPtr(fmt.Sprint(txID)),
		Lines:       b.vat.ExpenseFromGross(gross, vatCode, expenseAccount, vatReceivableAccount, bankAccount, bankTx.Description),
	}

	entry, err := b.ledger.CreateAndPostTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bank_transactions SET status = 'MATCHED', matched_entity_type = $1, matched_entity_id = $2 WHERE id = $3
	`, string(MatchEntityEntry), entry.ID, txID); err != nil {
		return JournalEntry{}, fmt.Errorf("mark transaction matched: %w", err)
	}

	if err := b.recordActionTx(ctx, tx, cc, txID, ActionCreateExpense, fmt.Sprintf("entry_id=%d account=%s", entry.ID, expenseAccount)); err != nil {
		return JournalEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit expense: %w", err)
	}
	return entry, nil
}

// Ignore transitions NEW or NEEDS_REVIEW → IGNORED.
func (b *BankReconciliation) Ignore(ctx context.Context, cc CoreContext, txID int) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE bank_transactions SET status = 'IGNORED' WHERE tenant_id = $1 AND id = $2 AND status IN ('NEW', 'NEEDS_REVIEW')", cc.Tenant, txID)
	if err != nil {
		return fmt.Errorf("ignore transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NewCoreError(ErrValidationFailed, "bank_transaction", fmt.Sprint(txID), "transaction %d not found or not ignorable", txID)
	}
	if err := b.recordActionTx(ctx, tx, cc, txID, ActionIgnore, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Unmatch reverses a MATCHED transaction back to NEW. Per the spec's open
// question (resolved in DESIGN.md), this reverses rather than deletes any
// derived payment/expense entry — ReverseEntry is the only safe way to back
// out a posted entry once other operations may have read it.
func (b *BankReconciliation) Unmatch(ctx context.Context, cc CoreContext, txID int) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	bankTx, err := b.getBankTxTx(ctx, tx, cc.Tenant, txID)
	if err != nil {
		return err
	}
	if bankTx.Status != BankTxMatched {
		return NewCoreError(ErrValidationFailed, "bank_transaction", fmt.Sprint(txID), "transaction %d is not MATCHED", txID)
	}

	var entryID int
	if bankTx.MatchedEntityType != nil && *bankTx.MatchedEntityType == MatchEntityEntry && bankTx.MatchedEntityID != nil {
		entryID = *bankTx.MatchedEntityID
	} else if bankTx.MatchedEntityType != nil && *bankTx.MatchedEntityType == MatchEntityOpenItem {
		if err := tx.QueryRow(ctx, `
			SELECT payment_entry_id FROM open_item_allocations
			WHERE open_item_id = $1 ORDER BY id DESC LIMIT 1
		`, *bankTx.MatchedEntityID).Scan(&entryID); err != nil {
			return fmt.Errorf("resolve payment entry for unmatch: %w", err)
		}
	}

	if entryID != 0 {
		if _, err := b.ledger.reverseEntryTx(ctx, tx, cc, entryID, nil, "bank reconciliation unmatch"); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bank_transactions SET status = 'NEW', matched_entity_type = NULL, matched_entity_id = NULL WHERE id = $1
	`, txID); err != nil {
		return fmt.Errorf("reset transaction status: %w", err)
	}

	if err := b.recordActionTx(ctx, tx, cc, txID, ActionUnmatch, fmt.Sprintf("reversed_entry_id=%d", entryID)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (b *BankReconciliation) recordActionTx(ctx context.Context, tx pgx.Tx, cc CoreContext, txID int, action ReconciliationActionType, payload string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reconciliation_actions (tenant_id, user_id, tx_id, action, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cc.Tenant, cc.User, txID, string(action), payload, cc.Clock.Now())
	if err != nil {
		return fmt.Errorf("record reconciliation action: %w", err)
	}
	return nil
}

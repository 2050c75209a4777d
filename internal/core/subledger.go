package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Subledger manages parties and their open items: invoices and bills that
// remain unsettled until allocated against a payment or written off.
// Open items are created automatically whenever a posted entry touches an
// AR or AP control account (createOpenItemsForEntryTx, called from
// Ledger.postEntryTx) — callers never create them directly.
type Subledger struct {
	pool *pgxpool.Pool
}

func NewSubledger(pool *pgxpool.Pool) *Subledger {
	return &Subledger{pool: pool}
}

// ── Parties ──────────────────────────────────────────────────────────────

func (s *Subledger) CreateParty(ctx context.Context, cc CoreContext, party Party) (Party, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO parties (tenant_id, type, name, tax_number, payment_terms_days, default_account, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING id
	`, cc.Tenant, string(party.Type), party.Name, party.TaxNumber, party.PaymentTermsDays, party.DefaultAccount).Scan(&party.ID)
	if err != nil {
		return Party{}, fmt.Errorf("create party: %w", err)
	}
	party.Tenant = cc.Tenant
	party.IsActive = true
	return party, nil
}

func (s *Subledger) GetParty(ctx context.Context, tenant TenantID, id int) (Party, error) {
	var p Party
	var ptype string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, name, tax_number, payment_terms_days, default_account, is_active
		FROM parties WHERE tenant_id = $1 AND id = $2
	`, tenant, id).Scan(&p.ID, &p.Tenant, &ptype, &p.Name, &p.TaxNumber, &p.PaymentTermsDays, &p.DefaultAccount, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, NewCoreError(ErrMissingParty, "party", fmt.Sprint(id), "party %d not found", id)
		}
		return Party{}, fmt.Errorf("get party %d: %w", id, err)
	}
	p.Type = PartyType(ptype)
	return p, nil
}

// ── Open items ───────────────────────────────────────────────────────────

// createOpenItemsForEntryTx inspects every line of a freshly-posted entry
// and opens an OpenItem for each one that targets an AR or AP control
// account, using the line's party and the entry date plus the party's
// payment terms as the due date (spec.md §4.E). Lines on control accounts
// always carry a party — Ledger.createEntryTx already rejects any that
// don't, so this never needs to skip one for a missing party.
func createOpenItemsForEntryTx(ctx context.Context, tx pgx.Tx, coa ChartOfAccounts, tenant TenantID, entry JournalEntry) error {
	for _, line := range entry.Lines {
		if line.PartyID == nil {
			continue
		}
		account, err := scanAccount(tx.QueryRow(ctx, `
			SELECT id, tenant_id, code, name, type, is_control, control_type, is_active
			FROM accounts WHERE tenant_id = $1 AND id = $2
		`, tenant, line.AccountID))
		if err != nil {
			return fmt.Errorf("resolve account for open item: %w", err)
		}
		if !account.IsControl || account.ControlType == nil {
			continue
		}
		var itemType OpenItemType
		switch *account.ControlType {
		case ControlAR:
			itemType = ItemReceivable
		case ControlAP:
			itemType = ItemPayable
		default:
			continue
		}

		var termsDays int
		if err := tx.QueryRow(ctx, "SELECT payment_terms_days FROM parties WHERE id = $1", *line.PartyID).Scan(&termsDays); err != nil {
			return fmt.Errorf("resolve party payment terms: %w", err)
		}
		dueDate := entry.EntryDate.AddDate(0, 0, termsDays)

		originalAmount := line.SignedAmount()
		if itemType == ItemPayable {
			originalAmount = originalAmount.Neg()
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO open_items
				(tenant_id, party_id, entry_id, line_id, item_type, document_number, document_date, due_date,
				 original_amount, paid_amount, open_amount, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $9, 'EUR', $10)
		`, tenant, *line.PartyID, entry.ID, line.ID, string(itemType), entry.Reference, entry.EntryDate, dueDate,
			originalAmount.Decimal(), string(openItemStatusFor(originalAmount, Zero)),
		)
		if err != nil {
			return fmt.Errorf("insert open item: %w", err)
		}
	}
	return nil
}

// openItemStatusFor derives status as a pure function of the amounts — the
// resolution to the spec's open question on whether deleting an allocation
// should revert status: since status is recomputed from paidAmount and
// originalAmount every time, there is no separate "reopen" operation to get
// wrong (see DESIGN.md).
func openItemStatusFor(original, paid Money) OpenItemStatus {
	open := original.Sub(paid)
	switch {
	case open.IsZero():
		return OpenItemPaid
	case paid.IsZero():
		return OpenItemOpen
	default:
		return OpenItemPartial
	}
}

func scanOpenItem(row pgx.Row) (OpenItem, error) {
	var oi OpenItem
	var itemType, status string
	var original, paid, open decimal.Decimal
	if err := row.Scan(&oi.ID, &oi.Tenant, &oi.PartyID, &oi.EntryID, &oi.LineID, &itemType, &oi.DocumentNumber,
		&oi.DocumentDate, &oi.DueDate, &original, &paid, &open, &oi.Currency, &status); err != nil {
		return OpenItem{}, err
	}
	oi.ItemType = OpenItemType(itemType)
	oi.Status = OpenItemStatus(status)
	oi.OriginalAmount = NewMoney(original)
	oi.PaidAmount = NewMoney(paid)
	oi.OpenAmount = NewMoney(open)
	return oi, nil
}

const openItemColumns = `id, tenant_id, party_id, entry_id, line_id, item_type, document_number,
		document_date, due_date, original_amount, paid_amount, open_amount, currency, status`

func (s *Subledger) GetOpenItem(ctx context.Context, tenant TenantID, id int) (OpenItem, error) {
	oi, err := scanOpenItem(s.pool.QueryRow(ctx, "SELECT "+openItemColumns+" FROM open_items WHERE tenant_id = $1 AND id = $2", tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OpenItem{}, NewCoreError(ErrValidationFailed, "open_item", fmt.Sprint(id), "open item %d not found", id)
		}
		return OpenItem{}, fmt.Errorf("get open item %d: %w", id, err)
	}
	return oi, nil
}

func (s *Subledger) ListOpenItemsForParty(ctx context.Context, tenant TenantID, partyID int) ([]OpenItem, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+openItemColumns+` FROM open_items
		WHERE tenant_id = $1 AND party_id = $2 AND status IN ('OPEN', 'PARTIAL')
		ORDER BY due_date`, tenant, partyID)
	if err != nil {
		return nil, fmt.Errorf("list open items for party %d: %w", partyID, err)
	}
	defer rows.Close()

	var out []OpenItem
	for rows.Next() {
		oi, err := scanOpenItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open item: %w", err)
		}
		out = append(out, oi)
	}
	return out, rows.Err()
}

// Allocate links a payment entry to an open item, reducing its open amount
// and recomputing status. amount must not exceed the item's current open
// amount. Row is locked FOR UPDATE for the duration, matching the source's
// locking idiom for concurrent-safe balance mutation.
func (s *Subledger) Allocate(ctx context.Context, cc CoreContext, openItemID, paymentEntryID int, amount Money) (OpenItemAllocation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OpenItemAllocation{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	alloc, err := allocateOpenItemTx(ctx, tx, cc, openItemID, paymentEntryID, amount)
	if err != nil {
		return OpenItemAllocation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return OpenItemAllocation{}, fmt.Errorf("commit allocation: %w", err)
	}
	return alloc, nil
}

// allocateOpenItemTx is the transaction-composable core of Allocate, shared
// with bank reconciliation's ApplyMatch so a derived payment entry and its
// allocation commit atomically together.
func allocateOpenItemTx(ctx context.Context, tx pgx.Tx, cc CoreContext, openItemID, paymentEntryID int, amount Money) (OpenItemAllocation, error) {
	var original, paid decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT original_amount, paid_amount FROM open_items WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, cc.Tenant, openItemID).Scan(&original, &paid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OpenItemAllocation{}, NewCoreError(ErrValidationFailed, "open_item", fmt.Sprint(openItemID), "open item %d not found", openItemID)
		}
		return OpenItemAllocation{}, fmt.Errorf("lock open item: %w", err)
	}

	originalM := NewMoney(original).Abs()
	paidM := NewMoney(paid)
	openM := originalM.Sub(paidM)

	// Clamp to the remaining open amount — spec.md §4.E: "increases
	// paid_amount by min(amount, open_amount)".
	applied := amount
	if applied.GreaterThan(openM) {
		applied = openM
	}
	newPaid := paidM.Add(applied)
	newOpen := originalM.Sub(newPaid)
	status := openItemStatusFor(originalM, newPaid)

	var allocID int
	now := cc.Clock.Now()
	err = tx.QueryRow(ctx, `
		INSERT INTO open_item_allocations (open_item_id, payment_entry_id, allocated_amount, allocation_date)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, openItemID, paymentEntryID, applied.Decimal(), now).Scan(&allocID)
	if err != nil {
		return OpenItemAllocation{}, fmt.Errorf("insert allocation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE open_items SET paid_amount = $1, open_amount = $2, status = $3 WHERE id = $4
	`, newPaid.Decimal(), newOpen.Decimal(), string(status), openItemID)
	if err != nil {
		return OpenItemAllocation{}, fmt.Errorf("update open item: %w", err)
	}

	return OpenItemAllocation{ID: allocID, OpenItemID: openItemID, PaymentEntryID: paymentEntryID, AllocatedAmount: applied, AllocationDate: now}, nil
}

// DeleteAllocation reverses a previously-recorded allocation, adding its
// amount back to the open item and recomputing status — since status is a
// pure function of paid vs. original amount, a PAID item with its only
// allocation deleted automatically returns to OPEN with no separate
// "reopen" step (spec's open question, resolved this way — see DESIGN.md).
func (s *Subledger) DeleteAllocation(ctx context.Context, cc CoreContext, allocationID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var openItemID int
	var allocatedAmount decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT open_item_id, allocated_amount FROM open_item_allocations WHERE id = $1
	`, allocationID).Scan(&openItemID, &allocatedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NewCoreError(ErrValidationFailed, "allocation", fmt.Sprint(allocationID), "allocation %d not found", allocationID)
		}
		return fmt.Errorf("lookup allocation: %w", err)
	}

	var original, paid decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT original_amount, paid_amount FROM open_items WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, cc.Tenant, openItemID).Scan(&original, &paid)
	if err != nil {
		return fmt.Errorf("lock open item: %w", err)
	}

	newPaid := NewMoney(paid).Sub(NewMoney(allocatedAmount))
	newOpen := NewMoney(original).Abs().Sub(newPaid)
	status := openItemStatusFor(NewMoney(original).Abs(), newPaid)

	if _, err := tx.Exec(ctx, `DELETE FROM open_item_allocations WHERE id = $1`, allocationID); err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE open_items SET paid_amount = $1, open_amount = $2, status = $3 WHERE id = $4
	`, newPaid.Decimal(), newOpen.Decimal(), string(status), openItemID); err != nil {
		return fmt.Errorf("update open item: %w", err)
	}

	return tx.Commit(ctx)
}

// WriteOff marks an item WRITTEN_OFF. open_amount is left untouched (spec.md
// §4.E) rather than zeroed, so the ledger can later emit a compensating
// entry for the exact uncollected amount.
func (s *Subledger) WriteOff(ctx context.Context, cc CoreContext, openItemID int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE open_items SET status = 'WRITTEN_OFF'
		WHERE tenant_id = $1 AND id = $2 AND status IN ('OPEN', 'PARTIAL')
	`, cc.Tenant, openItemID)
	if err != nil {
		return fmt.Errorf("write off open item %d: %w", openItemID, err)
	}
	if tag.RowsAffected() == 0 {
		return NewCoreError(ErrValidationFailed, "open_item", fmt.Sprint(openItemID), "open item %d not found or not writable off", openItemID)
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// FixedAssets owns asset registration, straight-line depreciation schedule
// generation, and idempotent schedule posting through the Ledger Core —
// spec.md §4.F. Only STRAIGHT_LINE is in scope.
type FixedAssets struct {
	pool   *pgxpool.Pool
	ledger *Ledger
}

func NewFixedAssets(pool *pgxpool.Pool, ledger *Ledger) *FixedAssets {
	return &FixedAssets{pool: pool, ledger: ledger}
}

// RegisterAsset inserts a new asset and generates its full depreciation
// schedule in the same transaction — useful_life_months rows starting from
// the first of the month of acquisition_date, each carrying
// monthly_depreciation = (cost - residual) / useful_life_months rounded
// half-up, with the final row absorbing whatever rounding residue remains
// so that Σ schedule.depreciation_amount == cost - residual exactly.
func (f *FixedAssets) RegisterAsset(ctx context.Context, cc CoreContext, asset FixedAsset) (FixedAsset, error) {
	if asset.UsefulLifeMonths <= 0 {
		return FixedAsset{}, NewCoreError(ErrValidationFailed, "fixed_asset", asset.Code, "useful_life_months must be positive")
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return FixedAsset{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	asset.Tenant = cc.Tenant
	asset.Status = AssetActive
	asset.AccumulatedDepreciation = Zero
	asset.BookValue = asset.AcquisitionCost

	err = tx.QueryRow(ctx, `
		INSERT INTO fixed_assets
			(tenant_id, code, name, acquisition_date, acquisition_cost, residual_value, useful_life_months,
			 method, asset_account, depreciation_account, expense_account, accumulated_depreciation, book_value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $5, $12)
		RETURNING id
	`, cc.Tenant, asset.Code, asset.Name, asset.AcquisitionDate, asset.AcquisitionCost.Decimal(), asset.ResidualValue.Decimal(),
		asset.UsefulLifeMonths, string(asset.Method), asset.AssetAccount, asset.DepreciationAccount, asset.ExpenseAccount,
		string(AssetActive),
	).Scan(&asset.ID)
	if err != nil {
		return FixedAsset{}, fmt.Errorf("insert fixed asset: %w", err)
	}

	schedule := generateStraightLineSchedule(asset)
	for i := range schedule {
		row := &schedule[i]
		row.AssetID = asset.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO depreciation_schedules
				(asset_id, period_date, depreciation_amount, accumulated_depreciation, book_value_end, is_posted)
			VALUES ($1, $2, $3, $4, $5, false)
			RETURNING id
		`, row.AssetID, row.PeriodDate, row.DepreciationAmount.Decimal(), row.AccumulatedDepreciation.Decimal(), row.BookValueEnd.Decimal(),
		).Scan(&row.ID)
		if err != nil {
			return FixedAsset{}, fmt.Errorf("insert depreciation schedule row %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return FixedAsset{}, fmt.Errorf("commit asset registration: %w", err)
	}
	return asset, nil
}

// generateStraightLineSchedule computes the full schedule in memory without
// touching the database, so it can be unit-tested directly against the
// rounding-residue invariant (spec.md S3).
func generateStraightLineSchedule(asset FixedAsset) []DepreciationSchedule {
	depreciable := asset.AcquisitionCost.Sub(asset.ResidualValue)
	monthly := NewMoney(RoundHalfUp(depreciable.Decimal().Div(decimal.NewFromInt(int64(asset.UsefulLifeMonths))), 2))

	firstOfMonth := time.Date(asset.AcquisitionDate.Year(), asset.AcquisitionDate.Month(), 1, 0, 0, 0, 0, time.UTC)

	rows := make([]DepreciationSchedule, asset.UsefulLifeMonths)
	accumulated := Zero
	for i := 0; i < asset.UsefulLifeMonths; i++ {
		amount := monthly
		last := i == asset.UsefulLifeMonths-1
		if last {
			// Absorb rounding residue so the accumulated total lands exactly
			// on the depreciable base.
			amount = depreciable.Sub(accumulated)
		}
		accumulated = accumulated.Add(amount)
		rows[i] = DepreciationSchedule{
			PeriodDate:              firstOfMonth.AddDate(0, i, 0),
			DepreciationAmount:      amount,
			AccumulatedDepreciation: accumulated,
			BookValueEnd:            asset.AcquisitionCost.Sub(accumulated),
		}
	}
	return rows
}

const assetColumns = `id, tenant_id, code, name, acquisition_date, acquisition_cost, residual_value, useful_life_months,
		method, asset_account, depreciation_account, expense_account, accumulated_depreciation, book_value, status`

func scanAsset(row pgx.Row) (FixedAsset, error) {
	var a FixedAsset
	var method, status string
	var cost, residual, accum, book decimal.Decimal
	if err := row.Scan(&a.ID, &a.Tenant, &a.Code, &a.Name, &a.AcquisitionDate, &cost, &residual, &a.UsefulLifeMonths,
		&method, &a.AssetAccount, &a.DepreciationAccount, &a.ExpenseAccount, &accum, &book, &status); err != nil {
		return FixedAsset{}, err
	}
	a.Method = DepreciationMethod(method)
	a.Status = AssetStatus(status)
	a.AcquisitionCost = NewMoney(cost)
	a.ResidualValue = NewMoney(residual)
	a.AccumulatedDepreciation = NewMoney(accum)
	a.BookValue = NewMoney(book)
	return a, nil
}

func (f *FixedAssets) GetAsset(ctx context.Context, tenant TenantID, id int) (FixedAsset, error) {
	a, err := scanAsset(f.pool.QueryRow(ctx, "SELECT "+assetColumns+" FROM fixed_assets WHERE tenant_id = $1 AND id = $2", tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FixedAsset{}, NewCoreError(ErrValidationFailed, "fixed_asset", fmt.Sprint(id), "asset %d not found", id)
		}
		return FixedAsset{}, fmt.Errorf("get asset %d: %w", id, err)
	}
	return a, nil
}

func scanSchedule(row pgx.Row) (DepreciationSchedule, error) {
	var s DepreciationSchedule
	var amount, accum, bookEnd decimal.Decimal
	if err := row.Scan(&s.ID, &s.AssetID, &s.PeriodDate, &amount, &accum, &bookEnd, &s.EntryID, &s.IsPosted, &s.PostedAt); err != nil {
		return DepreciationSchedule{}, err
	}
	s.DepreciationAmount = NewMoney(amount)
	s.AccumulatedDepreciation = NewMoney(accum)
	s.BookValueEnd = NewMoney(bookEnd)
	return s, nil
}

const scheduleColumns = `id, asset_id, period_date, depreciation_amount, accumulated_depreciation, book_value_end, entry_id, is_posted, posted_at`

func (f *FixedAssets) ListSchedule(ctx context.Context, assetID int) ([]DepreciationSchedule, error) {
	rows, err := f.pool.Query(ctx, "SELECT "+scheduleColumns+" FROM depreciation_schedules WHERE asset_id = $1 ORDER BY period_date", assetID)
	if err != nil {
		return nil, fmt.Errorf("list schedule for asset %d: %w", assetID, err)
	}
	defer rows.Close()

	var out []DepreciationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PostSchedule posts a single depreciation schedule row: Dr expense_account
// / Cr depreciation_account, at depreciation_amount, routed through the
// Ledger Core so it inherits period gating. Idempotent — if the row is
// already posted, returns the linked entry without posting again.
func (f *FixedAssets) PostSchedule(ctx context.Context, cc CoreContext, scheduleID int) (JournalEntry, error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var assetID int
	var periodDate time.Time
	var amount decimal.Decimal
	var entryID *int
	var isPosted bool
	err = tx.QueryRow(ctx, `
		SELECT asset_id, period_date, depreciation_amount, entry_id, is_posted
		FROM depreciation_schedules WHERE id = $1 FOR UPDATE
	`, scheduleID).Scan(&assetID, &periodDate, &amount, &entryID, &isPosted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, NewCoreError(ErrValidationFailed, "depreciation_schedule", fmt.Sprint(scheduleID), "schedule %d not found", scheduleID)
		}
		return JournalEntry{}, fmt.Errorf("lock schedule: %w", err)
	}
	if isPosted {
		if entryID == nil {
			return JournalEntry{}, NewCoreError(ErrIdempotentNoop, "depreciation_schedule", fmt.Sprint(scheduleID), "schedule %d posted with no linked entry", scheduleID)
		}
		return f.ledger.getEntryTx(ctx, tx, cc.Tenant, *entryID)
	}

	asset, err := scanAsset(tx.QueryRow(ctx, "SELECT "+assetColumns+" FROM fixed_assets WHERE tenant_id = $1 AND id = $2 FOR UPDATE", cc.Tenant, assetID))
	if err != nil {
		return JournalEntry{}, fmt.Errorf("lock asset: %w", err)
	}

	depreciationMoney := NewMoney(amount)
	draft := EntryDraft{
		EntryDate:   periodDate,
		Description: fmt.Sprintf("Depreciation %s for asset %s", periodDate.Format("2006-01"), asset.Code),
		Source:      SourceDepreciation,
		SourceID:    strPtr(fmt.Sprint(scheduleID)),
		Lines: []LineDraft{
			{AccountCode: asset.ExpenseAccount, Debit: depreciationMoney, Description: "Depreciation expense"},
			{AccountCode: asset.DepreciationAccount, Credit: depreciationMoney, Description: "Accumulated depreciation"},
		},
	}

	entry, err := f.ledger.CreateAndPostTx(ctx, tx, cc, draft)
	if err != nil {
		return JournalEntry{}, err
	}

	now := cc.Clock.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE depreciation_schedules SET is_posted = true, posted_at = $1, entry_id = $2 WHERE id = $3
	`, now, entry.ID, scheduleID); err != nil {
		return JournalEntry{}, fmt.Errorf("mark schedule posted: %w", err)
	}

	newAccumulated := asset.AccumulatedDepreciation.Add(depreciationMoney)
	newBookValue := asset.AcquisitionCost.Sub(newAccumulated)
	newStatus := asset.Status
	if newBookValue.LessThanOrEqual(asset.ResidualValue) {
		newStatus = AssetFullyDepreciated
	}
	if _, err := tx.Exec(ctx, `
		UPDATE fixed_assets SET accumulated_depreciation = $1, book_value = $2, status = $3 WHERE id = $4
	`, newAccumulated.Decimal(), newBookValue.Decimal(), string(newStatus), assetID); err != nil {
		return JournalEntry{}, fmt.Errorf("update asset depreciation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return JournalEntry{}, fmt.Errorf("commit schedule posting: %w", err)
	}
	return entry, nil
}

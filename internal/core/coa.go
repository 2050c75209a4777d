package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChartOfAccounts reads accounts and VAT codes for a tenant. Every lookup is
// tenant-scoped; an account or VAT code from another tenant is indistinguishable
// from one that does not exist (spec.md §4.B contract).
type ChartOfAccounts interface {
	// ResolveAccount enforces: the account must exist and be scoped to the
	// tenant; if IsControl then ControlType is non-nil.
	ResolveAccount(ctx context.Context, tenant TenantID, code string) (Account, error)
	GetAccount(ctx context.Context, tenant TenantID, id int) (Account, error)
	ListAccounts(ctx context.Context, tenant TenantID) ([]Account, error)

	// ResolveVatCode enforces: IsReverseCharge and IsICP are mutually
	// exclusive flags.
	ResolveVatCode(ctx context.Context, tenant TenantID, code string) (VatCode, error)
	ListVatCodes(ctx context.Context, tenant TenantID) ([]VatCode, error)
}

type chartOfAccounts struct {
	pool *pgxpool.Pool
}

func NewChartOfAccounts(pool *pgxpool.Pool) ChartOfAccounts {
	return &chartOfAccounts{pool: pool}
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var controlType *string
	if err := row.Scan(&a.ID, &a.Tenant, &a.Code, &a.Name, &a.Type, &a.IsControl, &controlType, &a.IsActive); err != nil {
		return Account{}, err
	}
	if controlType != nil {
		ct := ControlType(*controlType)
		a.ControlType = &ct
	}
	return a, nil
}

func (c *chartOfAccounts) ResolveAccount(ctx context.Context, tenant TenantID, code string) (Account, error) {
	a, err := scanAccount(c.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, name, type, is_control, control_type, is_active
		FROM accounts
		WHERE tenant_id = $1 AND code = $2
	`, tenant, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NewCoreError(ErrInactiveAccount, "account", code, "account %s not found for tenant", code)
		}
		return Account{}, fmt.Errorf("resolve account %s: %w", code, err)
	}
	if a.IsControl && a.ControlType == nil {
		return Account{}, NewCoreError(ErrValidationFailed, "account", code, "control account %s has no control_type", code)
	}
	return a, nil
}

func (c *chartOfAccounts) GetAccount(ctx context.Context, tenant TenantID, id int) (Account, error) {
	a, err := scanAccount(c.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, name, type, is_control, control_type, is_active
		FROM accounts
		WHERE tenant_id = $1 AND id = $2
	`, tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NewCoreError(ErrInactiveAccount, "account", fmt.Sprint(id), "account %d not found for tenant", id)
		}
		return Account{}, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

func (c *chartOfAccounts) ListAccounts(ctx context.Context, tenant TenantID) ([]Account, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, tenant_id, code, name, type, is_control, control_type, is_active
		FROM accounts
		WHERE tenant_id = $1
		ORDER BY code
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanVatCode(row pgx.Row) (VatCode, error) {
	var v VatCode
	if err := row.Scan(&v.ID, &v.Tenant, &v.Code, &v.Rate, &v.Category, &v.IsReverseCharge, &v.IsICP, &v.SalesAccount, &v.PurchaseAccount); err != nil {
		return VatCode{}, err
	}
	return v, nil
}

func (c *chartOfAccounts) ResolveVatCode(ctx context.Context, tenant TenantID, code string) (VatCode, error) {
	v, err := scanVatCode(c.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, rate, category, is_reverse_charge, is_icp, sales_account, purchase_account
		FROM vat_codes
		WHERE tenant_id = $1 AND code = $2
	`, tenant, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VatCode{}, NewCoreError(ErrVatCodeUnknown, "vat_code", code, "vat code %s not found for tenant", code)
		}
		return VatCode{}, fmt.Errorf("resolve vat code %s: %w", code, err)
	}
	if v.IsReverseCharge && v.IsICP {
		return VatCode{}, NewCoreError(ErrValidationFailed, "vat_code", code, "vat code %s cannot be both reverse-charge and ICP", code)
	}
	return v, nil
}

func (c *chartOfAccounts) ListVatCodes(ctx context.Context, tenant TenantID) ([]VatCode, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, tenant_id, code, rate, category, is_reverse_charge, is_icp, sales_account, purchase_account
		FROM vat_codes
		WHERE tenant_id = $1
		ORDER BY code
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list vat codes: %w", err)
	}
	defer rows.Close()

	var out []VatCode
	for rows.Next() {
		v, err := scanVatCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vat code: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

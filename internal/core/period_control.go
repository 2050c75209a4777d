package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PeriodControl drives the period state machine OPEN → REVIEW → FINALIZED →
// LOCKED and gates every posting operation against it. Reopening is not a
// transition this service exposes: once FINALIZED, nothing posts into a
// period (reversals of its entries are routed into the next OPEN or REVIEW
// period), and once LOCKED even those reversals are rejected (spec.md §4.H).
type PeriodControl struct {
	pool       *pgxpool.Pool
	consistency *ConsistencyEngine
	reports    *Reports
}

func NewPeriodControl(pool *pgxpool.Pool, consistency *ConsistencyEngine, reports *Reports) *PeriodControl {
	return &PeriodControl{pool: pool, consistency: consistency, reports: reports}
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var status string
	if err := row.Scan(&p.ID, &p.Tenant, &p.Name, &p.Type, &p.StartDate, &p.EndDate, &status,
		&p.ReviewStartedAt, &p.ReviewStartedBy, &p.FinalizedAt, &p.FinalizedBy, &p.LockedAt, &p.LockedBy); err != nil {
		return Period{}, err
	}
	p.Status = PeriodStatus(status)
	return p, nil
}

const periodColumns = `id, tenant_id, name, type, start_date, end_date, status,
		review_started_at, review_started_by, finalized_at, finalized_by, locked_at, locked_by`

func (p *PeriodControl) GetPeriod(ctx context.Context, tenant TenantID, id int) (Period, error) {
	period, err := scanPeriod(p.pool.QueryRow(ctx, "SELECT "+periodColumns+" FROM periods WHERE tenant_id = $1 AND id = $2", tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, NewCoreError(ErrValidationFailed, "period", fmt.Sprint(id), "period %d not found", id)
		}
		return Period{}, fmt.Errorf("get period %d: %w", id, err)
	}
	return period, nil
}

// getPeriodTx is GetPeriod composed into a caller's own transaction, used by
// ReverseEntry to inspect the original entry's period without a second
// round trip outside the reversal's transaction.
func (p *PeriodControl) getPeriodTx(ctx context.Context, tx pgx.Tx, tenant TenantID, id int) (Period, error) {
	period, err := scanPeriod(tx.QueryRow(ctx, "SELECT "+periodColumns+" FROM periods WHERE tenant_id = $1 AND id = $2", tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, NewCoreError(ErrValidationFailed, "period", fmt.Sprint(id), "period %d not found", id)
		}
		return Period{}, fmt.Errorf("get period %d: %w", id, err)
	}
	return period, nil
}

// nextOpenOrReviewPeriodTx finds the nearest OPEN or REVIEW period starting
// after afterEnd, for routing a reversal of a FINALIZED period's entry into
// "the next OPEN or REVIEW period" per spec.md:87.
func (p *PeriodControl) nextOpenOrReviewPeriodTx(ctx context.Context, tx pgx.Tx, tenant TenantID, afterEnd time.Time) (Period, error) {
	period, err := scanPeriod(tx.QueryRow(ctx, `
		SELECT `+periodColumns+` FROM periods
		WHERE tenant_id = $1 AND status IN ('OPEN', 'REVIEW') AND start_date > $2
		ORDER BY start_date ASC LIMIT 1
	`, tenant, CivilDate(afterEnd)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, NewCoreError(ErrPeriodState, "period", "", "no OPEN or REVIEW period found after %s to route the reversal into", CivilDate(afterEnd).Format("2006-01-02"))
		}
		return Period{}, fmt.Errorf("find next open period after %s: %w", CivilDate(afterEnd).Format("2006-01-02"), err)
	}
	return period, nil
}

// findOpenForPostingTx returns the period covering d if it accepts postings
// (OPEN or REVIEW), or a CoreError if the period is FINALIZED, LOCKED, or
// does not exist — the posting gate every Ledger write runs through.
func (p *PeriodControl) findOpenForPostingTx(ctx context.Context, tx pgx.Tx, tenant TenantID, d time.Time) (Period, error) {
	period, err := scanPeriod(tx.QueryRow(ctx, `
		SELECT `+periodColumns+` FROM periods
		WHERE tenant_id = $1 AND start_date <= $2 AND end_date >= $2
	`, tenant, CivilDate(d)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, NewCoreError(ErrPeriodState, "period", d.Format("2006-01-02"), "no period covers date %s", d.Format("2006-01-02"))
		}
		return Period{}, fmt.Errorf("find period for %s: %w", d.Format("2006-01-02"), err)
	}
	switch period.Status {
	case PeriodFinalized:
		logAlert(tenant, "period", fmt.Sprint(period.ID), "WARNING", "posting_rejected_period_gate")
		return Period{}, NewCoreError(ErrPeriodFinalized, "period", fmt.Sprint(period.ID), "period %s is finalized", period.Name)
	case PeriodLocked:
		logAlert(tenant, "period", fmt.Sprint(period.ID), "WARNING", "posting_rejected_period_gate")
		return Period{}, NewCoreError(ErrPeriodLocked, "period", fmt.Sprint(period.ID), "period %s is locked", period.Name)
	}
	return period, nil
}

// StartReview transitions OPEN → REVIEW, triggering a full consistency run.
func (p *PeriodControl) StartReview(ctx context.Context, cc CoreContext, periodID int, notes *string) (Period, ValidationRun, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Period{}, ValidationRun{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	period, err := scanPeriod(tx.QueryRow(ctx, "SELECT "+periodColumns+" FROM periods WHERE tenant_id = $1 AND id = $2 FOR UPDATE", cc.Tenant, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ValidationRun{}, NewCoreError(ErrValidationFailed, "period", fmt.Sprint(periodID), "period %d not found", periodID)
		}
		return Period{}, ValidationRun{}, fmt.Errorf("lock period: %w", err)
	}
	if period.Status != PeriodOpen {
		return Period{}, ValidationRun{}, NewCoreError(ErrPeriodState, "period", fmt.Sprint(periodID),
			"cannot start review: period is %s, only OPEN periods can enter REVIEW", period.Status)
	}

	run, err := p.consistency.runFullValidationTx(ctx, tx, cc)
	if err != nil {
		return Period{}, ValidationRun{}, err
	}

	now := cc.Clock.Now()
	fromStatus := period.Status
	period.Status = PeriodReview
	period.ReviewStartedAt = &now
	period.ReviewStartedBy = &cc.User

	if _, err := tx.Exec(ctx, `
		UPDATE periods SET status = $1, review_started_at = $2, review_started_by = $3 WHERE id = $4
	`, string(PeriodReview), now, cc.User, periodID); err != nil {
		return Period{}, ValidationRun{}, fmt.Errorf("update period status: %w", err)
	}

	if err := insertAuditLogTx(ctx, tx, cc, periodID, AuditReviewStart, fromStatus, PeriodReview, notes, nil); err != nil {
		return Period{}, ValidationRun{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Period{}, ValidationRun{}, fmt.Errorf("commit review start: %w", err)
	}
	return period, run, nil
}

// Finalize transitions OPEN/REVIEW → FINALIZED. All RED issues must already
// be resolved; every open YELLOW issue must appear in acknowledgedYellowIDs.
// A snapshot of every report is captured immutably, including a real VAT
// summary (the original implementation left this hardcoded to zero; this
// rework computes it — see design notes).
func (p *PeriodControl) Finalize(ctx context.Context, cc CoreContext, periodID int, acknowledgedYellowIDs []int, notes *string) (Period, PeriodSnapshot, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Period{}, PeriodSnapshot{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	period, err := scanPeriod(tx.QueryRow(ctx, "SELECT "+periodColumns+" FROM periods WHERE tenant_id = $1 AND id = $2 FOR UPDATE", cc.Tenant, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, PeriodSnapshot{}, NewCoreError(ErrValidationFailed, "period", fmt.Sprint(periodID), "period %d not found", periodID)
		}
		return Period{}, PeriodSnapshot{}, fmt.Errorf("lock period: %w", err)
	}
	if period.Status != PeriodOpen && period.Status != PeriodReview {
		return Period{}, PeriodSnapshot{}, NewCoreError(ErrPeriodState, "period", fmt.Sprint(periodID),
			"cannot finalize: period is %s, only OPEN or REVIEW periods can be finalized", period.Status)
	}

	issues, err := p.consistency.listUnresolvedForPeriodTx(ctx, tx, cc.Tenant, period)
	if err != nil {
		return Period{}, PeriodSnapshot{}, err
	}

	var redCount int
	acknowledged := make(map[int]bool, len(acknowledgedYellowIDs))
	for _, id := range acknowledgedYellowIDs {
		acknowledged[id] = true
	}
	var unacknowledged []int
	for _, issue := range issues {
		if issue.Severity == SeverityRed {
			redCount++
		} else if !acknowledged[issue.ID] {
			unacknowledged = append(unacknowledged, issue.ID)
		}
	}
	if redCount > 0 {
		return Period{}, PeriodSnapshot{}, NewCoreError(ErrFinalizationPrerequisite, "period", fmt.Sprint(periodID),
			"cannot finalize: %d RED issues must be resolved first", redCount)
	}
	if len(unacknowledged) > 0 {
		return Period{}, PeriodSnapshot{}, NewCoreError(ErrFinalizationPrerequisite, "period", fmt.Sprint(periodID),
			"cannot finalize: %d YELLOW issues require explicit acknowledgment", len(unacknowledged))
	}

	if acknowledgedYellowIDs == nil {
		// A nil slice is sent as NULL; the column is NOT NULL.
		acknowledgedYellowIDs = []int{}
	}
	snapshot, reportData, err := p.reports.buildSnapshotTx(ctx, tx, cc, period, issues, acknowledgedYellowIDs)
	if err != nil {
		return Period{}, PeriodSnapshot{}, fmt.Errorf("build snapshot: %w", err)
	}

	var snapshotID int
	err = tx.QueryRow(ctx, `
		INSERT INTO period_snapshots (tenant_id, period_id, created_at, created_by, report_data, acknowledged_yellow_ids)
		VALUES ($1, $2, NOW(), $3, $4, $5)
		RETURNING id
	`, cc.Tenant, periodID, cc.User, reportData, acknowledgedYellowIDs).Scan(&snapshotID)
	if err != nil {
		return Period{}, PeriodSnapshot{}, fmt.Errorf("insert period snapshot: %w", err)
	}
	snapshot.ID = snapshotID

	now := cc.Clock.Now()
	fromStatus := period.Status
	period.Status = PeriodFinalized
	period.FinalizedAt = &now
	period.FinalizedBy = &cc.User

	if _, err := tx.Exec(ctx, `
		UPDATE periods SET status = $1, finalized_at = $2, finalized_by = $3 WHERE id = $4
	`, string(PeriodFinalized), now, cc.User, periodID); err != nil {
		return Period{}, PeriodSnapshot{}, fmt.Errorf("update period status: %w", err)
	}

	if err := insertAuditLogTx(ctx, tx, cc, periodID, AuditFinalize, fromStatus, PeriodFinalized, notes, &snapshotID); err != nil {
		return Period{}, PeriodSnapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Period{}, PeriodSnapshot{}, fmt.Errorf("commit finalize: %w", err)
	}
	return period, snapshot, nil
}

// Lock transitions FINALIZED → LOCKED. Irreversible: once locked, not even
// reversals can post into this period.
func (p *PeriodControl) Lock(ctx context.Context, cc CoreContext, periodID int, notes *string) (Period, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Period{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	period, err := scanPeriod(tx.QueryRow(ctx, "SELECT "+periodColumns+" FROM periods WHERE tenant_id = $1 AND id = $2 FOR UPDATE", cc.Tenant, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, NewCoreError(ErrValidationFailed, "period", fmt.Sprint(periodID), "period %d not found", periodID)
		}
		return Period{}, fmt.Errorf("lock period: %w", err)
	}
	if period.Status != PeriodFinalized {
		return Period{}, NewCoreError(ErrPeriodState, "period", fmt.Sprint(periodID),
			"cannot lock: period is %s, only FINALIZED periods can be locked", period.Status)
	}

	now := cc.Clock.Now()
	fromStatus := period.Status
	period.Status = PeriodLocked
	period.LockedAt = &now
	period.LockedBy = &cc.User

	if _, err := tx.Exec(ctx, `
		UPDATE periods SET status = $1, locked_at = $2, locked_by = $3 WHERE id = $4
	`, string(PeriodLocked), now, cc.User, periodID); err != nil {
		return Period{}, fmt.Errorf("update period status: %w", err)
	}

	if err := insertAuditLogTx(ctx, tx, cc, periodID, AuditLock, fromStatus, PeriodLocked, notes, nil); err != nil {
		return Period{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Period{}, fmt.Errorf("commit lock: %w", err)
	}
	return period, nil
}

func insertAuditLogTx(ctx context.Context, tx pgx.Tx, cc CoreContext, periodID int, action PeriodAuditAction, from, to PeriodStatus, notes *string, snapshotID *int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO period_audit_logs (tenant_id, period_id, action, from_status, to_status, performed_by, performed_at, notes, snapshot_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cc.Tenant, periodID, string(action), string(from), string(to), cc.User, cc.Clock.Now(), notes, snapshotID)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// AuditLogs lists a period's audit trail, most recent first.
func (p *PeriodControl) AuditLogs(ctx context.Context, tenant TenantID, periodID int, limit int) ([]PeriodAuditLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, period_id, action, from_status, to_status, performed_by, performed_at, ip_address, user_agent, notes, snapshot_id
		FROM period_audit_logs
		WHERE tenant_id = $1 AND period_id = $2
		ORDER BY performed_at DESC
		LIMIT $3
	`, tenant, periodID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []PeriodAuditLog
	for rows.Next() {
		var l PeriodAuditLog
		var action, from, to string
		if err := rows.Scan(&l.ID, &l.Tenant, &l.PeriodID, &action, &from, &to, &l.PerformedBy, &l.PerformedAt, &l.IPAddress, &l.UserAgent, &l.Notes, &l.SnapshotID); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		l.Action = PeriodAuditAction(action)
		l.FromStatus = PeriodStatus(from)
		l.ToStatus = PeriodStatus(to)
		out = append(out, l)
	}
	return out, rows.Err()
}

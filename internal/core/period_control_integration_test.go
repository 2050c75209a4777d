package core_test

import (
	"context"
	"testing"
	"time"

	"ledgercore/internal/core"
)

func TestPeriodControl_FullLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ledger, _, period := newTestServices(pool)
	cc := testContext()
	// Pin today inside 2024-01 so the seeded receivables (due 2024-02-14)
	// are not overdue: overdue items raise issues that block Finalize.
	cc.Clock = fixedClock{now: time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	entry, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, 1))
	if err != nil {
		t.Fatalf("seed post failed: %v", err)
	}
	toLock, err := ledger.CreateAndPost(ctx, cc, salesDraft(t, 2))
	if err != nil {
		t.Fatalf("second seed post failed: %v", err)
	}

	reviewed, run, err := period.StartReview(ctx, cc, 1, nil)
	if err != nil {
		t.Fatalf("start review failed: %v", err)
	}
	if reviewed.Status != core.PeriodReview {
		t.Errorf("expected REVIEW status, got %s", reviewed.Status)
	}
	if run.Status != core.RunCompleted {
		t.Errorf("expected validation run to complete, got %s", run.Status)
	}

	finalized, snapshot, err := period.Finalize(ctx, cc, 1, nil, nil)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if finalized.Status != core.PeriodFinalized {
		t.Errorf("expected FINALIZED status, got %s", finalized.Status)
	}
	if snapshot.ID == 0 {
		t.Error("expected a persisted snapshot id")
	}

	// Posting into a finalized period must now fail.
	draft := salesDraft(t, 1)
	if _, err := ledger.CreateAndPost(ctx, cc, draft); err == nil {
		t.Fatal("expected posting into a FINALIZED period to be rejected")
	}

	// Reversing an entry whose period is now FINALIZED must still succeed —
	// the service routes the reversal into the next OPEN/REVIEW period
	// (here, 2024-02) rather than rejecting it outright.
	reversal, err := ledger.ReverseEntry(ctx, cc, entry.ID, nil, "correction after close")
	if err != nil {
		t.Fatalf("expected reversal of a FINALIZED-period entry to be routed into the next open period, got error: %v", err)
	}
	if reversal.EntryDate.Month() != 2 {
		t.Errorf("expected reversal to land in 2024-02, got entry date %s", reversal.EntryDate.Format("2006-01-02"))
	}

	locked, err := period.Lock(ctx, cc, 1, nil)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if locked.Status != core.PeriodLocked {
		t.Errorf("expected LOCKED status, got %s", locked.Status)
	}

	// Once the original entry's period is LOCKED (not just FINALIZED),
	// reversal must be rejected outright — there is no routing around a lock.
	if _, err := ledger.ReverseEntry(ctx, cc, toLock.ID, nil, "too late"); err == nil {
		t.Fatal("expected reversal of a LOCKED-period entry to be rejected")
	}

	if _, err := period.Finalize(ctx, cc, 1, nil, nil); err == nil {
		t.Fatal("expected re-finalizing a LOCKED period to be rejected")
	}
}

func TestPeriodControl_StartReview_RejectsNonOpenPeriod(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, _, period := newTestServices(pool)
	cc := testContext()
	ctx := context.Background()

	if _, _, err := period.StartReview(ctx, cc, 1, nil); err != nil {
		t.Fatalf("first start review failed: %v", err)
	}
	if _, _, err := period.StartReview(ctx, cc, 1, nil); err == nil {
		t.Fatal("expected starting review on an already-REVIEW period to be rejected")
	}
}

func TestPeriodControl_AuditLogRecordsEveryTransition(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, _, period := newTestServices(pool)
	cc := testContext()
	ctx := context.Background()

	if _, _, err := period.StartReview(ctx, cc, 1, nil); err != nil {
		t.Fatalf("start review failed: %v", err)
	}
	if _, _, err := period.Finalize(ctx, cc, 1, nil, nil); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := period.Lock(ctx, cc, 1, nil); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	logs, err := period.AuditLogs(ctx, cc.Tenant, 1, 10)
	if err != nil {
		t.Fatalf("audit logs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit log entries (review, finalize, lock), got %d", len(logs))
	}
	// Most recent first.
	if logs[0].Action != core.AuditLock {
		t.Errorf("expected most recent entry to be LOCK, got %s", logs[0].Action)
	}
	if logs[2].Action != core.AuditReviewStart {
		t.Errorf("expected oldest entry to be REVIEW_START, got %s", logs[2].Action)
	}
}

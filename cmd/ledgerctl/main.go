// ledgerctl is a one-shot CLI exercising the core ledger operations
// directly against DATABASE_URL, the way cmd/app exercised the source's
// Ledger/OrderService/InventoryService without going through the web
// adapter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ledgercore/internal/core"
	"ledgercore/internal/db"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		log.Fatal("Usage: ledgerctl <balance|post|reverse|allocate|start-review|finalize|lock|validate|bank-import|bank-propose|bank-accept> ...")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	coa := core.NewChartOfAccounts(pool)
	reports := core.NewReports(pool)
	consistency := core.NewConsistencyEngine(pool)
	period := core.NewPeriodControl(pool, consistency, reports)
	ledger := core.NewLedger(pool, coa, period)
	subledger := core.NewSubledger(pool)
	bank := core.NewBankReconciliation(pool, ledger, coa)

	tenant, role := callerFromEnv()
	cc := core.CoreContext{Tenant: tenant, User: core.UserID(1), Role: role, Clock: core.SystemClock{}}

	switch os.Args[1] {
	case "balance", "bal":
		printTrialBalance(mustReports(reports.TrialBalance(ctx, cc.Tenant, time.Time{})))

	case "post":
		var draft core.EntryDraft
		if err := json.NewDecoder(os.Stdin).Decode(&draft); err != nil {
			log.Fatalf("invalid entry draft JSON: %v", err)
		}
		entry, err := ledger.CreateAndPost(ctx, cc, draft)
		if err != nil {
			log.Fatalf("post failed: %v", err)
		}
		fmt.Printf("Posted entry %s (id %d)\n", entry.EntryNumber, entry.ID)

	case "reverse":
		if len(os.Args) < 3 {
			log.Fatal("Usage: ledgerctl reverse <entry-id> [\"reason\"] [reversal-date YYYY-MM-DD]")
		}
		entryID, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid entry id: %v", err)
		}
		reason := "manual reversal"
		if len(os.Args) >= 4 {
			reason = os.Args[3]
		}
		var reversalDate *time.Time
		if len(os.Args) >= 5 {
			d, err := time.Parse("2006-01-02", os.Args[4])
			if err != nil {
				log.Fatalf("invalid reversal date: %v", err)
			}
			reversalDate = &d
		}
		// The requested date is only a hint: if the original entry's period
		// is FINALIZED, ReverseEntry routes into the next OPEN/REVIEW period.
		reversal, err := ledger.ReverseEntry(ctx, cc, entryID, reversalDate, reason)
		if err != nil {
			log.Fatalf("reverse failed: %v", err)
		}
		fmt.Printf("Reversed entry %d with %s (id %d), dated %s\n", entryID, reversal.EntryNumber, reversal.ID, reversal.EntryDate.Format("2006-01-02"))

	case "allocate":
		if len(os.Args) < 5 {
			log.Fatal("Usage: ledgerctl allocate <open-item-id> <payment-entry-id> <amount>")
		}
		itemID, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid open item id: %v", err)
		}
		paymentEntryID, err := strconv.Atoi(os.Args[3])
		if err != nil {
			log.Fatalf("invalid payment entry id: %v", err)
		}
		amount, err := core.ParseMoney(os.Args[4])
		if err != nil {
			log.Fatalf("invalid amount: %v", err)
		}
		alloc, err := subledger.Allocate(ctx, cc, itemID, paymentEntryID, amount)
		if err != nil {
			log.Fatalf("allocate failed: %v", err)
		}
		fmt.Printf("Allocated %s against open item %d (allocation id %d)\n", alloc.AllocatedAmount, itemID, alloc.ID)

	case "start-review":
		periodID := mustPeriodID(os.Args)
		_, run, err := period.StartReview(ctx, cc, periodID, nil)
		if err != nil {
			log.Fatalf("start review failed: %v", err)
		}
		fmt.Printf("Period %d entered REVIEW; validation run %d found %d issues\n", periodID, run.ID, run.IssuesFound)

	case "finalize":
		periodID := mustPeriodID(os.Args)
		acknowledged := parseIntList(os.Args[3:])
		_, snapshot, err := period.Finalize(ctx, cc, periodID, acknowledged, nil)
		if err != nil {
			log.Fatalf("finalize failed: %v", err)
		}
		fmt.Printf("Period %d FINALIZED; snapshot %d captured\n", periodID, snapshot.ID)

	case "lock":
		periodID := mustPeriodID(os.Args)
		if _, err := period.Lock(ctx, cc, periodID, nil); err != nil {
			log.Fatalf("lock failed: %v", err)
		}
		fmt.Printf("Period %d LOCKED\n", periodID)

	case "validate":
		run, err := consistency.RunFullValidation(ctx, cc)
		if err != nil {
			log.Fatalf("validation failed: %v", err)
		}
		fmt.Printf("Validation run %d completed: %d issue(s) found\n", run.ID, run.IssuesFound)

	case "bank-import":
		if len(os.Args) < 3 {
			log.Fatal("Usage: ledgerctl bank-import <bank-account-id> < statement.json")
		}
		accountID, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid bank account id: %v", err)
		}
		var raws []core.RawBankTransaction
		if err := json.NewDecoder(os.Stdin).Decode(&raws); err != nil {
			log.Fatalf("invalid statement JSON: %v", err)
		}
		// Content-hash dedup (computeImportHash) is what actually prevents a
		// double import; this batch id only correlates one invocation's log
		// lines when a statement file is retried after a partial failure.
		batchID := uuid.NewString()
		log.Printf("bank-import batch %s: importing %d statement line(s)", batchID, len(raws))
		count, err := bank.Import(ctx, cc, accountID, raws)
		if err != nil {
			log.Fatalf("bank-import batch %s failed: %v", batchID, err)
		}
		fmt.Printf("Imported %d new transaction(s) (batch %s)\n", count, batchID)

	case "bank-propose":
		txID := mustArgInt(os.Args, 2, "ledgerctl bank-propose <bank-tx-id>")
		proposals, err := bank.GenerateProposals(ctx, cc.Tenant, txID)
		if err != nil {
			log.Fatalf("propose failed: %v", err)
		}
		for _, p := range proposals {
			fmt.Printf("  [%s] %s entity %d confidence %d — %s\n", p.RuleType, p.EntityType, p.EntityID, p.Confidence, p.Reason)
		}

	case "bank-accept":
		txID := mustArgInt(os.Args, 2, "ledgerctl bank-accept <bank-tx-id> <OPEN_ITEM|ENTRY> <entity-id>")
		if len(os.Args) < 5 {
			log.Fatal("Usage: ledgerctl bank-accept <bank-tx-id> <OPEN_ITEM|ENTRY> <entity-id>")
		}
		entityType := core.MatchedEntityType(strings.ToUpper(os.Args[3]))
		entityID, err := strconv.Atoi(os.Args[4])
		if err != nil {
			log.Fatalf("invalid entity id: %v", err)
		}
		entry, err := bank.ApplyMatch(ctx, cc, txID, entityType, entityID)
		if err != nil {
			log.Fatalf("accept failed: %v", err)
		}
		if entry != nil {
			fmt.Printf("Matched; posted entry %s (id %d)\n", entry.EntryNumber, entry.ID)
		} else {
			fmt.Println("Matched.")
		}

	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}

func callerFromEnv() (core.TenantID, core.Role) {
	tenantID := 1
	if v := os.Getenv("LEDGERCTL_TENANT_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tenantID = n
		}
	}
	role := core.RoleAccountant
	if v := os.Getenv("LEDGERCTL_ROLE"); v != "" {
		role = core.Role(v)
	}
	return core.TenantID(tenantID), role
}

func mustPeriodID(args []string) int {
	if len(args) < 3 {
		log.Fatal("missing <period-id> argument")
	}
	id, err := strconv.Atoi(args[2])
	if err != nil {
		log.Fatalf("invalid period id: %v", err)
	}
	return id
}

func mustArgInt(args []string, index int, usage string) int {
	if len(args) <= index {
		log.Fatalf("Usage: %s", usage)
	}
	n, err := strconv.Atoi(args[index])
	if err != nil {
		log.Fatalf("invalid integer argument %q: %v", args[index], err)
	}
	return n
}

func parseIntList(args []string) []int {
	var out []int
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			log.Fatalf("invalid issue id %q: %v", a, err)
		}
		out = append(out, n)
	}
	return out
}

func mustReports(lines []core.TrialBalanceLine, err error) []core.TrialBalanceLine {
	if err != nil {
		log.Fatalf("trial balance failed: %v", err)
	}
	return lines
}

func printTrialBalance(lines []core.TrialBalanceLine) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 62))
	fmt.Printf("  %-58s\n", "TRIAL BALANCE")
	fmt.Println(strings.Repeat("=", 62))
	fmt.Printf("  %-10s %-30s %10s %10s\n", "CODE", "NAME", "DEBIT", "CREDIT")
	fmt.Println(strings.Repeat("-", 62))
	for _, l := range lines {
		fmt.Printf("  %-10s %-30s %10s %10s\n", l.AccountCode, l.AccountName, l.Debit.String(), l.Credit.String())
	}
	fmt.Println(strings.Repeat("=", 62))
}

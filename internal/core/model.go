package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Chart of accounts ────────────────────────────────────────────────────────

type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
)

// ControlType marks an account as a control account backed by a subledger.
type ControlType string

const (
	ControlAR   ControlType = "AR"
	ControlAP   ControlType = "AP"
	ControlBank ControlType = "BANK"
	ControlVAT  ControlType = "VAT"
)

type Account struct {
	ID          int
	Tenant      TenantID
	Code        string
	Name        string
	Type        AccountType
	IsControl   bool
	ControlType *ControlType
	IsActive    bool
}

// IsDebitNormal reports whether this account's normal balance is a debit
// balance (Assets, Expenses) as opposed to a credit balance (Liabilities,
// Equity, Revenue) — spec.md §4.C "balance" operation.
func (a Account) IsDebitNormal() bool {
	return a.Type == AccountAsset || a.Type == AccountExpense
}

// ── VAT codes ────────────────────────────────────────────────────────────────

type VatCategory string

const (
	VatStandard      VatCategory = "STANDARD"
	VatReduced       VatCategory = "REDUCED"
	VatZero          VatCategory = "ZERO"
	VatExempt        VatCategory = "EXEMPT"
	VatReverseCharge VatCategory = "REVERSE_CHARGE"
	VatICP           VatCategory = "ICP"
)

type VatCode struct {
	ID              int
	Tenant          TenantID
	Code            string
	Rate            decimal.Decimal // percent, exact — 21.00 means 21%
	Category        VatCategory
	IsReverseCharge bool
	IsICP           bool
	SalesAccount    *string // account code
	PurchaseAccount *string // account code
}

// ── Parties (tagged CUSTOMER/SUPPLIER, replacing duck-typed strings) ────────

type PartyType string

const (
	PartyCustomer PartyType = "CUSTOMER"
	PartySupplier PartyType = "SUPPLIER"
)

type Party struct {
	ID               int
	Tenant           TenantID
	Type             PartyType
	Name             string
	TaxNumber        *string
	PaymentTermsDays int
	DefaultAccount   *string
	IsActive         bool
}

// ── Journal ──────────────────────────────────────────────────────────────────

type EntryStatus string

const (
	StatusDraft    EntryStatus = "DRAFT"
	StatusPosted   EntryStatus = "POSTED"
	StatusReversed EntryStatus = "REVERSED"
)

// SourceType tags which subsystem originated an entry — the tagged-sum
// replacement for the source's stringly-typed "source_type" dispatch
// (design note: "Duck-typed cross-references → tagged variants").
type SourceType string

const (
	SourceManual       SourceType = "MANUAL"
	SourceDocument     SourceType = "DOCUMENT"
	SourceReversal     SourceType = "REVERSAL"
	SourceDepreciation SourceType = "DEPRECIATION"
	SourceBankPayment  SourceType = "BANK_PAYMENT"
	SourceBankExpense  SourceType = "BANK_EXPENSE"
)

type JournalEntry struct {
	ID          int
	Tenant      TenantID
	PeriodID    *int
	DocumentID  *string
	EntryNumber string
	EntryDate   time.Time
	Description string
	Reference   *string
	Status      EntryStatus
	Source      SourceType
	SourceID    *string
	ReversesID  *int
	ReversedByID *int
	PostedAt    *time.Time
	PostedBy    *UserID
	Lines       []JournalLine
}

// TotalDebit sums the debit side of the entry.
func (e JournalEntry) TotalDebit() Money {
	total := Zero
	for _, l := range e.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

// TotalCredit sums the credit side of the entry.
func (e JournalEntry) TotalCredit() Money {
	total := Zero
	for _, l := range e.Lines {
		total = total.Add(l.Credit)
	}
	return total
}

// IsBalanced reports whether debits equal credits exactly.
func (e JournalEntry) IsBalanced() bool {
	return e.TotalDebit().Equal(e.TotalCredit())
}

type JournalLine struct {
	ID          int
	EntryID     int
	AccountID   int
	AccountCode string
	LineNo      int
	Description *string
	Debit       Money
	Credit      Money
	VatCodeID   *int
	VatAmount   *Money
	VatBase     *Money
	VatCountry  *string
	IsReverseCharge bool
	PartyType   *PartyType
	PartyID     *int
}

// SignedAmount returns the debit amount as positive, the credit amount as
// negative — the convention used to compute open-item amounts.
func (l JournalLine) SignedAmount() Money {
	return l.Debit.Sub(l.Credit)
}

// LineDraft is an unsaved journal line produced by the VAT engine or any
// other component that builds balanced line sets before the Ledger Core
// persists them. It plays the role the source's Proposal/ProposalLine
// played for the AI agent, generalized to every line-producing component
// (design note: these are NOT the AI agent's Proposal type, which did not
// survive the transformation — see DESIGN.md).
type LineDraft struct {
	AccountCode     string
	Debit           Money
	Credit          Money
	Description     string
	VatCodeID       *int
	VatAmount       *Money
	VatBase         *Money
	VatCountry      *string
	IsReverseCharge bool
	PartyType       *PartyType
	PartyID         *int
}

// EntryDraft is an unsaved journal entry: a balanced set of LineDrafts plus
// header fields, ready for Ledger.CreateEntry.
type EntryDraft struct {
	EntryDate   time.Time
	Description string
	Reference   *string
	Source      SourceType
	SourceID    *string
	DocumentID  *string
	Lines       []LineDraft
}

// TotalDebit/TotalCredit mirror JournalEntry's for pre-persistence balance
// checks in the VAT engine and callers building drafts.
func (d EntryDraft) TotalDebit() Money {
	total := Zero
	for _, l := range d.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

func (d EntryDraft) TotalCredit() Money {
	total := Zero
	for _, l := range d.Lines {
		total = total.Add(l.Credit)
	}
	return total
}

// ── Subledger ────────────────────────────────────────────────────────────────

type OpenItemType string

const (
	ItemReceivable OpenItemType = "RECEIVABLE"
	ItemPayable    OpenItemType = "PAYABLE"
)

type OpenItemStatus string

const (
	OpenItemOpen        OpenItemStatus = "OPEN"
	OpenItemPartial     OpenItemStatus = "PARTIAL"
	OpenItemPaid        OpenItemStatus = "PAID"
	OpenItemWrittenOff  OpenItemStatus = "WRITTEN_OFF"
)

type OpenItem struct {
	ID              int
	Tenant          TenantID
	PartyID         int
	EntryID         int
	LineID          int
	ItemType        OpenItemType
	DocumentNumber  *string
	DocumentDate    time.Time
	DueDate         time.Time
	OriginalAmount  Money
	PaidAmount      Money
	OpenAmount      Money
	Currency        string
	Status          OpenItemStatus
}

type OpenItemAllocation struct {
	ID              int
	OpenItemID      int
	PaymentEntryID  int
	AllocatedAmount Money
	AllocationDate  time.Time
}

// ── Fixed assets ─────────────────────────────────────────────────────────────

type DepreciationMethod string

const (
	MethodStraightLine DepreciationMethod = "STRAIGHT_LINE"
)

type AssetStatus string

const (
	AssetActive          AssetStatus = "ACTIVE"
	AssetDisposed        AssetStatus = "DISPOSED"
	AssetFullyDepreciated AssetStatus = "FULLY_DEPRECIATED"
)

type FixedAsset struct {
	ID                     int
	Tenant                 TenantID
	Code                   string
	Name                   string
	AcquisitionDate        time.Time
	AcquisitionCost        Money
	ResidualValue          Money
	UsefulLifeMonths       int
	Method                 DepreciationMethod
	AssetAccount           string
	DepreciationAccount    string
	ExpenseAccount         string
	AccumulatedDepreciation Money
	BookValue              Money
	Status                 AssetStatus
}

type DepreciationSchedule struct {
	ID                      int
	AssetID                 int
	PeriodDate              time.Time
	DepreciationAmount      Money
	AccumulatedDepreciation Money
	BookValueEnd            Money
	EntryID                 *int
	IsPosted                bool
	PostedAt                *time.Time
}

// ── Period control ───────────────────────────────────────────────────────────

type PeriodType string

const (
	PeriodMonth   PeriodType = "MONTH"
	PeriodQuarter PeriodType = "QUARTER"
	PeriodYear    PeriodType = "YEAR"
)

type PeriodStatus string

const (
	PeriodOpen       PeriodStatus = "OPEN"
	PeriodReview     PeriodStatus = "REVIEW"
	PeriodFinalized  PeriodStatus = "FINALIZED"
	PeriodLocked     PeriodStatus = "LOCKED"
)

type Period struct {
	ID               int
	Tenant           TenantID
	Name             string
	Type             PeriodType
	StartDate        time.Time
	EndDate          time.Time
	Status           PeriodStatus
	ReviewStartedAt  *time.Time
	ReviewStartedBy  *UserID
	FinalizedAt      *time.Time
	FinalizedBy      *UserID
	LockedAt         *time.Time
	LockedBy         *UserID
}

// Contains reports whether d falls within [StartDate, EndDate].
func (p Period) Contains(d time.Time) bool {
	d = CivilDate(d)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

type VATSummary struct {
	PeriodStart   time.Time
	PeriodEnd     time.Time
	VATPayable    Money
	VATReceivable Money
	NetVAT        Money
}

// PeriodSnapshot is the immutable copy of every report captured at
// finalization — spec.md §3, resolved per SPEC_FULL.md §4.H (VAT summary
// is computed, not zeroed).
type PeriodSnapshot struct {
	ID                    int
	PeriodID              int
	Tenant                TenantID
	CreatedAt             time.Time
	CreatedBy             UserID
	TrialBalance          []TrialBalanceLine
	BalanceSheet          BalanceSheetReport
	ProfitAndLoss         ProfitAndLossReport
	VATSummary            VATSummary
	AgingReceivable       AgingReport
	AgingPayable          AgingReport
	AcknowledgedYellowIDs []int
	IssueSummary          IssueSummary
}

type IssueSummary struct {
	TotalIssues int
	RedCount    int
	YellowCount int
}

type PeriodAuditAction string

const (
	AuditReviewStart PeriodAuditAction = "REVIEW_START"
	AuditReopen      PeriodAuditAction = "REOPEN"
	AuditFinalize    PeriodAuditAction = "FINALIZE"
	AuditLock        PeriodAuditAction = "LOCK"
)

type PeriodAuditLog struct {
	ID          int
	PeriodID    int
	Tenant      TenantID
	Action      PeriodAuditAction
	FromStatus  PeriodStatus
	ToStatus    PeriodStatus
	PerformedBy UserID
	PerformedAt time.Time
	IPAddress   *string
	UserAgent   *string
	Notes       *string
	SnapshotID  *int
}

// ── Consistency engine ───────────────────────────────────────────────────────

type IssueSeverity string

const (
	SeverityRed    IssueSeverity = "RED"
	SeverityYellow IssueSeverity = "YELLOW"
)

type IssueCode string

const (
	IssueJournalUnbalanced      IssueCode = "JOURNAL_UNBALANCED"
	IssueOrphanLine             IssueCode = "ORPHAN_LINE"
	IssueMissingAccount         IssueCode = "MISSING_ACCOUNT"
	IssueARReconMismatch        IssueCode = "AR_RECON_MISMATCH"
	IssueAPReconMismatch        IssueCode = "AP_RECON_MISMATCH"
	IssueOverdueReceivable      IssueCode = "OVERDUE_RECEIVABLE"
	IssueOverduePayable         IssueCode = "OVERDUE_PAYABLE"
	IssueDepreciationNotPosted  IssueCode = "DEPRECIATION_NOT_POSTED"
	IssueDepreciationMismatch   IssueCode = "DEPRECIATION_MISMATCH"
	IssueVatRateMismatch        IssueCode = "VAT_RATE_MISMATCH"
	IssueVatNegative            IssueCode = "VAT_NEGATIVE"
)

type EntityRef struct {
	DocumentID string
	EntryID    int
	AccountID  int
	AssetID    int
	PartyID    int
	OpenItemID int
}

type Issue struct {
	ID                int
	Tenant            TenantID
	Code              IssueCode
	Severity          IssueSeverity
	Title             string
	Description       string
	Why               string
	SuggestedAction   string
	Entity            EntityRef
	AmountDiscrepancy *Money
	IsResolved        bool
	ResolvedAt        *time.Time
	ResolvedBy        *UserID
}

type ValidationRunStatus string

const (
	RunRunning   ValidationRunStatus = "RUNNING"
	RunCompleted ValidationRunStatus = "COMPLETED"
	RunFailed    ValidationRunStatus = "FAILED"
)

type ValidationRun struct {
	ID           int
	Tenant       TenantID
	Status       ValidationRunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	IssuesFound  int
	ErrorMessage *string
}

// ── Bank reconciliation ──────────────────────────────────────────────────────

// BankAccount links an IBAN to the GL bank control account it settles
// against; BankTransaction.AccountID refers to this, not to accounts
// directly, since one GL bank account can have several statement feeds.
type BankAccount struct {
	ID         int
	Tenant     TenantID
	Name       string
	IBAN       string
	GLAccount  string // account code, control_type=BANK
	Currency   string
}

type BankTxStatus string

const (
	BankTxNew         BankTxStatus = "NEW"
	BankTxMatched     BankTxStatus = "MATCHED"
	BankTxIgnored     BankTxStatus = "IGNORED"
	BankTxNeedsReview BankTxStatus = "NEEDS_REVIEW"
)

// MatchedEntityType is the tagged-sum replacement for the source's
// "entity_type" string dispatch on a bank match target.
type MatchedEntityType string

const (
	MatchEntityOpenItem MatchedEntityType = "OPEN_ITEM"
	MatchEntityEntry    MatchedEntityType = "ENTRY"
)

type BankTransaction struct {
	ID                int
	Tenant            TenantID
	AccountID         int
	BookingDate       time.Time
	Amount            Money // signed: positive = inbound credit, negative = outbound debit
	Currency          string
	CounterpartyName  *string
	CounterpartyIBAN  *string
	Description       string
	Reference         *string
	ImportHash        string
	Status            BankTxStatus
	MatchedEntityType *MatchedEntityType
	MatchedEntityID   *int
}

type MatchRuleType string

const (
	RuleInvoiceNumber  MatchRuleType = "INVOICE_NUMBER"
	RuleAmountExact    MatchRuleType = "AMOUNT_EXACT"
	RuleIBANRecurring  MatchRuleType = "IBAN_RECURRING"
	RuleAmountTolerance MatchRuleType = "AMOUNT_TOLERANCE"
)

type ProposalStatus string

const (
	ProposalSuggested ProposalStatus = "SUGGESTED"
	ProposalAccepted  ProposalStatus = "ACCEPTED"
	ProposalRejected  ProposalStatus = "REJECTED"
	ProposalExpired   ProposalStatus = "EXPIRED"
)

type MatchProposal struct {
	ID             int
	Tenant         TenantID
	BankTxID       int
	EntityType     MatchedEntityType
	EntityID       int
	Confidence     int
	Reason         string
	MatchedAmount  *Money
	MatchedDate    *time.Time
	RuleType       MatchRuleType
	Status         ProposalStatus
}

type ReconciliationActionType string

const (
	ActionAccept       ReconciliationActionType = "ACCEPT"
	ActionIgnore       ReconciliationActionType = "IGNORE"
	ActionCreateExpense ReconciliationActionType = "CREATE_EXPENSE"
	ActionUnmatch      ReconciliationActionType = "UNMATCH"
)

type ReconciliationAction struct {
	ID       int
	Tenant   TenantID
	User     UserID
	TxID     int
	Action   ReconciliationActionType
	Payload  string
	At       time.Time
}

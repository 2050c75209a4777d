package core

import "time"

// TenantID identifies a bookkeeping administration. Every query and every
// mutation in the core carries a TenantID; a service method that accepts
// raw data without one is a defect (design note: "Global state → injected
// context").
type TenantID int

// UserID identifies the actor performing an operation, for audit trails.
type UserID int

// Role is the caller's role, supplied by the identity collaborator
// (spec.md §6) — the core never queries identity tables itself.
type Role string

const (
	RoleZZP        Role = "zzp"
	RoleAccountant Role = "accountant"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Clock abstracts "now" so tests can fix time instead of depending on the
// wall clock. Calendar dates flowing through the core are civil dates
// (UTC, time-of-day stripped) per spec.md §4.A.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CivilDate truncates t to a UTC calendar date with no time-of-day
// component, as the spec requires ("calendar dates are civil dates
// without time zones").
func CivilDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CoreContext is the explicit request-scoped context threaded into every
// service operation, replacing the source's process-wide mutable
// singletons (design note: "Global state → injected context").
type CoreContext struct {
	Tenant TenantID
	User   UserID
	Role   Role
	Clock  Clock
}

// Today returns the caller's current civil date.
func (c CoreContext) Today() time.Time {
	return CivilDate(c.Clock.Now())
}

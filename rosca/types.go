/*
Package rosca implements the cycle and eligibility engine of a rotating
savings and credit association.

PURPOSE:
  A group of members contributes a fixed amount on a fixed cadence into a
  shared pool. Each cycle the pool is released to exactly one eligible
  member, following the payout order, until every member has received
  exactly one payout. Then the group locks for good.

KEY CONCEPTS IN THIS FILE (types.go):
  - Group: contribution terms, current cycle, lock flag, payout order
  - Member: (group, user) membership with soft-delete flag and position
  - Contribution: one member's payment for one cycle
  - Payout: the pool released to one member for one cycle

DESIGN PRINCIPLES:
  1. Single source of truth: every rule is evaluated here, nowhere else
  2. Rejections are values: callers switch on Reason, never on messages
  3. No I/O: the engine reads and writes through Repository and returns
     domain events instead of notifying anyone

SEE ALSO:
  - membership.go, contributions.go: the two ledgers
  - order.go: payout order resolution
  - cycle.go: the cycle state machine
  - rules.go: composite checks for the REST layer
  - engine.go: transactional orchestration over a Repository
*/
package rosca

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GroupID string
type UserID string

// =============================================================================
// FREQUENCY
// =============================================================================

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "bi-weekly"
	FrequencyMonthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Next returns the due date one period after from.
// Monthly cadence follows the calendar (Jan 31 + 1 month normalizes like time.AddDate).
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiWeekly:
		return from.AddDate(0, 0, 14)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from
	}
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency %q", s)
	}
	return f, nil
}

// =============================================================================
// GROUP
// =============================================================================

// Group holds the contribution terms and rotation state.
//
// INVARIANTS:
//   - CurrentCycle starts at 1 and never decreases.
//   - IsLocked only goes false -> true.
type Group struct {
	ID                 GroupID
	Name               string
	Description        string
	AdminID            UserID
	ContributionAmount Money
	Currency           string
	Frequency          Frequency
	MaxMembers         int
	CurrentCycle       int
	IsLocked           bool
	// PayoutOrder is optional. Empty means join order.
	PayoutOrder    []UserID
	NextPaymentDue time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (g Group) HasPayoutOrder() bool { return len(g.PayoutOrder) > 0 }

// =============================================================================
// MEMBER
// =============================================================================

// Member is identified by (GroupID, UserID). Removed members stay in the
// ledger with IsActive=false so cycle history keeps its references.
type Member struct {
	GroupID           GroupID
	UserID            UserID
	IsActive          bool
	ReputationScore   int
	PayoutPosition    int
	HasReceivedPayout bool
	JoinedAt          time.Time
}

// =============================================================================
// CONTRIBUTION
// =============================================================================

type ContributionStatus string

const (
	ContributionPending ContributionStatus = "pending"
	ContributionPaid    ContributionStatus = "paid"
	ContributionLate    ContributionStatus = "late"
	ContributionMissed  ContributionStatus = "missed"
)

// Contribution is logically unique per (GroupID, UserID, CycleNumber).
// Once Status is paid the record never changes again.
type Contribution struct {
	ID          string
	GroupID     GroupID
	UserID      UserID
	CycleNumber int
	Amount      Money
	Status      ContributionStatus
	PaidAt      *time.Time
	DueDate     time.Time
	CreatedAt   time.Time
}

func (c Contribution) IsPaid() bool { return c.Status == ContributionPaid }

// =============================================================================
// PAYOUT
// =============================================================================

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// Payout is at most one per (GroupID, CycleNumber).
// Amount is the sum of the cycle's paid contributions.
type Payout struct {
	ID            string
	GroupID       GroupID
	UserID        UserID
	CycleNumber   int
	Amount        Money
	Status        PayoutStatus
	TransactionID string
	SettledAt     *time.Time
	CreatedAt     time.Time
}

func (p Payout) IsFinal() bool { return p.Status == PayoutCompleted || p.Status == PayoutFailed }

package rosca

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONTRIBUTION LEDGER
// =============================================================================

// ContributionsFor returns the contributions recorded for cycle.
func ContributionsFor(contributions []Contribution, cycle int) []Contribution {
	var out []Contribution
	for _, c := range contributions {
		if c.CycleNumber == cycle {
			out = append(out, c)
		}
	}
	return out
}

// PaidCount counts paid contributions for cycle.
func PaidCount(contributions []Contribution, cycle int) int {
	n := 0
	for _, c := range contributions {
		if c.CycleNumber == cycle && c.IsPaid() {
			n++
		}
	}
	return n
}

// PaidTotal sums the paid contributions for cycle. This is the payout pool.
func PaidTotal(contributions []Contribution, cycle int) Money {
	total := Zero
	for _, c := range contributions {
		if c.CycleNumber == cycle && c.IsPaid() {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// RecordContribution validates and builds the paid record for
// (group, userID, cycle).
//
// Validation order (first failure wins):
//  1. group not locked            -> GroupLocked
//  2. member is active            -> NotActiveMember
//  3. amount == ContributionAmount -> AmountMismatch
//  4. no paid record for the key  -> DuplicatePaid
//  5. cycle is the current cycle  -> CycleMismatch
//
// An existing pending/late/missed record for the same key is reused, so the
// store sees a status transition rather than a second row. Recording does
// not evaluate payout eligibility; call CyclePhase afterwards.
func RecordContribution(g Group, members []Member, contributions []Contribution, userID UserID, cycle int, amount Money, now time.Time) (Contribution, error) {
	if g.IsLocked {
		return Contribution{}, reject(ErrGroupLocked, g.ID, userID, cycle, "group is not accepting contributions")
	}
	if _, ok := FindActiveMember(members, userID); !ok {
		return Contribution{}, reject(ErrNotActiveMember, g.ID, userID, cycle, "")
	}
	if !amount.Equal(g.ContributionAmount) {
		return Contribution{}, reject(ErrAmountMismatch, g.ID, userID, cycle,
			"contribution must be exactly %s %s, got %s", g.Currency, g.ContributionAmount, amount)
	}

	var existing *Contribution
	paid := 0
	for i := range contributions {
		c := contributions[i]
		if c.UserID != userID || c.CycleNumber != cycle {
			continue
		}
		if c.IsPaid() {
			paid++
		} else if existing == nil {
			existing = &contributions[i]
		}
	}
	if paid > 1 {
		return Contribution{}, &IntegrityError{
			Check:   "duplicate_paid_contribution",
			GroupID: g.ID,
			Detail:  fmt.Sprintf("%d paid contributions for %s in cycle %d", paid, userID, cycle),
		}
	}
	if paid == 1 {
		return Contribution{}, reject(ErrDuplicatePaid, g.ID, userID, cycle, "cycle %d", cycle)
	}
	if cycle != g.CurrentCycle {
		return Contribution{}, reject(ErrCycleMismatch, g.ID, userID, cycle, "current cycle is %d", g.CurrentCycle)
	}

	paidAt := now
	if existing != nil {
		c := *existing
		c.Amount = amount
		c.Status = ContributionPaid
		c.PaidAt = &paidAt
		return c, nil
	}
	return Contribution{
		ID:          uuid.NewString(),
		GroupID:     g.ID,
		UserID:      userID,
		CycleNumber: cycle,
		Amount:      amount,
		Status:      ContributionPaid,
		PaidAt:      &paidAt,
		DueDate:     g.NextPaymentDue,
		CreatedAt:   now,
	}, nil
}

// MarkMissed returns the records to persist as missed for every active member
// without a paid contribution in the group's current cycle. Members already
// marked missed are skipped, so a second call yields nothing.
func MarkMissed(g Group, members []Member, contributions []Contribution, now time.Time) []Contribution {
	cycle := g.CurrentCycle
	byUser := make(map[UserID]Contribution)
	for _, c := range ContributionsFor(contributions, cycle) {
		prev, seen := byUser[c.UserID]
		if !seen || (!prev.IsPaid() && c.IsPaid()) {
			byUser[c.UserID] = c
		}
	}

	var out []Contribution
	for _, m := range ActiveMembers(members) {
		c, ok := byUser[m.UserID]
		switch {
		case ok && (c.IsPaid() || c.Status == ContributionMissed):
			continue
		case ok:
			c.Status = ContributionMissed
			out = append(out, c)
		default:
			out = append(out, Contribution{
				ID:          uuid.NewString(),
				GroupID:     g.ID,
				UserID:      m.UserID,
				CycleNumber: cycle,
				Amount:      g.ContributionAmount,
				Status:      ContributionMissed,
				DueDate:     g.NextPaymentDue,
				CreatedAt:   now,
			})
		}
	}
	return out
}

// checkContributions reports more than one paid record per (user, cycle).
func checkContributions(groupID GroupID, contributions []Contribution) error {
	type key struct {
		user  UserID
		cycle int
	}
	seen := make(map[key]bool)
	for _, c := range contributions {
		if !c.IsPaid() {
			continue
		}
		k := key{c.UserID, c.CycleNumber}
		if seen[k] {
			return &IntegrityError{
				Check:   "duplicate_paid_contribution",
				GroupID: groupID,
				Detail:  fmt.Sprintf("user %s cycle %d", c.UserID, c.CycleNumber),
			}
		}
		seen[k] = true
	}
	return nil
}

/*
cycle.go - The cycle state machine

STATES:
  Open(n)           members are contributing for cycle n
  PayoutEligible(n) every active member has paid for cycle n
  Complete          every active member has been paid out; group locked
  Closed            the admin locked the group before the rotation ended

TRANSITIONS:
  Open -> PayoutEligible   re-evaluated after every recorded contribution
  PayoutEligible -> Open   GrantPayout succeeds; CurrentCycle += 1
  * -> Complete            GrantPayout leaves no active member unpaid;
                           IsLocked = true, CurrentCycle stays put

MISSED CYCLES:
  AdvanceIfDue never moves the cycle. Past the due date it only marks the
  unpaid members missed. A missed cycle stays Open until those members pay
  (or an external dispute process intervenes).
*/
package rosca

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseOpen           Phase = "open"
	PhasePayoutEligible Phase = "payout_eligible"
	PhaseComplete       Phase = "complete"
	PhaseClosed         Phase = "closed"
)

// CycleState is the derived view of a group's current cycle.
type CycleState struct {
	Cycle          int
	Phase          Phase
	PaidCount      int
	ActiveCount    int
	Pool           Money
	NextPaymentDue time.Time
}

// RotationComplete reports whether every active member has been paid out.
func RotationComplete(members []Member) bool {
	active := ActiveMembers(members)
	if len(active) == 0 {
		return false
	}
	for _, m := range active {
		if !m.HasReceivedPayout {
			return false
		}
	}
	return true
}

// allActivePaid reports whether each active member has a paid contribution
// for cycle. Paid contributions from members who later left still count
// toward the pool but not toward eligibility.
func allActivePaid(members []Member, contributions []Contribution, cycle int) (paid, active int) {
	activeMembers := ActiveMembers(members)
	paidBy := make(map[UserID]bool)
	for _, c := range contributions {
		if c.CycleNumber == cycle && c.IsPaid() {
			paidBy[c.UserID] = true
		}
	}
	for _, m := range activeMembers {
		if paidBy[m.UserID] {
			paid++
		}
	}
	return paid, len(activeMembers)
}

// PayoutEligible is the Open -> PayoutEligible predicate for cycle.
func PayoutEligible(members []Member, contributions []Contribution, cycle int) bool {
	paid, active := allActivePaid(members, contributions, cycle)
	return active > 0 && paid == active
}

// Evaluate derives the state of the group's current cycle.
func Evaluate(g Group, members []Member, contributions []Contribution) CycleState {
	cycle := g.CurrentCycle
	paid, active := allActivePaid(members, contributions, cycle)
	st := CycleState{
		Cycle:          cycle,
		PaidCount:      paid,
		ActiveCount:    active,
		Pool:           PaidTotal(contributions, cycle),
		NextPaymentDue: g.NextPaymentDue,
	}
	switch {
	case g.IsLocked && RotationComplete(members):
		st.Phase = PhaseComplete
	case g.IsLocked:
		st.Phase = PhaseClosed
	case active > 0 && paid == active:
		st.Phase = PhasePayoutEligible
	default:
		st.Phase = PhaseOpen
	}
	return st
}

// Grant is the outcome of a successful GrantPayout: the records to persist.
type Grant struct {
	Payout    Payout
	Member    Member
	Group     Group
	Completed bool
}

// GrantPayout releases the cycle's pool to requester.
//
// Validation order:
//  1. group not locked                              -> GroupLocked
//  2. cycle is current and PayoutEligible           -> NotEligible
//  3. requester is an active member                 -> NotActiveMember
//  4. ResolvePayee(cycle) succeeds                  -> NoEligibleMember / PayoutOrderViolation / NotEligible
//  5. payee == requester                            -> AlreadyReceived if requester was
//                                                      paid out before, else PayoutOrderViolation
//
// Stored state is checked for integrity before anything is granted.
func GrantPayout(g Group, members []Member, contributions []Contribution, payouts []Payout, requester UserID, cycle int, now time.Time) (Grant, error) {
	if g.IsLocked {
		return Grant{}, reject(ErrGroupLocked, g.ID, requester, cycle, "group is not accepting payouts")
	}
	if err := checkContributions(g.ID, contributions); err != nil {
		return Grant{}, err
	}
	if err := checkPayouts(g.ID, payouts, g.CurrentCycle); err != nil {
		return Grant{}, err
	}
	if cycle != g.CurrentCycle {
		return Grant{}, reject(ErrNotEligible, g.ID, requester, cycle, "current cycle is %d", g.CurrentCycle)
	}
	paid, active := allActivePaid(members, contributions, cycle)
	if active == 0 || paid < active {
		return Grant{}, reject(ErrNotEligible, g.ID, requester, cycle, "%d/%d members have contributed this cycle", paid, active)
	}

	member, ok := FindActiveMember(members, requester)
	if !ok {
		return Grant{}, reject(ErrNotActiveMember, g.ID, requester, cycle, "")
	}
	payee, err := ResolvePayee(g, members, cycle)
	if err != nil {
		return Grant{}, err
	}
	if payee.UserID != requester {
		if member.HasReceivedPayout {
			return Grant{}, reject(ErrAlreadyReceived, g.ID, requester, cycle, "")
		}
		return Grant{}, reject(ErrPayoutOrderViolation, g.ID, requester, cycle, "payout for cycle %d belongs to %s", cycle, payee.UserID)
	}
	if member.HasReceivedPayout {
		return Grant{}, reject(ErrAlreadyReceived, g.ID, requester, cycle, "")
	}

	member.HasReceivedPayout = true
	payout := Payout{
		ID:          uuid.NewString(),
		GroupID:     g.ID,
		UserID:      requester,
		CycleNumber: cycle,
		Amount:      PaidTotal(contributions, cycle),
		Status:      PayoutPending,
		CreatedAt:   now,
	}

	updated := make([]Member, len(members))
	copy(updated, members)
	for i := range updated {
		if updated[i].UserID == requester {
			updated[i] = member
		}
	}

	next := g
	next.UpdatedAt = now
	completed := RotationComplete(updated)
	if completed {
		next.IsLocked = true
	} else {
		next.CurrentCycle = g.CurrentCycle + 1
		next.NextPaymentDue = g.Frequency.Next(g.NextPaymentDue)
	}
	return Grant{Payout: payout, Member: member, Group: next, Completed: completed}, nil
}

// DueMissed is the pure part of AdvanceIfDue: the contributions to mark
// missed at now. It is empty unless the group is unlocked, the due date has
// passed and the current cycle is still not fully paid. Repeating the call
// after persisting its result yields nothing.
func DueMissed(g Group, members []Member, contributions []Contribution, now time.Time) []Contribution {
	if g.IsLocked || g.NextPaymentDue.IsZero() || !now.After(g.NextPaymentDue) {
		return nil
	}
	if PayoutEligible(members, contributions, g.CurrentCycle) {
		return nil
	}
	return MarkMissed(g, members, contributions, now)
}

// SettlePayout records the gateway outcome of a pending payout.
func SettlePayout(p Payout, status PayoutStatus, transactionID string, now time.Time) (Payout, error) {
	if p.IsFinal() {
		return Payout{}, reject(ErrPayoutFinalized, p.GroupID, p.UserID, p.CycleNumber, "status is %s", p.Status)
	}
	if status != PayoutCompleted && status != PayoutFailed {
		return Payout{}, fmt.Errorf("settle payout: unsupported status %q", status)
	}
	p.Status = status
	p.TransactionID = transactionID
	settled := now
	p.SettledAt = &settled
	return p, nil
}

// checkPayouts reports payouts that should not exist: more than one
// completed payout for any cycle, or any payout for the still-open cycle.
func checkPayouts(groupID GroupID, payouts []Payout, openCycle int) error {
	completed := make(map[int]int)
	for _, p := range payouts {
		if p.Status == PayoutCompleted {
			completed[p.CycleNumber]++
			if completed[p.CycleNumber] > 1 {
				return &IntegrityError{
					Check:   "duplicate_completed_payout",
					GroupID: groupID,
					Detail:  fmt.Sprintf("cycle %d", p.CycleNumber),
				}
			}
		}
		if p.CycleNumber == openCycle {
			return &IntegrityError{
				Check:   "payout_for_open_cycle",
				GroupID: groupID,
				Detail:  fmt.Sprintf("payout %s already exists for cycle %d", p.ID, openCycle),
			}
		}
	}
	return nil
}

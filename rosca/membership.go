package rosca

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// MEMBERSHIP LEDGER
// =============================================================================
// The ledger functions take the group's full member list (active and
// inactive) and return the record to persist. They never mutate their input.

// ActiveMembers returns the active members ordered by PayoutPosition.
func ActiveMembers(members []Member) []Member {
	active := make([]Member, 0, len(members))
	for _, m := range members {
		if m.IsActive {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].PayoutPosition < active[j].PayoutPosition
	})
	return active
}

// FindMember returns the member record for userID, active or not.
func FindMember(members []Member, userID UserID) (Member, bool) {
	for _, m := range members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// FindActiveMember returns the active member record for userID.
func FindActiveMember(members []Member, userID UserID) (Member, bool) {
	m, ok := FindMember(members, userID)
	if !ok || !m.IsActive {
		return Member{}, false
	}
	return m, true
}

// AddMember admits userID to the group.
//
// Rejections, checked in order: GroupLocked, AlreadyMember, GroupFull.
// The new member gets PayoutPosition = active count + 1, bumped past any
// position an active member already holds so positions stay unique after
// earlier members leave. A previously removed member is reactivated in a
// fresh position.
func AddMember(g Group, members []Member, userID UserID, reputation int, now time.Time) (Member, error) {
	if g.IsLocked {
		return Member{}, reject(ErrGroupLocked, g.ID, userID, g.CurrentCycle, "group is not accepting new members")
	}
	existing, known := FindMember(members, userID)
	if known && existing.IsActive {
		return Member{}, reject(ErrAlreadyMember, g.ID, userID, g.CurrentCycle, "")
	}
	active := ActiveMembers(members)
	if len(active) >= g.MaxMembers {
		return Member{}, reject(ErrGroupFull, g.ID, userID, g.CurrentCycle, "%d members maximum", g.MaxMembers)
	}
	if err := checkPositions(g.ID, active); err != nil {
		return Member{}, err
	}

	position := len(active) + 1
	for _, m := range active {
		if m.PayoutPosition >= position {
			position = m.PayoutPosition + 1
		}
	}

	m := Member{
		GroupID:         g.ID,
		UserID:          userID,
		IsActive:        true,
		ReputationScore: reputation,
		PayoutPosition:  position,
		JoinedAt:        now,
	}
	if known {
		// Rejoining keeps the payout flag: a member paid out once stays paid out.
		m.HasReceivedPayout = existing.HasReceivedPayout
	}
	return m, nil
}

// RemoveMember soft-deletes userID. Other members keep their positions.
func RemoveMember(g Group, members []Member, userID UserID) (Member, error) {
	m, ok := FindActiveMember(members, userID)
	if !ok {
		return Member{}, reject(ErrNotAMember, g.ID, userID, g.CurrentCycle, "")
	}
	if userID == g.AdminID {
		return Member{}, reject(ErrIsAdmin, g.ID, userID, g.CurrentCycle, "")
	}
	m.IsActive = false
	return m, nil
}

// checkPositions reports duplicate payout positions among active members.
func checkPositions(groupID GroupID, active []Member) error {
	seen := make(map[int]UserID, len(active))
	for _, m := range active {
		if other, dup := seen[m.PayoutPosition]; dup {
			return &IntegrityError{
				Check:   "duplicate_payout_position",
				GroupID: groupID,
				Detail:  fmt.Sprintf("position %d held by %s and %s", m.PayoutPosition, other, m.UserID),
			}
		}
		seen[m.PayoutPosition] = m.UserID
	}
	return nil
}

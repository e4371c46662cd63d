package rosca

// =============================================================================
// PAYOUT ORDER RESOLVER
// =============================================================================

// ResolvePayee returns the member entitled to the payout for cycle.
//
// With an explicit PayoutOrder the entitled user is PayoutOrder[(cycle-1) mod n].
// The order is authoritative: if that user already received a payout the
// result is PayoutOrderViolation, and if they are no longer active it is
// NotEligible. Without an order the entitled member is the active member with
// the lowest PayoutPosition who has not been paid out.
//
// NoEligibleMember is returned once every active member has been paid out.
func ResolvePayee(g Group, members []Member, cycle int) (Member, error) {
	active := ActiveMembers(members)
	if err := checkPositions(g.ID, active); err != nil {
		return Member{}, err
	}

	remaining := 0
	for _, m := range active {
		if !m.HasReceivedPayout {
			remaining++
		}
	}
	if remaining == 0 {
		return Member{}, reject(ErrNoEligibleMember, g.ID, "", cycle, "rotation complete")
	}

	if g.HasPayoutOrder() {
		if cycle < 1 {
			return Member{}, reject(ErrNotEligible, g.ID, "", cycle, "cycle must be at least 1")
		}
		userID := g.PayoutOrder[(cycle-1)%len(g.PayoutOrder)]
		m, ok := FindActiveMember(members, userID)
		if !ok {
			return Member{}, reject(ErrNotEligible, g.ID, userID, cycle, "scheduled member %s is not active", userID)
		}
		if m.HasReceivedPayout {
			return Member{}, reject(ErrPayoutOrderViolation, g.ID, userID, cycle,
				"scheduled member %s already received a payout", userID)
		}
		return m, nil
	}

	for _, m := range active {
		if !m.HasReceivedPayout {
			return m, nil
		}
	}
	// unreachable: remaining > 0
	return Member{}, reject(ErrNoEligibleMember, g.ID, "", cycle, "")
}

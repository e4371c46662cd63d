package rosca

import (
	"fmt"
	"time"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func testGroup(maxMembers int) Group {
	return Group{
		ID:                 "g1",
		Name:               "Family circle",
		AdminID:            "admin",
		ContributionAmount: MustParseMoney("100"),
		Currency:           "USD",
		Frequency:          FrequencyMonthly,
		MaxMembers:         maxMembers,
		CurrentCycle:       1,
		NextPaymentDue:     t0.AddDate(0, 1, 0),
		CreatedAt:          t0,
	}
}

func member(user string, position int) Member {
	return Member{
		GroupID:         "g1",
		UserID:          UserID(user),
		IsActive:        true,
		ReputationScore: 80,
		PayoutPosition:  position,
		JoinedAt:        t0,
	}
}

func members(users ...string) []Member {
	out := make([]Member, len(users))
	for i, u := range users {
		out[i] = member(u, i+1)
	}
	return out
}

func paidContribution(user string, cycle int) Contribution {
	at := t0
	return Contribution{
		ID:          fmt.Sprintf("c-%s-%d", user, cycle),
		GroupID:     "g1",
		UserID:      UserID(user),
		CycleNumber: cycle,
		Amount:      MustParseMoney("100"),
		Status:      ContributionPaid,
		PaidAt:      &at,
		CreatedAt:   t0,
	}
}

func allPaid(cycle int, users ...string) []Contribution {
	out := make([]Contribution, len(users))
	for i, u := range users {
		out[i] = paidContribution(u, cycle)
	}
	return out
}

package rosca_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/rosca-engine/rosca"
	"github.com/warp/rosca-engine/rosca/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var start = time.Date(2025, time.January, 6, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *rosca.Engine
	store  *store.Memory
	logs   *observer.ObservedLogs
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	f := &fixture{store: store.NewMemory(), logs: logs, now: start}
	f.engine = rosca.NewEngine(f.store,
		rosca.WithLogger(zap.New(core)),
		rosca.WithClock(func() time.Time { return f.now }),
	)
	return f
}

// group creates a group administered by members[0] and joins the rest in order.
func (f *fixture) group(t *testing.T, maxMembers int, order []rosca.UserID, members ...rosca.UserID) rosca.GroupID {
	t.Helper()
	ctx := context.Background()
	res, err := f.engine.CreateGroup(ctx, rosca.NewGroup{
		Name:               "Savings circle",
		AdminID:            members[0],
		AdminReputation:    90,
		ContributionAmount: rosca.MustParseMoney("100"),
		Currency:           "USD",
		Frequency:          rosca.FrequencyMonthly,
		MaxMembers:         maxMembers,
		PayoutOrder:        order,
	})
	require.NoError(t, err)
	for _, u := range members[1:] {
		_, err := f.engine.Join(ctx, res.Group.ID, u, 80)
		require.NoError(t, err)
	}
	return res.Group.ID
}

func (f *fixture) payAll(t *testing.T, id rosca.GroupID, cycle int, users ...rosca.UserID) rosca.ContributionResult {
	t.Helper()
	var last rosca.ContributionResult
	for _, u := range users {
		res, err := f.engine.Contribute(context.Background(), id, u, cycle, rosca.MustParseMoney("100"))
		require.NoError(t, err, "contribution by %s", u)
		last = res
	}
	return last
}

func eventTypes(events []rosca.Event) []rosca.EventType {
	out := make([]rosca.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// GROUP LIFECYCLE
// =============================================================================

func TestEngine_CreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.CreateGroup(ctx, rosca.NewGroup{
		AdminID:            "A",
		ContributionAmount: rosca.MustParseMoney("250.50"),
		Currency:           "KES",
		Frequency:          rosca.FrequencyWeekly,
		MaxMembers:         4,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Group.ID)
	assert.Equal(t, 1, res.Group.CurrentCycle)
	assert.False(t, res.Group.IsLocked)
	assert.Equal(t, start.AddDate(0, 0, 7), res.Group.NextPaymentDue)
	assert.Equal(t, 1, res.Admin.PayoutPosition)
	assert.Equal(t, []rosca.EventType{rosca.EventGroupCreated, rosca.EventMemberJoined}, eventTypes(res.Events))

	view, err := f.engine.GetGroup(ctx, res.Group.ID)
	require.NoError(t, err)
	assert.Len(t, view.Members, 1)
	assert.Equal(t, rosca.PhaseOpen, view.State.Phase)
}

func TestEngine_CreateGroup_InvalidTerms(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateGroup(context.Background(), rosca.NewGroup{
		AdminID:    "A",
		Currency:   "USD",
		Frequency:  "daily",
		MaxMembers: 1,
	})
	assert.ErrorIs(t, err, rosca.ErrInvalidGroup)
}

func TestEngine_CloseGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B")

	_, _, err := f.engine.CloseGroup(ctx, id, "B")
	assert.ErrorIs(t, err, rosca.ErrNotAdmin)

	g, events, err := f.engine.CloseGroup(ctx, id, "A")
	require.NoError(t, err)
	assert.True(t, g.IsLocked)
	assert.Equal(t, []rosca.EventType{rosca.EventGroupClosed}, eventTypes(events))

	_, _, err = f.engine.CloseGroup(ctx, id, "A")
	assert.ErrorIs(t, err, rosca.ErrGroupLocked)

	_, err = f.engine.Join(ctx, id, "C", 80)
	assert.ErrorIs(t, err, rosca.ErrGroupLocked)
}

func TestEngine_UnknownGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Join(ctx, "missing", "A", 80)
	assert.ErrorIs(t, err, rosca.ErrGroupNotFound)
	_, err = f.engine.GetGroup(ctx, "missing")
	assert.True(t, rosca.IsNotFound(err))
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

func TestEngine_Join_ReputationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A")

	_, err := f.engine.Join(ctx, id, "B", rosca.DefaultMinReputation-1)
	assert.ErrorIs(t, err, rosca.ErrReputationTooLow)

	res, err := f.engine.Join(ctx, id, "B", rosca.DefaultMinReputation)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Member.PayoutPosition)
}

func TestEngine_Leave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B", "C")

	_, err := f.engine.Leave(ctx, id, "A")
	assert.ErrorIs(t, err, rosca.ErrIsAdmin)

	res, err := f.engine.Leave(ctx, id, "B")
	require.NoError(t, err)
	assert.False(t, res.Member.IsActive)

	members, err := f.engine.Members(ctx, id)
	require.NoError(t, err)
	assert.Len(t, members, 3, "removed members stay in the ledger")

	// D takes the free seat without colliding with C.
	joined, err := f.engine.Join(ctx, id, "D", 80)
	require.NoError(t, err)
	assert.Equal(t, 4, joined.Member.PayoutPosition)
}

func TestEngine_Leave_LastUnpaidMemberCompletesRotation(t *testing.T) {
	// GIVEN: A and B have been paid out in cycles 1 and 2
	// WHEN: C, the only active member still owed a payout, leaves
	// THEN: The group locks and a group_completed event follows member_left

	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B", "C")

	f.payAll(t, id, 1, "A", "B", "C")
	_, err := f.engine.RequestPayout(ctx, id, "A", 1)
	require.NoError(t, err)
	f.payAll(t, id, 2, "A", "B", "C")
	_, err = f.engine.RequestPayout(ctx, id, "B", 2)
	require.NoError(t, err)

	res, err := f.engine.Leave(ctx, id, "C")
	require.NoError(t, err)
	assert.Equal(t, []rosca.EventType{rosca.EventMemberLeft, rosca.EventGroupCompleted}, eventTypes(res.Events))

	view, err := f.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Group.IsLocked)
	assert.Equal(t, rosca.PhaseComplete, view.State.Phase)

	_, err = f.engine.Contribute(ctx, id, "A", 3, rosca.MustParseMoney("100"))
	assert.ErrorIs(t, err, rosca.ErrGroupLocked)
	_, err = f.engine.Join(ctx, id, "D", 80)
	assert.ErrorIs(t, err, rosca.ErrGroupLocked)
}

func TestEngine_Leave_UnpaidMembersRemainKeepsGroupOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B", "C")

	res, err := f.engine.Leave(ctx, id, "C")
	require.NoError(t, err)
	assert.Equal(t, []rosca.EventType{rosca.EventMemberLeft}, eventTypes(res.Events))

	view, err := f.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Group.IsLocked)
}

// =============================================================================
// FULL ROTATION
// =============================================================================

func TestEngine_FullRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B", "C")

	// Cycle 1: everyone pays, A (position 1) takes the pool.
	res := f.payAll(t, id, 1, "A", "B", "C")
	assert.Equal(t, rosca.PhasePayoutEligible, res.State.Phase)
	assert.Contains(t, eventTypes(res.Events), rosca.EventCyclePayoutEligible)

	p1, err := f.engine.RequestPayout(ctx, id, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, "300.00", p1.Payout.Amount.String())
	assert.Equal(t, 2, p1.Group.CurrentCycle)
	assert.Equal(t, []rosca.EventType{rosca.EventPayoutGranted, rosca.EventCycleAdvanced}, eventTypes(p1.Events))

	// Cycle 2: A still pays; C is not next.
	f.payAll(t, id, 2, "B", "C", "A")
	_, err = f.engine.RequestPayout(ctx, id, "C", 2)
	assert.ErrorIs(t, err, rosca.ErrPayoutOrderViolation)
	_, err = f.engine.RequestPayout(ctx, id, "B", 2)
	require.NoError(t, err)

	// Cycle 3: C closes the rotation.
	f.payAll(t, id, 3, "A", "B", "C")
	p3, err := f.engine.RequestPayout(ctx, id, "C", 3)
	require.NoError(t, err)
	assert.True(t, p3.Completed)
	assert.True(t, p3.Group.IsLocked)
	assert.Equal(t, 3, p3.Group.CurrentCycle)
	assert.Contains(t, eventTypes(p3.Events), rosca.EventGroupCompleted)

	_, err = f.engine.Contribute(ctx, id, "A", 3, rosca.MustParseMoney("100"))
	assert.ErrorIs(t, err, rosca.ErrGroupLocked)

	view, err := f.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rosca.PhaseComplete, view.State.Phase)

	payouts, err := f.engine.Payouts(ctx, id)
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	for i, p := range payouts {
		assert.Equal(t, i+1, p.CycleNumber)
	}
}

func TestEngine_ExplicitPayoutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, []rosca.UserID{"C", "A", "B"}, "A", "B", "C")

	f.payAll(t, id, 1, "A", "B", "C")
	_, err := f.engine.RequestPayout(ctx, id, "A", 1)
	assert.ErrorIs(t, err, rosca.ErrPayoutOrderViolation)

	res, err := f.engine.RequestPayout(ctx, id, "C", 1)
	require.NoError(t, err)
	assert.Equal(t, rosca.UserID("C"), res.Payout.UserID)

	f.payAll(t, id, 2, "A", "B", "C")
	_, err = f.engine.RequestPayout(ctx, id, "C", 2)
	assert.ErrorIs(t, err, rosca.ErrAlreadyReceived)
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func TestEngine_Contribute_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 2, nil, "A", "B")

	_, err := f.engine.Join(ctx, id, "D", 80)
	assert.ErrorIs(t, err, rosca.ErrGroupFull)

	_, err = f.engine.Contribute(ctx, id, "A", 1, rosca.MustParseMoney("99.99"))
	assert.ErrorIs(t, err, rosca.ErrAmountMismatch)

	f.payAll(t, id, 1, "A")
	_, err = f.engine.Contribute(ctx, id, "A", 1, rosca.MustParseMoney("100.00"))
	assert.ErrorIs(t, err, rosca.ErrDuplicatePaid)

	_, err = f.engine.Contribute(ctx, id, "B", 2, rosca.MustParseMoney("100"))
	assert.ErrorIs(t, err, rosca.ErrCycleMismatch)

	contributions, err := f.engine.Contributions(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, contributions, 1)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestEngine_SettlePayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 2, nil, "A", "B")

	_, err := f.engine.SettlePayout(ctx, id, 1, rosca.PayoutCompleted, "txn")
	assert.ErrorIs(t, err, rosca.ErrPayoutNotFound)

	f.payAll(t, id, 1, "A", "B")
	_, err = f.engine.RequestPayout(ctx, id, "A", 1)
	require.NoError(t, err)

	res, err := f.engine.SettlePayout(ctx, id, 1, rosca.PayoutCompleted, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, rosca.PayoutCompleted, res.Payout.Status)
	assert.Equal(t, []rosca.EventType{rosca.EventPayoutSettled}, eventTypes(res.Events))

	_, err = f.engine.SettlePayout(ctx, id, 1, rosca.PayoutFailed, "txn-2")
	assert.ErrorIs(t, err, rosca.ErrPayoutFinalized)
}

func TestEngine_SettleOnLockedGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 2, nil, "A", "B")

	f.payAll(t, id, 1, "A", "B")
	_, err := f.engine.RequestPayout(ctx, id, "A", 1)
	require.NoError(t, err)
	f.payAll(t, id, 2, "A", "B")
	last, err := f.engine.RequestPayout(ctx, id, "B", 2)
	require.NoError(t, err)
	require.True(t, last.Group.IsLocked)

	_, err = f.engine.SettlePayout(ctx, id, 2, rosca.PayoutCompleted, "txn-final")
	assert.NoError(t, err)
}

// =============================================================================
// SCHEDULER ENTRY POINT
// =============================================================================

func TestEngine_AdvanceIfDue(t *testing.T) {
	// GIVEN: A monthly group where only A paid cycle 1
	// WHEN: The scheduler runs before and after the due date
	// THEN: B and C are marked missed once, the cycle does not move

	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B", "C")
	f.payAll(t, id, 1, "A")
	due := start.AddDate(0, 1, 0)

	early, err := f.engine.AdvanceIfDue(ctx, id, due)
	require.NoError(t, err)
	assert.Empty(t, early.Missed)

	res, err := f.engine.AdvanceIfDue(ctx, id, due.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Missed, 2)
	require.Len(t, res.Events, 1)
	assert.Equal(t, rosca.EventContributionsMissed, res.Events[0].Type)
	assert.Equal(t, 2, res.Events[0].Count)

	again, err := f.engine.AdvanceIfDue(ctx, id, due.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again.Missed)
	assert.Empty(t, again.Events)

	view, err := f.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Group.CurrentCycle)

	// A late payment still closes the cycle.
	f.payAll(t, id, 1, "B", "C")
	_, err = f.engine.RequestPayout(ctx, id, "A", 1)
	assert.NoError(t, err)
}

// =============================================================================
// INTEGRITY
// =============================================================================

func TestEngine_IntegrityViolationHaltsAndLogs(t *testing.T) {
	// GIVEN: Storage edited behind the engine's back to hold two paid
	//        contributions for B in cycle 1
	// WHEN: A requests the payout
	// THEN: The request fails as an integrity violation, nothing changes
	//       and an error is logged

	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 2, nil, "A", "B")
	f.payAll(t, id, 1, "A", "B")

	contributions, err := f.engine.Contributions(ctx, id, 1)
	require.NoError(t, err)
	for _, c := range contributions {
		if c.UserID == "B" {
			dup := c
			dup.ID = "forged"
			f.store.ForceContribution(dup, "B-shadow")
		}
	}

	_, err = f.engine.RequestPayout(ctx, id, "A", 1)
	require.Error(t, err)
	assert.True(t, rosca.IsIntegrity(err))
	assert.Equal(t, rosca.ReasonIntegrityViolation, rosca.ReasonOf(err))

	view, err := f.engine.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Group.CurrentCycle)

	entries := f.logs.FilterMessage("integrity violation halted operation").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "request_payout", entries[0].ContextMap()["operation"])
}

// =============================================================================
// QUERIES
// =============================================================================

func TestEngine_PayoutStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 2, nil, "A", "B")

	st, err := f.engine.PayoutStatus(ctx, id, "A", 0)
	require.NoError(t, err)
	assert.False(t, st.IsEligible)
	assert.True(t, st.ExpectedAmount.IsZero())

	f.payAll(t, id, 1, "A", "B")
	st, err = f.engine.PayoutStatus(ctx, id, "A", 1)
	require.NoError(t, err)
	assert.True(t, st.IsEligible)
	assert.False(t, st.HasReceived)
	assert.Equal(t, "200.00", st.ExpectedAmount.String())

	_, err = f.engine.PayoutStatus(ctx, id, "Z", 1)
	assert.ErrorIs(t, err, rosca.ErrNotAMember)
}

func TestEngine_Precheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B")

	outsider, err := f.engine.Precheck(ctx, id, "Z", rosca.PrecheckInput{Reputation: 10})
	require.NoError(t, err)
	assert.Equal(t, rosca.ReasonReputationTooLow, outsider.Join.Reason)
	assert.Equal(t, rosca.ReasonNotActiveMember, outsider.Contribute.Reason)
	assert.Equal(t, rosca.ReasonNotEligible, outsider.Payout.Reason)
	assert.Equal(t, rosca.ReasonNotAMember, outsider.Leave.Reason)

	member, err := f.engine.Precheck(ctx, id, "B", rosca.PrecheckInput{Reputation: 80})
	require.NoError(t, err)
	assert.Equal(t, rosca.ReasonAlreadyMember, member.Join.Reason)
	assert.True(t, member.Contribute.Allowed, "empty amount defaults to the group amount")
	assert.True(t, member.Leave.Allowed)

	bad, err := f.engine.Precheck(ctx, id, "B", rosca.PrecheckInput{Amount: "abc"})
	require.NoError(t, err)
	assert.Equal(t, rosca.ReasonInvalidAmount, bad.Contribute.Reason)

	// Prechecks never mutate.
	contributions, err := f.engine.Contributions(ctx, id, 1)
	require.NoError(t, err)
	assert.Empty(t, contributions)
}

func TestEngine_UnlockedGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.group(t, 2, nil, "A")
	closed := f.group(t, 2, nil, "B")
	_, _, err := f.engine.CloseGroup(ctx, closed, "B")
	require.NoError(t, err)

	groups, err := f.engine.UnlockedGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, open, groups[0].ID)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestEngine_VerificationGates(t *testing.T) {
	// GIVEN: A validator that requires email verification and KYC
	// WHEN: Callers act without the matching flag in their context
	// THEN: Create and join need email, contribute and payout need KYC

	f := newFixture(t)
	ctx := context.Background()
	v := rosca.NewValidator(rosca.DefaultMinReputation)
	v.RequireEmailVerification = true
	v.RequireKYC = true
	f.engine = rosca.NewEngine(f.store,
		rosca.WithValidator(v),
		rosca.WithClock(func() time.Time { return f.now }),
	)

	terms := rosca.NewGroup{
		AdminID:            "A",
		AdminReputation:    90,
		ContributionAmount: rosca.MustParseMoney("100"),
		Currency:           "USD",
		Frequency:          rosca.FrequencyMonthly,
		MaxMembers:         2,
	}
	_, err := f.engine.CreateGroup(ctx, terms)
	require.ErrorIs(t, err, rosca.ErrVerificationRequired)
	assert.Equal(t, rosca.ReasonVerificationRequired, rosca.ReasonOf(err))
	assert.Contains(t, err.Error(), "email verification required")

	emailOnly := rosca.WithVerification(ctx, rosca.Verification{EmailVerified: true})
	full := rosca.WithVerification(ctx, rosca.Verification{EmailVerified: true, KYCVerified: true})

	res, err := f.engine.CreateGroup(emailOnly, terms)
	require.NoError(t, err)
	id := res.Group.ID

	_, err = f.engine.Join(ctx, id, "B", 80)
	assert.ErrorIs(t, err, rosca.ErrVerificationRequired)
	_, err = f.engine.Join(emailOnly, id, "B", 80)
	require.NoError(t, err)

	_, err = f.engine.Contribute(emailOnly, id, "A", 1, rosca.MustParseMoney("100"))
	require.ErrorIs(t, err, rosca.ErrVerificationRequired)
	assert.Contains(t, err.Error(), "KYC verification required")

	for _, u := range []rosca.UserID{"A", "B"} {
		_, err := f.engine.Contribute(full, id, u, 1, rosca.MustParseMoney("100"))
		require.NoError(t, err)
	}
	_, err = f.engine.RequestPayout(emailOnly, id, "A", 1)
	assert.ErrorIs(t, err, rosca.ErrVerificationRequired)
	_, err = f.engine.RequestPayout(full, id, "A", 1)
	require.NoError(t, err)

	checks, err := f.engine.Precheck(emailOnly, id, "B", rosca.PrecheckInput{})
	require.NoError(t, err)
	assert.Equal(t, rosca.ReasonVerificationRequired, checks.Contribute.Reason)
	assert.Equal(t, rosca.ReasonVerificationRequired, checks.Payout.Reason)
	assert.Equal(t, rosca.ReasonAlreadyMember, checks.Join.Reason)
}

// =============================================================================
// USER-SCOPED QUERIES
// =============================================================================

func TestEngine_UserQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1 := f.group(t, 3, nil, "A", "B")
	g2 := f.group(t, 3, nil, "C", "B")
	f.group(t, 3, nil, "D")

	f.payAll(t, g1, 1, "A", "B")
	_, err := f.engine.RequestPayout(ctx, g1, "A", 1)
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	f.payAll(t, g2, 1, "B")

	groups, err := f.engine.UserGroups(ctx, "B")
	require.NoError(t, err)
	assert.ElementsMatch(t, []rosca.GroupID{g1, g2}, groupIDs(groups))

	cs, err := f.engine.UserContributions(ctx, "B", "")
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, g2, cs[0].GroupID, "newest first")

	cs, err = f.engine.UserContributions(ctx, "B", g1)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, g1, cs[0].GroupID)

	payouts, err := f.engine.UserPayouts(ctx, "A")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, g1, payouts[0].GroupID)

	history, err := f.engine.PayoutHistory(ctx, "A", g1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.engine.PayoutHistory(ctx, "A", g2)
	assert.ErrorIs(t, err, rosca.ErrNotAMember)

	_, err = f.engine.PayoutHistory(ctx, "A", "missing")
	assert.ErrorIs(t, err, rosca.ErrGroupNotFound)
}

func TestEngine_GroupFor_RequiresActiveMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.group(t, 3, nil, "A", "B")

	view, err := f.engine.GroupFor(ctx, id, "B")
	require.NoError(t, err)
	assert.Len(t, view.Members, 2)

	_, err = f.engine.GroupFor(ctx, id, "mallory")
	assert.ErrorIs(t, err, rosca.ErrNotAMember)

	_, err = f.engine.Leave(ctx, id, "B")
	require.NoError(t, err)
	_, err = f.engine.GroupFor(ctx, id, "B")
	assert.ErrorIs(t, err, rosca.ErrNotAMember)

	_, err = f.engine.GroupFor(ctx, "missing", "A")
	assert.ErrorIs(t, err, rosca.ErrGroupNotFound)
}

func groupIDs(gs []rosca.Group) []rosca.GroupID {
	out := make([]rosca.GroupID, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}

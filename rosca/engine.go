/*
engine.go - Transactional orchestration over a Repository

PURPOSE:
  Engine is the entry point the REST layer and the scheduler call. Each
  mutating operation loads the group's state, runs the pure ledger and
  cycle functions, persists the result and returns the domain events, all
  inside one TxRepository.WithTx call scoped to the group.

REQUEST FLOW:
  1. WithTx(group)
  2. Load group, members, contributions, payouts
  3. Validate + compute (membership.go, contributions.go, cycle.go)
  4. Save records
  5. Return result + events (the caller delivers them)

LOGGING:
  Rejections are values and are not logged. Integrity violations are
  logged at Error since they mean storage was edited around the engine.
*/
package rosca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine drives group lifecycles against a TxRepository.
type Engine struct {
	repo      TxRepository
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithValidator(v *Validator) Option {
	return func(e *Engine) { e.validator = v }
}

func NewEngine(repo TxRepository, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		validator: NewValidator(DefaultMinReputation),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validator returns the rule validator the engine joins with.
func (e *Engine) Validator() *Validator {
	return e.validator
}

// =============================================================================
// RESULTS
// =============================================================================

type GroupResult struct {
	Group  Group
	Admin  Member
	Events []Event
}

type MembershipResult struct {
	Member Member
	Events []Event
}

type ContributionResult struct {
	Contribution Contribution
	State        CycleState
	Events       []Event
}

type PayoutResult struct {
	Payout    Payout
	Group     Group
	Completed bool
	Events    []Event
}

type SettlementResult struct {
	Payout Payout
	Events []Event
}

type AdvanceResult struct {
	Missed []Contribution
	Events []Event
}

// =============================================================================
// GROUP LIFECYCLE
// =============================================================================

// NewGroup carries the terms an admin creates a group with.
type NewGroup struct {
	ID                 GroupID // generated when empty
	Name               string
	Description        string
	AdminID            UserID
	AdminReputation    int
	ContributionAmount Money
	Currency           string
	Frequency          Frequency
	MaxMembers         int
	PayoutOrder        []UserID
}

func (n NewGroup) validate() error {
	var problems []string
	if n.AdminID == "" {
		problems = append(problems, "admin is required")
	}
	if n.MaxMembers < 2 {
		problems = append(problems, "maxMembers must be at least 2")
	}
	if !n.ContributionAmount.IsPositive() {
		problems = append(problems, "contributionAmount must be positive")
	}
	if n.Currency == "" {
		problems = append(problems, "currency is required")
	}
	if !n.Frequency.Valid() {
		problems = append(problems, fmt.Sprintf("unknown frequency %q", n.Frequency))
	}
	seen := make(map[UserID]bool)
	for _, u := range n.PayoutOrder {
		if u == "" || seen[u] {
			problems = append(problems, fmt.Sprintf("payoutOrder entry %q is empty or repeated", u))
			break
		}
		seen[u] = true
	}
	if len(problems) > 0 {
		return reject(ErrInvalidGroup, n.ID, n.AdminID, 0, "%v", problems)
	}
	return nil
}

// CreateGroup opens cycle 1 and seats the admin at payout position 1.
// The admin's email must be verified when the validator requires it.
func (e *Engine) CreateGroup(ctx context.Context, n NewGroup) (GroupResult, error) {
	if err := e.validator.CheckEmail(n.ID, n.AdminID, VerificationFrom(ctx)); err != nil {
		return GroupResult{}, err
	}
	if err := n.validate(); err != nil {
		return GroupResult{}, err
	}
	if n.ID == "" {
		n.ID = GroupID(uuid.NewString())
	}
	now := e.now()
	g := Group{
		ID:                 n.ID,
		Name:               n.Name,
		Description:        n.Description,
		AdminID:            n.AdminID,
		ContributionAmount: n.ContributionAmount,
		Currency:           n.Currency,
		Frequency:          n.Frequency,
		MaxMembers:         n.MaxMembers,
		CurrentCycle:       1,
		PayoutOrder:        append([]UserID(nil), n.PayoutOrder...),
		NextPaymentDue:     n.Frequency.Next(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	admin := Member{
		GroupID:         g.ID,
		UserID:          n.AdminID,
		IsActive:        true,
		ReputationScore: n.AdminReputation,
		PayoutPosition:  1,
		JoinedAt:        now,
	}

	var res GroupResult
	err := e.inTx(ctx, "create_group", g.ID, func(repo Repository) error {
		if _, err := repo.GetGroup(ctx, g.ID); err == nil {
			return reject(ErrInvalidGroup, g.ID, n.AdminID, 0, "group already exists")
		} else if !errors.Is(err, ErrGroupNotFound) {
			return err
		}
		if err := repo.SaveGroup(ctx, g); err != nil {
			return err
		}
		if err := repo.SaveMember(ctx, admin); err != nil {
			return err
		}
		res = GroupResult{
			Group: g,
			Admin: admin,
			Events: []Event{
				newEvent(EventGroupCreated, g.ID, n.AdminID, 1, now),
				newEvent(EventMemberJoined, g.ID, n.AdminID, 1, now),
			},
		}
		return nil
	})
	return res, err
}

// CloseGroup locks the group on the admin's request. The lock is permanent.
func (e *Engine) CloseGroup(ctx context.Context, groupID GroupID, adminID UserID) (Group, []Event, error) {
	var (
		out    Group
		events []Event
	)
	err := e.inTx(ctx, "close_group", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.IsLocked {
			return reject(ErrGroupLocked, g.ID, adminID, g.CurrentCycle, "already locked")
		}
		if adminID != g.AdminID {
			return reject(ErrNotAdmin, g.ID, adminID, g.CurrentCycle, "")
		}
		now := e.now()
		g.IsLocked = true
		g.UpdatedAt = now
		if err := repo.SaveGroup(ctx, g); err != nil {
			return err
		}
		out = g
		events = []Event{newEvent(EventGroupClosed, g.ID, adminID, g.CurrentCycle, now)}
		return nil
	})
	return out, events, err
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// Join adds userID to the group after the verification and reputation
// gates.
func (e *Engine) Join(ctx context.Context, groupID GroupID, userID UserID, reputation int) (MembershipResult, error) {
	if err := e.validator.CheckEmail(groupID, userID, VerificationFrom(ctx)); err != nil {
		return MembershipResult{}, err
	}
	var res MembershipResult
	err := e.inTx(ctx, "join", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		members, err := repo.GetMembers(ctx, groupID)
		if err != nil {
			return err
		}
		now := e.now()
		m, err := AddMember(g, members, userID, reputation, now)
		if err != nil {
			return err
		}
		if err := e.validator.CheckReputation(g, userID, reputation); err != nil {
			return err
		}
		if err := repo.SaveMember(ctx, m); err != nil {
			return err
		}
		res = MembershipResult{
			Member: m,
			Events: []Event{newEvent(EventMemberJoined, g.ID, userID, g.CurrentCycle, now)},
		}
		return nil
	})
	return res, err
}

// Leave soft-deletes userID's membership. When the leaver was the last
// active member still owed a payout, the rotation is complete: the group
// locks and a group_completed event follows member_left.
func (e *Engine) Leave(ctx context.Context, groupID GroupID, userID UserID) (MembershipResult, error) {
	var res MembershipResult
	err := e.inTx(ctx, "leave", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		members, err := repo.GetMembers(ctx, groupID)
		if err != nil {
			return err
		}
		m, err := RemoveMember(g, members, userID)
		if err != nil {
			return err
		}
		if err := repo.SaveMember(ctx, m); err != nil {
			return err
		}
		now := e.now()
		events := []Event{newEvent(EventMemberLeft, g.ID, userID, g.CurrentCycle, now)}
		if !g.IsLocked && RotationComplete(replaceMember(members, m)) {
			g.IsLocked = true
			g.UpdatedAt = now
			if err := repo.SaveGroup(ctx, g); err != nil {
				return err
			}
			events = append(events, newEvent(EventGroupCompleted, g.ID, "", g.CurrentCycle, now))
		}
		res = MembershipResult{Member: m, Events: events}
		return nil
	})
	return res, err
}

func replaceMember(ms []Member, m Member) []Member {
	out := make([]Member, len(ms))
	for i, existing := range ms {
		if existing.UserID == m.UserID {
			existing = m
		}
		out[i] = existing
	}
	return out
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

// Contribute records userID's payment for cycle and re-evaluates the cycle.
// The caller authorizes funds with the gateway before calling.
func (e *Engine) Contribute(ctx context.Context, groupID GroupID, userID UserID, cycle int, amount Money) (ContributionResult, error) {
	if err := e.validator.CheckKYC(groupID, userID, VerificationFrom(ctx)); err != nil {
		return ContributionResult{}, err
	}
	var res ContributionResult
	err := e.inTx(ctx, "contribute", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		members, err := repo.GetMembers(ctx, groupID)
		if err != nil {
			return err
		}
		contributions, err := repo.GetContributions(ctx, groupID, cycle)
		if err != nil {
			return err
		}
		now := e.now()
		c, err := RecordContribution(g, members, contributions, userID, cycle, amount, now)
		if err != nil {
			return err
		}
		if err := repo.SaveContribution(ctx, c); err != nil {
			return err
		}

		updated := replaceContribution(contributions, c)
		st := Evaluate(g, members, updated)
		events := []Event{newEvent(EventContributionRecorded, g.ID, userID, cycle, now).withAmount(amount)}
		if st.Phase == PhasePayoutEligible {
			events = append(events, newEvent(EventCyclePayoutEligible, g.ID, "", cycle, now).withAmount(st.Pool))
		}
		res = ContributionResult{Contribution: c, State: st, Events: events}
		return nil
	})
	return res, err
}

func replaceContribution(cs []Contribution, c Contribution) []Contribution {
	out := make([]Contribution, 0, len(cs)+1)
	replaced := false
	for _, existing := range cs {
		if existing.ID == c.ID {
			out = append(out, c)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// PAYOUTS
// =============================================================================

// RequestPayout grants the cycle's pool to userID if it is their turn, then
// advances the cycle or completes the rotation. The payout is pending until
// the caller disburses it and calls SettlePayout.
func (e *Engine) RequestPayout(ctx context.Context, groupID GroupID, userID UserID, cycle int) (PayoutResult, error) {
	if err := e.validator.CheckKYC(groupID, userID, VerificationFrom(ctx)); err != nil {
		return PayoutResult{}, err
	}
	var res PayoutResult
	err := e.inTx(ctx, "request_payout", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		members, err := repo.GetMembers(ctx, groupID)
		if err != nil {
			return err
		}
		contributions, err := repo.GetContributions(ctx, groupID, cycle)
		if err != nil {
			return err
		}
		payouts, err := repo.GetPayouts(ctx, groupID)
		if err != nil {
			return err
		}
		now := e.now()
		grant, err := GrantPayout(g, members, contributions, payouts, userID, cycle, now)
		if err != nil {
			return err
		}
		if err := repo.SavePayout(ctx, grant.Payout); err != nil {
			return err
		}
		if err := repo.SaveMember(ctx, grant.Member); err != nil {
			return err
		}
		if err := repo.SaveGroup(ctx, grant.Group); err != nil {
			return err
		}

		events := []Event{newEvent(EventPayoutGranted, g.ID, userID, cycle, now).withAmount(grant.Payout.Amount)}
		if grant.Completed {
			events = append(events, newEvent(EventGroupCompleted, g.ID, "", cycle, now))
		} else {
			events = append(events, newEvent(EventCycleAdvanced, g.ID, "", grant.Group.CurrentCycle, now))
		}
		res = PayoutResult{Payout: grant.Payout, Group: grant.Group, Completed: grant.Completed, Events: events}
		return nil
	})
	return res, err
}

// SettlePayout records the disbursement outcome for the cycle's payout.
// Settlement is accepted on locked groups: the final payout locks the group.
func (e *Engine) SettlePayout(ctx context.Context, groupID GroupID, cycle int, status PayoutStatus, transactionID string) (SettlementResult, error) {
	var res SettlementResult
	err := e.inTx(ctx, "settle_payout", groupID, func(repo Repository) error {
		p, err := repo.GetPayout(ctx, groupID, cycle)
		if err != nil {
			return err
		}
		now := e.now()
		settled, err := SettlePayout(p, status, transactionID, now)
		if err != nil {
			return err
		}
		if status == PayoutCompleted {
			payouts, err := repo.GetPayouts(ctx, groupID)
			if err != nil {
				return err
			}
			for _, other := range payouts {
				if other.CycleNumber == cycle && other.ID != p.ID && other.Status == PayoutCompleted {
					return &IntegrityError{
						Check:   "duplicate_completed_payout",
						GroupID: groupID,
						Detail:  fmt.Sprintf("cycle %d", cycle),
					}
				}
			}
		}
		if err := repo.SavePayout(ctx, settled); err != nil {
			return err
		}
		res = SettlementResult{
			Payout: settled,
			Events: []Event{newEvent(EventPayoutSettled, groupID, settled.UserID, cycle, now).withAmount(settled.Amount)},
		}
		return nil
	})
	return res, err
}

// =============================================================================
// SCHEDULER ENTRY POINT
// =============================================================================

// AdvanceIfDue marks unpaid active members missed once the current cycle's
// due date has passed. It is idempotent: a second call with the same now
// finds nothing left to mark.
func (e *Engine) AdvanceIfDue(ctx context.Context, groupID GroupID, now time.Time) (AdvanceResult, error) {
	var res AdvanceResult
	err := e.inTx(ctx, "advance_if_due", groupID, func(repo Repository) error {
		g, err := repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.IsLocked || !now.After(g.NextPaymentDue) {
			return nil
		}
		members, err := repo.GetActiveMembers(ctx, groupID)
		if err != nil {
			return err
		}
		contributions, err := repo.GetContributions(ctx, groupID, g.CurrentCycle)
		if err != nil {
			return err
		}
		missed := DueMissed(g, members, contributions, now)
		for _, c := range missed {
			if err := repo.SaveContribution(ctx, c); err != nil {
				return err
			}
		}
		res.Missed = missed
		if len(missed) > 0 {
			ev := newEvent(EventContributionsMissed, g.ID, "", g.CurrentCycle, now)
			ev.Count = len(missed)
			res.Events = []Event{ev}
		}
		return nil
	})
	return res, err
}

// =============================================================================
// QUERIES
// =============================================================================

// GroupView is a read model of a group and its current cycle.
type GroupView struct {
	Group         Group
	Members       []Member
	Contributions []Contribution
	State         CycleState
}

// GetGroup loads the view without an access check. Handlers that serve
// end users call GroupFor.
func (e *Engine) GetGroup(ctx context.Context, groupID GroupID) (GroupView, error) {
	g, err := e.repo.GetGroup(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	members, err := e.repo.GetMembers(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	contributions, err := e.repo.GetContributions(ctx, groupID, g.CurrentCycle)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{
		Group:         g,
		Members:       members,
		Contributions: contributions,
		State:         Evaluate(g, members, contributions),
	}, nil
}

// GroupFor returns the view only to an active member of the group.
func (e *Engine) GroupFor(ctx context.Context, groupID GroupID, userID UserID) (GroupView, error) {
	view, err := e.GetGroup(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if _, ok := FindActiveMember(view.Members, userID); !ok {
		return GroupView{}, reject(ErrNotAMember, groupID, userID, view.Group.CurrentCycle, "")
	}
	return view, nil
}

// PayoutStatusView answers "can this member be paid for this cycle?".
type PayoutStatusView struct {
	IsEligible     bool
	HasReceived    bool
	ExpectedAmount Money
}

func (e *Engine) PayoutStatus(ctx context.Context, groupID GroupID, userID UserID, cycle int) (PayoutStatusView, error) {
	g, err := e.repo.GetGroup(ctx, groupID)
	if err != nil {
		return PayoutStatusView{}, err
	}
	if cycle <= 0 {
		cycle = g.CurrentCycle
	}
	members, err := e.repo.GetMembers(ctx, groupID)
	if err != nil {
		return PayoutStatusView{}, err
	}
	m, ok := FindMember(members, userID)
	if !ok {
		return PayoutStatusView{}, reject(ErrNotAMember, groupID, userID, cycle, "")
	}
	contributions, err := e.repo.GetContributions(ctx, groupID, cycle)
	if err != nil {
		return PayoutStatusView{}, err
	}
	view := PayoutStatusView{HasReceived: m.HasReceivedPayout, ExpectedAmount: Zero}
	if PayoutEligible(members, contributions, cycle) {
		view.IsEligible = true
		view.ExpectedAmount = PaidTotal(contributions, cycle)
	}
	return view, nil
}

func (e *Engine) Members(ctx context.Context, groupID GroupID) ([]Member, error) {
	if _, err := e.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return e.repo.GetMembers(ctx, groupID)
}

func (e *Engine) Contributions(ctx context.Context, groupID GroupID, cycle int) ([]Contribution, error) {
	g, err := e.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if cycle <= 0 {
		cycle = g.CurrentCycle
	}
	return e.repo.GetContributions(ctx, groupID, cycle)
}

func (e *Engine) Payouts(ctx context.Context, groupID GroupID) ([]Payout, error) {
	if _, err := e.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return e.repo.GetPayouts(ctx, groupID)
}

// =============================================================================
// USER-SCOPED QUERIES
// =============================================================================

// UserGroups lists the groups where userID holds an active membership.
func (e *Engine) UserGroups(ctx context.Context, userID UserID) ([]Group, error) {
	return e.repo.GetUserGroups(ctx, userID)
}

// UserContributions lists userID's contributions, newest first. A non-empty
// groupID narrows the list to that group.
func (e *Engine) UserContributions(ctx context.Context, userID UserID, groupID GroupID) ([]Contribution, error) {
	return e.repo.GetUserContributions(ctx, userID, groupID)
}

// UserPayouts lists userID's payouts, newest first.
func (e *Engine) UserPayouts(ctx context.Context, userID UserID) ([]Payout, error) {
	return e.repo.GetUserPayouts(ctx, userID)
}

// PayoutHistory lists userID's payouts. With a groupID the caller must be
// an active member of that group and the list is narrowed to it.
func (e *Engine) PayoutHistory(ctx context.Context, userID UserID, groupID GroupID) ([]Payout, error) {
	if groupID != "" {
		if _, err := e.repo.GetGroup(ctx, groupID); err != nil {
			return nil, err
		}
		members, err := e.repo.GetActiveMembers(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if _, ok := FindActiveMember(members, userID); !ok {
			return nil, reject(ErrNotAMember, groupID, userID, 0, "")
		}
	}
	payouts, err := e.repo.GetUserPayouts(ctx, userID)
	if err != nil || groupID == "" {
		return payouts, err
	}
	out := make([]Payout, 0, len(payouts))
	for _, p := range payouts {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	return out, nil
}

// PrecheckInput carries the inputs only some checks need.
type PrecheckInput struct {
	Reputation int
	Amount     string // raw, as the user typed it
	Cycle      int    // 0 means the current cycle
}

// Prechecks holds one Verdict per user action.
type Prechecks struct {
	Join       Verdict
	Contribute Verdict
	Payout     Verdict
	Leave      Verdict
}

// Precheck answers what userID may do in the group right now without
// mutating anything. Verification flags are read from ctx.
func (e *Engine) Precheck(ctx context.Context, groupID GroupID, userID UserID, in PrecheckInput) (Prechecks, error) {
	g, err := e.repo.GetGroup(ctx, groupID)
	if err != nil {
		return Prechecks{}, err
	}
	cycle := in.Cycle
	if cycle <= 0 {
		cycle = g.CurrentCycle
	}
	members, err := e.repo.GetMembers(ctx, groupID)
	if err != nil {
		return Prechecks{}, err
	}
	contributions, err := e.repo.GetContributions(ctx, groupID, cycle)
	if err != nil {
		return Prechecks{}, err
	}
	payouts, err := e.repo.GetPayouts(ctx, groupID)
	if err != nil {
		return Prechecks{}, err
	}
	amount := in.Amount
	if amount == "" {
		amount = g.ContributionAmount.String()
	}
	v := e.validator
	ver := VerificationFrom(ctx)
	return Prechecks{
		Join:       v.CanJoin(g, members, userID, in.Reputation, ver),
		Contribute: v.CanContribute(userID, g, members, contributions, amount, cycle, ver),
		Payout:     v.CanRequestPayout(userID, g, members, contributions, payouts, cycle, ver),
		Leave:      v.CanLeave(userID, g, members),
	}, nil
}

// UnlockedGroups lists the groups the scheduler should tick.
func (e *Engine) UnlockedGroups(ctx context.Context) ([]Group, error) {
	return e.repo.ListGroups(ctx, true)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) inTx(ctx context.Context, op string, groupID GroupID, fn func(Repository) error) error {
	err := e.repo.WithTx(ctx, groupID, fn)
	if err != nil && IsIntegrity(err) {
		e.logger.Error("integrity violation halted operation",
			zap.String("operation", op),
			zap.String("group_id", string(groupID)),
			zap.Error(err),
		)
	}
	return err
}

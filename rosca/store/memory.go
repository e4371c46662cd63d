// Package store provides Repository implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/rosca-engine/rosca"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	groups        map[rosca.GroupID]rosca.Group
	members       map[rosca.GroupID]map[rosca.UserID]rosca.Member
	contributions map[contributionKey]rosca.Contribution
	payouts       map[payoutKey]rosca.Payout
}

type contributionKey struct {
	GroupID rosca.GroupID
	UserID  rosca.UserID
	Cycle   int
}

type payoutKey struct {
	GroupID rosca.GroupID
	Cycle   int
}

func NewMemory() *Memory {
	return &Memory{
		groups:        make(map[rosca.GroupID]rosca.Group),
		members:       make(map[rosca.GroupID]map[rosca.UserID]rosca.Member),
		contributions: make(map[contributionKey]rosca.Contribution),
		payouts:       make(map[payoutKey]rosca.Payout),
	}
}

var _ rosca.TxRepository = (*Memory)(nil)

func (m *Memory) GetGroup(_ context.Context, id rosca.GroupID) (rosca.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getGroupLocked(id)
}

func (m *Memory) getGroupLocked(id rosca.GroupID) (rosca.Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return rosca.Group{}, fmt.Errorf("%w: %s", rosca.ErrGroupNotFound, id)
	}
	g.PayoutOrder = append([]rosca.UserID(nil), g.PayoutOrder...)
	return g, nil
}

func (m *Memory) SaveGroup(_ context.Context, g rosca.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveGroupLocked(g)
	return nil
}

func (m *Memory) saveGroupLocked(g rosca.Group) {
	g.PayoutOrder = append([]rosca.UserID(nil), g.PayoutOrder...)
	m.groups[g.ID] = g
}

func (m *Memory) ListGroups(_ context.Context, unlockedOnly bool) ([]rosca.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listGroupsLocked(unlockedOnly), nil
}

func (m *Memory) listGroupsLocked(unlockedOnly bool) []rosca.Group {
	var out []rosca.Group
	for _, g := range m.groups {
		if unlockedOnly && g.IsLocked {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetMembers(_ context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(groupID, false), nil
}

func (m *Memory) GetActiveMembers(_ context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(groupID, true), nil
}

func (m *Memory) membersLocked(groupID rosca.GroupID, activeOnly bool) []rosca.Member {
	var out []rosca.Member
	for _, mem := range m.members[groupID] {
		if activeOnly && !mem.IsActive {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PayoutPosition != out[j].PayoutPosition {
			return out[i].PayoutPosition < out[j].PayoutPosition
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (m *Memory) SaveMember(_ context.Context, mem rosca.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveMemberLocked(mem)
	return nil
}

func (m *Memory) saveMemberLocked(mem rosca.Member) {
	if m.members[mem.GroupID] == nil {
		m.members[mem.GroupID] = make(map[rosca.UserID]rosca.Member)
	}
	m.members[mem.GroupID][mem.UserID] = mem
}

func (m *Memory) GetContributions(_ context.Context, groupID rosca.GroupID, cycle int) ([]rosca.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contributionsLocked(groupID, cycle), nil
}

func (m *Memory) contributionsLocked(groupID rosca.GroupID, cycle int) []rosca.Contribution {
	var out []rosca.Contribution
	for k, c := range m.contributions {
		if k.GroupID == groupID && k.Cycle == cycle {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SaveContribution upserts by (group, user, cycle). Paid records are final.
func (m *Memory) SaveContribution(_ context.Context, c rosca.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveContributionLocked(c)
}

func (m *Memory) saveContributionLocked(c rosca.Contribution) error {
	k := contributionKey{GroupID: c.GroupID, UserID: c.UserID, Cycle: c.CycleNumber}
	if existing, ok := m.contributions[k]; ok && existing.IsPaid() {
		return fmt.Errorf("%w: user %s cycle %d", rosca.ErrDuplicatePaid, c.UserID, c.CycleNumber)
	}
	m.contributions[k] = c
	return nil
}

func (m *Memory) GetPayout(_ context.Context, groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayoutLocked(groupID, cycle)
}

func (m *Memory) getPayoutLocked(groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	p, ok := m.payouts[payoutKey{GroupID: groupID, Cycle: cycle}]
	if !ok {
		return rosca.Payout{}, fmt.Errorf("%w: group %s cycle %d", rosca.ErrPayoutNotFound, groupID, cycle)
	}
	return p, nil
}

func (m *Memory) GetPayouts(_ context.Context, groupID rosca.GroupID) ([]rosca.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payoutsLocked(groupID), nil
}

func (m *Memory) payoutsLocked(groupID rosca.GroupID) []rosca.Payout {
	var out []rosca.Payout
	for k, p := range m.payouts {
		if k.GroupID == groupID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out
}

// SavePayout upserts by (group, cycle). A second payout for a cycle fails.
func (m *Memory) SavePayout(_ context.Context, p rosca.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePayoutLocked(p)
}

func (m *Memory) savePayoutLocked(p rosca.Payout) error {
	k := payoutKey{GroupID: p.GroupID, Cycle: p.CycleNumber}
	if existing, ok := m.payouts[k]; ok && existing.ID != p.ID {
		return &rosca.IntegrityError{
			Check:   "duplicate_payout",
			GroupID: p.GroupID,
			Detail:  fmt.Sprintf("cycle %d already paid to %s", p.CycleNumber, existing.UserID),
		}
	}
	m.payouts[k] = p
	return nil
}

// =============================================================================
// USER-SCOPED QUERIES
// =============================================================================

func (m *Memory) GetUserGroups(_ context.Context, userID rosca.UserID) ([]rosca.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userGroupsLocked(userID), nil
}

func (m *Memory) userGroupsLocked(userID rosca.UserID) []rosca.Group {
	var out []rosca.Group
	for id, ms := range m.members {
		if mem, ok := ms[userID]; ok && mem.IsActive {
			if g, ok := m.groups[id]; ok {
				out = append(out, g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetUserContributions(_ context.Context, userID rosca.UserID, groupID rosca.GroupID) ([]rosca.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userContributionsLocked(userID, groupID), nil
}

func (m *Memory) userContributionsLocked(userID rosca.UserID, groupID rosca.GroupID) []rosca.Contribution {
	var out []rosca.Contribution
	for k, c := range m.contributions {
		if k.UserID != userID || (groupID != "" && k.GroupID != groupID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].CycleNumber > out[j].CycleNumber
	})
	return out
}

func (m *Memory) GetUserPayouts(_ context.Context, userID rosca.UserID) ([]rosca.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userPayoutsLocked(userID), nil
}

func (m *Memory) userPayoutsLocked(userID rosca.UserID) []rosca.Payout {
	var out []rosca.Payout
	for _, p := range m.payouts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].CycleNumber > out[j].CycleNumber
	})
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
// Transactions are serialized store-wide, which covers the per-group scope.
func (m *Memory) WithTx(ctx context.Context, _ rosca.GroupID, fn func(rosca.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	groups        map[rosca.GroupID]rosca.Group
	members       map[rosca.GroupID]map[rosca.UserID]rosca.Member
	contributions map[contributionKey]rosca.Contribution
	payouts       map[payoutKey]rosca.Payout
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		groups:        make(map[rosca.GroupID]rosca.Group, len(m.groups)),
		members:       make(map[rosca.GroupID]map[rosca.UserID]rosca.Member, len(m.members)),
		contributions: make(map[contributionKey]rosca.Contribution, len(m.contributions)),
		payouts:       make(map[payoutKey]rosca.Payout, len(m.payouts)),
	}
	for k, v := range m.groups {
		s.groups[k] = v
	}
	for g, ms := range m.members {
		inner := make(map[rosca.UserID]rosca.Member, len(ms))
		for u, mem := range ms {
			inner[u] = mem
		}
		s.members[g] = inner
	}
	for k, v := range m.contributions {
		s.contributions[k] = v
	}
	for k, v := range m.payouts {
		s.payouts[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.groups = s.groups
	m.members = s.members
	m.contributions = s.contributions
	m.payouts = s.payouts
}

// txView runs against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetGroup(_ context.Context, id rosca.GroupID) (rosca.Group, error) {
	return tv.parent.getGroupLocked(id)
}

func (tv *txView) SaveGroup(_ context.Context, g rosca.Group) error {
	tv.parent.saveGroupLocked(g)
	return nil
}

func (tv *txView) ListGroups(_ context.Context, unlockedOnly bool) ([]rosca.Group, error) {
	return tv.parent.listGroupsLocked(unlockedOnly), nil
}

func (tv *txView) GetMembers(_ context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	return tv.parent.membersLocked(groupID, false), nil
}

func (tv *txView) GetActiveMembers(_ context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	return tv.parent.membersLocked(groupID, true), nil
}

func (tv *txView) SaveMember(_ context.Context, mem rosca.Member) error {
	tv.parent.saveMemberLocked(mem)
	return nil
}

func (tv *txView) GetContributions(_ context.Context, groupID rosca.GroupID, cycle int) ([]rosca.Contribution, error) {
	return tv.parent.contributionsLocked(groupID, cycle), nil
}

func (tv *txView) SaveContribution(_ context.Context, c rosca.Contribution) error {
	return tv.parent.saveContributionLocked(c)
}

func (tv *txView) GetPayout(_ context.Context, groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	return tv.parent.getPayoutLocked(groupID, cycle)
}

func (tv *txView) GetPayouts(_ context.Context, groupID rosca.GroupID) ([]rosca.Payout, error) {
	return tv.parent.payoutsLocked(groupID), nil
}

func (tv *txView) SavePayout(_ context.Context, p rosca.Payout) error {
	return tv.parent.savePayoutLocked(p)
}

func (tv *txView) GetUserGroups(_ context.Context, userID rosca.UserID) ([]rosca.Group, error) {
	return tv.parent.userGroupsLocked(userID), nil
}

func (tv *txView) GetUserContributions(_ context.Context, userID rosca.UserID, groupID rosca.GroupID) ([]rosca.Contribution, error) {
	return tv.parent.userContributionsLocked(userID, groupID), nil
}

func (tv *txView) GetUserPayouts(_ context.Context, userID rosca.UserID) ([]rosca.Payout, error) {
	return tv.parent.userPayoutsLocked(userID), nil
}

// Reset drops every record. It backs the admin reset endpoint.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore(memorySnapshot{
		groups:        make(map[rosca.GroupID]rosca.Group),
		members:       make(map[rosca.GroupID]map[rosca.UserID]rosca.Member),
		contributions: make(map[contributionKey]rosca.Contribution),
		payouts:       make(map[payoutKey]rosca.Payout),
	})
	return nil
}

// =============================================================================
// TEST SUPPORT
// =============================================================================

// ForceContribution writes c without the paid-is-final check. It exists so
// tests can reproduce out-of-band edits the engine must detect.
func (m *Memory) ForceContribution(c rosca.Contribution, key rosca.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contributions[contributionKey{GroupID: c.GroupID, UserID: key, Cycle: c.CycleNumber}] = c
}

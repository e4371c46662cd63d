/*
store.go - Persistence interface for groups, members, contributions, payouts

PURPOSE:
  The engine reads and writes through Repository. Implementations must
  enforce the uniqueness keys the engine relies on as a backstop against
  concurrent submissions:
    - contributions: unique (group_id, user_id, cycle_number)
    - payouts:       unique (group_id, cycle_number)

TRANSACTIONS:
  Every mutating engine call runs inside TxRepository.WithTx, scoped to at
  least the group's row. If fn returns an error nothing is committed.

IMPLEMENTATIONS:
  - rosca/store/memory.go: in-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
*/
package rosca

import "context"

// Repository is the engine's view of storage.
type Repository interface {
	// GetGroup returns ErrGroupNotFound when the group does not exist.
	GetGroup(ctx context.Context, id GroupID) (Group, error)
	SaveGroup(ctx context.Context, g Group) error
	// ListGroups returns groups, unlocked only when unlockedOnly is set.
	ListGroups(ctx context.Context, unlockedOnly bool) ([]Group, error)

	// GetMembers returns every member record, active or not.
	GetMembers(ctx context.Context, groupID GroupID) ([]Member, error)
	GetActiveMembers(ctx context.Context, groupID GroupID) ([]Member, error)
	SaveMember(ctx context.Context, m Member) error

	GetContributions(ctx context.Context, groupID GroupID, cycle int) ([]Contribution, error)
	// SaveContribution inserts or updates by (group, user, cycle). A paid
	// record is final: overwriting it fails with ErrDuplicatePaid.
	SaveContribution(ctx context.Context, c Contribution) error

	// GetPayout returns ErrPayoutNotFound when the cycle has no payout.
	GetPayout(ctx context.Context, groupID GroupID, cycle int) (Payout, error)
	GetPayouts(ctx context.Context, groupID GroupID) ([]Payout, error)
	// SavePayout inserts or updates by (group, cycle).
	SavePayout(ctx context.Context, p Payout) error

	// GetUserGroups returns the groups where userID is an active member.
	GetUserGroups(ctx context.Context, userID UserID) ([]Group, error)
	// GetUserContributions returns userID's contributions newest first,
	// narrowed to groupID when it is non-empty.
	GetUserContributions(ctx context.Context, userID UserID, groupID GroupID) ([]Contribution, error)
	// GetUserPayouts returns userID's payouts newest first.
	GetUserPayouts(ctx context.Context, userID UserID) ([]Payout, error)
}

// TxRepository wraps Repository with transaction support.
type TxRepository interface {
	Repository

	// WithTx executes fn within a transaction scoped to groupID.
	WithTx(ctx context.Context, groupID GroupID, fn func(Repository) error) error
}

/*
Package sqlite provides a SQLite-backed implementation of rosca.TxRepository.

KEY TABLES:
  groups:        Contribution terms and rotation state
  group_members: One row per (group_id, user_id), soft-deleted via is_active
  contributions: UNIQUE(group_id, user_id, cycle_number)
  payouts:       UNIQUE(group_id, cycle_number)

PAID IS FINAL:
  The contribution upsert only updates rows whose status is not 'paid'.
  When the conflict row is already paid no row changes and the store
  returns rosca.ErrDuplicatePaid, so two concurrent submissions for the same
  cycle cannot both land even if they raced past the engine's checks.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases are shared by every call. Inside WithTx every read
  and write goes through the *sql.Tx; the lock is held by WithTx.

ENCODING:
  Money is stored as TEXT in its canonical "100.00" form. Timestamps are
  RFC3339 with nanoseconds in UTC. payout_order is a JSON array.

USAGE:
  store, err := sqlite.New("./data/rosca.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rosca.NewEngine(store)

SEE ALSO:
  - rosca/store.go: Interface definitions
  - rosca/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/rosca-engine/rosca"
)

// Store implements rosca.TxRepository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ rosca.TxRepository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		admin_id TEXT NOT NULL,
		contribution_amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		frequency TEXT NOT NULL,
		max_members INTEGER NOT NULL,
		current_cycle INTEGER NOT NULL DEFAULT 1,
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		payout_order_json TEXT,
		next_payment_due TEXT,
		created_at TEXT,
		updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_groups_locked
		ON groups(is_locked);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id),
		user_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		reputation_score INTEGER NOT NULL DEFAULT 0,
		payout_position INTEGER NOT NULL,
		has_received_payout BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at TEXT,
		PRIMARY KEY (group_id, user_id)
	);

	-- Positions are unique among active members only
	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_active_position
		ON group_members(group_id, payout_position) WHERE is_active;

	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		user_id TEXT NOT NULL,
		cycle_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		paid_at TEXT,
		due_date TEXT,
		created_at TEXT,
		UNIQUE(group_id, user_id, cycle_number)
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_group_cycle
		ON contributions(group_id, cycle_number);

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES groups(id),
		user_id TEXT NOT NULL,
		cycle_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		transaction_id TEXT,
		settled_at TEXT,
		created_at TEXT,
		UNIQUE(group_id, cycle_number)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// GROUPS
// =============================================================================

const groupColumns = `id, name, description, admin_id, contribution_amount, currency, frequency,
	max_members, current_cycle, is_locked, payout_order_json, next_payment_due, created_at, updated_at`

func (s *Store) GetGroup(ctx context.Context, id rosca.GroupID) (rosca.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q queryer, id rosca.GroupID) (rosca.Group, error) {
	row := q.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = ?", id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rosca.Group{}, fmt.Errorf("%w: %s", rosca.ErrGroupNotFound, id)
	}
	return g, err
}

func (s *Store) SaveGroup(ctx context.Context, g rosca.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveGroup(ctx, s.db, g)
}

func saveGroup(ctx context.Context, q queryer, g rosca.Group) error {
	var orderJSON sql.NullString
	if len(g.PayoutOrder) > 0 {
		b, err := json.Marshal(g.PayoutOrder)
		if err != nil {
			return fmt.Errorf("failed to encode payout order: %w", err)
		}
		orderJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO groups (` + groupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			current_cycle = excluded.current_cycle,
			is_locked = excluded.is_locked,
			payout_order_json = excluded.payout_order_json,
			next_payment_due = excluded.next_payment_due,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		g.ID, g.Name, nullString(g.Description), g.AdminID,
		g.ContributionAmount.String(), g.Currency, string(g.Frequency),
		g.MaxMembers, g.CurrentCycle, g.IsLocked, orderJSON,
		formatTime(g.NextPaymentDue), formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context, unlockedOnly bool) ([]rosca.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listGroups(ctx, s.db, unlockedOnly)
}

func listGroups(ctx context.Context, q queryer, unlockedOnly bool) ([]rosca.Group, error) {
	query := "SELECT " + groupColumns + " FROM groups"
	if unlockedOnly {
		query += " WHERE is_locked = FALSE"
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []rosca.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(sc scanner) (rosca.Group, error) {
	var (
		g                           rosca.Group
		description, orderJSON, due sql.NullString
		createdAt, updatedAt        sql.NullString
		amount, frequency           string
	)
	err := sc.Scan(
		&g.ID, &g.Name, &description, &g.AdminID, &amount, &g.Currency, &frequency,
		&g.MaxMembers, &g.CurrentCycle, &g.IsLocked, &orderJSON, &due, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, err
		}
		return g, fmt.Errorf("failed to scan group: %w", err)
	}

	g.Description = description.String
	g.Frequency = rosca.Frequency(frequency)
	if g.ContributionAmount, err = rosca.ParseMoney(amount); err != nil {
		return g, fmt.Errorf("group %s: %w", g.ID, err)
	}
	if orderJSON.Valid && orderJSON.String != "" {
		if err := json.Unmarshal([]byte(orderJSON.String), &g.PayoutOrder); err != nil {
			return g, fmt.Errorf("group %s: failed to decode payout order: %w", g.ID, err)
		}
	}
	tr := timeReader{}
	g.NextPaymentDue = tr.parse("next_payment_due", due)
	g.CreatedAt = tr.parse("created_at", createdAt)
	g.UpdatedAt = tr.parse("updated_at", updatedAt)
	if tr.err != nil {
		return g, fmt.Errorf("group %s: %w", g.ID, tr.err)
	}
	return g, nil
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `group_id, user_id, is_active, reputation_score, payout_position,
	has_received_payout, joined_at`

func (s *Store) GetMembers(ctx context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMembers(ctx, s.db, groupID, false)
}

func (s *Store) GetActiveMembers(ctx context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMembers(ctx, s.db, groupID, true)
}

func getMembers(ctx context.Context, q queryer, groupID rosca.GroupID, activeOnly bool) ([]rosca.Member, error) {
	query := "SELECT " + memberColumns + " FROM group_members WHERE group_id = ?"
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY payout_position, user_id"

	rows, err := q.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []rosca.Member
	for rows.Next() {
		var (
			m        rosca.Member
			joinedAt sql.NullString
		)
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.IsActive, &m.ReputationScore,
			&m.PayoutPosition, &m.HasReceivedPayout, &joinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		tr := timeReader{}
		m.JoinedAt = tr.parse("joined_at", joinedAt)
		if tr.err != nil {
			return nil, fmt.Errorf("member %s: %w", m.UserID, tr.err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) SaveMember(ctx context.Context, m rosca.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveMember(ctx, s.db, m)
}

func saveMember(ctx context.Context, q queryer, m rosca.Member) error {
	query := `
		INSERT INTO group_members (` + memberColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET
			is_active = excluded.is_active,
			reputation_score = excluded.reputation_score,
			payout_position = excluded.payout_position,
			has_received_payout = excluded.has_received_payout,
			joined_at = excluded.joined_at
	`
	_, err := q.ExecContext(ctx, query,
		m.GroupID, m.UserID, m.IsActive, m.ReputationScore, m.PayoutPosition,
		m.HasReceivedPayout, formatTime(m.JoinedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rosca.IntegrityError{
				Check:   "duplicate_payout_position",
				GroupID: m.GroupID,
				Detail:  fmt.Sprintf("position %d for %s", m.PayoutPosition, m.UserID),
			}
		}
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

const contributionColumns = `id, group_id, user_id, cycle_number, amount, status, paid_at, due_date, created_at`

func (s *Store) GetContributions(ctx context.Context, groupID rosca.GroupID, cycle int) ([]rosca.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getContributions(ctx, s.db, groupID, cycle)
}

func getContributions(ctx context.Context, q queryer, groupID rosca.GroupID, cycle int) ([]rosca.Contribution, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE group_id = ? AND cycle_number = ? ORDER BY user_id",
		groupID, cycle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	return scanContributions(rows)
}

func scanContributions(rows *sql.Rows) ([]rosca.Contribution, error) {
	defer rows.Close()

	var out []rosca.Contribution
	for rows.Next() {
		var (
			c                          rosca.Contribution
			amount, status             string
			paidAt, dueDate, createdAt sql.NullString
		)
		err := rows.Scan(&c.ID, &c.GroupID, &c.UserID, &c.CycleNumber, &amount, &status,
			&paidAt, &dueDate, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		if c.Amount, err = rosca.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("contribution %s: %w", c.ID, err)
		}
		c.Status = rosca.ContributionStatus(status)
		tr := timeReader{}
		c.PaidAt = tr.parsePtr("paid_at", paidAt)
		c.DueDate = tr.parse("due_date", dueDate)
		c.CreatedAt = tr.parse("created_at", createdAt)
		if tr.err != nil {
			return nil, fmt.Errorf("contribution %s: %w", c.ID, tr.err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContribution upserts by (group, user, cycle). A paid row is never
// overwritten; the attempt returns rosca.ErrDuplicatePaid.
func (s *Store) SaveContribution(ctx context.Context, c rosca.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveContribution(ctx, s.db, c)
}

func saveContribution(ctx context.Context, q queryer, c rosca.Contribution) error {
	query := `
		INSERT INTO contributions (` + contributionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, user_id, cycle_number) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			paid_at = excluded.paid_at,
			due_date = excluded.due_date
		WHERE contributions.status != 'paid'
	`
	res, err := q.ExecContext(ctx, query,
		c.ID, c.GroupID, c.UserID, c.CycleNumber, c.Amount.String(), string(c.Status),
		formatTimePtr(c.PaidAt), formatTime(c.DueDate), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save contribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save contribution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s cycle %d", rosca.ErrDuplicatePaid, c.UserID, c.CycleNumber)
	}
	return nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, group_id, user_id, cycle_number, amount, status, transaction_id, settled_at, created_at`

func (s *Store) GetPayout(ctx context.Context, groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayout(ctx, s.db, groupID, cycle)
}

func getPayout(ctx context.Context, q queryer, groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE group_id = ? AND cycle_number = ?",
		groupID, cycle,
	)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rosca.Payout{}, fmt.Errorf("%w: group %s cycle %d", rosca.ErrPayoutNotFound, groupID, cycle)
	}
	return p, err
}

func (s *Store) GetPayouts(ctx context.Context, groupID rosca.GroupID) ([]rosca.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayouts(ctx, s.db, groupID)
}

func getPayouts(ctx context.Context, q queryer, groupID rosca.GroupID) ([]rosca.Payout, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE group_id = ? ORDER BY cycle_number",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	return scanPayouts(rows)
}

func scanPayouts(rows *sql.Rows) ([]rosca.Payout, error) {
	defer rows.Close()

	var out []rosca.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayout(sc scanner) (rosca.Payout, error) {
	var (
		p                          rosca.Payout
		amount, status             string
		txID, settledAt, createdAt sql.NullString
	)
	err := sc.Scan(&p.ID, &p.GroupID, &p.UserID, &p.CycleNumber, &amount, &status,
		&txID, &settledAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payout: %w", err)
	}
	if p.Amount, err = rosca.ParseMoney(amount); err != nil {
		return p, fmt.Errorf("payout %s: %w", p.ID, err)
	}
	p.Status = rosca.PayoutStatus(status)
	p.TransactionID = txID.String
	tr := timeReader{}
	p.SettledAt = tr.parsePtr("settled_at", settledAt)
	p.CreatedAt = tr.parse("created_at", createdAt)
	if tr.err != nil {
		return p, fmt.Errorf("payout %s: %w", p.ID, tr.err)
	}
	return p, nil
}

// SavePayout upserts by (group, cycle). Only the same payout id may update
// an existing row.
func (s *Store) SavePayout(ctx context.Context, p rosca.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePayout(ctx, s.db, p)
}

func savePayout(ctx context.Context, q queryer, p rosca.Payout) error {
	query := `
		INSERT INTO payouts (` + payoutColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, cycle_number) DO UPDATE SET
			status = excluded.status,
			transaction_id = excluded.transaction_id,
			settled_at = excluded.settled_at
		WHERE payouts.id = excluded.id
	`
	res, err := q.ExecContext(ctx, query,
		p.ID, p.GroupID, p.UserID, p.CycleNumber, p.Amount.String(), string(p.Status),
		nullString(p.TransactionID), formatTimePtr(p.SettledAt), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return duplicatePayout(p)
		}
		return fmt.Errorf("failed to save payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save payout: %w", err)
	}
	if n == 0 {
		return duplicatePayout(p)
	}
	return nil
}

func duplicatePayout(p rosca.Payout) error {
	return &rosca.IntegrityError{
		Check:   "duplicate_payout",
		GroupID: p.GroupID,
		Detail:  fmt.Sprintf("cycle %d already has a payout", p.CycleNumber),
	}
}

// =============================================================================
// USER-SCOPED QUERIES
// =============================================================================

func (s *Store) GetUserGroups(ctx context.Context, userID rosca.UserID) ([]rosca.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUserGroups(ctx, s.db, userID)
}

func getUserGroups(ctx context.Context, q queryer, userID rosca.UserID) ([]rosca.Group, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+groupColumns+` FROM groups
		WHERE id IN (SELECT group_id FROM group_members WHERE user_id = ? AND is_active = TRUE)
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user groups: %w", err)
	}
	defer rows.Close()

	var groups []rosca.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) GetUserContributions(ctx context.Context, userID rosca.UserID, groupID rosca.GroupID) ([]rosca.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUserContributions(ctx, s.db, userID, groupID)
}

func getUserContributions(ctx context.Context, q queryer, userID rosca.UserID, groupID rosca.GroupID) ([]rosca.Contribution, error) {
	query := "SELECT " + contributionColumns + " FROM contributions WHERE user_id = ?"
	args := []any{userID}
	if groupID != "" {
		query += " AND group_id = ?"
		args = append(args, groupID)
	}
	query += " ORDER BY created_at DESC, group_id, cycle_number DESC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user contributions: %w", err)
	}
	return scanContributions(rows)
}

func (s *Store) GetUserPayouts(ctx context.Context, userID rosca.UserID) ([]rosca.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUserPayouts(ctx, s.db, userID)
}

func getUserPayouts(ctx context.Context, q queryer, userID rosca.UserID) ([]rosca.Payout, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE user_id = ? ORDER BY created_at DESC, group_id, cycle_number DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user payouts: %w", err)
	}
	return scanPayouts(rows)
}

// =============================================================================
// TRANSACTIONAL STORE (rosca.TxRepository interface)
// =============================================================================

// WithTx executes fn within a database transaction. SQLite serializes
// writers, which is at least as strong as the per-group scope requested.
func (s *Store) WithTx(ctx context.Context, _ rosca.GroupID, fn func(rosca.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txRepo{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txRepo runs every call on the open transaction. WithTx holds the lock.
type txRepo struct {
	tx *sql.Tx
}

func (t *txRepo) GetGroup(ctx context.Context, id rosca.GroupID) (rosca.Group, error) {
	return getGroup(ctx, t.tx, id)
}

func (t *txRepo) SaveGroup(ctx context.Context, g rosca.Group) error {
	return saveGroup(ctx, t.tx, g)
}

func (t *txRepo) ListGroups(ctx context.Context, unlockedOnly bool) ([]rosca.Group, error) {
	return listGroups(ctx, t.tx, unlockedOnly)
}

func (t *txRepo) GetMembers(ctx context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	return getMembers(ctx, t.tx, groupID, false)
}

func (t *txRepo) GetActiveMembers(ctx context.Context, groupID rosca.GroupID) ([]rosca.Member, error) {
	return getMembers(ctx, t.tx, groupID, true)
}

func (t *txRepo) SaveMember(ctx context.Context, m rosca.Member) error {
	return saveMember(ctx, t.tx, m)
}

func (t *txRepo) GetContributions(ctx context.Context, groupID rosca.GroupID, cycle int) ([]rosca.Contribution, error) {
	return getContributions(ctx, t.tx, groupID, cycle)
}

func (t *txRepo) SaveContribution(ctx context.Context, c rosca.Contribution) error {
	return saveContribution(ctx, t.tx, c)
}

func (t *txRepo) GetPayout(ctx context.Context, groupID rosca.GroupID, cycle int) (rosca.Payout, error) {
	return getPayout(ctx, t.tx, groupID, cycle)
}

func (t *txRepo) GetPayouts(ctx context.Context, groupID rosca.GroupID) ([]rosca.Payout, error) {
	return getPayouts(ctx, t.tx, groupID)
}

func (t *txRepo) SavePayout(ctx context.Context, p rosca.Payout) error {
	return savePayout(ctx, t.tx, p)
}

func (t *txRepo) GetUserGroups(ctx context.Context, userID rosca.UserID) ([]rosca.Group, error) {
	return getUserGroups(ctx, t.tx, userID)
}

func (t *txRepo) GetUserContributions(ctx context.Context, userID rosca.UserID, groupID rosca.GroupID) ([]rosca.Contribution, error) {
	return getUserContributions(ctx, t.tx, userID, groupID)
}

func (t *txRepo) GetUserPayouts(ctx context.Context, userID rosca.UserID) ([]rosca.Payout, error) {
	return getUserPayouts(ctx, t.tx, userID)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data. It backs the admin reset endpoint.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payouts", "contributions", "group_members", "groups"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs a raw statement. Tests use it to simulate edits made around
// the engine.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return formatTime(*t)
}

// timeReader parses timestamp columns and keeps the first failure.
type timeReader struct {
	err error
}

func (r *timeReader) parse(column string, s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", column, s.String, err)
	}
	return t
}

func (r *timeReader) parsePtr(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := r.parse(column, s)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

/*
errors.go - Rejection reasons and integrity errors

PURPOSE:
  Every expected business outcome that is not a success is a rejection,
  returned as an error value. Each rejection carries a Reason from a closed
  set so the REST layer can map it 1:1 to a user-facing message.

ERROR CATEGORIES:
  1. Precondition rejections - GroupFull, GroupLocked, AmountMismatch, ...
  2. Input errors - InvalidAmount
  3. Integrity violations - state the invariants forbid; these halt the
     operation and surface as internal errors
  4. Lookup errors - group not found

USAGE:
  if errors.Is(err, rosca.ErrDuplicatePaid) { ... }
  switch rosca.ReasonOf(err) { ... }
*/
package rosca

import (
	"errors"
	"fmt"
)

// =============================================================================
// REASONS - Closed set of rejection variants
// =============================================================================

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonGroupFull            Reason = "group_full"
	ReasonGroupLocked          Reason = "group_locked"
	ReasonAlreadyMember        Reason = "already_member"
	ReasonNotAMember           Reason = "not_a_member"
	ReasonIsAdmin              Reason = "is_admin"
	ReasonNotAdmin             Reason = "not_admin"
	ReasonReputationTooLow     Reason = "reputation_too_low"
	ReasonAmountMismatch       Reason = "amount_mismatch"
	ReasonDuplicatePaid        Reason = "duplicate_paid"
	ReasonNotActiveMember      Reason = "not_active_member"
	ReasonCycleMismatch        Reason = "cycle_mismatch"
	ReasonNotEligible          Reason = "not_eligible"
	ReasonAlreadyReceived      Reason = "already_received"
	ReasonPayoutOrderViolation Reason = "payout_order_violation"
	ReasonNoEligibleMember     Reason = "no_eligible_member"
	ReasonPayoutFinalized      Reason = "payout_finalized"
	ReasonVerificationRequired Reason = "verification_required"
	ReasonInvalidAmount        Reason = "invalid_amount"
	ReasonInvalidGroup         Reason = "invalid_group"
	ReasonIntegrityViolation   Reason = "integrity_violation"
	ReasonNotFound             Reason = "not_found"
	ReasonInternal             Reason = "internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrGroupFull            = errors.New("group is full")
	ErrGroupLocked          = errors.New("group is locked")
	ErrAlreadyMember        = errors.New("already a member of this group")
	ErrNotAMember           = errors.New("not a member of this group")
	ErrIsAdmin              = errors.New("group admin cannot leave the group")
	ErrNotAdmin             = errors.New("only the group admin can perform this action")
	ErrReputationTooLow     = errors.New("reputation score too low")
	ErrAmountMismatch       = errors.New("contribution amount does not match group amount")
	ErrDuplicatePaid        = errors.New("already contributed for this cycle")
	ErrNotActiveMember      = errors.New("not an active member of this group")
	ErrCycleMismatch        = errors.New("cycle is not the group's current cycle")
	ErrNotEligible          = errors.New("payout not available for this cycle")
	ErrAlreadyReceived      = errors.New("payout already received")
	ErrPayoutOrderViolation = errors.New("not this member's turn for payout")
	ErrNoEligibleMember     = errors.New("every active member has received a payout")
	ErrPayoutFinalized      = errors.New("payout already settled")

	// ErrVerificationRequired is returned when the caller's email or KYC
	// verification is missing and the validator requires it.
	ErrVerificationRequired = errors.New("verification required")

	// ErrInvalidAmount is returned for malformed or negative decimals.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidGroup is returned when group terms fail validation at creation.
	ErrInvalidGroup = errors.New("invalid group terms")

	// ErrIntegrityViolation means stored state breaks an invariant the engine
	// maintains. It indicates a bypass of the engine and is never retried.
	ErrIntegrityViolation = errors.New("integrity violation")

	ErrGroupNotFound  = errors.New("group not found")
	ErrPayoutNotFound = errors.New("payout not found")
)

var reasonBySentinel = []struct {
	err    error
	reason Reason
}{
	{ErrGroupFull, ReasonGroupFull},
	{ErrGroupLocked, ReasonGroupLocked},
	{ErrAlreadyMember, ReasonAlreadyMember},
	{ErrNotAMember, ReasonNotAMember},
	{ErrIsAdmin, ReasonIsAdmin},
	{ErrNotAdmin, ReasonNotAdmin},
	{ErrReputationTooLow, ReasonReputationTooLow},
	{ErrAmountMismatch, ReasonAmountMismatch},
	{ErrDuplicatePaid, ReasonDuplicatePaid},
	{ErrNotActiveMember, ReasonNotActiveMember},
	{ErrCycleMismatch, ReasonCycleMismatch},
	{ErrNotEligible, ReasonNotEligible},
	{ErrAlreadyReceived, ReasonAlreadyReceived},
	{ErrPayoutOrderViolation, ReasonPayoutOrderViolation},
	{ErrNoEligibleMember, ReasonNoEligibleMember},
	{ErrPayoutFinalized, ReasonPayoutFinalized},
	{ErrVerificationRequired, ReasonVerificationRequired},
	{ErrInvalidAmount, ReasonInvalidAmount},
	{ErrInvalidGroup, ReasonInvalidGroup},
	{ErrIntegrityViolation, ReasonIntegrityViolation},
	{ErrGroupNotFound, ReasonNotFound},
	{ErrPayoutNotFound, ReasonNotFound},
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RejectionError is a precondition failure with the context it was raised in.
type RejectionError struct {
	Err     error
	GroupID GroupID
	UserID  UserID
	Cycle   int
	Detail  string
}

func (e *RejectionError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, g GroupID, u UserID, cycle int, format string, args ...any) *RejectionError {
	return &RejectionError{Err: err, GroupID: g, UserID: u, Cycle: cycle, Detail: fmt.Sprintf(format, args...)}
}

// IntegrityError reports which invariant the stored state broke.
type IntegrityError struct {
	Check   string // e.g. "duplicate_payout_position"
	GroupID GroupID
	Detail  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s) in group %s: %s", e.Check, e.GroupID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ReasonOf maps err onto the closed Reason set. nil maps to ReasonNone and
// anything unrecognized (storage failures) to ReasonInternal.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for _, rs := range reasonBySentinel {
		if errors.Is(err, rs.err) {
			return rs.reason
		}
	}
	return ReasonInternal
}

// IsRejection returns true for expected business outcomes the caller should
// present to the user.
func IsRejection(err error) bool {
	switch ReasonOf(err) {
	case ReasonNone, ReasonIntegrityViolation, ReasonInternal, ReasonNotFound:
		return false
	}
	return true
}

func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrityViolation) }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrGroupNotFound) || errors.Is(err, ErrPayoutNotFound)
}

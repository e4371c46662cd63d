/*
rules.go - Composite checks for the REST layer

PURPOSE:
  The Validator answers "may this user do X right now?" without mutating
  anything. Each check returns a Verdict (accept, or a Reason plus message)
  instead of an error so handlers and UI pre-checks can present it directly.

SINGLE SOURCE OF TRUTH:
  Every check delegates to the same ledger and cycle functions the Engine
  runs when mutating. A pre-check can only ever disagree with the Engine if
  state changed in between, and the Engine's answer wins.
*/
package rosca

import (
	"context"
	"time"
)

// DefaultMinReputation is the minimum reputation score to join a group.
const DefaultMinReputation = 50

// Verification carries the identity checks the upstream auth service has
// already performed for the caller. The engine only reads them.
type Verification struct {
	EmailVerified bool
	KYCVerified   bool
}

type verificationKey struct{}

// WithVerification attaches the caller's verification flags to ctx.
func WithVerification(ctx context.Context, v Verification) context.Context {
	return context.WithValue(ctx, verificationKey{}, v)
}

// VerificationFrom returns the flags attached by WithVerification, or the
// zero Verification (nothing verified).
func VerificationFrom(ctx context.Context) Verification {
	v, _ := ctx.Value(verificationKey{}).(Verification)
	return v
}

// Verdict is the outcome of a rule check.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Message string
}

// Accept is the allowing verdict.
var Accept = Verdict{Allowed: true}

// VerdictOf converts an engine error into a Verdict.
func VerdictOf(err error) Verdict {
	if err == nil {
		return Accept
	}
	return Verdict{Reason: ReasonOf(err), Message: err.Error()}
}

// Validator evaluates join/contribute/payout/leave preconditions.
type Validator struct {
	// MinReputation gates joining. Zero disables the check.
	MinReputation int

	// RequireEmailVerification gates group creation and joining.
	RequireEmailVerification bool
	// RequireKYC gates contributions and payout requests.
	RequireKYC bool
}

func NewValidator(minReputation int) *Validator {
	return &Validator{MinReputation: minReputation}
}

// CheckReputation rejects scores under the configured minimum.
func (v *Validator) CheckReputation(g Group, userID UserID, score int) error {
	if v != nil && v.MinReputation > 0 && score < v.MinReputation {
		return reject(ErrReputationTooLow, g.ID, userID, g.CurrentCycle,
			"score %d, minimum required %d", score, v.MinReputation)
	}
	return nil
}

// CheckEmail rejects an unverified email when verification is required.
// It runs before any group state is read.
func (v *Validator) CheckEmail(groupID GroupID, userID UserID, ver Verification) error {
	if v != nil && v.RequireEmailVerification && !ver.EmailVerified {
		return reject(ErrVerificationRequired, groupID, userID, 0, "email verification required")
	}
	return nil
}

// CheckKYC rejects a caller without approved KYC when it is required.
func (v *Validator) CheckKYC(groupID GroupID, userID UserID, ver Verification) error {
	if v != nil && v.RequireKYC && !ver.KYCVerified {
		return reject(ErrVerificationRequired, groupID, userID, 0, "KYC verification required")
	}
	return nil
}

// CanJoin checks email verification, lock, capacity, existing membership
// and reputation.
func (v *Validator) CanJoin(g Group, members []Member, userID UserID, reputation int, ver Verification) Verdict {
	if err := v.CheckEmail(g.ID, userID, ver); err != nil {
		return VerdictOf(err)
	}
	if _, err := AddMember(g, members, userID, reputation, time.Time{}); err != nil {
		return VerdictOf(err)
	}
	return VerdictOf(v.CheckReputation(g, userID, reputation))
}

// CanContribute runs the contribution validation for a raw amount string.
func (v *Validator) CanContribute(userID UserID, g Group, members []Member, contributions []Contribution, amount string, cycle int, ver Verification) Verdict {
	if err := v.CheckKYC(g.ID, userID, ver); err != nil {
		return VerdictOf(err)
	}
	m, err := ParseMoney(amount)
	if err != nil {
		// Lock and membership outrank a malformed amount.
		if g.IsLocked {
			return VerdictOf(reject(ErrGroupLocked, g.ID, userID, cycle, ""))
		}
		if _, ok := FindActiveMember(members, userID); !ok {
			return VerdictOf(reject(ErrNotActiveMember, g.ID, userID, cycle, ""))
		}
		return VerdictOf(err)
	}
	_, err = RecordContribution(g, members, contributions, userID, cycle, m, time.Time{})
	return VerdictOf(err)
}

// CanRequestPayout runs the payout validation. payouts may be nil when the
// caller has none loaded; integrity checks then only cover contributions.
func (v *Validator) CanRequestPayout(userID UserID, g Group, members []Member, contributions []Contribution, payouts []Payout, cycle int, ver Verification) Verdict {
	if err := v.CheckKYC(g.ID, userID, ver); err != nil {
		return VerdictOf(err)
	}
	_, err := GrantPayout(g, members, contributions, payouts, userID, cycle, time.Time{})
	return VerdictOf(err)
}

// CanLeave runs the same checks as RemoveMember: membership, then admin.
func (v *Validator) CanLeave(userID UserID, g Group, members []Member) Verdict {
	_, err := RemoveMember(g, members, userID)
	return VerdictOf(err)
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names are the
  camelCase names existing mobile and web clients already read
  (contributionAmount, currentCycle, isLocked, payoutPosition, ...).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers that add the emitted events

MONEY:
  Amounts are JSON strings with two decimals ("100.00"). Requests accept a
  string or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - rosca/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/warp/rosca-engine/rosca"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateGroupRequest is the body of POST /api/groups. The caller becomes admin.
type CreateGroupRequest struct {
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	ContributionAmount rosca.Money `json:"contributionAmount"`
	Currency           string      `json:"currency"`
	Frequency          string      `json:"frequency"`
	MaxMembers         int         `json:"maxMembers"`
	PayoutOrder        []string    `json:"payoutOrder,omitempty"`
	ReputationScore    int         `json:"reputationScore"`
}

type JoinGroupRequest struct {
	ReputationScore int `json:"reputationScore"`
}

// ContributionRequest keeps the raw amount so a malformed value can be
// ranked against lock and membership checks.
type ContributionRequest struct {
	CycleNumber int       `json:"cycleNumber"`
	Amount      rawAmount `json:"amount"`
}

type PayoutRequest struct {
	CycleNumber int `json:"cycleNumber"`
}

type SettlePayoutRequest struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

// rawAmount accepts "100.00" or 100.00 and keeps the text.
type rawAmount string

func (a *rawAmount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}
	*a = rawAmount(s)
	return nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type GroupDTO struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	AdminID            string      `json:"adminId"`
	ContributionAmount rosca.Money `json:"contributionAmount"`
	Currency           string      `json:"currency"`
	Frequency          string      `json:"frequency"`
	MaxMembers         int         `json:"maxMembers"`
	CurrentCycle       int         `json:"currentCycle"`
	IsLocked           bool        `json:"isLocked"`
	PayoutOrder        []string    `json:"payoutOrder,omitempty"`
	NextPaymentDue     *time.Time  `json:"nextPaymentDue,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

type MemberDTO struct {
	GroupID           string    `json:"groupId"`
	UserID            string    `json:"userId"`
	IsActive          bool      `json:"isActive"`
	ReputationScore   int       `json:"reputationScore"`
	PayoutPosition    int       `json:"payoutPosition"`
	HasReceivedPayout bool      `json:"hasReceivedPayout"`
	JoinedAt          time.Time `json:"joinedAt"`
}

type ContributionDTO struct {
	ID          string      `json:"id"`
	GroupID     string      `json:"groupId"`
	UserID      string      `json:"userId"`
	CycleNumber int         `json:"cycleNumber"`
	Amount      rosca.Money `json:"amount"`
	Status      string      `json:"status"`
	PaidAt      *time.Time  `json:"paidAt,omitempty"`
	DueDate     *time.Time  `json:"dueDate,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type PayoutDTO struct {
	ID            string      `json:"id"`
	GroupID       string      `json:"groupId"`
	UserID        string      `json:"userId"`
	CycleNumber   int         `json:"cycleNumber"`
	Amount        rosca.Money `json:"amount"`
	Status        string      `json:"status"`
	TransactionID string      `json:"transactionId,omitempty"`
	SettledAt     *time.Time  `json:"settledAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type CycleStateDTO struct {
	Cycle          int         `json:"cycle"`
	Phase          string      `json:"phase"`
	PaidCount      int         `json:"paidCount"`
	ActiveCount    int         `json:"activeCount"`
	Pool           rosca.Money `json:"pool"`
	NextPaymentDue *time.Time  `json:"nextPaymentDue,omitempty"`
}

type GroupDetailDTO struct {
	Group         GroupDTO          `json:"group"`
	Members       []MemberDTO       `json:"members"`
	Contributions []ContributionDTO `json:"contributions"`
	State         CycleStateDTO     `json:"state"`
}

type PayoutStatusDTO struct {
	IsEligible     bool        `json:"isEligible"`
	HasReceived    bool        `json:"hasReceived"`
	ExpectedAmount rosca.Money `json:"expectedAmount"`
}

type VerdictDTO struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type PrechecksDTO struct {
	Join       VerdictDTO `json:"join"`
	Contribute VerdictDTO `json:"contribute"`
	Payout     VerdictDTO `json:"payout"`
	Leave      VerdictDTO `json:"leave"`
}

type GroupResponse struct {
	Group  GroupDTO      `json:"group"`
	Admin  *MemberDTO    `json:"admin,omitempty"`
	Events []rosca.Event `json:"events"`
}

type MemberResponse struct {
	Member MemberDTO     `json:"member"`
	Events []rosca.Event `json:"events"`
}

type ContributionResponse struct {
	Contribution ContributionDTO `json:"contribution"`
	State        CycleStateDTO   `json:"state"`
	Events       []rosca.Event   `json:"events"`
}

type PayoutResponse struct {
	Payout    PayoutDTO     `json:"payout"`
	Group     GroupDTO      `json:"group"`
	Completed bool          `json:"completed"`
	Events    []rosca.Event `json:"events"`
}

type SettlementResponse struct {
	Payout PayoutDTO     `json:"payout"`
	Events []rosca.Event `json:"events"`
}

type AdvanceResponse struct {
	Groups int `json:"groups"`
	Missed int `json:"missed"`
	Failed int `json:"failed"`
	Locked int `json:"skippedLocked"`
}

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toGroupDTO(g rosca.Group) GroupDTO {
	var order []string
	for _, u := range g.PayoutOrder {
		order = append(order, string(u))
	}
	return GroupDTO{
		ID:                 string(g.ID),
		Name:               g.Name,
		Description:        g.Description,
		AdminID:            string(g.AdminID),
		ContributionAmount: g.ContributionAmount,
		Currency:           g.Currency,
		Frequency:          string(g.Frequency),
		MaxMembers:         g.MaxMembers,
		CurrentCycle:       g.CurrentCycle,
		IsLocked:           g.IsLocked,
		PayoutOrder:        order,
		NextPaymentDue:     timePtr(g.NextPaymentDue),
		CreatedAt:          g.CreatedAt,
		UpdatedAt:          g.UpdatedAt,
	}
}

func toMemberDTO(m rosca.Member) MemberDTO {
	return MemberDTO{
		GroupID:           string(m.GroupID),
		UserID:            string(m.UserID),
		IsActive:          m.IsActive,
		ReputationScore:   m.ReputationScore,
		PayoutPosition:    m.PayoutPosition,
		HasReceivedPayout: m.HasReceivedPayout,
		JoinedAt:          m.JoinedAt,
	}
}

func toMemberDTOs(ms []rosca.Member) []MemberDTO {
	out := make([]MemberDTO, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMemberDTO(m))
	}
	return out
}

func toContributionDTO(c rosca.Contribution) ContributionDTO {
	return ContributionDTO{
		ID:          c.ID,
		GroupID:     string(c.GroupID),
		UserID:      string(c.UserID),
		CycleNumber: c.CycleNumber,
		Amount:      c.Amount,
		Status:      string(c.Status),
		PaidAt:      c.PaidAt,
		DueDate:     timePtr(c.DueDate),
		CreatedAt:   c.CreatedAt,
	}
}

func toContributionDTOs(cs []rosca.Contribution) []ContributionDTO {
	out := make([]ContributionDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, toContributionDTO(c))
	}
	return out
}

func toPayoutDTO(p rosca.Payout) PayoutDTO {
	return PayoutDTO{
		ID:            p.ID,
		GroupID:       string(p.GroupID),
		UserID:        string(p.UserID),
		CycleNumber:   p.CycleNumber,
		Amount:        p.Amount,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		SettledAt:     p.SettledAt,
		CreatedAt:     p.CreatedAt,
	}
}

func toPayoutDTOs(ps []rosca.Payout) []PayoutDTO {
	out := make([]PayoutDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPayoutDTO(p))
	}
	return out
}

func toCycleStateDTO(st rosca.CycleState) CycleStateDTO {
	return CycleStateDTO{
		Cycle:          st.Cycle,
		Phase:          string(st.Phase),
		PaidCount:      st.PaidCount,
		ActiveCount:    st.ActiveCount,
		Pool:           st.Pool,
		NextPaymentDue: timePtr(st.NextPaymentDue),
	}
}

func toVerdictDTO(v rosca.Verdict) VerdictDTO {
	return VerdictDTO{Allowed: v.Allowed, Reason: string(v.Reason), Message: v.Message}
}

func eventsOrEmpty(evs []rosca.Event) []rosca.Event {
	if evs == nil {
		return []rosca.Event{}
	}
	return evs
}

package rosca

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DOMAIN EVENTS - Returned with every mutation, delivered by the caller
// =============================================================================

type EventType string

const (
	EventGroupCreated         EventType = "group_created"
	EventMemberJoined         EventType = "member_joined"
	EventMemberLeft           EventType = "member_left"
	EventContributionRecorded EventType = "contribution_recorded"
	EventCyclePayoutEligible  EventType = "cycle_payout_eligible"
	EventPayoutGranted        EventType = "payout_granted"
	EventCycleAdvanced        EventType = "cycle_advanced"
	EventGroupCompleted       EventType = "group_completed"
	EventContributionsMissed  EventType = "contributions_missed"
	EventPayoutSettled        EventType = "payout_settled"
	EventGroupClosed          EventType = "group_closed"
)

// Event describes something that happened to a group. The engine never
// delivers events; the caller decides on push, email, SMS or a broker.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	GroupID    GroupID   `json:"groupId"`
	UserID     UserID    `json:"userId,omitempty"`
	Cycle      int       `json:"cycle,omitempty"`
	Amount     *Money    `json:"amount,omitempty"`
	Count      int       `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newEvent(t EventType, g GroupID, u UserID, cycle int, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, GroupID: g, UserID: u, Cycle: cycle, OccurredAt: now}
}

func (e Event) withAmount(m Money) Event {
	e.Amount = &m
	return e
}

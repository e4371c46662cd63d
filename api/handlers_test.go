/*
handlers_test.go - HTTP tests for the savings group API

Tests for:
- Group lifecycle, membership, contributions and payouts over the router
- Rejection reason to HTTP status mapping
- Event publication and metrics exposure
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rosca-engine/rosca"
	"github.com/warp/rosca-engine/rosca/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var apiNow = time.Date(2025, time.February, 3, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []rosca.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...rosca.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []rosca.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]rosca.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testAPI struct {
	t         *testing.T
	handler   *Handler
	router    *chi.Mux
	store     *store.Memory
	publisher *recordingPublisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	engine := rosca.NewEngine(mem, rosca.WithClock(func() time.Time { return apiNow }))
	h := NewHandler(engine, nil)
	pub := &recordingPublisher{}
	h.Publisher = pub
	return &testAPI{
		t:         t,
		handler:   h,
		router:    NewRouter(h, RouterOptions{}),
		store:     mem,
		publisher: pub,
	}
}

func (a *testAPI) do(method, path, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.doWithHeaders(method, path, user, nil, body)
}

func (a *testAPI) doWithHeaders(method, path, user string, headers map[string]string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createGroup creates a group as admin and joins the other users in order.
func (a *testAPI) createGroup(maxMembers int, admin string, others ...string) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/groups", admin, map[string]any{
		"name":               "Office circle",
		"contributionAmount": "100",
		"frequency":          "monthly",
		"maxMembers":         maxMembers,
		"reputationScore":    90,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[GroupResponse](a.t, rec).Group.ID

	for _, u := range others {
		rec := a.do(http.MethodPost, "/api/groups/"+id+"/join", u, JoinGroupRequest{ReputationScore: 80})
		require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return id
}

func (a *testAPI) contribute(id, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.do(http.MethodPost, "/api/groups/"+id+"/contributions", user, body)
}

func assertRejected(t *testing.T, rec *httptest.ResponseRecorder, status int, reason rosca.Reason) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(reason), resp.Reason)
	assert.NotEmpty(t, resp.Error)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.handler.Ping = func(context.Context) error { return errors.New("disk gone") }
	rec = a.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

// =============================================================================
// GROUPS
// =============================================================================

func TestCreateGroup(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/groups", "A", map[string]any{
		"name":               "Office circle",
		"contributionAmount": 250.5,
		"frequency":          "bi-weekly",
		"maxMembers":         4,
		"payoutOrder":        []string{"A", "B"},
		"reputationScore":    90,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[GroupResponse](t, rec)
	assert.Equal(t, "A", resp.Group.AdminID)
	assert.Equal(t, "250.50", resp.Group.ContributionAmount.String())
	assert.Equal(t, "USD", resp.Group.Currency)
	assert.Equal(t, 1, resp.Group.CurrentCycle)
	assert.Equal(t, []string{"A", "B"}, resp.Group.PayoutOrder)
	require.NotNil(t, resp.Group.NextPaymentDue)
	assert.True(t, apiNow.AddDate(0, 0, 14).Equal(*resp.Group.NextPaymentDue))
	require.NotNil(t, resp.Admin)
	assert.Equal(t, 1, resp.Admin.PayoutPosition)
	assert.Contains(t, rec.Body.String(), `"contributionAmount":"250.50"`)

	assert.Equal(t, []rosca.EventType{rosca.EventGroupCreated, rosca.EventMemberJoined}, a.publisher.types())
}

func TestCreateGroup_BadRequests(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/groups", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/groups", "A", map[string]any{
		"contributionAmount": "12.345", "frequency": "monthly", "maxMembers": 3,
	})
	assertRejected(t, rec, http.StatusBadRequest, rosca.ReasonInvalidAmount)

	rec = a.do(http.MethodPost, "/api/groups", "A", map[string]any{
		"contributionAmount": "100", "frequency": "daily", "maxMembers": 1,
	})
	assertRejected(t, rec, http.StatusBadRequest, rosca.ReasonInvalidGroup)

	rec = a.do(http.MethodPost, "/api/groups", "A", `{"unknown": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGroup(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	rec := a.do(http.MethodGet, "/api/groups/"+id, "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[GroupDetailDTO](t, rec)
	assert.Len(t, detail.Members, 2)
	assert.Empty(t, detail.Contributions)
	assert.Equal(t, "open", detail.State.Phase)
	assert.Equal(t, 2, detail.State.ActiveCount)

	rec = a.do(http.MethodGet, "/api/groups/nope", "B", nil)
	assertRejected(t, rec, http.StatusNotFound, rosca.ReasonNotFound)
}

func TestGetGroup_MembersOnly(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/groups/"+id, "", nil).Code)
	assertRejected(t, a.do(http.MethodGet, "/api/groups/"+id, "Z", nil), http.StatusForbidden, rosca.ReasonNotAMember)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/groups/"+id+"/leave", "B", nil).Code)
	assertRejected(t, a.do(http.MethodGet, "/api/groups/"+id, "B", nil), http.StatusForbidden, rosca.ReasonNotAMember)
}

// =============================================================================
// CALLER-SCOPED LISTS
// =============================================================================

func TestCallerLists(t *testing.T) {
	// GIVEN: B belongs to two groups and A has been paid out in one
	// WHEN: Callers list their groups, contributions and payouts
	// THEN: Each list only holds the caller's records

	a := newTestAPI(t)
	g1 := a.createGroup(2, "A", "B")
	g2 := a.createGroup(3, "C", "B")
	a.createGroup(3, "D")

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(g1, u, map[string]any{"amount": "100"}).Code)
	}
	require.Equal(t, http.StatusCreated, a.contribute(g2, "B", map[string]any{"amount": "100"}).Code)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/groups/"+g1+"/payout", "A", nil).Code)

	rec := a.do(http.MethodGet, "/api/groups", "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	for _, g := range decode[[]GroupDTO](t, rec) {
		ids = append(ids, g.ID)
	}
	assert.ElementsMatch(t, []string{g1, g2}, ids)

	rec = a.do(http.MethodGet, "/api/contributions", "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ContributionDTO](t, rec), 2)

	rec = a.do(http.MethodGet, "/api/contributions?groupId="+g2, "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cs := decode[[]ContributionDTO](t, rec)
	require.Len(t, cs, 1)
	assert.Equal(t, g2, cs[0].GroupID)

	rec = a.do(http.MethodGet, "/api/payouts", "A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ps := decode[[]PayoutDTO](t, rec)
	require.Len(t, ps, 1)
	assert.Equal(t, "200.00", ps[0].Amount.String())

	rec = a.do(http.MethodGet, "/api/payouts", "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]PayoutDTO](t, rec))

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/groups", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/contributions", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/payouts", "", nil).Code)
}

func TestPayoutHistory(t *testing.T) {
	a := newTestAPI(t)
	g1 := a.createGroup(2, "A", "B")
	g2 := a.createGroup(2, "C", "D")

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(g1, u, map[string]any{"amount": "100"}).Code)
	}
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/groups/"+g1+"/payout", "A", nil).Code)

	rec := a.do(http.MethodGet, "/api/payouts/history?groupId="+g1, "A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PayoutDTO](t, rec), 1)

	rec = a.do(http.MethodGet, "/api/payouts/history", "A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PayoutDTO](t, rec), 1)

	assertRejected(t, a.do(http.MethodGet, "/api/payouts/history?groupId="+g2, "A", nil), http.StatusForbidden, rosca.ReasonNotAMember)
	assertRejected(t, a.do(http.MethodGet, "/api/payouts/history?groupId=nope", "A", nil), http.StatusNotFound, rosca.ReasonNotFound)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestVerificationHeaders(t *testing.T) {
	// GIVEN: A validator requiring email verification and KYC
	// WHEN: Requests arrive with and without the gateway's flags
	// THEN: Missing flags are refused with 403 verification_required

	a := newTestAPI(t)
	v := rosca.NewValidator(rosca.DefaultMinReputation)
	v.RequireEmailVerification = true
	v.RequireKYC = true
	a.handler.Engine = rosca.NewEngine(a.store, rosca.WithValidator(v), rosca.WithClock(func() time.Time { return apiNow }))

	email := map[string]string{EmailVerifiedHeader: "true"}
	full := map[string]string{EmailVerifiedHeader: "true", KYCVerifiedHeader: "1"}
	terms := map[string]any{"contributionAmount": "100", "frequency": "monthly", "maxMembers": 2, "reputationScore": 90}

	rec := a.do(http.MethodPost, "/api/groups", "A", terms)
	assertRejected(t, rec, http.StatusForbidden, rosca.ReasonVerificationRequired)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "email verification required")

	rec = a.doWithHeaders(http.MethodPost, "/api/groups", "A", map[string]string{EmailVerifiedHeader: "yes"}, terms)
	assertRejected(t, rec, http.StatusForbidden, rosca.ReasonVerificationRequired)

	rec = a.doWithHeaders(http.MethodPost, "/api/groups", "A", email, terms)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[GroupResponse](t, rec).Group.ID

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/join", "B", JoinGroupRequest{ReputationScore: 80}),
		http.StatusForbidden, rosca.ReasonVerificationRequired)
	require.Equal(t, http.StatusCreated, a.doWithHeaders(http.MethodPost, "/api/groups/"+id+"/join", "B", email, JoinGroupRequest{ReputationScore: 80}).Code)

	rec = a.doWithHeaders(http.MethodPost, "/api/groups/"+id+"/contributions", "A", email, map[string]any{"amount": "100"})
	assertRejected(t, rec, http.StatusForbidden, rosca.ReasonVerificationRequired)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "KYC verification required")

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.doWithHeaders(http.MethodPost, "/api/groups/"+id+"/contributions", u, full, map[string]any{"amount": "100"}).Code)
	}
	assertRejected(t, a.doWithHeaders(http.MethodPost, "/api/groups/"+id+"/payout", "A", email, nil),
		http.StatusForbidden, rosca.ReasonVerificationRequired)
	assert.Equal(t, http.StatusCreated, a.doWithHeaders(http.MethodPost, "/api/groups/"+id+"/payout", "A", full, nil).Code)
}

func TestCloseGroup(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/close", "B", nil), http.StatusForbidden, rosca.ReasonNotAdmin)

	rec := a.do(http.MethodPost, "/api/groups/"+id+"/close", "A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[GroupResponse](t, rec).Group.IsLocked)

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/join", "C", nil), http.StatusConflict, rosca.ReasonGroupLocked)
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

func TestJoinAndLeave(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(2, "A")

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/join", "B", JoinGroupRequest{ReputationScore: 10}),
		http.StatusForbidden, rosca.ReasonReputationTooLow)

	rec := a.do(http.MethodPost, "/api/groups/"+id+"/join", "B", JoinGroupRequest{ReputationScore: 60})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, decode[MemberResponse](t, rec).Member.PayoutPosition)

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/join", "B", JoinGroupRequest{ReputationScore: 60}),
		http.StatusConflict, rosca.ReasonAlreadyMember)
	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/join", "D", JoinGroupRequest{ReputationScore: 60}),
		http.StatusConflict, rosca.ReasonGroupFull)

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/leave", "A", nil), http.StatusForbidden, rosca.ReasonIsAdmin)

	rec = a.do(http.MethodPost, "/api/groups/"+id+"/leave", "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[MemberResponse](t, rec).Member.IsActive)

	rec = a.do(http.MethodGet, "/api/groups/"+id+"/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]MemberDTO](t, rec), 2)
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func TestContribute(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(2, "A", "B")

	rec := a.contribute(id, "A", map[string]any{"amount": "100.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[ContributionResponse](t, rec)
	assert.Equal(t, "paid", resp.Contribution.Status)
	assert.Equal(t, 1, resp.Contribution.CycleNumber)
	assert.Equal(t, "open", resp.State.Phase)

	rec = a.contribute(id, "B", map[string]any{"amount": 100, "cycleNumber": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp = decode[ContributionResponse](t, rec)
	assert.Equal(t, "payout_eligible", resp.State.Phase)
	assert.Equal(t, "200.00", resp.State.Pool.String())
	assert.Contains(t, a.publisher.types(), rosca.EventCyclePayoutEligible)

	rec = a.do(http.MethodGet, "/api/groups/"+id+"/contributions?cycle=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ContributionDTO](t, rec), 2)

	rec = a.do(http.MethodGet, "/api/groups/"+id+"/contributions?cycle=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContribute_Rejections(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	assertRejected(t, a.contribute(id, "A", map[string]any{"amount": "99.99"}), http.StatusBadRequest, rosca.ReasonAmountMismatch)
	assertRejected(t, a.contribute(id, "A", map[string]any{"amount": "100", "cycleNumber": 2}), http.StatusBadRequest, rosca.ReasonCycleMismatch)

	require.Equal(t, http.StatusCreated, a.contribute(id, "A", map[string]any{"amount": "100"}).Code)
	assertRejected(t, a.contribute(id, "A", map[string]any{"amount": "100"}), http.StatusConflict, rosca.ReasonDuplicatePaid)

	assertRejected(t, a.contribute("nope", "A", map[string]any{"amount": "100", "cycleNumber": 1}), http.StatusNotFound, rosca.ReasonNotFound)
}

func TestContribute_MalformedAmountRanking(t *testing.T) {
	// GIVEN: A malformed amount
	// WHEN: The caller is a member, a non-member, or the group is locked
	// THEN: Lock and membership outrank the amount error

	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	assertRejected(t, a.contribute(id, "B", map[string]any{"amount": "ten"}), http.StatusBadRequest, rosca.ReasonInvalidAmount)
	assertRejected(t, a.contribute(id, "B", map[string]any{"amount": "-100"}), http.StatusBadRequest, rosca.ReasonInvalidAmount)
	assertRejected(t, a.contribute(id, "Z", map[string]any{"amount": "ten"}), http.StatusForbidden, rosca.ReasonNotActiveMember)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/groups/"+id+"/close", "A", nil).Code)
	assertRejected(t, a.contribute(id, "B", map[string]any{"amount": "ten"}), http.StatusConflict, rosca.ReasonGroupLocked)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func TestPayoutRotation(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(2, "A", "B")

	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/payout", "A", nil), http.StatusConflict, rosca.ReasonNotEligible)

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(id, u, map[string]any{"amount": "100"}).Code)
	}
	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/payout", "B", nil), http.StatusConflict, rosca.ReasonPayoutOrderViolation)

	rec := a.do(http.MethodPost, "/api/groups/"+id+"/payout", "A", PayoutRequest{CycleNumber: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[PayoutResponse](t, rec)
	assert.Equal(t, "200.00", first.Payout.Amount.String())
	assert.Equal(t, "pending", first.Payout.Status)
	assert.Equal(t, 2, first.Group.CurrentCycle)
	assert.False(t, first.Completed)

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(id, u, map[string]any{"amount": "100"}).Code)
	}
	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/payout", "A", nil), http.StatusConflict, rosca.ReasonAlreadyReceived)

	rec = a.do(http.MethodPost, "/api/groups/"+id+"/payout", "B", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	last := decode[PayoutResponse](t, rec)
	assert.True(t, last.Completed)
	assert.True(t, last.Group.IsLocked)
	assert.Contains(t, a.publisher.types(), rosca.EventGroupCompleted)

	assertRejected(t, a.contribute(id, "A", map[string]any{"amount": "100"}), http.StatusConflict, rosca.ReasonGroupLocked)

	rec = a.do(http.MethodGet, "/api/groups/"+id+"/payouts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payouts := decode[[]PayoutDTO](t, rec)
	require.Len(t, payouts, 2)
	assert.Equal(t, "A", payouts[0].UserID)
	assert.Equal(t, "B", payouts[1].UserID)
}

func TestSettlePayout(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")
	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(id, u, map[string]any{"amount": "100"}).Code)
	}
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/groups/"+id+"/payout", "A", nil).Code)

	path := "/api/groups/" + id + "/payouts/1/settle"
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, path, "", SettlePayoutRequest{Status: "pending"}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/groups/"+id+"/payouts/zero/settle", "", SettlePayoutRequest{Status: "completed"}).Code)
	assertRejected(t, a.do(http.MethodPost, "/api/groups/"+id+"/payouts/2/settle", "", SettlePayoutRequest{Status: "completed"}),
		http.StatusNotFound, rosca.ReasonNotFound)

	rec := a.do(http.MethodPost, path, "", SettlePayoutRequest{Status: "completed", TransactionID: "txn-42"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decode[SettlementResponse](t, rec)
	assert.Equal(t, "completed", settled.Payout.Status)
	assert.Equal(t, "txn-42", settled.Payout.TransactionID)
	require.NotNil(t, settled.Payout.SettledAt)

	assertRejected(t, a.do(http.MethodPost, path, "", SettlePayoutRequest{Status: "failed"}), http.StatusConflict, rosca.ReasonPayoutFinalized)
}

func TestPayoutStatus(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	rec := a.do(http.MethodGet, "/api/groups/"+id+"/payout-status", "A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[PayoutStatusDTO](t, rec)
	assert.False(t, st.IsEligible)
	assert.Contains(t, rec.Body.String(), `"expectedAmount":"0.00"`)

	for _, u := range []string{"A", "B"} {
		require.Equal(t, http.StatusCreated, a.contribute(id, u, map[string]any{"amount": "100"}).Code)
	}
	rec = a.do(http.MethodGet, "/api/groups/"+id+"/payout-status?userId=B&cycle=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = decode[PayoutStatusDTO](t, rec)
	assert.True(t, st.IsEligible)
	assert.False(t, st.HasReceived)
	assert.Equal(t, "200.00", st.ExpectedAmount.String())

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/groups/"+id+"/payout-status", "", nil).Code)
	assertRejected(t, a.do(http.MethodGet, "/api/groups/"+id+"/payout-status?userId=Z", "", nil), http.StatusForbidden, rosca.ReasonNotAMember)
}

// =============================================================================
// CHECKS
// =============================================================================

func TestPrechecks(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	rec := a.do(http.MethodGet, "/api/groups/"+id+"/prechecks?reputation=20", "C", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pre := decode[PrechecksDTO](t, rec)
	assert.False(t, pre.Join.Allowed)
	assert.Equal(t, string(rosca.ReasonReputationTooLow), pre.Join.Reason)
	assert.Equal(t, string(rosca.ReasonNotActiveMember), pre.Contribute.Reason)
	assert.Equal(t, string(rosca.ReasonNotAMember), pre.Leave.Reason)

	rec = a.do(http.MethodGet, "/api/groups/"+id+"/prechecks?amount=100", "B", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pre = decode[PrechecksDTO](t, rec)
	assert.True(t, pre.Contribute.Allowed)
	assert.True(t, pre.Leave.Allowed)
	assert.Equal(t, string(rosca.ReasonNotEligible), pre.Payout.Reason)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/groups/"+id+"/prechecks?reputation=high", "B", nil).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdvanceNow(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodPost, "/api/admin/advance", "", nil).Code)

	id := a.createGroup(3, "A", "B", "C")
	require.Equal(t, http.StatusCreated, a.contribute(id, "A", map[string]any{"amount": "100"}).Code)

	sched := NewCycleScheduler(a.handler.Engine, nil, a.publisher, a.handler.Metrics, nil)
	sched.Now = func() time.Time { return apiNow.AddDate(0, 1, 1) }
	a.handler.Scheduler = sched

	rec := a.do(http.MethodPost, "/api/admin/advance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AdvanceResponse](t, rec)
	assert.Equal(t, 1, resp.Groups)
	assert.Equal(t, 2, resp.Missed)
	assert.Equal(t, 0, resp.Failed)
	assert.Contains(t, a.publisher.types(), rosca.EventContributionsMissed)
}

// =============================================================================
// EVENTS AND METRICS
// =============================================================================

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	a := newTestAPI(t)
	a.publisher.err = errors.New("broker down")

	rec := a.do(http.MethodPost, "/api/groups", "A", map[string]any{
		"contributionAmount": "5", "frequency": "weekly", "maxMembers": 2,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(2, "A", "B")
	a.contribute(id, "A", map[string]any{"amount": "1"})

	rec := a.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `rosca_engine_operations_total{operation="create_group",outcome="ok"} 1`)
	assert.Contains(t, body, `rosca_engine_rejections_total{reason="amount_mismatch"} 1`)
	assert.True(t, strings.Contains(body, "rosca_http_request_duration_seconds_bucket"))
}

func TestResetData(t *testing.T) {
	a := newTestAPI(t)
	id := a.createGroup(3, "A", "B")

	assertRejected(t, a.do(http.MethodPost, "/api/admin/reset", "", nil), http.StatusNotFound, "")

	a.handler.Reset = a.store.Reset
	rec := a.do(http.MethodPost, "/api/admin/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assertRejected(t, a.do(http.MethodGet, "/api/groups/"+id, "A", nil), http.StatusNotFound, rosca.ReasonNotFound)

	a.handler.Reset = func(context.Context) error { return errors.New("read-only filesystem") }
	assert.Equal(t, http.StatusInternalServerError, a.do(http.MethodPost, "/api/admin/reset", "", nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		reason rosca.Reason
		want   int
	}{
		{rosca.ReasonInvalidAmount, http.StatusBadRequest},
		{rosca.ReasonAmountMismatch, http.StatusBadRequest},
		{rosca.ReasonNotAdmin, http.StatusForbidden},
		{rosca.ReasonNotActiveMember, http.StatusForbidden},
		{rosca.ReasonVerificationRequired, http.StatusForbidden},
		{rosca.ReasonNotFound, http.StatusNotFound},
		{rosca.ReasonGroupFull, http.StatusConflict},
		{rosca.ReasonPayoutFinalized, http.StatusConflict},
		{rosca.ReasonIntegrityViolation, http.StatusInternalServerError},
		{rosca.ReasonInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.reason))
		})
	}
}

/*
handlers.go - HTTP API handlers for savings groups

PURPOSE:
  Exposes the rosca Engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the engine.

ENDPOINTS:
  Caller:
    GET    /api/groups                          Groups the caller is active in
    GET    /api/contributions                   Caller's contributions, ?groupId=
    GET    /api/payouts                         Caller's payouts
    GET    /api/payouts/history                 ?groupId= (membership checked)

  Groups:
    POST   /api/groups                          Create group (caller is admin)
    GET    /api/groups/{id}                     Group, members, cycle state (members only)
    POST   /api/groups/{id}/close               Admin locks the group

  Membership:
    GET    /api/groups/{id}/members             All member records
    POST   /api/groups/{id}/join                Join (reputation gated)
    POST   /api/groups/{id}/leave               Leave (admin cannot)

  Contributions:
    POST   /api/groups/{id}/contributions       Record the caller's payment
    GET    /api/groups/{id}/contributions       ?cycle= (default current)

  Payouts:
    POST   /api/groups/{id}/payout              Caller claims the cycle's pool
    GET    /api/groups/{id}/payouts             Payout history
    POST   /api/groups/{id}/payouts/{cycle}/settle  Gateway outcome
    GET    /api/groups/{id}/payout-status       ?userId=&cycle=

  Checks:
    GET    /api/groups/{id}/prechecks           ?reputation=&amount=&cycle=

  Admin:
    POST   /api/admin/advance                   Run the cycle scheduler now
    POST   /api/admin/reset                     Wipe storage (when enabled)

IDENTITY:
  Authentication happens upstream. The caller's user id arrives in the
  X-User-ID header and is trusted, as are the X-Email-Verified and
  X-KYC-Verified flags (see server.go).

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine (one transaction per call)
  3. Count the outcome in Prometheus
  4. Publish the returned events
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON {error, reason, details}:
  - 400: invalid_amount, invalid_group, amount_mismatch, cycle_mismatch
  - 401: missing X-User-ID
  - 403: not_admin, is_admin, reputation_too_low, not_a_member, not_active_member,
         verification_required
  - 404: not_found
  - 409: every other rejection (state conflicts)
  - 500: integrity_violation, internal

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/rosca-engine/notify"
	"github.com/warp/rosca-engine/rosca"
)

// UserHeader carries the authenticated caller's id.
const UserHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *rosca.Engine
	Publisher notify.Publisher
	Metrics   *Metrics
	Logger    *zap.Logger
	Scheduler *CycleScheduler

	// Ping reports storage health for /api/health. Optional.
	Ping func(ctx context.Context) error
	// Reset wipes storage for /api/admin/reset. Nil disables the endpoint.
	Reset func(ctx context.Context) error
}

// NewHandler creates a handler with a log publisher and fresh metrics.
func NewHandler(engine *rosca.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:    engine,
		Publisher: notify.NewLogPublisher(logger),
		Metrics:   NewMetrics(),
		Logger:    logger,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", "", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// GROUPS
// =============================================================================

// CreateGroup creates a group with the caller as admin.
// POST /api/groups
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	order := make([]rosca.UserID, 0, len(req.PayoutOrder))
	for _, u := range req.PayoutOrder {
		order = append(order, rosca.UserID(u))
	}

	res, err := h.Engine.CreateGroup(r.Context(), rosca.NewGroup{
		Name:               req.Name,
		Description:        req.Description,
		AdminID:            caller,
		AdminReputation:    req.ReputationScore,
		ContributionAmount: req.ContributionAmount,
		Currency:           currency,
		Frequency:          rosca.Frequency(req.Frequency),
		MaxMembers:         req.MaxMembers,
		PayoutOrder:        order,
	})
	h.Metrics.ObserveOperation("create_group", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(r.Context(), res.Events)

	admin := toMemberDTO(res.Admin)
	writeJSON(w, http.StatusCreated, GroupResponse{
		Group:  toGroupDTO(res.Group),
		Admin:  &admin,
		Events: eventsOrEmpty(res.Events),
	})
}

// ListMyGroups returns the groups the caller is an active member of.
// GET /api/groups
func (h *Handler) ListMyGroups(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	groups, err := h.Engine.UserGroups(r.Context(), caller)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]GroupDTO, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupDTO(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetGroup returns the group with its members and current cycle. Only
// active members may read it.
// GET /api/groups/{id}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.GroupFor(r.Context(), groupID(r), caller)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupDetailDTO{
		Group:         toGroupDTO(view.Group),
		Members:       toMemberDTOs(view.Members),
		Contributions: toContributionDTOs(view.Contributions),
		State:         toCycleStateDTO(view.State),
	})
}

// CloseGroup locks the group. Admin only.
// POST /api/groups/{id}/close
func (h *Handler) CloseGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	g, events, err := h.Engine.CloseGroup(r.Context(), groupID(r), caller)
	h.Metrics.ObserveOperation("close_group", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(r.Context(), events)
	writeJSON(w, http.StatusOK, GroupResponse{Group: toGroupDTO(g), Events: eventsOrEmpty(events)})
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// ListMembers returns every member record, active or not.
// GET /api/groups/{id}/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Engine.Members(r.Context(), groupID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTOs(members))
}

// JoinGroup adds the caller to the group.
// POST /api/groups/{id}/join
func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req JoinGroupRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	res, err := h.Engine.Join(r.Context(), groupID(r), caller, req.ReputationScore)
	h.Metrics.ObserveOperation("join", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(r.Context(), res.Events)
	writeJSON(w, http.StatusCreated, MemberResponse{Member: toMemberDTO(res.Member), Events: eventsOrEmpty(res.Events)})
}

// LeaveGroup deactivates the caller's membership.
// POST /api/groups/{id}/leave
func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Leave(r.Context(), groupID(r), caller)
	h.Metrics.ObserveOperation("leave", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(r.Context(), res.Events)
	writeJSON(w, http.StatusOK, MemberResponse{Member: toMemberDTO(res.Member), Events: eventsOrEmpty(res.Events)})
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

// Contribute records the caller's payment. cycleNumber defaults to current.
// POST /api/groups/{id}/contributions
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ContributionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	ctx := r.Context()
	gid := groupID(r)

	cycle := req.CycleNumber
	if cycle == 0 {
		view, err := h.Engine.GetGroup(ctx, gid)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		cycle = view.Group.CurrentCycle
	}

	amount, err := rosca.ParseMoney(string(req.Amount))
	if err != nil {
		// A locked group or non-member outranks a malformed amount.
		pre, perr := h.Engine.Precheck(ctx, gid, caller, rosca.PrecheckInput{Amount: string(req.Amount), Cycle: cycle})
		if perr != nil {
			h.writeEngineError(w, perr)
			return
		}
		h.Metrics.ObserveOperation("contribute", err)
		writeVerdict(w, pre.Contribute, err)
		return
	}

	res, err := h.Engine.Contribute(ctx, gid, caller, cycle, amount)
	h.Metrics.ObserveOperation("contribute", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(ctx, res.Events)
	writeJSON(w, http.StatusCreated, ContributionResponse{
		Contribution: toContributionDTO(res.Contribution),
		State:        toCycleStateDTO(res.State),
		Events:       eventsOrEmpty(res.Events),
	})
}

// ListContributions returns one cycle's contributions.
// GET /api/groups/{id}/contributions?cycle=
func (h *Handler) ListContributions(w http.ResponseWriter, r *http.Request) {
	cycle, err := queryInt(r, "cycle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle", "", err)
		return
	}
	cs, err := h.Engine.Contributions(r.Context(), groupID(r), cycle)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionDTOs(cs))
}

// ListMyContributions returns the caller's contributions, newest first.
// GET /api/contributions?groupId=
func (h *Handler) ListMyContributions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	gid := rosca.GroupID(r.URL.Query().Get("groupId"))
	cs, err := h.Engine.UserContributions(r.Context(), caller, gid)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionDTOs(cs))
}

// =============================================================================
// PAYOUTS
// =============================================================================

// RequestPayout grants the cycle's pool to the caller if it is their turn.
// POST /api/groups/{id}/payout
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req PayoutRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	ctx := r.Context()
	gid := groupID(r)

	cycle := req.CycleNumber
	if cycle == 0 {
		view, err := h.Engine.GetGroup(ctx, gid)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		cycle = view.Group.CurrentCycle
	}

	res, err := h.Engine.RequestPayout(ctx, gid, caller, cycle)
	h.Metrics.ObserveOperation("request_payout", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(ctx, res.Events)
	writeJSON(w, http.StatusCreated, PayoutResponse{
		Payout:    toPayoutDTO(res.Payout),
		Group:     toGroupDTO(res.Group),
		Completed: res.Completed,
		Events:    eventsOrEmpty(res.Events),
	})
}

// ListPayouts returns the group's payouts ordered by cycle.
// GET /api/groups/{id}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Engine.Payouts(r.Context(), groupID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// ListMyPayouts returns the caller's payouts across groups, newest first.
// GET /api/payouts
func (h *Handler) ListMyPayouts(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ps, err := h.Engine.UserPayouts(r.Context(), caller)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// PayoutHistory returns the caller's payouts, narrowed to one group when
// groupId is set. The caller must be an active member of that group.
// GET /api/payouts/history?groupId=
func (h *Handler) PayoutHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	gid := rosca.GroupID(r.URL.Query().Get("groupId"))
	ps, err := h.Engine.PayoutHistory(r.Context(), caller, gid)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// SettlePayout records the disbursement outcome for a cycle's payout.
// POST /api/groups/{id}/payouts/{cycle}/settle
func (h *Handler) SettlePayout(w http.ResponseWriter, r *http.Request) {
	cycle, err := strconv.Atoi(chi.URLParam(r, "cycle"))
	if err != nil || cycle < 1 {
		writeError(w, http.StatusBadRequest, "invalid cycle", "", err)
		return
	}
	var req SettlePayoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}
	status := rosca.PayoutStatus(req.Status)
	if status != rosca.PayoutCompleted && status != rosca.PayoutFailed {
		writeError(w, http.StatusBadRequest, "status must be completed or failed", "", nil)
		return
	}

	res, err := h.Engine.SettlePayout(r.Context(), groupID(r), cycle, status, req.TransactionID)
	h.Metrics.ObserveOperation("settle_payout", err)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.publish(r.Context(), res.Events)
	writeJSON(w, http.StatusOK, SettlementResponse{Payout: toPayoutDTO(res.Payout), Events: eventsOrEmpty(res.Events)})
}

// PayoutStatus reports eligibility for a member. userId defaults to caller.
// GET /api/groups/{id}/payout-status?userId=&cycle=
func (h *Handler) PayoutStatus(w http.ResponseWriter, r *http.Request) {
	user := rosca.UserID(r.URL.Query().Get("userId"))
	if user == "" {
		caller, ok := h.caller(w, r)
		if !ok {
			return
		}
		user = caller
	}
	cycle, err := queryInt(r, "cycle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle", "", err)
		return
	}
	view, err := h.Engine.PayoutStatus(r.Context(), groupID(r), user, cycle)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PayoutStatusDTO{
		IsEligible:     view.IsEligible,
		HasReceived:    view.HasReceived,
		ExpectedAmount: view.ExpectedAmount,
	})
}

// =============================================================================
// CHECKS
// =============================================================================

// Prechecks tells the caller which actions would currently succeed.
// GET /api/groups/{id}/prechecks?reputation=&amount=&cycle=
func (h *Handler) Prechecks(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	reputation, err := queryInt(r, "reputation")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reputation", "", err)
		return
	}
	cycle, err := queryInt(r, "cycle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cycle", "", err)
		return
	}
	pre, err := h.Engine.Precheck(r.Context(), groupID(r), caller, rosca.PrecheckInput{
		Reputation: reputation,
		Amount:     r.URL.Query().Get("amount"),
		Cycle:      cycle,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PrechecksDTO{
		Join:       toVerdictDTO(pre.Join),
		Contribute: toVerdictDTO(pre.Contribute),
		Payout:     toVerdictDTO(pre.Payout),
		Leave:      toVerdictDTO(pre.Leave),
	})
}

// =============================================================================
// ADMIN
// =============================================================================

// AdvanceNow runs one scheduler pass synchronously.
// POST /api/admin/advance
func (h *Handler) AdvanceNow(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured", "", nil)
		return
	}
	sum := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, AdvanceResponse{
		Groups: sum.Groups,
		Missed: sum.Missed,
		Failed: sum.Failed,
		Locked: sum.Busy,
	})
}

// ResetData deletes every record. Only mounted for demo deployments.
// POST /api/admin/reset
func (h *Handler) ResetData(w http.ResponseWriter, r *http.Request) {
	if h.Reset == nil {
		writeError(w, http.StatusNotFound, "reset is disabled", "", nil)
		return
	}
	if err := h.Reset(r.Context()); err != nil {
		h.Logger.Error("reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset data", "", err)
		return
	}
	h.Logger.Warn("storage reset via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func groupID(r *http.Request) rosca.GroupID {
	return rosca.GroupID(chi.URLParam(r, "id"))
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (rosca.UserID, bool) {
	u := strings.TrimSpace(r.Header.Get(UserHeader))
	if u == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header", "", nil)
		return "", false
	}
	return rosca.UserID(u), true
}

func (h *Handler) publish(ctx context.Context, events []rosca.Event) {
	if h.Publisher == nil || len(events) == 0 {
		return
	}
	if err := h.Publisher.Publish(ctx, events...); err != nil {
		h.Logger.Warn("event delivery failed",
			zap.Int("count", len(events)),
			zap.String("group_id", string(events[0].GroupID)),
			zap.Error(err),
		)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody treats an empty body as the zero value.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer", key, raw)
	}
	return n, nil
}

func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, rosca.ErrInvalidAmount) {
		writeError(w, http.StatusBadRequest, err.Error(), string(rosca.ReasonInvalidAmount), nil)
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body", "", err)
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	reason := rosca.ReasonOf(err)
	status := statusFor(reason)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("reason", string(reason)), zap.Error(err))
	}
	writeError(w, status, err.Error(), string(reason), nil)
}

func writeVerdict(w http.ResponseWriter, v rosca.Verdict, fallback error) {
	if v.Allowed {
		// The amount failed to parse but every other check passed.
		writeError(w, http.StatusBadRequest, fallback.Error(), string(rosca.ReasonInvalidAmount), nil)
		return
	}
	writeError(w, statusFor(v.Reason), v.Message, string(v.Reason), nil)
}

// statusFor maps a rejection reason to an HTTP status.
func statusFor(reason rosca.Reason) int {
	switch reason {
	case rosca.ReasonInvalidAmount, rosca.ReasonInvalidGroup, rosca.ReasonAmountMismatch, rosca.ReasonCycleMismatch:
		return http.StatusBadRequest
	case rosca.ReasonNotAdmin, rosca.ReasonIsAdmin, rosca.ReasonReputationTooLow,
		rosca.ReasonNotAMember, rosca.ReasonNotActiveMember, rosca.ReasonVerificationRequired:
		return http.StatusForbidden
	case rosca.ReasonNotFound:
		return http.StatusNotFound
	case rosca.ReasonIntegrityViolation, rosca.ReasonInternal, rosca.ReasonNone:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, reason string, err error) {
	resp := ErrorResponse{Error: message, Reason: reason}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

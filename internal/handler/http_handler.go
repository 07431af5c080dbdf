package handler

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/repository"
	"github.com/pesio-ai/be-onboarding/internal/service"
)

// Request headers identifying the caller.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderSessionID = "X-Session-ID"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine   *service.ApprovalEngine
	orch     *service.ProvisioningOrchestrator
	recorder *audit.Recorder
	proxies  []*net.IPNet
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. X-Forwarded-For is honoured
// only for requests arriving from trustedProxies.
func NewHTTPHandler(engine *service.ApprovalEngine, orch *service.ProvisioningOrchestrator, recorder *audit.Recorder, trustedProxies []*net.IPNet, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		orch:     orch,
		recorder: recorder,
		proxies:  trustedProxies,
		log:      log.Component("http"),
	}
}

// ParseTrustedProxies parses CIDRs or bare IPs.
func ParseTrustedProxies(values []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			ip := net.ParseIP(v)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", v)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Register mounts every API route on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/decisions", h.SubmitDecision).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/audit", h.GetTrail).Methods(http.MethodGet)
	api.HandleFunc("/applications/{applicationId}/workflow", h.GetWorkflowByApplication).Methods(http.MethodGet)

	api.HandleFunc("/provisioning", h.StartProvisioning).Methods(http.MethodPost)
	api.HandleFunc("/provisioning", h.ListProvisioning).Methods(http.MethodGet)
	api.HandleFunc("/provisioning/{id}", h.GetProvisioning).Methods(http.MethodGet)
	api.HandleFunc("/provisioning/{id}/cancel", h.CancelProvisioning).Methods(http.MethodPost)
	api.HandleFunc("/provisioning/{id}/audit", h.GetTrail).Methods(http.MethodGet)
	api.HandleFunc("/members/{memberId}/provisioning", h.GetProvisioningByMember).Methods(http.MethodGet)

	api.HandleFunc("/audit", h.QueryAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/statistics", h.AuditStatistics).Methods(http.MethodGet)
}

// ── Workflows ─────────────────────────────────────────────────────────────────

type createWorkflowRequest struct {
	MemberID      string `json:"member_id"`
	ApplicationID string `json:"application_id"`
}

// CreateWorkflow handles create workflow HTTP requests
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decode(w, r, &req) {
		return
	}

	wf, err := h.engine.Create(r.Context(), req.MemberID, req.ApplicationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow handles get workflow HTTP requests
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// GetWorkflowByApplication handles lookup by application id
func (h *HTTPHandler) GetWorkflowByApplication(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflowByApplication(r.Context(), mux.Vars(r)["applicationId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows handles list workflows HTTP requests
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.WorkflowFilter{MemberID: q.Get("member_id")}
	for _, s := range splitList(q["status"]) {
		filter.Statuses = append(filter.Statuses, repository.WorkflowStatus(strings.ToUpper(s)))
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := h.engine.ListWorkflows(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*repository.ApprovalWorkflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list, "count": len(list)})
}

type decisionBody struct {
	Stage              string   `json:"stage"`
	Decision           string   `json:"decision"`
	VerifiedDocuments  []string `json:"verified_documents"`
	RejectedDocuments  []string `json:"rejected_documents"`
	RequestedDocuments []string `json:"requested_documents"`
	Reason             string   `json:"reason"`
	Comments           string   `json:"comments"`
}

func (b decisionBody) toDecision() (service.Decision, error) {
	switch service.DecisionKind(strings.ToUpper(b.Decision)) {
	case service.DecisionApprove:
		return service.Approve{VerifiedDocs: b.VerifiedDocuments, Comments: b.Comments}, nil
	case service.DecisionReject:
		return service.Reject{Reason: b.Reason, RejectedDocs: b.RejectedDocuments, Comments: b.Comments}, nil
	case service.DecisionRequestMoreInfo:
		return service.RequestMoreInfo{Comments: b.Comments, RequestedDocs: b.RequestedDocuments}, nil
	case service.DecisionEscalate:
		reason := b.Reason
		if reason == "" {
			reason = b.Comments
		}
		return service.Escalate{Reason: reason}, nil
	default:
		return nil, errors.InvalidInput("decision", "must be one of APPROVE, REJECT, REQUEST_MORE_INFO, ESCALATE")
	}
}

// SubmitDecision handles reviewer decisions on a workflow stage
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body decisionBody
	if !decode(w, r, &body) {
		return
	}
	decision, err := body.toDecision()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.engine.SubmitDecision(r.Context(), service.DecisionRequest{
		WorkflowID: mux.Vars(r)["id"],
		Stage:      body.Stage,
		ActorID:    actor,
		Decision:   decision,
		ClientInfo: h.clientInfo(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTrail returns the audit trail of a workflow or provisioning process
func (h *HTTPHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.recorder.Trail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*repository.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── Provisioning ──────────────────────────────────────────────────────────────

type startProvisioningRequest struct {
	MemberID string `json:"member_id"`
}

// StartProvisioning starts (or returns) the provisioning process of a member
// whose workflow is already approved
func (h *HTTPHandler) StartProvisioning(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req startProvisioningRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.orch.Start(r.Context(), req.MemberID, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"process_id": id})
}

// GetProvisioning handles get provisioning process HTTP requests
func (h *HTTPHandler) GetProvisioning(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.GetProcess(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetProvisioningByMember handles lookup by member id
func (h *HTTPHandler) GetProvisioningByMember(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.GetProcessByMember(r.Context(), mux.Vars(r)["memberId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListProvisioning handles list provisioning processes HTTP requests
func (h *HTTPHandler) ListProvisioning(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repository.ProcessFilter
	for _, s := range splitList(q["status"]) {
		filter.Statuses = append(filter.Statuses, repository.ProcessStatus(strings.ToUpper(s)))
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := h.orch.ListProcesses(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*repository.ProvisioningProcess{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": list, "count": len(list)})
}

// CancelProvisioning requests cancellation of a running process
func (h *HTTPHandler) CancelProvisioning(w http.ResponseWriter, r *http.Request) {
	actor, err := actorID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.orch.Cancel(r.Context(), id, actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"process_id": id, "status": "cancellation_requested"})
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// QueryAudit handles paginated audit queries
func (h *HTTPHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.recorder.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AuditStatistics handles audit statistics requests. The range defaults to
// the last 24 hours.
func (h *HTTPHandler) AuditStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("from", "must be RFC3339"))
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("to", "must be RFC3339"))
			return
		}
		to = t
	}

	stats, err := h.recorder.Statistics(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func auditFilter(r *http.Request) (repository.AuditFilter, error) {
	q := r.URL.Query()
	f := repository.AuditFilter{
		EventTypes:     splitList(q["event_type"]),
		Categories:     splitList(q["category"]),
		PerformedBy:    q.Get("performed_by"),
		TargetEntityID: q.Get("target_id"),
		CorrelationID:  q.Get("correlation_id"),
		Tags:           splitList(q["tag"]),
	}
	for _, l := range splitList(q["level"]) {
		f.Levels = append(f.Levels, repository.AuditLevel(strings.ToUpper(l)))
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.InvalidInput(p.name, "must be RFC3339")
			}
			*p.dst = &t
		}
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// ── Health ────────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "be-onboarding"})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Code: string(errors.CodeOf(err)), Message: err.Error()}
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorBody{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "Invalid request body: " + err.Error(),
		}})
		return false
	}
	return true
}

// actorID returns the caller's actor id. The system actor cannot be
// claimed over HTTP.
func actorID(r *http.Request) (string, error) {
	actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if actor == "" {
		return "", errors.New(errors.ErrCodeUnauthorized, HeaderActorID+" header is required")
	}
	if strings.EqualFold(actor, audit.SystemActor) {
		return "", errors.New(errors.ErrCodeUnauthorized, "reserved actor id")
	}
	return actor, nil
}

// clientInfo describes the caller. The address is the peer's unless the
// peer is a trusted proxy, in which case X-Forwarded-For is walked from the
// right and the first untrusted hop wins.
func (h *HTTPHandler) clientInfo(r *http.Request) *repository.ClientInfo {
	return &repository.ClientInfo{
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
		SessionID: r.Header.Get(HeaderSessionID),
	}
}

func (h *HTTPHandler) clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if !h.trusted(ip) {
		return ip
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip = hop
		if !h.trusted(hop) {
			break
		}
	}
	return ip
}

func (h *HTTPHandler) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range h.proxies {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// splitList flattens repeated and comma-separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(name, "must be a non-negative integer")
	}
	return n, nil
}

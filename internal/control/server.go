// Package control is the pipeline's HTTP control plane: heartbeat intake
// and remote worker pause, proposal and dispute submission, operator
// actions on parked or failed markets, and the audit trail.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/ratelimit"
	"github.com/foresight-labs/market-pipeline/internal/store"
)

// Bus is the slice of the message broker the control plane publishes on.
type Bus interface {
	Publish(ctx context.Context, queue string, msg any) error
}

// Server is the control plane HTTP API.
type Server struct {
	store    store.Store
	bus      Bus
	limiter  *ratelimit.Limiter
	registry *Registry
}

// NewServer builds the control plane over the given store, bus, and
// admission limiter.
func NewServer(st store.Store, bus Bus, limiter *ratelimit.Limiter, registry *Registry) *Server {
	return &Server{store: st, bus: bus, limiter: limiter, registry: registry}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Post("/{type}/heartbeat", s.handleHeartbeat)
		r.Put("/{type}/enabled", s.handleSetEnabled)
	})

	r.Post("/proposals", s.handleSubmitProposal)
	r.Post("/drafts/{id}/approve", s.handleApproveDraft)
	r.Post("/markets/{id}/requeue-resolve", s.handleRequeueResolve)
	r.Post("/resolutions/{id}/dispute", s.handleSubmitDispute)
	r.Post("/disputes/{id}/rule", s.handleRuleDispute)
	r.Get("/audit/{entityType}/{entityID}", s.handleListAudit)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	wt := model.WorkerType(chi.URLParam(r, "type"))
	if !workerKinds[wt] {
		writeError(w, http.StatusNotFound, "unknown worker type")
		return
	}

	var hb model.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat body")
		return
	}
	hb.WorkerType = wt
	if hb.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	enabled := s.registry.Record(hb)
	if hb.Status == model.WorkerStatusError {
		zap.L().Warn("worker reported error state",
			zap.String("worker_type", string(wt)),
			zap.String("instance_id", hb.InstanceID),
			zap.String("last_error", hb.LastError),
		)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	wt := model.WorkerType(chi.URLParam(r, "type"))
	if !workerKinds[wt] {
		writeError(w, http.StatusNotFound, "unknown worker type")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.registry.SetEnabled(wt, req.Enabled)
	zap.L().Info("worker flag changed",
		zap.String("worker_type", string(wt)),
		zap.Bool("enabled", req.Enabled),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmitterID string `json:"submitter_id"`
		Question    string `json:"question"`
		Context     string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubmitterID == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "submitter_id and question are required")
		return
	}

	ctx := r.Context()
	admitted, err := s.limiter.Check(ctx, req.SubmitterID, ratelimit.EndpointPropose)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "admission check failed")
		return
	}
	if !admitted.Allowed {
		w.Header().Set("Retry-After", formatSeconds(admitted.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       ratelimit.ErrLimited(admitted).Error(),
			"window":      admitted.Window,
			"limit":       admitted.Limit,
			"retry_after": int(admitted.RetryAfter.Seconds()),
		})
		return
	}
	if err := s.limiter.Increment(ctx, req.SubmitterID, ratelimit.EndpointPropose); err != nil {
		writeError(w, http.StatusInternalServerError, "admission record failed")
		return
	}

	prop := &model.Proposal{
		ID:          uuid.NewString(),
		SubmitterID: req.SubmitterID,
		Question:    req.Question,
		Context:     req.Context,
		Status:      model.ProposalStatusPending,
	}
	if err := s.store.InsertProposal(ctx, prop); err != nil {
		zap.L().Error("proposal insert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "proposal store failed")
		return
	}

	cand := &model.Candidate{
		ID:           uuid.NewString(),
		ProposalID:   prop.ID,
		EventType:    "user_proposal",
		RelevantText: req.Question + "\n" + req.Context,
	}
	if err := s.store.InsertCandidate(ctx, cand); err != nil {
		zap.L().Error("proposal candidate insert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "proposal store failed")
		return
	}

	if err := s.bus.Publish(ctx, broker.QueueCandidates, broker.CandidateMessage{
		CandidateID:  cand.ID,
		ProposalID:   prop.ID,
		EventType:    cand.EventType,
		RelevantText: cand.RelevantText,
	}); err != nil {
		zap.L().Error("proposal announce failed",
			zap.String("proposal_id", prop.ID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "proposal enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"proposal_id": prop.ID,
		"status":      string(prop.Status),
	})
}

// handleApproveDraft is the operator path out of pending_review: the draft
// goes straight to the publish queue, status unchanged, because the
// publisher accepts pending_review drafts.
func (s *Server) handleApproveDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	draft, err := s.store.GetDraft(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	if draft.Status != model.MarketStatusPendingReview {
		writeError(w, http.StatusConflict, "draft is not awaiting review")
		return
	}

	if err := s.bus.Publish(ctx, broker.QueueMarketsPublish, broker.MarketPublishMessage{
		DraftMarketID: draft.ID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "publish enqueue failed")
		return
	}
	s.audit(ctx, "draft_market", draft.ID, "operator_approved", "")
	writeJSON(w, http.StatusAccepted, map[string]string{"draft_id": draft.ID})
}

// handleRequeueResolve retries resolution for a market that failed it,
// typically after its evidence sources recovered.
func (s *Server) handleRequeueResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	market, err := s.store.GetDraft(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	won, err := s.store.TransitionDraft(ctx, market.ID,
		model.MarketStatusFailed, model.MarketStatusResolving)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	if !won {
		writeError(w, http.StatusConflict, "market is not in a failed state")
		return
	}

	msg := broker.MarketResolveMessage{
		MarketID:      market.ID,
		MarketAddress: market.MarketAddress,
	}
	if market.ExpiresAt != nil {
		msg.Expiry = *market.ExpiresAt
	}
	if err := s.bus.Publish(ctx, broker.QueueMarketsResolve, msg); err != nil {
		writeError(w, http.StatusInternalServerError, "resolve enqueue failed")
		return
	}
	s.audit(ctx, "draft_market", market.ID, "resolve_requeued", "")
	writeJSON(w, http.StatusAccepted, map[string]string{"market_id": market.ID})
}

func (s *Server) handleSubmitDispute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resolutionID := chi.URLParam(r, "id")

	var req struct {
		SubmitterID string `json:"submitter_id"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubmitterID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "submitter_id and reason are required")
		return
	}

	res, err := s.store.GetResolution(ctx, resolutionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "resolution not found")
		return
	}
	if time.Now().UTC().After(res.DisputeWindowEnds) {
		writeError(w, http.StatusConflict, "dispute window has closed")
		return
	}

	// Claiming resolved -> disputed also rejects a second dispute against
	// the same resolution.
	won, err := s.store.TransitionResolution(ctx, res.ID,
		model.ResolutionStatusResolved, model.ResolutionStatusDisputed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispute store failed")
		return
	}
	if !won {
		writeError(w, http.StatusConflict, "resolution is not open to dispute")
		return
	}
	if _, err := s.store.TransitionDraft(ctx, res.MarketID,
		model.MarketStatusResolved, model.MarketStatusDisputed); err != nil {
		writeError(w, http.StatusInternalServerError, "dispute store failed")
		return
	}

	d := &model.Dispute{
		ID:           uuid.NewString(),
		ResolutionID: res.ID,
		SubmitterID:  req.SubmitterID,
		Reason:       req.Reason,
		Status:       model.DisputeStatusPending,
	}
	if err := s.store.InsertDispute(ctx, d); err != nil {
		writeError(w, http.StatusInternalServerError, "dispute store failed")
		return
	}

	if err := s.bus.Publish(ctx, broker.QueueDisputes, broker.DisputeMessage{
		DisputeID:    d.ID,
		ResolutionID: res.ID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "dispute enqueue failed")
		return
	}
	s.audit(ctx, "resolution", res.ID, "disputed", req.Reason)
	writeJSON(w, http.StatusCreated, map[string]string{"dispute_id": d.ID})
}

// handleRuleDispute lets an operator settle an escalated dispute. The
// ruling rides the disputes queue so the dispute agent applies it with the
// same state machine and on-chain handling as an automated verdict.
func (s *Server) handleRuleDispute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	disputeID := chi.URLParam(r, "id")

	var req struct {
		Ruling string `json:"ruling"`
		Result string `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ruling != "upheld" && req.Ruling != "overturned" {
		writeError(w, http.StatusBadRequest, "ruling must be upheld or overturned")
		return
	}
	if req.Ruling == "overturned" && req.Result != "yes" && req.Result != "no" {
		writeError(w, http.StatusBadRequest, "overturn requires a yes/no result")
		return
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		writeError(w, http.StatusNotFound, "dispute not found")
		return
	}
	if d.Status != model.DisputeStatusEscalated {
		writeError(w, http.StatusConflict, "dispute is not escalated")
		return
	}

	if err := s.bus.Publish(ctx, broker.QueueDisputes, broker.DisputeMessage{
		DisputeID:    d.ID,
		ResolutionID: d.ResolutionID,
		Ruling:       req.Ruling,
		RuledResult:  req.Result,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "ruling enqueue failed")
		return
	}
	s.audit(ctx, "dispute", d.ID, "ruling_submitted", req.Ruling)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"dispute_id": d.ID,
		"ruling":     req.Ruling,
	})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context(),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) audit(ctx context.Context, entityType, entityID, action, detail string) {
	err := s.store.AppendAudit(ctx, &model.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Detail:     detail,
	})
	if err != nil {
		zap.L().Warn("audit append failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

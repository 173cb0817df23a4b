package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aurigraph/approval-core/native/approval"
)

// Dependencies collects everything the HTTP handlers need to serve the
// approval-core external interface. Persistence, consensus, and event
// wiring all live outside this package; handlers only translate JSON to
// core calls and back.
type Dependencies struct {
	Service    *approval.ApprovalService
	Execution  *approval.ExecutionService
	Transition *approval.TransitionManager
	Versions   approval.VersionStore
	Audit      approval.AuditStore
	Requests   approval.RequestStore
	Webhooks   *webhookRegistry
}

type handlers struct {
	deps Dependencies
}

// Mount attaches every approval-core route to r.
func Mount(r chi.Router, deps Dependencies) {
	h := &handlers{deps: deps}
	r.Post("/approval-requests", h.createRequest)
	r.Post("/approval-requests/{id}/votes", h.submitVote)
	r.Get("/approval-requests/{id}", h.getRequest)
	r.Get("/approval-requests/{id}/votes", h.listVotes)

	r.Post("/approval-execution/{requestID}/execute-manual", h.executeManual)
	r.Post("/approval-execution/{requestID}/rollback", h.rollback)
	r.Get("/approval-execution/{requestID}/status", h.executionStatus)
	r.Get("/approval-execution/{requestID}/audit-trail", h.auditTrail)

	r.Post("/webhooks", h.createWebhook)
	r.Delete("/webhooks/{id}", h.deleteWebhook)
}

type createRequestBody struct {
	VersionID           string   `json:"version_id"`
	Validators          []string `json:"validators"`
	VotingWindowSeconds int64    `json:"voting_window_seconds"`
	ThresholdPercent    float64  `json:"threshold_percent"`
}

func (h *handlers) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.deps.Service.CreateRequest(r.Context(), approval.CreateRequestInput{
		VersionID:           body.VersionID,
		Validators:          body.Validators,
		VotingWindowSeconds: body.VotingWindowSeconds,
		ThresholdPercent:    body.ThresholdPercent,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_id":        req.ID,
		"voting_window_end": req.VotingWindowEnd,
	})
}

type submitVoteBody struct {
	ValidatorID string `json:"validator_id"`
	Choice      string `json:"choice"`
	Signature   []byte `json:"signature"`
	Reason      string `json:"reason"`
}

func (h *handlers) submitVote(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	var body submitVoteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.deps.Service.SubmitVote(r.Context(), approval.SubmitVoteInput{
		RequestID:   requestID,
		ValidatorID: body.ValidatorID,
		Choice:      approval.VoteChoice(body.Choice),
		Signature:   body.Signature,
		Reason:      body.Reason,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": req.ID,
		"tallies": map[string]int{
			"approval":  req.ApprovalCount,
			"rejection": req.RejectionCount,
			"abstain":   req.AbstainCount,
		},
	})
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.deps.Requests.GetRequest(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":        req.ID,
		"version_id":        req.VersionID,
		"status":             req.Status,
		"voting_window_end":  req.VotingWindowEnd,
		"threshold_percent":  req.ApprovalThresholdPercent,
		"total_validators":   req.TotalValidators,
		"approval_count":     req.ApprovalCount,
		"rejection_count":    req.RejectionCount,
		"abstain_count":      req.AbstainCount,
		"percent_approved":   req.PercentApproved(),
	})
}

func (h *handlers) listVotes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	votes, err := h.deps.Requests.VotesForRequest(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

func (h *handlers) executeManual(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := h.deps.Requests.GetRequest(r.Context(), requestID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	started := time.Now()
	h.deps.Execution.Execute(r.Context(), approval.ApprovalDecidedEvent{
		RequestID: req.ID,
		VersionID: req.VersionID,
		Status:    req.Status,
	})
	version, err := h.deps.Versions.GetVersion(r.Context(), req.VersionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version_id":  version.ID,
		"status":      version.Status,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

type rollbackBody struct {
	Reason string `json:"reason"`
}

func (h *handlers) rollback(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var body rollbackBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := h.deps.Requests.GetRequest(r.Context(), requestID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := h.deps.Transition.Rollback(r.Context(), req.VersionID, body.Reason); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS", "reason": body.Reason})
}

func (h *handlers) executionStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := h.deps.Requests.GetRequest(r.Context(), requestID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	version, err := h.deps.Versions.GetVersion(r.Context(), req.VersionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	trail, err := h.deps.Audit.AuditTrail(r.Context(), version.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var latestPhase approval.AuditPhase
	if len(trail) > 0 {
		latestPhase = trail[len(trail)-1].Phase
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_status":     version.Status,
		"audit_entry_count":  len(trail),
		"latest_phase":       latestPhase,
	})
}

func (h *handlers) auditTrail(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	req, err := h.deps.Requests.GetRequest(r.Context(), requestID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	trail, err := h.deps.Audit.AuditTrail(r.Context(), req.VersionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

type createWebhookBody struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

func (h *handlers) createWebhook(w http.ResponseWriter, r *http.Request) {
	var body createWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := h.deps.Webhooks.create(body.URL, body.EventTypes, body.Secret)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"webhook_id": sub.ID})
}

func (h *handlers) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.deps.Webhooks.delete(id)
	w.WriteHeader(http.StatusNoContent)
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/courierhq/courier/internal/conversation"
	"github.com/courierhq/courier/internal/queue"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type laneInfo struct {
	ConversationID string `json:"conversationId"`
	Pending        int    `json:"pending"`
	Processed      uint64 `json:"processed"`
	Busy           bool   `json:"busy"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), "bad_request")
		return
	}
	job, err := s.queue.Add(r.Context(), raw)
	if err != nil {
		var sve *conversation.SchemaValidationError
		switch {
		case errors.As(err, &sve):
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "invalid payload",
				"code":   "invalid_payload",
				"detail": sve.Errors,
			})
		case errors.Is(err, queue.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, "shutting down", "shutting_down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":     job.ID,
		"timestamp": job.Timestamp,
	})
}

type createConversationRequest struct {
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
}

// handleCreateConversation registers a conversation in the directory so
// jobs can be submitted against it. Idempotent on identifier.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error(), "bad_request")
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required", "bad_request")
		return
	}
	if req.Kind == "" {
		req.Kind = conversation.ConversationDirect
	}
	convo := s.directory.GetOrCreate(req.Identifier, req.Kind)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": convo.ID,
		"kind":           convo.Kind,
		"identifier":     convo.Identifier,
	})
}

func (s *Server) handleListLanes(w http.ResponseWriter, r *http.Request) {
	lanes := s.queue.Lanes()
	out := make([]laneInfo, 0, len(lanes))
	for _, lane := range lanes {
		out = append(out, laneInfo{
			ConversationID: lane.Key(),
			Pending:        lane.Pending(),
			Processed:      lane.Processed(),
			Busy:           lane.Busy(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lanes": out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled", "not_found")
		return
	}
	entries, err := s.history.Recent(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled", "not_found")
		return
	}
	entries, err := s.history.ByConversation(chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v := s.verification.Verification(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":     v.Pending,
		"cancelledAt": v.CancelledAt,
		"untrusted":   s.verification.Untrusted(id),
	})
}

// handleApproveVerification clears the pending-verification gate and wakes
// blocked jobs on the conversation's lane.
func (s *Server) handleApproveVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.verification.Verify(id)
	woke := s.queue.NotifyConversation(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"approved": true, "wokeJobs": woke})
}

// handleCancelSends places a cancellation marker: queued jobs created at or
// before now are abandoned on their next gating pass.
func (s *Server) handleCancelSends(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at := time.Now().UnixMilli()
	s.verification.Cancel(id, at)
	woke := s.queue.NotifyConversation(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelledAt": at, "wokeJobs": woke})
}

type registerChallengeRequest struct {
	Token         string `json:"token"`
	RetryAfterSec int    `json:"retryAfterSec"`
}

func (s *Server) handleRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	var req registerChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error(), "bad_request")
		return
	}
	s.challenges.Register(conversation.ChallengeRecord{
		ConversationID: chi.URLParam(r, "id"),
		Token:          req.Token,
		RetryAt:        time.Now().Add(time.Duration(req.RetryAfterSec) * time.Second),
	}, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"registered": true})
}

func (s *Server) handleSolveChallenge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.challenges.Solve(id) {
		writeError(w, http.StatusNotFound, "no challenge registered", "not_found")
		return
	}
	woke := s.queue.NotifyConversation(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"solved": true, "wokeJobs": woke})
}

func queryLimit(r *http.Request) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

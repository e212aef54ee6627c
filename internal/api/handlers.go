package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/queue"
	"github.com/coldsend/relay/internal/infra/storage"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.MessageFilter{
		TenantID:   q.Get("tenant_id"),
		CampaignID: q.Get("campaign_id"),
		Status:     domain.MessageStatus(q.Get("status")),
	}

	page, pageSize := 1, 50
	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(q.Get("page_size")); err == nil && ps > 0 && ps <= 500 {
		pageSize = ps
	}

	messages, total, err := s.repo.List(r.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list messages: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"data":      messages,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			s.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch message: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	n, err := s.queue.Cancel(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel messages: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenant_id"`
		CampaignID string `json:"campaign_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	n, err := s.queue.CancelAll(r.Context(), storage.MessageFilter{
		TenantID:   req.TenantID,
		CampaignID: req.CampaignID,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel messages: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to retry messages: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) handleWarmupEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityID string `json:"identity_id"`
		TenantID   string `json:"tenant_id"`
		Address    string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	identity, err := s.warmup.Enroll(r.Context(), req.IdentityID, req.TenantID, req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, identity)
}

func (s *Server) handleWarmupPause(w http.ResponseWriter, r *http.Request) {
	s.warmupTransition(w, r, s.warmup.Pause)
}

func (s *Server) handleWarmupResume(w http.ResponseWriter, r *http.Request) {
	s.warmupTransition(w, r, s.warmup.Resume)
}

func (s *Server) warmupTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			s.writeError(w, http.StatusNotFound, "identity not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSchedulerTick is the external periodic trigger: it runs one send
// batch and one warm-up pass, and optionally the warm-up daily rollover.
func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize     int  `json:"batch_size"`
		DailyRollover bool `json:"daily_rollover"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	limit := s.batchSize
	if req.BatchSize > 0 {
		limit = req.BatchSize
	}

	result, err := s.queue.ProcessBatch(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "batch failed: "+err.Error())
		return
	}

	warmupSent, err := s.warmup.RunOnce(r.Context())
	if err != nil {
		s.log.Error("warm-up pass failed", "error", err)
	}

	resp := map[string]any{
		"processed":    result.Processed,
		"successful":   result.Successful,
		"failed":       result.Failed,
		"warmup_sends": warmupSent,
	}
	if req.DailyRollover {
		n, err := s.warmup.DailyRollover(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "rollover failed: "+err.Error())
			return
		}
		resp["rolled_over"] = n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

package merge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/meridianos/chartmerge/pkg/common/logger"
	"github.com/meridianos/chartmerge/pkg/common/models"
	"github.com/meridianos/chartmerge/pkg/review"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/merges", h.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/merges/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/merges/{id}/result", h.handleResult).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/merges/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/merges/{id}/conflicts/{conflictId}/resolve", h.handleResolveConflict).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/merges/{id}/review", h.handleReview).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/rollbacks", h.handleRollback).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/operations", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/review-queue", h.handleReviewQueue).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/bundle", h.handleBundle).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/history", h.handleHistory).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var extraction models.ExtractionResult
	if err := json.NewDecoder(r.Body).Decode(&extraction); err != nil {
		logger.Log.WithError(err).Warn("invalid merge submission payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	op, err := h.service.Submit(r.Context(), extraction)
	if err != nil {
		if errors.Is(err, ErrInvalidSubmission) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to submit merge")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, op)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	op, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondOperationError(w, err, "failed to fetch operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *HTTPHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Result(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrOperationNotFound):
			http.Error(w, "operation not found", http.StatusNotFound)
		case errors.Is(err, ErrOperationNotDone):
			http.Error(w, "operation still in progress", http.StatusConflict)
		case errors.Is(err, ErrOperationFailed), errors.Is(err, ErrOperationCancelled):
			http.Error(w, err.Error(), http.StatusGone)
		default:
			logger.Log.WithError(err).Error("failed to fetch merge result")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	op, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrCancelNotAllowed) {
			writeJSON(w, http.StatusConflict, op)
			return
		}
		respondOperationError(w, err, "failed to cancel operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type resolveConflictRequest struct {
	ChosenValue interface{} `json:"chosen_value"`
	Reviewer    string      `json:"reviewer"`
}

func (h *HTTPHandler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	conflictID := mux.Vars(r)["conflictId"]

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.ResolveConflict(r.Context(), id, conflictID, req.ChosenValue, req.Reviewer)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			http.Error(w, "conflict not found", http.StatusNotFound)
			return
		}
		respondOperationError(w, err, "failed to resolve conflict")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reviewRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (h *HTTPHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	op, err := h.service.TransitionReview(r.Context(), id, req.Status, req.Actor)
	if err != nil {
		if errors.Is(err, review.ErrInvalidTransition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		respondOperationError(w, err, "failed to transition review status")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type rollbackRequest struct {
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

type rollbackResponse struct {
	DocumentID string `json:"document_id"`
	Removed    int    `json:"removed"`
}

func (h *HTTPHandler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "document_id is required", http.StatusBadRequest)
		return
	}

	removed, err := h.service.Rollback(r.Context(), req.DocumentID, req.Reason, req.Actor)
	if err != nil {
		logger.Log.WithError(err).Error("rollback failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rollbackResponse{DocumentID: req.DocumentID, Removed: removed})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	limit := queryLimit(r, 50)

	ops, err := h.service.List(r.Context(), patientID, limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list operations")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *HTTPHandler) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	ops, err := h.service.ReviewQueue(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list review queue")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *HTTPHandler) handleBundle(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	bundle, err := h.service.Bundle(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load bundle")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	history, err := h.service.History(r.Context(), patientID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load bundle history")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func respondOperationError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrOperationNotFound) {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	logger.Log.WithError(err).Error(msg)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

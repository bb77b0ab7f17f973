// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vtag/pipeline/internal/obs"
	"github.com/vtag/pipeline/internal/producer"
	"github.com/vtag/pipeline/internal/taskerr"
)

// taskCreateRequest mirrors tasks.py's TaskCreateRequest: url and
// platform are required, dimensions defaults to "all" when omitted.
type taskCreateRequest struct {
	URL        string `json:"url"`
	Platform   string `json:"platform"`
	Dimensions string `json:"dimensions"`
	UID        string `json:"uid"`
}

// baseResponse is the envelope every handler replies with, success or
// failure alike, matching tasks.py's BaseResponse[dict] shape.
type baseResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	Data    any    `json:"data"`
}

func writeResponse(w http.ResponseWriter, resp baseResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func errorResponse(w http.ResponseWriter, taskID, message string) {
	writeResponse(w, baseResponse{Status: "error", Message: message, TaskID: taskID, Data: nil})
}

// handleTaskCreate always replies 200, matching task_create's
// catch-everything error handling: a caller distinguishes success
// from failure by the status field, not the HTTP status code.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := uuid.NewString()

	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, taskID, "request body must be valid JSON")
		return
	}
	if req.URL == "" {
		errorResponse(w, taskID, "url is required")
		return
	}
	if req.Platform == "" {
		errorResponse(w, taskID, "platform is required")
		return
	}
	if _, ok := s.cfg.RoutePlatform(req.Platform); !ok {
		errorResponse(w, taskID, "unknown platform: "+req.Platform)
		return
	}
	if req.Dimensions != "" && !s.validDimension(req.Dimensions) {
		errorResponse(w, taskID, "unknown dimension: "+req.Dimensions)
		return
	}

	if err := s.dl.Validate(ctx, req.URL); err != nil {
		s.log.Warn("video validation failed", obs.String("task_id", taskID), obs.Err(err))
		errorResponse(w, taskID, "video validation failed: "+err.Error())
		return
	}

	_, err := s.producer.Dispatch(ctx, taskID, producer.Submission{
		URL:        req.URL,
		Platform:   req.Platform,
		Dimensions: req.Dimensions,
		UID:        req.UID,
	})
	if err != nil {
		s.log.Error("task dispatch failed", obs.String("task_id", taskID), obs.Err(err))
		errorResponse(w, taskID, "task creation failed: "+err.Error())
		return
	}

	writeResponse(w, baseResponse{Status: "success", Message: "success", TaskID: taskID, Data: nil})
}

func (s *Server) validDimension(dim string) bool {
	if dim == "all" {
		return true
	}
	for _, d := range s.cfg.Worker.Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// handleTaskGet reports a task's current status, its joined
// per-dimension failure message (or "success"), and its tags.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		errorResponse(w, "", "task id is required")
		return
	}
	if _, err := uuid.Parse(taskID); err != nil {
		errorResponse(w, taskID, "invalid task id format")
		return
	}

	task, err := s.store.GetByTaskID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskerr.ErrNotFound) {
			errorResponse(w, taskID, "task not found: "+taskID)
			return
		}
		s.log.Error("failed to fetch task", obs.String("task_id", taskID), obs.Err(err))
		errorResponse(w, taskID, "failed to fetch task details")
		return
	}

	message := task.Message
	if message == "" {
		message = "success"
	}

	var data any
	if task.Tags != "" {
		var parsed any
		if err := json.Unmarshal([]byte(task.Tags), &parsed); err == nil {
			data = parsed
		}
	}

	writeResponse(w, baseResponse{Status: task.Status, Message: message, TaskID: taskID, Data: data})
}

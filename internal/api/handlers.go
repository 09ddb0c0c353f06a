package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/models"
)

// maxEventBodyBytes caps inbound event payloads.
const maxEventBodyBytes = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"version": s.version,
		"uptime":  s.clock.Now().Sub(s.started).Seconds(),
	}))
}

// handleEvent applies a classified inbound trigger. Events carrying a
// message_id already processed are acknowledged without touching the engine.
// The id is recorded only after the transition commits, so a failed attempt
// may be redelivered.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.EngagementEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.handleEvent: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.handleEvent: validation failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx := r.Context()
	if req.MessageID != "" {
		dup, err := s.store.IsDuplicate(ctx, req.MessageID)
		if err != nil {
			slog.Error("Server.handleEvent: dedup lookup failed", "messageID", req.MessageID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check message id"))
			return
		}
		if dup {
			slog.Info("Server.handleEvent: duplicate event ignored", "messageID", req.MessageID, "userID", req.UserID)
			writeJSONResponse(w, http.StatusOK, models.Duplicate("Event already processed"))
			return
		}
	}

	result, err := s.engine.TransitionState(ctx, req.UserID, req.Trigger, req.Metadata)
	if err != nil {
		writeEngineError(w, result, err)
		return
	}

	if req.MessageID != "" {
		s.markProcessed(r, req.MessageID, req.UserID)
	}
	slog.Info("Server.handleEvent: transition applied",
		"userID", req.UserID, "trigger", req.Trigger, "from", result.PreviousState, "to", result.NewState)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) markProcessed(r *http.Request, messageID, userID string) {
	ctx := r.Context()
	if _, err := s.store.RecordInbound(ctx, messageID, userID); err != nil {
		slog.Error("Server.handleEvent: record inbound failed", "messageID", messageID, "error", err)
		return
	}
	if err := s.store.MarkProcessed(ctx, messageID); err != nil {
		slog.Error("Server.handleEvent: mark processed failed", "messageID", messageID, "error", err)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, err := s.store.GetEngagementState(r.Context(), userID)
	if err != nil {
		slog.Error("Server.handleGetState: lookup failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load engagement state"))
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No engagement record for user"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.store.GetUserTransitionHistory(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Server.handleHistory: lookup failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load transition history"))
		return
	}
	if records == nil {
		records = []models.TransitionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := s.clock.Now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("end must be an RFC3339 timestamp"))
			return
		}
		end = t.UTC()
	}
	start := end.Add(-DefaultStatsWindow)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("start must be an RFC3339 timestamp"))
			return
		}
		start = t.UTC()
	}

	stats, err := engagement.GetTransitionStats(r.Context(), s.store, start, end)
	if err != nil {
		if errors.Is(err, engagement.ErrInvalidInput) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.handleStats: stats failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute transition stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Scheduler is not enabled"))
		return
	}
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		slog.Error("Server.handleSweep: sweep failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(err.Error()).
			WithResult(report).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

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

	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/grading"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/scheduler"
)

const defaultHistoryLimit = 20

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.ServiceStatus())
}

// history handles GET /v1/history?limit=N, newest run first.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.deps.Controller.UpdateHistory(limit)})
}

func (s *Server) sources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.DataSourceStatus())
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) toggleSource(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	if err := s.deps.Controller.ToggleDataSource(r.Context(), key, *req.Enabled); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "enabled": *req.Enabled})
}

type intervalRequest struct {
	Hours int `json:"hours"`
}

func (s *Server) setSourceInterval(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req intervalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Controller.SetSourceUpdateInterval(r.Context(), key, req.Hours); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "update_interval_hours": req.Hours})
}

type autoUpdateRequest struct {
	Enabled *bool  `json:"enabled"`
	Time    string `json:"time,omitempty"`
}

// setAutoUpdate handles PUT /v1/auto-update with {"enabled": bool, "time": "HH:MM"}.
func (s *Server) setAutoUpdate(w http.ResponseWriter, r *http.Request) {
	var req autoUpdateRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must include \"enabled\"")
		return
	}
	var err error
	if *req.Enabled {
		err = s.deps.Controller.EnableAutoUpdate(r.Context(), req.Time)
	} else {
		err = s.deps.Controller.DisableAutoUpdate(r.Context())
	}
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.ServiceStatus())
}

type updateTimeRequest struct {
	Time string `json:"time"`
}

func (s *Server) setUpdateTime(w http.ResponseWriter, r *http.Request) {
	var req updateTimeRequest
	if err := decodeJSON(r, &req); err != nil || req.Time == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"time\": \"HH:MM\"}")
		return
	}
	if err := s.deps.Controller.SetUpdateTime(r.Context(), req.Time); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.ServiceStatus())
}

type updateRequest struct {
	Sources []string `json:"sources"`
}

// triggerUpdate handles POST /v1/updates. The run continues when the client
// disconnects; only the run context cancels it.
func (s *Server) triggerUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	res, err := s.deps.Controller.TriggerManualUpdate(ctx, req.Sources...)
	switch {
	case errors.Is(err, registry.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case res.Busy:
		writeJSON(w, http.StatusConflict, res)
	case errors.Is(err, failure.ErrConnectivity):
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		// Partial source failures are reported in the body.
		if err != nil {
			s.logger.Warn("manual update finished with failures", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// gradingLookup handles
// GET /v1/grading?card=&series=&number=&authority=PSA&refresh=true.
func (s *Server) gradingLookup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Grading == nil {
		writeError(w, http.StatusServiceUnavailable, "grading lookups unavailable")
		return
	}
	qs := r.URL.Query()
	q := authority.Query{
		CardName: strings.TrimSpace(qs.Get("card")),
		Series:   strings.TrimSpace(qs.Get("series")),
		Number:   strings.TrimSpace(qs.Get("number")),
	}
	if q.CardName == "" {
		writeError(w, http.StatusBadRequest, "card is required")
		return
	}
	var auths []authority.Authority
	for _, raw := range qs["authority"] {
		for _, name := range strings.Split(raw, ",") {
			if a := authority.ParseName(name); a != "" {
				auths = append(auths, a)
			}
		}
	}
	opts := grading.Options{
		UseCache:     true,
		ForceRefresh: parseBool(qs.Get("refresh")),
		AllowPartial: parseBool(qs.Get("partial")),
	}
	res, err := s.deps.Grading.GetDistribution(r.Context(), q, auths, opts)
	if err != nil {
		status := http.StatusBadGateway
		if !errors.Is(err, failure.ErrAllAuthoritiesFailed) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamProgress handles GET /v1/progress as a server-sent event stream.
// An optional run_id narrows the stream to one run, which also ends the
// stream once that run finishes.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := r.URL.Query().Get("run_id")
	events, cancel := s.deps.Progress.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if runID != "" && evt.RunID != runID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode progress event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Step, payload); err != nil {
				return
			}
			flusher.Flush()
			if runID != "" && evt.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidClock), errors.Is(err, registry.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("control request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

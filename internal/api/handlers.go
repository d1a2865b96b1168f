package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/cost"
	"github.com/sells-group/shadow-cli/internal/history"
	"github.com/sells-group/shadow-cli/internal/keypool"
	"github.com/sells-group/shadow-cli/internal/model"
	"github.com/sells-group/shadow-cli/internal/pipeline"
	"github.com/sells-group/shadow-cli/internal/resilience"
	"github.com/sells-group/shadow-cli/internal/source"
)

const maxWaitSecs = 60

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "model": s.opts.Model}
	if s.deps.KeyStats != nil {
		st := s.deps.KeyStats()
		resp["keys"] = st.TotalKeys
		resp["available_keys"] = st.Available
	}
	respondJSON(w, http.StatusOK, resp)
}

type processRequest struct {
	Title   string `json:"title"`
	Speaker string `json:"speaker"`
	URL     string `json:"url"`
	Text    string `json:"text"`
	UserID  string `json:"user_id"`
}

type processResponse struct {
	Info             model.DocumentInfo  `json:"ted_info"`
	Results          []model.FinalResult `json:"results"`
	ResultCount      int                 `json:"result_count"`
	Errors           []model.ChunkError  `json:"errors"`
	Chunks           int                 `json:"chunks"`
	ProcessingTimeMS int64               `json:"processing_time_ms"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	text := strings.TrimSpace(req.Text)
	if utf8.RuneCountInString(text) < s.opts.MinDocumentChars {
		respondError(w, r, http.StatusBadRequest,
			fmt.Sprintf("text must be at least %d characters", s.opts.MinDocumentChars))
		return
	}

	doc := model.Document{
		Title:      orDefault(req.Title, "Untitled"),
		Speaker:    orDefault(req.Speaker, "Unknown"),
		URL:        strings.TrimSpace(req.URL),
		Transcript: text,
	}

	start := time.Now()
	res := s.deps.Processor.RunDocument(r.Context(), doc, pipeline.ForUser(req.UserID))
	res.SortByChunk()

	resp := processResponse{
		Info:             res.Info,
		Results:          res.Results,
		ResultCount:      res.ResultCount(),
		Errors:           res.Errors,
		Chunks:           res.Chunks,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
	if resp.Results == nil {
		resp.Results = []model.FinalResult{}
	}
	if resp.Errors == nil {
		resp.Errors = []model.ChunkError{}
	}
	respondJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Topic  string `json:"topic"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type searchHit struct {
	model.Candidate
	Seen bool `json:"seen"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		respondError(w, r, http.StatusServiceUnavailable, "search is not configured")
		return
	}

	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		respondError(w, r, http.StatusBadRequest, "topic is required")
		return
	}
	limit := req.Limit
	if limit < 1 || limit > 4*s.opts.SearchLimit {
		limit = s.opts.SearchLimit
	}

	cands, err := s.deps.Search.Search(r.Context(), topic, limit)
	if err != nil {
		respondErrorLog(w, r, http.StatusBadGateway, "search failed", err)
		return
	}

	seen := map[string]bool{}
	if req.UserID != "" {
		if m, err := s.deps.History.Seen(r.Context(), req.UserID); err != nil {
			zap.L().Warn("api: history lookup failed", zap.String("user_id", req.UserID), zap.Error(err))
		} else {
			seen = m
		}
	}

	hits := make([]searchHit, 0, len(cands))
	for _, c := range cands {
		hits = append(hits, searchHit{Candidate: c, Seen: seen[c.URL]})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"topic":      topic,
		"candidates": hits,
		"total":      len(hits),
	})
}

type batchRequest struct {
	URLs   []string `json:"urls"`
	UserID string   `json:"user_id"`
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		respondError(w, r, http.StatusServiceUnavailable, "batch processing is not configured")
		return
	}

	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !source.IsTalkURL(u) {
			respondError(w, r, http.StatusBadRequest, fmt.Sprintf("not a talk url: %s", u))
			return
		}
		urls = append(urls, u)
	}

	id, err := s.deps.Jobs.Start(s.base, urls, req.UserID)
	if err != nil {
		if eris.Is(err, pipeline.ErrBatchSize) {
			respondError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		respondErrorLog(w, r, http.StatusInternalServerError, "start batch failed", err)
		return
	}

	zap.L().Info("api: batch accepted", zap.String("task_id", id), zap.Int("total", len(urls)))
	respondJSON(w, http.StatusAccepted, map[string]any{
		"task_id": id,
		"total":   len(urls),
		"status":  model.JobPending,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, r, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Jobs != nil && s.deps.Jobs.Cancel(id, "canceled by client") {
		job, _ := s.deps.Registry.Get(id)
		respondJSON(w, http.StatusOK, job)
		return
	}
	if _, ok := s.deps.Registry.Get(id); ok {
		respondError(w, r, http.StatusConflict, "task already finished")
		return
	}
	respondError(w, r, http.StatusNotFound, "task not found")
}

// handleEvents replays events after the cursor. With wait=N it long-polls
// up to N seconds when nothing is pending.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		respondError(w, r, http.StatusNotFound, "task not found")
		return
	}

	after, err := parseInt(r.URL.Query().Get("after"))
	if err != nil || after < 0 {
		respondError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	wait, err := parseInt(r.URL.Query().Get("wait"))
	if err != nil || wait < 0 {
		respondError(w, r, http.StatusBadRequest, "wait must be a non-negative integer")
		return
	}
	wait = min(wait, maxWaitSecs)

	events := s.deps.Hub.Replay(id, after)
	if len(events) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(wait)*time.Second)
		events, _ = s.deps.Hub.Wait(ctx, id, after)
		cancel()
	}
	if events == nil {
		events = []model.Event{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"events":  events,
		"latest":  s.latestID(id),
	})
}

func (s *Server) handleKeyStats(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Pool *keypool.Stats `json:"pool,omitempty"`
		Cost *cost.Summary  `json:"cost,omitempty"`
	}{}
	if s.deps.KeyStats != nil {
		st := s.deps.KeyStats()
		resp.Pool = &st
	}
	if s.deps.Costs != nil {
		sum := s.deps.Costs.Summary()
		resp.Cost = &sum
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		respondError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	recs, err := s.deps.History.Recent(r.Context(), userID, int(limit))
	if err != nil {
		status := http.StatusInternalServerError
		if eris.Is(err, resilience.ErrOpen) {
			status = http.StatusServiceUnavailable
		}
		respondErrorLog(w, r, status, "history unavailable", err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"records": recs,
		"total":   len(recs),
	})
}

// known reports whether the job is registered or still has a progress log.
func (s *Server) known(jobID string) bool {
	if _, ok := s.deps.Registry.Get(jobID); ok {
		return true
	}
	_, ok := s.deps.Hub.Latest(jobID)
	return ok
}

// latestID is the id of the job's newest event, 0 when none.
func (s *Server) latestID(jobID string) int64 {
	ev, _ := s.deps.Hub.Latest(jobID)
	return ev.ID
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

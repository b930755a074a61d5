// Package httpserver exposes the control surface: health, diagnostics,
// read-model queries, and replay management.
package httpserver

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/errs"
	"github.com/eventfold/eventfold/internal/eventstore"
	"github.com/eventfold/eventfold/internal/projection"
	"github.com/eventfold/eventfold/internal/query"
	"github.com/eventfold/eventfold/internal/replay"
)

// Handler serves the control API.
type Handler struct {
	mux     *http.ServeMux
	log     eventstore.Store
	engine  *projection.Engine
	queries *query.Service
	replays *replay.Orchestrator
	started time.Time
}

// NewHandler wires the control API routes.
func NewHandler(log eventstore.Store, engine *projection.Engine, queries *query.Service, replays *replay.Orchestrator) *Handler {
	h := &Handler{
		mux:     http.NewServeMux(),
		log:     log,
		engine:  engine,
		queries: queries,
		replays: replays,
		started: time.Now().UTC(),
	}
	h.mux.HandleFunc("GET /healthz", h.health)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	h.mux.HandleFunc("GET /v1/models/{model}/records/{id}", h.recordByID)
	h.mux.HandleFunc("POST /v1/models/{model}/search", h.search)
	h.mux.HandleFunc("POST /v1/replays", h.startReplay)
	h.mux.HandleFunc("GET /v1/replays", h.listReplays)
	h.mux.HandleFunc("GET /v1/replays/{id}", h.replayStatus)
	h.mux.HandleFunc("POST /v1/replays/{id}/cancel", h.cancelReplay)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

type statsResponse struct {
	LatestGlobalSeq int64                   `json:"latest_global_seq"`
	EventsByType    map[string]int64        `json:"events_by_aggregate_type"`
	Models          []projection.ModelStats `json:"models"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	latest, err := h.log.LatestGlobalSeq(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := h.log.CountByAggregateType(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	models, err := h.engine.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		LatestGlobalSeq: latest,
		EventsByType:    counts,
		Models:          models,
	})
}

func (h *Handler) recordByID(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queries.FindByID(r.Context(), r.PathValue("model"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordPayload(rec))
}

type searchRequest struct {
	Criteria map[string]any `json:"criteria"`
	Limit    int            `json:"limit"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	records, err := h.queries.Find(r.Context(), r.PathValue("model"), req.Criteria, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, recordPayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

type startReplayRequest struct {
	Model     string `json:"model"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

func (h *Handler) startReplay(w http.ResponseWriter, r *http.Request) {
	var req startReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	from, ok := parseTime(w, req.From, "from")
	if !ok {
		return
	}
	to, ok := parseTime(w, req.To, "to")
	if !ok {
		return
	}
	run, err := h.replays.Start(r.Context(), replay.Request{
		TargetName: req.Model,
		From:       from,
		To:         to,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runPayload(run))
}

func (h *Handler) listReplays(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	runs, err := h.replays.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runPayload(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *Handler) replayStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.replays.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runPayload(run))
}

func (h *Handler) cancelReplay(w http.ResponseWriter, r *http.Request) {
	if err := h.replays.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func recordPayload(rec projection.Record) map[string]any {
	return map[string]any{
		"projection":           rec.ProjectionName,
		"aggregate_id":         rec.AggregateID,
		"fields":               rec.Fields,
		"incorporated_version": rec.IncorporatedVersion,
		"updated_at":           rec.UpdatedAt,
	}
}

func runPayload(run replay.Run) map[string]any {
	out := map[string]any{
		"id":               run.ID,
		"target_kind":      string(run.TargetKind),
		"target_name":      run.TargetName,
		"state":            string(run.State),
		"total_events":     run.TotalEvents,
		"processed_events": run.ProcessedEvents,
		"last_global_seq":  run.LastGlobalSeq,
		"started_at":       run.StartedAt,
	}
	if run.LastEventID != "" {
		out["last_event_id"] = run.LastEventID
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	if !run.FinishedAt.IsZero() {
		out["finished_at"] = run.FinishedAt
	}
	return out
}

func parseTime(w http.ResponseWriter, raw, field string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": field + " must be RFC 3339"})
		return time.Time{}, false
	}
	return t, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeConflict, errs.CodeReplayInProgress:
		status = http.StatusConflict
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

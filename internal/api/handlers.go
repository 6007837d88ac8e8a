package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/scenepipe/internal/compiler"
	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Error string       `json:"error"`
	Kind  ir.ErrorKind `json:"kind,omitempty"`
}

// DispatchRequest is the body of POST /dispatch.
type DispatchRequest struct {
	Type         ir.ActivityType `json:"type"`
	CollectionID int64           `json:"collection_id"`
	SceneIDs     []string        `json:"scene_ids"`
	Args         ir.Args         `json:"args"`
	SceneType    string          `json:"scene_type"`
	Tags         []string        `json:"tags"`
	Force        bool            `json:"force"`
	Action       string          `json:"action"`
}

// SpecDispatchRequest is the body of POST /dispatch/spec.
type SpecDispatchRequest struct {
	Spec             compiler.TaskSpec `json:"spec"`
	CollectionID     int64             `json:"collection_id"`
	SceneIDs         []string          `json:"scene_ids"`
	Args             ir.Args           `json:"args"`
	SceneType        string            `json:"scene_type"`
	Tags             []string          `json:"tags"`
	SkipCollectionID int64             `json:"skip_collection_id"`
	Force            bool              `json:"force"`
	Action           string            `json:"action"`
}

// RestartBody is the body of POST /restart.
type RestartBody struct {
	IDs          []int64     `json:"ids"`
	Statuses     []ir.Status `json:"statuses"`
	Type         string      `json:"type"`
	CollectionID int64       `json:"collection_id"`
	SceneIDs     []string    `json:"scene_ids"`
	Args         ir.Args     `json:"args"`
	Action       string      `json:"action"`
}

// ActivityView is an activity with its history and provenance.
type ActivityView struct {
	ir.Activity
	Outcome    ir.Outcome           `json:"outcome"`
	Executions []ir.ExecutionRecord `json:"executions"`
	Parents    []int64              `json:"parents"`
	Children   []int64              `json:"children"`
}

// CountsResponse is returned by GET /activities/counts.
type CountsResponse struct {
	ByStatus     map[ir.Status]int `json:"by_status"`
	Unsuccessful int               `json:"unsuccessful"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if !decodeBody(w, r, &body) {
		return
	}
	action, err := dispatch.ParseAction(body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Type:         body.Type,
		CollectionID: body.CollectionID,
		SceneIDs:     body.SceneIDs,
		Args:         body.Args,
		SceneType:    body.SceneType,
		Tags:         body.Tags,
		Force:        body.Force,
		Action:       action,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(action), res)
}

func (s *Server) handleDispatchSpec(w http.ResponseWriter, r *http.Request) {
	var body SpecDispatchRequest
	if !decodeBody(w, r, &body) {
		return
	}
	action, err := dispatch.ParseAction(body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.dispatcher.DispatchSpec(r.Context(), dispatch.SpecRequest{
		Spec:             body.Spec,
		CollectionID:     body.CollectionID,
		SceneIDs:         body.SceneIDs,
		Args:             body.Args,
		SceneType:        body.SceneType,
		Tags:             body.Tags,
		SkipCollectionID: body.SkipCollectionID,
		Force:            body.Force,
		Action:           action,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(action), res)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var body RestartBody
	if !decodeBody(w, r, &body) {
		return
	}
	action, err := dispatch.ParseAction(body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.dispatcher.Restart(r.Context(), dispatch.RestartRequest{
		Filter: dispatch.RestartFilter{
			IDs:          body.IDs,
			Statuses:     body.Statuses,
			Type:         body.Type,
			CollectionID: body.CollectionID,
			SceneIDs:     body.SceneIDs,
		},
		Args:   body.Args,
		Action: action,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(action), res)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	acts, err := s.store.Find(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.store.CountByStatus(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := CountsResponse{ByStatus: counts}
	for status, n := range counts {
		if status != ir.StatusSuccess {
			resp.Unsuccessful += n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, ir.Invalid("activity id must be a positive integer"))
		return
	}
	ctx := r.Context()
	act, err := s.store.GetActivity(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := ActivityView{Activity: act}
	if view.Executions, err = s.store.ExecutionsFor(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if view.Parents, err = s.store.Parents(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if view.Children, err = s.store.Children(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	view.Outcome = ir.ClassifyHistory(view.Executions)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int)
	for _, t := range ir.AllActivityTypes() {
		n, err := s.broker.Depth(r.Context(), t.Queue())
		if errors.Is(err, errors.ErrUnsupported) {
			writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		depths[t.Queue()] = n
		s.metrics.SetQueueDepth(t.Queue(), n)
	}
	writeJSON(w, http.StatusOK, depths)
}

// parseFilter reads collection_id, type, status, scene_id, id,
// created_after, created_before, limit and offset. Repeated or
// comma-separated values are accepted for the list parameters.
func parseFilter(r *http.Request) (store.ActivityFilter, error) {
	q := r.URL.Query()
	var f store.ActivityFilter
	var err error

	if v := q.Get("collection_id"); v != "" {
		if f.CollectionID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, ir.Invalid("collection_id: %v", err)
		}
	}
	f.TypeContains = q.Get("type")
	f.SceneIDs = listParam(q["scene_id"])
	for _, v := range listParam(q["id"]) {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, ir.Invalid("id: %v", err)
		}
		f.IDs = append(f.IDs, id)
	}
	for _, v := range listParam(q["status"]) {
		st, err := ir.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.LastStatus = append(f.LastStatus, st)
	}
	if f.CreatedAfter, err = timeParam(q.Get("created_after")); err != nil {
		return f, ir.Invalid("created_after: %v", err)
	}
	if f.CreatedBefore, err = timeParam(q.Get("created_before")); err != nil {
		return f, ir.Invalid("created_before: %v", err)
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, ir.Invalid("limit: %v", err)
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, ir.Invalid("offset: %v", err)
	}
	return f, nil
}

func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < 0 {
		err = fmt.Errorf("must not be negative")
	}
	return n, err
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
			Kind:  ir.ValidationError,
		})
		return false
	}
	return true
}

func statusFor(action dispatch.Action) int {
	if action == dispatch.ActionPreview {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ir.KindOf(err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, kind = http.StatusNotFound, ""
	case kind == ir.ValidationError, kind == ir.ConfigurationError:
		status = http.StatusBadRequest
	case kind == ir.TransientInfra:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

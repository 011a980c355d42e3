package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
	"github.com/sells-group/riskengine/internal/resilience"
	"github.com/sells-group/riskengine/internal/trigger"
)

const maxBody = 1 << 20

type triggerRequest struct {
	Kind     string `json:"kind" validate:"required"`
	TenantID string `json:"tenant_id" validate:"required"`
	EntityID string `json:"entity_id" validate:"required"`
}

type triggerResponse struct {
	IDs []string `json:"ids"`
}

// handleTriggers accepts one trigger object or an array of them.
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	raw = bytes.TrimSpace(raw)

	var reqs []triggerRequest
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &reqs)
	} else {
		var one triggerRequest
		err = json.Unmarshal(raw, &one)
		reqs = []triggerRequest{one}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "no triggers")
		return
	}

	triggers := make([]trigger.Trigger, 0, len(reqs))
	for _, req := range reqs {
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		kind, err := trigger.ParseKind(req.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		triggers = append(triggers, trigger.New(kind, req.TenantID, req.EntityID))
	}

	resp := triggerResponse{IDs: make([]string, 0, len(triggers))}
	for _, t := range triggers {
		if err := s.queue.Enqueue(r.Context(), t); err != nil {
			zap.L().Error("api: enqueue trigger", append(t.Fields(), zap.Error(err))...)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": "enqueue failed",
				"ids":   resp.IDs,
			})
			return
		}
		resp.IDs = append(resp.IDs, t.ID)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// subjectQuery is the subject and horizon shared by the read endpoints.
type subjectQuery struct {
	TenantID string `validate:"required"`
	EntityID string
	Date     time.Time
	Before   time.Time
}

func (s *Server) parseSubject(w http.ResponseWriter, r *http.Request) (metricstore.Kind, subjectQuery, bool) {
	kind := metricstore.Kind(chi.URLParam(r, "kind"))
	spec, ok := metricstore.Lookup(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown metric kind "+string(kind))
		return "", subjectQuery{}, false
	}

	q := r.URL.Query()
	sq := subjectQuery{TenantID: q.Get("tenant_id"), EntityID: q.Get("entity_id")}
	if err := s.validate.Struct(sq); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return "", sq, false
	}
	if !spec.TenantLevel() && sq.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required for "+string(kind))
		return "", sq, false
	}

	var err error
	if sq.Date, err = optionalDate(q, "date"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", sq, false
	}
	if spec.Dated && sq.Date.IsZero() {
		writeError(w, http.StatusBadRequest, "date is required for "+string(kind))
		return "", sq, false
	}
	if v := q.Get("calculated_before"); v != "" {
		if sq.Before, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeError(w, http.StatusBadRequest, "calculated_before must be RFC3339")
			return "", sq, false
		}
	}
	return kind, sq, true
}

func optionalDate(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be YYYY-MM-DD")
	}
	return d, nil
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	kind, sq, ok := s.parseSubject(w, r)
	if !ok {
		return
	}
	depth := 1
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > s.maxDepth {
			writeError(w, http.StatusBadRequest, "depth must be between 0 and "+strconv.Itoa(s.maxDepth))
			return
		}
		depth = n
	}

	tree, err := s.engine.Explain(r.Context(), kind, metricstore.NewSubject(sq.TenantID, sq.EntityID, sq.Date), sq.Before, depth)
	if err != nil {
		zap.L().Error("api: explain", zap.String("metric", string(kind)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "explain failed")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	kind, sq, ok := s.parseSubject(w, r)
	if !ok {
		return
	}
	row, err := s.engine.Latest(r.Context(), kind, metricstore.NewSubject(sq.TenantID, sq.EntityID, sq.Date), sq.Before)
	if err != nil {
		var mm *resilience.MissingMetricError
		if errors.As(err, &mm) {
			writeJSON(w, http.StatusNotFound, errorBody{
				Error:  err.Error(),
				Kind:   resilience.ErrorKind(err),
				Reason: string(mm.Reason),
			})
			return
		}
		zap.L().Error("api: load latest", zap.String("metric", string(kind)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return ve[0].Field() + " is " + ve[0].Tag()
	}
	return err.Error()
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/callbacks"
	"github.com/cloud-shuttle/conductor/internal/definition"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/graph"
)

// maxDefinitionBytes bounds submitted definition bodies
const maxDefinitionBytes = 1 << 20

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error      string   `json:"error"`
	Kind       string   `json:"kind,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	Dependency string   `json:"dependency,omitempty"`
	Cycle      []string `json:"cycle,omitempty"`
}

// SubmitResponse is returned by POST /workflows
type SubmitResponse struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("definition exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	def, err := definition.Parse(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.engine.Submit(def)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	resp := SubmitResponse{ID: id}
	if start, _ := strconv.ParseBool(r.URL.Query().Get("start")); start {
		if err := s.engine.Start(r.Context(), id); err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Started = true
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.Status(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Start(r.Context(), id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "started"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(id); err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleFunctions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"functions": s.engine.Functions().Names()})
}

func (s *Server) handleCallbacks(w http.ResponseWriter, _ *http.Request) {
	cbs := s.engine.Callbacks()
	respondJSON(w, http.StatusOK, map[string][]string{
		"callbacks": cbs.Names(),
		"disabled":  cbs.Disabled(),
	})
}

func (s *Server) handleToggleCallback(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		cbs := s.engine.Callbacks()
		toggle := cbs.Disable
		if enabled {
			toggle = cbs.Enable
		}
		if err := toggle(name); err != nil {
			s.respondError(w, statusFor(err), err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"callback": name, "enabled": enabled})
	}
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Aggregator == nil {
		s.respondError(w, http.StatusNotFound, errors.New("metrics aggregation is not enabled"))
		return
	}
	respondJSON(w, http.StatusOK, s.opts.Aggregator.Summary())
}

func (s *Server) handleHistoryRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.respondError(w, http.StatusNotFound, errors.New("history store is not configured"))
		return
	}
	runs, err := s.opts.History.RecentRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistoryExecutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.respondError(w, http.StatusNotFound, errors.New("history store is not configured"))
		return
	}
	execs, err := s.opts.History.RecentExecutions(r.Context(), queryInt(r, "limit", 50), r.URL.Query().Get("workflow"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.respondError(w, http.StatusNotFound, errors.New("history store is not configured"))
		return
	}
	stats, err := s.opts.History.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"workflows": len(s.engine.List()),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Bus != nil {
		body["event_subscribers"] = s.opts.Bus.SubscriberCount()
		body["events_dropped"] = s.opts.Bus.Dropped()
	}
	respondJSON(w, http.StatusOK, body)
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, callbacks.ErrUnknownCallback):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyStarted), errors.Is(err, engine.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, graph.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var verr *graph.ValidationError
	if errors.As(err, &verr) {
		resp.Kind = verr.Kind.Error()
		resp.TaskID = verr.TaskID
		resp.Dependency = verr.Dependency
		resp.Cycle = verr.Cycle
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

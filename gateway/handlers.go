package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/store"
)

// createJobRequest is the POST /api/jobs body
type createJobRequest struct {
	Kind      store.JobKind   `json:"kind"`
	TargetOS  string          `json:"target_os"`
	BackendID string          `json:"backend_id"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// errorResponse is the JSON error envelope
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrAdmission):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.IsNotFound(err) || errors.IsInstanceNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// requireSession guards a handler with token validation. The token travels
// in the Authorization bearer header or the "token" query parameter.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			const prefix = "Bearer "
			if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				token = auth[len(prefix):]
			}
		}
		if token == "" || !s.sessions.Validate(token) {
			writeError(w, errors.Wrap(errors.ErrUnauthorized, "invalid or missing session token"))
			return
		}
		next(w, r)
	}
}

// HandleCreateJob creates a job record and submits it for execution.
// Submission errors after the record exists are surfaced but the record is
// never mutated here - the workflow owns it from this point.
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
		return
	}

	job, err := store.NewJob(req.Kind, req.TargetOS, req.BackendID, req.Command, req.Arguments)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
		return
	}
	if err := s.store.CreateJob(job); err != nil {
		writeError(w, err)
		return
	}

	// Chained jobs stay queued until a plan supervisor picks them up
	if job.Kind != store.KindChainedJob {
		if err := s.dispatcher.Submit(job.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, job)
}

// HandleGetJob returns one job record
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleListJobs returns jobs, optionally filtered by ?status= and bounded
// by ?limit= (default 100)
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var status *store.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		if !store.IsValidStatus(v) {
			writeError(w, errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", v))
			return
		}
		st := store.JobStatus(v)
		status = &st
	}

	jobs, err := s.store.ListJobs(status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// createPlanRequest is the POST /api/plans body
type createPlanRequest struct {
	Objective string `json:"objective"`
}

// HandleCreatePlan creates a plan in the INACTIVE state
func (s *Server) HandleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
		return
	}

	plan, err := s.store.CreatePlan(req.Objective)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// HandleGetPlan returns one plan record
func (s *Server) HandleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.GetPlan(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// HandleStartSupervisor starts the plan's supervisor loop. Idempotent: a
// live supervisor makes this a no-op success.
func (s *Server) HandleStartSupervisor(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.StartSupervisor(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStopSupervisor signals the plan's supervisor to stop. A plan with no
// live supervisor is reconciled to INACTIVE and still reports stopped.
func (s *Server) HandleStopSupervisor(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.StopSupervisor(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
}

// HandleForceUpdate wakes the plan's supervisor immediately. 404 when no
// supervisor is live - nothing to update.
func (s *Server) HandleForceUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.ForceUpdate(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signaled"})
}

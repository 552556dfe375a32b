package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/rt809f-bridge/internal/cluster"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	DeviceID string          `json:"deviceID"`
	Payload  json.RawMessage `json:"payload"`

	// TimeoutMs overrides the default job deadline; 0 or absent uses it.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// handleSubmitJob submits a command to a device.
//
// The device may be connected to this replica or, when coordination is
// enabled, to another one; remote submissions are relayed to the owner.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.ShuttingDown() {
		writeUnavailable(w, "bridge shutting down")
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeBadRequest(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.TimeoutMs < 0 {
		writeBadRequest(w, "timeoutMs must not be negative")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	j, err := s.correlator.Submit(req.DeviceID, req.Payload, timeout)

	var remote *job.RemoteDeviceError
	if errors.As(err, &remote) && s.relay != nil {
		j, err = s.relay.Submit(r.Context(), remote.Replica, req.DeviceID, req.Payload, timeout)
		if errors.Is(err, cluster.ErrUnavailable) {
			// The owner went away without withdrawing its presence.
			s.logger.Warn("relay submit failed",
				"device_id", req.DeviceID,
				"replica", remote.Replica,
				"error", err,
			)
			writeError(w, http.StatusNotFound, string(job.KindDeviceNotFound),
				fmt.Sprintf("device %s is not reachable", req.DeviceID))
			return
		}
	}
	if err != nil {
		writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// handleGetJob returns a job, optionally waiting for it to finish.
//
// 200 when terminal, 202 while outstanding, 404 when unknown or purged.
// Jobs owned by another replica are fetched from the owner.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	wait, err := s.parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	owner, ok := job.OwnerOf(jobID)
	if !ok {
		writeNotFound(w, "job not found")
		return
	}

	var j job.Job
	if owner == s.registry.ReplicaID() {
		j, err = s.correlator.Await(r.Context(), jobID, wait)
		if errors.Is(err, job.ErrWaitElapsed) {
			err = nil
		}
	} else {
		if s.relay == nil {
			writeNotFound(w, "job not found")
			return
		}
		j, err = s.relay.Get(r.Context(), owner, jobID, wait)
		if errors.Is(err, cluster.ErrUnavailable) {
			s.logger.Warn("relay get failed", "job_id", jobID, "replica", owner, "error", err)
			writeNotFound(w, "job not found")
			return
		}
	}

	switch {
	case err == nil:
	case r.Context().Err() != nil:
		// Caller went away; nobody reads the response.
		return
	default:
		writeJobError(w, err)
		return
	}

	status := http.StatusAccepted
	if j.State.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, j)
}

// parseWait parses the wait query parameter and caps it at jobs.max_wait.
//
// Accepted forms: a Go duration ("30s", "1500ms") or a bare number of
// seconds ("30").
func (s *Server) parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}

	limit := config.Seconds(s.jobsCfg.MaxWait)

	var wait time.Duration
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		switch {
		case math.IsNaN(n) || math.IsInf(n, 0):
			return 0, fmt.Errorf("invalid wait %q", raw)
		case n < 0:
			return 0, fmt.Errorf("wait must not be negative")
		case limit > 0 && n >= limit.Seconds():
			return limit, nil
		case n >= maxWaitSeconds:
			// Beyond this the conversion overflows time.Duration.
			wait = math.MaxInt64
		default:
			wait = time.Duration(n * float64(time.Second))
		}
	} else {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		wait = d
	}
	if wait < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}

	if limit > 0 && wait > limit {
		wait = limit
	}
	return wait, nil
}

// maxWaitSeconds is the largest whole number of seconds a time.Duration
// holds.
const maxWaitSeconds = float64(math.MaxInt64 / int64(time.Second))

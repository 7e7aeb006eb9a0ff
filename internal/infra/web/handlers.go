package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coach-chat-jobs/internal/domain"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/infra/logging"
)

const maxSubmitBody = 64 << 10

type submitRequest struct {
	Message string `json:"message"`
}

type submitResponse struct {
	JobID          string          `json:"jobId"`
	Status         model.JobStatus `json:"status"`
	LiveChannelRef string          `json:"liveChannelRef"`
	PollingRef     string          `json:"pollingRef"`
}

// jobResponse is the polling shape. accumulatedOutput is null until the first checkpoint.
type jobResponse struct {
	JobID             string               `json:"jobId"`
	SessionID         string               `json:"sessionId"`
	Status            model.JobStatus      `json:"status"`
	AccumulatedOutput *string              `json:"accumulatedOutput"`
	IsFinal           bool                 `json:"isFinal"`
	Result            *model.SessionResult `json:"result"`
	Error             *model.JobError      `json:"error"`
	CreatedAt         time.Time            `json:"createdAt"`
	StartedAt         *time.Time           `json:"startedAt,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

func toJobResponse(s *model.JobSnapshot) jobResponse {
	resp := jobResponse{
		JobID:       s.JobID,
		SessionID:   s.SessionID,
		Status:      s.Status,
		IsFinal:     s.IsFinal,
		Result:      s.Result,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.AccumulatedOutput != "" || s.Status == model.JobStatusCompleted {
		out := s.AccumulatedOutput
		resp.AccumulatedOutput = &out
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	ctx := logging.WithSessID(r.Context(), sessionID)

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err), s.log)
		return
	}

	handle, err := s.submitUC.Submit(ctx, sessionID, id.UserID, id.TenantID, req.Message)
	if err != nil {
		writeError(w, err, logging.With(ctx, s.log))
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:          handle.JobID,
		Status:         handle.Status,
		LiveChannelRef: handle.LiveChannelRef,
		PollingRef:     handle.PollingRef,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	snap, err := s.queryUC.GetStatus(r.Context(), chi.URLParam(r, "jobID"), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, err, logging.With(r.Context(), s.log))
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(snap))
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	snap, err := s.queryUC.GetActiveForSession(r.Context(), chi.URLParam(r, "sessionID"), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, err, logging.With(r.Context(), s.log))
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(snap))
}

// handleLive attaches a WebSocket to the job. The channel is registered before the
// snapshot is read, so every event produced after the snapshot reaches the client.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")
	ctx := logging.WithJobID(r.Context(), jobID)
	log := logging.With(ctx, s.log)

	if _, err := s.queryUC.GetStatus(ctx, jobID, id.TenantID, id.UserID); err != nil {
		writeError(w, err, log)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := newWSChannel(conn)
	s.bridge.Register(jobID, ch)
	defer func() {
		s.bridge.Unregister(jobID, ch)
		_ = ch.Close()
	}()

	snap, err := s.queryUC.GetStatus(ctx, jobID, id.TenantID, id.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot read failed after attach")
		return
	}
	if err := ch.write(ctx, snapshotEvent(snap)); err != nil {
		return
	}
	if snap.Status.IsTerminal() {
		if ev, ok := terminalEvent(snap); ok {
			_ = ch.write(ctx, ev)
		}
		return
	}
	ch.markReady()
	log.Debug().Msg("live channel attached")
	ch.serve()
}

func snapshotEvent(s *model.JobSnapshot) model.Event {
	return model.Event{
		Type:              model.EventSnapshot,
		JobID:             s.JobID,
		Status:            s.Status,
		AccumulatedOutput: s.AccumulatedOutput,
		IsFinal:           s.IsFinal,
		Result:            s.Result,
	}
}

func terminalEvent(s *model.JobSnapshot) (model.Event, bool) {
	switch s.Status {
	case model.JobStatusCompleted:
		return model.Event{
			Type:              model.EventCompletion,
			JobID:             s.JobID,
			Status:            s.Status,
			AccumulatedOutput: s.AccumulatedOutput,
			IsFinal:           s.IsFinal,
			Result:            s.Result,
		}, true
	case model.JobStatusFailed:
		if s.Error != nil {
			return model.FailureEvent(s.JobID, *s.Error), true
		}
	}
	return model.Event{}, false
}

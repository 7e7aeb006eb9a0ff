package model

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventToken      EventType = "token"
	EventCompletion EventType = "completion"
	EventFailure    EventType = "failure"
)

// Event is an execution event relayed to live channels. It is never the only
// record of a state change: the job store checkpoint is.
type Event struct {
	Type  EventType
	JobID string

	// token
	Chunk  string
	Offset int

	// snapshot, completion
	Status            JobStatus
	AccumulatedOutput string
	IsFinal           bool
	Result            *SessionResult

	// failure
	Error *JobError
}

func (e Event) IsTerminal() bool {
	return e.Type == EventCompletion || e.Type == EventFailure
}

// TokenEvent carries an incremental chunk that starts at offset bytes into the accumulated output.
func TokenEvent(jobID, chunk string, offset int) Event {
	return Event{Type: EventToken, JobID: jobID, Chunk: chunk, Offset: offset}
}

func CompletionEvent(j *Job) Event {
	return Event{
		Type:              EventCompletion,
		JobID:             j.ID,
		Status:            JobStatusCompleted,
		AccumulatedOutput: j.AccumulatedOutput,
		IsFinal:           j.IsFinal,
		Result:            j.Result.clone(),
	}
}

func FailureEvent(jobID string, jobErr JobError) Event {
	return Event{Type: EventFailure, JobID: jobID, Status: JobStatusFailed, Error: &jobErr}
}

// SnapshotEvent describes the durable state of j at the moment a live channel attaches.
func SnapshotEvent(j *Job) Event {
	return Event{
		Type:              EventSnapshot,
		JobID:             j.ID,
		Status:            j.Status,
		AccumulatedOutput: j.AccumulatedOutput,
		IsFinal:           j.IsFinal,
		Result:            j.Result.clone(),
	}
}

type tokenWire struct {
	Type   EventType `json:"type"`
	JobID  string    `json:"jobId"`
	Chunk  string    `json:"chunk"`
	Offset int       `json:"offset"`
}

type completionWire struct {
	Type              EventType      `json:"type"`
	JobID             string         `json:"jobId"`
	Status            JobStatus      `json:"status,omitempty"`
	AccumulatedOutput string         `json:"accumulatedOutput"`
	IsFinal           bool           `json:"isFinal"`
	Result            *SessionResult `json:"result"`
}

type failureWire struct {
	Type  EventType `json:"type"`
	JobID string    `json:"jobId"`
	Error *JobError `json:"error"`
}

// MarshalJSON emits only the fields that belong to the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventToken:
		return json.Marshal(tokenWire{Type: e.Type, JobID: e.JobID, Chunk: e.Chunk, Offset: e.Offset})
	case EventCompletion, EventSnapshot:
		return json.Marshal(completionWire{
			Type:              e.Type,
			JobID:             e.JobID,
			Status:            e.Status,
			AccumulatedOutput: e.AccumulatedOutput,
			IsFinal:           e.IsFinal,
			Result:            e.Result,
		})
	case EventFailure:
		return json.Marshal(failureWire{Type: e.Type, JobID: e.JobID, Error: e.Error})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Type              EventType      `json:"type"`
		JobID             string         `json:"jobId"`
		Chunk             string         `json:"chunk"`
		Offset            int            `json:"offset"`
		Status            JobStatus      `json:"status"`
		AccumulatedOutput string         `json:"accumulatedOutput"`
		IsFinal           bool           `json:"isFinal"`
		Result            *SessionResult `json:"result"`
		Error             *JobError      `json:"error"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case EventToken, EventCompletion, EventSnapshot, EventFailure:
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	*e = Event{
		Type:              w.Type,
		JobID:             w.JobID,
		Chunk:             w.Chunk,
		Offset:            w.Offset,
		Status:            w.Status,
		AccumulatedOutput: w.AccumulatedOutput,
		IsFinal:           w.IsFinal,
		Result:            w.Result,
		Error:             w.Error,
	}
	if w.Type == EventFailure && e.Status == "" {
		e.Status = JobStatusFailed
	}
	return nil
}

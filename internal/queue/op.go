package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitepunch/internal/domain"
)

// Kind discriminates the operation payload union.
type Kind string

const (
	KindClockIn  Kind = "clock-in"
	KindClockOut Kind = "clock-out"
)

// Operation states as seen by the client UI.
const (
	StateQueued    = "queued"
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
)

// ClockInPayload is the captured clock-in attempt. At is the device-side
// timestamp so the server records when the worker acted, not when the
// queue drained.
type ClockInPayload struct {
	WorkerID string          `json:"worker_id"`
	JobID    string          `json:"job_id"`
	At       string          `json:"at" format:"date-time"`
	Location domain.Location `json:"location"`
}

type ClockOutPayload struct {
	WorkerID string          `json:"worker_id"`
	At       string          `json:"at" format:"date-time"`
	Location domain.Location `json:"location"`
}

// Operation is one queued attendance action. Exactly one of ClockIn and
// ClockOut is set, matching Kind; the union is decoded at enqueue so a
// malformed payload is rejected up front, never during drain.
type Operation struct {
	ID             string           `json:"id"`
	Kind           Kind             `json:"kind"`
	IdempotencyKey string           `json:"idempotency_key"`
	ClockIn        *ClockInPayload  `json:"clock_in,omitempty"`
	ClockOut       *ClockOutPayload `json:"clock_out,omitempty"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
	RetryCount     int              `json:"retry_count"`
	Done           bool             `json:"done"`
	LastError      string           `json:"last_error,omitempty"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
}

// State derives the three-state view: a done op either confirmed or
// terminally failed, everything else still queued.
func (o Operation) State() string {
	if o.Done {
		if o.LastError != "" {
			return StateFailed
		}
		return StateConfirmed
	}
	return StateQueued
}

func (o Operation) validate() error {
	if o.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	switch o.Kind {
	case KindClockIn:
		if o.ClockIn == nil || o.ClockOut != nil {
			return fmt.Errorf("operation kind %s requires exactly the clock-in payload", o.Kind)
		}
		if o.ClockIn.WorkerID == "" || o.ClockIn.JobID == "" {
			return errors.New("clock-in payload requires worker and job")
		}
	case KindClockOut:
		if o.ClockOut == nil || o.ClockIn != nil {
			return fmt.Errorf("operation kind %s requires exactly the clock-out payload", o.Kind)
		}
		if o.ClockOut.WorkerID == "" {
			return errors.New("clock-out payload requires worker")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

func (o Operation) payloadJSON() (string, error) {
	var v any
	switch o.Kind {
	case KindClockIn:
		v = o.ClockIn
	case KindClockOut:
		v = o.ClockOut
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePayload(kind Kind, payload string) (*ClockInPayload, *ClockOutPayload, error) {
	switch kind {
	case KindClockIn:
		var p ClockInPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, nil, err
		}
		return &p, nil, nil
	case KindClockOut:
		var p ClockOutPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, nil, err
		}
		return nil, &p, nil
	}
	return nil, nil, fmt.Errorf("unknown operation kind %q", kind)
}

package server

import (
	"sitepunch/internal/domain"
)

type ClockInRequest struct {
	WorkerID       string          `json:"worker_id,omitempty" doc:"Defaults to the authenticated actor"`
	JobID          string          `json:"job_id"`
	At             string          `json:"at,omitempty" format:"date-time" doc:"Device-side capture time for offline replays"`
	Location       domain.Location `json:"location"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type ClockOutRequest struct {
	WorkerID       string          `json:"worker_id,omitempty" doc:"Defaults to the authenticated actor"`
	At             string          `json:"at,omitempty" format:"date-time"`
	Location       domain.Location `json:"location"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type BulkDecideRequest struct {
	EntryIDs []string `json:"entry_ids"`
	Reason   string   `json:"reason,omitempty" doc:"Required for bulk reject"`
}

type CreateJobRequest struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m,omitempty" doc:"Falls back to the tenant default"`
}

type AssignWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

type EntryListResponse struct {
	Items      []domain.TimeEntry `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

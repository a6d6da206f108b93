package domain

// Location is a GPS fix reported by a client device.
type Location struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// ExceptionTag classifies a time entry as needing human review.
type ExceptionTag string

const (
	TagOutsideGeofenceIn  ExceptionTag = "outside_geofence_in"
	TagOutsideGeofenceOut ExceptionTag = "outside_geofence_out"
	TagExceedsMaxDuration ExceptionTag = "exceeds_max_duration"
	TagAutoClockOut       ExceptionTag = "auto_clock_out"
	TagOverlappingEntry   ExceptionTag = "overlapping_entry"
	TagDisputed           ExceptionTag = "disputed"
)

// Time entry statuses.
const (
	StatusActive   = "active"
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// TimeEntry is one attendance record for a worker at a job site.
// TenantID, WorkerID, JobID, ClockInAt and IdempotencyKey are immutable
// once written; no update path may alter them.
type TimeEntry struct {
	ID                    string         `json:"id"`
	TenantID              string         `json:"tenant_id"`
	WorkerID              string         `json:"worker_id"`
	JobID                 string         `json:"job_id"`
	ClockInAt             string         `json:"clock_in_at" format:"date-time"`
	ClockOutAt            *string        `json:"clock_out_at,omitempty" format:"date-time"`
	ClockInLocation       Location       `json:"clock_in_location"`
	ClockOutLocation      *Location      `json:"clock_out_location,omitempty"`
	ClockInGeofenceValid  bool           `json:"clock_in_geofence_valid"`
	ClockOutGeofenceValid *bool          `json:"clock_out_geofence_valid,omitempty"`
	IdempotencyKey        string         `json:"idempotency_key"`
	ClockOutKey           *string        `json:"clock_out_idempotency_key,omitempty"`
	Status                string         `json:"status" enum:"active,pending,approved,rejected"`
	ExceptionTags         []ExceptionTag `json:"exception_tags"`
	DisputeReason         *string        `json:"dispute_reason,omitempty"`
	ApprovedBy            *string        `json:"approved_by,omitempty"`
	ApprovedAt            *string        `json:"approved_at,omitempty" format:"date-time"`
	RejectedBy            *string        `json:"rejected_by,omitempty"`
	RejectedAt            *string        `json:"rejected_at,omitempty" format:"date-time"`
	RejectReason          *string        `json:"reject_reason,omitempty"`
	CreatedAt             string         `json:"created_at" format:"date-time"`
	UpdatedAt             string         `json:"updated_at" format:"date-time"`
}

// HasTag reports whether the entry carries the given exception tag.
func (t TimeEntry) HasTag(tag ExceptionTag) bool {
	for _, et := range t.ExceptionTags {
		if et == tag {
			return true
		}
	}
	return false
}

// Open reports whether the entry still lacks a clock-out.
func (t TimeEntry) Open() bool {
	return t.ClockOutAt == nil
}

// Job is a physical site with a circular geofence.
type Job struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	RadiusM   float64 `json:"radius_m"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Assignment links a worker to a job they may clock into.
type Assignment struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	TenantID  string `json:"tenant_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one immutable audit fact.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates non-interactive callers.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

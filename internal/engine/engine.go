package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitepunch/internal/config"
	"sitepunch/internal/domain"
	"sitepunch/internal/events"
	"sitepunch/internal/geo"
	"sitepunch/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// configFor resolves the effective config for a tenant: stored tenant config
// first, then the engine's loaded config, then defaults.
func (e Engine) configFor(ctx context.Context, tenantID string) *config.Config {
	if cfg, err := e.Repo.GetTenantConfig(ctx, tenantID); err == nil {
		return cfg
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default(tenantID)
}

// InitTenant seeds a tenant config row so the server has effective settings
// for the tenant before any entries exist.
func (e Engine) InitTenant(ctx context.Context, tenantID, actorID string, cfg *config.Config) (*config.Config, error) {
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, tenantID, cfg); err != nil {
		return nil, fmt.Errorf("store tenant config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "tenant.init", tenantID, "tenant", tenantID, actorID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClockInOptions are the parameters of a clock-in attempt. At may carry the
// device-side timestamp for offline-queued attempts; empty means now.
type ClockInOptions struct {
	TenantID       string
	WorkerID       string
	JobID          string
	At             string
	Location       domain.Location
	IdempotencyKey string
	ActorID        string
}

// ClockIn opens a time entry for the worker at the job. It is idempotent on
// IdempotencyKey: a replayed key returns the original entry without side
// effects. All checks and the insert run in one transaction; the unique
// index on idempotency_key and the partial unique index on active workers
// back the same guarantees at the storage layer.
func (e Engine) ClockIn(ctx context.Context, opts ClockInOptions) (domain.TimeEntry, error) {
	if opts.TenantID == "" || opts.WorkerID == "" || opts.JobID == "" {
		return domain.TimeEntry{}, errors.New("tenant, worker and job are required")
	}
	if opts.IdempotencyKey == "" {
		return domain.TimeEntry{}, errors.New("idempotency key is required")
	}
	cfg := e.configFor(ctx, opts.TenantID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()

	if prev, err := e.Repo.EntryByKeyTx(ctx, tx, opts.TenantID, opts.IdempotencyKey); err == nil {
		return prev, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TimeEntry{}, err
	}

	job, err := e.Repo.GetJobTx(ctx, tx, opts.TenantID, opts.JobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimeEntry{}, fmt.Errorf("job %s: %w", opts.JobID, repo.ErrNotFound)
		}
		return domain.TimeEntry{}, err
	}

	assigned, err := e.Repo.IsAssignedTx(ctx, tx, opts.TenantID, opts.JobID, opts.WorkerID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if !assigned {
		return domain.TimeEntry{}, ErrNotAssigned
	}

	if _, err := e.Repo.ActiveEntryTx(ctx, tx, opts.TenantID, opts.WorkerID); err == nil {
		return domain.TimeEntry{}, ErrAlreadyClockedIn
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TimeEntry{}, err
	}

	radius := job.RadiusM
	if radius <= 0 {
		radius = cfg.Geofence.DefaultRadiusM
	}
	within, dist := geo.IsWithinRadius(
		geo.Point{Lat: job.Lat, Lng: job.Lng},
		geo.Point{Lat: opts.Location.Lat, Lng: opts.Location.Lng},
		radius)
	if !within && cfg.Geofence.Enforce {
		return domain.TimeEntry{}, &OutsideGeofenceError{DistanceM: dist, RadiusM: radius}
	}

	now := e.now().UTC().Format(time.RFC3339)
	at := opts.At
	if at == "" {
		at = now
	}
	entry := domain.TimeEntry{
		ID:                   uuid.NewString(),
		TenantID:             opts.TenantID,
		WorkerID:             opts.WorkerID,
		JobID:                opts.JobID,
		ClockInAt:            at,
		ClockInLocation:      opts.Location,
		ClockInGeofenceValid: within,
		IdempotencyKey:       opts.IdempotencyKey,
		Status:               domain.StatusActive,
		ExceptionTags:        []domain.ExceptionTag{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, fmt.Errorf("insert entry: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ClockInRecorded, opts.TenantID, "time_entry", entry.ID, opts.ActorID, events.EventPayload{
		"worker_id":      opts.WorkerID,
		"job_id":         opts.JobID,
		"geofence_valid": within,
		"distance_m":     dist,
	}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}

// ClockOutOptions close a worker's open entry. The entry is selected by
// worker, not by id: a worker has at most one open entry.
type ClockOutOptions struct {
	TenantID       string
	WorkerID       string
	At             string
	Location       domain.Location
	IdempotencyKey string
	ActorID        string
}

// ClockOut closes the worker's open entry and moves it to pending review.
// An outside-geofence clock-out is recorded and tagged, never denied; the
// worker must not stay clocked in because they left the site. Tenants that
// set geofence.record_on_clock_out false skip the evaluation entirely.
// Idempotent on IdempotencyKey.
func (e Engine) ClockOut(ctx context.Context, opts ClockOutOptions) (domain.TimeEntry, error) {
	if opts.TenantID == "" || opts.WorkerID == "" {
		return domain.TimeEntry{}, errors.New("tenant and worker are required")
	}
	if opts.IdempotencyKey == "" {
		return domain.TimeEntry{}, errors.New("idempotency key is required")
	}
	cfg := e.configFor(ctx, opts.TenantID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()

	if prev, err := e.Repo.EntryByClockOutKeyTx(ctx, tx, opts.TenantID, opts.IdempotencyKey); err == nil {
		return prev, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TimeEntry{}, err
	}

	entry, err := e.Repo.ActiveEntryTx(ctx, tx, opts.TenantID, opts.WorkerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimeEntry{}, ErrEntryNotFound
		}
		return domain.TimeEntry{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	at := opts.At
	if at == "" {
		at = now
	}
	if err := ensureEntryTransition(entry.Status, domain.StatusPending); err != nil {
		return domain.TimeEntry{}, err
	}
	loc := opts.Location
	entry.ClockOutAt = &at
	entry.ClockOutLocation = &loc
	entry.ClockOutKey = &opts.IdempotencyKey
	entry.Status = domain.StatusPending
	entry.UpdatedAt = now

	payload := events.EventPayload{
		"worker_id": opts.WorkerID,
		"job_id":    entry.JobID,
	}
	if cfg.Geofence.RecordOnClockOut {
		job, err := e.Repo.GetJobTx(ctx, tx, opts.TenantID, entry.JobID)
		if err != nil {
			return domain.TimeEntry{}, err
		}
		radius := job.RadiusM
		if radius <= 0 {
			radius = cfg.Geofence.DefaultRadiusM
		}
		within, dist := geo.IsWithinRadius(
			geo.Point{Lat: job.Lat, Lng: job.Lng},
			geo.Point{Lat: loc.Lat, Lng: loc.Lng},
			radius)
		entry.ClockOutGeofenceValid = &within
		payload["geofence_valid"] = within
		payload["distance_m"] = dist
	}

	overlaps, err := e.Repo.OverlapCountTx(ctx, tx, opts.TenantID, opts.WorkerID, entry.ID, entry.ClockInAt, at)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	entry.ExceptionTags = Classify(entry, cfg, overlaps)
	payload["exception_tags"] = entry.ExceptionTags

	if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ClockOutRecorded, opts.TenantID, "time_entry", entry.ID, opts.ActorID, payload); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}

// AutoClockOut closes entries left active longer than the tenant's limit.
// Closed entries carry no clock-out location or geofence claim and land in
// pending review tagged for attention. Returns the entries it closed.
func (e Engine) AutoClockOut(ctx context.Context, tenantID, actorID string) ([]domain.TimeEntry, error) {
	cfg := e.configFor(ctx, tenantID)
	limit := time.Duration(cfg.Review.AutoClockOutAfterHours * float64(time.Hour))
	cutoff := e.now().UTC().Add(-limit).Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.StaleActiveEntriesTx(ctx, tx, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	var closed []domain.TimeEntry
	for _, entry := range stale {
		in, err := time.Parse(time.RFC3339, entry.ClockInAt)
		if err != nil {
			return nil, fmt.Errorf("entry %s has bad clock_in_at: %w", entry.ID, err)
		}
		at := in.Add(limit).Format(time.RFC3339)
		entry.ClockOutAt = &at
		entry.Status = domain.StatusPending
		entry.UpdatedAt = now
		entry.ExceptionTags = classify(entry, cfg, 0, true)
		if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.EntryAutoClosed, tenantID, "time_entry", entry.ID, actorID, events.EventPayload{
			"worker_id":    entry.WorkerID,
			"job_id":       entry.JobID,
			"clock_out_at": at,
		}); err != nil {
			return nil, err
		}
		closed = append(closed, entry)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return closed, nil
}

// CreateJob registers a job site with its geofence.
func (e Engine) CreateJob(ctx context.Context, tenantID, name string, lat, lng, radiusM float64, actorID string) (domain.Job, error) {
	if name == "" {
		return domain.Job{}, errors.New("name is required")
	}
	if radiusM <= 0 {
		radiusM = e.configFor(ctx, tenantID).Geofence.DefaultRadiusM
	}
	j := domain.Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		Lat:       lat,
		Lng:       lng,
		RadiusM:   radiusM,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,tenant_id,name,lat,lng,radius_m,created_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.Name, j.Lat, j.Lng, j.RadiusM, j.CreatedAt); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobCreated, tenantID, "job", j.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// AssignWorker makes a worker eligible to clock into a job. Assigning an
// already assigned worker is a no-op.
func (e Engine) AssignWorker(ctx context.Context, tenantID, jobID, workerID, actorID string) (domain.Assignment, error) {
	if workerID == "" {
		return domain.Assignment{}, errors.New("worker is required")
	}
	if _, err := e.Repo.GetJob(ctx, tenantID, jobID); err != nil {
		return domain.Assignment{}, err
	}
	a := domain.Assignment{
		JobID:     jobID,
		WorkerID:  workerID,
		TenantID:  tenantID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO assignments(job_id,worker_id,tenant_id,created_at) VALUES (?,?,?,?)`,
		a.JobID, a.WorkerID, a.TenantID, a.CreatedAt); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkerAssigned, tenantID, "job", jobID, actorID, events.EventPayload{"worker_id": workerID}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func ensureEntryTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusActive:
		if newStatus == domain.StatusPending {
			return nil
		}
	case domain.StatusPending:
		if newStatus == domain.StatusApproved || newStatus == domain.StatusRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid entry status transition %s -> %s", oldStatus, newStatus)
}

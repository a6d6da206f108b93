package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitepunch/internal/config"
	"sitepunch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const entryColumns = `id,tenant_id,worker_id,job_id,clock_in_at,clock_out_at,
clock_in_lat,clock_in_lng,clock_in_accuracy,clock_out_lat,clock_out_lng,clock_out_accuracy,
clock_in_geofence_valid,clock_out_geofence_valid,idempotency_key,clock_out_idempotency_key,
status,exception_tags,dispute_reason,approved_by,approved_at,rejected_by,rejected_at,reject_reason,
created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (domain.TimeEntry, error) {
	var e domain.TimeEntry
	var clockOutAt, clockOutKey, disputeReason, approvedBy, approvedAt, rejectedBy, rejectedAt, rejectReason sql.NullString
	var outLat, outLng, outAccuracy sql.NullFloat64
	var outValid sql.NullBool
	var tagsJSON string
	err := sc.Scan(&e.ID, &e.TenantID, &e.WorkerID, &e.JobID, &e.ClockInAt, &clockOutAt,
		&e.ClockInLocation.Lat, &e.ClockInLocation.Lng, &e.ClockInLocation.Accuracy,
		&outLat, &outLng, &outAccuracy,
		&e.ClockInGeofenceValid, &outValid, &e.IdempotencyKey, &clockOutKey,
		&e.Status, &tagsJSON, &disputeReason, &approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectReason,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if clockOutAt.Valid {
		e.ClockOutAt = &clockOutAt.String
	}
	if outLat.Valid && outLng.Valid {
		loc := domain.Location{Lat: outLat.Float64, Lng: outLng.Float64}
		if outAccuracy.Valid {
			loc.Accuracy = outAccuracy.Float64
		}
		e.ClockOutLocation = &loc
	}
	if outValid.Valid {
		e.ClockOutGeofenceValid = &outValid.Bool
	}
	if clockOutKey.Valid {
		e.ClockOutKey = &clockOutKey.String
	}
	if disputeReason.Valid {
		e.DisputeReason = &disputeReason.String
	}
	if approvedBy.Valid {
		e.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		e.ApprovedAt = &approvedAt.String
	}
	if rejectedBy.Valid {
		e.RejectedBy = &rejectedBy.String
	}
	if rejectedAt.Valid {
		e.RejectedAt = &rejectedAt.String
	}
	if rejectReason.Valid {
		e.RejectReason = &rejectReason.String
	}
	e.ExceptionTags = []domain.ExceptionTag{}
	if err := json.Unmarshal([]byte(tagsJSON), &e.ExceptionTags); err != nil {
		return e, fmt.Errorf("decode exception_tags for %s: %w", e.ID, err)
	}
	return e, nil
}

func tagsJSON(tags []domain.ExceptionTag) (string, error) {
	if tags == nil {
		tags = []domain.ExceptionTag{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r Repo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	tags, err := tagsJSON(e.ExceptionTags)
	if err != nil {
		return err
	}
	var outLat, outLng, outAccuracy any
	if e.ClockOutLocation != nil {
		outLat, outLng, outAccuracy = e.ClockOutLocation.Lat, e.ClockOutLocation.Lng, e.ClockOutLocation.Accuracy
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO time_entries(`+entryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.WorkerID, e.JobID, e.ClockInAt, nullableStringPtr(e.ClockOutAt),
		e.ClockInLocation.Lat, e.ClockInLocation.Lng, e.ClockInLocation.Accuracy,
		outLat, outLng, outAccuracy,
		e.ClockInGeofenceValid, nullableBoolPtr(e.ClockOutGeofenceValid), e.IdempotencyKey, nullableStringPtr(e.ClockOutKey),
		e.Status, tags, nullableStringPtr(e.DisputeReason),
		nullableStringPtr(e.ApprovedBy), nullableStringPtr(e.ApprovedAt),
		nullableStringPtr(e.RejectedBy), nullableStringPtr(e.RejectedAt), nullableStringPtr(e.RejectReason),
		e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntryTx rewrites the mutable columns of an entry. Identity columns
// (tenant, worker, job, clock-in time, idempotency key) are never updated.
func (r Repo) UpdateEntryTx(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	tags, err := tagsJSON(e.ExceptionTags)
	if err != nil {
		return err
	}
	var outLat, outLng, outAccuracy any
	if e.ClockOutLocation != nil {
		outLat, outLng, outAccuracy = e.ClockOutLocation.Lat, e.ClockOutLocation.Lng, e.ClockOutLocation.Accuracy
	}
	res, err := tx.ExecContext(ctx, `UPDATE time_entries SET clock_out_at=?, clock_out_lat=?, clock_out_lng=?, clock_out_accuracy=?,
clock_out_geofence_valid=?, clock_out_idempotency_key=?, status=?, exception_tags=?, dispute_reason=?,
approved_by=?, approved_at=?, rejected_by=?, rejected_at=?, reject_reason=?, updated_at=? WHERE id=?`,
		nullableStringPtr(e.ClockOutAt), outLat, outLng, outAccuracy,
		nullableBoolPtr(e.ClockOutGeofenceValid), nullableStringPtr(e.ClockOutKey), e.Status, tags, nullableStringPtr(e.DisputeReason),
		nullableStringPtr(e.ApprovedBy), nullableStringPtr(e.ApprovedAt),
		nullableStringPtr(e.RejectedBy), nullableStringPtr(e.RejectedAt), nullableStringPtr(e.RejectReason),
		e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEntry(ctx context.Context, tenantID, id string) (domain.TimeEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.TimeEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND id=?`, tenantID, id))
}

// EntryByKeyTx looks up an entry by clock-in idempotency key.
func (r Repo) EntryByKeyTx(ctx context.Context, tx *sql.Tx, tenantID, key string) (domain.TimeEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND idempotency_key=?`, tenantID, key))
}

// EntryByClockOutKeyTx looks up an entry by the key that closed it.
func (r Repo) EntryByClockOutKeyTx(ctx context.Context, tx *sql.Tx, tenantID, key string) (domain.TimeEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND clock_out_idempotency_key=?`, tenantID, key))
}

// ActiveEntryTx returns the worker's open entry, if any.
func (r Repo) ActiveEntryTx(ctx context.Context, tx *sql.Tx, tenantID, workerID string) (domain.TimeEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND worker_id=? AND status=?`, tenantID, workerID, domain.StatusActive))
}

type EntryFilters struct {
	TenantID        string
	WorkerID        string
	JobID           string
	Status          string
	Tag             string
	From            string
	To              string
	Limit           int
	CursorClockInAt string
	CursorID        string
}

func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.TimeEntry, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.JobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		clauses = append(clauses, "exception_tags LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.From != "" {
		clauses = append(clauses, "clock_in_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "clock_in_at <= ?")
		args = append(args, f.To)
	}
	if f.CursorClockInAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(clock_in_at < ? OR (clock_in_at = ? AND id < ?))")
		args = append(args, f.CursorClockInAt, f.CursorClockInAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + entryColumns + ` FROM time_entries ` + where + ` ORDER BY clock_in_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// StaleActiveEntriesTx returns entries still active whose clock-in precedes
// the cutoff, oldest first. Used by the auto clock-out sweep.
func (r Repo) StaleActiveEntriesTx(ctx context.Context, tx *sql.Tx, tenantID, cutoff string) ([]domain.TimeEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE tenant_id=? AND status=? AND clock_in_at < ? ORDER BY clock_in_at ASC, id ASC`,
		tenantID, domain.StatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// OverlapCountTx counts closed sibling entries for the same worker whose
// interval intersects [from, to). The entry itself is excluded.
func (r Repo) OverlapCountTx(ctx context.Context, tx *sql.Tx, tenantID, workerID, excludeID, from, to string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM time_entries
WHERE tenant_id=? AND worker_id=? AND id != ? AND clock_out_at IS NOT NULL
AND clock_in_at < ? AND clock_out_at > ?`,
		tenantID, workerID, excludeID, to, from).Scan(&n)
	return n, err
}

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(id,tenant_id,name,lat,lng,radius_m,created_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.Name, j.Lat, j.Lng, j.RadiusM, j.CreatedAt)
	return err
}

func scanJob(sc scanner) (domain.Job, error) {
	var j domain.Job
	err := sc.Scan(&j.ID, &j.TenantID, &j.Name, &j.Lat, &j.Lng, &j.RadiusM, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) GetJob(ctx context.Context, tenantID, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,lat,lng,radius_m,created_at FROM jobs WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT id,tenant_id,name,lat,lng,radius_m,created_at FROM jobs WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) ListJobs(ctx context.Context, tenantID string) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,lat,lng,radius_m,created_at FROM jobs WHERE tenant_id=? ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO assignments(job_id,worker_id,tenant_id,created_at) VALUES (?,?,?,?)`,
		a.JobID, a.WorkerID, a.TenantID, a.CreatedAt)
	return err
}

func (r Repo) IsAssignedTx(ctx context.Context, tx *sql.Tx, tenantID, jobID, workerID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE tenant_id=? AND job_id=? AND worker_id=?`, tenantID, jobID, workerID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListAssignments(ctx context.Context, tenantID, jobID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,worker_id,tenant_id,created_at FROM assignments WHERE tenant_id=? AND job_id=? ORDER BY created_at DESC`, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.JobID, &a.WorkerID, &a.TenantID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, tenantID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var tenantID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tenantID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if tenantID.Valid {
			e.TenantID = tenantID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a tenant.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitepunch/internal/config"
	"sitepunch/internal/db"
	"sitepunch/internal/domain"
	"sitepunch/internal/engine"
	"sitepunch/internal/events"
	"sitepunch/internal/migrate"
	"sitepunch/internal/repo"
)

// Mission St & 7th, San Francisco. farLoc is roughly 1.1km north.
var (
	siteLat = 37.7793
	siteLng = -122.4193
	siteLoc = domain.Location{Lat: 37.7793, Lng: -122.4193, Accuracy: 5}
	farLoc  = domain.Location{Lat: 37.7893, Lng: -122.4193, Accuracy: 5}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	JobID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, "acme", "admin-1", cfg); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	job, err := eng.CreateJob(ctx, "acme", "Mission Site", siteLat, siteLng, 150, "admin-1")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := eng.AssignWorker(ctx, "acme", job.ID, "w1", "admin-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, JobID: job.ID}
}

func (env *testEnv) clockIn(t *testing.T, key string, loc domain.Location) domain.TimeEntry {
	t.Helper()
	entry, err := env.Engine.ClockIn(env.Ctx, engine.ClockInOptions{
		TenantID: "acme", WorkerID: "w1", JobID: env.JobID,
		Location: loc, IdempotencyKey: key, ActorID: "w1",
	})
	if err != nil {
		t.Fatalf("clock in: %v", err)
	}
	return entry
}

func (env *testEnv) clockOut(t *testing.T, key string, loc domain.Location) domain.TimeEntry {
	t.Helper()
	entry, err := env.Engine.ClockOut(env.Ctx, engine.ClockOutOptions{
		TenantID: "acme", WorkerID: "w1",
		Location: loc, IdempotencyKey: key, ActorID: "w1",
	})
	if err != nil {
		t.Fatalf("clock out: %v", err)
	}
	return entry
}

func TestClockInIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	first := env.clockIn(t, "key-1", siteLoc)
	if first.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", first.Status)
	}
	replay := env.clockIn(t, "key-1", siteLoc)
	if replay.ID != first.ID {
		t.Fatalf("replay created a new entry: %s vs %s", replay.ID, first.ID)
	}
	items, err := env.Engine.Repo.ListEntries(env.Ctx, listAll())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(items))
	}
}

func TestClockInWhileActive(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "key-1", siteLoc)
	_, err := env.Engine.ClockIn(env.Ctx, engine.ClockInOptions{
		TenantID: "acme", WorkerID: "w1", JobID: env.JobID,
		Location: siteLoc, IdempotencyKey: "key-2", ActorID: "w1",
	})
	if !errors.Is(err, engine.ErrAlreadyClockedIn) {
		t.Fatalf("expected ErrAlreadyClockedIn, got %v", err)
	}
}

func TestClockInOutsideGeofenceDenied(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ClockIn(env.Ctx, engine.ClockInOptions{
		TenantID: "acme", WorkerID: "w1", JobID: env.JobID,
		Location: farLoc, IdempotencyKey: "key-1", ActorID: "w1",
	})
	var gfErr *engine.OutsideGeofenceError
	if !errors.As(err, &gfErr) {
		t.Fatalf("expected OutsideGeofenceError, got %v", err)
	}
	if gfErr.RadiusM != 150 {
		t.Fatalf("radius = %v", gfErr.RadiusM)
	}
	if gfErr.DistanceM < 1000 || gfErr.DistanceM > 1300 {
		t.Fatalf("distance = %v", gfErr.DistanceM)
	}
	// denial must not create an entry
	items, err := env.Engine.Repo.ListEntries(env.Ctx, listAll())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no entries, got %d", len(items))
	}
}

func TestClockInOutsideGeofenceRecordedWhenNotEnforced(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("acme")
	cfg.Geofence.Enforce = false
	if err := env.Engine.Repo.UpsertTenantConfig(env.Ctx, "acme", cfg); err != nil {
		t.Fatal(err)
	}
	entry := env.clockIn(t, "key-1", farLoc)
	if entry.ClockInGeofenceValid {
		t.Fatalf("expected geofence_valid=false")
	}
	out := env.clockOut(t, "out-1", siteLoc)
	if !out.HasTag(domain.TagOutsideGeofenceIn) {
		t.Fatalf("expected outside_geofence_in tag, got %v", out.ExceptionTags)
	}
}

func TestClockOutGeofenceNotRecordedWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("acme")
	cfg.Geofence.RecordOnClockOut = false
	if err := env.Engine.Repo.UpsertTenantConfig(env.Ctx, "acme", cfg); err != nil {
		t.Fatal(err)
	}
	env.clockIn(t, "in-1", siteLoc)
	out := env.clockOut(t, "out-1", farLoc)
	if out.ClockOutGeofenceValid != nil {
		t.Fatalf("expected no geofence claim, got %v", *out.ClockOutGeofenceValid)
	}
	if out.HasTag(domain.TagOutsideGeofenceOut) {
		t.Fatalf("unexpected outside_geofence_out tag: %v", out.ExceptionTags)
	}
	if out.ClockOutLocation == nil {
		t.Fatalf("clock-out location should still be recorded")
	}
}

func TestClockInNotAssigned(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ClockIn(env.Ctx, engine.ClockInOptions{
		TenantID: "acme", WorkerID: "w2", JobID: env.JobID,
		Location: siteLoc, IdempotencyKey: "key-1", ActorID: "w2",
	})
	if !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
}

func TestClockOutIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	first := env.clockOut(t, "out-1", siteLoc)
	if first.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}
	replay := env.clockOut(t, "out-1", siteLoc)
	if replay.ID != first.ID {
		t.Fatalf("replay closed a different entry")
	}
}

func TestClockOutWithoutActiveEntry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ClockOut(env.Ctx, engine.ClockOutOptions{
		TenantID: "acme", WorkerID: "w1",
		Location: siteLoc, IdempotencyKey: "out-1", ActorID: "w1",
	})
	if !errors.Is(err, engine.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestClockOutOutsideGeofenceTaggedNotDenied(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	out := env.clockOut(t, "out-1", farLoc)
	if out.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", out.Status)
	}
	if !out.HasTag(domain.TagOutsideGeofenceOut) {
		t.Fatalf("expected outside_geofence_out, got %v", out.ExceptionTags)
	}
	if out.ClockOutGeofenceValid == nil || *out.ClockOutGeofenceValid {
		t.Fatalf("expected clock_out geofence_valid=false")
	}
}

func TestClockOutMaxDurationTag(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	// 13h shift against the 12h default
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 1, 21, 0, 0, 0, time.UTC) }
	out := env.clockOut(t, "out-1", siteLoc)
	if !out.HasTag(domain.TagExceedsMaxDuration) {
		t.Fatalf("expected exceeds_max_duration, got %v", out.ExceptionTags)
	}
}

func TestClockOutOverlapTag(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	env.clockOut(t, "out-1", siteLoc) // closes 08:00..08:00
	// second shift backdated into the first one
	_, err := env.Engine.ClockIn(env.Ctx, engine.ClockInOptions{
		TenantID: "acme", WorkerID: "w1", JobID: env.JobID,
		At:       "2025-03-01T07:30:00Z",
		Location: siteLoc, IdempotencyKey: "in-2", ActorID: "w1",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	out := env.clockOut(t, "out-2", siteLoc)
	if !out.HasTag(domain.TagOverlappingEntry) {
		t.Fatalf("expected overlapping_entry, got %v", out.ExceptionTags)
	}
}

func TestApproveRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	entry := env.clockOut(t, "out-1", siteLoc)

	approved, err := env.Engine.Approve(env.Ctx, "acme", entry.ID, "mgr-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "mgr-1" {
		t.Fatalf("unexpected approval state: %+v", approved)
	}
	// double approve conflicts
	if _, err := env.Engine.Approve(env.Ctx, "acme", entry.ID, "mgr-1"); err == nil {
		t.Fatalf("expected transition error on double approve")
	}
	// reject after approve conflicts
	if _, err := env.Engine.Reject(env.Ctx, "acme", entry.ID, "mgr-1", "bad"); err == nil {
		t.Fatalf("expected transition error on reject after approve")
	}
}

func TestApproveActiveEntryFails(t *testing.T) {
	env := newTestEnv(t)
	entry := env.clockIn(t, "in-1", siteLoc)
	if _, err := env.Engine.Approve(env.Ctx, "acme", entry.ID, "mgr-1"); err == nil {
		t.Fatalf("expected transition error approving an active entry")
	}
}

func TestBulkDecidePartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	entry := env.clockOut(t, "out-1", siteLoc)

	results := env.Engine.BulkApprove(env.Ctx, "acme", []string{entry.ID, "missing-id"}, "mgr-1")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].OK || results[0].EntryID != entry.ID {
		t.Fatalf("expected first approval to succeed: %+v", results[0])
	}
	if results[1].OK || results[1].Error == "" {
		t.Fatalf("expected second approval to fail: %+v", results[1])
	}
	got, err := env.Engine.Repo.GetEntry(env.Ctx, "acme", entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
}

func TestDispute(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	entry := env.clockOut(t, "out-1", siteLoc)

	disputed, err := env.Engine.Dispute(env.Ctx, "acme", entry.ID, "w1", "forgot my badge")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if !disputed.HasTag(domain.TagDisputed) || disputed.DisputeReason == nil {
		t.Fatalf("expected disputed tag and reason: %+v", disputed)
	}
	// another worker cannot dispute it
	if _, err := env.Engine.Dispute(env.Ctx, "acme", entry.ID, "w2", "nope"); err == nil {
		t.Fatalf("expected error disputing another worker's entry")
	}
}

func TestAutoClockOut(t *testing.T) {
	env := newTestEnv(t)
	entry := env.clockIn(t, "in-1", siteLoc)
	// default limit is 16h; jump 17h ahead
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC) }
	closed, err := env.Engine.AutoClockOut(env.Ctx, "acme", "system")
	if err != nil {
		t.Fatalf("auto clock out: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != entry.ID {
		t.Fatalf("expected the stale entry closed, got %+v", closed)
	}
	got := closed[0]
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if !got.HasTag(domain.TagAutoClockOut) || !got.HasTag(domain.TagExceedsMaxDuration) {
		t.Fatalf("expected auto_clock_out and exceeds_max_duration tags, got %v", got.ExceptionTags)
	}
	if got.ClockOutAt == nil || *got.ClockOutAt != "2025-03-02T00:00:00Z" {
		t.Fatalf("expected synthetic clock_out_at at clock_in+16h, got %v", got.ClockOutAt)
	}
	// re-running the sweep is a no-op
	closed, err = env.Engine.AutoClockOut(env.Ctx, "acme", "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Fatalf("expected no stale entries, got %d", len(closed))
	}
}

func TestAutoClockOutSkipsFreshEntries(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	closed, err := env.Engine.AutoClockOut(env.Ctx, "acme", "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Fatalf("expected no entries closed, got %d", len(closed))
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	entry := env.clockOut(t, "out-1", siteLoc)

	if _, err := env.Engine.Repo.GetEntry(env.Ctx, "other", entry.ID); err == nil {
		t.Fatalf("expected not found across tenants")
	}
	if _, err := env.Engine.Approve(env.Ctx, "other", entry.ID, "mgr-1"); !errors.Is(err, engine.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound across tenants, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.clockIn(t, "in-1", siteLoc)
	entry := env.clockOut(t, "out-1", siteLoc)
	if _, err := env.Engine.Approve(env.Ctx, "acme", entry.ID, "mgr-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 50, 0, "acme", "", "time_entry", entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events for entry, got %d", len(got))
	}
	// Newest first.
	want := []string{events.EntryApproved, events.ClockOutRecorded, events.ClockInRecorded}
	for i, evt := range got {
		if evt.Type != want[i] {
			t.Errorf("event %d: got %s, want %s", i, evt.Type, want[i])
		}
		if evt.ActorID == "" {
			t.Errorf("event %d: missing actor", i)
		}
	}
}

func TestListByExceptionDateRange(t *testing.T) {
	env := newTestEnv(t)
	setNow := func(day, hour int) {
		env.Engine.Now = func() time.Time { return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC) }
	}
	for _, s := range []struct {
		day           int
		inKey, outKey string
	}{
		{1, "in-a", "out-a"},
		{3, "in-b", "out-b"},
		{5, "in-c", "out-c"},
	} {
		setNow(s.day, 8)
		env.clockIn(t, s.inKey, siteLoc)
		setNow(s.day, 16)
		env.clockOut(t, s.outKey, siteLoc)
	}

	got, err := env.Engine.ListByException(env.Ctx, "acme", engine.ReviewFilters{
		From:  "2025-03-02T00:00:00Z",
		To:    "2025-03-04T00:00:00Z",
		Limit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry in range, got %d", len(got))
	}
	if got[0].ClockInAt != "2025-03-03T08:00:00Z" {
		t.Fatalf("wrong entry in range: clocked in at %s", got[0].ClockInAt)
	}

	// Bounds are inclusive on clock-in time.
	got, err = env.Engine.ListByException(env.Ctx, "acme", engine.ReviewFilters{
		From:  "2025-03-03T08:00:00Z",
		To:    "2025-03-05T08:00:00Z",
		Limit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries at inclusive bounds, got %d", len(got))
	}
}

func listAll() repo.EntryFilters {
	return repo.EntryFilters{TenantID: "acme", Limit: 50}
}

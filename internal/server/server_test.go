package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sitepunch/internal/config"
	"sitepunch/internal/db"
	"sitepunch/internal/domain"
	"sitepunch/internal/engine"
	"sitepunch/internal/migrate"
)

const testSecret = "test-secret"

var (
	siteLoc = domain.Location{Lat: 37.7793, Lng: -122.4193, Accuracy: 5}
	farLoc  = domain.Location{Lat: 37.7893, Lng: -122.4193, Accuracy: 5}
)

type testServer struct {
	URL   string
	Eng   engine.Engine
	JobID string
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitTenant(ctx, "acme", "admin-1", cfg); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	job, err := e.CreateJob(ctx, "acme", "Mission Site", siteLoc.Lat, siteLoc.Lng, 150, "admin-1")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for _, w := range []string{"w1", "w2"} {
		if _, err := e.AssignWorker(ctx, "acme", job.ID, w, "admin-1"); err != nil {
			t.Fatalf("assign %s: %v", w, err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:   "http://" + ln.Addr().String(),
		Eng:   e,
		JobID: job.ID,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func mintToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       sub,
		"tenant_id": "acme",
		"role":      role,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) (string, map[string]any) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code, envelope.Error.Details
}

func clockInBody(jobID, key string, loc domain.Location) map[string]any {
	return map[string]any{
		"job_id":          jobID,
		"idempotency_key": key,
		"location":        loc,
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", "", clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	code, _ := errorCode(t, data)
	if code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}
}

func TestHealthExemptFromAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestClockInAndReplay(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in status %d: %s", res.StatusCode, string(data))
	}
	var first domain.TimeEntry
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if first.Status != domain.StatusActive || first.WorkerID != "w1" {
		t.Fatalf("unexpected entry: %+v", first)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var replay domain.TimeEntry
	_ = json.Unmarshal(data, &replay)
	if replay.ID != first.ID {
		t.Fatalf("replay returned a different entry")
	}
}

func TestClockInOutsideGeofence(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", farLoc))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	code, details := errorCode(t, data)
	if code != "outside_geofence" {
		t.Fatalf("expected outside_geofence, got %s", code)
	}
	if _, ok := details["distance_m"]; !ok {
		t.Fatalf("expected distance_m detail, got %v", details)
	}
}

func TestClockInConflictWhileActive(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k2", siteLoc))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	code, _ := errorCode(t, data)
	if code != "already_clocked_in" {
		t.Fatalf("expected already_clocked_in, got %s", code)
	}
}

func TestWorkerCannotClockInOthers(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")

	body := clockInBody(srv.JobID, "k1", siteLoc)
	body["worker_id"] = "w2"
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, body)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestClockOutFlow(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/clock-out", worker, map[string]any{
		"idempotency_key": "out-1",
		"location":        farLoc,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clock out: %d %s", res.StatusCode, string(data))
	}
	var entry domain.TimeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}
	if !entry.HasTag(domain.TagOutsideGeofenceOut) {
		t.Fatalf("expected outside_geofence_out tag, got %v", entry.ExceptionTags)
	}
}

func TestWorkerEntryScoping(t *testing.T) {
	srv := newTestServer(t)
	w1 := mintToken(t, "w1", "worker")
	w2 := mintToken(t, "w2", "worker")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", w1, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in: %d %s", res.StatusCode, string(data))
	}
	var entry domain.TimeEntry
	_ = json.Unmarshal(data, &entry)

	// w2 sees an empty list
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/entries", w2, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []domain.TimeEntry `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no visible entries for w2, got %d", len(page.Items))
	}

	// and gets 404 on a direct fetch
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/entries/"+entry.ID, w2, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReviewRequiresManager(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")
	manager := mintToken(t, "mgr-1", "manager")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/clock-out", worker, map[string]any{
		"idempotency_key": "out-1",
		"location":        siteLoc,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clock out: %d %s", res.StatusCode, string(data))
	}
	var entry domain.TimeEntry
	_ = json.Unmarshal(data, &entry)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/entries/"+entry.ID+"/approve", worker, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for worker approve, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/entries/"+entry.ID+"/approve", manager, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manager approve: %d %s", res.StatusCode, string(data))
	}
	var approved domain.TimeEntry
	_ = json.Unmarshal(data, &approved)
	if approved.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	// double approve conflicts
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/entries/"+entry.ID+"/approve", manager, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBulkApprovePartial(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")
	manager := mintToken(t, "mgr-1", "manager")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/clock-in", worker, clockInBody(srv.JobID, "k1", siteLoc))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clock in: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/clock-out", worker, map[string]any{
		"idempotency_key": "out-1",
		"location":        siteLoc,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clock out: %d %s", res.StatusCode, string(data))
	}
	var entry domain.TimeEntry
	_ = json.Unmarshal(data, &entry)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/entries/approve", manager, map[string]any{
		"entry_ids": []string{entry.ID, "missing-id"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk approve: %d %s", res.StatusCode, string(data))
	}
	var results []engine.BulkResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results) != 2 || !results[0].OK || results[1].OK {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestEventsRequireManager(t *testing.T) {
	srv := newTestServer(t)
	worker := mintToken(t, "w1", "worker")
	manager := mintToken(t, "mgr-1", "manager")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/events", worker, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events", manager, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []domain.Event `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	// tenant init, job created, two assignments
	if len(page.Items) == 0 {
		t.Fatalf("expected seeded events")
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", mintToken(t, "w1", "worker"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	if _, ok := spec["paths"]; !ok {
		t.Fatalf("expected paths in spec")
	}
}

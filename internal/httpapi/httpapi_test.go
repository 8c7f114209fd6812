package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/queueworks/vqueue/internal/analytics"
	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/metrics"
	"github.com/queueworks/vqueue/internal/notify"
	"github.com/queueworks/vqueue/internal/queue"
	"github.com/queueworks/vqueue/internal/ratelimit"
	"github.com/queueworks/vqueue/internal/retention"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

type apiFixture struct {
	ts     *httptest.Server
	store  *store.MemStore
	clock  clockwork.FakeClock
	ctx    context.Context
	tenant *store.Tenant
}

// Monday 2025-03-10 is the anchor so business-hours schedules are open
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	c := cache.NewMemory(clk)
	m := metrics.New()

	bus := events.NewBus(mem.Events(), clk, 0, 0, nil)
	eng := queue.New(mem, c, bus, m, clk, queue.DefaultOptions)

	ten := &store.Tenant{ID: uuid.New(), Name: "acme", Domain: "acme.example", Active: true}
	ctx := tenant.With(context.Background(), ten.ID)
	if err := mem.Tenants().Add(ctx, ten); err != nil {
		t.Fatalf("add tenant: %v", err)
	}

	srv := &Server{
		Store:     mem,
		Auth:      auth.NewService(mem.Users(), mem.APIKeys(), c, clk, auth.Config{HS256Secret: "test-secret", Issuer: "vqueue-test"}),
		Authz:     authz.New(c),
		Limiter:   ratelimit.New(c, clk, ratelimit.Config{Requests: 10000, Window: time.Minute}),
		Engine:    eng,
		Bus:       bus,
		Analytics: analytics.New(mem.Sessions()),
		Retention: retention.New(mem, nil, clk),
		Backups:   retention.NewBackupService(mem.Backups(), &fakeSnapshotter{location: "file:///tmp/b.tar", size: 64, checksum: "sha256:ok"}, clk),
		Webhooks:  notify.NewDispatcher(mem.Webhooks(), mem.Deliveries(), clk, nil),
		Audit:     audit.NewRecorder(mem.Audit(), clk),
		Metrics:   m,
	}

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, store: mem, clock: clk, ctx: ctx, tenant: ten}
}

type fakeSnapshotter struct {
	location string
	size     int64
	checksum string
}

func (s *fakeSnapshotter) Snapshot(ctx context.Context) (string, int64, string, error) {
	return s.location, s.size, s.checksum, nil
}

func (s *fakeSnapshotter) Stat(ctx context.Context, location string) (int64, string, error) {
	return s.size, s.checksum, nil
}

func (f *apiFixture) addUser(t *testing.T, username, password string, role store.Role) *store.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &store.User{
		Username:     username,
		Email:        username + "@acme.example",
		PasswordHash: hash,
		Role:         role,
		Status:       store.UserActive,
	}
	if err := f.store.Users().Add(f.ctx, u); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return u
}

func (f *apiFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"domain":   f.tenant.Domain,
		"username": username,
		"password": password,
	})
	resp, err := http.Post(f.ts.URL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("login status %d: %s", resp.StatusCode, raw)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}
	return pair.AccessToken
}

func (f *apiFixture) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decodeBody[errorBody](t, resp)
	return string(body.Error.Kind)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %v %v", resp, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "vqueue_sessions_enqueued_total") {
		t.Error("metrics output missing engine counters")
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "", http.MethodGet, "/v1/queues", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{
		"name":                 "checkout",
		"maxConcurrentUsers":   100,
		"releaseRatePerMinute": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create queue status = %d", resp.StatusCode)
	}
	q := decodeBody[queueResp](t, resp)
	if q.Name != "checkout" || !q.Active {
		t.Errorf("created queue: %+v", q)
	}

	resp = f.do(t, token, http.MethodGet, "/v1/queues", nil)
	queues := decodeBody[[]queueResp](t, resp)
	if len(queues) != 1 {
		t.Fatalf("listed %d queues, want 1", len(queues))
	}

	resp = f.do(t, token, http.MethodPost, "/v1/queues/"+q.ID.String()+"/pause", nil)
	paused := decodeBody[queueResp](t, resp)
	if paused.Active {
		t.Error("queue still active after pause")
	}

	// Admissions are refused while paused
	resp = f.do(t, token, http.MethodPost, "/v1/queues/"+q.ID.String()+"/sessions", map[string]any{
		"userIdentifier": "visitor-1",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("enqueue on paused queue status = %d, want 503", resp.StatusCode)
	}
	if kind := errorKind(t, resp); kind != "CLOSED" {
		t.Errorf("enqueue on paused queue kind = %s, want CLOSED", kind)
	}

	resp = f.do(t, token, http.MethodPost, "/v1/queues/"+q.ID.String()+"/resume", nil)
	resumed := decodeBody[queueResp](t, resp)
	if !resumed.Active {
		t.Error("queue not active after resume")
	}

	resp = f.do(t, token, http.MethodDelete, "/v1/queues/"+q.ID.String(), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = f.do(t, token, http.MethodGet, "/v1/queues/"+q.ID.String(), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted queue status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{
		"name": "support", "maxConcurrentUsers": 10, "releaseRatePerMinute": 6,
	})
	q := decodeBody[queueResp](t, resp)
	base := "/v1/queues/" + q.ID.String()

	resp = f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{
		"userIdentifier": "alice", "priority": 0,
	})
	alice := decodeBody[sessionResp](t, resp)
	resp = f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{
		"userIdentifier": "bob", "priority": 3,
	})
	bob := decodeBody[sessionResp](t, resp)

	// VIP overtakes the earlier standard join
	if bob.Position != 1 {
		t.Errorf("bob position = %d, want 1", bob.Position)
	}
	resp = f.do(t, token, http.MethodGet, base+"/sessions/"+alice.ID.String(), nil)
	standing := decodeBody[sessionResp](t, resp)
	if standing.Position != 2 {
		t.Errorf("alice position = %d, want 2", standing.Position)
	}
	// Two ahead at six releases a minute is twenty seconds
	if standing.EstimatedWait != 20 {
		t.Errorf("alice estimated wait = %vs, want 20s", standing.EstimatedWait)
	}

	// Re-joining returns the same session
	resp = f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{
		"userIdentifier": "alice",
	})
	again := decodeBody[sessionResp](t, resp)
	if again.ID != alice.ID {
		t.Errorf("re-join created a new session: %s vs %s", again.ID, alice.ID)
	}

	// Serve and complete bob
	resp = f.do(t, token, http.MethodPost, base+"/sessions/"+bob.ID.String()+"/serve", nil)
	serving := decodeBody[sessionResp](t, resp)
	if serving.Status != string(store.SessionServing) {
		t.Errorf("bob status = %s, want serving", serving.Status)
	}
	resp = f.do(t, token, http.MethodPost, base+"/sessions/"+bob.ID.String()+"/complete", nil)
	done := decodeBody[sessionResp](t, resp)
	if done.Status != string(store.SessionReleased) {
		t.Errorf("bob status = %s, want released", done.Status)
	}

	// Drop alice; dropping a serving session elsewhere conflicts
	resp = f.do(t, token, http.MethodDelete, base+"/sessions/"+alice.ID.String()+"?reason=user", nil)
	dropped := decodeBody[sessionResp](t, resp)
	if dropped.Status != string(store.SessionDropped) {
		t.Errorf("alice status = %s, want dropped", dropped.Status)
	}
}

func TestPositionByUserOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{
		"name": "walkup", "releaseRatePerMinute": 6,
	})
	q := decodeBody[queueResp](t, resp)
	base := "/v1/queues/" + q.ID.String()

	resp = f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{"userIdentifier": "erin"})
	resp.Body.Close()

	resp = f.do(t, token, http.MethodGet, base+"/position?user=erin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position status = %d", resp.StatusCode)
	}
	standing := decodeBody[sessionResp](t, resp)
	if standing.Position != 1 || standing.UserIdentifier != "erin" {
		t.Errorf("standing: %+v", standing)
	}

	resp = f.do(t, token, http.MethodGet, base+"/position?user=ghost", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", resp.StatusCode)
	}
}

func TestRoleForbidden(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "viewer", "pw12345", store.RoleGuest)
	token := f.login(t, "viewer", "pw12345")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("guest create queue status = %d, want 403", resp.StatusCode)
	}
	if kind := errorKind(t, resp); kind != "FORBIDDEN" {
		t.Errorf("kind = %s, want FORBIDDEN", kind)
	}
}

func TestAPIKeyScopedAccess(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/apikeys", map[string]any{
		"name": "reader", "permissions": []string{"queue.read"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status = %d", resp.StatusCode)
	}
	key := decodeBody[apiKeyResp](t, resp)
	if key.Key == "" {
		t.Fatal("plaintext key missing from creation response")
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/queues", nil)
	req.Header.Set("X-Api-Key", key.Key)
	keyResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("api key request: %v", err)
	}
	keyResp.Body.Close()
	if keyResp.StatusCode != http.StatusOK {
		t.Errorf("api key read status = %d, want 200", keyResp.StatusCode)
	}

	// The key is read-only; writes are refused
	body, _ := json.Marshal(map[string]any{"name": "nope"})
	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/v1/queues", bytes.NewReader(body))
	req.Header.Set("X-Api-Key", key.Key)
	keyResp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("api key write: %v", err)
	}
	keyResp.Body.Close()
	if keyResp.StatusCode != http.StatusForbidden {
		t.Errorf("api key write status = %d, want 403", keyResp.StatusCode)
	}
}

func TestLogoutRevokesAccess(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/auth/logout", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp = f.do(t, token, http.MethodGet, "/v1/queues", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", resp.StatusCode)
	}
}

func TestRetentionAndBackupEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/retention/policies", map[string]any{
		"entityType": "queue_event", "retentionDays": 30,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy status = %d", resp.StatusCode)
	}
	p := decodeBody[retentionPolicyResp](t, resp)
	if p.RetentionDays != 30 || p.Action != "delete" {
		t.Errorf("policy: %+v", p)
	}

	resp = f.do(t, token, http.MethodPost, "/v1/retention/policies/"+p.ID.String()+"/apply", nil)
	exec := decodeBody[executionResp](t, resp)
	if exec.PolicyID != p.ID {
		t.Errorf("execution: %+v", exec)
	}

	resp = f.do(t, token, http.MethodPost, "/v1/backups", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create backup status = %d", resp.StatusCode)
	}
	b := decodeBody[backupResp](t, resp)
	if b.Status != string(store.BackupCompleted) {
		t.Errorf("backup status = %s", b.Status)
	}

	resp = f.do(t, token, http.MethodPost, "/v1/backups/"+b.ID.String()+"/verify", nil)
	verified := decodeBody[map[string]bool](t, resp)
	if !verified["verified"] {
		t.Error("backup failed verification")
	}
}

func TestAuditTrailOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{"name": "audited"})
	resp.Body.Close()

	resp = f.do(t, token, http.MethodGet, "/v1/audit?actor="+admin.ID.String(), nil)
	entries := decodeBody[[]map[string]any](t, resp)
	if len(entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	if entries[0]["action"] != "queue.created" {
		t.Errorf("newest entry action = %v, want queue.created", entries[0]["action"])
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{
		"name": "live", "releaseRatePerMinute": 60,
	})
	q := decodeBody[queueResp](t, resp)
	base := "/v1/queues/" + q.ID.String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+base+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the listener a beat to register before producing the event
	time.Sleep(200 * time.Millisecond)
	enq := f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{"userIdentifier": "carol"})
	enq.Body.Close()

	scanner := bufio.NewScanner(stream.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
			break
		}
	}
	if eventLine != fmt.Sprintf("event: %s", events.TypeEnqueued) {
		t.Errorf("first event = %q, want session.enqueued", eventLine)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "admin", "s3cret", store.RoleAdmin)
	token := f.login(t, "admin", "s3cret")

	resp := f.do(t, token, http.MethodPost, "/v1/queues", map[string]any{"name": "stats"})
	q := decodeBody[queueResp](t, resp)
	base := "/v1/queues/" + q.ID.String()

	resp = f.do(t, token, http.MethodPost, base+"/sessions", map[string]any{"userIdentifier": "dave"})
	resp.Body.Close()

	from := f.clock.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := f.clock.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = f.do(t, token, http.MethodGet, base+"/analytics?from="+from+"&to="+to, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics status = %d", resp.StatusCode)
	}
	report := decodeBody[analytics.Report](t, resp)
	if report.Waiting != 1 {
		t.Errorf("waiting = %d, want 1", report.Waiting)
	}

	// Inverted range is a client error
	resp = f.do(t, token, http.MethodGet, base+"/analytics?from="+to+"&to="+from, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", resp.StatusCode)
	}
}

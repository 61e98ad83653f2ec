package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klomgor/Maintainerr/executor"
	"github.com/Klomgor/Maintainerr/rules"
	"github.com/Klomgor/Maintainerr/scheduler"
	"github.com/Klomgor/Maintainerr/settings"
)

type staticCatalog struct {
	items   []rules.Item
	release chan struct{}
}

func (c *staticCatalog) SnapshotItems(ctx context.Context) ([]rules.Item, error) {
	if c.release != nil {
		<-c.release
	}
	return c.items, nil
}

type recordingActions struct {
	mu      sync.Mutex
	applied []string
}

func (a *recordingActions) Apply(ctx context.Context, action string, item rules.Item) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, action+":"+item.ID)
	return nil
}

func (a *recordingActions) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type testEnv struct {
	server  *Server
	exec    *executor.Executor
	sched   *scheduler.Scheduler
	st      *settings.Service
	actions *recordingActions
}

func newTestEnv(t *testing.T, catalog executor.Catalog) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, catalog, settings.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, catalog executor.Catalog, store settings.Store) *testEnv {
	t.Helper()
	ctx := context.Background()

	svc := rules.NewService(rules.NewInMemoryRuleStore(), rules.DefaultCatalog())
	eval, err := rules.NewEvaluator(svc.Catalog())
	if err != nil {
		t.Fatalf("NewEvaluator() failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	actions := &recordingActions{}
	exec := executor.New(svc, catalog, rules.NewRunner(eval), actions, executor.DefaultConfig(),
		executor.WithMetrics(executor.InitPrometheusMetrics("test", reg)))

	st := settings.NewService(store, settings.Defaults())
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := exec.Execute(ctx, executor.TriggerSchedule)
		return err
	}, st)
	if err := sched.Start(ctx, ""); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { sched.Stop(context.Background()) })

	return &testEnv{
		server:  NewServer(nil, svc, exec, sched, st, reg),
		exec:    exec,
		sched:   sched,
		st:      st,
		actions: actions,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func lowRatedGroup() rules.RuleGroupInput {
	return rules.RuleGroupInput{
		Name:    "Low rated",
		Action:  "delete",
		Enabled: true,
		Rules: []rules.Rule{
			{Field: "rating", Operator: rules.OpLess, Value: 5},
			{Field: "watched", Operator: rules.OpEquals, Value: true},
		},
		Joins: []rules.Join{rules.JoinAnd},
	}
}

// TestHealth verifies the health endpoint without a database
func TestHealth(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "healthy" || resp.Schedule != settings.Defaults().RulesHandlerCron {
		t.Errorf("health = %+v", resp)
	}
}

// TestRuleGroupLifecycle verifies create, read, list, update and delete over HTTP
func TestRuleGroupLifecycle(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})

	rec := env.do(t, http.MethodPost, "/api/rules/", lowRatedGroup())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	created := decode[rules.RuleGroup](t, rec)
	if created.ID == 0 || len(created.Rules) != 2 {
		t.Fatalf("created = %+v", created)
	}

	update := lowRatedGroup()
	update.ID = created.ID
	update.Name = "Really low rated"
	rec = env.do(t, http.MethodPost, "/api/rules/", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/rules/", nil)
	list := decode[RulesListResponse](t, rec)
	if len(list.Groups) != 1 || list.Groups[0].Name != "Really low rated" {
		t.Errorf("list = %+v", list.Groups)
	}

	path := "/api/rules/" + jsonInt(created.ID)
	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func jsonInt(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

// TestErrorStatuses verifies domain errors map onto HTTP status codes
func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})

	unknownField := lowRatedGroup()
	unknownField.Rules[0].Field = "no_such_field"

	missing := lowRatedGroup()
	missing.ID = 999

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown field", http.MethodPost, "/api/rules/", unknownField, http.StatusBadRequest},
		{"update missing group", http.MethodPost, "/api/rules/", missing, http.StatusNotFound},
		{"non numeric id", http.MethodGet, "/api/rules/abc", nil, http.StatusBadRequest},
		{"delete missing group", http.MethodDelete, "/api/rules/12", nil, http.StatusNotFound},
		{"invalid schedule", http.MethodPut, "/api/rules/schedule", ScheduleRequest{Cron: "whenever"}, http.StatusBadRequest},
		{"no report yet", http.MethodGet, "/api/rules/execute/report", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// TestExecuteAndReport verifies a manual run is accepted and its report published
func TestExecuteAndReport(t *testing.T) {
	catalog := &staticCatalog{items: []rules.Item{
		{ID: "1", Fields: map[string]any{"rating": 2.5, "watched": true}},
		{ID: "2", Fields: map[string]any{"rating": 8.0, "watched": true}},
		{ID: "3", Fields: map[string]any{"rating": 1.0}},
	}}
	env := newTestEnv(t, catalog)

	if rec := env.do(t, http.MethodPost, "/api/rules/", lowRatedGroup()); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}

	rec := env.do(t, http.MethodPost, "/api/rules/execute", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d, body %s", rec.Code, rec.Body)
	}
	started := decode[ExecuteResponse](t, rec)

	deadline := time.Now().Add(5 * time.Second)
	for env.exec.LastReport() == nil {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = env.do(t, http.MethodGet, "/api/rules/execute/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d", rec.Code)
	}
	report := decode[executor.RunReport](t, rec)
	if report.ID != started.RunID || report.Items != 3 {
		t.Errorf("report = %+v", report)
	}
	if calls := env.actions.calls(); len(calls) != 1 || calls[0] != "delete:1" {
		t.Errorf("applied = %v, want [delete:1]", calls)
	}
	if len(report.Notes) != 1 || report.Notes[0].ItemID != "3" {
		t.Errorf("notes = %+v, want one note for item 3", report.Notes)
	}
}

// TestExecuteConflict verifies a second request while a run is active gets 409
func TestExecuteConflict(t *testing.T) {
	catalog := &staticCatalog{release: make(chan struct{})}
	env := newTestEnv(t, catalog)

	if rec := env.do(t, http.MethodPost, "/api/rules/execute", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first execute status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/rules/execute", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second execute status = %d, want 409", rec.Code)
	}

	close(catalog.release)
	deadline := time.Now().Add(5 * time.Second)
	for env.exec.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestScheduleEndpoints verifies reading and replacing the cadence
func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})

	rec := env.do(t, http.MethodGet, "/api/rules/schedule", nil)
	got := decode[ScheduleResponse](t, rec)
	if got.State != "scheduled" || got.Next == nil {
		t.Errorf("schedule = %+v", got)
	}

	rec = env.do(t, http.MethodPut, "/api/rules/schedule", ScheduleRequest{Cron: "@daily"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decode[ScheduleResponse](t, rec); got.Cron != "@daily" {
		t.Errorf("cron = %q, want @daily", got.Cron)
	}
	if env.st.Current().RulesHandlerCron != "@daily" {
		t.Errorf("stored cron = %q, want @daily", env.st.Current().RulesHandlerCron)
	}
}

// TestUpdateSettings verifies a settings update reschedules and reports failures in the body
func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})

	rec := env.do(t, http.MethodPost, "/api/settings/", map[string]string{
		"applicationTitle":       "Library janitor",
		"rules_handler_job_cron": "0 3 * * *",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	status := decode[ReturnStatus](t, rec)
	if status.Code != 1 {
		t.Errorf("ReturnStatus = %+v", status)
	}
	if env.sched.Expression() != "0 3 * * *" {
		t.Errorf("scheduler cron = %q", env.sched.Expression())
	}
	if got := env.st.Current(); got.ApplicationTitle != "Library janitor" || got.RulesHandlerCron != "0 3 * * *" {
		t.Errorf("settings = %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/settings/", map[string]string{"rules_handler_job_cron": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid cron status = %d, want 400", rec.Code)
	}
	if status := decode[ReturnStatus](t, rec); status.Code != 0 {
		t.Errorf("ReturnStatus = %+v, want code 0", status)
	}
	if env.sched.Expression() != "0 3 * * *" {
		t.Errorf("scheduler cron changed to %q", env.sched.Expression())
	}
}

// TestMetricsEndpoint verifies executor metrics are exported
func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})
	if _, err := env.exec.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("ExecuteAll() failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("test_rules_runs_total")) {
		t.Error("metrics output lacks test_rules_runs_total")
	}
}

// failingSettingsStore rejects writes while fail is set
type failingSettingsStore struct {
	*settings.MemoryStore
	fail atomic.Bool
}

func (f *failingSettingsStore) Put(ctx context.Context, values map[string]string) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, values)
}

// TestUpdateSettingsIsAllOrNothing verifies a rejected or failed patch changes neither the settings nor the schedule
func TestUpdateSettingsIsAllOrNothing(t *testing.T) {
	store := &failingSettingsStore{MemoryStore: settings.NewMemoryStore()}
	env := newTestEnvWithStore(t, &staticCatalog{}, store)
	before := env.st.Current()
	cron := env.sched.Expression()

	tests := []struct {
		name  string
		body  map[string]string
		fail  bool
		wantS int
	}{
		{
			name:  "invalid url with valid cron",
			body:  map[string]string{"rules_handler_job_cron": "0 4 * * *", "catalogUrl": "ftp://catalog"},
			wantS: http.StatusBadRequest,
		},
		{
			name:  "store failure with valid cron",
			body:  map[string]string{"rules_handler_job_cron": "0 5 * * *", "applicationTitle": "Janitor"},
			fail:  true,
			wantS: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.fail.Store(tt.fail)
			defer store.fail.Store(false)

			rec := env.do(t, http.MethodPost, "/api/settings/", tt.body)
			if rec.Code != tt.wantS {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantS, rec.Body)
			}
			if status := decode[ReturnStatus](t, rec); status.Code != 0 {
				t.Errorf("ReturnStatus = %+v, want code 0", status)
			}
			if env.sched.Expression() != cron {
				t.Errorf("scheduler cron = %q, want %q", env.sched.Expression(), cron)
			}
			if env.st.Current() != before {
				t.Errorf("settings = %+v, want unchanged %+v", env.st.Current(), before)
			}
		})
	}
}

// TestGenerateAPIKey verifies the API key is replaced and returned
func TestGenerateAPIKey(t *testing.T) {
	env := newTestEnv(t, &staticCatalog{})
	old := env.st.Current().APIKey
	if old == "" {
		t.Fatal("initial settings should carry an API key")
	}

	rec := env.do(t, http.MethodPost, "/api/settings/api/generate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	status := decode[ReturnStatus](t, rec)
	if status.Code != 1 || status.Result == old || status.Result != env.st.Current().APIKey {
		t.Errorf("ReturnStatus = %+v, old key %q", status, old)
	}
}

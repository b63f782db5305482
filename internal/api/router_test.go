package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/graph"
	"github.com/hexfield/stackrunner/internal/migrate"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/service"
)

// memGraph is an in-memory RequestGraph for handler tests.
type memGraph struct {
	reqs map[string]*model.TaskRequest
}

func (m *memGraph) Submit(ctx context.Context, req *model.TaskRequest, dependsOn []string) (*model.TaskRequest, bool, error) {
	if existing, ok := m.reqs[req.RequestID]; ok {
		return existing, false, nil
	}
	req.Status = consts.ReqPending
	m.reqs[req.RequestID] = req
	return req, true, nil
}

func (m *memGraph) Get(ctx context.Context, requestID string) (*model.TaskRequest, error) {
	req, ok := m.reqs[requestID]
	if !ok {
		return nil, &graph.ErrNotFound{ID: requestID}
	}
	return req, nil
}

func (m *memGraph) Cancel(ctx context.Context, requestID string) (*model.TaskRequest, error) {
	req, ok := m.reqs[requestID]
	if !ok {
		return nil, &graph.ErrNotFound{ID: requestID}
	}
	req.Status = consts.ReqCancelled
	return req, nil
}

func (m *memGraph) List(ctx context.Context, status consts.RequestStatus, limit int) ([]*model.TaskRequest, error) {
	var out []*model.TaskRequest
	for _, req := range m.reqs {
		if req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

func testRouter(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := dao.OpenSQLite(path, 1000, 1)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sqlite: %v", err)
	}
	if err := migrate.Run(context.Background(), sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	g := &memGraph{reqs: map[string]*model.TaskRequest{}}
	router := NewRouter(Dependencies{
		Submit:  service.NewSubmitService(g, dao.NewTaskDao(gdb), dao.NewStackDao(gdb)),
		Flags:   dao.NewFlagDao(gdb),
		Version: "test",
	})
	return router, gdb
}

func seedTask(t *testing.T, gdb *gorm.DB, id string) {
	t.Helper()
	def := &model.TaskDefinition{TaskID: id, Kind: consts.KindCLI, Code: "true", Enabled: true}
	if err := dao.NewTaskDao(gdb).Create(context.Background(), def); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func do(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	router, _ := testRouter(t)

	rec := do(t, router, http.MethodGet, "/api/v1/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	rec = do(t, router, http.MethodGet, "/api/v1/version", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "test" {
		t.Fatalf("version: %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitEndpoint(t *testing.T) {
	router, gdb := testRouter(t)
	seedTask(t, gdb, "echo")

	rec := do(t, router, http.MethodPost, "/api/v1/requests",
		`{"task_id": "echo", "parameters": {"k": "v"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var out service.SubmitOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsNew || out.Status != consts.ReqPending {
		t.Fatalf("unexpected output: %+v", out)
	}

	// Same idempotency key returns the existing request.
	rec = do(t, router, http.MethodPost, "/api/v1/requests",
		`{"task_id": "echo", "request_id": "`+out.RequestID+`"}`)
	var second service.SubmitOutput
	_ = json.Unmarshal(rec.Body.Bytes(), &second)
	if second.IsNew {
		t.Fatalf("duplicate submit must not be new")
	}
}

func TestSubmitRejections(t *testing.T) {
	router, _ := testRouter(t)

	rec := do(t, router, http.MethodPost, "/api/v1/requests", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
	rec = do(t, router, http.MethodPost, "/api/v1/requests", `{"task_id": "ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown task: %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, gdb := testRouter(t)
	seedTask(t, gdb, "echo")

	do(t, router, http.MethodPost, "/api/v1/requests",
		`{"task_id": "echo", "request_id": "req-1"}`)

	rec := do(t, router, http.MethodGet, "/api/v1/requests/req-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	var out service.StatusOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RequestID != "req-1" || out.Status != consts.ReqPending {
		t.Fatalf("unexpected status: %+v", out)
	}

	rec = do(t, router, http.MethodGet, "/api/v1/requests/ghost", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing request: %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	router, gdb := testRouter(t)
	seedTask(t, gdb, "echo")

	do(t, router, http.MethodPost, "/api/v1/requests",
		`{"task_id": "echo", "request_id": "req-1"}`)

	rec := do(t, router, http.MethodPost, "/api/v1/requests/req-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	var out service.CancelOutput
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Status != consts.ReqCancelled {
		t.Fatalf("unexpected cancel output: %+v", out)
	}
}

func TestTasksEndpoint(t *testing.T) {
	router, gdb := testRouter(t)
	seedTask(t, gdb, "build-report")
	seedTask(t, gdb, "send-mail")

	rec := do(t, router, http.MethodGet, "/api/v1/tasks?filter=report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks: %d", rec.Code)
	}
	var list []service.TaskSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].TaskID != "build-report" {
		t.Fatalf("filter wrong: %+v", list)
	}
}

func TestFlagEndpoint(t *testing.T) {
	router, gdb := testRouter(t)

	rec := do(t, router, http.MethodPut, "/api/v1/flags/kill_switch", `{"on": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set flag: %d %s", rec.Code, rec.Body.String())
	}
	on, err := dao.NewFlagDao(gdb).KillSwitchActive(context.Background())
	if err != nil || !on {
		t.Fatalf("flag not persisted: %v on=%v", err, on)
	}

	rec = do(t, router, http.MethodPut, "/api/v1/flags/not_a_flag", `{"on": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown flag: %d", rec.Code)
	}
}

package apiserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/cluster"
	"HpcMonitor/internal/history"
	"HpcMonitor/internal/report"
	"HpcMonitor/internal/roster"
)

type fakeHistory struct {
	metric    history.Metric
	node      string
	days      int
	maxPoints int
}

func (f *fakeHistory) History(_ context.Context, metric history.Metric, node string, days, maxPoints int) []history.Sample {
	f.metric, f.node, f.days, f.maxPoints = metric, node, days, maxPoints
	return []history.Sample{{Node: node, Timestamp: 1700000000, Value: 42.5}}
}

type fakeReports struct{}

func (fakeReports) Get(_ context.Context, date string) (*report.DailyReport, error) {
	if date != "2024-05-01" {
		return nil, report.ErrNotFound
	}
	return &report.DailyReport{Date: date, TotalUsers: 42, OnlineUsers: 7}, nil
}

func (fakeReports) ListDates(_ context.Context, limit int) ([]string, error) {
	return []string{"2024-05-02", "2024-05-01"}[:min(limit, 2)], nil
}

type fakeUsers struct{ filter roster.Filter }

func (f *fakeUsers) List(_ context.Context, filter roster.Filter) ([]roster.User, error) {
	f.filter = filter
	return []roster.User{{HpcID: "u1", Username: "alice"}}, nil
}

func testStore() *cluster.Store {
	now := time.Now()
	running := &cluster.Task{ID: "1", Status: cluster.TaskRunning, User: "alice", Partition: "gpu", Node: "gn01", CPU: 8, Mem: "16G"}
	pending := &cluster.Task{ID: "2", Status: cluster.TaskPending, User: "bob", Partition: "gpu", SubmitTime: now.Add(-5 * time.Minute)}

	gpu := &cluster.Partition{
		Name: "gpu", CardType: "A100", Stressed: true,
		Usage: cluster.Usage{GPUTotal: 8, GPUPercent: 100},
		Nodes: map[string]*cluster.Node{},
		Tasks: []*cluster.Task{running, pending},
	}
	cpu := &cluster.Partition{Name: "cpu", Nodes: map[string]*cluster.Node{}}
	gn01 := &cluster.Node{Name: "gn01", PartitionName: "gpu", Partition: gpu, Active: true, Health: cluster.HealthWarning, Tasks: []*cluster.Task{running}}
	cn01 := &cluster.Node{Name: "cn01", PartitionName: "cpu", Partition: cpu, Health: cluster.HealthOffline}
	gpu.Nodes["gn01"], gpu.NodeNames = gn01, []string{"gn01"}
	cpu.Nodes["cn01"], cpu.NodeNames = cn01, []string{"cn01"}

	store := cluster.NewStore(time.Minute)
	store.Publish(&cluster.Generation{
		BuiltAt:    now,
		Partitions: []*cluster.Partition{cpu, gpu},
		Tasks:      []*cluster.Task{running, pending},
		Users:      cluster.UserStats{Total: 42, Online: 7},
	})
	return store
}

func get(t *testing.T, h http.Handler, target string) (int, gjson.Result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.True(t, gjson.Valid(rec.Body.String()), rec.Body.String())
	return rec.Code, gjson.Parse(rec.Body.String())
}

func TestClusterRoutes(t *testing.T) {
	srv := New(":0", testStore(), &fakeHistory{}, fakeReports{}, &fakeUsers{})
	h := srv.Handler()

	code, body := get(t, h, "/api/v1/partitions")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), body.Get("count").Int())
	assert.Equal(t, "gpu(A100)", body.Get("results.1.display_name").String())
	assert.Equal(t, int64(1), body.Get("results.1.pending_tasks").Int())
	assert.Equal(t, int64(100), body.Get("results.1.gpu_percent").Int())

	_, body = get(t, h, "/api/v1/partitions?stressed=true")
	assert.Equal(t, int64(1), body.Get("count").Int())

	code, _ = get(t, h, "/api/v1/partitions?stressed=maybe")
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = get(t, h, "/api/v1/nodes?health=offline")
	assert.Equal(t, int64(1), body.Get("count").Int())
	assert.Equal(t, "cn01", body.Get("results.0.name").String())

	_, body = get(t, h, "/api/v1/nodes?partition=gpu")
	assert.Equal(t, int64(1), body.Get("results.0.task_count").Int())
	assert.False(t, body.Get("results.0.Partition").Exists())

	code, _ = get(t, h, "/api/v1/nodes?health=sick")
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = get(t, h, "/api/v1/tasks?status=pending")
	assert.Equal(t, int64(1), body.Get("count").Int())
	assert.Equal(t, "5m", body.Get("results.0.wait_time").String())

	_, body = get(t, h, "/api/v1/tasks?node=gn01")
	assert.Equal(t, "8C / 16G", body.Get("results.0.resource").String())

	_, body = get(t, h, "/api/v1/tasks?user=nobody")
	assert.Equal(t, int64(0), body.Get("count").Int())
	assert.True(t, body.Get("results").IsArray())

	_, body = get(t, h, "/api/v1/status")
	assert.True(t, body.Get("ready").Bool())
	assert.False(t, body.Get("stale").Bool())
	assert.Equal(t, int64(2), body.Get("nodes").Int())
	assert.Equal(t, int64(42), body.Get("users.total").Int())
}

func TestHistoryRoute(t *testing.T) {
	hist := &fakeHistory{}
	h := New(":0", testStore(), hist, fakeReports{}, &fakeUsers{}).Handler()

	code, body := get(t, h, "/api/v1/history/memory/cn01?days=7&max_points=500")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, history.MetricMemory, hist.metric)
	assert.Equal(t, "cn01", hist.node)
	assert.Equal(t, 7, hist.days)
	assert.Equal(t, 500, hist.maxPoints)
	assert.Equal(t, 42.5, body.Get("results.0.value").Float())

	_, _ = get(t, h, "/api/v1/history/cpu/cn01")
	assert.Equal(t, defaultHistoryDays, hist.days)
	assert.Equal(t, 0, hist.maxPoints)

	code, _ = get(t, h, "/api/v1/history/disk/cn01")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, h, "/api/v1/history/cpu/cn01?days=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReportAndUserRoutes(t *testing.T) {
	users := &fakeUsers{}
	h := New(":0", testStore(), &fakeHistory{}, fakeReports{}, users).Handler()

	_, body := get(t, h, "/api/v1/reports?limit=1")
	assert.Equal(t, []any{"2024-05-02"}, body.Get("results").Value())

	code, body := get(t, h, "/api/v1/reports/2024-05-01")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(42), body.Get("results.0.total_users").Int())

	code, _ = get(t, h, "/api/v1/reports/2024-04-01")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/api/v1/reports/yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = get(t, h, "/api/v1/users?username=ali&status=normal")
	assert.Equal(t, "alice", body.Get("results.0.username").String())
	assert.Equal(t, roster.Filter{Username: "ali", Status: "normal"}, users.filter)
}

func TestMetricsRoute(t *testing.T) {
	h := New(":0", testStore(), &fakeHistory{}, fakeReports{}, &fakeUsers{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hpcmon_cluster_generation")
}

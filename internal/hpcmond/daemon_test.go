package hpcmond

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/util"
)

type memoryTokens struct{ token string }

func (m *memoryTokens) Load() (string, error) { return m.token, nil }

func (m *memoryTokens) Save(token string) error {
	m.token = token
	return nil
}

func reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "success": true, "result": result})
}

func fakeUpstream(sampleTs int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sys/encryptLogin", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"token": "t0k3n"})
	})
	mux.HandleFunc("/qos/compositeComputingResourceRelation", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{
			"partitionComputingResource":      map[string]any{"cpu": map[string]any{"cpu": 128, "mem": "512G"}},
			"partitionComputingResourceIdled": map[string]any{"cpu": map[string]any{"cpu": 32, "mem": "256G"}},
			"partitionNode":                   map[string]any{"cpu": []string{"cn01", "cn02"}},
			"nodeComputingResource": map[string]any{
				"cn01": map[string]any{"cpu": 64, "mem": "256G"},
				"cn02": map[string]any{"cpu": 64, "mem": "256G"},
			},
			"nodeComputingResourceIdled": map[string]any{
				"cn01": map[string]any{"cpu": 16, "mem": "128G"},
				"cn02": map[string]any{"cpu": 16, "mem": "128G"},
			},
		})
	})
	mux.HandleFunc("/realtime-monitoring/deployment", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []any{map[string]any{"cabinet": "A1", "nodes": []any{
			map[string]any{"name": "cn01", "ip": "10.0.0.1", "state": "active"},
		}}})
	})
	mux.HandleFunc("/task/pageList", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("isPending") != "true" {
			reply(w, map[string]any{"records": []any{}, "total": 0})
			return
		}
		reply(w, map[string]any{"total": 1, "records": []any{map[string]any{
			"slurmJobId": "7", "partition": "cpu", "createBy": "alice",
			"submitTime": "2024-05-01 09:00:00", "resourceUsed": map[string]any{"cpu": 8, "mem": "16G"},
		}}})
	})
	mux.HandleFunc("/sys/user/activeStatistics", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"total": 42, "active": 7})
	})
	mux.HandleFunc("/sys/user/listAll", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"total": 1, "records": []any{map[string]any{
			"id": "u1", "username": "alice", "realname": "Alice", "status_dictText": "normal",
			"roleNameList": []string{"user"},
		}}})
	})
	series := func(w http.ResponseWriter, r *http.Request) {
		reply(w, []any{map[string]any{"values": []any{
			[]any{sampleTs, "40"}, []any{sampleTs, "60"}, []any{sampleTs + 15, "10"},
		}}})
	}
	mux.HandleFunc("/realtime-monitoring/cpuUsage", series)
	mux.HandleFunc("/realtime-monitoring/memoryUsage", series)
	mux.HandleFunc("/monitoring/card/usageTrend", series)
	mux.HandleFunc("/monitoring/card/metrics", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{})
	})
	return mux
}

func testConfig(baseURL string) *util.Config {
	return &util.Config{
		Upstream: util.UpstreamConfig{
			BaseURL:           baseURL,
			Username:          "monitor",
			Password:          "encrypted-password",
			Timeout:           5 * time.Second,
			RetryAttempts:     2,
			RetryInterval:     time.Millisecond,
			TaskPageSize:      1000,
			MaxTaskPages:      1,
			DetailConcurrency: 2,
			Endpoints: util.EndpointsConfig{
				Login:          "/sys/encryptLogin",
				Overview:       "/qos/compositeComputingResourceRelation",
				NodeInventory:  "/realtime-monitoring/deployment",
				Tasks:          "/task/pageList",
				UserStatistics: "/sys/user/activeStatistics",
				Users:          "/sys/user/listAll",
				CPUUsage:       "/realtime-monitoring/cpuUsage",
				MemoryUsage:    "/realtime-monitoring/memoryUsage",
				GPUUsage:       "/monitoring/card/usageTrend",
				CardMetrics:    "/monitoring/card/metrics",
			},
		},
		Database: util.DBConfig{Type: "sqlite", Path: ":memory:", BatchSize: 1000},
		Scheduler: util.SchedulerConfig{
			Reconcile:   "@every 20s",
			History:     "@every 450s",
			DailyReport: "59 23 * * *",
			Roster:      "@every 1h",
			TimeZone:    "UTC",
		},
		History: util.HistoryConfig{FetchConcurrency: 4, DefaultMaxPoints: 2000},
		Cluster: util.ClusterConfig{StaleAfter: time.Minute},
		Api:     util.ApiConfig{Listen: "127.0.0.1:0"},
	}
}

func get(t *testing.T, h http.Handler, target string) gjson.Result {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return gjson.Parse(rec.Body.String())
}

func TestDaemonJobsFeedReadApi(t *testing.T) {
	sampleTs := time.Now().Add(-time.Hour).Unix()
	srv := httptest.NewServer(fakeUpstream(sampleTs))
	defer srv.Close()

	d, err := NewDaemon(context.Background(), testConfig(srv.URL), &memoryTokens{})
	require.NoError(t, err)
	defer d.Stop(context.Background())

	for _, job := range []string{JobReconcile, JobHistory, JobDailyReport, JobRoster} {
		require.NoError(t, d.RunJob(job))
	}
	require.NotNil(t, d.Store().Current())

	h := d.server.Handler()

	body := get(t, h, "/api/v1/partitions")
	assert.Equal(t, int64(1), body.Get("count").Int())
	assert.Equal(t, int64(75), body.Get("results.0.cpu_percent").Int())
	assert.Equal(t, int64(1), body.Get("results.0.pending_tasks").Int())

	body = get(t, h, "/api/v1/nodes?health=offline")
	assert.Equal(t, "cn02", body.Get("results.0.name").String())

	body = get(t, h, "/api/v1/history/cpu/cn01?days=1")
	require.Equal(t, int64(2), body.Get("count").Int())
	assert.Equal(t, sampleTs, body.Get("results.0.timestamp").Int())
	assert.Equal(t, 50.0, body.Get("results.0.value").Float())

	today := time.Now().UTC().Format("2006-01-02")
	body = get(t, h, fmt.Sprintf("/api/v1/reports/%s", today))
	assert.Equal(t, int64(42), body.Get("results.0.total_users").Int())
	assert.Equal(t, "cn02", body.Get("results.0.exception_nodes.0.node_id").String())

	body = get(t, h, "/api/v1/users?username=ali")
	assert.Equal(t, "u1", body.Get("results.0.hpc_id").String())
}

func TestDaemonRejectsUnknownJob(t *testing.T) {
	srv := httptest.NewServer(fakeUpstream(time.Now().Unix()))
	defer srv.Close()

	d, err := NewDaemon(context.Background(), testConfig(srv.URL), &memoryTokens{})
	require.NoError(t, err)
	defer d.Stop(context.Background())

	assert.Error(t, d.RunJob("compact"))
}

func TestDaemonRejectsBadSchedule(t *testing.T) {
	config := testConfig("http://127.0.0.1:1")
	config.Scheduler.Roster = "whenever"

	_, err := NewDaemon(context.Background(), config, &memoryTokens{})
	var exitErr *util.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, util.ErrorCmdArg, exitErr.Code)
}

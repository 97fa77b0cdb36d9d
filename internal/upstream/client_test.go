package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/util"
)

func testConfig(baseURL string) util.UpstreamConfig {
	return util.UpstreamConfig{
		BaseURL:       baseURL,
		Username:      "monitor",
		Password:      "encrypted-password",
		Signature:     "sig",
		Timeout:       5 * time.Second,
		RetryAttempts: 5,
		RetryInterval: time.Millisecond,
		TaskPageSize:  1000,
		MaxTaskPages:  1,
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
	}
}

type memoryTokens struct {
	mu    sync.Mutex
	token string
	saves int
}

func (m *memoryTokens) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memoryTokens) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saves++
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeAPI accepts only validToken and hands it out on login.
type fakeAPI struct {
	validToken string
	loginDelay time.Duration
	logins     atomic.Int32
	overviews  atomic.Int32
	overview   func(call int32) any
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sys/encryptLogin", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, "monitor", gjson.GetBytes(body, "username").String())
		assert.Equal(t, "encrypted-password", gjson.GetBytes(body, "password").String())
		assert.True(t, gjson.GetBytes(body, "checkKey").Exists())

		f.logins.Add(1)
		time.Sleep(f.loginDelay)
		writeJSON(w, map[string]any{"code": 200, "result": map[string]any{"token": f.validToken}})
	})
	mux.HandleFunc("/qos/compositeComputingResourceRelation", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != f.validToken {
			writeJSON(w, map[string]any{"code": 401, "message": "token expired"})
			return
		}
		call := f.overviews.Add(1)
		if f.overview != nil {
			writeJSON(w, f.overview(call))
			return
		}
		writeJSON(w, map[string]any{"code": 200, "result": map[string]any{
			"partitionNode": map[string]any{"cpu": []string{"cn01"}},
		}})
	})
	return mux
}

func TestConcurrentExpiryLogsInOnce(t *testing.T) {
	api := &fakeAPI{validToken: "fresh", loginDelay: 50 * time.Millisecond}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	tokens := &memoryTokens{token: "stale"}
	client := NewClient(testConfig(srv.URL), tokens)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Overview(context.Background())
			if err == nil && !res.Get("partitionNode.cpu").Exists() {
				err = assert.AnError
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), api.logins.Load())
	assert.Equal(t, "fresh", tokens.token)
	assert.Equal(t, 1, tokens.saves)
}

func TestExpiryAfterReloginPropagates(t *testing.T) {
	api := &fakeAPI{validToken: "fresh"}
	api.overview = func(int32) any {
		return map[string]any{"code": 401}
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), nil)

	_, err := client.Overview(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), api.logins.Load())
	assert.Equal(t, int32(1), api.overviews.Load())
}

func TestSavedTokenIsReused(t *testing.T) {
	api := &fakeAPI{validToken: "saved"}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), &memoryTokens{token: "saved"})

	_, err := client.Overview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), api.logins.Load())
}

func TestEmptyResultIsRetried(t *testing.T) {
	api := &fakeAPI{validToken: "fresh"}
	api.overview = func(call int32) any {
		if call < 3 {
			return map[string]any{"code": 200, "result": map[string]any{}}
		}
		return map[string]any{"code": 200, "result": map[string]any{"partitionNode": map[string]any{}}}
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), &memoryTokens{token: "fresh"})

	res, err := client.Overview(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Get("partitionNode").Exists())
	assert.Equal(t, int32(3), api.overviews.Load())
}

func TestEmptyResultGivesUpAfterBudget(t *testing.T) {
	api := &fakeAPI{validToken: "fresh"}
	api.overview = func(int32) any {
		return map[string]any{"code": 200, "result": nil}
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), &memoryTokens{token: "fresh"})

	_, err := client.Overview(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(5), api.overviews.Load())
}

func TestUnexpectedCodeIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 500, "message": "internal"})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryAttempts = 2
	client := NewClient(cfg, &memoryTokens{token: "x"})

	_, err := client.NodeInventory(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestTasksPaginates(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/pageList", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("isRunning"))
		page := r.URL.Query().Get("pageNo")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()

		records := []map[string]any{{"slurmJobId": "1"}, {"slurmJobId": "2"}}
		if page == "2" {
			records = records[:1]
		}
		writeJSON(w, map[string]any{"code": 200, "result": map[string]any{"records": records, "total": 3}})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.TaskPageSize = 2
	cfg.MaxTaskPages = 5
	client := NewClient(cfg, &memoryTokens{token: "x"})

	records, err := client.Tasks(context.Background(), StatusRunning)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	mu.Lock()
	assert.Equal(t, []string{"1", "2"}, pages)
	mu.Unlock()
}

func TestSeriesEmptyIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "cn01", gjson.GetBytes(body, "node").String())
		writeJSON(w, map[string]any{"code": 200, "result": []any{}})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), &memoryTokens{token: "x"})

	res, err := client.CPUUsage(context.Background(), "cn01")
	require.NoError(t, err)
	assert.Empty(t, res.Array())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want bool
	}{
		{raw: `{"result":null}`, want: true},
		{raw: `{}`, want: true},
		{raw: `{"result":[]}`, want: true},
		{raw: `{"result":{}}`, want: true},
		{raw: `{"result":""}`, want: true},
		{raw: `{"result":0}`, want: false},
		{raw: `{"result":[1]}`, want: false},
		{raw: `{"result":{"a":1}}`, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isEmpty(gjson.Get(tt.raw, "result")))
		})
	}
}

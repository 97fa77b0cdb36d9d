package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/upstream"
)

const overviewJSON = `{
  "partitionComputingResource": {
    "cpu": {"cpu": 128, "mem": "512G"},
    "gpu": {"cpu": 64, "mem": "256G", "nvidia:A100": 8}
  },
  "partitionComputingResourceIdled": {
    "cpu": {"cpu": 64, "mem": "256G"},
    "gpu": {"cpu": 4, "mem": "128G", "nvidia:A100": 0}
  },
  "partitionNode": {
    "cpu": ["cn02", "cn01", "ghost"],
    "gpu": ["gn01"],
    "orphan": ["cn09"]
  },
  "nodeComputingResource": {
    "cn01": {"cpu": 64, "mem": "256G"},
    "cn02": {"cpu": 64, "mem": "256G"},
    "gn01": {"cpu": 64, "mem": "256G", "nvidia:A100": 8}
  },
  "nodeComputingResourceIdled": {
    "cn01": {"cpu": 16, "mem": "128G"},
    "cn02": {"cpu": 64, "mem": "256G"},
    "gn01": {"cpu": 4, "mem": "128G", "nvidia:A100": 0}
  }
}`

const inventoryJSON = `[
  {"cabinet": "A1", "nodes": [
    {"name": "cn01", "ip": "10.0.0.1", "state": "active", "slurmState": "mixed"},
    {"name": "gn01", "ip": "10.0.1.1", "state": "active", "slurmState": "alloc"}
  ]}
]`

type fakeSource struct {
	mu          sync.Mutex
	overview    string
	inventory   string
	tasks       map[upstream.TaskStatus]string
	userStats   string
	overviewErr error
	userErr     error
	cardCalls   []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		overview:  overviewJSON,
		inventory: inventoryJSON,
		tasks: map[upstream.TaskStatus]string{
			upstream.StatusRunning: `[
			  {"slurmJobId": "101", "status": "RUNNING", "partition": "cpu", "nodes": "cn01", "createBy": "alice",
			   "name": "sim", "submitTime": "2024-05-01 08:00:00", "startTime": "2024-05-01 08:05:00",
			   "resourceUsed": {"cpu": 48, "mem": "128G"}},
			  {"slurmJobId": "102", "status": "RUNNING", "partition": "gpu", "nodes": "gn01", "createBy": "bob",
			   "resourceUsed": {"cpu": 60, "mem": "128G", "nvidia:A100": 8}}
			]`,
			upstream.StatusPending: `[
			  {"slurmJobId": "103", "partition": "gpu", "createBy": "carol", "submitTime": "2024-05-01 09:00:00",
			   "resourceUsed": {"cpu": 8, "mem": "32GiB", "nvidia:A100": 2}},
			  {"slurmJobId": "101", "partition": "cpu", "createBy": "alice"}
			]`,
		},
		userStats: `{"total": 42, "active": 7}`,
	}
}

func (f *fakeSource) Overview(context.Context) (gjson.Result, error) {
	if f.overviewErr != nil {
		return gjson.Result{}, f.overviewErr
	}
	return gjson.Parse(f.overview), nil
}

func (f *fakeSource) NodeInventory(context.Context) (gjson.Result, error) {
	return gjson.Parse(f.inventory), nil
}

func (f *fakeSource) Tasks(_ context.Context, status upstream.TaskStatus) ([]gjson.Result, error) {
	raw, ok := f.tasks[status]
	if !ok {
		return nil, nil
	}
	return gjson.Parse(raw).Array(), nil
}

func (f *fakeSource) UserStatistics(context.Context) (gjson.Result, error) {
	if f.userErr != nil {
		return gjson.Result{}, f.userErr
	}
	return gjson.Parse(f.userStats), nil
}

func (f *fakeSource) CardMetrics(_ context.Context, node string) (gjson.Result, error) {
	f.mu.Lock()
	f.cardCalls = append(f.cardCalls, node)
	f.mu.Unlock()
	return gjson.Parse(`{
	  "0": {"name": "A100-SXM4-80GB", "usedRatio": 97.5, "temperature": 61, "memUsed": "70G", "mem": "80G"},
	  "1": {"name": "A100-SXM4-80GB", "usedRatio": 12, "temperature": 40, "memUsed": "1G", "mem": "80G"}
	}`), nil
}

func newTestReconciler(src Source) (*Reconciler, *Store) {
	store := NewStore(2 * time.Minute)
	return NewReconciler(src, store, 4, time.UTC), store
}

func TestReconcileBuildsGeneration(t *testing.T) {
	src := newFakeSource()
	r, store := newTestReconciler(src)

	require.NoError(t, r.Reconcile(context.Background()))
	gen := store.Current()
	require.NotNil(t, gen)
	assert.Equal(t, uint64(1), gen.Seq)

	require.Len(t, gen.Partitions, 2)
	assert.Equal(t, "cpu", gen.Partitions[0].Name)
	assert.Equal(t, "gpu", gen.Partitions[1].Name)

	cpu, ok := gen.Partition("cpu")
	require.True(t, ok)
	assert.Equal(t, []string{"cn01", "cn02"}, cpu.NodeNames)
	assert.Equal(t, 50, cpu.CPUPercent)
	assert.False(t, cpu.Stressed)
	assert.Equal(t, "cpu", cpu.DisplayName())
	assert.Equal(t, 1, cpu.ActiveNodes())

	cn01 := cpu.Nodes["cn01"]
	assert.Equal(t, 75, cn01.CPUPercent)
	assert.Equal(t, 50, cn01.MemPercent)
	assert.Equal(t, HealthHealthy, cn01.Health)
	assert.Equal(t, "10.0.0.1", cn01.IP)
	assert.Equal(t, "A1", cn01.Cabinet)
	assert.Same(t, cpu, cn01.Partition)
	require.Len(t, cn01.Tasks, 1)
	assert.Equal(t, "101", cn01.Tasks[0].ID)

	// cn02 is missing from the inventory
	assert.Equal(t, HealthOffline, cpu.Nodes["cn02"].Health)

	gpu, _ := gen.Partition("gpu")
	assert.Equal(t, "A100", gpu.CardType)
	assert.Equal(t, "gpu(A100)", gpu.DisplayName())
	assert.Equal(t, 100, gpu.GPUPercent)
	assert.True(t, gpu.Stressed)
	assert.Equal(t, 1, gpu.CountTasks(TaskPending))

	gn01 := gpu.Nodes["gn01"]
	assert.Equal(t, HealthWarning, gn01.Health)
	require.Len(t, gn01.Cards, 2)
	assert.Equal(t, "0", gn01.Cards[0].Index)
	assert.Equal(t, 97.5, gn01.Cards[0].Utilization)
	assert.Equal(t, []string{"gn01"}, src.cardCalls)

	assert.Equal(t, UserStats{Total: 42, Online: 7}, gen.Users)
}

func TestReconcileParsesTasks(t *testing.T) {
	r, store := newTestReconciler(newFakeSource())
	require.NoError(t, r.Reconcile(context.Background()))

	tasks := store.ListTasks(TaskFilter{})
	require.Len(t, tasks, 3, "duplicate task IDs across listings are dropped")

	running := store.ListTasks(TaskFilter{Status: TaskRunning})
	require.Len(t, running, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 5, 0, 0, time.UTC), running[0].StartTime)
	assert.Equal(t, 5*time.Minute, running[0].WaitDuration(time.Now()))

	pending := store.ListTasks(TaskFilter{Status: TaskPending})
	require.Len(t, pending, 1)
	p := pending[0]
	assert.Equal(t, "carol", p.User)
	assert.Equal(t, "8C / 32GiB / A100:2", p.ResourceDesc())
	assert.True(t, p.StartTime.IsZero())

	assert.Len(t, store.ListTasks(TaskFilter{Node: "gn01"}), 1)
	assert.Len(t, store.ListTasks(TaskFilter{User: "alice"}), 1)
}

func TestFailedCycleKeepsPreviousGeneration(t *testing.T) {
	src := newFakeSource()
	r, store := newTestReconciler(src)
	require.NoError(t, r.Reconcile(context.Background()))
	first := store.Current()

	src.overviewErr = upstream.ErrUpstreamUnavailable
	err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrUpstreamUnavailable))

	assert.Same(t, first, store.Current())
	st := store.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.LastError)

	src.overviewErr = nil
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, uint64(2), store.Current().Seq)
	assert.Equal(t, 0, store.Status().ConsecutiveFailures)
}

func TestUserStatsCarriedForward(t *testing.T) {
	src := newFakeSource()
	r, store := newTestReconciler(src)
	require.NoError(t, r.Reconcile(context.Background()))

	src.userErr = errors.New("boom")
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, UserStats{Total: 42, Online: 7}, store.Current().Users)
}

func TestStoreStaleness(t *testing.T) {
	store := NewStore(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	st := store.Status()
	assert.False(t, st.Ready)
	assert.True(t, st.Stale)

	store.Publish(&Generation{BuiltAt: now.Add(-30 * time.Second)})
	assert.False(t, store.Status().Stale)

	now = now.Add(time.Minute)
	assert.True(t, store.Status().Stale)
}

func TestStoreFilters(t *testing.T) {
	r, store := newTestReconciler(newFakeSource())
	require.NoError(t, r.Reconcile(context.Background()))

	assert.Len(t, store.ListPartitions(PartitionFilter{}), 2)
	stressed := store.ListPartitions(PartitionFilter{StressedOnly: true})
	require.Len(t, stressed, 1)
	assert.Equal(t, "gpu", stressed[0].Name)
	assert.Len(t, store.ListPartitions(PartitionFilter{Names: []string{"cpu", "nope"}}), 1)

	assert.Len(t, store.ListNodes(NodeFilter{}), 3)
	assert.Len(t, store.ListNodes(NodeFilter{Partition: "cpu"}), 2)
	offline := store.ListNodes(NodeFilter{Health: HealthOffline})
	require.Len(t, offline, 1)
	assert.Equal(t, "cn02", offline[0].Name)
	assert.Len(t, store.ListNodes(NodeFilter{Name: "cn"}), 2)
}

func TestConcurrentReadersSeeWholeGenerations(t *testing.T) {
	r, store := newTestReconciler(newFakeSource())
	require.NoError(t, r.Reconcile(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				gen := store.Current()
				for _, p := range gen.Partitions {
					for _, name := range p.NodeNames {
						n := p.Nodes[name]
						assert.Same(t, p, n.Partition)
					}
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Reconcile(context.Background()))
	}
	cancel()
	wg.Wait()
	assert.Equal(t, uint64(21), store.Current().Seq)
}

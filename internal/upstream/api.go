package upstream

import (
	"context"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// TaskStatus is the query flag the task listing uses to select one status.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "isRunning"
	StatusPending   TaskStatus = "isPending"
	StatusCompleted TaskStatus = "isFinishedOnlySuccessed"
	StatusFailed    TaskStatus = "isError"
	StatusCancelled TaskStatus = "isCancelled"
)

var AllTaskStatuses = []TaskStatus{
	StatusRunning, StatusPending, StatusCompleted, StatusFailed, StatusCancelled,
}

// Overview returns the partition and node resource totals and idle values.
func (c *Client) Overview(ctx context.Context) (gjson.Result, error) {
	return c.fetchSnapshot(ctx, request{
		name:   "overview",
		method: resty.MethodGet,
		path:   c.config.Endpoints.Overview,
	})
}

// NodeInventory returns the cabinet list with the nodes mounted in each.
func (c *Client) NodeInventory(ctx context.Context) (gjson.Result, error) {
	return c.fetchSnapshot(ctx, request{
		name:   "node_inventory",
		method: resty.MethodGet,
		path:   c.config.Endpoints.NodeInventory,
	})
}

// UserStatistics returns {total, active}.
func (c *Client) UserStatistics(ctx context.Context) (gjson.Result, error) {
	return c.fetchSnapshot(ctx, request{
		name:   "user_statistics",
		method: resty.MethodGet,
		path:   c.config.Endpoints.UserStatistics,
	})
}

// Tasks lists task records of one status, newest first, reading at most
// MaxTaskPages pages. An empty listing is a valid answer and is not retried.
func (c *Client) Tasks(ctx context.Context, status TaskStatus) ([]gjson.Result, error) {
	query := map[string]string{
		"column":     "startTime",
		"order":      "desc",
		"status":     "",
		"all":        "true",
		"timeColumn": "startTime",
	}
	query[string(status)] = "true"
	return c.paginate(ctx, "tasks_"+string(status), c.config.Endpoints.Tasks, query)
}

// Users lists the registered users of the cluster.
func (c *Client) Users(ctx context.Context) ([]gjson.Result, error) {
	query := map[string]string{
		"column": "createTime",
		"order":  "desc",
	}
	return c.paginate(ctx, "users", c.config.Endpoints.Users, query)
}

func (c *Client) paginate(ctx context.Context, name, path string, base map[string]string) ([]gjson.Result, error) {
	pageSize := c.config.TaskPageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	maxPages := c.config.MaxTaskPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var records []gjson.Result
	for page := 1; page <= maxPages; page++ {
		query := make(map[string]string, len(base)+2)
		for k, v := range base {
			query[k] = v
		}
		query["pageNo"] = strconv.Itoa(page)
		query["pageSize"] = strconv.Itoa(pageSize)

		res, err := c.fetchSnapshot(ctx, request{
			name:   name,
			method: resty.MethodGet,
			path:   path,
			query:  query,
		})
		if err != nil {
			return nil, err
		}

		batch := res.Get("records").Array()
		records = append(records, batch...)

		total := res.Get("total")
		if len(batch) < pageSize || (total.Exists() && int64(len(records)) >= total.Int()) {
			break
		}
	}
	return records, nil
}

// CPUUsage returns the raw CPU utilization series of a node as a list of
// {values: [[ts, "value"], ...]}. An empty series is not an error.
func (c *Client) CPUUsage(ctx context.Context, node string) (gjson.Result, error) {
	return c.do(ctx, request{
		name:   "cpu_usage",
		method: resty.MethodPost,
		path:   c.config.Endpoints.CPUUsage,
		body:   map[string]string{"node": node},
	})
}

func (c *Client) MemoryUsage(ctx context.Context, node string) (gjson.Result, error) {
	return c.do(ctx, request{
		name:   "memory_usage",
		method: resty.MethodPost,
		path:   c.config.Endpoints.MemoryUsage,
		body:   map[string]string{"node": node},
	})
}

func (c *Client) GPUUsage(ctx context.Context, node string) (gjson.Result, error) {
	return c.do(ctx, request{
		name:   "gpu_usage",
		method: resty.MethodGet,
		path:   c.config.Endpoints.GPUUsage,
		query:  map[string]string{"node": node},
	})
}

// CardMetrics returns per-card details of a node keyed by card index.
func (c *Client) CardMetrics(ctx context.Context, node string) (gjson.Result, error) {
	return c.do(ctx, request{
		name:   "card_metrics",
		method: resty.MethodGet,
		path:   c.config.Endpoints.CardMetrics,
		query:  map[string]string{"node": node},
	})
}

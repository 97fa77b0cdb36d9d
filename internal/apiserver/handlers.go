package apiserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"HpcMonitor/internal/cluster"
	"HpcMonitor/internal/history"
	"HpcMonitor/internal/report"
	"HpcMonitor/internal/roster"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365
)

type Response struct {
	Count   int    `json:"count"`
	Results any    `json:"results"`
	Detail  string `json:"detail,omitempty"`
}

func ok[T any](c *gin.Context, results []T) {
	if results == nil {
		results = []T{}
	}
	c.JSON(http.StatusOK, Response{Count: len(results), Results: results})
}

func fail(c *gin.Context, code int, detail string) {
	c.JSON(code, Response{Results: []any{}, Detail: detail})
}

type PartitionView struct {
	*cluster.Partition
	DisplayName  string `json:"display_name"`
	ActiveNodes  int    `json:"active_nodes"`
	RunningTasks int    `json:"running_tasks"`
	PendingTasks int    `json:"pending_tasks"`
}

type NodeView struct {
	*cluster.Node
	TaskCount int `json:"task_count"`
}

type TaskView struct {
	*cluster.Task
	WaitTime string `json:"wait_time"`
	Resource string `json:"resource"`
}

type StatusView struct {
	cluster.Status
	Partitions  int               `json:"partitions"`
	Nodes       int               `json:"nodes"`
	Tasks       int               `json:"tasks"`
	Users       cluster.UserStats `json:"users"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func (s *Server) handleStatus(c *gin.Context) {
	view := StatusView{Status: s.cluster.Status(), GeneratedAt: time.Now()}
	if gen := s.cluster.Current(); gen != nil {
		view.Partitions = len(gen.Partitions)
		view.Nodes = len(gen.Nodes())
		view.Tasks = len(gen.Tasks)
		view.Users = gen.Users
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handlePartitions(c *gin.Context) {
	f := cluster.PartitionFilter{Names: c.QueryArray("name")}
	if v := c.Query("stressed"); v != "" {
		stressed, err := strconv.ParseBool(v)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid stressed: "+v)
			return
		}
		f.StressedOnly = stressed
	}

	var views []PartitionView
	for _, p := range s.cluster.ListPartitions(f) {
		views = append(views, PartitionView{
			Partition:    p,
			DisplayName:  p.DisplayName(),
			ActiveNodes:  p.ActiveNodes(),
			RunningTasks: p.CountTasks(cluster.TaskRunning),
			PendingTasks: p.CountTasks(cluster.TaskPending),
		})
	}
	ok(c, views)
}

func (s *Server) handleNodes(c *gin.Context) {
	f := cluster.NodeFilter{Partition: c.Query("partition"), Name: c.Query("name")}
	if v := c.Query("health"); v != "" {
		h, err := cluster.ParseHealth(v)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		f.Health = h
	}

	var views []NodeView
	for _, n := range s.cluster.ListNodes(f) {
		views = append(views, NodeView{Node: n, TaskCount: len(n.Tasks)})
	}
	ok(c, views)
}

func (s *Server) handleTasks(c *gin.Context) {
	f := cluster.TaskFilter{
		Partition: c.Query("partition"),
		Node:      c.Query("node"),
		User:      c.Query("user"),
	}
	if v := c.Query("status"); v != "" {
		st, err := cluster.ParseTaskStatus(v)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}

	now := time.Now()
	var views []TaskView
	for _, t := range s.cluster.ListTasks(f) {
		views = append(views, TaskView{Task: t, WaitTime: t.WaitTime(now), Resource: t.ResourceDesc()})
	}
	ok(c, views)
}

func (s *Server) handleHistory(c *gin.Context) {
	metric, err := history.ParseMetric(c.Param("metric"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	days, err := intQuery(c, "days", defaultHistoryDays)
	if err != nil || days <= 0 || days > maxHistoryDays {
		fail(c, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}
	maxPoints, err := intQuery(c, "max_points", 0)
	if err != nil || maxPoints < 0 {
		fail(c, http.StatusBadRequest, "invalid max_points")
		return
	}

	ok(c, s.history.History(c.Request.Context(), metric, c.Param("node"), days, maxPoints))
}

func (s *Server) handleReportDates(c *gin.Context) {
	limit, err := intQuery(c, "limit", report.DefaultDateLimit)
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, "invalid limit")
		return
	}
	dates, err := s.reports.ListDates(c.Request.Context(), limit)
	if err != nil {
		log.Errorf("Failed to list report dates: %v", err)
		fail(c, http.StatusInternalServerError, "failed to list report dates")
		return
	}
	ok(c, dates)
}

func (s *Server) handleReport(c *gin.Context) {
	date := c.Param("date")
	if _, err := time.Parse(report.DateLayout, date); err != nil {
		fail(c, http.StatusBadRequest, "date must look like 2006-01-02")
		return
	}
	r, err := s.reports.Get(c.Request.Context(), date)
	if errors.Is(err, report.ErrNotFound) {
		fail(c, http.StatusNotFound, "no report for "+date)
		return
	}
	if err != nil {
		log.Errorf("Failed to load report of %s: %v", date, err)
		fail(c, http.StatusInternalServerError, "failed to load report")
		return
	}
	ok(c, []*report.DailyReport{r})
}

func (s *Server) handleUsers(c *gin.Context) {
	users, err := s.users.List(c.Request.Context(), roster.Filter{
		Username: c.Query("username"),
		Status:   c.Query("status"),
		Role:     c.Query("role"),
	})
	if err != nil {
		log.Errorf("Failed to list users: %v", err)
		fail(c, http.StatusInternalServerError, "failed to list users")
		return
	}
	ok(c, users)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

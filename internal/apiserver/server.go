/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"HpcMonitor/internal/cluster"
	"HpcMonitor/internal/history"
	"HpcMonitor/internal/report"
	"HpcMonitor/internal/roster"
)

var log = logrus.WithField("component", "ApiServer")

type ClusterView interface {
	Current() *cluster.Generation
	Status() cluster.Status
	ListPartitions(f cluster.PartitionFilter) []*cluster.Partition
	ListNodes(f cluster.NodeFilter) []*cluster.Node
	ListTasks(f cluster.TaskFilter) []*cluster.Task
}

type HistoryView interface {
	History(ctx context.Context, metric history.Metric, node string, days, maxPoints int) []history.Sample
}

type ReportView interface {
	Get(ctx context.Context, date string) (*report.DailyReport, error)
	ListDates(ctx context.Context, limit int) ([]string, error)
}

type UserView interface {
	List(ctx context.Context, f roster.Filter) ([]roster.User, error)
}

type Server struct {
	cluster ClusterView
	history HistoryView
	reports ReportView
	users   UserView

	engine *gin.Engine
	srv    *http.Server
}

func New(addr string, c ClusterView, h HistoryView, r ReportView, u UserView) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog())

	s := &Server{
		cluster: c,
		history: h,
		reports: r,
		users:   u,
		engine:  engine,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.register(engine)
	return s
}

func (s *Server) register(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)                 // GET /api/v1/status
		v1.GET("/partitions", s.handlePartitions)         // GET /api/v1/partitions?name=xxx&name=xxx&stressed=true
		v1.GET("/nodes", s.handleNodes)                   // GET /api/v1/nodes?partition=xxx&health=xxx&name=xxx
		v1.GET("/tasks", s.handleTasks)                   // GET /api/v1/tasks?status=xxx&partition=xxx&node=xxx&user=xxx
		v1.GET("/history/:metric/:node", s.handleHistory) // GET /api/v1/history/cpu/cn01?days=30&max_points=2000
		v1.GET("/reports", s.handleReportDates)           // GET /api/v1/reports?limit=180
		v1.GET("/reports/:date", s.handleReport)          // GET /api/v1/reports/2024-05-01
		v1.GET("/users", s.handleUsers)                   // GET /api/v1/users?username=xxx&status=xxx&role=xxx
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on the configured address until Shutdown is called.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	log.Infof("API server listening on %s", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Truncate(time.Microsecond).String(),
			"client":  c.ClientIP(),
		}).Debugf("%s %s", c.Request.Method, c.Request.URL.RequestURI())
	}
}

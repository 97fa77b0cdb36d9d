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

package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"HpcMonitor/internal/cluster"
	"HpcMonitor/internal/database"
	"HpcMonitor/internal/util"
)

var log = logrus.WithField("component", "Report")

const (
	DateLayout       = "2006-01-02"
	DefaultDateLimit = 180
)

var (
	ErrNotFound     = errors.New("daily report not found")
	ErrNoGeneration = errors.New("no cluster generation published yet")
)

type PartitionStat struct {
	Partition   string `json:"partition"`
	TotalJobs   int    `json:"total_jobs"`
	QueuedJobs  int    `json:"queued_jobs"`
	CPUAlloc    string `json:"cpu_alloc"`
	GPUAlloc    string `json:"gpu_alloc"`
	MemAlloc    string `json:"mem_alloc"`
	NodesStatus string `json:"nodes_status"`
}

type ExceptionNode struct {
	NodeID    string `json:"node_id"`
	Partition string `json:"partition"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

type QueuingJob struct {
	JobID      string `json:"job_id"`
	User       string `json:"user"`
	Partition  string `json:"partition"`
	SubmitTime string `json:"submit_time"`
	WaitTime   string `json:"wait_time"`
	Resource   string `json:"resource"`
}

// DailyReport is written once per date and never updated.
type DailyReport struct {
	ID             uint64                             `gorm:"primaryKey;autoIncrement" json:"id"`
	Date           string                             `gorm:"column:date;type:varchar(10);not null;uniqueIndex:uk_daily_report_date" json:"date"`
	TotalUsers     int64                              `gorm:"column:total_users;not null;default:0" json:"total_users"`
	OnlineUsers    int64                              `gorm:"column:online_users;not null;default:0" json:"online_users"`
	ExceptionNodes datatypes.JSONSlice[ExceptionNode] `gorm:"column:exception_nodes" json:"exception_nodes"`
	QueuingJobs    datatypes.JSONSlice[QueuingJob]    `gorm:"column:queuing_jobs" json:"queuing_jobs"`
	PartitionInfo  datatypes.JSONSlice[PartitionStat] `gorm:"column:partition_info" json:"partition_info"`
	CreatedAt      time.Time                          `json:"created_at"`
	UpdatedAt      time.Time                          `json:"updated_at"`
}

func (DailyReport) TableName() string { return "t_daily_report_info" }

func AutoMigrate(db *gorm.DB) error {
	return database.Migrate(db, &DailyReport{})
}

type Generations interface {
	Current() *cluster.Generation
}

type Service struct {
	db          *gorm.DB
	generations Generations
	loc         *time.Location
	now         func() time.Time
}

func NewService(db *gorm.DB, generations Generations, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{db: db, generations: generations, loc: loc, now: time.Now}
}

// Today returns the current date in the report time zone.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

// BuildToday stores the report of the current date unless it exists.
func (s *Service) BuildToday(ctx context.Context) error {
	_, err := s.Build(ctx, s.Today())
	return err
}

// Build stores the report of date from the current generation. It reports
// whether a new row was written; an existing row is left as is.
func (s *Service) Build(ctx context.Context, date string) (bool, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return false, fmt.Errorf("invalid report date %q: %w", date, err)
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&DailyReport{}).Where("date = ?", date).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up report of %s: %w", date, err)
	}
	if count > 0 {
		log.Debugf("Daily report of %s already exists", date)
		return false, nil
	}

	gen := s.generations.Current()
	if gen == nil {
		return false, ErrNoGeneration
	}

	report := Compose(gen, date, s.now())
	if err := db.Create(report).Error; err != nil {
		if database.IsDuplicateKey(err) {
			log.Debugf("Daily report of %s was written concurrently", date)
			return false, nil
		}
		return false, fmt.Errorf("failed to store report of %s: %w", date, err)
	}

	log.Infof("Stored daily report of %s: %d partitions, %d exception nodes, %d queuing jobs",
		date, len(report.PartitionInfo), len(report.ExceptionNodes), len(report.QueuingJobs))
	return true, nil
}

// Compose derives the report content from a generation.
func Compose(gen *cluster.Generation, date string, now time.Time) *DailyReport {
	report := &DailyReport{
		Date:           date,
		TotalUsers:     gen.Users.Total,
		OnlineUsers:    gen.Users.Online,
		ExceptionNodes: datatypes.JSONSlice[ExceptionNode]{},
		QueuingJobs:    datatypes.JSONSlice[QueuingJob]{},
		PartitionInfo:  datatypes.JSONSlice[PartitionStat]{},
	}

	for _, p := range gen.Partitions {
		stat := PartitionStat{
			Partition:   p.DisplayName(),
			TotalJobs:   p.CountTasks(cluster.TaskRunning),
			QueuedJobs:  p.CountTasks(cluster.TaskPending),
			CPUAlloc:    fmt.Sprintf("%d%%", p.CPUPercent),
			MemAlloc:    fmt.Sprintf("%d%%", p.MemPercent),
			GPUAlloc:    "-",
			NodesStatus: fmt.Sprintf("%d/%d", p.ActiveNodes(), len(p.Nodes)),
		}
		if p.GPUTotal > 0 {
			stat.GPUAlloc = fmt.Sprintf("%d%%", p.GPUPercent)
		}
		report.PartitionInfo = append(report.PartitionInfo, stat)
	}

	for _, n := range gen.Nodes() {
		if n.Health != cluster.HealthOffline {
			continue
		}
		report.ExceptionNodes = append(report.ExceptionNodes, ExceptionNode{
			NodeID:    n.Name,
			Partition: n.PartitionName,
			Status:    string(n.Health),
			Reason:    n.SlurmState,
		})
	}

	for _, t := range gen.Tasks {
		if t.Status != cluster.TaskPending {
			continue
		}
		job := QueuingJob{
			JobID:     t.ID,
			User:      t.User,
			Partition: t.Partition,
			WaitTime:  t.WaitTime(now),
			Resource:  t.ResourceDesc(),
		}
		if !t.SubmitTime.IsZero() {
			job.SubmitTime = t.SubmitTime.Format(util.UpstreamTimeLayout)
		}
		report.QueuingJobs = append(report.QueuingJobs, job)
	}
	return report
}

func (s *Service) Get(ctx context.Context, date string) (*DailyReport, error) {
	var report DailyReport
	err := s.db.WithContext(ctx).Where("date = ?", date).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListDates returns the most recent report dates, newest first.
func (s *Service) ListDates(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultDateLimit
	}
	var dates []string
	err := s.db.WithContext(ctx).Model(&DailyReport{}).
		Order("date DESC").
		Limit(limit).
		Pluck("date", &dates).Error
	return dates, err
}

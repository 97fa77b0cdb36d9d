package history

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"HpcMonitor/internal/database"
)

type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "mem"
	MetricGPU    Metric = "gpu"
)

var Metrics = []Metric{MetricCPU, MetricMemory, MetricGPU}

func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return MetricCPU, nil
	case "mem", "memory":
		return MetricMemory, nil
	case "gpu":
		return MetricGPU, nil
	}
	return "", fmt.Errorf("unknown metric %q, valid values are cpu, mem and gpu", s)
}

func (m Metric) Table() string {
	return fmt.Sprintf("t_node_%s_history_info", m)
}

// Column is the value column of the metric table.
func (m Metric) Column() string {
	return fmt.Sprintf("%s_usage", m)
}

// Sample is one persisted reading. Timestamp is in unix seconds.
type Sample struct {
	Node      string  `json:"node"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type CPUHistory struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	Node      string  `gorm:"column:node;type:varchar(128);not null;uniqueIndex:uk_cpu_node_ts,priority:1"`
	Timestamp int64   `gorm:"column:timestamp;not null;uniqueIndex:uk_cpu_node_ts,priority:2"`
	CPUUsage  float64 `gorm:"column:cpu_usage"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CPUHistory) TableName() string { return MetricCPU.Table() }

type MemHistory struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	Node      string  `gorm:"column:node;type:varchar(128);not null;uniqueIndex:uk_mem_node_ts,priority:1"`
	Timestamp int64   `gorm:"column:timestamp;not null;uniqueIndex:uk_mem_node_ts,priority:2"`
	MemUsage  float64 `gorm:"column:mem_usage"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MemHistory) TableName() string { return MetricMemory.Table() }

type GPUHistory struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	Node      string  `gorm:"column:node;type:varchar(128);not null;uniqueIndex:uk_gpu_node_ts,priority:1"`
	Timestamp int64   `gorm:"column:timestamp;not null;uniqueIndex:uk_gpu_node_ts,priority:2"`
	GPUUsage  float64 `gorm:"column:gpu_usage"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GPUHistory) TableName() string { return MetricGPU.Table() }

func AutoMigrate(db *gorm.DB) error {
	return database.Migrate(db, &CPUHistory{}, &MemHistory{}, &GPUHistory{})
}

// rows converts samples into a pointer to a slice of the metric's model.
func rows(metric Metric, samples []Sample) any {
	switch metric {
	case MetricCPU:
		out := make([]CPUHistory, len(samples))
		for i, s := range samples {
			out[i] = CPUHistory{Node: s.Node, Timestamp: s.Timestamp, CPUUsage: s.Value}
		}
		return &out
	case MetricMemory:
		out := make([]MemHistory, len(samples))
		for i, s := range samples {
			out[i] = MemHistory{Node: s.Node, Timestamp: s.Timestamp, MemUsage: s.Value}
		}
		return &out
	default:
		out := make([]GPUHistory, len(samples))
		for i, s := range samples {
			out[i] = GPUHistory{Node: s.Node, Timestamp: s.Timestamp, GPUUsage: s.Value}
		}
		return &out
	}
}

func row(metric Metric, s Sample) any {
	switch metric {
	case MetricCPU:
		return &CPUHistory{Node: s.Node, Timestamp: s.Timestamp, CPUUsage: s.Value}
	case MetricMemory:
		return &MemHistory{Node: s.Node, Timestamp: s.Timestamp, MemUsage: s.Value}
	default:
		return &GPUHistory{Node: s.Node, Timestamp: s.Timestamp, GPUUsage: s.Value}
	}
}

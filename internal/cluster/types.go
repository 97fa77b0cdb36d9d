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

package cluster

import (
	"fmt"
	"strings"
	"time"

	"HpcMonitor/internal/util"
)

type Health string

const (
	HealthHealthy Health = "HEALTHY"
	HealthWarning Health = "WARNING"
	HealthOffline Health = "OFFLINE"
)

func ParseHealth(s string) (Health, error) {
	switch h := Health(strings.ToUpper(strings.TrimSpace(s))); h {
	case HealthHealthy, HealthWarning, HealthOffline:
		return h, nil
	}
	return "", fmt.Errorf("unknown health state %q, valid values are HEALTHY, WARNING and OFFLINE", s)
}

type TaskStatus string

const (
	TaskRunning   TaskStatus = "RUNNING"
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case TaskRunning, TaskPending, TaskCompleted, TaskFailed, TaskCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Usage holds the totals, idle amounts and derived allocation percentages
// shared by partitions and nodes. Memory is in bytes.
type Usage struct {
	CPUTotal int64  `json:"cpu_total"`
	CPUIdle  int64  `json:"cpu_idle"`
	MemTotal uint64 `json:"mem_total"`
	MemIdle  uint64 `json:"mem_idle"`
	GPUTotal int64  `json:"gpu_total"`
	GPUIdle  int64  `json:"gpu_idle"`

	CPUPercent int `json:"cpu_percent"`
	MemPercent int `json:"mem_percent"`
	GPUPercent int `json:"gpu_percent"`
}

func (u *Usage) derive() {
	u.CPUPercent = Percent(float64(u.CPUIdle), float64(u.CPUTotal))
	u.MemPercent = Percent(float64(u.MemIdle), float64(u.MemTotal))
	u.GPUPercent = Percent(float64(u.GPUIdle), float64(u.GPUTotal))
}

type Partition struct {
	Name     string `json:"name"`
	CardType string `json:"card_type,omitempty"`
	Usage
	Stressed  bool      `json:"stressed"`
	NodeNames []string  `json:"nodes"`
	UpdatedAt time.Time `json:"updated_at"`

	Nodes map[string]*Node `json:"-"`
	Tasks []*Task          `json:"-"`
}

// DisplayName is the partition name, suffixed with the card model when the
// partition has accelerators.
func (p *Partition) DisplayName() string {
	if p.CardType == "" {
		return p.Name
	}
	return fmt.Sprintf("%s(%s)", p.Name, p.CardType)
}

func (p *Partition) ActiveNodes() int {
	n := 0
	for _, node := range p.Nodes {
		if node.Active {
			n++
		}
	}
	return n
}

func (p *Partition) CountTasks(status TaskStatus) int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

type CardDetail struct {
	Index       string  `json:"index"`
	Model       string  `json:"model"`
	MemUsed     string  `json:"mem_used"`
	MemTotal    string  `json:"mem_total"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
}

type Node struct {
	Name          string       `json:"name"`
	PartitionName string       `json:"partition"`
	IP            string       `json:"ip"`
	Cabinet       string       `json:"cabinet"`
	Active        bool         `json:"active"`
	SlurmState    string       `json:"slurm_state"`
	CardType      string       `json:"card_type,omitempty"`
	Cards         []CardDetail `json:"cards,omitempty"`
	Health        Health       `json:"health"`
	Usage
	UpdatedAt time.Time `json:"updated_at"`

	Partition *Partition `json:"-"`
	Tasks     []*Task    `json:"-"`
}

type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	User      string     `json:"user"`
	CPU       int64      `json:"cpu"`
	Mem       string     `json:"mem"`
	CardType  string     `json:"card_type,omitempty"`
	CardCount int64      `json:"card_count,omitempty"`
	Partition string     `json:"partition"`
	Node      string     `json:"node,omitempty"`

	SubmitTime time.Time `json:"submit_time"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// ResourceDesc renders the request as "8C / 32GiB / A100:2".
func (t *Task) ResourceDesc() string {
	if t.CPU <= 0 && t.Mem == "" {
		return "-"
	}
	desc := fmt.Sprintf("%dC / %s", t.CPU, t.Mem)
	if t.CardCount > 0 {
		desc += fmt.Sprintf(" / %s:%d", t.CardType, t.CardCount)
	}
	return desc
}

// NodeList splits the comma separated node field of the task.
func (t *Task) NodeList() []string {
	if t.Node == "" {
		return nil
	}
	var nodes []string
	for _, n := range strings.Split(t.Node, ",") {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (t *Task) RunsOn(node string) bool {
	for _, n := range t.NodeList() {
		if n == node {
			return true
		}
	}
	return false
}

// WaitDuration is the time spent queued: until start for started tasks,
// until now otherwise.
func (t *Task) WaitDuration(now time.Time) time.Duration {
	if t.SubmitTime.IsZero() {
		return 0
	}
	end := now
	if !t.StartTime.IsZero() {
		end = t.StartTime
	}
	if end.Before(t.SubmitTime) {
		return 0
	}
	return end.Sub(t.SubmitTime)
}

func (t *Task) WaitTime(now time.Time) string {
	return util.WaitTimeFormat(t.WaitDuration(now))
}

type UserStats struct {
	Total  int64 `json:"total"`
	Online int64 `json:"online"`
}

// Generation is one complete snapshot of the cluster. It is never modified
// after being published.
type Generation struct {
	Seq        uint64       `json:"seq"`
	BuiltAt    time.Time    `json:"built_at"`
	Partitions []*Partition `json:"partitions"`
	Tasks      []*Task      `json:"-"`
	Users      UserStats    `json:"users"`

	partitionIndex map[string]*Partition
}

func (g *Generation) Partition(name string) (*Partition, bool) {
	p, ok := g.partitionIndex[name]
	return p, ok
}

// Nodes returns every node ordered by partition and name. A node listed
// under two partitions appears once per partition.
func (g *Generation) Nodes() []*Node {
	var nodes []*Node
	for _, p := range g.Partitions {
		for _, name := range p.NodeNames {
			nodes = append(nodes, p.Nodes[name])
		}
	}
	return nodes
}

// NodeNames returns the distinct node names of the generation.
func (g *Generation) NodeNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range g.Nodes() {
		if !seen[n.Name] {
			seen[n.Name] = true
			names = append(names, n.Name)
		}
	}
	return names
}

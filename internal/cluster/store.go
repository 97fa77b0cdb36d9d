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
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the published generation. Readers always see one complete
// generation; Publish replaces it in a single pointer swap.
type Store struct {
	current atomic.Pointer[Generation]
	seq     atomic.Uint64

	mu          sync.Mutex
	lastErr     error
	lastFailure time.Time
	failures    int

	staleAfter time.Duration
	now        func() time.Time
}

type Status struct {
	Ready               bool      `json:"ready"`
	Seq                 uint64    `json:"seq"`
	BuiltAt             time.Time `json:"built_at,omitempty"`
	Age                 string    `json:"age,omitempty"`
	Stale               bool      `json:"stale"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

func NewStore(staleAfter time.Duration) *Store {
	return &Store{staleAfter: staleAfter, now: time.Now}
}

// Publish assigns the next sequence number to g and makes it current.
func (s *Store) Publish(g *Generation) {
	g.Seq = s.seq.Add(1)
	s.current.Store(g)

	s.mu.Lock()
	s.failures = 0
	s.lastErr = nil
	s.mu.Unlock()

	generationSeq.Set(float64(g.Seq))
	generationPublished.SetToCurrentTime()
	partitionUsage.Reset()
	for _, p := range g.Partitions {
		partitionUsage.WithLabelValues(p.Name, "cpu").Set(float64(p.CPUPercent))
		partitionUsage.WithLabelValues(p.Name, "mem").Set(float64(p.MemPercent))
		partitionUsage.WithLabelValues(p.Name, "gpu").Set(float64(p.GPUPercent))
	}
}

// Current returns the published generation, or nil before the first publish.
func (s *Store) Current() *Generation {
	return s.current.Load()
}

// MarkFailed records a cycle that did not produce a generation. The
// current generation stays published.
func (s *Store) MarkFailed(err error) {
	s.mu.Lock()
	s.failures++
	s.lastErr = err
	s.lastFailure = s.now()
	failures := s.failures
	s.mu.Unlock()

	reconcileFailures.Inc()
	if st := s.Status(); st.Stale && st.Ready {
		log.Warnf("Serving generation %d built %s ago after %d failed cycles", st.Seq, st.Age, failures)
	}
}

func (s *Store) Status() Status {
	s.mu.Lock()
	st := Status{
		ConsecutiveFailures: s.failures,
		LastFailure:         s.lastFailure,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	g := s.Current()
	if g == nil {
		st.Stale = true
		return st
	}
	age := s.now().Sub(g.BuiltAt)
	st.Ready = true
	st.Seq = g.Seq
	st.BuiltAt = g.BuiltAt
	st.Age = age.Truncate(time.Second).String()
	st.Stale = s.staleAfter > 0 && age > s.staleAfter
	return st
}

type PartitionFilter struct {
	Names        []string
	StressedOnly bool
}

type NodeFilter struct {
	Partition string
	Health    Health
	Name      string
}

type TaskFilter struct {
	Status    TaskStatus
	Partition string
	Node      string
	User      string
}

func (s *Store) ListPartitions(f PartitionFilter) []*Partition {
	g := s.Current()
	if g == nil {
		return nil
	}
	var names map[string]bool
	if len(f.Names) > 0 {
		names = make(map[string]bool, len(f.Names))
		for _, n := range f.Names {
			names[n] = true
		}
	}

	var out []*Partition
	for _, p := range g.Partitions {
		if names != nil && !names[p.Name] {
			continue
		}
		if f.StressedOnly && !p.Stressed {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Store) ListNodes(f NodeFilter) []*Node {
	g := s.Current()
	if g == nil {
		return nil
	}
	var out []*Node
	for _, n := range g.Nodes() {
		if f.Partition != "" && n.PartitionName != f.Partition {
			continue
		}
		if f.Health != "" && n.Health != f.Health {
			continue
		}
		if f.Name != "" && !strings.Contains(n.Name, f.Name) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *Store) ListTasks(f TaskFilter) []*Task {
	g := s.Current()
	if g == nil {
		return nil
	}
	var out []*Task
	for _, t := range g.Tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Partition != "" && t.Partition != f.Partition {
			continue
		}
		if f.Node != "" && !t.RunsOn(f.Node) {
			continue
		}
		if f.User != "" && t.User != f.User {
			continue
		}
		out = append(out, t)
	}
	return out
}

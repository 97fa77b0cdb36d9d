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
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"HpcMonitor/internal/upstream"
	"HpcMonitor/internal/util"
)

var log = logrus.WithField("component", "Cluster")

// Source is the part of the upstream client the reconciler reads from.
type Source interface {
	Overview(ctx context.Context) (gjson.Result, error)
	NodeInventory(ctx context.Context) (gjson.Result, error)
	Tasks(ctx context.Context, status upstream.TaskStatus) ([]gjson.Result, error)
	UserStatistics(ctx context.Context) (gjson.Result, error)
	CardMetrics(ctx context.Context, node string) (gjson.Result, error)
}

var taskStatusOfFlag = map[upstream.TaskStatus]TaskStatus{
	upstream.StatusRunning:   TaskRunning,
	upstream.StatusPending:   TaskPending,
	upstream.StatusCompleted: TaskCompleted,
	upstream.StatusFailed:    TaskFailed,
	upstream.StatusCancelled: TaskCancelled,
}

type Reconciler struct {
	source      Source
	store       *Store
	detailLimit int
	loc         *time.Location
	now         func() time.Time
}

func NewReconciler(source Source, store *Store, detailLimit int, loc *time.Location) *Reconciler {
	if detailLimit <= 0 {
		detailLimit = 8
	}
	if loc == nil {
		loc = time.Local
	}
	return &Reconciler{
		source:      source,
		store:       store,
		detailLimit: detailLimit,
		loc:         loc,
		now:         time.Now,
	}
}

// Reconcile builds a new generation from the upstream snapshots and
// publishes it. On failure the current generation stays published.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	start := time.Now()
	gen, err := r.build(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.store.MarkFailed(err)
		return err
	}

	r.store.Publish(gen)
	log.Debugf("Published generation %d: %d partitions, %d tasks in %s",
		gen.Seq, len(gen.Partitions), len(gen.Tasks), time.Since(start).Truncate(time.Millisecond))
	return nil
}

type inventoryEntry struct {
	ip         string
	cabinet    string
	active     bool
	slurmState string
}

func (r *Reconciler) build(ctx context.Context) (*Generation, error) {
	tasks, err := r.fetchTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	inventory, err := r.source.NodeInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch node inventory: %w", err)
	}
	overview, err := r.source.Overview(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch overview: %w", err)
	}

	gen := &Generation{
		BuiltAt:        r.now(),
		Tasks:          tasks,
		partitionIndex: make(map[string]*Partition),
	}
	r.buildPartitions(gen, overview, parseInventory(inventory))
	r.fetchCardDetails(ctx, gen)
	r.fetchUserStats(ctx, gen)
	return gen, nil
}

func (r *Reconciler) fetchTasks(ctx context.Context) ([]*Task, error) {
	seen := make(map[string]bool)
	var tasks []*Task
	for _, flag := range upstream.AllTaskStatuses {
		records, err := r.source.Tasks(ctx, flag)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			t := r.parseTask(rec, taskStatusOfFlag[flag])
			// A task changing state between two listings shows up twice.
			if t.ID != "" && seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (r *Reconciler) parseTask(rec gjson.Result, fallback TaskStatus) *Task {
	t := &Task{
		ID:        rec.Get("slurmJobId").String(),
		Name:      rec.Get("name").String(),
		User:      rec.Get("createBy").String(),
		Partition: rec.Get("partition").String(),
		Node:      rec.Get("nodes").String(),
		Status:    fallback,
	}
	if st, err := ParseTaskStatus(rec.Get("status").String()); err == nil {
		t.Status = st
	}

	res := rec.Get("resourceUsed")
	t.CPU = res.Get("cpu").Int()
	t.Mem = res.Get("mem").String()
	if acc, ok := ExtractAccelerator(res); ok {
		t.CardType = acc.Model
		t.CardCount = acc.Count
	}

	t.SubmitTime = r.parseTime(rec.Get("submitTime"))
	t.StartTime = r.parseTime(rec.Get("startTime"))
	t.EndTime = r.parseTime(rec.Get("endTime"))
	return t
}

func (r *Reconciler) parseTime(v gjson.Result) time.Time {
	if v.String() == "" {
		return time.Time{}
	}
	ts, err := util.ParseUpstreamTime(v.String(), r.loc)
	if err != nil {
		log.Tracef("Ignoring malformed time %q: %v", v.String(), err)
		return time.Time{}
	}
	return ts
}

// parseInventory flattens [{cabinet, nodes: [{name, ip, state, slurmState}]}].
func parseInventory(inv gjson.Result) map[string]inventoryEntry {
	out := make(map[string]inventoryEntry)
	for _, cabinet := range inv.Array() {
		cab := cabinet.Get("cabinet").String()
		for _, n := range cabinet.Get("nodes").Array() {
			out[n.Get("name").String()] = inventoryEntry{
				ip:         n.Get("ip").String(),
				cabinet:    cab,
				active:     strings.EqualFold(n.Get("state").String(), "active"),
				slurmState: n.Get("slurmState").String(),
			}
		}
	}
	return out
}

func parseUsage(total, idle gjson.Result) Usage {
	u := Usage{
		CPUTotal: total.Get("cpu").Int(),
		CPUIdle:  idle.Get("cpu").Int(),
		MemTotal: parseMem(total.Get("mem")),
		MemIdle:  parseMem(idle.Get("mem")),
	}
	if acc, ok := ExtractAccelerator(total); ok {
		u.GPUTotal = acc.Count
		if v, ok := idle.Map()[acc.Key]; ok {
			u.GPUIdle = v.Int()
		}
	}
	u.derive()
	return u
}

func parseMem(v gjson.Result) uint64 {
	if !v.Exists() || v.String() == "" {
		return 0
	}
	b, err := util.ParseMemStringAsByte(v.String())
	if err != nil {
		log.Debugf("Ignoring memory value: %v", err)
		return 0
	}
	return b
}

func (r *Reconciler) buildPartitions(gen *Generation, overview gjson.Result, inv map[string]inventoryEntry) {
	partTotals := overview.Get("partitionComputingResource").Map()
	partIdle := overview.Get("partitionComputingResourceIdled").Map()
	nodeTotals := overview.Get("nodeComputingResource").Map()
	nodeIdle := overview.Get("nodeComputingResourceIdled").Map()

	tasksByPartition := make(map[string][]*Task)
	tasksByNode := make(map[string][]*Task)
	for _, t := range gen.Tasks {
		tasksByPartition[t.Partition] = append(tasksByPartition[t.Partition], t)
		for _, n := range t.NodeList() {
			tasksByNode[n] = append(tasksByNode[n], t)
		}
	}

	overview.Get("partitionNode").ForEach(func(key, members gjson.Result) bool {
		name := key.String()
		total, ok := partTotals[name]
		if !ok {
			log.Warnf("Partition %s has no resource totals, skipped", name)
			return true
		}

		p := &Partition{
			Name:      name,
			Usage:     parseUsage(total, partIdle[name]),
			UpdatedAt: gen.BuiltAt,
			Nodes:     make(map[string]*Node),
			Tasks:     tasksByPartition[name],
		}
		if acc, ok := ExtractAccelerator(total); ok {
			p.CardType = acc.Model
		}
		p.Stressed = Stressed(p.Usage)

		for _, m := range members.Array() {
			nodeName := m.String()
			nt, ok := nodeTotals[nodeName]
			if !ok {
				log.Warnf("Node %s of partition %s has no resource totals, skipped", nodeName, name)
				continue
			}
			if _, dup := p.Nodes[nodeName]; dup {
				continue
			}

			n := &Node{
				Name:          nodeName,
				PartitionName: name,
				Partition:     p,
				Usage:         parseUsage(nt, nodeIdle[nodeName]),
				UpdatedAt:     gen.BuiltAt,
				Tasks:         tasksByNode[nodeName],
			}
			if acc, ok := ExtractAccelerator(nt); ok {
				n.CardType = acc.Model
			}
			if e, ok := inv[nodeName]; ok {
				n.IP = e.ip
				n.Cabinet = e.cabinet
				n.Active = e.active
				n.SlurmState = e.slurmState
			} else {
				log.Debugf("Node %s is missing from the inventory", nodeName)
			}
			n.Health = ClassifyHealth(n.Active, n.Usage)

			p.Nodes[nodeName] = n
			p.NodeNames = append(p.NodeNames, nodeName)
		}
		sort.Strings(p.NodeNames)

		gen.Partitions = append(gen.Partitions, p)
		gen.partitionIndex[name] = p
		return true
	})

	sort.Slice(gen.Partitions, func(i, j int) bool {
		return gen.Partitions[i].Name < gen.Partitions[j].Name
	})
}

// fetchCardDetails attaches per-card metrics to active accelerator nodes.
// A failed fetch leaves the node without card detail.
func (r *Reconciler) fetchCardDetails(ctx context.Context, gen *Generation) {
	byName := make(map[string][]*Node)
	for _, n := range gen.Nodes() {
		if n.Active && n.GPUTotal > 0 {
			byName[n.Name] = append(byName[n.Name], n)
		}
	}
	if len(byName) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.detailLimit)
	for name, nodes := range byName {
		g.Go(func() error {
			res, err := r.source.CardMetrics(ctx, name)
			if err != nil {
				log.Debugf("No card detail for node %s: %v", name, err)
				return nil
			}
			cards := parseCards(res)
			for _, n := range nodes {
				n.Cards = cards
			}
			return nil
		})
	}
	_ = g.Wait()
}

func parseCards(res gjson.Result) []CardDetail {
	var cards []CardDetail
	res.ForEach(func(idx, card gjson.Result) bool {
		cards = append(cards, CardDetail{
			Index:       idx.String(),
			Model:       card.Get("name").String(),
			MemUsed:     card.Get("memUsed").String(),
			MemTotal:    card.Get("mem").String(),
			Utilization: card.Get("usedRatio").Float(),
			Temperature: card.Get("temperature").Float(),
		})
		return true
	})
	return cards
}

// fetchUserStats carries the previous counts forward when the fetch fails.
func (r *Reconciler) fetchUserStats(ctx context.Context, gen *Generation) {
	res, err := r.source.UserStatistics(ctx)
	if err != nil {
		log.Warnf("Keeping previous user statistics: %v", err)
		if prev := r.store.Current(); prev != nil {
			gen.Users = prev.Users
		}
		return
	}
	gen.Users = UserStats{
		Total:  res.Get("total").Int(),
		Online: res.Get("active").Int(),
	}
}

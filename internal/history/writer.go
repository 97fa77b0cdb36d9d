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

package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"HpcMonitor/internal/cluster"
)

var log = logrus.WithField("component", "History")

// Fetcher returns the raw usage series of a node.
type Fetcher interface {
	CPUUsage(ctx context.Context, node string) (gjson.Result, error)
	MemoryUsage(ctx context.Context, node string) (gjson.Result, error)
	GPUUsage(ctx context.Context, node string) (gjson.Result, error)
}

// Generations gives access to the published cluster generation.
type Generations interface {
	Current() *cluster.Generation
}

type Writer struct {
	fetcher     Fetcher
	generations Generations
	primary     Sink
	mirrors     []Sink
	concurrency int
}

func NewWriter(fetcher Fetcher, generations Generations, primary Sink, concurrency int, mirrors ...Sink) *Writer {
	if concurrency <= 0 {
		concurrency = 20
	}
	return &Writer{
		fetcher:     fetcher,
		generations: generations,
		primary:     primary,
		mirrors:     mirrors,
		concurrency: concurrency,
	}
}

// Flush fetches the usage series of every node in the current generation
// and persists them. Persistence starts only after every fetch returned.
func (w *Writer) Flush(ctx context.Context) error {
	gen := w.generations.Current()
	if gen == nil {
		log.Info("No cluster generation published yet, skipping history flush")
		return nil
	}
	nodes := gen.NodeNames()
	start := time.Now()

	var (
		mu       sync.Mutex
		batches  = make(map[Metric][]Sample, len(Metrics))
		failures int
	)

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, node := range nodes {
		for _, metric := range Metrics {
			g.Go(func() error {
				series, err := w.fetch(ctx, metric, node)
				if err != nil {
					log.Debugf("Fetching %s series of %s failed: %v", metric, node, err)
					historyFetchFailures.WithLabelValues(string(metric)).Inc()
					mu.Lock()
					failures++
					mu.Unlock()
					return nil
				}
				samples := Aggregate(node, series)
				mu.Lock()
				batches[metric] = append(batches[metric], samples...)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	var errs []error
	for _, metric := range Metrics {
		samples := batches[metric]
		sort.Slice(samples, func(i, j int) bool {
			if samples[i].Node != samples[j].Node {
				return samples[i].Node < samples[j].Node
			}
			return samples[i].Timestamp < samples[j].Timestamp
		})

		n, err := w.primary.Write(ctx, metric, samples)
		historySamplesWritten.WithLabelValues(string(metric), w.primary.Name()).Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", metric, err))
		}
		log.Debugf("Stored %d new of %d %s samples", n, len(samples), metric)

		for _, mirror := range w.mirrors {
			n, err := mirror.Write(ctx, metric, samples)
			historySamplesWritten.WithLabelValues(string(metric), mirror.Name()).Add(float64(n))
			if err != nil {
				log.Warnf("Mirroring %s samples to %s failed: %v", metric, mirror.Name(), err)
			}
		}
	}

	log.Infof("History flush of %d nodes finished in %s, %d fetches failed",
		len(nodes), time.Since(start).Truncate(time.Millisecond), failures)
	return errors.Join(errs...)
}

func (w *Writer) fetch(ctx context.Context, metric Metric, node string) (gjson.Result, error) {
	switch metric {
	case MetricCPU:
		return w.fetcher.CPUUsage(ctx, node)
	case MetricMemory:
		return w.fetcher.MemoryUsage(ctx, node)
	default:
		return w.fetcher.GPUUsage(ctx, node)
	}
}

// Aggregate flattens a [{values: [[ts, "value"], ...]}, ...] series into
// samples ordered by timestamp. Readings sharing a timestamp, typically one
// per core or card, are averaged.
func Aggregate(node string, series gjson.Result) []Sample {
	type acc struct {
		sum   float64
		count int
	}
	byTs := make(map[int64]*acc)

	series.ForEach(func(_, sub gjson.Result) bool {
		for _, point := range sub.Get("values").Array() {
			pair := point.Array()
			if len(pair) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(pair[1].String(), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			ts := int64(pair[0].Float())
			a, ok := byTs[ts]
			if !ok {
				a = &acc{}
				byTs[ts] = a
			}
			a.sum += v
			a.count++
		}
		return true
	})

	samples := make([]Sample, 0, len(byTs))
	for ts, a := range byTs {
		samples = append(samples, Sample{Node: node, Timestamp: ts, Value: a.sum / float64(a.count)})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
	return samples
}

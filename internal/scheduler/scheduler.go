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

package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "Scheduler")

type Job interface {
	Name() string
	// Schedule is a standard five field cron spec or a descriptor such as
	// "@every 20s" or "@hourly".
	Schedule() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name     string
	schedule string
	fn       func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Schedule() string              { return j.schedule }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

func NewJob(name, schedule string, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, schedule: schedule, fn: fn}
}

type entry struct {
	job     Job
	wrapped cron.Job
	delay   time.Duration
}

// Scheduler runs each job on its own schedule. A job instance never overlaps
// with another instance of the same job, and a failing or panicking instance
// does not affect later runs.
type Scheduler struct {
	cron   *cron.Cron
	logger cron.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	timers  []*time.Timer
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(logger)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Add registers job. When initialDelay is positive the job also runs once
// that long after Start, sharing the no-overlap guard of its schedule.
func (s *Scheduler) Add(job Job, initialDelay time.Duration) error {
	schedule, err := cron.ParseStandard(job.Schedule())
	if err != nil {
		return fmt.Errorf("invalid schedule %q of job %s: %w", job.Schedule(), job.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name()]; ok {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	e := &entry{job: job, delay: initialDelay}
	e.wrapped = cron.NewChain(
		cron.Recover(s.logger),
		cron.SkipIfStillRunning(s.logger),
	).Then(cron.FuncJob(func() { s.run(job) }))

	s.cron.Schedule(schedule, e.wrapped)
	s.entries[job.Name()] = e
	log.Infof("Registered job %s with schedule %s", job.Name(), job.Schedule())
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.delay > 0 {
			s.timers = append(s.timers, time.AfterFunc(e.delay, e.wrapped.Run))
		}
	}
	s.mu.Unlock()
	s.cron.Start()
}

// Trigger runs the named job now in the calling goroutine. It returns
// immediately if an instance of the job is already running.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	e.wrapped.Run()
	return nil
}

// Stop stops scheduling, cancels the context handed to running jobs and
// waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn("Timed out waiting for running jobs")
	}
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			jobRuns.WithLabelValues(job.Name(), "panic").Inc()
			log.Errorf("Job %s panicked: %v\n%s", job.Name(), r, debug.Stack())
		}
	}()

	err := job.Run(s.ctx)
	jobDuration.WithLabelValues(job.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		jobRuns.WithLabelValues(job.Name(), "error").Inc()
		log.Errorf("Job %s failed after %s: %v", job.Name(), time.Since(start).Truncate(time.Millisecond), err)
		return
	}
	jobRuns.WithLabelValues(job.Name(), "ok").Inc()
	log.Debugf("Job %s finished in %s", job.Name(), time.Since(start).Truncate(time.Millisecond))
}

// cronLogger forwards cron's key/value logging to logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

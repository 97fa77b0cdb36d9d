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

package hpcmond

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"HpcMonitor/internal/apiserver"
	"HpcMonitor/internal/cluster"
	"HpcMonitor/internal/database"
	"HpcMonitor/internal/history"
	"HpcMonitor/internal/report"
	"HpcMonitor/internal/roster"
	"HpcMonitor/internal/scheduler"
	"HpcMonitor/internal/upstream"
	"HpcMonitor/internal/util"
)

var log = logrus.WithField("component", "Daemon")

const (
	JobReconcile   = "reconcile"
	JobHistory     = "history"
	JobDailyReport = "daily_report"
	JobRoster      = "roster"
)

type Daemon struct {
	config *util.Config

	db        *gorm.DB
	client    *upstream.Client
	store     *cluster.Store
	influx    *history.InfluxSink
	scheduler *scheduler.Scheduler
	server    *apiserver.Server

	reconciler *cluster.Reconciler
	writer     *history.Writer
	reader     *history.Reader
	reports    *report.Service
	users      *roster.Service
}

// NewDaemon opens storage and wires every component, but schedules nothing
// until Start is called.
func NewDaemon(ctx context.Context, config *util.Config, tokens upstream.TokenStore) (*Daemon, error) {
	loc, err := config.Scheduler.Location()
	if err != nil {
		return nil, util.NewExitError(util.ErrorCmdArg, "invalid time zone: %v", err)
	}

	db, err := database.Open(&config.Database)
	if err != nil {
		return nil, util.NewExitError(util.ErrorDatabaseInit, "%v", err)
	}
	for _, migrate := range []func(*gorm.DB) error{history.AutoMigrate, report.AutoMigrate, roster.AutoMigrate} {
		if err := migrate(db); err != nil {
			_ = database.Close(db)
			return nil, util.NewExitError(util.ErrorDatabaseInit, "%v", err)
		}
	}

	d := &Daemon{
		config: config,
		db:     db,
		client: upstream.NewClient(config.Upstream, tokens),
		store:  cluster.NewStore(config.Cluster.StaleAfter),
	}
	d.reconciler = cluster.NewReconciler(d.client, d.store, config.Upstream.DetailConcurrency, loc)

	var mirrors []history.Sink
	if config.Database.InfluxDB != nil {
		d.influx, err = history.NewInfluxSink(ctx, config.Database.InfluxDB)
		if err != nil {
			_ = database.Close(db)
			return nil, util.NewExitError(util.ErrorDatabaseInit, "%v", err)
		}
		mirrors = append(mirrors, d.influx)
	}
	d.writer = history.NewWriter(d.client, d.store, history.NewSQLSink(db, config.Database.BatchSize),
		config.History.FetchConcurrency, mirrors...)
	d.reader = history.NewReader(db, config.History.DefaultMaxPoints, config.History.CacheTTL)
	d.reports = report.NewService(db, d.store, loc)
	d.users = roster.NewService(db, d.client)

	d.scheduler = scheduler.New(loc)
	jobs := []struct {
		job   scheduler.Job
		delay time.Duration
	}{
		{scheduler.NewJob(JobReconcile, config.Scheduler.Reconcile, d.reconciler.Reconcile), 0},
		{scheduler.NewJob(JobHistory, config.Scheduler.History, d.writer.Flush), config.Scheduler.HistoryInitialDelay},
		{scheduler.NewJob(JobDailyReport, config.Scheduler.DailyReport, d.reports.BuildToday), 0},
		{scheduler.NewJob(JobRoster, config.Scheduler.Roster, d.users.Refresh), 0},
	}
	for _, j := range jobs {
		if err := d.scheduler.Add(j.job, j.delay); err != nil {
			d.close()
			return nil, util.NewExitError(util.ErrorCmdArg, "%v", err)
		}
	}

	d.server = apiserver.New(config.Api.Listen, d.store, d.reader, d.reports, d.users)
	return d, nil
}

// Start logs in, publishes a first generation and arms the scheduler. A
// failed first cycle is only logged; the next tick retries it.
func (d *Daemon) Start(ctx context.Context) {
	if err := d.client.Login(ctx); err != nil {
		log.Warnf("Initial login failed, will retry on demand: %v", err)
	}
	if err := d.scheduler.Trigger(JobReconcile); err != nil {
		log.Errorf("Failed to run initial reconcile: %v", err)
	}
	d.scheduler.Start()
	log.Infof("Scheduler started")
}

// Serve blocks on the HTTP read API.
func (d *Daemon) Serve() error {
	if err := d.server.Serve(); err != nil {
		return util.NewExitError(util.ErrorApiServer, "api server: %v", err)
	}
	return nil
}

// Stop shuts the API server down first so no request sees a closed database.
func (d *Daemon) Stop(ctx context.Context) {
	if err := d.server.Shutdown(ctx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	d.scheduler.Stop(ctx)
	d.close()
}

func (d *Daemon) close() {
	if d.influx != nil {
		d.influx.Close()
	}
	if err := database.Close(d.db); err != nil {
		log.Warnf("Failed to close database: %v", err)
	}
}

// RunJob runs a registered job once, outside its schedule.
func (d *Daemon) RunJob(name string) error {
	if err := d.scheduler.Trigger(name); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

func (d *Daemon) Store() *cluster.Store {
	return d.store
}

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

package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var log = logrus.WithField("component", "Config")

var (
	DefaultConfigPath = "/etc/hpcmon/config.yaml"
	DefaultTokenFile  = "/var/lib/hpcmon/token.json"
)

type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"Upstream" yaml:"Upstream"`
	Database  DBConfig        `mapstructure:"Database" yaml:"Database"`
	Scheduler SchedulerConfig `mapstructure:"Scheduler" yaml:"Scheduler"`
	History   HistoryConfig   `mapstructure:"History" yaml:"History"`
	Cluster   ClusterConfig   `mapstructure:"Cluster" yaml:"Cluster"`
	Api       ApiConfig       `mapstructure:"Api" yaml:"Api"`
	Log       LogConfig       `mapstructure:"Log" yaml:"Log"`
}

type UpstreamConfig struct {
	BaseURL           string          `mapstructure:"BaseURL" yaml:"BaseURL"`
	Username          string          `mapstructure:"Username" yaml:"Username"`
	Password          string          `mapstructure:"Password" yaml:"Password"`
	Signature         string          `mapstructure:"Signature" yaml:"Signature"`
	TokenFile         string          `mapstructure:"TokenFile" yaml:"TokenFile"`
	Timeout           time.Duration   `mapstructure:"Timeout" yaml:"Timeout"`
	RetryAttempts     int             `mapstructure:"RetryAttempts" yaml:"RetryAttempts"`
	RetryInterval     time.Duration   `mapstructure:"RetryInterval" yaml:"RetryInterval"`
	TaskPageSize      int             `mapstructure:"TaskPageSize" yaml:"TaskPageSize"`
	MaxTaskPages      int             `mapstructure:"MaxTaskPages" yaml:"MaxTaskPages"`
	DetailConcurrency int             `mapstructure:"DetailConcurrency" yaml:"DetailConcurrency"`
	Endpoints         EndpointsConfig `mapstructure:"Endpoints" yaml:"Endpoints"`
}

type EndpointsConfig struct {
	Login          string `mapstructure:"Login" yaml:"Login"`
	Overview       string `mapstructure:"Overview" yaml:"Overview"`
	NodeInventory  string `mapstructure:"NodeInventory" yaml:"NodeInventory"`
	Tasks          string `mapstructure:"Tasks" yaml:"Tasks"`
	UserStatistics string `mapstructure:"UserStatistics" yaml:"UserStatistics"`
	Users          string `mapstructure:"Users" yaml:"Users"`
	CPUUsage       string `mapstructure:"CpuUsage" yaml:"CpuUsage"`
	MemoryUsage    string `mapstructure:"MemoryUsage" yaml:"MemoryUsage"`
	GPUUsage       string `mapstructure:"GpuUsage" yaml:"GpuUsage"`
	CardMetrics    string `mapstructure:"CardMetrics" yaml:"CardMetrics"`
}

type DBConfig struct {
	Type      string          `mapstructure:"Type" yaml:"Type"`
	DSN       string          `mapstructure:"DSN" yaml:"DSN"`
	Path      string          `mapstructure:"Path" yaml:"Path"`
	BatchSize int             `mapstructure:"BatchSize" yaml:"BatchSize"`
	InfluxDB  *InfluxDBConfig `mapstructure:"Influxdb" yaml:"Influxdb,omitempty"`
}

type InfluxDBConfig struct {
	URL         string `mapstructure:"Url" yaml:"Url"`
	Token       string `mapstructure:"Token" yaml:"Token"`
	Org         string `mapstructure:"Org" yaml:"Org"`
	Bucket      string `mapstructure:"Bucket" yaml:"Bucket"`
	Measurement string `mapstructure:"Measurement" yaml:"Measurement"`
}

type SchedulerConfig struct {
	Reconcile           string        `mapstructure:"Reconcile" yaml:"Reconcile"`
	History             string        `mapstructure:"History" yaml:"History"`
	HistoryInitialDelay time.Duration `mapstructure:"HistoryInitialDelay" yaml:"HistoryInitialDelay"`
	DailyReport         string        `mapstructure:"DailyReport" yaml:"DailyReport"`
	Roster              string        `mapstructure:"Roster" yaml:"Roster"`
	TimeZone            string        `mapstructure:"TimeZone" yaml:"TimeZone"`
}

type HistoryConfig struct {
	FetchConcurrency int           `mapstructure:"FetchConcurrency" yaml:"FetchConcurrency"`
	DefaultMaxPoints int           `mapstructure:"DefaultMaxPoints" yaml:"DefaultMaxPoints"`
	CacheTTL         time.Duration `mapstructure:"CacheTTL" yaml:"CacheTTL"`
}

type ClusterConfig struct {
	StaleAfter time.Duration `mapstructure:"StaleAfter" yaml:"StaleAfter"`
}

type ApiConfig struct {
	Listen string `mapstructure:"Listen" yaml:"Listen"`
}

type LogConfig struct {
	Level string `mapstructure:"Level" yaml:"Level"`
	File  string `mapstructure:"File" yaml:"File"`
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("Upstream.TokenFile", DefaultTokenFile)
	v.SetDefault("Upstream.Timeout", 30*time.Second)
	v.SetDefault("Upstream.RetryAttempts", 5)
	v.SetDefault("Upstream.RetryInterval", time.Second)
	v.SetDefault("Upstream.TaskPageSize", 1000)
	v.SetDefault("Upstream.MaxTaskPages", 1)
	v.SetDefault("Upstream.DetailConcurrency", 8)
	v.SetDefault("Upstream.Endpoints.Login", "/sys/encryptLogin")
	v.SetDefault("Upstream.Endpoints.Overview", "/qos/compositeComputingResourceRelation")
	v.SetDefault("Upstream.Endpoints.NodeInventory", "/realtime-monitoring/deployment")
	v.SetDefault("Upstream.Endpoints.Tasks", "/task/pageList")
	v.SetDefault("Upstream.Endpoints.UserStatistics", "/sys/user/activeStatistics")
	v.SetDefault("Upstream.Endpoints.Users", "/sys/user/listAll")
	v.SetDefault("Upstream.Endpoints.CpuUsage", "/realtime-monitoring/cpuUsage")
	v.SetDefault("Upstream.Endpoints.MemoryUsage", "/realtime-monitoring/memoryUsage")
	v.SetDefault("Upstream.Endpoints.GpuUsage", "/monitoring/card/usageTrend")
	v.SetDefault("Upstream.Endpoints.CardMetrics", "/monitoring/card/metrics")

	v.SetDefault("Database.Type", "sqlite")
	v.SetDefault("Database.Path", "/var/lib/hpcmon/hpcmon.db")
	v.SetDefault("Database.BatchSize", 1000)

	v.SetDefault("Scheduler.Reconcile", "@every 20s")
	v.SetDefault("Scheduler.History", "@every 450s")
	v.SetDefault("Scheduler.HistoryInitialDelay", time.Second)
	v.SetDefault("Scheduler.DailyReport", "59 23 * * *")
	v.SetDefault("Scheduler.Roster", "@every 1h")
	v.SetDefault("Scheduler.TimeZone", "Local")

	v.SetDefault("History.FetchConcurrency", 20)
	v.SetDefault("History.DefaultMaxPoints", 2000)
	v.SetDefault("History.CacheTTL", 30*time.Second)

	v.SetDefault("Cluster.StaleAfter", 2*time.Minute)

	v.SetDefault("Api.Listen", "0.0.0.0:8089")

	v.SetDefault("Log.Level", "info")
}

// LoadConfig reads the YAML file at path. Keys can be overridden by
// HPCMON_* environment variables, e.g. HPCMON_UPSTREAM_PASSWORD.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("HPCMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("Upstream.BaseURL is required")
	}
	if cfg.Upstream.Username == "" {
		return fmt.Errorf("Upstream.Username is required")
	}
	if cfg.Upstream.RetryAttempts <= 0 {
		cfg.Upstream.RetryAttempts = 5
	}
	if cfg.Upstream.TaskPageSize <= 0 {
		cfg.Upstream.TaskPageSize = 1000
	}
	if cfg.Upstream.MaxTaskPages <= 0 {
		cfg.Upstream.MaxTaskPages = 1
	}
	if cfg.Upstream.DetailConcurrency <= 0 {
		cfg.Upstream.DetailConcurrency = 8
	}

	switch cfg.Database.Type {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("Database.Path is required when type is sqlite")
		}
	case "mysql", "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("Database.DSN is required when type is %s", cfg.Database.Type)
		}
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if cfg.Database.BatchSize <= 0 {
		cfg.Database.BatchSize = 1000
	}

	if influx := cfg.Database.InfluxDB; influx != nil {
		if influx.URL == "" || influx.Token == "" || influx.Org == "" || influx.Bucket == "" {
			return fmt.Errorf("incomplete influxdb configuration")
		}
		if influx.Measurement == "" {
			influx.Measurement = "node_usage"
		}
	}

	if cfg.History.FetchConcurrency <= 0 {
		cfg.History.FetchConcurrency = 20
	}
	if cfg.History.DefaultMaxPoints <= 0 {
		cfg.History.DefaultMaxPoints = 2000
	}

	if _, err := cfg.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid Scheduler.TimeZone %q: %w", cfg.Scheduler.TimeZone, err)
	}

	return nil
}

// Location resolves TimeZone, where an empty value or "Local" means the host zone.
func (s *SchedulerConfig) Location() (*time.Location, error) {
	if s.TimeZone == "" || s.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.TimeZone)
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..."
}

// RedactConfig returns a copy of cfg with credentials masked.
func RedactConfig(cfg *Config) *Config {
	out := *cfg
	out.Upstream.Password = maskSecret(cfg.Upstream.Password)
	out.Upstream.Signature = maskSecret(cfg.Upstream.Signature)
	out.Database.DSN = maskSecret(cfg.Database.DSN)
	if cfg.Database.InfluxDB != nil {
		influx := *cfg.Database.InfluxDB
		influx.Token = maskSecret(influx.Token)
		out.Database.InfluxDB = &influx
	}
	return &out
}

func PrintConfig(cfg *Config) {
	log.Infof("=== Current Configuration Start ===")

	log.Infof("Upstream Configuration:")
	log.Infof("  Base URL: %s", cfg.Upstream.BaseURL)
	log.Infof("  Username: %s", cfg.Upstream.Username)
	log.Infof("  Password: %s", maskSecret(cfg.Upstream.Password))
	log.Infof("  Token File: %s", cfg.Upstream.TokenFile)
	log.Infof("  Timeout: %v", cfg.Upstream.Timeout)
	log.Infof("  Retry: %d attempts, %v apart", cfg.Upstream.RetryAttempts, cfg.Upstream.RetryInterval)
	log.Infof("  Task Paging: %d per page, %d page(s)", cfg.Upstream.TaskPageSize, cfg.Upstream.MaxTaskPages)

	log.Infof("Database Configuration:")
	log.Infof("  Type: %s", cfg.Database.Type)
	switch cfg.Database.Type {
	case "sqlite":
		log.Infof("  Path: %s", cfg.Database.Path)
	default:
		log.Infof("  DSN: %s", maskSecret(cfg.Database.DSN))
	}
	log.Infof("  Batch Size: %d", cfg.Database.BatchSize)
	if cfg.Database.InfluxDB != nil {
		log.Infof("  InfluxDB Mirror:")
		log.Infof("    URL: %s", cfg.Database.InfluxDB.URL)
		log.Infof("    Organization: %s", cfg.Database.InfluxDB.Org)
		log.Infof("    Bucket: %s", cfg.Database.InfluxDB.Bucket)
		log.Infof("    Token: %s", maskSecret(cfg.Database.InfluxDB.Token))
	}

	log.Infof("Scheduler Configuration:")
	log.Infof("  Reconcile: %s", cfg.Scheduler.Reconcile)
	log.Infof("  History: %s (first run after %v)", cfg.Scheduler.History, cfg.Scheduler.HistoryInitialDelay)
	log.Infof("  Daily Report: %s", cfg.Scheduler.DailyReport)
	log.Infof("  Roster: %s", cfg.Scheduler.Roster)
	log.Infof("  Time Zone: %s", cfg.Scheduler.TimeZone)

	log.Infof("History Configuration:")
	log.Infof("  Fetch Concurrency: %d", cfg.History.FetchConcurrency)
	log.Infof("  Default Max Points: %d", cfg.History.DefaultMaxPoints)
	log.Infof("  Cache TTL: %v", cfg.History.CacheTTL)

	log.Infof("Cluster Stale After: %v", cfg.Cluster.StaleAfter)
	log.Infof("API Listen: %s", cfg.Api.Listen)

	log.Infof("=== Current Configuration End ===")
}

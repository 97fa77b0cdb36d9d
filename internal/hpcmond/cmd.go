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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"HpcMonitor/internal/util"
)

const shutdownTimeout = 30 * time.Second

var (
	FlagConfigFilePath string
	FlagDebugLevel     string
	FlagRunOnce        []string

	RootCmd = &cobra.Command{
		Use:     "hpcmond",
		Short:   "hpcmond collects HPC cluster state and serves it over HTTP",
		Args:    cobra.ExactArgs(0),
		Version: util.Version(),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Check proxy
			util.DetectNetworkProxy()

			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			util.PrintConfig(config)

			tokens, err := util.NewTokenStorage(config.Upstream.TokenFile)
			if err != nil {
				return util.NewExitError(util.ErrorGeneric, "failed to open token file: %v", err)
			}

			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			d, err := NewDaemon(ctx, config, tokens)
			if err != nil {
				return err
			}

			if len(FlagRunOnce) > 0 {
				return runOnce(d, FlagRunOnce)
			}

			d.Start(ctx)

			serveErr := make(chan error, 1)
			go func() { serveErr <- d.Serve() }()

			// Signal handling
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

			var result error
			select {
			case sig := <-sigs:
				switch sig {
				case syscall.SIGINT:
					log.Infof("Received SIGINT, exiting...")
				case syscall.SIGTERM:
					log.Infof("Received SIGTERM, exiting...")
				}
			case result = <-serveErr:
				log.Errorf("%v", result)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			d.Stop(shutdownCtx)
			return result
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := util.LoadConfig(FlagConfigFilePath)
			if err != nil {
				return util.NewExitError(util.ErrorCmdArg, "%v", err)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(util.RedactConfig(config))
		},
	}
)

func loadConfig(cmd *cobra.Command) (*util.Config, error) {
	config, err := util.LoadConfig(FlagConfigFilePath)
	if err != nil {
		util.InitLogger(FlagDebugLevel, "")
		return nil, util.NewExitError(util.ErrorCmdArg, "failed to load config: %v", err)
	}

	// Set log level
	if cmd.Flags().Changed("debug-level") {
		util.InitLogger(FlagDebugLevel, config.Log.File)
	} else {
		util.InitLogger(config.Log.Level, config.Log.File)
	}
	return config, nil
}

// runOnce executes the named jobs in order and exits, for cron-less hosts
// and for backfilling a missed daily report.
func runOnce(d *Daemon, jobs []string) error {
	defer d.close()
	for _, name := range jobs {
		log.Infof("Running job %s once", name)
		if err := d.RunJob(name); err != nil {
			return util.NewExitError(util.ErrorCmdArg, "%v", err)
		}
	}
	return nil
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C",
		util.DefaultConfigPath, "Path to configuration file")
	RootCmd.Flags().StringVarP(&FlagDebugLevel, "debug-level", "", "",
		"Available debug level (trace, debug, info, warn, error)")
	RootCmd.Flags().StringSliceVar(&FlagRunOnce, "once", nil,
		"Run the given jobs (reconcile, history, daily_report, roster) once and exit")
	RootCmd.AddCommand(configCmd)
}

func ParseCmdArgs() {
	util.RunAndHandleExit(RootCmd)
}

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

package cmon

import (
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"HpcMonitor/internal/util"
)

const defaultServer = "http://127.0.0.1:8089"

var (
	FlagServer   string
	FlagTimeout  time.Duration
	FlagJson     bool
	FlagNoHeader bool

	FlagPartitions   []string
	FlagStressedOnly bool
	FlagPartition    string
	FlagNodeName     string
	FlagNode         string
	FlagUser         string
	FlagHealth       = newEnumValue("healthy", "warning", "offline")
	FlagTaskStatus   = newEnumValue("running", "pending", "completed", "failed", "cancelled")
	FlagDays         int
	FlagMaxPoints    int
	FlagListDates    bool
	FlagDateLimit    int
	FlagUserStatus   string
	FlagRole         string

	RootCmd = &cobra.Command{
		Use:     "cmon",
		Short:   "Display HPC cluster state collected by hpcmond",
		Version: util.Version(),
		Args:    cobra.ExactArgs(0),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.DetectNetworkProxy()
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display freshness of the cluster snapshot",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := newClient().Get(cmd.Context(), "/status", nil)
			if err != nil {
				return err
			}
			if FlagJson {
				_, err = io.WriteString(cmd.OutOrStdout(), body.Get("@pretty").Raw)
				return err
			}
			renderStatus(cmd.OutOrStdout(), body)
			return nil
		},
	}

	partitionsCmd = &cobra.Command{
		Use:     "partitions",
		Aliases: []string{"partition", "p"},
		Short:   "Display partition utilization",
		Args:    cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"name": FlagPartitions}
			if FlagStressedOnly {
				q.Set("stressed", "true")
			}
			return query(cmd, "/partitions", q, renderPartitions)
		},
	}

	nodesCmd = &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node", "n"},
		Short:   "Display node health and utilization",
		Args:    cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "partition", FlagPartition)
			setIf(q, "health", FlagHealth.String())
			setIf(q, "name", FlagNodeName)
			return query(cmd, "/nodes", q, renderNodes)
		},
	}

	tasksCmd = &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task", "jobs", "t"},
		Short:   "Display tasks known to the scheduler",
		Args:    cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "status", FlagTaskStatus.String())
			setIf(q, "partition", FlagPartition)
			setIf(q, "node", FlagNode)
			setIf(q, "user", FlagUser)
			return query(cmd, "/tasks", q, renderTasks)
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history {cpu|mem|gpu} NODE",
		Short: "Display the usage history of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"days": {strconv.Itoa(FlagDays)}}
			if FlagMaxPoints > 0 {
				q.Set("max_points", strconv.Itoa(FlagMaxPoints))
			}
			path := "/history/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			return query(cmd, path, q, renderHistory)
		},
	}

	reportCmd = &cobra.Command{
		Use:     "report [DATE]",
		Aliases: []string{"reports"},
		Short:   "Display a daily report, today's by default",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if FlagListDates {
				return query(cmd, "/reports", url.Values{"limit": {strconv.Itoa(FlagDateLimit)}}, renderReportDates)
			}
			date := time.Now().Format("2006-01-02")
			if len(args) == 1 {
				date = args[0]
			}
			return query(cmd, "/reports/"+url.PathEscape(date), nil, renderReport)
		},
	}

	usersCmd = &cobra.Command{
		Use:     "users",
		Aliases: []string{"user", "u"},
		Short:   "Display the user roster",
		Args:    cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "username", FlagUser)
			setIf(q, "status", FlagUserStatus)
			setIf(q, "role", FlagRole)
			return query(cmd, "/users", q, renderUsers)
		},
	}

	treeCmd = &cobra.Command{
		Use:   "tree",
		Short: "Display partitions and their nodes as a tree",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			partitions, err := client.Get(cmd.Context(), "/partitions", nil)
			if err != nil {
				return err
			}
			nodes, err := client.Get(cmd.Context(), "/nodes", nil)
			if err != nil {
				return err
			}
			renderTree(cmd.OutOrStdout(), partitions.Get("results"), nodes.Get("results"))
			return nil
		},
	}
)

func newClient() *Client {
	return NewClient(FlagServer, FlagTimeout)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func query(cmd *cobra.Command, path string, q url.Values, render func(io.Writer, gjson.Result)) error {
	body, err := newClient().Get(cmd.Context(), path, q)
	if err != nil {
		return err
	}
	if FlagJson {
		renderJson(cmd.OutOrStdout(), body)
		return nil
	}
	render(cmd.OutOrStdout(), body.Get("results"))
	return nil
}

func ParseCmdArgs() {
	util.RunAndHandleExit(RootCmd)
}

func init() {
	server := os.Getenv("HPCMON_SERVER")
	if server == "" {
		server = defaultServer
	}

	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagServer, "server", "s", server,
		"Address of hpcmond, also read from HPCMON_SERVER")
	RootCmd.PersistentFlags().DurationVar(&FlagTimeout, "timeout", 10*time.Second,
		"Timeout of each request")
	RootCmd.PersistentFlags().BoolVar(&FlagJson, "json", false, "Output in JSON format")
	RootCmd.PersistentFlags().BoolVarP(&FlagNoHeader, "noheader", "N", false,
		"Do not print header line in the output")

	partitionsCmd.Flags().StringSliceVarP(&FlagPartitions, "partition", "p", nil,
		"Display the specified partitions only, comma separated")
	partitionsCmd.Flags().BoolVar(&FlagStressedOnly, "stressed", false,
		"Display partitions above 85% utilization only")

	nodesCmd.Flags().StringVarP(&FlagPartition, "partition", "p", "", "Display nodes of the partition only")
	nodesCmd.Flags().VarP(FlagHealth, "health", "t", "Display nodes with the health only (healthy, warning, offline)")
	nodesCmd.Flags().StringVarP(&FlagNodeName, "name", "n", "", "Display nodes whose name contains the string")

	tasksCmd.Flags().VarP(FlagTaskStatus, "status", "t",
		"Display tasks with the status only (running, pending, completed, failed, cancelled)")
	tasksCmd.Flags().StringVarP(&FlagPartition, "partition", "p", "", "Display tasks of the partition only")
	tasksCmd.Flags().StringVarP(&FlagNode, "node", "w", "", "Display tasks running on the node only")
	tasksCmd.Flags().StringVarP(&FlagUser, "user", "u", "", "Display tasks of the user only")

	historyCmd.Flags().IntVarP(&FlagDays, "days", "d", 30, "Number of days to look back")
	historyCmd.Flags().IntVarP(&FlagMaxPoints, "max-points", "m", 0, "Maximum number of points, server default if 0")

	reportCmd.Flags().BoolVarP(&FlagListDates, "list", "l", false, "List the dates with a report")
	reportCmd.Flags().IntVar(&FlagDateLimit, "limit", 180, "Maximum number of dates to list")

	usersCmd.Flags().StringVarP(&FlagUser, "username", "u", "", "Display users whose name contains the string")
	usersCmd.Flags().StringVar(&FlagUserStatus, "status", "", "Display users with the status only")
	usersCmd.Flags().StringVar(&FlagRole, "role", "", "Display users with the role only")

	RootCmd.AddCommand(statusCmd, partitionsCmd, nodesCmd, tasksCmd, historyCmd, reportCmd, usersCmd, treeCmd)
}

package cmon

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xlab/treeprint"

	"HpcMonitor/internal/util"
)

const timeLayout = "2006-01-02 15:04:05"

func percent(v gjson.Result) string {
	return strconv.FormatInt(v.Int(), 10) + "%"
}

func formatTime(v gjson.Result) string {
	t := v.Time()
	if t.IsZero() || t.Year() <= 1 {
		return "-"
	}
	return t.In(time.Local).Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderJson(w io.Writer, body gjson.Result) {
	fmt.Fprintln(w, body.Get("results|@pretty").Raw)
}

func renderStatus(w io.Writer, body gjson.Result) {
	rows := [][]string{
		{"Ready", strconv.FormatBool(body.Get("ready").Bool())},
		{"Generation", body.Get("seq").String()},
		{"Built At", formatTime(body.Get("built_at"))},
		{"Age", orDash(body.Get("age").String())},
		{"Stale", strconv.FormatBool(body.Get("stale").Bool())},
		{"Failures", body.Get("consecutive_failures").String()},
		{"Last Error", orDash(body.Get("last_error").String())},
		{"Partitions", body.Get("partitions").String()},
		{"Nodes", body.Get("nodes").String()},
		{"Tasks", body.Get("tasks").String()},
		{"Users", fmt.Sprintf("%d/%d online", body.Get("users.online").Int(), body.Get("users.total").Int())},
	}
	util.RenderTable(w, nil, rows, false, true, 1)
}

func renderPartitions(w io.Writer, results gjson.Result) {
	header := []string{"Partition", "CPU", "Mem", "GPU", "Nodes", "Running", "Pending", "Stressed"}
	var rows [][]string
	for _, p := range results.Array() {
		rows = append(rows, []string{
			p.Get("display_name").String(),
			percent(p.Get("cpu_percent")),
			percent(p.Get("mem_percent")),
			percent(p.Get("gpu_percent")),
			fmt.Sprintf("%d/%d", p.Get("active_nodes").Int(), len(p.Get("nodes").Array())),
			p.Get("running_tasks").String(),
			p.Get("pending_tasks").String(),
			strconv.FormatBool(p.Get("stressed").Bool()),
		})
	}
	util.RenderTable(w, header, rows, false, FlagNoHeader)
}

func renderNodes(w io.Writer, results gjson.Result) {
	header := []string{"Node", "Partition", "Health", "State", "CPU", "Mem", "GPU", "Mem Total", "Tasks", "IP"}
	var rows [][]string
	for _, n := range results.Array() {
		rows = append(rows, []string{
			n.Get("name").String(),
			n.Get("partition").String(),
			n.Get("health").String(),
			orDash(n.Get("slurm_state").String()),
			percent(n.Get("cpu_percent")),
			percent(n.Get("mem_percent")),
			percent(n.Get("gpu_percent")),
			util.FormatBytes(n.Get("mem_total").Uint()),
			n.Get("task_count").String(),
			orDash(n.Get("ip").String()),
		})
	}
	util.RenderTable(w, header, rows, false, FlagNoHeader)
}

func renderTasks(w io.Writer, results gjson.Result) {
	header := []string{"JobId", "Name", "User", "Partition", "Status", "Nodes", "Resource", "Submit Time", "Wait"}
	var rows [][]string
	for _, t := range results.Array() {
		rows = append(rows, []string{
			t.Get("id").String(),
			orDash(t.Get("name").String()),
			t.Get("user").String(),
			t.Get("partition").String(),
			t.Get("status").String(),
			orDash(t.Get("node").String()),
			t.Get("resource").String(),
			formatTime(t.Get("submit_time")),
			t.Get("wait_time").String(),
		})
	}
	util.RenderTable(w, header, rows, false, FlagNoHeader, 5, 6)
}

func renderHistory(w io.Writer, results gjson.Result) {
	header := []string{"Time", "Value"}
	var rows [][]string
	for _, s := range results.Array() {
		rows = append(rows, []string{
			time.Unix(s.Get("timestamp").Int(), 0).In(time.Local).Format(timeLayout),
			strconv.FormatFloat(s.Get("value").Float(), 'f', 2, 64),
		})
	}
	util.RenderTable(w, header, rows, false, FlagNoHeader)
}

func renderReportDates(w io.Writer, results gjson.Result) {
	var rows [][]string
	for _, d := range results.Array() {
		rows = append(rows, []string{d.String()})
	}
	util.RenderTable(w, []string{"Date"}, rows, false, FlagNoHeader)
}

func renderReport(w io.Writer, results gjson.Result) {
	r := results.Get("0")
	fmt.Fprintf(w, "Daily report of %s\n", r.Get("date").String())
	fmt.Fprintf(w, "Users: %d total, %d online\n\n", r.Get("total_users").Int(), r.Get("online_users").Int())

	var rows [][]string
	for _, p := range r.Get("partition_info").Array() {
		rows = append(rows, []string{
			p.Get("partition").String(),
			p.Get("total_jobs").String(),
			p.Get("queued_jobs").String(),
			p.Get("cpu_alloc").String(),
			p.Get("gpu_alloc").String(),
			p.Get("mem_alloc").String(),
			p.Get("nodes_status").String(),
		})
	}
	util.RenderTable(w, []string{"Partition", "Jobs", "Queued", "CPU", "GPU", "Mem", "Nodes"}, rows, true, false)

	rows = nil
	for _, n := range r.Get("exception_nodes").Array() {
		rows = append(rows, []string{
			n.Get("node_id").String(),
			n.Get("partition").String(),
			n.Get("status").String(),
			n.Get("reason").String(),
		})
	}
	fmt.Fprintf(w, "\nException nodes: %d\n", len(rows))
	if len(rows) > 0 {
		util.RenderTable(w, []string{"Node", "Partition", "Status", "Reason"}, rows, true, false, 3)
	}

	rows = nil
	for _, j := range r.Get("queuing_jobs").Array() {
		rows = append(rows, []string{
			j.Get("job_id").String(),
			j.Get("user").String(),
			j.Get("partition").String(),
			j.Get("submit_time").String(),
			j.Get("wait_time").String(),
			j.Get("resource").String(),
		})
	}
	fmt.Fprintf(w, "\nQueuing jobs: %d\n", len(rows))
	if len(rows) > 0 {
		util.RenderTable(w, []string{"JobId", "User", "Partition", "Submit Time", "Wait", "Resource"}, rows, true, false, 5)
	}
}

func renderUsers(w io.Writer, results gjson.Result) {
	header := []string{"Id", "Username", "Realname", "Role", "Status", "Registered"}
	var rows [][]string
	for _, u := range results.Array() {
		rows = append(rows, []string{
			u.Get("hpc_id").String(),
			u.Get("username").String(),
			orDash(u.Get("realname").String()),
			orDash(u.Get("role_name").String()),
			orDash(u.Get("status").String()),
			orDash(u.Get("register_time").String()),
		})
	}
	util.RenderTable(w, header, rows, false, FlagNoHeader)
}

// renderTree prints partitions with their nodes as leaves.
func renderTree(w io.Writer, partitions, nodes gjson.Result) {
	byPartition := make(map[string][]gjson.Result)
	for _, n := range nodes.Array() {
		name := n.Get("partition").String()
		byPartition[name] = append(byPartition[name], n)
	}

	tree := treeprint.NewWithRoot("Cluster")
	for _, p := range partitions.Array() {
		branch := tree.AddMetaBranch(
			fmt.Sprintf("cpu %s mem %s gpu %s", percent(p.Get("cpu_percent")), percent(p.Get("mem_percent")), percent(p.Get("gpu_percent"))),
			p.Get("display_name").String(),
		)
		for _, n := range byPartition[p.Get("name").String()] {
			branch.AddMetaNode(n.Get("health").String(),
				fmt.Sprintf("%s  %d task(s)", n.Get("name").String(), n.Get("task_count").Int()))
		}
	}
	fmt.Fprint(w, tree.String())
}

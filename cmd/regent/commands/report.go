package commands

import (
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// renderReport writes the workload outcome as a table with a colored
// verdict line.
func renderReport(w io.Writer, result Result) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false

	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRows([]table.Row{
		{"Rebalancing", enabledLabel(result.Balanced)},
		{"Iterations", strconv.Itoa(result.Iterations)},
		{"Collection cycles", strconv.FormatUint(result.Cycles, 10)},
		{"Heap capacity", humanize.IBytes(result.Capacity)},
		{"Reclaimed garbage", humanize.IBytes(result.Reclaimed)},
		{"Cached small pages", strconv.FormatUint(result.CacheSmall, 10)},
		{"Cached medium pages", strconv.FormatUint(result.CacheMedium, 10)},
		{"Cached bytes", humanize.IBytes(result.CacheBytes)},
		{"Allocation stalls", strconv.FormatUint(result.Stalls, 10)},
		{"Page cache flushes", strconv.FormatUint(result.Flushes, 10)},
		{"Stall retries", strconv.Itoa(result.StallRetries)},
	})
	tbl.Render()

	if result.Passed() {
		color.New(color.FgGreen).Fprintln(w, "PASS: no allocation stalls, no page cache flushes")

		return
	}

	color.New(color.FgRed).Fprintf(w, "FAIL: %d allocation stalls, %d page cache flushes\n",
		result.Stalls, result.Flushes)
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}

	return "disabled"
}

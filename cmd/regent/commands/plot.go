package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const plotFileMode = 0o644

// writePlot renders the cache composition timeline as an interactive HTML
// line chart.
func writePlot(path string, result Result) error {
	chart := buildCacheChart(result)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, plotFileMode)
	if err != nil {
		return fmt.Errorf("create plot file: %w", err)
	}
	defer f.Close()

	if err := chart.Render(f); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}

	return nil
}

// buildCacheChart creates the line chart from the sampled timeline.
func buildCacheChart(result Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Page Cache Composition",
			Subtitle: "Cached page counts per class over the workload",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "pages"}),
	)

	xLabels := make([]string, len(result.Samples))
	smallSeries := make([]opts.LineData, len(result.Samples))
	mediumSeries := make([]opts.LineData, len(result.Samples))

	for i, s := range result.Samples {
		xLabels[i] = strconv.Itoa(s.Iteration)
		smallSeries[i] = opts.LineData{Value: s.CacheSmall}
		mediumSeries[i] = opts.LineData{Value: s.CacheMedium}
	}

	line.SetXAxis(xLabels).
		AddSeries("small", smallSeries).
		AddSeries("medium", mediumSeries)

	return line
}

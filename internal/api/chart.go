package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/controlloop"
)

// parseComponents reads ?components=0,5,12 into vector indices.
func parseComponents(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || i < 0 || i >= control.Width {
			return nil, fmt.Errorf("component %q out of range [0,%d)", part, control.Width)
		}
		out = append(out, i)
	}
	return out, nil
}

// controlChart renders recent ticks as an HTML line chart: command and
// applied norms, plus any requested vector components.
func (s *Server) controlChart(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 300)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	components, err := parseComponents(r.URL.Query().Get("components"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history := s.loop.History(limit)
	line := buildControlChart(history, components)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func buildControlChart(history []controlloop.TickResult, components []int) *charts.Line {
	x := make([]string, 0, len(history))
	cmdNorm := make([]opts.LineData, 0, len(history))
	appliedNorm := make([]opts.LineData, 0, len(history))
	fallbacks := make([]opts.LineData, 0, len(history))
	series := make([][]opts.LineData, len(components))

	for _, t := range history {
		x = append(x, strconv.FormatUint(t.Seq, 10))
		cmdNorm = append(cmdNorm, opts.LineData{Value: t.Command.Norm()})
		appliedNorm = append(appliedNorm, opts.LineData{Value: t.Applied.Norm()})
		fb := 0
		if t.Fallback {
			fb = 1
		}
		fallbacks = append(fallbacks, opts.LineData{Value: fb})
		for i, c := range components {
			series[i] = append(series[i], opts.LineData{Value: t.Command[c]})
		}
	}

	subtitle := "no ticks yet"
	if n := len(history); n > 0 {
		subtitle = fmt.Sprintf("seq %d..%d", history[0].Seq, history[n-1].Seq)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Control vectors", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Control vectors", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "seq", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("|command|", cmdNorm).
		AddSeries("|applied|", appliedNorm).
		AddSeries("fallback", fallbacks)
	for i, c := range components {
		line.AddSeries(fmt.Sprintf("u[%d]", c), series[i])
	}
	return line
}

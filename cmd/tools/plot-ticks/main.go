// Command plot-ticks renders the control history of a recorded run to a
// PNG: command and applied norms, fallback ticks, and selected vector
// components.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/db"
)

var (
	dbPath     = flag.String("db", "ctrlbridge.db", "Tick recorder database")
	runID      = flag.String("run", "", "Run to plot (default: latest)")
	limit      = flag.Int("limit", 1000, "Number of most recent ticks to plot")
	components = flag.String("components", "0,12,24", "Comma-separated vector indices to plot")
	out        = flag.String("out", "ticks.png", "Output PNG path")
)

var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	color.RGBA{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
}

func parseComponents(raw string) ([]int, error) {
	var idx []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 || i >= control.Width {
			return nil, fmt.Errorf("component %q out of range [0,%d)", part, control.Width)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	l.Width = vg.Points(1)
	l.Color = c
	p.Add(l)
	p.Legend.Add(name, l)
	return nil
}

// buildPlots returns the norm plot and the component plot for ticks.
func buildPlots(ticks []db.TickRecord, idx []int) (*plot.Plot, *plot.Plot, error) {
	if len(ticks) == 0 {
		return nil, nil, errors.New("no ticks to plot")
	}
	norms := plot.New()
	norms.Title.Text = fmt.Sprintf("Run %s: control norms", ticks[0].RunID)
	norms.X.Label.Text = "Tick"
	norms.Y.Label.Text = "|u|"

	cmd := make(plotter.XYs, 0, len(ticks))
	applied := make(plotter.XYs, 0, len(ticks))
	var fallback plotter.XYs
	series := make([]plotter.XYs, len(idx))
	for _, t := range ticks {
		x := float64(t.Seq)
		cmd = append(cmd, plotter.XY{X: x, Y: t.Command.Norm()})
		applied = append(applied, plotter.XY{X: x, Y: t.Applied.Norm()})
		if t.Fallback {
			fallback = append(fallback, plotter.XY{X: x, Y: t.Applied.Norm()})
		}
		for i, c := range idx {
			series[i] = append(series[i], plotter.XY{X: x, Y: float64(t.Command[c])})
		}
	}
	if err := addLine(norms, "command", cmd, palette[0]); err != nil {
		return nil, nil, err
	}
	if err := addLine(norms, "applied", applied, palette[1]); err != nil {
		return nil, nil, err
	}
	if len(fallback) > 0 {
		sc, err := plotter.NewScatter(fallback)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback: %w", err)
		}
		sc.Color = palette[3]
		norms.Add(sc)
		norms.Legend.Add("fallback", sc)
	}

	comps := plot.New()
	comps.Title.Text = "Command components"
	comps.X.Label.Text = "Tick"
	comps.Y.Label.Text = "u[i]"
	for i, c := range idx {
		if err := addLine(comps, fmt.Sprintf("u[%d]", c), series[i], palette[i%len(palette)]); err != nil {
			return nil, nil, err
		}
	}
	return norms, comps, nil
}

func main() {
	flag.Parse()

	idx, err := parseComponents(*components)
	if err != nil {
		log.Fatal(err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbPath, err)
	}
	defer database.Close()

	id := *runID
	if id == "" {
		run, err := database.LatestRun()
		if err != nil {
			log.Fatalf("failed to find latest run: %v", err)
		}
		id = run.RunID
	}
	ticks, err := database.RecentTicks(id, *limit)
	if err != nil {
		log.Fatalf("failed to load ticks: %v", err)
	}

	norms, comps, err := buildPlots(ticks, idx)
	if err != nil {
		log.Fatal(err)
	}
	if err := norms.Save(14*vg.Inch, 6*vg.Inch, *out); err != nil {
		log.Fatalf("failed to save %s: %v", *out, err)
	}
	compOut := strings.TrimSuffix(*out, ".png") + "_components.png"
	if err := comps.Save(14*vg.Inch, 6*vg.Inch, compOut); err != nil {
		log.Fatalf("failed to save %s: %v", compOut, err)
	}
	log.Printf("plotted %d ticks of run %s to %s and %s", len(ticks), id, *out, compOut)
	if len(ticks) == *limit {
		fmt.Fprintf(os.Stderr, "note: only the most recent %d ticks were plotted\n", *limit)
	}
}

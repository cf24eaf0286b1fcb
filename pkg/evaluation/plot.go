package evaluation

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const histogramBins = 10

// PlotConfidenceHistogram writes a histogram of prediction confidences,
// split into correct and wrong predictions, to file. The image format
// follows the file extension.
func PlotConfidenceHistogram(results []IntentResult, file string) error {
	var hits, misses plotter.Values
	for _, r := range results {
		if r.Target == "" {
			continue
		}
		if r.Target == r.Prediction {
			hits = append(hits, r.Confidence)
		} else {
			misses = append(misses, r.Confidence)
		}
	}
	if len(hits)+len(misses) == 0 {
		return errors.New("no labeled predictions to plot")
	}

	p := plot.New()
	p.Title.Text = "Intent Prediction Confidence Distribution"
	p.X.Label.Text = "Confidence"
	p.Y.Label.Text = "Number of Samples"
	p.X.Min, p.X.Max = 0, 1

	for _, series := range []struct {
		name   string
		values plotter.Values
		fill   color.Color
	}{
		{"hits", hits, color.RGBA{R: 0x00, G: 0x99, B: 0x44, A: 0xaa}},
		{"misses", misses, color.RGBA{R: 0xcc, G: 0x22, B: 0x22, A: 0xaa}},
	} {
		if len(series.values) == 0 {
			continue
		}
		h, err := plotter.NewHist(series.values, histogramBins)
		if err != nil {
			return fmt.Errorf("failed to build %s histogram: %w", series.name, err)
		}
		h.FillColor = series.fill
		p.Add(h)
		p.Legend.Add(series.name, h)
	}

	if err := p.Save(8*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}

// confusionGrid adapts a Confusion to plotter.GridXYZ. Row 0 is drawn at
// the top.
type confusionGrid struct {
	c Confusion
}

func (g confusionGrid) Dims() (int, int) { return len(g.c.Labels), len(g.c.Labels) }

func (g confusionGrid) Z(col, row int) float64 {
	n := len(g.c.Labels)
	return float64(g.c.Matrix[n-1-row][col])
}

func (g confusionGrid) X(col int) float64 { return float64(col) }

func (g confusionGrid) Y(row int) float64 { return float64(row) }

// PlotConfusionMatrix writes a heat map of c to file.
func PlotConfusionMatrix(c Confusion, title, file string) error {
	n := len(c.Labels)
	if n == 0 {
		return errors.New("empty confusion matrix")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Predicted label"
	p.Y.Label.Text = "True label"

	heat := plotter.NewHeatMap(confusionGrid{c: c}, palette.Heat(12, 1))
	p.Add(heat)

	xTicks := make([]plot.Tick, n)
	yTicks := make([]plot.Tick, n)
	for i, label := range c.Labels {
		xTicks[i] = plot.Tick{Value: float64(i), Label: label}
		yTicks[i] = plot.Tick{Value: float64(n - 1 - i), Label: label}
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)

	size := vg.Length(max(6, n)) * vg.Inch
	if err := p.Save(size, size, file); err != nil {
		return fmt.Errorf("failed to save confusion matrix: %w", err)
	}
	return nil
}

// Package report plots per-frame insertion results of a reconstruction.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"usrecon/pkg/reconstruction"
)

var (
	insertedColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	discardedColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	skippedColor   = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// Series converts frame records into plot points: inserted and discarded
// pixel counts per frame, and a marker at y = 0 for every skipped frame.
func Series(records []reconstruction.FrameRecord) (inserted, discarded, skipped plotter.XYs) {
	for _, rec := range records {
		x := float64(rec.Index)
		if rec.Err != nil {
			skipped = append(skipped, plotter.XY{X: x, Y: 0})
			continue
		}
		inserted = append(inserted, plotter.XY{X: x, Y: float64(rec.Inserted)})
		discarded = append(discarded, plotter.XY{X: x, Y: float64(rec.Discarded)})
	}
	return inserted, discarded, skipped
}

// WriteInsertionPlot renders the per-frame pixel counts to an image file;
// the format follows the file extension (png, svg, pdf, ...).
func WriteInsertionPlot(path, title string, records []reconstruction.FrameRecord) error {
	if len(records) == 0 {
		return errors.New("no frame records to plot")
	}
	inserted, discarded, skipped := Series(records)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Pixels"
	p.Add(plotter.NewGrid())

	if len(inserted) > 0 {
		line, err := plotter.NewLine(inserted)
		if err != nil {
			return fmt.Errorf("inserted series: %w", err)
		}
		line.Color = insertedColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("inserted", line)

		dline, err := plotter.NewLine(discarded)
		if err != nil {
			return fmt.Errorf("discarded series: %w", err)
		}
		dline.Color = discardedColor
		dline.Width = vg.Points(1)
		p.Add(dline)
		p.Legend.Add("discarded", dline)
	}

	if len(skipped) > 0 {
		marks, err := plotter.NewScatter(skipped)
		if err != nil {
			return fmt.Errorf("skipped series: %w", err)
		}
		marks.Color = skippedColor
		p.Add(marks)
		p.Legend.Add("skipped", marks)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("saving insertion plot: %w", err)
	}
	return nil
}

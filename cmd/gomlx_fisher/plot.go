// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// plotHistogram saves a histogram of log10 of the positive Fisher values to filePath.
// The image format is taken from the file extension.
func plotHistogram(fim *fisher.Matrix, filePath string, numBins int) error {
	var values plotter.Values
	for _, v := range fim.Values() {
		if v > 0 {
			values = append(values, math.Log10(v))
		}
	}
	if len(values) == 0 {
		return errors.New("plot: no positive Fisher values to plot")
	}

	p := plot.New()
	p.Title.Text = "Fisher information diagonal"
	p.X.Label.Text = "log10(F)"
	p.Y.Label.Text = "# elements"
	hist, err := plotter.NewHist(values, numBins)
	if err != nil {
		return errors.Wrapf(err, "plot: creating histogram")
	}
	p.Add(hist)
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "plot: saving to %q", filePath)
	}
	return nil
}

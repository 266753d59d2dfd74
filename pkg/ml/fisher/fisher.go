// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fisher estimates the diagonal of the Fisher Information Matrix of a model over a dataset.
//
// The model is given as a pipeline.Pipeline. The estimation runs the dataset through an
// instrumented copy of the pipeline, one item per execution and with gradient tracking: after each
// forward computation an Estimator computes the curvature of the sample from the logits, and an
// Accumulator sums it. The result is the mean curvature, a Matrix following the Structure of the
// model's trainable parameters.
//
// Example:
//
//	p := pipeline.New(backend, ctx, mlp.New(numClasses).Forward)
//	fim, err := fisher.Build(p, curvature.PredictedLabel()).ProgressBar(true).Run(ds)
//
// The estimate is typically used to weight parameters by importance, e.g. for model merging,
// pruning or elastic weight consolidation. See Matrix.SaveToContext.
package fisher

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Config of one estimation, created with Build. Call Run to estimate.
type Config struct {
	pipeline     *pipeline.Pipeline
	estimator    Estimator
	dtype        dtypes.DType
	progressBar  bool
	expectedSize int
	name         string
}

// Build the configuration to estimate the Fisher diagonal of the model in pipeline p, with the
// given Estimator. Set options with the methods of Config and call Config.Run.
func Build(p *pipeline.Pipeline, estimator Estimator) *Config {
	return &Config{
		pipeline:     p,
		estimator:    estimator,
		dtype:        dtypes.Float32,
		expectedSize: -1,
		name:         "fisher",
	}
}

// DType of the accumulator variables. Default is Float32.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// ProgressBar enables a progress bar while going over the dataset. Default is false.
func (c *Config) ProgressBar(enabled bool) *Config {
	c.progressBar = enabled
	return c
}

// ExpectedSize is the number of items in the dataset, if known. It's only used by the progress bar.
func (c *Config) ExpectedSize(n int) *Config {
	c.expectedSize = n
	return c
}

// Name used in logs, errors and the progress bar. Default is "fisher".
func (c *Config) Name(name string) *Config {
	c.name = name
	return c
}

// Compute the Fisher diagonal with the default configuration. See Build for options.
func Compute(p *pipeline.Pipeline, ds train.Dataset, estimator Estimator) (*Matrix, error) {
	return Build(p, estimator).Run(ds)
}

// Run the estimation over ds, which is read until the end (io.EOF) from its current position.
//
// Each dataset item is processed in its own execution (batch size 1), so the Estimator sees the
// curvature of one sample at a time.
//
// It returns an error wrapping ErrDivisionByZero if ds yields no items. If the Estimator or the
// model fail for any item, the estimation is aborted and the error is returned: the exact error the
// Estimator panicked with, or the pipeline's error otherwise.
//
// The variables of the pipeline's context are not changed: the estimation runs over a clone of the
// context, freed before returning.
func (c *Config) Run(ds train.Dataset) (*Matrix, error) {
	if c.pipeline == nil || c.estimator == nil {
		return nil, errors.Errorf("%s: pipeline and estimator must be given", c.name)
	}
	if !c.dtype.IsFloat() {
		return nil, errors.Errorf("%s: accumulator dtype must be a float, got %s", c.name, c.dtype)
	}
	structure, err := NewStructure(c.pipeline.Context())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", c.name)
	}
	runCtx, err := c.pipeline.Context().Clone()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: cloning the model context", c.name)
	}
	defer runCtx.Finalize()

	acc, err := NewAccumulator(runCtx, structure, c.dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", c.name)
	}
	r := &run{config: c, ctx: runCtx, structure: structure, acc: acc}
	instrumented := c.pipeline.With(
		pipeline.WithName(fmt.Sprintf("%s[%s]", c.pipeline.Name(), c.name)),
		pipeline.WithContext(runCtx),
		pipeline.WithMode(pipeline.GradientTracked),
		pipeline.WithForward(c.pipeline.Forward().Intercept(r.onOutputs)),
	)
	klog.V(1).Infof("%s: estimating over dataset %q with %s, %d parameters (%s elements)",
		c.name, ds.Name(), instrumented, structure.Len(), humanize.Comma(int64(structure.Size())))

	start := time.Now()
	bar := c.newProgressBar()
	var numItems int
	for prediction, err := range instrumented.Predict(ds, 1) {
		if err != nil {
			if r.failure != nil {
				err = r.failure
			}
			klog.V(1).Infof("%s: aborted after %d items: %v", c.name, numItems, err)
			return nil, err
		}
		prediction.FinalizeAll()
		numItems++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	result, err := acc.Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: dataset %q", c.name, ds.Name())
	}
	if klog.V(1).Enabled() {
		elapsed := time.Since(start)
		stats := result.Stats()
		klog.Infof("%s: %s samples in %s (%s/sample): mean=%.4g max=%.4g sparsity=%.1f%%",
			c.name, humanize.Comma(int64(numItems)), elapsed, elapsed/time.Duration(numItems),
			stats.Mean, stats.Max, 100*stats.Sparsity)
	}
	return result, nil
}

func (c *Config) newProgressBar() *progressbar.ProgressBar {
	if !c.progressBar {
		return nil
	}
	return progressbar.NewOptions(c.expectedSize,
		progressbar.OptionSetDescription(c.name),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("samples"),
		progressbar.OptionThrottle(200*time.Millisecond),
	)
}

// run holds the state of one Config.Run.
type run struct {
	config    *Config
	ctx       *context.Context
	structure *Structure
	acc       *Accumulator

	// failure is the error the Estimator panicked with.
	failure error
}

// onOutputs is called with the outputs of the forward function, while the graph of the
// instrumented pipeline is built.
func (r *run) onOutputs(outputs *pipeline.Outputs) {
	if outputs == nil || outputs.Logits == nil {
		// The pipeline fails with a proper error.
		return
	}
	logits := outputs.Logits
	g := logits.Graph()
	model, err := NewModel(r.ctx, g, r.structure)
	if err != nil {
		panic(errors.WithMessagef(err, "%s", r.config.name))
	}
	klog.V(2).Infof("%s: graph #%d: estimating curvature for logits shaped %s", r.config.name, g.GraphId(), logits.Shape())
	var curvature []*graph.Node
	if err := pipeline.TryCatch(func() { curvature = r.config.estimator.Estimate(model, logits) }); err != nil {
		r.failure = err
		panic(err)
	}
	r.acc.Fold(curvature)
	outputs.Logits = graph.StopGradient(logits)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package curvature

import (
	"testing"

	"github.com/gomlx/fisher/internal/fishertest"
	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLinearPipeline returns a pipeline with logits = x·W, with W initialized to zeros, so the
// predicted probabilities are uniform.
func newLinearPipeline(numClasses int) *pipeline.Pipeline {
	ctx := context.New()
	zeros := make([][]float32, 2)
	for ii := range zeros {
		zeros[ii] = make([]float32, numClasses)
	}
	ctx.In("linear").VariableWithValue("w", zeros)
	forward := func(call *pipeline.Call) *pipeline.Outputs {
		x := call.Inputs[0]
		w := call.Ctx.In("linear").Checked(false).VariableWithValue("w", zeros).ValueGraph(x.Graph())
		return &pipeline.Outputs{Logits: graph.MatMul(x, w)}
	}
	return pipeline.New(fishertest.BuildTestBackend(), ctx, forward)
}

// With W = 0 and 2 classes, p = [0.5, 0.5] and the gradient of log p_c w.r.t. W[i, j] is
// x_i * (δ_jc - 0.5), whose square is x_i² / 4 for any class c. So both estimators agree.
func TestEstimators(t *testing.T) {
	for name, estimator := range map[string]fisher.Estimator{
		"PredictedLabel": PredictedLabel(),
		"Expected":       Expected(10),
	} {
		t.Run(name, func(t *testing.T) {
			p := newLinearPipeline(2)
			ds := fishertest.NewSliceDataset("one", []float32{1, 2})
			fim, err := fisher.Compute(p, ds, estimator)
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float64{0.25, 0.25, 1, 1}, fim.Values(), 1e-6)
		})
	}
}

func TestEstimatorsNonNegative(t *testing.T) {
	for name, estimator := range map[string]fisher.Estimator{
		"PredictedLabel": PredictedLabel(),
		"Expected":       Expected(10),
	} {
		t.Run(name, func(t *testing.T) {
			p := newLinearPipeline(3)
			w := p.Context().GetVariableByScopeAndName("/linear", "w")
			require.NotNil(t, w)
			ds := fishertest.NewSliceDataset("two", []float32{1, -2}, []float32{0.5, 3})
			fim, err := fisher.Compute(p, ds, estimator)
			require.NoError(t, err)
			stats := fim.Stats()
			assert.GreaterOrEqual(t, stats.Min, 0.0)
			assert.Greater(t, stats.Max, 0.0)
		})
	}
}

func TestExpectedLimits(t *testing.T) {
	ds := fishertest.NewSliceDataset("one", []float32{1, 2})
	_, err := fisher.Compute(newLinearPipeline(3), ds, Expected(2))
	require.ErrorContains(t, err, "more than the maximum")

	// Two predictions per item.
	p := newLinearPipeline(2)
	ds = fishertest.NewSliceDataset("sequence", [][]float32{{1, 2}, {3, 4}})
	p = p.With(pipeline.WithForward(func(call *pipeline.Call) *pipeline.Outputs {
		x := call.Inputs[0] // [1, 2, 2]
		w := call.Ctx.In("linear").Checked(false).VariableWithValue("w", [][]float32{{0, 0}, {0, 0}}).ValueGraph(x.Graph())
		return &pipeline.Outputs{Logits: graph.Einsum("bsi,ij->bsj", x, w)}
	}))
	_, err = fisher.Compute(p, ds, Expected(2))
	require.ErrorContains(t, err, "single prediction")

	// PredictedLabel sums over all predictions.
	ds.Reset()
	fim, err := fisher.Compute(p, ds, PredictedLabel())
	require.NoError(t, err)
	assert.Equal(t, 4, fim.Len())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mlp

import (
	"testing"

	"github.com/gomlx/fisher/internal/fishertest"
	"github.com/gomlx/fisher/pkg/ml/datasets/tabular"
	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/gomlx/fisher/pkg/ml/fisher/curvature"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	backend := fishertest.BuildTestBackend()
	ctx := context.New()
	model := New(3).HiddenLayers(1, 4).Activation(activations.TypeTanh)
	require.NoError(t, model.Initialize(backend, ctx, 2))

	structure, err := fisher.NewStructure(ctx)
	require.NoError(t, err)
	var names []string
	for _, p := range structure.Params() {
		names = append(names, p.ScopeAndName())
	}
	assert.Equal(t, []string{
		"/mlp/fnn_hidden_layer_0/biases",
		"/mlp/fnn_hidden_layer_0/weights",
		"/mlp/fnn_output_layer/biases",
		"/mlp/fnn_output_layer/weights",
	}, names)
	assert.Equal(t, 4+2*4+3+4*3, structure.Size())

	// Initializing again keeps the variables.
	w := ctx.GetVariableByScopeAndName("/mlp/fnn_output_layer", "weights")
	before := must.M1(w.Value()).Value()
	require.NoError(t, model.Initialize(backend, ctx, 2))
	assert.Equal(t, before, must.M1(w.Value()).Value())
}

func TestForward(t *testing.T) {
	backend := fishertest.BuildTestBackend()
	ctx := context.New()
	model := New(3)
	p := pipeline.New(backend, ctx, model.Forward)
	ds := fishertest.NewSliceDataset("two", []float32{1, 2}, []float32{-1, 0.5})
	var numPredictions int
	for prediction, err := range p.Predict(ds, 2) {
		require.NoError(t, err)
		numPredictions++
		assert.Equal(t, []int{2, 3}, prediction.Logits.Shape().Dimensions)
		require.Contains(t, prediction.Fields, FieldPredictions)
		assert.Equal(t, []int{2}, prediction.Fields[FieldPredictions].Shape().Dimensions)
		probs := prediction.Fields[FieldProbabilities].Value().([][]float32)
		for _, row := range probs {
			var sum float32
			for _, v := range row {
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
	assert.Equal(t, 1, numPredictions)
}

func TestFisherOfMLP(t *testing.T) {
	backend := fishertest.BuildTestBackend()
	ds, err := tabular.New("points", [][]float32{{1, 2}, {-1, 0.5}, {0.3, -0.7}}, []int32{0, 1, 2})
	require.NoError(t, err)
	ctx := context.New()
	model := New(ds.NumClasses()).HiddenLayers(1, 8)
	require.NoError(t, model.Initialize(backend, ctx, ds.NumFeatures()))
	p := pipeline.New(backend, ctx, model.Forward, pipeline.WithName("mlp"))

	for name, estimator := range map[string]fisher.Estimator{
		"PredictedLabel": curvature.PredictedLabel(),
		"Expected":       curvature.Expected(ds.NumClasses()),
	} {
		t.Run(name, func(t *testing.T) {
			ds.Reset()
			fim, err := fisher.Build(p, estimator).ExpectedSize(ds.NumExamples()).Run(ds)
			require.NoError(t, err)
			assert.Equal(t, 2*8+8+8*3+3, fim.Len())
			stats := fim.Stats()
			assert.GreaterOrEqual(t, stats.Min, 0.0)
			assert.Greater(t, stats.Max, 0.0)
		})
	}
}

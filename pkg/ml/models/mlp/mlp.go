// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mlp implements a multi-layer perceptron classifier as a pipeline.ForwardFn, built with the
// fnn layer.
//
// Example:
//
//	model := mlp.New(numClasses).HiddenLayers(2, 32)
//	p := pipeline.New(backend, ctx, model.Forward)
package mlp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/pkg/errors"
)

const (
	// Scope of the model variables.
	Scope = "mlp"

	// FieldProbabilities is the name of the output field with the softmax of the logits.
	FieldProbabilities = "probabilities"

	// FieldPredictions is the name of the output field with the predicted class, an int32.
	FieldPredictions = "predictions"
)

// Config of the MLP. Create it with New.
type Config struct {
	numClasses                      int
	numHiddenLayers, numHiddenNodes int
	activation                      activations.Type
}

// New creates the configuration of an MLP classifier with numClasses outputs.
// The default has no hidden layers (a linear model) and uses relu activations.
func New(numClasses int) *Config {
	return &Config{
		numClasses:     numClasses,
		numHiddenNodes: 16,
		activation:     activations.TypeRelu,
	}
}

// HiddenLayers sets the number of hidden layers and their number of nodes.
func (c *Config) HiddenLayers(numLayers, numNodes int) *Config {
	c.numHiddenLayers = numLayers
	c.numHiddenNodes = numNodes
	return c
}

// Activation between the layers.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// NumClasses returns the number of outputs.
func (c *Config) NumClasses() int { return c.numClasses }

// Logits of the MLP for x shaped [batchSize, numFeatures].
// The variables are created (or reused if they exist) under Scope.
func (c *Config) Logits(ctx *context.Context, x *graph.Node) *graph.Node {
	if c.numClasses < 1 {
		exceptions.Panicf("mlp: numClasses must be >= 1, got %d", c.numClasses)
	}
	if x.Rank() != 2 {
		exceptions.Panicf("mlp: input must be shaped [batchSize, numFeatures], got %s", x.Shape())
	}
	if !x.DType().IsFloat() {
		x = graph.ConvertDType(x, dtypes.Float32)
	}
	return fnn.New(ctx.In(Scope).Checked(false), x, c.numClasses).
		NumHiddenLayers(c.numHiddenLayers, c.numHiddenNodes).
		Activation(c.activation).
		Done()
}

// Forward implements pipeline.ForwardFn. Besides the logits, it outputs the fields
// FieldProbabilities and FieldPredictions.
func (c *Config) Forward(call *pipeline.Call) *pipeline.Outputs {
	if len(call.Inputs) != 1 {
		exceptions.Panicf("mlp: expected one input, got %d", len(call.Inputs))
	}
	logits := c.Logits(call.Ctx, call.Inputs[0])
	return &pipeline.Outputs{
		Logits: logits,
		Fields: map[string]*graph.Node{
			FieldProbabilities: graph.Softmax(logits, 1),
			FieldPredictions:   graph.ArgMax(logits, 1, dtypes.Int32),
		},
	}
}

// Initialize creates and initializes the variables of the model in ctx, for inputs with numFeatures.
// It's a no-op for variables that already exist, e.g. if loaded from a checkpoint.
func (c *Config) Initialize(backend backends.Backend, ctx *context.Context, numFeatures int) error {
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return c.Logits(ctx, x)
	})
	if err != nil {
		return errors.WithMessagef(err, "mlp: creating initialization executor")
	}
	defer exec.Finalize()
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, numFeatures))
	var outputs []*tensors.Tensor
	if panicErr := pipeline.TryCatch(func() { outputs, err = exec.Exec(input) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return errors.WithMessagef(err, "mlp: initializing variables")
	}
	for _, t := range outputs {
		_ = t.FinalizeAll()
	}
	return nil
}

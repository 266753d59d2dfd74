// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Estimator computes the curvature of one sample from the logits of the model.
//
// Estimate is called while the graph of the forward computation is being built, with logits still
// connected to the model parameters. It must return one node per parameter of model.Structure(),
// in order and with matching dimensions (any float dtype).
//
// Errors are reported by panicking (see exceptions.Panicf), as in any graph building function.
// Estimate must not change the model variables.
//
// See package curvature for implementations.
type Estimator interface {
	Estimate(model *Model, logits *graph.Node) []*graph.Node
}

// EstimatorFunc adapts a function to an Estimator.
type EstimatorFunc func(model *Model, logits *graph.Node) []*graph.Node

// Estimate implements Estimator.
func (fn EstimatorFunc) Estimate(model *Model, logits *graph.Node) []*graph.Node {
	return fn(model, logits)
}

// Model gives an Estimator access to the parameters of the model within the graph being built.
type Model struct {
	ctx       *context.Context
	g         *graph.Graph
	structure *Structure
	variables []*context.Variable
}

// NewModel returns the Model for the graph g, with the parameters of structure read from ctx.
func NewModel(ctx *context.Context, g *graph.Graph, structure *Structure) (*Model, error) {
	variables, err := structure.Variables(ctx)
	if err != nil {
		return nil, err
	}
	return &Model{ctx: ctx, g: g, structure: structure, variables: variables}, nil
}

// Context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Graph being built.
func (m *Model) Graph() *graph.Graph { return m.g }

// Structure of the model parameters.
func (m *Model) Structure() *Structure { return m.structure }

// Variables of the parameters, in structure order.
func (m *Model) Variables() []*context.Variable { return m.variables }

// Parameters returns the value of the parameters in the graph, in structure order.
func (m *Model) Parameters() []*graph.Node {
	nodes := make([]*graph.Node, len(m.variables))
	for ii, v := range m.variables {
		nodes[ii] = v.ValueGraph(m.g)
	}
	return nodes
}

// IsGradientTracked returns whether the graph was built in pipeline.GradientTracked mode.
func (m *Model) IsGradientTracked() bool {
	return pipeline.IsGradientTracked(m.ctx, m.g)
}

// Gradient of the scalar loss w.r.t. the parameters, in structure order.
//
// It panics if the graph was not built in pipeline.GradientTracked mode, since the outputs of an
// inference graph are detached from the parameters.
func (m *Model) Gradient(loss *graph.Node) []*graph.Node {
	if !m.IsGradientTracked() {
		panic(errors.Errorf("graph #%d was not built with gradient tracking (see pipeline.GradientTracked), "+
			"curvature can't be computed", m.g.GraphId()))
	}
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("gradient requires a scalar loss, got shape %s", loss.Shape())
	}
	return graph.Gradient(loss, m.Parameters()...)
}

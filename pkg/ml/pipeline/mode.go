// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Mode selects how the forward computation of a Pipeline is built.
type Mode int

const (
	// Inference is the default mode: the outputs of the forward function are passed through
	// StopGradient, and IsGradientTracked reports false for the graph.
	Inference Mode = iota

	// GradientTracked keeps the outputs connected to the model variables, so functions of the
	// logits can be differentiated w.r.t. the model parameters within the same graph.
	GradientTracked
)

// ParamGradientTracking is the graph parameter set (to true) on graphs built in GradientTracked mode.
// See IsGradientTracked.
const ParamGradientTracking = "pipeline_gradient_tracking"

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Inference:
		return "Inference"
	case GradientTracked:
		return "GradientTracked"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// IsGradientTracked returns whether the graph g was built by a Pipeline in GradientTracked mode.
//
// The value is a graph parameter of ctx (see context.Context.SetGraphParam), so it is scoped to the
// given graph and never leaks to other graphs built with the same context.
func IsGradientTracked(ctx *context.Context, g *graph.Graph) bool {
	return context.GetGraphParamOr(ctx, g, ParamGradientTracking, false)
}

// setMode records the mode of graph g in ctx.
func setMode(ctx *context.Context, g *graph.Graph, mode Mode) {
	ctx.SetGraphParam(g, ParamGradientTracking, mode == GradientTracked)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AccumulatorScope is the scope under which each Accumulator creates its variables, in a sub-scope
// with a unique id.
const AccumulatorScope = "/fisher_accumulator"

// Accumulator keeps the running sum of curvature samples and the number of samples, as
// non-trainable variables of a context.
//
// Samples are folded in the graph (Fold), so they are accumulated at every execution, or directly
// on host (FoldTensors). It is not safe for concurrent use.
type Accumulator struct {
	ctx        *context.Context
	structure  *Structure
	dtype      dtypes.DType
	scope      string
	sum, count *context.Variable
}

// NewAccumulator creates the variables of a new Accumulator in ctx: the sum, with shape
// [structure.Size()] and the given float dtype, and the count of samples, an int64 scalar.
// Both start at zero.
func NewAccumulator(ctx *context.Context, structure *Structure, dtype dtypes.DType) (*Accumulator, error) {
	if structure == nil || structure.Len() == 0 {
		return nil, errors.New("accumulator needs a structure with at least one parameter")
	}
	if !dtype.IsFloat() {
		return nil, errors.Errorf("accumulator dtype must be a float, got %s", dtype)
	}
	acc := &Accumulator{
		ctx:       ctx,
		structure: structure,
		dtype:     dtype,
		scope:     context.JoinScope(AccumulatorScope, uuid.NewString()),
	}
	err := exceptions.TryCatch[error](func() {
		accCtx := ctx.InAbsPath(acc.scope).Checked(false)
		acc.sum = accCtx.VariableWithValue("sum", tensors.FromShape(shapes.Make(dtype, structure.Size()))).
			SetTrainable(false)
		acc.count = accCtx.VariableWithValue("count", int64(0)).SetTrainable(false)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating accumulator variables")
	}
	klog.V(2).Infof("fisher: accumulator created in %q for %d elements (%s)", acc.scope, structure.Size(), dtype)
	return acc, nil
}

// Scope where the accumulator variables are stored.
func (a *Accumulator) Scope() string { return a.scope }

// Structure of the accumulated samples.
func (a *Accumulator) Structure() *Structure { return a.structure }

// Fold adds one sample, given as one curvature node per parameter, to the accumulator.
//
// It's called while building a graph executed by a context.Exec over the accumulator's context,
// and the sample is accumulated each time the graph is executed. It panics on mismatches with the
// structure.
func (a *Accumulator) Fold(curvature []*graph.Node) {
	if len(curvature) == 0 || curvature[0] == nil {
		exceptions.Panicf("fisher: no curvature to fold into accumulator %q", a.scope)
	}
	flat := a.structure.FlattenGraph(curvature, a.dtype)
	g := flat.Graph()
	a.sum.SetValueGraph(graph.Add(a.sum.ValueGraph(g), flat))
	a.count.SetValueGraph(graph.OnePlus(a.count.ValueGraph(g)))
}

// FoldTensors adds one sample, given as one curvature tensor per parameter, to the accumulator.
// The accumulator is not changed if it fails.
func (a *Accumulator) FoldTensors(curvature []*tensors.Tensor) error {
	sample, err := a.structure.Flatten(curvature)
	if err != nil {
		return err
	}
	n, err := a.NumSamples()
	if err != nil {
		return err
	}
	sum, err := a.Sum()
	if err != nil {
		return err
	}
	if err = sum.Add(sample); err != nil {
		return err
	}
	sumT, err := newTensor(sum.values, a.dtype, a.structure.Size())
	if err != nil {
		return err
	}
	if err = a.sum.SetValue(sumT); err != nil {
		return errors.WithMessagef(err, "updating accumulator %q", a.scope)
	}
	if err = a.count.SetValue(tensors.FromScalar(int64(n + 1))); err != nil {
		return errors.WithMessagef(err, "updating accumulator %q", a.scope)
	}
	return nil
}

// NumSamples returns the number of samples folded so far.
func (a *Accumulator) NumSamples() (int, error) {
	t, err := a.count.Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading accumulator %q", a.scope)
	}
	var n int64
	err = tensors.ConstFlatData(t, func(flat []int64) { n = flat[0] })
	if err != nil {
		return 0, errors.WithMessagef(err, "reading accumulator %q", a.scope)
	}
	return int(n), nil
}

// Sum returns a copy of the running sum of the samples.
func (a *Accumulator) Sum() (*Matrix, error) {
	t, err := a.sum.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading accumulator %q", a.scope)
	}
	values, err := appendTensor(make([]float64, 0, a.structure.Size()), t)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading accumulator %q", a.scope)
	}
	return &Matrix{structure: a.structure, values: values}, nil
}

// Result returns the mean of the folded samples, computed on host.
// It fails with an error wrapping ErrDivisionByZero if no sample was folded.
func (a *Accumulator) Result() (*Matrix, error) {
	n, err := a.NumSamples()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrDivisionByZero, "no samples folded into accumulator %q", a.scope)
	}
	sum, err := a.Sum()
	if err != nil {
		return nil, err
	}
	return sum.DivScalar(float64(n))
}

// Finalize deletes the accumulator variables from its context, freeing their values.
func (a *Accumulator) Finalize() error {
	return a.ctx.InAbsPath(a.scope).DeleteVariablesInScope()
}

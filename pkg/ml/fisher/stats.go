// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// SparsityThreshold is the value below which an element is counted as zero by Matrix.Stats.
var SparsityThreshold = 1e-12

// Stats summarizes the values of a Matrix.
type Stats struct {
	Count          int
	Mean, Max, Min float64

	// Sparsity is the fraction of elements below SparsityThreshold.
	Sparsity float64
}

func computeStats(values []float64) Stats {
	s := Stats{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	var numZeros int
	for _, v := range values {
		sum += v
		s.Max = max(s.Max, v)
		s.Min = min(s.Min, v)
		if math.Abs(v) < SparsityThreshold {
			numZeros++
		}
	}
	s.Mean = sum / float64(len(values))
	s.Sparsity = float64(numZeros) / float64(len(values))
	return s
}

// Stats of all the values of the matrix.
func (m *Matrix) Stats() Stats { return computeStats(m.values) }

// ParameterStats holds the Stats of one parameter.
type ParameterStats struct {
	Param Param
	Stats
}

// ParameterStats returns the Stats of each parameter, in structure order.
func (m *Matrix) ParameterStats() []ParameterStats {
	results := make([]ParameterStats, m.structure.Len())
	for ii := range results {
		results[ii] = ParameterStats{Param: m.structure.params[ii], Stats: computeStats(m.Parameter(ii))}
	}
	return results
}

// Element identifies one element of a Matrix.
type Element struct {
	Param Param

	// Index is the multi-dimensional index of the element within the parameter.
	Index []int

	// FlatIndex in the Matrix.
	FlatIndex int

	Value float64
}

// TopK returns the k largest elements (the most important parameter elements), in decreasing order
// of value. Ties are broken by position.
func (m *Matrix) TopK(k int) []Element {
	k = min(max(k, 0), len(m.values))
	order := make([]int, len(m.values))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(m.values[b], m.values[a]) })
	elements := make([]Element, k)
	for ii, flatIdx := range order[:k] {
		elements[ii] = m.element(flatIdx)
	}
	return elements
}

// element returns the Element at the flat index.
func (m *Matrix) element(flatIdx int) Element {
	params := m.structure.params
	paramIdx, found := slices.BinarySearchFunc(params, flatIdx, func(p Param, target int) int {
		return cmp.Compare(p.Offset, target)
	})
	if !found {
		paramIdx--
	}
	// Skip zero-sized parameters sharing the same offset.
	for params[paramIdx].Size() == 0 {
		paramIdx++
	}
	p := params[paramIdx]
	e := Element{Param: p, FlatIndex: flatIdx, Value: m.values[flatIdx], Index: make([]int, p.Shape.Rank())}
	pos := flatIdx - p.Offset
	for axis := p.Shape.Rank() - 1; axis >= 0; axis-- {
		dim := p.Shape.Dimensions[axis]
		e.Index[axis] = pos % dim
		pos /= dim
	}
	return e
}

// Normalized returns a copy of the matrix divided by its maximum value, so values are in [0, 1]
// for a non-negative matrix. If the maximum is not positive, the copy is returned unchanged.
func (m *Matrix) Normalized() *Matrix {
	result := m.Clone()
	maxValue := m.Stats().Max
	if maxValue <= 0 {
		return result
	}
	for ii := range result.values {
		result.values[ii] /= maxValue
	}
	return result
}

// SaveToContext stores the matrix in ctx as one non-trainable variable per parameter, converted to
// dtype, under the scope "<scope>/<parameter scope>". The variable names are those of the
// parameters. Existing variables are overwritten.
//
// Saved into a checkpoint, the variables can later be used to weight parameters, e.g. for merging,
// pruning or elastic weight consolidation.
func (m *Matrix) SaveToContext(ctx *context.Context, scope string, dtype dtypes.DType) error {
	if !strings.HasPrefix(scope, context.ScopeSeparator) {
		return errors.Errorf("scope %q must be absolute (start with %q)", scope, context.ScopeSeparator)
	}
	parts, err := m.Tensors(dtype)
	if err != nil {
		return err
	}
	for ii, p := range m.structure.params {
		varScope := savedScope(scope, p)
		if v := ctx.GetVariableByScopeAndName(varScope, p.Name); v != nil {
			if !slices.Equal(v.Shape().Dimensions, p.Shape.Dimensions) || v.DType() != dtype {
				finalizeAll(parts[ii:])
				return errors.Errorf("variable %q already exists with shape %s", v.ScopeAndName(), v.Shape())
			}
			if err = v.SetValue(parts[ii]); err != nil {
				finalizeAll(parts[ii:])
				return errors.WithMessagef(err, "saving Fisher values into %q", v.ScopeAndName())
			}
			continue
		}
		ctx.InAbsPath(varScope).Checked(false).
			VariableWithValue(p.Name, parts[ii]).
			SetTrainable(false)
	}
	return nil
}

// savedScope is the scope where SaveToContext stores the values of p.
func savedScope(scope string, p Param) string {
	if p.Scope == context.RootScope {
		return scope
	}
	return context.JoinScope(scope, p.Scope[1:])
}

// LoadFromContext reads the matrix stored by Matrix.SaveToContext under scope, for the given structure.
func LoadFromContext(ctx *context.Context, scope string, structure *Structure) (*Matrix, error) {
	if !strings.HasPrefix(scope, context.ScopeSeparator) {
		return nil, errors.Errorf("scope %q must be absolute (start with %q)", scope, context.ScopeSeparator)
	}
	parts := make([]*tensors.Tensor, structure.Len())
	for ii, p := range structure.params {
		varScope := savedScope(scope, p)
		v := ctx.GetVariableByScopeAndName(varScope, p.Name)
		if v == nil {
			return nil, errors.Errorf("no Fisher values saved for parameter %q in scope %q", p.ScopeAndName(), scope)
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q", v.ScopeAndName())
		}
		parts[ii] = value
	}
	m, err := structure.Flatten(parts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Fisher values from scope %q", scope)
	}
	return m, nil
}

// FreezeSaved marks the variables under scope as not trainable.
//
// Loading a checkpoint marks every variable as trainable, so it must be called on a context loaded
// with values saved by Matrix.SaveToContext before NewStructure, or they are taken as model parameters.
func FreezeSaved(ctx *context.Context, scope string) int {
	var count int
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		if v.Trainable {
			v.SetTrainable(false)
			count++
		}
	}
	return count
}

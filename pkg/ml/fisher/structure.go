// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Param describes one trainable parameter of a model.
type Param struct {
	Scope, Name string
	Shape       shapes.Shape

	// Offset of the first element of the parameter in the flattened Matrix.
	Offset int
}

// ScopeAndName returns the parameter's full name, as used by context.Variable.ScopeAndName.
func (p Param) ScopeAndName() string { return context.JoinScope(p.Scope, p.Name) }

// Size is the number of elements of the parameter.
func (p Param) Size() int { return p.Shape.Size() }

// Structure is the ordered list of the trainable parameters of a model, captured once.
//
// It converts lists of per-parameter tensors (or graph nodes), one per Param and in the same order,
// to a single flat Matrix and back.
//
// It's immutable and can be shared.
type Structure struct {
	params []Param
	size   int
}

// NewStructure captures the trainable float variables under the current scope of ctx, sorted by
// their scope and name.
//
// It fails if there are no such variables: models that create their variables lazily need to be
// executed (or loaded from a checkpoint) once before.
func NewStructure(ctx *context.Context) (*Structure, error) {
	var params []Param
	for v := range ctx.IterVariablesInScope() {
		if !v.Trainable || !v.DType().IsFloat() {
			continue
		}
		params = append(params, Param{Scope: v.Scope(), Name: v.Name(), Shape: v.Shape()})
	}
	if len(params) == 0 {
		return nil, errors.Errorf("no trainable float variables found in context scope %q, "+
			"was the model initialized?", ctx.Scope())
	}
	slices.SortFunc(params, func(a, b Param) int { return strings.Compare(a.ScopeAndName(), b.ScopeAndName()) })
	return NewStructureFromParams(params...)
}

// NewStructureFromParams creates a Structure with the given params, in the given order.
// The Offset of the params is ignored and recalculated, and scopes are made absolute.
func NewStructureFromParams(params ...Param) (*Structure, error) {
	if len(params) == 0 {
		return nil, errors.New("structure needs at least one parameter")
	}
	s := &Structure{params: slices.Clone(params)}
	seen := make(map[string]bool, len(params))
	for ii := range s.params {
		p := &s.params[ii]
		if p.Name == "" {
			return nil, errors.Errorf("parameter #%d has no name", ii)
		}
		if !strings.HasPrefix(p.Scope, context.ScopeSeparator) {
			p.Scope = context.ScopeSeparator + p.Scope
		}
		key := p.ScopeAndName()
		if seen[key] {
			return nil, errors.Errorf("parameter %q given more than once", key)
		}
		seen[key] = true
		p.Offset = s.size
		s.size += p.Size()
	}
	return s, nil
}

// Len returns the number of parameters.
func (s *Structure) Len() int { return len(s.params) }

// Size returns the total number of elements of all parameters, the length of a flat Matrix.
func (s *Structure) Size() int { return s.size }

// Params returns a copy of the parameters.
func (s *Structure) Params() []Param { return slices.Clone(s.params) }

// Param returns the i-th parameter.
func (s *Structure) Param(i int) Param { return s.params[i] }

// Index returns the index of the parameter with the given scope and name, or -1 if not found.
func (s *Structure) Index(scopeAndName string) int {
	return slices.IndexFunc(s.params, func(p Param) bool { return p.ScopeAndName() == scopeAndName })
}

// Equal returns whether both structures have the same parameters, in the same order.
func (s *Structure) Equal(other *Structure) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil || len(s.params) != len(other.params) {
		return false
	}
	for ii, p := range s.params {
		o := other.params[ii]
		if p.ScopeAndName() != o.ScopeAndName() || !slices.Equal(p.Shape.Dimensions, o.Shape.Dimensions) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s *Structure) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Structure(%d params, %d elements):", len(s.params), s.size)
	for _, p := range s.params {
		_, _ = fmt.Fprintf(&sb, "\n\t%s: %s", p.ScopeAndName(), p.Shape)
	}
	return sb.String()
}

// Zeros returns a zero Matrix for the structure.
func (s *Structure) Zeros() *Matrix {
	return &Matrix{structure: s, values: make([]float64, s.size)}
}

// checkDimensions returns an error if the dimensions don't match those of the i-th parameter.
func (s *Structure) checkDimensions(i int, dimensions []int) error {
	p := s.params[i]
	if !slices.Equal(p.Shape.Dimensions, dimensions) {
		return errors.Errorf("curvature #%d for parameter %q has dimensions %v, expected %v",
			i, p.ScopeAndName(), dimensions, p.Shape.Dimensions)
	}
	return nil
}

// Flatten converts one tensor per parameter, in order, into a Matrix.
// The tensors can be of any float dtype, and their dimensions must match those of the parameters.
func (s *Structure) Flatten(parts []*tensors.Tensor) (*Matrix, error) {
	if len(parts) != len(s.params) {
		return nil, errors.Errorf("got %d curvature tensors, expected one per parameter (%d)", len(parts), len(s.params))
	}
	values := make([]float64, 0, s.size)
	for ii, t := range parts {
		if t == nil {
			return nil, errors.Errorf("curvature #%d for parameter %q is nil", ii, s.params[ii].ScopeAndName())
		}
		if err := s.checkDimensions(ii, t.Shape().Dimensions); err != nil {
			return nil, err
		}
		var err error
		values, err = appendTensor(values, t)
		if err != nil {
			return nil, errors.WithMessagef(err, "converting curvature for parameter %q", s.params[ii].ScopeAndName())
		}
	}
	return &Matrix{structure: s, values: values}, nil
}

// FlattenGraph is the graph version of Flatten: it reshapes the nodes, one per parameter and in
// order, to rank-1 and concatenates them, converting them to dtype if needed.
//
// It panics on mismatches, as graph building functions do.
func (s *Structure) FlattenGraph(parts []*graph.Node, dtype dtypes.DType) *graph.Node {
	if len(parts) != len(s.params) {
		exceptions.Panicf("got %d curvature nodes, expected one per parameter (%d)", len(parts), len(s.params))
	}
	flat := make([]*graph.Node, len(parts))
	for ii, part := range parts {
		if part == nil {
			exceptions.Panicf("curvature #%d for parameter %q is nil", ii, s.params[ii].ScopeAndName())
		}
		if err := s.checkDimensions(ii, part.Shape().Dimensions); err != nil {
			panic(err)
		}
		if part.DType() != dtype {
			part = graph.ConvertDType(part, dtype)
		}
		flat[ii] = graph.Reshape(part, s.params[ii].Size())
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return graph.Concatenate(flat, 0)
}

// Unflatten converts the matrix back to one tensor per parameter, with the given dtype.
func (s *Structure) Unflatten(m *Matrix, dtype dtypes.DType) ([]*tensors.Tensor, error) {
	if !s.Equal(m.structure) {
		return nil, errors.New("matrix was created for a different structure")
	}
	parts := make([]*tensors.Tensor, len(s.params))
	for ii, p := range s.params {
		t, err := newTensor(m.values[p.Offset:p.Offset+p.Size()], dtype, p.Shape.Dimensions...)
		if err != nil {
			finalizeAll(parts[:ii])
			return nil, errors.WithMessagef(err, "converting parameter %q", p.ScopeAndName())
		}
		parts[ii] = t
	}
	return parts, nil
}

// Variables returns the variables of ctx for each parameter, in order.
// ctx can be a clone of the context the structure was created from.
func (s *Structure) Variables(ctx *context.Context) ([]*context.Variable, error) {
	vars := make([]*context.Variable, len(s.params))
	for ii, p := range s.params {
		v := ctx.GetVariableByScopeAndName(p.Scope, p.Name)
		if v == nil {
			return nil, errors.Errorf("variable for parameter %q not found in context", p.ScopeAndName())
		}
		if !slices.Equal(v.Shape().Dimensions, p.Shape.Dimensions) {
			return nil, errors.Errorf("variable %q has shape %s, but the structure expected %s",
				p.ScopeAndName(), v.Shape(), p.Shape)
		}
		vars[ii] = v
	}
	return vars, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrDivisionByZero is returned when normalizing by zero samples, e.g. when estimating over an
// empty dataset. Check for it with errors.Is.
var ErrDivisionByZero = errors.New("division by zero")

// Matrix is the diagonal of a Fisher Information Matrix (or a sum of curvature samples), flattened
// into a single vector following a Structure.
//
// Methods that change the matrix do it in place; it is not safe for concurrent use.
type Matrix struct {
	structure *Structure
	values    []float64
}

// NewMatrix creates a Matrix for the structure with a copy of the given flat values.
func NewMatrix(structure *Structure, values []float64) (*Matrix, error) {
	if len(values) != structure.Size() {
		return nil, errors.Errorf("got %d values for a structure of %d elements", len(values), structure.Size())
	}
	return &Matrix{structure: structure, values: slices.Clone(values)}, nil
}

// Structure the matrix follows.
func (m *Matrix) Structure() *Structure { return m.structure }

// Len returns the number of elements.
func (m *Matrix) Len() int { return len(m.values) }

// Values returns the flat values. They are owned by the Matrix and should not be changed.
func (m *Matrix) Values() []float64 { return m.values }

// Parameter returns the values of the i-th parameter of the structure, in row-major order.
// They are owned by the Matrix and should not be changed.
func (m *Matrix) Parameter(i int) []float64 {
	p := m.structure.params[i]
	return m.values[p.Offset : p.Offset+p.Size()]
}

// ParameterByName is like Parameter, but takes the parameter's scope and name.
func (m *Matrix) ParameterByName(scopeAndName string) (values []float64, found bool) {
	idx := m.structure.Index(scopeAndName)
	if idx < 0 {
		return nil, false
	}
	return m.Parameter(idx), true
}

// Clone returns a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{structure: m.structure, values: slices.Clone(m.values)}
}

func (m *Matrix) checkCompatible(other *Matrix) error {
	if other == nil {
		return errors.New("nil matrix")
	}
	if !m.structure.Equal(other.structure) {
		return errors.New("matrices have different structures")
	}
	return nil
}

// Add other to m, element-wise.
func (m *Matrix) Add(other *Matrix) error {
	if err := m.checkCompatible(other); err != nil {
		return err
	}
	for ii, v := range other.values {
		m.values[ii] += v
	}
	return nil
}

// DivScalar returns a new matrix with the values of m divided by d.
// It fails with ErrDivisionByZero if d is 0.
func (m *Matrix) DivScalar(d float64) (*Matrix, error) {
	if d == 0 {
		return nil, errors.Wrapf(ErrDivisionByZero, "dividing Fisher matrix of %d elements", len(m.values))
	}
	result := m.Clone()
	for ii := range result.values {
		result.values[ii] /= d
	}
	return result, nil
}

// Merge other into m with the given weight: m = (1-weight)*m + weight*other.
func (m *Matrix) Merge(other *Matrix, weight float64) error {
	if err := m.checkCompatible(other); err != nil {
		return err
	}
	if weight < 0 || weight > 1 {
		return errors.Errorf("merge weight must be in [0, 1], got %g", weight)
	}
	for ii, v := range other.values {
		m.values[ii] = (1-weight)*m.values[ii] + weight*v
	}
	return nil
}

// Tensors converts the matrix back to one tensor per parameter. See Structure.Unflatten.
func (m *Matrix) Tensors(dtype dtypes.DType) ([]*tensors.Tensor, error) {
	return m.structure.Unflatten(m, dtype)
}

// String implements fmt.Stringer.
func (m *Matrix) String() string {
	stats := m.Stats()
	return fmt.Sprintf("Fisher(%d params, %d elements, mean=%.4g, max=%.4g)",
		m.structure.Len(), len(m.values), stats.Mean, stats.Max)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"testing"

	"github.com/gomlx/fisher/internal/fishertest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// newTestStructure returns a structure with params "/dense/bias" (2,) and "/dense/weights" (3, 2).
func newTestStructure(t *testing.T) *Structure {
	s, err := NewStructureFromParams(
		Param{Scope: "/dense", Name: "bias", Shape: shapes.Make(dtypes.Float32, 2)},
		Param{Scope: "/dense", Name: "weights", Shape: shapes.Make(dtypes.Float32, 3, 2)},
	)
	require.NoError(t, err)
	return s
}

func TestNewStructure(t *testing.T) {
	ctx := context.New()
	ctx.In("b").VariableWithValue("w", [][]float32{{1, 2, 3}, {4, 5, 6}})
	ctx.In("a").VariableWithValue("w", []float64{1})
	ctx.In("a").VariableWithValue("frozen", []float32{1, 2}).SetTrainable(false)
	ctx.In("a").VariableWithValue("steps", int64(0))
	ctx.VariableWithValue("scalar", float32(7))

	s, err := NewStructure(ctx)
	require.NoError(t, err)
	var names []string
	var offsets []int
	for _, p := range s.Params() {
		names = append(names, p.ScopeAndName())
		offsets = append(offsets, p.Offset)
	}
	assert.Equal(t, []string{"/a/w", "/b/w", "/scalar"}, names)
	assert.Equal(t, []int{0, 1, 7}, offsets)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 8, s.Size())
	assert.Equal(t, 1, s.Index("/b/w"))
	assert.Equal(t, -1, s.Index("/a/frozen"))

	// Only variables under the current scope.
	s, err = NewStructure(ctx.In("b"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, []int{2, 3}, s.Param(0).Shape.Dimensions)

	_, err = NewStructure(context.New())
	require.Error(t, err)
}

func TestNewStructureFromParams(t *testing.T) {
	s := newTestStructure(t)
	assert.Equal(t, 8, s.Size())
	assert.Equal(t, 2, s.Param(1).Offset)
	assert.True(t, s.Equal(newTestStructure(t)))

	s, err := NewStructureFromParams(Param{Scope: "dense", Name: "bias", Shape: shapes.Make(dtypes.Float32, 2), Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, "/dense/bias", s.Param(0).ScopeAndName())
	assert.Equal(t, 0, s.Param(0).Offset)
	assert.False(t, s.Equal(newTestStructure(t)))

	_, err = NewStructureFromParams()
	require.Error(t, err)
	_, err = NewStructureFromParams(Param{Scope: "/a", Shape: shapes.Make(dtypes.Float32, 2)})
	require.Error(t, err)
	_, err = NewStructureFromParams(
		Param{Scope: "/a", Name: "w", Shape: shapes.Make(dtypes.Float32, 2)},
		Param{Scope: "a", Name: "w", Shape: shapes.Make(dtypes.Float32, 3)})
	require.ErrorContains(t, err, "more than once")
}

func TestFlattenUnflatten(t *testing.T) {
	s := newTestStructure(t)
	m, err := s.Flatten([]*tensors.Tensor{
		tensors.FromValue([]float32{1, 2}),
		tensors.FromValue([][]float64{{3, 4}, {5, 6}, {7, 8}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, m.Values())
	assert.Equal(t, []float64{3, 4, 5, 6, 7, 8}, m.Parameter(1))
	values, found := m.ParameterByName("/dense/bias")
	require.True(t, found)
	assert.Equal(t, []float64{1, 2}, values)

	parts, err := s.Unflatten(m, dtypes.Float32)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []float32{1, 2}, parts[0].Value())
	assert.Equal(t, [][]float32{{3, 4}, {5, 6}, {7, 8}}, parts[1].Value())

	// Half precision dtypes, with exactly representable values.
	half := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(2)}, 2)
	brain := make([]bfloat16.BFloat16, 6)
	for ii := range brain {
		brain[ii] = bfloat16.FromFloat32(float32(ii + 1))
	}
	m, err = s.Flatten([]*tensors.Tensor{half, tensors.FromFlatDataAndDimensions(brain, 3, 2)})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 2, 1, 2, 3, 4, 5, 6}, m.Values())
	parts, err = m.Tensors(dtypes.Float16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, parts[0].DType())
	assert.Equal(t, []int{3, 2}, parts[1].Shape().Dimensions)
	_, err = m.Tensors(dtypes.Int32)
	require.Error(t, err)
}

func TestFlattenErrors(t *testing.T) {
	s := newTestStructure(t)
	bias := tensors.FromValue([]float32{1, 2})
	weights := tensors.FromValue([][]float32{{3, 4}, {5, 6}, {7, 8}})

	_, err := s.Flatten([]*tensors.Tensor{bias})
	require.ErrorContains(t, err, "expected one per parameter")
	_, err = s.Flatten([]*tensors.Tensor{weights, bias})
	require.ErrorContains(t, err, "dimensions")
	_, err = s.Flatten([]*tensors.Tensor{bias, nil})
	require.Error(t, err)
	_, err = s.Flatten([]*tensors.Tensor{tensors.FromValue([]int32{1, 2}), weights})
	require.ErrorContains(t, err, "unsupported dtype")

	other, err := NewStructureFromParams(Param{Name: "x", Shape: shapes.Make(dtypes.Float32, 8)})
	require.NoError(t, err)
	_, err = other.Unflatten(s.Zeros(), dtypes.Float32)
	require.Error(t, err)
}

func TestFlattenGraph(t *testing.T) {
	backend := fishertest.BuildTestBackend()
	s := newTestStructure(t)
	exec := graph.MustNewExec(backend, func(bias, weights *graph.Node) *graph.Node {
		return s.FlattenGraph([]*graph.Node{bias, weights}, dtypes.Float64)
	})
	outputs, err := exec.Exec([]float32{1, 2}, [][]float32{{3, 4}, {5, 6}, {7, 8}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, outputs[0].Value())

	g := graph.NewGraph(backend, "TestFlattenGraph")
	bias := graph.Parameter(g, "bias", shapes.Make(dtypes.Float32, 2))
	weights := graph.Parameter(g, "weights", shapes.Make(dtypes.Float32, 2, 3))
	require.Panics(t, func() { s.FlattenGraph([]*graph.Node{bias}, dtypes.Float32) })
	require.Panics(t, func() { s.FlattenGraph([]*graph.Node{bias, weights}, dtypes.Float32) })
	require.Panics(t, func() { s.FlattenGraph([]*graph.Node{bias, nil}, dtypes.Float32) })
}

func TestStructureVariables(t *testing.T) {
	ctx := context.New()
	ctx.In("dense").VariableWithValue("bias", []float32{0, 0})
	ctx.In("dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}, {0, 0}})
	s := newTestStructure(t)
	vars, err := s.Variables(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "/dense/weights", vars[1].ScopeAndName())

	// Also works on a clone.
	clone, err := ctx.Clone()
	require.NoError(t, err)
	defer clone.Finalize()
	vars, err = s.Variables(clone)
	require.NoError(t, err)
	assert.Equal(t, "/dense/bias", vars[0].ScopeAndName())

	_, err = s.Variables(context.New())
	require.ErrorContains(t, err, "not found")

	wrongShape := context.New()
	wrongShape.In("dense").VariableWithValue("bias", []float32{0, 0, 0})
	wrongShape.In("dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}, {0, 0}})
	_, err = s.Variables(wrongShape)
	require.Error(t, err)
}

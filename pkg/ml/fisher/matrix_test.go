// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixArithmetic(t *testing.T) {
	s := newTestStructure(t)
	m := s.Zeros()
	assert.Equal(t, make([]float64, 8), m.Values())

	sample := must.M1(NewMatrix(s, []float64{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, m.Add(sample))
	require.NoError(t, m.Add(sample))
	assert.Equal(t, []float64{2, 4, 6, 8, 10, 12, 14, 16}, m.Values())

	mean, err := m.DivScalar(2)
	require.NoError(t, err)
	assert.Equal(t, sample.Values(), mean.Values())
	assert.Equal(t, float64(16), m.Values()[7], "DivScalar must not change the receiver")

	_, err = m.DivScalar(0)
	require.ErrorIs(t, err, ErrDivisionByZero)

	clone := m.Clone()
	clone.Values()[0] = 100
	assert.Equal(t, float64(2), m.Values()[0])

	require.NoError(t, m.Merge(sample, 0.5))
	assert.Equal(t, []float64{1.5, 3, 4.5, 6, 7.5, 9, 10.5, 12}, m.Values())
	require.Error(t, m.Merge(sample, 2))

	other := must.M1(NewStructureFromParams(s.Params()[1]))
	require.Error(t, m.Add(other.Zeros()))
	require.Error(t, m.Add(nil))
	_, err = NewMatrix(s, []float64{1})
	require.Error(t, err)
}

func TestMatrixStats(t *testing.T) {
	s := newTestStructure(t)
	m := must.M1(NewMatrix(s, []float64{0, 4, 1, 2, 3, 8, 0, 6}))

	stats := m.Stats()
	assert.Equal(t, 8, stats.Count)
	assert.Equal(t, 3.0, stats.Mean)
	assert.Equal(t, 8.0, stats.Max)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 0.25, stats.Sparsity)

	perParam := m.ParameterStats()
	require.Len(t, perParam, 2)
	assert.Equal(t, "/dense/bias", perParam[0].Param.ScopeAndName())
	assert.Equal(t, 2.0, perParam[0].Mean)
	assert.Equal(t, 8.0, perParam[1].Max)
	assert.InDelta(t, 1.0/6.0, perParam[1].Sparsity, 1e-9)

	top := m.TopK(3)
	require.Len(t, top, 3)
	assert.Equal(t, 8.0, top[0].Value)
	assert.Equal(t, "/dense/weights", top[0].Param.ScopeAndName())
	assert.Equal(t, []int{1, 1}, top[0].Index)
	assert.Equal(t, 5, top[0].FlatIndex)
	assert.Equal(t, 6.0, top[1].Value)
	assert.Equal(t, []int{2, 1}, top[1].Index)
	assert.Equal(t, "/dense/bias", top[2].Param.ScopeAndName())
	assert.Equal(t, []int{1}, top[2].Index)
	assert.Len(t, m.TopK(100), 8)
	assert.Empty(t, m.TopK(-1))

	normalized := m.Normalized()
	assert.Equal(t, []float64{0, 0.5, 0.125, 0.25, 0.375, 1, 0, 0.75}, normalized.Values())
	assert.Equal(t, s.Zeros().Values(), s.Zeros().Normalized().Values())
}

func TestSaveToContext(t *testing.T) {
	s := newTestStructure(t)
	m := must.M1(NewMatrix(s, []float64{1, 2, 3, 4, 5, 6, 7, 8}))
	ctx := context.New()
	require.NoError(t, m.SaveToContext(ctx, "/fisher", dtypes.Float32))

	bias := ctx.GetVariableByScopeAndName("/fisher/dense", "bias")
	require.NotNil(t, bias)
	assert.False(t, bias.Trainable)
	assert.Equal(t, []float32{1, 2}, must.M1(bias.Value()).Value())
	weights := ctx.GetVariableByScopeAndName("/fisher/dense", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, [][]float32{{3, 4}, {5, 6}, {7, 8}}, must.M1(weights.Value()).Value())

	// Saving again overwrites the values.
	require.NoError(t, m.Normalized().SaveToContext(ctx, "/fisher", dtypes.Float32))
	assert.Equal(t, []float32{0.125, 0.25}, must.M1(bias.Value()).Value())

	// Saved Fisher values are not trainable, so they are not captured as parameters.
	s2, err := NewStructure(ctx)
	require.Error(t, err, "got %v", s2)

	require.Error(t, m.SaveToContext(ctx, "fisher", dtypes.Float32))
	require.Error(t, m.SaveToContext(ctx, "/fisher", dtypes.Float64), "dtype mismatch with existing variables")
}

func TestLoadFromContext(t *testing.T) {
	s := newTestStructure(t)
	m := must.M1(NewMatrix(s, []float64{1, 2, 3, 4, 5, 6, 7, 8}))
	ctx := context.New()
	_, err := LoadFromContext(ctx, "/fisher", s)
	require.ErrorContains(t, err, "no Fisher values saved")

	require.NoError(t, m.SaveToContext(ctx, "/fisher", dtypes.Float64))
	loaded, err := LoadFromContext(ctx, "/fisher", s)
	require.NoError(t, err)
	assert.Equal(t, m.Values(), loaded.Values())
	assert.True(t, loaded.Structure().Equal(s))

	_, err = LoadFromContext(ctx, "fisher", s)
	require.Error(t, err)
}

func TestFreezeSaved(t *testing.T) {
	ctx := context.New()
	// Variables loaded from a checkpoint are trainable.
	ctx.InAbsPath("/fisher/dense").VariableWithValue("bias", []float32{1, 2})
	ctx.InAbsPath("/dense").VariableWithValue("bias", []float32{0, 0})
	assert.Equal(t, 1, FreezeSaved(ctx, "/fisher"))
	assert.Equal(t, 0, FreezeSaved(ctx, "/fisher"))

	s, err := NewStructure(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "/dense/bias", s.Param(0).ScopeAndName())
}

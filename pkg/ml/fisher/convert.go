// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fisher

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// appendTensor appends the flat contents of t, converted to float64, to dst.
func appendTensor(dst []float64, t *tensors.Tensor) ([]float64, error) {
	var convErr error
	err := t.ConstFlatData(func(flat any) {
		switch values := flat.(type) {
		case []float32:
			dst = appendFloats(dst, values)
		case []float64:
			dst = append(dst, values...)
		case []float16.Float16:
			for _, v := range values {
				dst = append(dst, float64(v.Float32()))
			}
		case []bfloat16.BFloat16:
			for _, v := range values {
				dst = append(dst, float64(v.Float32()))
			}
		default:
			convErr = errors.Errorf("unsupported dtype %s, only float dtypes can be converted", t.DType())
		}
	})
	if err != nil {
		return nil, err
	}
	return dst, convErr
}

func appendFloats[T constraints.Float](dst []float64, values []T) []float64 {
	for _, v := range values {
		dst = append(dst, float64(v))
	}
	return dst
}

func convertFloats[T constraints.Float](values []float64) []T {
	converted := make([]T, len(values))
	for ii, v := range values {
		converted[ii] = T(v)
	}
	return converted
}

// newTensor creates a tensor of the given dtype and dimensions from values.
func newTensor(values []float64, dtype dtypes.DType, dimensions ...int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(convertFloats[float32](values), dimensions...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(convertFloats[float64](values), dimensions...), nil
	case dtypes.Float16:
		converted := make([]float16.Float16, len(values))
		for ii, v := range values {
			converted[ii] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...), nil
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(values))
		for ii, v := range values {
			converted[ii] = bfloat16.FromFloat64(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...), nil
	default:
		return nil, errors.Errorf("unsupported dtype %s, only float dtypes can be used", dtype)
	}
}

func finalizeAll(parts []*tensors.Tensor) {
	for _, t := range parts {
		if t != nil {
			_ = t.FinalizeAll()
		}
	}
}

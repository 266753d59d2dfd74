// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tabular implements a train.Dataset over rows of numeric features, optionally with an
// integer class label per row, loaded from memory or from CSV files.
//
// Each Yield returns one row: the inputs are one float32 tensor shaped [numFeatures], and the
// labels, if present, one int32 scalar tensor.
package tabular

import (
	"io"
	"math"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset yields the rows of a table, one at a time. It implements train.Dataset.
type Dataset struct {
	name         string
	featureNames []string
	features     [][]float32
	labels       []int32
	next         int
}

// New creates a Dataset with the given rows of features and, optionally (if not nil), one label
// per row. All rows must have the same number of features.
func New(name string, features [][]float32, labels []int32) (*Dataset, error) {
	if len(features) == 0 {
		return nil, errors.Errorf("tabular dataset %q: no rows", name)
	}
	numFeatures := len(features[0])
	if numFeatures == 0 {
		return nil, errors.Errorf("tabular dataset %q: rows have no features", name)
	}
	for ii, row := range features {
		if len(row) != numFeatures {
			return nil, errors.Errorf("tabular dataset %q: row #%d has %d features, expected %d",
				name, ii, len(row), numFeatures)
		}
	}
	if labels != nil && len(labels) != len(features) {
		return nil, errors.Errorf("tabular dataset %q: %d labels for %d rows", name, len(labels), len(features))
	}
	return &Dataset{name: name, features: features, labels: labels}, nil
}

// FromDataFrame creates a Dataset from the numeric columns of df. If labelColumn is not empty,
// that column is used as the integer label and the remaining columns as features.
func FromDataFrame(name string, df dataframe.DataFrame, labelColumn string) (*Dataset, error) {
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "tabular dataset %q", name)
	}
	featureNames := df.Names()
	var labels []int32
	if labelColumn != "" {
		idx := slices.Index(featureNames, labelColumn)
		if idx < 0 {
			return nil, errors.Errorf("tabular dataset %q: label column %q not found in %v", name, labelColumn, featureNames)
		}
		featureNames = slices.Delete(slices.Clone(featureNames), idx, idx+1)
		values, err := df.Col(labelColumn).Int()
		if err != nil {
			return nil, errors.Wrapf(err, "tabular dataset %q: label column %q must hold integers", name, labelColumn)
		}
		labels = make([]int32, len(values))
		for ii, v := range values {
			labels[ii] = int32(v)
		}
	}

	features := make([][]float32, df.Nrow())
	for row := range features {
		features[row] = make([]float32, len(featureNames))
	}
	for col, colName := range featureNames {
		for row, v := range df.Col(colName).Float() {
			if math.IsNaN(v) {
				return nil, errors.Errorf("tabular dataset %q: column %q has a non-numeric value in row #%d",
					name, colName, row)
			}
			features[row][col] = float32(v)
		}
	}
	ds, err := New(name, features, labels)
	if err != nil {
		return nil, err
	}
	ds.featureNames = featureNames
	return ds, nil
}

// ReadCSV reads a CSV with a header line from r. See FromDataFrame.
func ReadCSV(name string, r io.Reader, labelColumn string) (*Dataset, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DetectTypes(true))
	return FromDataFrame(name, df, labelColumn)
}

// LoadCSV reads the CSV file in path. The dataset is named after the path. See FromDataFrame.
func LoadCSV(path, labelColumn string) (ds *Dataset, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CSV dataset")
	}
	defer func() {
		cErr := f.Close()
		if err == nil && cErr != nil {
			err = errors.Wrapf(cErr, "closing %q", path)
		}
	}()
	ds, err = ReadCSV(path, f, labelColumn)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("tabular: loaded %d rows with %d features from %q", ds.NumExamples(), ds.NumFeatures(), path)
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset. It returns io.EOF after the last row.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.features) {
		return nil, nil, nil, io.EOF
	}
	row := ds.next
	ds.next++
	inputs = []*tensors.Tensor{tensors.FromValue(slices.Clone(ds.features[row]))}
	if ds.labels != nil {
		labels = []*tensors.Tensor{tensors.FromScalar(ds.labels[row])}
	}
	return nil, inputs, labels, nil
}

// NumExamples returns the number of rows.
func (ds *Dataset) NumExamples() int { return len(ds.features) }

// NumFeatures returns the number of features per row.
func (ds *Dataset) NumFeatures() int { return len(ds.features[0]) }

// FeatureNames returns the names of the feature columns, if loaded from a table.
func (ds *Dataset) FeatureNames() []string { return ds.featureNames }

// HasLabels returns whether rows have labels.
func (ds *Dataset) HasLabels() bool { return ds.labels != nil }

// NumClasses returns 1 plus the largest label, or 0 if there are no labels.
func (ds *Dataset) NumClasses() int {
	if len(ds.labels) == 0 {
		return 0
	}
	return int(slices.Max(ds.labels)) + 1
}

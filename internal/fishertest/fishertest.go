// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fishertest holds test utilities shared by the packages of this module.
package fishertest

import (
	"io"
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// DefaultBackendConfig is the backend used by tests, unless GOMLX_BACKEND is set.
// It's the pure Go backend, which requires no installation.
const DefaultBackendConfig = "go"

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the backend shared by the tests.
// It can be overwritten with the GOMLX_BACKEND environment variable.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		config := DefaultBackendConfig
		if selected := os.Getenv(backends.ConfigEnvVar); selected != "" {
			config = selected
		}
		var err error
		cachedBackend, err = backends.NewWithConfig(config)
		if err != nil {
			klog.Fatalf("Failed to create backend %q: %+v", config, err)
		}
	})
	return cachedBackend
}

// Item is one example of a SliceDataset.
type Item struct {
	Inputs, Labels []any
}

// SliceDataset is a train.Dataset that yields the given items, one at a time.
// Values are converted with tensors.FromAnyValue on each Yield, so the yielded tensors
// can be freely finalized by the caller.
type SliceDataset struct {
	DatasetName string
	Items       []Item
	next        int

	// NumYields counts the calls to Yield that returned an item.
	NumYields int
}

// NewSliceDataset creates a SliceDataset with items that only have inputs.
func NewSliceDataset(name string, inputs ...any) *SliceDataset {
	ds := &SliceDataset{DatasetName: name}
	for _, input := range inputs {
		ds.Items = append(ds.Items, Item{Inputs: []any{input}})
	}
	return ds
}

// Name implements train.Dataset.
func (ds *SliceDataset) Name() string { return ds.DatasetName }

// Reset implements train.Dataset.
func (ds *SliceDataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset.
func (ds *SliceDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.Items) {
		return nil, nil, nil, io.EOF
	}
	item := ds.Items[ds.next]
	ds.next++
	ds.NumYields++
	for _, value := range item.Inputs {
		inputs = append(inputs, tensors.FromAnyValue(value))
	}
	for _, value := range item.Labels {
		labels = append(labels, tensors.FromAnyValue(value))
	}
	return nil, inputs, labels, nil
}

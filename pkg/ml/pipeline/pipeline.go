// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs a model's forward computation over a train.Dataset, one batch per graph
// execution, and yields the outputs lazily.
//
// The model is given as a ForwardFn, a graph building function, and the variables live in a
// context.Context. Both, as well as the gradient Mode, are injected at construction: to
// instrument a Pipeline one derives a new one with Pipeline.With (e.g. with an intercepted
// ForwardFn, see Intercept), the original is never modified.
package pipeline

import (
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Call holds the arguments of one forward computation.
type Call struct {
	// Ctx is the context holding the model variables.
	Ctx *context.Context

	// Mode the graph is being built with.
	Mode Mode

	// Inputs and Labels yielded by the dataset, stacked along a new leading batch axis.
	Inputs, Labels []*graph.Node

	// Spec yielded by the dataset, see train.Dataset.
	Spec any
}

// Outputs of a forward computation.
type Outputs struct {
	// Logits is the only output a Pipeline requires.
	Logits *graph.Node

	// Fields holds any other outputs of the model, they are returned as is.
	Fields map[string]*graph.Node
}

// ForwardFn builds the forward computation of a model.
//
// It's a graph building function: it should panic (see exceptions.Panicf) on errors.
type ForwardFn func(call *Call) *Outputs

// Prediction holds the materialized Outputs of one batch.
type Prediction struct {
	Logits    *tensors.Tensor
	Fields    map[string]*tensors.Tensor
	BatchSize int
}

// FinalizeAll frees the tensors of the prediction immediately.
func (p *Prediction) FinalizeAll() {
	if p == nil {
		return
	}
	if p.Logits != nil {
		_ = p.Logits.FinalizeAll()
	}
	for _, t := range p.Fields {
		_ = t.FinalizeAll()
	}
}

// Pipeline runs a ForwardFn over datasets. See New.
type Pipeline struct {
	name    string
	backend backends.Backend
	ctx     *context.Context
	forward ForwardFn
	mode    Mode
}

// Option configures a Pipeline. See New and Pipeline.With.
type Option func(p *Pipeline)

// WithName sets the name used in logs and errors. Default is "pipeline".
func WithName(name string) Option {
	return func(p *Pipeline) { p.name = name }
}

// WithMode sets the gradient Mode. Default is Inference.
func WithMode(mode Mode) Option {
	return func(p *Pipeline) { p.mode = mode }
}

// WithForward replaces the forward function.
func WithForward(forward ForwardFn) Option {
	return func(p *Pipeline) { p.forward = forward }
}

// WithContext replaces the context holding the model variables.
func WithContext(ctx *context.Context) Option {
	return func(p *Pipeline) { p.ctx = ctx }
}

// New creates a Pipeline that executes forward on the given backend, with the variables of ctx.
func New(backend backends.Backend, ctx *context.Context, forward ForwardFn, options ...Option) *Pipeline {
	p := &Pipeline{
		name:    "pipeline",
		backend: backend,
		ctx:     ctx,
		forward: forward,
		mode:    Inference,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// With returns a copy of the Pipeline with the given options applied. p itself is not changed.
func (p *Pipeline) With(options ...Option) *Pipeline {
	newP := *p
	for _, option := range options {
		option(&newP)
	}
	return &newP
}

// Name of the pipeline.
func (p *Pipeline) Name() string { return p.name }

// Backend used to execute the forward computation.
func (p *Pipeline) Backend() backends.Backend { return p.backend }

// Context holding the model variables.
func (p *Pipeline) Context() *context.Context { return p.ctx }

// Forward returns the forward function.
func (p *Pipeline) Forward() ForwardFn { return p.forward }

// Mode returns the gradient Mode.
func (p *Pipeline) Mode() Mode { return p.mode }

// String implements fmt.Stringer.
func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline %q (%s)", p.name, p.mode)
}

// Predict returns an iterator over the predictions for ds, each batching up to batchSize
// dataset items. The dataset is read lazily, as the iterator is consumed.
//
// Each batch is one execution of the forward graph: variables changed in the graph (with
// context.Variable.SetValueGraph) are updated after each batch.
//
// Iteration stops at the first error, which is yielded with a nil Prediction.
// The yielded Predictions are owned by the caller.
func (p *Pipeline) Predict(ds train.Dataset, batchSize int) iter.Seq2[*Prediction, error] {
	return func(yield func(*Prediction, error) bool) {
		if batchSize < 1 {
			yield(nil, errors.Errorf("%s: batch size must be >= 1, got %d", p, batchSize))
			return
		}
		if p.forward == nil {
			yield(nil, errors.Errorf("%s: no forward function configured", p))
			return
		}
		r := &predictRun{
			pipeline:   p,
			execs:      make(map[string]*context.Exec),
			fieldNames: make(map[graph.GraphId][]string),
		}
		defer r.finalize()
		for {
			b, err := r.nextBatch(ds, batchSize)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			prediction, err := r.execute(b)
			b.finalize(ds)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(prediction, nil) {
				return
			}
		}
	}
}

// predictRun holds the state of one Predict iteration.
type predictRun struct {
	pipeline *Pipeline

	// execs per dataset spec.
	execs map[string]*context.Exec

	// fieldNames in the order they are returned by each graph.
	fieldNames map[graph.GraphId][]string

	// current is the batch being executed: it is read when a new graph is built.
	current *batch
}

type batch struct {
	spec                 any
	numInputs, numLabels int
	inputs, labels       [][]*tensors.Tensor // Per item.
}

func (b *batch) size() int { return len(b.inputs) }

// finalize the yielded tensors, if the dataset transferred their ownership.
func (b *batch) finalize(ds train.Dataset) {
	if custom, ok := ds.(train.DatasetCustomOwnership); ok && !custom.IsOwnershipTransferred() {
		return
	}
	for ii := range b.inputs {
		for _, t := range b.inputs[ii] {
			_ = t.FinalizeAll()
		}
		for _, t := range b.labels[ii] {
			_ = t.FinalizeAll()
		}
	}
}

// nextBatch reads up to batchSize items from ds. It returns io.EOF only if no item was read.
func (r *predictRun) nextBatch(ds train.Dataset, batchSize int) (*batch, error) {
	b := &batch{}
	for b.size() < batchSize {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: reading dataset %q", r.pipeline, ds.Name())
		}
		if len(inputs) == 0 {
			return nil, errors.Errorf("%s: dataset %q yielded no inputs", r.pipeline, ds.Name())
		}
		if b.size() == 0 {
			b.spec = spec
			b.numInputs, b.numLabels = len(inputs), len(labels)
		} else if len(inputs) != b.numInputs || len(labels) != b.numLabels ||
			fmt.Sprint(spec) != fmt.Sprint(b.spec) {
			return nil, errors.Errorf("%s: dataset %q yielded items of different kinds in the same batch "+
				"(%d inputs/%d labels, spec %v vs %d inputs/%d labels, spec %v)",
				r.pipeline, ds.Name(), b.numInputs, b.numLabels, b.spec, len(inputs), len(labels), spec)
		}
		b.inputs = append(b.inputs, inputs)
		b.labels = append(b.labels, labels)
	}
	if b.size() == 0 {
		return nil, io.EOF
	}
	return b, nil
}

// execute the forward graph for the batch b.
func (r *predictRun) execute(b *batch) (*Prediction, error) {
	p := r.pipeline
	specKey := fmt.Sprint(b.spec)
	exec, found := r.execs[specKey]
	if !found {
		var err error
		exec, err = context.NewExec(p.backend, p.ctx, r.buildGraph)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: creating executor", p)
		}
		r.execs[specKey] = exec
	}

	args := make([]any, 0, b.size()*(b.numInputs+b.numLabels))
	for ii := range b.inputs {
		for _, t := range b.inputs[ii] {
			args = append(args, t)
		}
		for _, t := range b.labels[ii] {
			args = append(args, t)
		}
	}

	r.current = b
	var outputs []*tensors.Tensor
	var g *graph.Graph
	var err error
	if panicErr := TryCatch(func() { outputs, g, err = exec.ExecWithGraph(args...) }); panicErr != nil {
		err = panicErr
	}
	r.current = nil
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: executing forward for a batch of %d", p, b.size())
	}

	names := r.fieldNames[g.GraphId()]
	if len(outputs) != len(names)+1 {
		return nil, errors.Errorf("%s: forward graph returned %d outputs, expected %d", p, len(outputs), len(names)+1)
	}
	prediction := &Prediction{
		Logits:    outputs[0],
		Fields:    make(map[string]*tensors.Tensor, len(names)),
		BatchSize: b.size(),
	}
	for ii, name := range names {
		prediction.Fields[name] = outputs[ii+1]
	}
	return prediction, nil
}

// buildGraph is the context.Exec graph function: it regroups the flat list of inputs and labels
// into batches, and calls the forward function.
func (r *predictRun) buildGraph(ctx *context.Context, flat []*graph.Node) []*graph.Node {
	p := r.pipeline
	b := r.current
	if b == nil {
		exceptions.Panicf("%s: graph built outside of a batch execution", p)
	}
	perItem := b.numInputs + b.numLabels
	if len(flat) != b.size()*perItem {
		exceptions.Panicf("%s: expected %d graph inputs for %d items, got %d",
			p, b.size()*perItem, b.size(), len(flat))
	}
	g := flat[0].Graph()
	setMode(ctx, g, p.mode)
	klog.V(1).Infof("%s: building graph #%d for a batch of %d", p, g.GraphId(), b.size())

	stackAt := func(idx int) *graph.Node {
		parts := make([]*graph.Node, b.size())
		for ii := range parts {
			parts[ii] = flat[ii*perItem+idx]
		}
		return graph.Stack(parts, 0)
	}
	call := &Call{
		Ctx:    ctx,
		Mode:   p.mode,
		Inputs: make([]*graph.Node, b.numInputs),
		Labels: make([]*graph.Node, b.numLabels),
		Spec:   b.spec,
	}
	for ii := range call.Inputs {
		call.Inputs[ii] = stackAt(ii)
	}
	for ii := range call.Labels {
		call.Labels[ii] = stackAt(b.numInputs + ii)
	}

	outputs := p.forward(call)
	if outputs == nil || outputs.Logits == nil {
		exceptions.Panicf("%s: forward function returned no logits", p)
	}
	names := slices.Sorted(maps.Keys(outputs.Fields))
	results := make([]*graph.Node, 0, len(names)+1)
	results = append(results, outputs.Logits)
	for _, name := range names {
		results = append(results, outputs.Fields[name])
	}
	if p.mode != GradientTracked {
		for ii, node := range results {
			results[ii] = graph.StopGradient(node)
		}
	}
	r.fieldNames[g.GraphId()] = names
	return results
}

// TryCatch calls fn and returns the value it panicked with as an error, or nil if it didn't panic.
// Error values are returned as is, any other value is converted to an error.
func TryCatch(fn func()) error {
	exception := exceptions.TryCatch[any](fn)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("%v", exception)
}

// finalize the executors created for the iteration.
func (r *predictRun) finalize() {
	for _, exec := range r.execs {
		exec.Finalize()
	}
}

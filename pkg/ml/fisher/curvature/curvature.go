// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package curvature implements fisher.Estimator for classification models, whose logits have the
// classes on the last axis.
package curvature

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// PredictedLabel returns the estimator of the Fisher with the predicted label, using the model's own prediction
// (argmax of the logits) as label: the curvature of each parameter is
//
//	(∇ Σ log softmax(logits)[argmax(logits)])²
//
// where the sum is over all predictions (e.g. all positions of a sequence).
func PredictedLabel() fisher.Estimator {
	return fisher.EstimatorFunc(predictedLabel)
}

func predictedLabel(model *fisher.Model, logits *graph.Node) []*graph.Node {
	classAxis, numClasses := checkLogits(logits)
	logProbs := graph.LogSoftmax(logits, classAxis)
	labels := graph.StopGradient(graph.ArgMax(logits, classAxis, dtypes.Int32))
	mask := graph.OneHot(labels, numClasses, logits.DType())
	logLikelihood := graph.ReduceAllSum(graph.Mul(logProbs, mask))
	return squared(model.Gradient(logLikelihood))
}

// Expected returns the estimator of the Fisher with the expectation over all labels: the squared
// gradient of the log-likelihood of each class, weighted by its predicted probability:
//
//	Σ_c p_c (∇ log p_c)²
//
// It takes one gradient per class, so it fails if the number of classes is larger than maxClasses.
// The logits must hold a single prediction: all axes but the last must have dimension 1.
func Expected(maxClasses int) fisher.Estimator {
	return fisher.EstimatorFunc(func(model *fisher.Model, logits *graph.Node) []*graph.Node {
		classAxis, numClasses := checkLogits(logits)
		if numClasses > maxClasses {
			exceptions.Panicf("curvature.Expected: logits have %d classes, more than the maximum of %d",
				numClasses, maxClasses)
		}
		if logits.Shape().Size() != numClasses {
			exceptions.Panicf("curvature.Expected: logits must hold a single prediction, got shape %s", logits.Shape())
		}
		dtype := logits.DType()
		g := logits.Graph()
		logProbs := graph.Reshape(graph.LogSoftmax(logits, classAxis), numClasses)
		probs := graph.StopGradient(graph.Reshape(graph.Softmax(logits, classAxis), numClasses))
		var curvature []*graph.Node
		for class := range numClasses {
			mask := graph.OneHot(graph.Scalar(g, dtypes.Int32, class), numClasses, dtype)
			logProb := graph.ReduceAllSum(graph.Mul(logProbs, mask))
			weight := graph.ReduceAllSum(graph.Mul(probs, mask))
			for ii, grad := range squared(model.Gradient(logProb)) {
				grad = graph.Mul(grad, graph.ConvertDType(weight, grad.DType()))
				if class == 0 {
					curvature = append(curvature, grad)
				} else {
					curvature[ii] = graph.Add(curvature[ii], grad)
				}
			}
		}
		return curvature
	})
}

// checkLogits panics if logits are not float or have no axes, and returns the class axis and the
// number of classes.
func checkLogits(logits *graph.Node) (classAxis, numClasses int) {
	if !logits.DType().IsFloat() {
		exceptions.Panicf("curvature: logits must be float, got %s", logits.DType())
	}
	if logits.Rank() == 0 {
		exceptions.Panicf("curvature: logits must have at least one axis (the classes), got a scalar")
	}
	classAxis = logits.Rank() - 1
	return classAxis, logits.Shape().Dimensions[classAxis]
}

func squared(grads []*graph.Node) []*graph.Node {
	for ii, grad := range grads {
		grads[ii] = graph.Square(grad)
	}
	return grads
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

// Intercept returns a function with the same signature as forward that, for every call, calls
// forward with the given argument, then calls onOutput with its result, and finally returns that
// same result.
//
// onOutput may mutate the result in place (typically a pointer to a struct), and the caller will
// observe those mutations. Nothing else is changed: the argument is passed through untouched.
//
// Functions with several parameters can be intercepted by bundling them in a request struct, the
// way ForwardFn takes a *Call.
func Intercept[A, R any](forward func(A) R, onOutput func(R)) func(A) R {
	return func(arg A) R {
		outputs := forward(arg)
		onOutput(outputs)
		return outputs
	}
}

// InterceptE is the error-returning version of Intercept.
//
// If forward returns an error, onOutput is not called and the error is returned as is.
// If onOutput returns an error, it is returned along with the outputs.
func InterceptE[A, R any](forward func(A) (R, error), onOutput func(R) error) func(A) (R, error) {
	return func(arg A) (R, error) {
		outputs, err := forward(arg)
		if err != nil {
			return outputs, err
		}
		if err = onOutput(outputs); err != nil {
			return outputs, err
		}
		return outputs, nil
	}
}

// Intercept returns a ForwardFn that calls fn and then onOutput on the outputs, before
// returning them. See the generic Intercept for details.
func (fn ForwardFn) Intercept(onOutput func(outputs *Outputs)) ForwardFn {
	return Intercept((func(*Call) *Outputs)(fn), onOutput)
}

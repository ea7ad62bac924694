package policy

import "errors"

var (
	// ErrInputWidth is returned when a feature vector does not match the
	// network input width.
	ErrInputWidth = errors.New("policy: input width mismatch")

	// ErrNonFiniteInput is returned for feature vectors containing NaN or Inf.
	ErrNonFiniteInput = errors.New("policy: non-finite input")

	// ErrParamShape is returned when loaded parameters do not match the
	// network architecture.
	ErrParamShape = errors.New("policy: parameter shape mismatch")
)

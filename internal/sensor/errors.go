package sensor

import "errors"

var (
	// ErrShapeMismatch is returned when a sample's width differs from the
	// modality's declared dimensionality. The window is left unchanged.
	ErrShapeMismatch = errors.New("sensor: sample shape mismatch")

	// ErrNonFinite is returned for samples containing NaN or Inf. The window
	// is left unchanged.
	ErrNonFinite = errors.New("sensor: sample contains non-finite value")

	// ErrIncompleteFeatures means at least one modality has not yet filled
	// its window. The control tick must be skipped.
	ErrIncompleteFeatures = errors.New("sensor: features incomplete")

	// ErrUnknownModality is returned for modality values outside the layout.
	ErrUnknownModality = errors.New("sensor: unknown modality")
)

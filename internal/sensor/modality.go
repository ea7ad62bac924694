// Package sensor buffers per-modality sensor samples in fixed-capacity
// windows, standardises them, and composes the policy feature vector.
package sensor

import (
	"fmt"
	"strings"
)

// Modality identifies one category of sensor input.
type Modality int

// The declaration order below is the feature concatenation order. Trained
// policy weights depend on it; append new modalities at the end only.
const (
	JointAngles Modality = iota
	Velocities
	Torques
	FootForces
	HandJointAngles
	ObjectForces

	numModalities
)

// ForceDim is the width of the wrench force modalities (x, y, z).
const ForceDim = 3

var modalityNames = [numModalities]string{
	JointAngles:     "joint_angles",
	Velocities:      "velocities",
	Torques:         "torques",
	FootForces:      "foot_forces",
	HandJointAngles: "hand_joint_angles",
	ObjectForces:    "object_forces",
}

func (m Modality) String() string {
	if m < 0 || m >= numModalities {
		return fmt.Sprintf("modality(%d)", int(m))
	}
	return modalityNames[m]
}

// Valid reports whether m is one of the declared modalities.
func (m Modality) Valid() bool {
	return m >= 0 && m < numModalities
}

// ParseModality maps a modality name (case-insensitive) to its Modality.
func ParseModality(s string) (Modality, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range modalityNames {
		if n == name {
			return Modality(i), nil
		}
	}
	return 0, fmt.Errorf("unknown modality %q", s)
}

// Modalities returns all modalities in feature order.
func Modalities() []Modality {
	out := make([]Modality, numModalities)
	for i := range out {
		out[i] = Modality(i)
	}
	return out
}

// Layout declares the per-sample dimensionality of every modality. Joint
// modalities are sized by the robot's joint counts; force modalities are
// always three components.
type Layout struct {
	BodyJoints int
	HandJoints int
}

// DefaultLayout is the reference robot: 12 body joints and 18 hand joints,
// which yields a 60-wide feature vector.
func DefaultLayout() Layout {
	return Layout{BodyJoints: 12, HandJoints: 18}
}

// Dim returns the sample width of m.
func (l Layout) Dim(m Modality) int {
	switch m {
	case JointAngles, Velocities, Torques:
		return l.BodyJoints
	case HandJointAngles:
		return l.HandJoints
	case FootForces, ObjectForces:
		return ForceDim
	default:
		return 0
	}
}

// Width is the total feature vector width.
func (l Layout) Width() int {
	w := 0
	for _, m := range Modalities() {
		w += l.Dim(m)
	}
	return w
}

// Offset returns the starting index of m within the feature vector.
func (l Layout) Offset(m Modality) int {
	off := 0
	for i := Modality(0); i < m; i++ {
		off += l.Dim(i)
	}
	return off
}

// Validate rejects layouts with non-positive joint counts.
func (l Layout) Validate() error {
	if l.BodyJoints <= 0 {
		return fmt.Errorf("body joint count must be positive, got %d", l.BodyJoints)
	}
	if l.HandJoints <= 0 {
		return fmt.Errorf("hand joint count must be positive, got %d", l.HandJoints)
	}
	return nil
}

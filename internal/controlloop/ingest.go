package controlloop

import (
	"errors"
	"fmt"

	"github.com/banshee-data/ctrlbridge/internal/sensor"
)

// Ingest routes one sample to its modality buffer. Rejections are counted
// and logged (rate-limited) and returned to the caller; they never affect
// the other modalities or the control tick.
func (c *Context) Ingest(m sensor.Modality, sample []float64) error {
	if !m.Valid() {
		c.unknown.Add(1)
		return fmt.Errorf("%w: %d", sensor.ErrUnknownModality, int(m))
	}
	if _, _, err := c.bank.Ingest(m, sample); err != nil {
		c.rejected[m].Add(1)
		c.ingestLog.Logf("controlloop: rejected %s sample: %v", m, err)
		return err
	}
	return nil
}

// IngestJointState handles a joint-state message: positions, velocities
// and efforts feed the joint_angles, velocities and torques modalities.
func (c *Context) IngestJointState(position, velocity, effort []float64) error {
	return errors.Join(
		c.Ingest(sensor.JointAngles, position),
		c.Ingest(sensor.Velocities, velocity),
		c.Ingest(sensor.Torques, effort),
	)
}

// IngestFootForce handles a foot contact wrench's force component.
func (c *Context) IngestFootForce(x, y, z float64) error {
	return c.Ingest(sensor.FootForces, []float64{x, y, z})
}

// IngestHandJointState handles the hand joint positions.
func (c *Context) IngestHandJointState(position []float64) error {
	return c.Ingest(sensor.HandJointAngles, position)
}

// IngestObjectForce handles the force component of the object wrench.
func (c *Context) IngestObjectForce(x, y, z float64) error {
	return c.Ingest(sensor.ObjectForces, []float64{x, y, z})
}

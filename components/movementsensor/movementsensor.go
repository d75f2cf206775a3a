// Package movementsensor defines the interfaces of a MovementSensor that reports orientation.
package movementsensor

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/rotationfusion/fusion"
	"go.viam.com/rotationfusion/spatialmath"
)

// Properties tells you what a MovementSensor supports.
type Properties struct {
	OrientationSupported        bool `json:"orientation_supported"`
	PositionSupported           bool `json:"position_supported"`
	CompassHeadingSupported     bool `json:"compass_heading_supported"`
	LinearVelocitySupported     bool `json:"linear_velocity_supported"`
	AngularVelocitySupported    bool `json:"angular_velocity_supported"`
	LinearAccelerationSupported bool `json:"linear_acceleration_supported"`
}

// A MovementSensor reports the device's orientation.
type MovementSensor interface {
	Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error)
	Properties(ctx context.Context, extra map[string]interface{}) (*Properties, error)
	Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error)
	Close(ctx context.Context) error
}

var (
	// ErrMethodUnimplementedOrientation returns error if the Orientation method is unimplemented.
	ErrMethodUnimplementedOrientation = errors.New("Orientation Unimplemented")
	// ErrMethodUnimplementedProperties returns error if the Properties method is unimplemented.
	ErrMethodUnimplementedProperties = errors.New("Properties Unimplemented")
)

// Readings is a helper for getting all readings from a MovementSensor.
func Readings(ctx context.Context, ms MovementSensor, extra map[string]interface{}) (map[string]interface{}, error) {
	readings := map[string]interface{}{}

	ori, err := ms.Orientation(ctx, extra)
	if err != nil {
		if !errors.Is(err, ErrMethodUnimplementedOrientation) {
			return nil, err
		}
	} else {
		readings["orientation"] = ori
		readings["euler_angles"] = ori.EulerAngles()
	}

	return readings, nil
}

// RotationSource streams raw rotation-vector samples from one sensor.
type RotationSource interface {
	// Samples starts delivery at roughly the requested period. The channel is closed once ctx is
	// done.
	Samples(ctx context.Context, periodMicros int) (<-chan []float32, error)
}

// RotationSources looks up the rotation sensors present on a device.
type RotationSources interface {
	RotationSource(kind fusion.Source) (RotationSource, bool)
}

package xdna

import (
	"github.com/ehrlich-b/go-xdna/internal/simkernel"
)

// SimulatedNode is the device node served by simulated platforms
const SimulatedNode = simkernel.DevicePrefix + "accel0"

// NewSimulatedPlatform returns a platform whose single device is backed by
// an in-process model of the amdxdna driver instead of real hardware. It is
// meant for tests and demos of code built on this package.
func NewSimulatedPlatform(gen Generation, opts ...PlatformOption) (*Platform, error) {
	cfg := DefaultConfig()
	cfg.DeviceNodes = []string{SimulatedNode}
	cfg.Generation = gen.String()
	opts = append([]PlatformOption{WithKernel(simkernel.NewDriver().NewProcess())}, opts...)
	return NewPlatform(cfg, opts...)
}

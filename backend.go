package xdna

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-xdna/internal/constants"
	"github.com/ehrlich-b/go-xdna/internal/pdev"
)

// Generation selects how a device queues work. KMQ devices are fed through
// the kernel command ioctls and carve cacheable buffers out of a device
// heap; UMQ devices own a user-mode queue buffer and a doorbell.
type Generation int

const (
	GenerationKMQ Generation = iota
	GenerationUMQ
)

func (g Generation) String() string {
	switch g {
	case GenerationKMQ:
		return "kmq"
	case GenerationUMQ:
		return "umq"
	}
	return fmt.Sprintf("generation(%d)", int(g))
}

// ParseGeneration accepts "kmq" or "umq"
func ParseGeneration(s string) (Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kmq":
		return GenerationKMQ, nil
	case "umq":
		return GenerationUMQ, nil
	}
	return GenerationKMQ, NewError("parse_generation", ErrCodeInvalidParameters,
		fmt.Sprintf("unknown device generation %q", s))
}

// device_type values published by the driver in sysfs
const (
	sysfsDeviceTypeKMQ = 0
	sysfsDeviceTypeUMQ = 1
)

// DetectGeneration reads the driver's device_type attribute for an accel
// node under sysfsRoot (normally /sys/class/accel).
func DetectGeneration(sysfsRoot, node string) (Generation, error) {
	path := filepath.Join(sysfsRoot, filepath.Base(node), "device", "device_type")
	raw, err := os.ReadFile(path)
	if err != nil {
		return GenerationKMQ, errors.Wrapf(err, "read %s", path)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return GenerationKMQ, errors.Wrapf(err, "parse %s", path)
	}
	switch v {
	case sysfsDeviceTypeKMQ:
		return GenerationKMQ, nil
	case sysfsDeviceTypeUMQ:
		return GenerationUMQ, nil
	}
	return GenerationKMQ, NewError("detect_generation", ErrCodeUnsupported,
		fmt.Sprintf("device type %d of %s", v, node))
}

// backend is the per-generation part of a device
type backend interface {
	generation() Generation

	// hooks run on the physical device's first open and last close
	hooks() pdev.Hooks

	// bufferType maps allocation flags to the driver buffer type
	bufferType(f Flags) (uint32, error)

	// newQueue allocates the queue a new context is created with
	newQueue(d *Device) (*HwQueue, error)

	// configure finishes a context after the driver created it
	configure(c *HwContext) error
}

func newBackend(g Generation, heapSize uint64) backend {
	if g == GenerationUMQ {
		return umqBackend{}
	}
	if heapSize == 0 {
		heapSize = constants.DevHeapSize
	}
	return kmqBackend{heapSize: heapSize}
}

type kmqBackend struct {
	heapSize uint64
}

func (kmqBackend) generation() Generation { return GenerationKMQ }

func (b kmqBackend) hooks() pdev.Hooks {
	return pdev.HeapHooks{Size: b.heapSize}
}

func (kmqBackend) bufferType(f Flags) (uint32, error) {
	return kmqBufferType(f)
}

func (kmqBackend) newQueue(d *Device) (*HwQueue, error) {
	return newHwQueue(d, nil), nil
}

func (kmqBackend) configure(c *HwContext) error {
	return c.configureCUs()
}

type umqBackend struct{}

func (umqBackend) generation() Generation { return GenerationUMQ }

func (umqBackend) hooks() pdev.Hooks {
	return pdev.NopHooks{}
}

func (umqBackend) bufferType(f Flags) (uint32, error) {
	return umqBufferType(f)
}

func (umqBackend) newQueue(d *Device) (*HwQueue, error) {
	// The queue buffer belongs to the queue, not the device
	bo, err := d.newBO(constants.UMQQueueSize, FlagNone, nil)
	if err != nil {
		return nil, err
	}
	return newHwQueue(d, bo), nil
}

// UMQ contexts run whatever is written to their queue; there is nothing to
// configure up front.
func (umqBackend) configure(*HwContext) error {
	return nil
}

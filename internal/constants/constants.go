package constants

import "time"

// Device defaults
const (
	// DefaultDeviceNode is the accel node opened when none is configured
	DefaultDeviceNode = "/dev/accel/accel0"

	// SysfsAccelClass holds one directory per accel node
	SysfsAccelClass = "/sys/class/accel"

	// DevHeapSize is the device heap reserved on first open of a KMQ device (64MB)
	DevHeapSize = 64 << 20
)

// Hardware context sizing
const (
	// TilesPerColumn converts partition columns into the tile count passed to the driver
	TilesPerColumn = 4

	// LogBufferBytesPerColumn is the firmware log space reserved per column
	LogBufferBytesPerColumn = 1024

	// UMQQueueSize is the size of the user-mode queue buffer
	UMQQueueSize = 4096

	// PageSize is the granularity of device heap and buffer mappings
	PageSize = 4096
)

// Timing constants
const (
	// DefaultWaitTimeout bounds command waits issued by the CLI
	DefaultWaitTimeout = 5 * time.Second

	// WaitForever passed as a timeout blocks until completion
	WaitForever = 0
)

package xdna

import "github.com/ehrlich-b/go-xdna/internal/constants"

// Re-export constants for public API
const (
	DefaultDeviceNode       = constants.DefaultDeviceNode
	SysfsAccelClass         = constants.SysfsAccelClass
	DevHeapSize             = constants.DevHeapSize
	TilesPerColumn          = constants.TilesPerColumn
	LogBufferBytesPerColumn = constants.LogBufferBytesPerColumn
	UMQQueueSize            = constants.UMQQueueSize
	PageSize                = constants.PageSize
	DefaultWaitTimeout      = constants.DefaultWaitTimeout
	WaitForever             = constants.WaitForever
)

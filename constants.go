package ublk

import "github.com/ehrlich-b/go-ublksrv/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultNumQueues        = constants.DefaultNumQueues
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultMaxIOSize        = constants.DefaultMaxIOSize
	AutoAssignDeviceID      = constants.AutoAssignDeviceID
	DeviceLiveTimeout       = constants.DeviceLiveTimeout
)

package ublk

import (
	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
)

// Target implements the storage semantics of a device; see package target
// for the stock implementations
type Target = interfaces.Target

// BackingFinisher is the optional hook a Target uses to post-process the
// result of its own backing I/O
type BackingFinisher = interfaces.BackingFinisher

// Named targets report a type name for logs and listings
type Named = interfaces.Named

type (
	IO          = interfaces.IO
	Op          = interfaces.Op
	Outcome     = interfaces.Outcome
	BackingOp   = interfaces.BackingOp
	BackingKind = interfaces.BackingKind
	Builder     = interfaces.Builder
	Descriptor  = interfaces.Descriptor
)

// Request operations
const (
	OpRead         = interfaces.OpRead
	OpWrite        = interfaces.OpWrite
	OpFlush        = interfaces.OpFlush
	OpDiscard      = interfaces.OpDiscard
	OpWriteZeroes  = interfaces.OpWriteZeroes
	OpZoneOpen     = interfaces.OpZoneOpen
	OpZoneClose    = interfaces.OpZoneClose
	OpZoneFinish   = interfaces.OpZoneFinish
	OpZoneAppend   = interfaces.OpZoneAppend
	OpZoneResetAll = interfaces.OpZoneResetAll
	OpZoneReset    = interfaces.OpZoneReset
	OpReportZones  = interfaces.OpReportZones
)

// Backend is flat byte storage usable with target.NewSync
type Backend = interfaces.Backend

// ErrInvalidGeometry is returned when a device geometry fails validation
var ErrInvalidGeometry = interfaces.ErrInvalidGeometry

// Done completes a request with res
func Done(res int32) Outcome { return interfaces.Done(res) }

// Await suspends a request until op completes
func Await(op BackingOp) Outcome { return interfaces.Await(op) }

// Logger is the structured logger used by devices and queues
type (
	Logger    = logging.Logger
	LogConfig = logging.Config
)

// NewLogger creates a logger; see LogConfig
func NewLogger(cfg *LogConfig) *Logger { return logging.NewLogger(cfg) }

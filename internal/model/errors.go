package model

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDeviceUnavailable = errors.New("no capture device available and emulation disabled")
	ErrSpawn             = errors.New("capture process failed to start")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLocked            = errors.New("store is owned by another tapedeck process")
)

// ErrorInterrupted is stored in CaptureJob.Error of jobs which were active
// when the previous process exited.
const ErrorInterrupted = "interrupted by restart"

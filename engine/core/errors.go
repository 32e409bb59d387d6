package core

import (
	"errors"
)

var (
	// ErrResourceCreationFailure is returned when the device runs out of memory,
	// descriptor capacity or any other budget while creating an object.
	ErrResourceCreationFailure = errors.New("resource creation failure")
	// ErrCapacityExceeded is returned when a fixed-capacity container is overrun.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidHandleUse is returned when a released or never initialised handle
	// is dereferenced or bound.
	ErrInvalidHandleUse = errors.New("invalid handle use")
	// ErrDeviceFailure is fatal to the render loop; the renderer must be recreated.
	ErrDeviceFailure = errors.New("device failure")
	// ErrShaderCompileFailure is returned when a shader source and macro set does not compile.
	ErrShaderCompileFailure = errors.New("shader compile failure")
	ErrFenceTimeout         = errors.New("fence wait timed out")
	ErrNotInitialized       = errors.New("not initialized")
	ErrUnknownProcess       = errors.New("unknown render process")
	ErrUnknown              = errors.New("unknown")
)

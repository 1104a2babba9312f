package define

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArg indicates that an invalid argument was passed.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrNoKey indicates that an encrypted volume was requested but
	// the compartment has no key.
	ErrNoKey = errors.New("compartment has no volume key")

	// ErrDeviceTimeout indicates that a mapped device node did not
	// appear within the configured wait budget.
	ErrDeviceTimeout = errors.New("timeout waiting for device node")

	// ErrUnsupportedMountType indicates a mount entry whose type the
	// engine cannot handle.
	ErrUnsupportedMountType = errors.New("unsupported mount type")
)

// MountError is a failed mount(2) with its operands.
type MountError struct {
	Src   string
	Dst   string
	FS    string
	Cause error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mounting %s on %s (%s): %v", e.Src, e.Dst, e.FS, e.Cause)
}

func (e *MountError) Unwrap() error { return e.Cause }

// FormatError is a failed filesystem creation on a device.
type FormatError struct {
	Dev   string
	FS    string
	Cause error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("formatting %s as %s: %v", e.Dev, e.FS, e.Cause)
}

func (e *FormatError) Unwrap() error { return e.Cause }

// OverlayError is a failed overlay composition step.
type OverlayError struct {
	Step  string
	Cause error
}

func (e *OverlayError) Error() string {
	return fmt.Sprintf("overlay assembly failed at %s: %v", e.Step, e.Cause)
}

func (e *OverlayError) Unwrap() error { return e.Cause }

package media

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Device-acquisition failures, classified into the small set of
// user-meaningful categories the UI can act on. Callers match with errors.Is.
var (
	ErrPermissionDenied = errors.New("device permission denied")
	ErrDeviceNotFound   = errors.New("no capture device found")
	ErrDeviceBusy       = errors.New("capture device is busy")
	ErrOverconstrained  = errors.New("no device satisfies the requested constraints")
	ErrCaptureFailed    = errors.New("capture failed")
)

// Classify wraps a raw driver error with the matching sentinel so callers can
// distinguish "permission denied" from "not plugged in" without parsing
// driver-specific text themselves.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceBusy),
		errors.Is(err, ErrOverconstrained),
		errors.Is(err, ErrCaptureFailed):
		return err // already classified
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, fs.ErrPermission),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)

	case strings.Contains(msg, "device or resource busy"),
		strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)

	// mediadevices reports an unsatisfiable constraint set as a failure to
	// find a fitting driver.
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "overconstrained"):
		return fmt.Errorf("%w: %v", ErrOverconstrained, err)

	case errors.Is(err, fs.ErrNotExist),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no such file"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no media devices"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)

	default:
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
}

// Package ctapble implements the CTAP-BLE fragmentation and defragmentation
// protocol: the Framer/Reassembler pair that turns a logical CBOR/MSG
// payload into GATT control-point writes and back, plus the small
// Transport façade that routes a logical command to them.
package ctapble

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a caller needs to branch on. It mirrors
// the error taxonomy of the transport core rather than any particular
// transport (dbus, tinygo bluetooth, ...).
type Kind int

const (
	// KindInternalError covers programmer errors: unsupported logical
	// commands, calling a method on a façade that was never wired up.
	KindInternalError Kind = iota
	// KindInvalidArgument covers malformed caller input: a device
	// identifier without the "ble:" prefix, an INIT response buffer of the
	// wrong size, a negative capacity.
	KindInvalidArgument
	// KindUnusableDevice means the candidate device exists but fails the
	// Link's usability checks (not paired, not connected, services not
	// resolved).
	KindUnusableDevice
	// KindDiscoveryFailed means the FIDO service or one of its mandatory
	// characteristics could not be located under the device.
	KindDiscoveryFailed
	// KindRevisionUnsupported means the Service Revision Bitfield does not
	// advertise FIDO2 support.
	KindRevisionUnsupported
	// KindProtocolError means bytes arrived but did not parse as a valid
	// CTAP-BLE frame (bad command byte, short frame, sequence mismatch).
	KindProtocolError
	// KindIOError wraps a transport-level failure: a dbus call error, a
	// closed characteristic, a write that the peripheral rejected.
	KindIOError
	// KindTimeout means no frame arrived within the caller's deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternalError:
		return "internal error"
	case KindInvalidArgument:
		return "invalid argument"
	case KindUnusableDevice:
		return "unusable device"
	case KindDiscoveryFailed:
		return "discovery failed"
	case KindRevisionUnsupported:
		return "revision unsupported"
	case KindProtocolError:
		return "protocol error"
	case KindIOError:
		return "i/o error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every exported operation in this
// module and its sibling packages (pkg/link, pkg/enumerate). Op names the
// failing operation (e.g. "ctapble.Send", "link.Open") so log lines stay
// greppable without parsing the message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed Error. err may be nil when the kind itself is the
// whole story (e.g. KindTimeout with no underlying cause).
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is NewError with a formatted underlying cause.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTimeout reports whether err is a KindTimeout *Error.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTimeout
}

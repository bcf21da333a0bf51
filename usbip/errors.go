package usbip

import (
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Sentinel errors for the conditions spec.md §7 calls out by kind. Use
// errors.Is against these; wrapped context is added with errors.Wrap/Wrapf
// at each call site, matching the teacher's error-handling style.
var (
	// ErrConnectionRefused is returned when the initial TCP dial to the
	// usbipd server fails.
	ErrConnectionRefused = errors.New("usbip: connection refused")

	// ErrDisconnected is returned to every suspended caller when the
	// underlying socket closes mid-operation.
	ErrDisconnected = errors.New("usbip: disconnected")

	// ErrMalformedFrame is returned by the wire codec when a header fails
	// its length or version/code check.
	ErrMalformedFrame = errors.New("usbip: malformed frame")

	// ErrTruncatedDescriptor is returned when a configuration descriptor
	// buffer is shorter than its declared wTotalLength.
	ErrTruncatedDescriptor = errors.New("usbip: truncated descriptor")

	// ErrMalformedDescriptor is returned when a descriptor record's
	// bLength is too small to be valid.
	ErrMalformedDescriptor = errors.New("usbip: malformed descriptor")

	// ErrNotCdcSerial is returned when no bulk IN/OUT pair can be found
	// in a device's CDC data interface.
	ErrNotCdcSerial = errors.New("usbip: no CDC bulk endpoint pair found")

	// ErrSendFailed is returned when a write to the socket is short or
	// errors outright.
	ErrSendFailed = errors.New("usbip: send failed")

	// ErrReadTimeout is returned when response_data or submit_in's
	// deadline elapses before enough data (or the delimiter) arrives.
	ErrReadTimeout = errors.New("usbip: read timeout")

	// ErrUnlinked is returned to a caller whose transaction was cancelled
	// via CMD_UNLINK.
	ErrUnlinked = errors.New("usbip: transaction unlinked")

	// ErrSeqnumExhausted is returned when the 32-bit seqnum counter would
	// wrap; the engine closes the connection at that point.
	ErrSeqnumExhausted = errors.New("usbip: seqnum counter exhausted")

	// ErrNoEndpoint is returned by Connection.ResponseData when called with
	// size 0 on a Connection that has no Delimiter set.
	ErrNoEndpoint = errors.New("usbip: no endpoint pair for connection")

	// ErrTransferFailed is returned when a RET_SUBMIT carries a non-zero
	// status for a data transfer (as opposed to a failed attach/import).
	ErrTransferFailed = errors.New("usbip: urb transfer failed")
)

// AttachFailedError reports that OP_REP_IMPORT for a specific busid came
// back with a non-zero status. SpuriousResponse is logged, not raised, per
// spec.md §4.3, so it has no error type here; see engineMetrics.spurious.
type AttachFailedError struct {
	BusID  string
	Status int32
}

func (e *AttachFailedError) Error() string {
	return fmt.Sprintf("usbip: attach failed for busid %s: status %d", e.BusID, e.Status)
}

// AttachFailed constructs an AttachFailedError.
func AttachFailed(busID string, status int32) error {
	return &AttachFailedError{BusID: busID, Status: status}
}

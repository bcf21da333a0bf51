package usbip

// Connection is the per-endpoint byte-pipe facade (spec.md §4.5): writes
// go straight out as bulk OUT transfers, reads accumulate an inbound
// buffer across as many bulk IN transfers as needed to satisfy either a
// fixed size or a delimiter, mirroring
// original_source/serial_usbipclient/usbip_client.py's
// USBIP_Connection.send_command/response_data split.

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Connection is one bulk IN/OUT byte pipe to an attached CDC device.
// Safe for concurrent SendAll and ResponseData calls from different
// goroutines (each serializes through the shared urbEngine), but not for
// concurrent ResponseData calls with each other, since they share one
// pending-bytes buffer.
type Connection struct {
	device   HardwareID
	attached AttachedDevice
	engine   *urbEngine

	// Delimiter, when non-empty, is used by ResponseData(ctx, 0) to find
	// a complete inbound message instead of waiting for an exact size.
	Delimiter []byte
	// DefaultTimeout bounds a read when ctx carries no deadline of its
	// own.
	DefaultTimeout time.Duration

	mu      sync.Mutex
	pending []byte
}

func newConnection(engine *urbEngine, attached AttachedDevice, device HardwareID) *Connection {
	return &Connection{
		device:         device,
		attached:       attached,
		engine:         engine,
		DefaultTimeout: DefaultReadTimeout,
	}
}

// SendAll writes data as one or more bulk OUT transfers, chunked to the
// endpoint's MaxOutPacket, and waits for each to be confirmed by
// RET_SUBMIT before sending the next (spec.md §4.5).
func (c *Connection) SendAll(ctx context.Context, data []byte) error {
	chunkSize := int(c.attached.MaxOutPacket)
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	for offset := 0; offset < len(data) || (len(data) == 0 && offset == 0); {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		seqnum, err := c.engine.submitOut(c.attached.DevID, uint32(c.attached.BulkOutAddress), chunk)
		if err != nil {
			return err
		}
		if _, err := c.engine.awaitResult(ctx, seqnum); err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		offset = end
	}
	return nil
}

// ResponseData returns buffered inbound bytes, requesting more bulk IN
// transfers as needed.
//
// When size > 0, it blocks until exactly size bytes have been
// accumulated (returning them and retaining any surplus for the next
// call). When size == 0, it blocks until Delimiter has been seen in the
// accumulated buffer, returning everything up to and including the
// delimiter.
//
// A read timeout (spec.md §7) preserves whatever had already been
// buffered; the next call picks up where this one left off.
func (c *Connection) ResponseData(ctx context.Context, size uint32) ([]byte, error) {
	if size == 0 && len(c.Delimiter) == 0 {
		return nil, ErrNoEndpoint
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.DefaultTimeout)
		defer cancel()
	}

	for {
		if out, ok := c.tryConsume(size); ok {
			return out, nil
		}

		readLen := c.attached.MaxInPacket
		if readLen == 0 {
			readLen = 64
		}
		payload, err := c.engine.submitIn(ctx, c.attached.DevID, uint32(c.attached.BulkInAddress), uint32(readLen))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.pending = append(c.pending, payload...)
		c.mu.Unlock()
	}
}

func (c *Connection) tryConsume(size uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > 0 {
		if uint32(len(c.pending)) < size {
			return nil, false
		}
		out := append([]byte(nil), c.pending[:size]...)
		c.pending = c.pending[size:]
		return out, true
	}

	idx := bytes.Index(c.pending, c.Delimiter)
	if idx < 0 {
		return nil, false
	}
	end := idx + len(c.Delimiter)
	out := append([]byte(nil), c.pending[:end]...)
	c.pending = c.pending[end:]
	return out, true
}

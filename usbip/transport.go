package usbip

// Transport adapter (spec.md §4.6): owns a single TCP socket, serializes
// writes, and runs a reassembly loop that produces complete op-layer or
// command-layer frames. Short reads across TCP segment boundaries are
// handled with io.ReadFull throughout, matching the partial-read caveat
// spec.md calls out. Grounded in teacher usbip/connection.go's
// Target.Dial, generalized into an explicit adapter with its own read
// loop rather than ad hoc binary.Read calls scattered across callers.

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Target is the (host, port) of a remote usbipd server (spec.md §6).
type Target struct {
	Host string
	Port int
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DefaultPort is the usbipd well-known TCP port (spec.md §6).
const DefaultPort = 3240

// Dialer abstracts TCP socket creation so tests can substitute an
// in-process listener without touching DNS or real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetDialer is the default Dialer, backed by net.Dialer.
type NetDialer struct{}

// DialContext implements Dialer.
func (NetDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// opReply is one fully-reassembled op-layer frame handed from the reader
// loop to whichever attach step is waiting for it.
type opReply struct {
	header opHeader
	body   []byte
}

// transport owns the socket, serializes writes under writeMu, and runs a
// single reader goroutine that demultiplexes inbound frames to either the
// op-reply channel (devlist/import negotiation) or the URB engine
// (command-layer traffic), per spec.md §5's single-reader-single-writer
// model.
type transport struct {
	conn net.Conn

	writeMu sync.Mutex

	opReplies chan opReply

	engine *urbEngine

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	logger log.Logger
}

func newTransport(conn net.Conn, logger log.Logger) *transport {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &transport{
		conn:      conn,
		opReplies: make(chan opReply, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
	return t
}

// attachEngine wires the URB engine that command-layer frames dispatch
// into. newURBEngine calls it when the engine is built, before the reader
// loop starts.
func (t *transport) attachEngine(e *urbEngine) {
	t.engine = e
}

// write sends a fully-encoded frame atomically; a short write or socket
// error is reported as ErrSendFailed (spec.md §7).
func (t *transport) write(buf []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	n, err := t.conn.Write(buf)
	if err != nil {
		return errors.Wrap(ErrSendFailed, err.Error())
	}
	if n != len(buf) {
		return errors.Wrapf(ErrSendFailed, "short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// close closes the socket and unblocks the reader loop. Safe to call more
// than once.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		close(t.done)
	})
	return t.closeErr
}

// run is the single reader goroutine. It loops until the socket closes or
// an unrecoverable framing error occurs, at which point every suspended
// URB caller is faulted with ErrDisconnected (spec.md §5).
func (t *transport) run() {
	defer func() {
		if t.engine != nil {
			t.engine.faultAll(ErrDisconnected)
		}
	}()
	for {
		if err := t.readOneFrame(); err != nil {
			if err != io.EOF {
				_ = level.Debug(t.logger).Log("msg", "transport read loop exiting", "err", err)
			}
			return
		}
	}
}

// readOneFrame reads exactly one op-layer or command-layer frame and
// dispatches it. The op-layer version field (0x0111) never collides with
// a valid command code (0x00000001-0x00000004), which is what lets a
// single reader demultiplex both framing layers on the wire (spec.md
// §4.6).
func (t *transport) readOneFrame() error {
	var magic [2]byte
	if _, err := io.ReadFull(t.conn, magic[:]); err != nil {
		return err
	}
	if magic[0] == 0x01 && magic[1] == 0x11 {
		return t.readOpFrame(magic)
	}
	return t.readCmdFrame(magic)
}

func (t *transport) readOpFrame(magic [2]byte) error {
	var rest [6]byte
	if _, err := io.ReadFull(t.conn, rest[:]); err != nil {
		return err
	}
	var headerBuf [opHeaderSize]byte
	copy(headerBuf[0:2], magic[:])
	copy(headerBuf[2:8], rest[:])
	header, err := decodeOpHeader(headerBuf[:])
	if err != nil {
		return err
	}

	var body []byte
	switch header.Code {
	case opRepDevlist:
		body, err = t.readDevlistBody()
	case opRepImport:
		// A failed import is answered with the op header alone.
		if header.Status == 0 {
			body = make([]byte, importReplyBodySize)
			_, err = io.ReadFull(t.conn, body)
		}
	default:
		return ErrMalformedFrame
	}
	if err != nil {
		return err
	}

	select {
	case t.opReplies <- opReply{header: header, body: body}:
	case <-t.done:
		return io.EOF
	}
	return nil
}

// readDevlistBody reads num_exported_devices followed by that many
// variable-length device records (spec.md §4.6: "length-prefixed by
// device count"), preserving the raw bytes of each record (including its
// trailing per-interface records) so decodeDevlistResponse can parse them
// uniformly regardless of whether they came from a live read or a test
// fixture.
func (t *transport) readDevlistBody() ([]byte, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(t.conn, countBuf[:]); err != nil {
		return nil, err
	}
	numDevices := beUint32(countBuf[:])

	out := append([]byte{}, countBuf[:]...)
	const fixedRecordSize = pathSize + busIDSize + remoteDeviceFixedSize
	for i := uint32(0); i < numDevices; i++ {
		rec := make([]byte, fixedRecordSize)
		if _, err := io.ReadFull(t.conn, rec); err != nil {
			return nil, err
		}
		dev, _, err := decodeRemoteDevicePath(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
		skip := int(dev.NumInterfaces) * devlistInterfaceRecordSize
		if skip > 0 {
			ifaceBuf := make([]byte, skip)
			if _, err := io.ReadFull(t.conn, ifaceBuf); err != nil {
				return nil, err
			}
			out = append(out, ifaceBuf...)
		}
	}
	return out, nil
}

func (t *transport) readCmdFrame(magic [2]byte) error {
	var rest [cmdHeaderSize - 2]byte
	if _, err := io.ReadFull(t.conn, rest[:]); err != nil {
		return err
	}
	var headerBuf [cmdHeaderSize]byte
	copy(headerBuf[0:2], magic[:])
	copy(headerBuf[2:], rest[:])

	command, err := peekCommand(headerBuf[:])
	if err != nil {
		return err
	}

	switch command {
	case retSubmit:
		msg, err := decodeRetSubmitHeader(headerBuf[:])
		if err != nil {
			return err
		}
		if t.engine == nil {
			return ErrMalformedFrame
		}
		direction, expectPayload := t.engine.pendingDirection(msg.Seqnum)
		_ = direction
		var payload []byte
		if expectPayload && msg.ActualLength > 0 {
			payload = make([]byte, msg.ActualLength)
			if _, err := io.ReadFull(t.conn, payload); err != nil {
				return err
			}
		}
		t.engine.onInbound(msg, payload)
		return nil
	case retUnlink:
		msg, err := decodeRetUnlink(headerBuf[:])
		if err != nil {
			return err
		}
		if t.engine != nil {
			t.engine.onUnlinkAck(msg)
		}
		return nil
	default:
		return ErrMalformedFrame
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

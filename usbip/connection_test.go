package usbip

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestConnection(t *testing.T, attached AttachedDevice) (*Connection, net.Conn) {
	t.Helper()
	e, peer := newTestEngine(t)
	return newConnection(e, attached, HardwareID{VendorID: attached.VendorID, ProductID: attached.ProductID}), peer
}

func TestSendAllChunksToMaxOutPacket(t *testing.T) {
	attached := AttachedDevice{
		RemoteDevice:    RemoteDevice{},
		CdcEndpointPair: CdcEndpointPair{BulkOutAddress: 0x02, MaxOutPacket: 4},
		DevID:           0x00010001,
	}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	var chunkLens []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for total := 0; total < len(data); {
			m, err := readCmdSubmit(peer)
			if err != nil {
				return
			}
			chunkLens = append(chunkLens, len(m.Payload))
			total += len(m.Payload)
			_, _ = peer.Write(encodeRetSubmit(retSubmitMsg{
				cmdHeader: cmdHeader{Seqnum: m.Seqnum, Devid: m.Devid, Direction: dirOut, Ep: m.Ep},
				Status:    0,
			}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.SendAll(ctx, data); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("peer never observed all chunks")
	}
	if len(chunkLens) != 3 || chunkLens[0] != 4 || chunkLens[1] != 4 || chunkLens[2] != 1 {
		t.Fatalf("unexpected chunk sizes: %v", chunkLens)
	}
}

func TestSendAllZeroLengthSendsOneEmptySubmit(t *testing.T) {
	attached := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkOutAddress: 0x02, MaxOutPacket: 4}, DevID: 1}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := readCmdSubmit(peer)
		if err != nil {
			return
		}
		_, _ = peer.Write(encodeRetSubmit(retSubmitMsg{
			cmdHeader: cmdHeader{Seqnum: m.Seqnum, Devid: m.Devid, Direction: dirOut, Ep: m.Ep},
			Status:    0,
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.SendAll(ctx, nil); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected one zero-length submit")
	}
}

func TestResponseDataFixedSizeAccumulatesAcrossReads(t *testing.T) {
	attached := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x82, MaxInPacket: 4}, DevID: 1}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()

	chunks := [][]byte{{1, 2}, {3, 4, 5}}
	go func() {
		for _, chunk := range chunks {
			m, err := readCmdSubmit(peer)
			if err != nil {
				return
			}
			_, _ = peer.Write(encodeRetSubmit(retSubmitMsg{
				cmdHeader:    cmdHeader{Seqnum: m.Seqnum, Devid: m.Devid, Direction: dirIn, Ep: m.Ep},
				Status:       0,
				ActualLength: int32(len(chunk)),
				Payload:      chunk,
			}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := conn.ResponseData(ctx, 5)
	if err != nil {
		t.Fatalf("ResponseData: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5}
	if string(got) != string(want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestResponseDataDelimiter(t *testing.T) {
	attached := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x82, MaxInPacket: 4}, DevID: 1}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()
	conn.Delimiter = []byte("\r\n")

	chunks := [][]byte{[]byte("OK"), []byte("\r\nnext")}
	go func() {
		for _, chunk := range chunks {
			m, err := readCmdSubmit(peer)
			if err != nil {
				return
			}
			_, _ = peer.Write(encodeRetSubmit(retSubmitMsg{
				cmdHeader:    cmdHeader{Seqnum: m.Seqnum, Devid: m.Devid, Direction: dirIn, Ep: m.Ep},
				Status:       0,
				ActualLength: int32(len(chunk)),
				Payload:      chunk,
			}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := conn.ResponseData(ctx, 0)
	if err != nil {
		t.Fatalf("ResponseData: %v", err)
	}
	if string(got) != "OK\r\n" {
		t.Fatalf("got %q, want %q", got, "OK\r\n")
	}

	// The surplus "next" bytes after the delimiter should remain pending
	// for a subsequent fixed-size read.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	rest, err := conn.ResponseData(ctx2, 4)
	if err != nil {
		t.Fatalf("ResponseData (rest): %v", err)
	}
	if string(rest) != "next" {
		t.Fatalf("got %q, want %q", rest, "next")
	}
}

func TestResponseDataTimeoutPreservesPartialBuffer(t *testing.T) {
	attached := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x82, MaxInPacket: 4}, DevID: 1}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()

	go func() {
		m, err := readCmdSubmit(peer)
		if err != nil {
			return
		}
		_, _ = peer.Write(encodeRetSubmit(retSubmitMsg{
			cmdHeader:    cmdHeader{Seqnum: m.Seqnum, Devid: m.Devid, Direction: dirIn, Ep: m.Ep},
			Status:       0,
			ActualLength: 2,
			Payload:      []byte{1, 2},
		}))
		// second bulk-in request for the remaining 3 bytes never gets a
		// reply; drain it and the CMD_UNLINK the engine sends once ctx
		// expires so the engine's blocking write doesn't hang forever.
		if _, err := readCmdSubmit(peer); err != nil {
			return
		}
		unlinkHeader := make([]byte, cmdHeaderSize)
		_, _ = readFull(peer, unlinkHeader)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.ResponseData(ctx, 5); err != ErrReadTimeout {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}

	_, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if got, ok := conn.tryConsume(2); !ok || string(got) != string([]byte{1, 2}) {
		t.Fatalf("expected the 2 already-buffered bytes to survive the timeout, got %v ok=%v", got, ok)
	}
	cancel2()
}

func TestResponseDataNoEndpointWithoutSizeOrDelimiter(t *testing.T) {
	attached := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x82, MaxInPacket: 4}, DevID: 1}
	conn, peer := newTestConnection(t, attached)
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.ResponseData(ctx, 0); err != ErrNoEndpoint {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

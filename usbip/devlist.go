package usbip

// Encode/decode for OP_REQ_DEVLIST / OP_REP_DEVLIST and OP_REQ_IMPORT /
// OP_REP_IMPORT, and the RemoteDevice record they carry (spec.md §3, §4.1).
// Layout grounded in original_source/protocol/packets.py's OP_REP_DEV_PATH /
// OP_REP_IMPORT, cross-checked against teacher usbip/list.go and
// usbip/import.go's binary.Read-based structs.

import (
	"encoding/binary"
	"fmt"
)

// RemoteDevice is a server-side device record returned by OP_REP_DEVLIST or
// OP_REP_IMPORT (spec.md §3).
type RemoteDevice struct {
	Path              string
	BusID             string
	BusNum            uint32
	DevNum            uint32
	Speed             uint32
	VendorID          uint16
	ProductID         uint16
	BCDDevice         uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	NumConfigurations uint8
	NumInterfaces     uint8
}

// HardwareID identifies a target device class by VID/PID (spec.md §3).
type HardwareID struct {
	VendorID  uint16
	ProductID uint16
}

func (h HardwareID) matches(d RemoteDevice) bool {
	return h.VendorID == d.VendorID && h.ProductID == d.ProductID
}

// remoteDeviceFixedSize is the fixed, non-path-prefixed tail of an
// OP_REP_DEV_PATH record (everything after path+busid), kept in one place
// since it recurs for both devlist entries and the import reply.
const remoteDeviceFixedSize = 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

func encodeBusID(busID string) [busIDSize]byte {
	var out [busIDSize]byte
	copy(out[:], busID)
	return out
}

func decodeNulString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// decodeRemoteDevicePath decodes one OP_REP_DEV_PATH-shaped record (used
// both in the devlist response and inline in the import response). It
// returns the device plus the byte count consumed.
func decodeRemoteDevicePath(buf []byte) (RemoteDevice, int, error) {
	const size = pathSize + busIDSize + remoteDeviceFixedSize
	if len(buf) < size {
		return RemoteDevice{}, 0, ErrMalformedFrame
	}
	off := 0
	path := decodeNulString(buf[off : off+pathSize])
	off += pathSize
	busID := decodeNulString(buf[off : off+busIDSize])
	off += busIDSize
	busNum := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	devNum := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	speed := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	vendor := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	product := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	bcdDevice := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	devClass := buf[off]
	off++
	devSubClass := buf[off]
	off++
	devProtocol := buf[off]
	off++
	cfgValue := buf[off]
	off++
	_ = cfgValue
	numConfigs := buf[off]
	off++
	numInterfaces := buf[off]
	off++

	return RemoteDevice{
		Path:              path,
		BusID:             busID,
		BusNum:            busNum,
		DevNum:            devNum,
		Speed:             speed,
		VendorID:          vendor,
		ProductID:         product,
		BCDDevice:         bcdDevice,
		DeviceClass:       devClass,
		DeviceSubClass:    devSubClass,
		DeviceProtocol:    devProtocol,
		NumConfigurations: numConfigs,
		NumInterfaces:     numInterfaces,
	}, off, nil
}

// devlistInterfaceRecordSize is the size of one OP_REP_DEV_INTERFACE
// trailer record following each device in OP_REP_DEVLIST.
const devlistInterfaceRecordSize = 4

func encodeDevlistRequest() []byte {
	return encodeOpHeader(opHeader{Version: protocolVersion, Code: opReqDevlist, Status: 0})
}

// decodeDevlistResponse decodes the OP_REP_DEVLIST_HEADER + N device
// records (each followed by its interface records, which are skipped per
// spec.md §4.6: the devlist response is only used to filter by VID/PID).
func decodeDevlistResponse(h opHeader, body []byte) ([]RemoteDevice, error) {
	if h.Code != opRepDevlist {
		return nil, ErrMalformedFrame
	}
	if h.Status != 0 {
		return nil, &opStatusError{op: "devlist", status: int32(h.Status)}
	}
	if len(body) < 4 {
		return nil, ErrMalformedFrame
	}
	numDevices := binary.BigEndian.Uint32(body[0:4])
	off := 4
	devices := make([]RemoteDevice, 0, numDevices)
	for i := uint32(0); i < numDevices; i++ {
		dev, n, err := decodeRemoteDevicePath(body[off:])
		if err != nil {
			return nil, err
		}
		off += n
		skip := int(dev.NumInterfaces) * devlistInterfaceRecordSize
		if off+skip > len(body) {
			return nil, ErrMalformedFrame
		}
		off += skip
		devices = append(devices, dev)
	}
	return devices, nil
}

func encodeImportRequest(busID string) []byte {
	buf := make([]byte, opHeaderSize+busIDSize)
	copy(buf[:opHeaderSize], encodeOpHeader(opHeader{Version: protocolVersion, Code: opReqImport, Status: 0}))
	bid := encodeBusID(busID)
	copy(buf[opHeaderSize:], bid[:])
	return buf
}

// importReplyBodySize is the size of the OP_REP_IMPORT body following the
// 8-byte op header: one RemoteDevice path-shaped record (without the
// trailing per-interface records — OP_REP_IMPORT never includes those).
const importReplyBodySize = pathSize + busIDSize + remoteDeviceFixedSize

// decodeImportResponse decodes OP_REP_IMPORT for the busid that was just
// requested. A non-zero status is the documented AttachFailedError
// (spec.md §7), not a generic opStatusError, since it is reported per
// device in AttachReport.Failures rather than aborting the whole Attach
// call.
func decodeImportResponse(busID string, h opHeader, body []byte) (RemoteDevice, error) {
	if h.Code != opRepImport {
		return RemoteDevice{}, ErrMalformedFrame
	}
	if h.Status != 0 {
		return RemoteDevice{}, AttachFailed(busID, int32(h.Status))
	}
	dev, _, err := decodeRemoteDevicePath(body)
	return dev, err
}

// opStatusError reports a non-zero status field in an op-layer reply that
// isn't specifically the per-busid AttachFailedError (e.g. a devlist
// request itself failing).
type opStatusError struct {
	op     string
	status int32
}

func (e *opStatusError) Error() string {
	return fmt.Sprintf("usbip: %s request failed with status %d", e.op, e.status)
}

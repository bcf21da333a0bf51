package usbip

// Wire-layout encode/decode for the USB/IP protocol (kernel.org spec). There
// are two framing layers: the 8-byte op-code header used only during
// enumeration/attach, and the 48-byte command header used for every
// CMD_SUBMIT/RET_SUBMIT/CMD_UNLINK/RET_UNLINK afterwards. Every multi-byte
// field in both layers is big-endian, except the 8-byte USB setup packet
// embedded in CMD_SUBMIT, which stays little-endian per USB 2.0 §9.3 — an
// implementer who byte-swaps the whole 48 bytes corrupts it. See
// original_source/protocol/packets.py (URBBase vs BaseStruct) for the same
// split expressed as two dataclass base classes.

import "encoding/binary"

const protocolVersion = 0x0111

// Op-codes used during enumeration/attach (spec.md §4.1).
const (
	opReqDevlist = 0x8005
	opRepDevlist = 0x0005
	opReqImport  = 0x8003
	opRepImport  = 0x0003
)

// Command codes used after attach (spec.md §4.1).
const (
	cmdSubmit = 0x00000001
	retSubmit = 0x00000003
	cmdUnlink = 0x00000002
	retUnlink = 0x00000004
)

// Transfer direction, as carried in cmdHeader.Direction.
const (
	dirOut = 0
	dirIn  = 1
)

const (
	opHeaderSize  = 8  // version(2) + code(2) + status(4)
	cmdHeaderSize = 48 // command(4) + seqnum(4) + devid(4) + direction(4) + ep(4) + 28 command-specific bytes
	setupSize     = 8
	busIDSize     = 32
	pathSize      = 256
)

// opHeader is the 8-byte op-code layer header.
type opHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func encodeOpHeader(h opHeader) []byte {
	buf := make([]byte, opHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	return buf
}

func decodeOpHeader(buf []byte) (opHeader, error) {
	if len(buf) != opHeaderSize {
		return opHeader{}, ErrMalformedFrame
	}
	return opHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Code:    binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// cmdHeader is the common 20-byte prefix of the 48-byte command layer
// header shared by CMD_SUBMIT/RET_SUBMIT/CMD_UNLINK/RET_UNLINK.
type cmdHeader struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

const cmdHeaderPrefixSize = 20

func encodeCmdHeader(buf []byte, h cmdHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func decodeCmdHeader(buf []byte) cmdHeader {
	return cmdHeader{
		Command:   binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		Devid:     binary.BigEndian.Uint32(buf[8:12]),
		Direction: binary.BigEndian.Uint32(buf[12:16]),
		Ep:        binary.BigEndian.Uint32(buf[16:20]),
	}
}

// setupPacket is the USB 2.0 §9.3 control setup packet. It is embedded
// little-endian inside CMD_SUBMIT's otherwise big-endian 48 bytes.
type setupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func encodeSetupPacket(s setupPacket) [setupSize]byte {
	var buf [setupSize]byte
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return buf
}

func decodeSetupPacket(buf [setupSize]byte) setupPacket {
	return setupPacket{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:4]),
		Index:       binary.LittleEndian.Uint16(buf[4:6]),
		Length:      binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// cmdSubmitMsg is CMD_SUBMIT: the 20-byte cmdHeader plus 28 bytes of
// submit-specific fields, followed by the OUT payload (if any).
type cmdSubmitMsg struct {
	cmdHeader
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [setupSize]byte
	Payload           []byte // OUT payload only
}

func encodeCmdSubmit(m cmdSubmitMsg) []byte {
	buf := make([]byte, cmdHeaderSize+len(m.Payload))
	m.cmdHeader.Command = cmdSubmit
	encodeCmdHeader(buf[0:cmdHeaderPrefixSize], m.cmdHeader)
	binary.BigEndian.PutUint32(buf[20:24], m.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], m.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], m.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], m.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], m.Interval)
	copy(buf[40:48], m.Setup[:])
	copy(buf[48:], m.Payload)
	return buf
}

func decodeCmdSubmitHeader(buf []byte) (cmdSubmitMsg, error) {
	if len(buf) != cmdHeaderSize {
		return cmdSubmitMsg{}, ErrMalformedFrame
	}
	h := decodeCmdHeader(buf[0:cmdHeaderPrefixSize])
	if h.Command != cmdSubmit {
		return cmdSubmitMsg{}, ErrMalformedFrame
	}
	m := cmdSubmitMsg{
		cmdHeader:         h,
		TransferFlags:     binary.BigEndian.Uint32(buf[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(buf[24:28]),
		StartFrame:        binary.BigEndian.Uint32(buf[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(buf[32:36]),
		Interval:          binary.BigEndian.Uint32(buf[36:40]),
	}
	copy(m.Setup[:], buf[40:48])
	return m, nil
}

// retSubmitMsg is RET_SUBMIT: the 20-byte cmdHeader plus 28 bytes of
// return-specific fields, followed by the IN payload (if any).
type retSubmitMsg struct {
	cmdHeader
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	Payload         []byte // IN payload only
}

func encodeRetSubmit(m retSubmitMsg) []byte {
	buf := make([]byte, cmdHeaderSize+len(m.Payload))
	m.cmdHeader.Command = retSubmit
	encodeCmdHeader(buf[0:cmdHeaderPrefixSize], m.cmdHeader)
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.Status))
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.ActualLength))
	binary.BigEndian.PutUint32(buf[28:32], uint32(m.StartFrame))
	binary.BigEndian.PutUint32(buf[32:36], uint32(m.NumberOfPackets))
	binary.BigEndian.PutUint32(buf[36:40], uint32(m.ErrorCount))
	// bytes 40:48 are padding, left zero
	copy(buf[48:], m.Payload)
	return buf
}

func decodeRetSubmitHeader(buf []byte) (retSubmitMsg, error) {
	if len(buf) != cmdHeaderSize {
		return retSubmitMsg{}, ErrMalformedFrame
	}
	h := decodeCmdHeader(buf[0:cmdHeaderPrefixSize])
	if h.Command != retSubmit {
		return retSubmitMsg{}, ErrMalformedFrame
	}
	return retSubmitMsg{
		cmdHeader:       h,
		Status:          int32(binary.BigEndian.Uint32(buf[20:24])),
		ActualLength:    int32(binary.BigEndian.Uint32(buf[24:28])),
		StartFrame:      int32(binary.BigEndian.Uint32(buf[28:32])),
		NumberOfPackets: int32(binary.BigEndian.Uint32(buf[32:36])),
		ErrorCount:      int32(binary.BigEndian.Uint32(buf[36:40])),
	}, nil
}

// cmdUnlinkMsg is CMD_UNLINK: cmdHeader, the target seqnum, then 24 bytes
// of zero padding to fill out the 48-byte command header.
type cmdUnlinkMsg struct {
	cmdHeader
	UnlinkSeqnum uint32
}

func encodeCmdUnlink(m cmdUnlinkMsg) []byte {
	buf := make([]byte, cmdHeaderSize)
	m.cmdHeader.Command = cmdUnlink
	encodeCmdHeader(buf[0:cmdHeaderPrefixSize], m.cmdHeader)
	binary.BigEndian.PutUint32(buf[20:24], m.UnlinkSeqnum)
	return buf
}

// retUnlinkMsg is RET_UNLINK: cmdHeader, status, then padding.
type retUnlinkMsg struct {
	cmdHeader
	Status int32
}

func decodeRetUnlink(buf []byte) (retUnlinkMsg, error) {
	if len(buf) != cmdHeaderSize {
		return retUnlinkMsg{}, ErrMalformedFrame
	}
	h := decodeCmdHeader(buf[0:cmdHeaderPrefixSize])
	if h.Command != retUnlink {
		return retUnlinkMsg{}, ErrMalformedFrame
	}
	return retUnlinkMsg{
		cmdHeader: h,
		Status:    int32(binary.BigEndian.Uint32(buf[20:24])),
	}, nil
}

// peekCommand reads only the command code out of a 48-byte header buffer,
// used by the transport adapter to route a frame before fully decoding it.
func peekCommand(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint32(buf[0:4]), nil
}

package usbip

// Parses the variable-length TLV stream of a USB configuration descriptor
// as returned by a GET_DESCRIPTOR(CONFIGURATION) control transfer: config
// descriptor, then interfaces/alt-settings, CDC class-specific functional
// descriptors, and endpoints (spec.md §4.2). The walking style (consume
// bLength bytes per record until exhausted) is grounded in
// _examples/google-gousb/descriptors.go and
// _examples/ardnew-softusb/device/descriptor.go; the CDC union/pairing
// logic follows original_source/protocol/urb_packets.py's
// GenericDescriptor.

import "encoding/binary"

// Descriptor types of interest (spec.md §4.2); USB 2.0 table 9-5.
const (
	descTypeDevice        = 0x01
	descTypeConfiguration = 0x02
	descTypeString        = 0x03
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05
	descTypeCSInterface   = 0x24
)

// CDC interface classes (spec.md §3).
const (
	classCDCCommunications = 0x02
	classCDCData           = 0x0A
)

// Endpoint transfer types, bits 0-1 of bmAttributes.
const (
	transferTypeControl     = 0x00
	transferTypeIsochronous = 0x01
	transferTypeBulk        = 0x02
	transferTypeInterrupt   = 0x03
)

const endpointDirectionIn = 0x80

const (
	baseDescriptorSize      = 2 // bLength, bDescriptorType
	configDescriptorSize    = 9
	interfaceDescriptorSize = 9
	endpointDescriptorSize  = 7
)

// InterfaceDescriptor mirrors spec.md §3: one alt-setting of one interface.
type InterfaceDescriptor struct {
	Number       uint8
	AltSetting   uint8
	NumEndpoints uint8
	Class        uint8
	SubClass     uint8
	Protocol     uint8

	Endpoints []EndpointDescriptor
}

// EndpointDescriptor mirrors spec.md §3. Only bulk endpoints are retained
// by the parser (spec.md §4.2); this type is also used for the round-trip
// re-encoding invariant in spec.md §8.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// IsIn reports whether this is a device-to-host (IN) endpoint.
func (e EndpointDescriptor) IsIn() bool {
	return e.Address&endpointDirectionIn != 0
}

// TransferType returns the transfer type encoded in bits 0-1 of Attributes.
func (e EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

func (e EndpointDescriptor) isBulk() bool {
	return e.TransferType() == transferTypeBulk
}

// marshal re-encodes the endpoint descriptor to its original 7-byte wire
// form; used by the round-trip test for spec.md §8's re-encoding invariant.
func (e EndpointDescriptor) marshal() []byte {
	buf := make([]byte, endpointDescriptorSize)
	buf[0] = endpointDescriptorSize
	buf[1] = descTypeEndpoint
	buf[2] = e.Address
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return buf
}

// CdcEndpointPair is the one bulk IN/OUT pair exposed per attached device
// (spec.md §3).
type CdcEndpointPair struct {
	BulkInAddress   uint8
	BulkOutAddress  uint8
	MaxInPacket     uint16
	MaxOutPacket    uint16
	InterfaceNumber uint8
	AltSetting      uint8
}

// ParsedConfiguration is the result of walking one configuration
// descriptor's TLV stream.
type ParsedConfiguration struct {
	ConfigurationValue uint8
	Interfaces         []InterfaceDescriptor
	Endpoints          CdcEndpointPair
}

// ParseConfigurationDescriptor walks buf per spec.md §4.2 and returns the
// discovered interfaces plus the chosen CDC bulk endpoint pair.
//
// Failure modes (spec.md §4.2): a buffer shorter than the declared
// wTotalLength is ErrTruncatedDescriptor; a record with bLength < 2 is
// ErrMalformedDescriptor; no bulk IN/OUT pair is ErrNotCdcSerial.
func ParseConfigurationDescriptor(buf []byte) (ParsedConfiguration, error) {
	if len(buf) < configDescriptorSize {
		return ParsedConfiguration{}, ErrTruncatedDescriptor
	}
	if buf[1] != descTypeConfiguration {
		return ParsedConfiguration{}, ErrMalformedDescriptor
	}
	wTotalLength := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) < wTotalLength {
		return ParsedConfiguration{}, ErrTruncatedDescriptor
	}
	configurationValue := buf[5]
	buf = buf[:wTotalLength]

	var interfaces []InterfaceDescriptor
	var curInterface *InterfaceDescriptor

	off := configDescriptorSize
	for off < len(buf) {
		if len(buf)-off < baseDescriptorSize {
			break
		}
		bLength := int(buf[off])
		bDescriptorType := buf[off+1]
		if bLength < baseDescriptorSize {
			return ParsedConfiguration{}, ErrMalformedDescriptor
		}
		if off+bLength > len(buf) {
			return ParsedConfiguration{}, ErrTruncatedDescriptor
		}
		record := buf[off : off+bLength]

		switch bDescriptorType {
		case descTypeInterface:
			if bLength < interfaceDescriptorSize {
				return ParsedConfiguration{}, ErrMalformedDescriptor
			}
			iface := InterfaceDescriptor{
				Number:       record[2],
				AltSetting:   record[3],
				NumEndpoints: record[4],
				Class:        record[5],
				SubClass:     record[6],
				Protocol:     record[7],
			}
			interfaces = append(interfaces, iface)
			curInterface = &interfaces[len(interfaces)-1]
		case descTypeEndpoint:
			if bLength < endpointDescriptorSize {
				return ParsedConfiguration{}, ErrMalformedDescriptor
			}
			ep := EndpointDescriptor{
				Address:       record[2],
				Attributes:    record[3],
				MaxPacketSize: binary.LittleEndian.Uint16(record[4:6]),
				Interval:      record[6],
			}
			if curInterface != nil && ep.isBulk() {
				curInterface.Endpoints = append(curInterface.Endpoints, ep)
			}
		case descTypeCSInterface:
			// CDC functional descriptors (Header/Call Management/ACM/Union)
			// only matter for declaring the control<->data interface
			// pairing; this core picks the pair by declaration order
			// (spec.md §3) rather than validating the union descriptor,
			// so the bytes are skipped here.
		default:
			// configuration/string/etc. records between interfaces; skip.
		}

		off += bLength
	}

	pair, err := choosePair(interfaces)
	if err != nil {
		return ParsedConfiguration{}, err
	}

	return ParsedConfiguration{ConfigurationValue: configurationValue, Interfaces: interfaces, Endpoints: pair}, nil
}

// choosePair implements spec.md §3's CdcEndpointPair selection: the first
// bulk pair discovered in declaration order wins. interface_number only
// breaks a tie between two candidates at the same declaration position,
// which a forward scan over a single TLV stream never produces, so in
// practice the first candidate found is final.
func choosePair(interfaces []InterfaceDescriptor) (CdcEndpointPair, error) {
	var best *InterfaceDescriptor
	for i := range interfaces {
		iface := &interfaces[i]
		if iface.Class != classCDCData {
			continue
		}
		if !hasBulkPair(iface.Endpoints) {
			continue
		}
		best = iface
		break
	}
	if best == nil {
		return CdcEndpointPair{}, ErrNotCdcSerial
	}

	pair := CdcEndpointPair{InterfaceNumber: best.Number, AltSetting: best.AltSetting}
	for _, ep := range best.Endpoints {
		if ep.IsIn() {
			pair.BulkInAddress = ep.Address
			pair.MaxInPacket = ep.MaxPacketSize
		} else {
			pair.BulkOutAddress = ep.Address
			pair.MaxOutPacket = ep.MaxPacketSize
		}
	}
	return pair, nil
}

func hasBulkPair(endpoints []EndpointDescriptor) bool {
	haveIn, haveOut := false, false
	for _, ep := range endpoints {
		if ep.IsIn() {
			haveIn = true
		} else {
			haveOut = true
		}
	}
	return haveIn && haveOut
}

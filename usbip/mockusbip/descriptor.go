package mockusbip

import "encoding/binary"

// CdcConfig describes a minimal single-configuration CDC ACM layout:
// one communications interface (class 0x02) with an interrupt endpoint,
// and one data interface (class 0x0A) with one bulk IN and one bulk OUT
// endpoint. BuildConfigDescriptor encodes it to the raw bytes a real
// device's GET_DESCRIPTOR(CONFIGURATION) would return.
type CdcConfig struct {
	ConfigurationValue uint8
	CommInterfaceNum   uint8
	DataInterfaceNum   uint8
	BulkInEndpoint     uint8
	BulkOutEndpoint    uint8
	MaxPacketSize      uint16
}

// BuildConfigDescriptor encodes cfg as a configuration descriptor
// followed by its interface/endpoint descriptors, matching the TLV shape
// ParseConfigurationDescriptor expects.
func BuildConfigDescriptor(cfg CdcConfig) []byte {
	var body []byte

	body = append(body, interfaceDescriptor(cfg.CommInterfaceNum, 0, 1, 0x02, 0x02, 0x01)...)
	body = append(body, endpointDescriptor(0x80|0x03, 0x03, 16, 10)...) // interrupt IN, notification

	body = append(body, interfaceDescriptor(cfg.DataInterfaceNum, 0, 2, 0x0A, 0x00, 0x00)...)
	body = append(body, endpointDescriptor(cfg.BulkInEndpoint|0x80, 0x02, cfg.MaxPacketSize, 0)...)
	body = append(body, endpointDescriptor(cfg.BulkOutEndpoint&0x7F, 0x02, cfg.MaxPacketSize, 0)...)

	totalLength := 9 + len(body)
	out := make([]byte, 9, totalLength)
	out[0] = 9
	out[1] = 0x02 // CONFIGURATION
	binary.LittleEndian.PutUint16(out[2:4], uint16(totalLength))
	out[4] = 2 // bNumInterfaces
	out[5] = cfg.ConfigurationValue
	out[6] = 0 // iConfiguration
	out[7] = 0x80
	out[8] = 50
	out = append(out, body...)
	return out
}

func interfaceDescriptor(number, alt, numEndpoints, class, subClass, protocol uint8) []byte {
	return []byte{9, 0x04, number, alt, numEndpoints, class, subClass, protocol, 0}
}

func endpointDescriptor(address, attributes uint8, maxPacketSize uint16, interval uint8) []byte {
	buf := make([]byte, 7)
	buf[0] = 7
	buf[1] = 0x05
	buf[2] = address
	buf[3] = attributes
	binary.LittleEndian.PutUint16(buf[4:6], maxPacketSize)
	buf[6] = interval
	return buf
}

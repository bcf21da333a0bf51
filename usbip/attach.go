package usbip

// Attach state machine (spec.md §4.4): list the server's exported
// devices, import each one matching a requested VID/PID, fetch and
// parse its configuration descriptor, select it, then bring it to READY
// in declaration order: SET_CONFIGURATION, SET_INTERFACE for the chosen
// data interface's alt setting, then the CDC line setup, before handing
// back a Connection. One device's failure is
// recorded in the AttachReport and does not abort the rest (spec.md §9
// open-question resolution), mirroring the teacher's general pattern of
// collecting per-device errors in deviceplugin/usbip.go rather than
// aborting a whole refresh on the first bad device.

import (
	"context"
	"encoding/binary"

	"github.com/go-kit/log/level"
)

// Standard USB control requests (USB 2.0 §9.4).
const (
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0B
)

// CDC class-specific control requests (USB CDC 1.2 §6.2).
const (
	reqSetLineCoding       = 0x20
	reqSetControlLineState = 0x22
)

// bmRequestType direction/type/recipient bits used by the attach sequence.
const (
	reqTypeStandardDeviceIn     = 0x80 // device-to-host, standard, device
	reqTypeStandardDeviceOut    = 0x00 // host-to-device, standard, device
	reqTypeStandardInterfaceOut = 0x01 // host-to-device, standard, interface
	reqTypeClassInterfaceOut    = 0x21 // host-to-device, class, interface
)

const configDescriptorProbeLength = 9

// SetupRequest is one caller-suppliable control transfer, issued after
// SET_CONFIGURATION, used to bring the CDC device's serial line up
// (spec.md §9). The zero value of []SetupRequest causes Attach to fall
// back to a SET_LINE_CODING(9600 8N1) + SET_CONTROL_LINE_STATE(DTR|RTS)
// pair.
type SetupRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// AttachFailure records one device that matched a selector but could not
// be fully attached.
type AttachFailure struct {
	BusID string
	Err   error
}

// AttachReport is the result of one Attach call. An empty report with no
// error means the selectors matched zero devices (spec.md §9): this is
// not itself a failure.
type AttachReport struct {
	Devices  []AttachedDevice
	Failures []AttachFailure
}

// Attach lists the server's exported devices, imports and configures
// every one matching a selector in devices, and returns a Connection for
// each through GetConnection. setupRequests, if non-nil, replaces the
// default CDC line setup issued after SET_CONFIGURATION.
func (c *Client) Attach(ctx context.Context, devices []HardwareID, setupRequests []SetupRequest) (*AttachReport, error) {
	c.mu.Lock()
	transport := c.transport
	engine := c.engine
	c.mu.Unlock()
	if transport == nil || engine == nil {
		return nil, ErrDisconnected
	}

	remote, err := c.requestDevlist(ctx)
	if err != nil {
		return nil, err
	}

	report := &AttachReport{}
	for _, dev := range remote {
		matched := false
		for _, sel := range devices {
			if sel.matches(dev) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		attached, conn, err := c.attachOne(ctx, dev, setupRequests)
		if err != nil {
			if c.clientMetrics != nil {
				c.clientMetrics.attachFailures.Inc()
			}
			_ = level.Warn(c.logger).Log("msg", "attach failed", "busid", dev.BusID, "err", err)
			report.Failures = append(report.Failures, AttachFailure{BusID: dev.BusID, Err: err})
			continue
		}

		selector := HardwareID{VendorID: dev.VendorID, ProductID: dev.ProductID}
		c.registerConnection(selector, conn)
		if c.clientMetrics != nil {
			c.clientMetrics.attachedDevices.Inc()
		}
		report.Devices = append(report.Devices, attached)
	}
	return report, nil
}

func (c *Client) requestDevlist(ctx context.Context) ([]RemoteDevice, error) {
	if err := c.transport.write(encodeDevlistRequest()); err != nil {
		return nil, err
	}
	reply, err := c.waitOpReply(ctx)
	if err != nil {
		return nil, err
	}
	return decodeDevlistResponse(reply.header, reply.body)
}

func (c *Client) waitOpReply(ctx context.Context) (opReply, error) {
	select {
	case reply := <-c.transport.opReplies:
		return reply, nil
	case <-ctx.Done():
		return opReply{}, ctx.Err()
	}
}

// attachOne runs the import + descriptor + configuration sequence for a
// single device already known from the devlist response.
func (c *Client) attachOne(ctx context.Context, dev RemoteDevice, setupRequests []SetupRequest) (AttachedDevice, *Connection, error) {
	if err := c.transport.write(encodeImportRequest(dev.BusID)); err != nil {
		return AttachedDevice{}, nil, err
	}
	reply, err := c.waitOpReply(ctx)
	if err != nil {
		return AttachedDevice{}, nil, err
	}
	imported, err := decodeImportResponse(dev.BusID, reply.header, reply.body)
	if err != nil {
		return AttachedDevice{}, nil, err
	}

	devid := imported.BusNum<<16 | imported.DevNum

	probe, err := c.controlIn(ctx, devid, reqTypeStandardDeviceIn, reqGetDescriptor,
		uint16(descTypeConfiguration)<<8, 0, configDescriptorProbeLength)
	if err != nil {
		return AttachedDevice{}, nil, err
	}
	if len(probe) < configDescriptorProbeLength {
		return AttachedDevice{}, nil, ErrTruncatedDescriptor
	}
	wTotalLength := binary.LittleEndian.Uint16(probe[2:4])

	full, err := c.controlIn(ctx, devid, reqTypeStandardDeviceIn, reqGetDescriptor,
		uint16(descTypeConfiguration)<<8, 0, wTotalLength)
	if err != nil {
		return AttachedDevice{}, nil, err
	}
	parsed, err := ParseConfigurationDescriptor(full)
	if err != nil {
		return AttachedDevice{}, nil, err
	}

	if err := c.controlOut(ctx, devid, reqTypeStandardDeviceOut, reqSetConfiguration,
		uint16(parsed.ConfigurationValue), 0, nil); err != nil {
		return AttachedDevice{}, nil, err
	}

	if err := c.controlOut(ctx, devid, reqTypeStandardInterfaceOut, reqSetInterface,
		uint16(parsed.Endpoints.AltSetting), uint16(parsed.Endpoints.InterfaceNumber), nil); err != nil {
		return AttachedDevice{}, nil, err
	}

	requests := setupRequests
	if requests == nil {
		requests = defaultCdcSetup(parsed.Endpoints.InterfaceNumber)
	}
	for _, req := range requests {
		if err := c.controlOut(ctx, devid, req.RequestType, req.Request, req.Value, req.Index, req.Data); err != nil {
			return AttachedDevice{}, nil, err
		}
	}

	attached := AttachedDevice{
		RemoteDevice:    imported,
		CdcEndpointPair: parsed.Endpoints,
		DevID:           devid,
	}
	selector := HardwareID{VendorID: imported.VendorID, ProductID: imported.ProductID}
	conn := newConnection(c.engine, attached, selector)
	return attached, conn, nil
}

// defaultCdcSetup builds the fallback CDC line setup: 9600 baud, 8 data
// bits, no parity, 1 stop bit, with DTR and RTS asserted (spec.md §9).
func defaultCdcSetup(interfaceNumber uint8) []SetupRequest {
	lineCoding := make([]byte, 7)
	binary.LittleEndian.PutUint32(lineCoding[0:4], 9600) // dwDTERate
	lineCoding[4] = 0                                    // bCharFormat: 1 stop bit
	lineCoding[5] = 0                                    // bParityType: none
	lineCoding[6] = 8                                    // bDataBits

	return []SetupRequest{
		{
			RequestType: reqTypeClassInterfaceOut,
			Request:     reqSetLineCoding,
			Value:       0,
			Index:       uint16(interfaceNumber),
			Data:        lineCoding,
		},
		{
			RequestType: reqTypeClassInterfaceOut,
			Request:     reqSetControlLineState,
			Value:       0x0003, // DTR | RTS
			Index:       uint16(interfaceNumber),
			Data:        nil,
		},
	}
}

func (c *Client) controlIn(ctx context.Context, devid uint32, requestType, request uint8, value, index, length uint16) ([]byte, error) {
	setup := setupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: length}
	seqnum, err := c.engine.submitControl(devid, setup, nil)
	if err != nil {
		return nil, err
	}
	return c.engine.awaitResult(ctx, seqnum)
}

func (c *Client) controlOut(ctx context.Context, devid uint32, requestType, request uint8, value, index uint16, data []byte) error {
	setup := setupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: uint16(len(data))}
	seqnum, err := c.engine.submitControl(devid, setup, data)
	if err != nil {
		return err
	}
	_, err = c.engine.awaitResult(ctx, seqnum)
	return err
}

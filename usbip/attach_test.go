package usbip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mvalvekens/usbip-cdc-client/usbip/mockusbip"
)

func newAttachedClient(t *testing.T, devices []mockusbip.Device) (*Client, func()) {
	t.Helper()
	srv, err := mockusbip.New(devices)
	if err != nil {
		t.Fatalf("mockusbip.New: %v", err)
	}

	host, port := srv.Addr()
	client := NewClient(Target{Host: host, Port: port}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.ConnectServer(ctx); err != nil {
		srv.Close()
		t.Fatalf("ConnectServer: %v", err)
	}
	return client, func() {
		_ = client.Shutdown()
		srv.Close()
	}
}

func cdcDevice(busID string, busNum, devNum uint32, vendor, product uint16) mockusbip.Device {
	cfg := mockusbip.BuildConfigDescriptor(mockusbip.CdcConfig{
		ConfigurationValue: 1,
		CommInterfaceNum:   0,
		DataInterfaceNum:   1,
		BulkInEndpoint:     0x02,
		BulkOutEndpoint:    0x02,
		MaxPacketSize:      64,
	})
	return mockusbip.Device{
		BusID:             busID,
		Path:              "/sys/devices/" + busID,
		BusNum:            busNum,
		DevNum:            devNum,
		VendorID:          vendor,
		ProductID:         product,
		NumConfigurations: 1,
		ConfigDescriptor:  cfg,
	}
}

func TestAttachSingleDevice(t *testing.T) {
	dev := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	client, cleanup := newAttachedClient(t, []mockusbip.Device{dev})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	if len(report.Devices) != 1 {
		t.Fatalf("expected 1 attached device, got %d", len(report.Devices))
	}
	attached := report.Devices[0]
	if attached.BusID != "1-1" {
		t.Fatalf("BusID = %q, want 1-1", attached.BusID)
	}
	if attached.BulkInAddress != 0x82 || attached.BulkOutAddress != 0x02 {
		t.Fatalf("unexpected endpoint pair: %+v", attached.CdcEndpointPair)
	}

	conns := client.GetConnection(HardwareID{VendorID: 0x2341, ProductID: 0x0043})
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
}

func TestAttachNoMatchingDeviceIsEmptyReport(t *testing.T) {
	dev := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	client, cleanup := newAttachedClient(t, []mockusbip.Device{dev})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x9999, ProductID: 0x9999}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Devices) != 0 || len(report.Failures) != 0 {
		t.Fatalf("expected an empty report, got %+v", report)
	}
}

func TestAttachOneFailureDoesNotAbortOthers(t *testing.T) {
	good := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	bad := cdcDevice("1-2", 1, 2, 0x2341, 0x0043)
	bad.ImportStatus = 1

	client, cleanup := newAttachedClient(t, []mockusbip.Device{bad, good})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d: %+v", len(report.Failures), report.Failures)
	}
	if report.Failures[0].BusID != "1-2" {
		t.Fatalf("unexpected failing busid: %+v", report.Failures[0])
	}
	var attachErr *AttachFailedError
	if !errors.As(report.Failures[0].Err, &attachErr) {
		t.Fatalf("expected an *AttachFailedError per spec.md's documented error contract, got %T", report.Failures[0].Err)
	}
	if attachErr.BusID != "1-2" || attachErr.Status != 1 {
		t.Fatalf("unexpected AttachFailedError: %+v", attachErr)
	}
	if len(report.Devices) != 1 || report.Devices[0].BusID != "1-1" {
		t.Fatalf("expected device 1-1 to attach, got %+v", report.Devices)
	}
}

func TestAttachDuplicateVidPidYieldsMultipleConnections(t *testing.T) {
	devA := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	devB := cdcDevice("1-2", 1, 2, 0x2341, 0x0043)

	client, cleanup := newAttachedClient(t, []mockusbip.Device{devA, devB})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Devices) != 2 {
		t.Fatalf("expected 2 attached devices, got %d", len(report.Devices))
	}

	conns := client.GetConnection(HardwareID{VendorID: 0x2341, ProductID: 0x0043})
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
}

// TestAttachReservedFailBusID exercises spec scenario 3: a device at the
// conventionally-reserved busid "99-99" always fails OP_REQ_IMPORT, and
// the rest of the devices in the same Attach call still reach READY.
func TestAttachReservedFailBusID(t *testing.T) {
	good := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	reserved := cdcDevice("99-99", 99, 99, 0x2341, 0x0043)
	reserved.ImportStatus = 1

	client, cleanup := newAttachedClient(t, []mockusbip.Device{reserved, good})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].BusID != "99-99" {
		t.Fatalf("expected AttachFailed for busid 99-99, got %+v", report.Failures)
	}
	if len(report.Devices) != 1 || report.Devices[0].BusID != "1-1" {
		t.Fatalf("expected 1-1 to reach READY, got %+v", report.Devices)
	}
}

// TestAttachIssuesSetInterfaceBetweenConfigurationAndLineSetup exercises
// spec.md §4.4's declaration order: SET_CONFIGURATION, then SET_INTERFACE
// for the chosen data interface's alt setting, then the CDC line setup.
func TestAttachIssuesSetInterfaceBetweenConfigurationAndLineSetup(t *testing.T) {
	dev := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	srv, err := mockusbip.New([]mockusbip.Device{dev})
	if err != nil {
		t.Fatalf("mockusbip.New: %v", err)
	}
	defer srv.Close()

	host, port := srv.Addr()
	client := NewClient(Target{Host: host, Port: port}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.ConnectServer(ctx); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	defer func() { _ = client.Shutdown() }()

	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Devices) != 1 {
		t.Fatalf("expected 1 attached device, got %d", len(report.Devices))
	}

	log := srv.ControlLog()
	var setConfigIdx, setInterfaceIdx, lineSetupIdx = -1, -1, -1
	for i, req := range log {
		switch {
		case req.Request == reqSetConfiguration && setConfigIdx == -1:
			setConfigIdx = i
		case req.Request == reqSetInterface && setInterfaceIdx == -1:
			setInterfaceIdx = i
		case req.Request == reqSetLineCoding && lineSetupIdx == -1:
			lineSetupIdx = i
		}
	}
	if setInterfaceIdx == -1 {
		t.Fatalf("mock server never observed a SET_INTERFACE control transfer: %+v", log)
	}
	if !(setConfigIdx < setInterfaceIdx && setInterfaceIdx < lineSetupIdx) {
		t.Fatalf("expected SET_CONFIGURATION < SET_INTERFACE < SET_LINE_CODING, got indices %d, %d, %d",
			setConfigIdx, setInterfaceIdx, lineSetupIdx)
	}
	setIface := log[setInterfaceIdx]
	if setIface.RequestType != reqTypeStandardInterfaceOut {
		t.Fatalf("SET_INTERFACE RequestType = %#x, want %#x", setIface.RequestType, reqTypeStandardInterfaceOut)
	}
	if setIface.Index != uint16(report.Devices[0].InterfaceNumber) {
		t.Fatalf("SET_INTERFACE wIndex = %d, want data interface %d", setIface.Index, report.Devices[0].InterfaceNumber)
	}
}

func TestAttachCustomSetupRequestsOverrideDefault(t *testing.T) {
	dev := cdcDevice("1-1", 1, 1, 0x2341, 0x0043)
	client, cleanup := newAttachedClient(t, []mockusbip.Device{dev})
	defer cleanup()

	custom := []SetupRequest{
		{RequestType: reqTypeClassInterfaceOut, Request: reqSetLineCoding, Index: 1, Data: make([]byte, 7)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.Attach(ctx, []HardwareID{{VendorID: 0x2341, ProductID: 0x0043}}, custom)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(report.Devices) != 1 {
		t.Fatalf("expected 1 attached device, got %d", len(report.Devices))
	}
}

//go:build linux

package link

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"ctapble/pkg/busutil"
	"ctapble/pkg/ctapble"
)

// Device is the Linux/BlueZ-backed implementation of ctapble.Link. One
// Device binds to exactly one already-paired, already-connected remote
// device and stays bound to it until Close.
type Device struct {
	conn *dbus.Conn

	devicePath     dbus.ObjectPath
	controlPoint   dbus.ObjectPath
	statusPath     dbus.ObjectPath
	cpLength       dbus.ObjectPath
	serviceRev     dbus.ObjectPath
	controlPtSize  uint16

	mode       notifyMode
	notifyFile *os.File
	frames     chan []byte
	stopSignal chan struct{}

	mu     sync.Mutex
	closed bool

	log *logrus.Entry
}

// Open discovers the FIDO GATT service on the device named by path (a
// "ble:<dbus object path>" identifier as produced by pkg/enumerate),
// validates it is usable, binds its four characteristics, selects the
// FIDO2 service revision, and arms notifications on the status
// characteristic. log may be nil. The characteristic reads, the revision
// write and the notification setup are bounded by DefaultOpenTimeout; use
// OpenWithTimeout to override it.
func Open(path string, log *logrus.Entry) (*Device, error) {
	return OpenWithTimeout(path, log, DefaultOpenTimeout)
}

// OpenWithTimeout is Open with a caller-chosen timeout in place of
// DefaultOpenTimeout.
func OpenWithTimeout(path string, log *logrus.Entry, timeout time.Duration) (*Device, error) {
	const op = "link.Open"
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if !strings.HasPrefix(path, DevicePrefix) {
		return nil, ctapble.Errorf(ctapble.KindInvalidArgument, op, "not a ble device identifier: %q", path)
	}
	devicePath := dbus.ObjectPath(strings.TrimPrefix(path, DevicePrefix))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, op, err)
	}

	d := &Device{conn: conn, devicePath: devicePath, log: log.WithField("device", string(devicePath))}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.bind(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) bind(ctx context.Context) error {
	const op = "link.Open"

	devObj := d.conn.Object("org.bluez", d.devicePath)
	props, err := busutil.GetAllProps(devObj, "org.bluez.Device1")
	if err != nil {
		return ctapble.NewError(ctapble.KindIOError, op, err)
	}
	if !deviceUsable(props) {
		return ctapble.Errorf(ctapble.KindUnusableDevice, op, "device %s is not paired, connected, or resolved", d.devicePath)
	}
	if err := ctx.Err(); err != nil {
		return ctapble.NewError(ctapble.KindTimeout, op, err)
	}

	managed, err := busutil.GetManagedObjects(d.conn)
	if err != nil {
		return ctapble.NewError(ctapble.KindIOError, op, err)
	}

	servicePath, ok := findService(managed, d.devicePath, FIDOServiceUUID)
	if !ok {
		return ctapble.Errorf(ctapble.KindDiscoveryFailed, op, "FIDO GATT service not found under %s", d.devicePath)
	}

	chars := findCharacteristics(managed, servicePath)
	d.controlPoint, ok = chars[ControlPointUUID]
	if !ok {
		return ctapble.Errorf(ctapble.KindDiscoveryFailed, op, "control point characteristic missing")
	}
	d.statusPath, ok = chars[StatusUUID]
	if !ok {
		return ctapble.Errorf(ctapble.KindDiscoveryFailed, op, "status characteristic missing")
	}
	d.cpLength, ok = chars[ControlPointLengthUUID]
	if !ok {
		return ctapble.Errorf(ctapble.KindDiscoveryFailed, op, "control point length characteristic missing")
	}
	d.serviceRev, ok = chars[ServiceRevisionUUID]
	if !ok {
		return ctapble.Errorf(ctapble.KindDiscoveryFailed, op, "service revision characteristic missing")
	}

	cpLenBytes, err := d.readValue(ctx, d.cpLength)
	if err != nil {
		return err
	}
	if len(cpLenBytes) != 2 {
		return ctapble.Errorf(ctapble.KindProtocolError, op, "control point length characteristic returned %d bytes", len(cpLenBytes))
	}
	d.controlPtSize = uint16(cpLenBytes[0])<<8 | uint16(cpLenBytes[1])

	revBytes, err := d.readValue(ctx, d.serviceRev)
	if err != nil {
		return err
	}
	if len(revBytes) != 1 || revBytes[0]&ServiceRevisionFIDO2Bit == 0 {
		return ctapble.Errorf(ctapble.KindRevisionUnsupported, op, "service revision bitfield %v does not advertise FIDO2", revBytes)
	}

	// Explicit write selects FIDO2, per the core's resolution of the
	// ambiguity between implicit (read-only) and explicit selection.
	if err := d.writeValue(ctx, d.serviceRev, []byte{ServiceRevisionFIDO2Bit}); err != nil {
		return err
	}

	if err := d.armNotify(ctx); err != nil {
		return err
	}

	d.log.WithField("control_point_size", d.controlPtSize).Debug("link: bound FIDO GATT service")
	return nil
}

func deviceUsable(props map[string]dbus.Variant) bool {
	return busutil.PropBool(props, "Paired") &&
		busutil.PropBool(props, "Connected") &&
		busutil.PropBool(props, "ServicesResolved")
}

func findService(managed busutil.ManagedObjects, device dbus.ObjectPath, uuid string) (dbus.ObjectPath, bool) {
	for path, ifaces := range managed {
		svc, ok := ifaces["org.bluez.GattService1"]
		if !ok {
			continue
		}
		if busutil.PropPath(svc, "Device") != device {
			continue
		}
		if busutil.UUIDEqual(busutil.PropString(svc, "UUID"), uuid) {
			return path, true
		}
	}
	return "", false
}

func findCharacteristics(managed busutil.ManagedObjects, service dbus.ObjectPath) map[string]dbus.ObjectPath {
	out := make(map[string]dbus.ObjectPath)
	for path, ifaces := range managed {
		ch, ok := ifaces["org.bluez.GattCharacteristic1"]
		if !ok {
			continue
		}
		if busutil.PropPath(ch, "Service") != service {
			continue
		}
		out[strings.ToLower(busutil.PropString(ch, "UUID"))] = path
	}
	return out
}

func (d *Device) readValue(ctx context.Context, path dbus.ObjectPath) ([]byte, error) {
	obj := d.conn.Object("org.bluez", path)
	var out []byte
	call := obj.CallWithContext(ctx, "org.bluez.GattCharacteristic1.ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, "link.Open", call.Err)
	}
	if err := call.Store(&out); err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, "link.Open", err)
	}
	return out, nil
}

func (d *Device) writeValue(ctx context.Context, path dbus.ObjectPath, value []byte) error {
	obj := d.conn.Object("org.bluez", path)
	call := obj.CallWithContext(ctx, "org.bluez.GattCharacteristic1.WriteValue", 0, value, map[string]dbus.Variant{})
	if call.Err != nil {
		return ctapble.NewError(ctapble.KindIOError, "link.Open", call.Err)
	}
	return nil
}

// armNotify tries AcquireNotify first (a kernel pipe fd BlueZ writes
// notification payloads into directly) and falls back to StartNotify plus a
// PropertiesChanged signal subscription when the adapter or its kernel
// doesn't support fd-based delivery.
func (d *Device) armNotify(ctx context.Context) error {
	obj := d.conn.Object("org.bluez", d.statusPath)

	var fd dbus.UnixFD
	var mtu uint16
	call := obj.CallWithContext(ctx, "org.bluez.GattCharacteristic1.AcquireNotify", 0, map[string]dbus.Variant{})
	if call.Err == nil && call.Store(&fd, &mtu) == nil {
		d.mode = notifyModeFD
		d.notifyFile = os.NewFile(uintptr(fd), "ble-notify")
		d.log.Debug("link: using AcquireNotify fd-based notifications")
		return nil
	}

	d.log.WithError(call.Err).Debug("link: AcquireNotify unavailable, falling back to StartNotify")
	startCall := obj.CallWithContext(ctx, "org.bluez.GattCharacteristic1.StartNotify", 0)
	if startCall.Err != nil {
		return ctapble.NewError(ctapble.KindIOError, "link.Open", startCall.Err)
	}

	d.mode = notifyModeSignal
	d.frames = make(chan []byte, 16)
	d.stopSignal = make(chan struct{})

	if err := d.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(d.statusPath),
	); err != nil {
		return ctapble.NewError(ctapble.KindIOError, "link.Open", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	d.conn.Signal(sigCh)
	go d.pumpSignals(sigCh)

	d.log.Debug("link: using StartNotify signal-based notifications")
	return nil
}

func (d *Device) pumpSignals(sigCh chan *dbus.Signal) {
	for {
		select {
		case <-d.stopSignal:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || sig.Path != d.statusPath {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			v, ok := changed["Value"]
			if !ok {
				continue
			}
			b, ok := v.Value().([]byte)
			if !ok {
				continue
			}
			select {
			case d.frames <- b:
			case <-d.stopSignal:
				return
			}
		}
	}
}

// Write performs exactly one control-point GATT write.
func (d *Device) Write(frame []byte) error {
	obj := d.conn.Object("org.bluez", d.controlPoint)
	call := obj.Call("org.bluez.GattCharacteristic1.WriteValue", 0, frame, map[string]dbus.Variant{})
	if call.Err != nil {
		return ctapble.NewError(ctapble.KindIOError, "link.Write", call.Err)
	}
	return nil
}

// Read blocks for up to timeout for the next notification frame. A negative
// timeout blocks indefinitely; a zero timeout polls without blocking.
func (d *Device) Read(buf []byte, timeout time.Duration) (int, error) {
	switch d.mode {
	case notifyModeFD:
		return d.readFD(buf, timeout)
	case notifyModeSignal:
		return d.readSignal(buf, timeout)
	default:
		return 0, ctapble.Errorf(ctapble.KindInternalError, "link.Read", "no notification backend armed")
	}
}

func (d *Device) readFD(buf []byte, timeout time.Duration) (int, error) {
	if timeout >= 0 {
		if err := d.notifyFile.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, ctapble.NewError(ctapble.KindIOError, "link.Read", err)
		}
	} else {
		d.notifyFile.SetReadDeadline(time.Time{})
	}
	n, err := d.notifyFile.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ctapble.NewError(ctapble.KindTimeout, "link.Read", nil)
		}
		return 0, ctapble.NewError(ctapble.KindIOError, "link.Read", err)
	}
	return n, nil
}

func (d *Device) readSignal(buf []byte, timeout time.Duration) (int, error) {
	if timeout == 0 {
		select {
		case frame, ok := <-d.frames:
			if !ok {
				return 0, ctapble.Errorf(ctapble.KindIOError, "link.Read", "link closed")
			}
			return copy(buf, frame), nil
		default:
			return 0, ctapble.NewError(ctapble.KindTimeout, "link.Read", nil)
		}
	}
	if timeout < 0 {
		frame, ok := <-d.frames
		if !ok {
			return 0, ctapble.Errorf(ctapble.KindIOError, "link.Read", "link closed")
		}
		return copy(buf, frame), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-d.frames:
		if !ok {
			return 0, ctapble.Errorf(ctapble.KindIOError, "link.Read", "link closed")
		}
		return copy(buf, frame), nil
	case <-timer.C:
		return 0, ctapble.NewError(ctapble.KindTimeout, "link.Read", nil)
	}
}

// ControlPointSize returns the negotiated fragmentation MTU.
func (d *Device) ControlPointSize() uint16 { return d.controlPtSize }

// Close tears down notifications and releases the bus connection. It is
// idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	switch d.mode {
	case notifyModeFD:
		if d.notifyFile != nil {
			d.notifyFile.Close()
		}
	case notifyModeSignal:
		close(d.stopSignal)
		obj := d.conn.Object("org.bluez", d.statusPath)
		obj.Call("org.bluez.GattCharacteristic1.StopNotify", 0)
	}
	if err := d.conn.Close(); err != nil {
		return ctapble.NewError(ctapble.KindIOError, "link.Close", err)
	}
	return nil
}

var _ ctapble.Link = (*Device)(nil)

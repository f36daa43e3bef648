// Package link implements the per-device GATT binding: given a device
// identifier, it discovers the FIDO BLE service, binds its four
// characteristics, selects the FIDO2 revision, and exposes the resulting
// connection as a ctapble.Link so the Framer/Reassembler pair can drive it
// without knowing anything about BlueZ.
package link

import "time"

// FIDOServiceUUID is the 16-bit FIDO GATT service, expanded to its 128-bit
// form.
const FIDOServiceUUID = "0000fffd-0000-1000-8000-00805f9b34fb"

// Characteristic UUIDs under FIDOServiceUUID.
const (
	ControlPointUUID       = "f1d0fff1-deaa-ecee-b42f-c9ba7ed623bb"
	StatusUUID             = "f1d0fff2-deaa-ecee-b42f-c9ba7ed623bb"
	ControlPointLengthUUID = "f1d0fff3-deaa-ecee-b42f-c9ba7ed623bb"
	ServiceRevisionUUID    = "f1d0fff4-deaa-ecee-b42f-c9ba7ed623bb"
)

// ServiceRevisionFIDO2Bit is the bit in the Service Revision Bitfield that
// advertises FIDO2/CTAP2 support. This core only ever speaks to devices
// that set it.
const ServiceRevisionFIDO2Bit = 0x20

// DevicePrefix is the identifier scheme the Enumerator hands back and Open
// accepts: "ble:/org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX".
const DevicePrefix = "ble:"

// DefaultOpenTimeout bounds the characteristic reads, the revision write
// and the notification setup in Open. The Device1 GetAll and the
// GetManagedObjects call run under the bus's default call timeout.
const DefaultOpenTimeout = 10 * time.Second

// notifyMode records which of the two BlueZ notification backends a Device
// ended up using, since fd-based delivery and signal-based delivery need
// different teardown and different Read implementations.
type notifyMode int

const (
	notifyModeFD notifyMode = iota
	notifyModeSignal
)

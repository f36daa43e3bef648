// Package busutil holds the small set of raw org.freedesktop.DBus helpers
// that both pkg/link and pkg/enumerate need to walk BlueZ's object tree.
// Neither muka/go-bluetooth nor tinygo.org/x/bluetooth exposes
// GetManagedObjects in a form that lets a caller pick out an arbitrary GATT
// characteristic by UUID under an arbitrary service, so this talks to the
// bus directly, the same way the reference ble_linux.c does over sd-bus.
package busutil

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ManagedObjects is the raw shape returned by
// org.freedesktop.DBus.ObjectManager.GetManagedObjects: object path ->
// interface name -> property name -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// GetManagedObjects calls GetManagedObjects on the root BlueZ object, which
// enumerates every adapter, device, service, characteristic and descriptor
// currently known to bluetoothd.
func GetManagedObjects(conn *dbus.Conn) (ManagedObjects, error) {
	obj := conn.Object("org.bluez", dbus.ObjectPath("/"))
	var out ManagedObjects
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&out); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return out, nil
}

// GetAllProps calls org.freedesktop.DBus.Properties.GetAll for iface on
// obj.
func GetAllProps(obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	var out map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, iface).Store(&out); err != nil {
		return nil, fmt.Errorf("GetAll(%s): %w", iface, err)
	}
	return out, nil
}

// PropString reads a string property, returning "" if absent or of the
// wrong type.
func PropString(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// PropBool reads a bool property, returning false if absent or of the wrong
// type.
func PropBool(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// PropStrings reads a []string property (BlueZ reports device UUIDs this
// way), returning nil if absent.
func PropStrings(props map[string]dbus.Variant, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	ss, _ := v.Value().([]string)
	return ss
}

// PropPath reads an object-path property (e.g. a characteristic's
// "Service"), returning "" if absent.
func PropPath(props map[string]dbus.Variant, key string) dbus.ObjectPath {
	v, ok := props[key]
	if !ok {
		return ""
	}
	p, _ := v.Value().(dbus.ObjectPath)
	return p
}

// UUIDEqual compares two BlueZ UUID strings case-insensitively; BlueZ
// normalizes to lowercase but callers shouldn't have to know that.
func UUIDEqual(a, b string) bool {
	return asciiLower(a) == asciiLower(b)
}

func asciiLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

//go:build linux

package link

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"ctapble/pkg/busutil"
)

func TestDeviceUsable(t *testing.T) {
	cases := []struct {
		name  string
		props map[string]dbus.Variant
		want  bool
	}{
		{"all set", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(true), "Connected": dbus.MakeVariant(true), "ServicesResolved": dbus.MakeVariant(true),
		}, true},
		{"not paired", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(false), "Connected": dbus.MakeVariant(true), "ServicesResolved": dbus.MakeVariant(true),
		}, false},
		{"not resolved", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(true), "Connected": dbus.MakeVariant(true), "ServicesResolved": dbus.MakeVariant(false),
		}, false},
		{"missing keys", map[string]dbus.Variant{}, false},
	}
	for _, c := range cases {
		if got := deviceUsable(c.props); got != c.want {
			t.Errorf("%s: deviceUsable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestFindServiceAndCharacteristics(t *testing.T) {
	device := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB")
	servicePath := device + "/service0010"
	cpPath := servicePath + "/char0011"
	statusPath := servicePath + "/char0012"

	managed := busutil.ManagedObjects{
		servicePath: {
			"org.bluez.GattService1": {
				"Device": dbus.MakeVariant(device),
				"UUID":   dbus.MakeVariant(FIDOServiceUUID),
			},
		},
		cpPath: {
			"org.bluez.GattCharacteristic1": {
				"Service": dbus.MakeVariant(servicePath),
				"UUID":    dbus.MakeVariant(ControlPointUUID),
			},
		},
		statusPath: {
			"org.bluez.GattCharacteristic1": {
				"Service": dbus.MakeVariant(servicePath),
				"UUID":    dbus.MakeVariant(StatusUUID),
			},
		},
		device + "/service0099": {
			"org.bluez.GattService1": {
				"Device": dbus.MakeVariant(device),
				"UUID":   dbus.MakeVariant("0000180f-0000-1000-8000-00805f9b34fb"),
			},
		},
	}

	got, ok := findService(managed, device, FIDOServiceUUID)
	if !ok || got != servicePath {
		t.Fatalf("findService() = (%v, %v), want (%v, true)", got, ok, servicePath)
	}

	chars := findCharacteristics(managed, servicePath)
	if chars[ControlPointUUID] != cpPath {
		t.Errorf("control point path = %v, want %v", chars[ControlPointUUID], cpPath)
	}
	if chars[StatusUUID] != statusPath {
		t.Errorf("status path = %v, want %v", chars[StatusUUID], statusPath)
	}
}

func TestFindServiceCaseInsensitiveUUID(t *testing.T) {
	device := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB")
	servicePath := device + "/service0010"
	managed := busutil.ManagedObjects{
		servicePath: {
			"org.bluez.GattService1": {
				"Device": dbus.MakeVariant(device),
				"UUID":   dbus.MakeVariant("0000FFFD-0000-1000-8000-00805F9B34FB"),
			},
		},
	}
	if _, ok := findService(managed, device, FIDOServiceUUID); !ok {
		t.Fatalf("findService() should match UUIDs case-insensitively")
	}
}

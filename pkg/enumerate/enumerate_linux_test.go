//go:build linux

package enumerate

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"ctapble/pkg/link"
)

func TestDeviceFIDOCapable(t *testing.T) {
	cases := []struct {
		name  string
		props map[string]dbus.Variant
		want  bool
	}{
		{"usable with FIDO UUID", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(true), "Connected": dbus.MakeVariant(true), "ServicesResolved": dbus.MakeVariant(true),
			"UUIDs": dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb", link.FIDOServiceUUID}),
		}, true},
		{"usable without FIDO UUID", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(true), "Connected": dbus.MakeVariant(true), "ServicesResolved": dbus.MakeVariant(true),
			"UUIDs": dbus.MakeVariant([]string{"0000180f-0000-1000-8000-00805f9b34fb"}),
		}, false},
		{"not connected", map[string]dbus.Variant{
			"Paired": dbus.MakeVariant(true), "Connected": dbus.MakeVariant(false), "ServicesResolved": dbus.MakeVariant(true),
			"UUIDs": dbus.MakeVariant([]string{link.FIDOServiceUUID}),
		}, false},
	}
	for _, c := range cases {
		if got := deviceFIDOCapable(c.props); got != c.want {
			t.Errorf("%s: deviceFIDOCapable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestManifestZeroCapacity(t *testing.T) {
	out, err := Manifest(0, time.Millisecond, nil)
	if err != nil || out != nil {
		t.Fatalf("Manifest(0, ...) = (%v, %v), want (nil, nil)", out, err)
	}
}

func TestManifestNegativeCapacity(t *testing.T) {
	_, err := Manifest(-1, time.Millisecond, nil)
	if err == nil {
		t.Fatalf("expected error for negative capacity")
	}
}

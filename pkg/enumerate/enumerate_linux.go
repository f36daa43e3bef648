//go:build linux

package enumerate

import (
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"ctapble/pkg/busutil"
	"ctapble/pkg/ctapble"
	"ctapble/pkg/link"
)

// profileMu and profileRefs guard the one process-wide FIDO client profile
// registration: BlueZ only allows a GattProfile1 to be registered once per
// well-known UUID, so concurrent Manifest calls from the same process must
// share a single registration instead of racing to create one each.
var (
	profileMu   sync.Mutex
	profileRefs int
)

func enableProfile(conn *dbus.Conn, log *logrus.Entry) (func(), error) {
	profileMu.Lock()
	defer profileMu.Unlock()

	if profileRefs > 0 {
		profileRefs++
		return disableProfile, nil
	}

	// Registering a GattManager1 client profile is only needed on
	// adapters that otherwise refuse characteristic access to
	// unregistered UUIDs; not all BlueZ versions require it, and a
	// failure here is not fatal to discovery, so it is best-effort.
	obj := conn.Object("org.bluez", dbus.ObjectPath("/org/bluez/hci0"))
	call := obj.Call("org.bluez.GattManager1.RegisterApplication", 0, dbus.ObjectPath("/"), map[string]dbus.Variant{})
	if call.Err != nil {
		log.WithError(call.Err).Debug("enumerate: GattManager1.RegisterApplication unavailable, continuing without it")
	}

	profileRefs = 1
	return disableProfile, nil
}

func disableProfile() {
	profileMu.Lock()
	defer profileMu.Unlock()
	if profileRefs > 0 {
		profileRefs--
	}
}

// Manifest powers on the default adapter, runs discovery for discoveryWait,
// and returns up to capacity usable FIDO-capable devices. capacity == 0
// returns an empty list without touching the adapter. Every error return
// carries no candidates; devices are collected in one pass over a single
// GetManagedObjects reply.
func Manifest(capacity int, discoveryWait time.Duration, log *logrus.Entry) ([]Candidate, error) {
	const op = "enumerate.Manifest"
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if capacity == 0 {
		return nil, nil
	}
	if capacity < 0 {
		return nil, ctapble.Errorf(ctapble.KindInvalidArgument, op, "negative capacity %d", capacity)
	}

	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		log.WithError(err).Debug("enumerate: tinygo adapter Enable failed, continuing via BlueZ directly")
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, op, err)
	}
	defer conn.Close()

	release, err := enableProfile(conn, log)
	if err == nil {
		defer release()
	}

	a, err := adapter.NewAdapter1FromAdapterID("hci0")
	if err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, op, err)
	}
	if err := a.SetPowered(true); err != nil {
		log.WithError(err).Debug("enumerate: SetPowered(true) failed, continuing")
	}
	if err := a.StartDiscovery(); err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, op, err)
	}

	time.Sleep(discoveryWait)

	if err := a.StopDiscovery(); err != nil {
		log.WithError(err).Debug("enumerate: StopDiscovery failed, continuing to collect results")
	}

	managed, err := busutil.GetManagedObjects(conn)
	if err != nil {
		return nil, ctapble.NewError(ctapble.KindIOError, op, err)
	}

	var out []Candidate
	for path, ifaces := range managed {
		devProps, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		if !deviceFIDOCapable(devProps) {
			continue
		}
		name := busutil.PropString(devProps, "Alias")
		if name == "" {
			name = busutil.PropString(devProps, "Name")
		}
		out = append(out, Candidate{Path: link.DevicePrefix + string(path), Name: name})
		if len(out) >= capacity {
			break
		}
	}

	log.WithField("found", len(out)).Debug("enumerate: manifest complete")
	return out, nil
}

func deviceFIDOCapable(props map[string]dbus.Variant) bool {
	if !busutil.PropBool(props, "Paired") || !busutil.PropBool(props, "Connected") || !busutil.PropBool(props, "ServicesResolved") {
		return false
	}
	for _, uuid := range busutil.PropStrings(props, "UUIDs") {
		if strings.EqualFold(uuid, link.FIDOServiceUUID) {
			return true
		}
	}
	return false
}

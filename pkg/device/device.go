// Package device tracks the devices known to the adb daemon and the
// debuggable processes running on them.
package device

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-delve/ddmbridge/pkg/client"
)

// State is the connection state of a device as reported by the daemon.
type State string

const (
	StateOffline      State = "offline"
	StateBootloader   State = "bootloader"
	StateOnline       State = "device"
	StateRecovery     State = "recovery"
	StateUnauthorized State = "unauthorized"
	StateSideload     State = "sideload"
	StateHost         State = "host"
	StateNoPerm       State = "no permissions"
	StateUnknown      State = "unknown"
)

// ParseState maps the state column of a device list to a State.
func ParseState(s string) State {
	switch st := State(s); st {
	case StateOffline, StateBootloader, StateOnline, StateRecovery,
		StateUnauthorized, StateSideload, StateHost:
		return st
	}
	if strings.HasPrefix(s, string(StateNoPerm)) {
		return StateNoPerm
	}
	return StateUnknown
}

// ChangeMask describes what changed in a device.
type ChangeMask int

const (
	// ChangeState means the state of the device changed.
	ChangeState ChangeMask = 1 << iota
	// ChangeClientList means a client was added or removed.
	ChangeClientList
	// ChangeBuildInfo means properties or mount points were loaded.
	ChangeBuildInfo
)

// Well known properties.
const (
	PropBuildVersion = "ro.build.version.release"
	PropBuildAPI     = "ro.build.version.sdk"
	PropDeviceModel  = "ro.product.model"
	PropDebuggable   = "ro.debuggable"
	propAvdName      = "ro.boot.qemu.avd_name"
	propAvdNameOld   = "ro.kernel.qemu.avd_name"
)

// Well known mount points.
const (
	MountExternalStorage = "EXTERNAL_STORAGE"
	MountRoot            = "ANDROID_ROOT"
	MountData            = "ANDROID_DATA"
)

type clientEntry struct {
	client *client.Client
	port   int
}

// Device is a device known to the daemon. It is owned by the registry,
// callers only read it.
type Device struct {
	serial string

	mu         sync.RWMutex
	state      State
	properties map[string]string
	mounts     map[string]string
	clients    map[int]*clientEntry
	// pids is the last list received from the jdwp tracking stream.
	pids map[int]bool
	// reopening holds the pids whose client is being recreated.
	reopening map[int]bool
	// retired is set while the device is offline or once it is removed.
	// No client is added to a retired device.
	retired bool

	tracking *tracker
}

func newDevice(serial string, state State) *Device {
	return &Device{
		serial:     serial,
		state:      state,
		properties: map[string]string{},
		mounts:     map[string]string{},
		clients:    map[int]*clientEntry{},
		pids:       map[int]bool{},
		reopening:  map[int]bool{},
	}
}

// Serial returns the serial number of the device.
func (d *Device) Serial() string { return d.serial }

// State returns the current state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsOnline reports whether the device is in the online state.
func (d *Device) IsOnline() bool { return d.State() == StateOnline }

// IsEmulator reports whether the device is an emulator.
func (d *Device) IsEmulator() bool { return strings.HasPrefix(d.serial, "emulator-") }

// AvdName returns the name of the virtual device for emulators.
func (d *Device) AvdName() string {
	if !d.IsEmulator() {
		return ""
	}
	if name := d.Property(propAvdName); name != "" {
		return name
	}
	return d.Property(propAvdNameOld)
}

// Property returns a system property, or "" if it is not known.
func (d *Device) Property(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.properties[name]
}

// Properties returns a copy of the system properties.
func (d *Device) Properties() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	props := make(map[string]string, len(d.properties))
	for k, v := range d.properties {
		props[k] = v
	}
	return props
}

// MountPoint returns the path of a mount point, or "".
func (d *Device) MountPoint(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mounts[name]
}

// Clients returns the clients of the device sorted by pid.
func (d *Device) Clients() []*client.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r := make([]*client.Client, 0, len(d.clients))
	for _, e := range d.clients {
		r = append(r, e.client)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Pid() < r[j].Pid() })
	return r
}

// Client returns the client of pid, or nil.
func (d *Device) Client(pid int) *client.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e := d.clients[pid]; e != nil {
		return e.client
	}
	return nil
}

// ClientByName returns the first client whose description is name.
func (d *Device) ClientByName(name string) *client.Client {
	for _, c := range d.Clients() {
		if c.Data().Description() == name {
			return c
		}
	}
	return nil
}

func (d *Device) String() string {
	return d.serial + " [" + string(d.State()) + "]"
}

// setState updates the state and returns the previous one.
func (d *Device) setState(s State) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.state
	d.state = s
	return old
}

// knownPids returns the pids with a client or a client being reopened.
func (d *Device) knownPids() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pids := make([]int, 0, len(d.clients)+len(d.reopening))
	for pid := range d.clients {
		pids = append(pids, pid)
	}
	for pid := range d.reopening {
		if d.clients[pid] == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

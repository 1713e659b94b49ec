// Package bridge implements the composition root of the debug bridge: it
// owns the device registry, manages the adb daemon and fans out device and
// client notifications to listeners.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/go-delve/ddmbridge/pkg/adbserver"
	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/client"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/device"
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
	"github.com/go-delve/ddmbridge/service"
)

// DeviceListener is notified of devices coming and going.
type DeviceListener interface {
	DeviceConnected(d *device.Device)
	DeviceDisconnected(d *device.Device)
	DeviceChanged(d *device.Device, mask device.ChangeMask)
}

// ClientListener is notified of client changes.
type ClientListener interface {
	ClientChanged(c *client.Client, mask ddm.ChangeMask)
}

// BridgeListener is notified when the bridge is restarted.
type BridgeListener interface {
	BridgeChanged(b *Bridge)
}

// ErrNotStarted is returned by operations that need a started bridge.
var ErrNotStarted = errors.New("bridge not started")

// Bridge connects to the adb daemon and tracks devices and clients.
// Listener callbacks are never run concurrently and never with a lock of
// the bridge held.
type Bridge struct {
	config *service.Config
	log    logflags.Logger
	adb    *adbwire.Client
	server *adbserver.Server
	chunks *ddm.Registry
	ports  *device.PortPool

	notifier *notifier

	mu              sync.Mutex
	registry        *device.Registry
	relay           *selectedRelay
	selected        *client.Client
	deviceListeners []DeviceListener
	clientListeners []ClientListener
	bridgeListeners []BridgeListener
	// ctx is the context tracking runs in, from Start.
	ctx     context.Context
	started bool
	stopped bool
}

var _ service.Server = (*Bridge)(nil)

// New creates a bridge. The default chunk handlers are registered.
func New(config *service.Config) *Bridge {
	chunks := ddm.NewRegistry()
	ddm.RegisterDefaults(chunks)
	return &Bridge{
		config:   config,
		log:      logflags.BridgeLogger(),
		adb:      adbwire.NewClient(config.AdbPort, config.Timeout),
		server:   adbserver.New(config.AdbPath, config.AdbPort, config.Timeout),
		chunks:   chunks,
		ports:    device.NewPortPool(config.DebugPortBase, config.DebugPortCount),
		notifier: newNotifier(),
	}
}

// Start starts the daemon if needed and begins tracking devices.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.started = true
	b.ctx = ctx
	b.mu.Unlock()

	if b.config.StartServer && !b.server.Running(ctx) {
		b.log.Infof("starting adb on port %d", b.config.AdbPort)
		if err := b.server.Start(ctx); err != nil {
			return err
		}
	}
	if err := b.startRegistry(ctx); err != nil {
		return err
	}
	if b.config.SelectedDebugPort > 0 {
		relay, err := listenSelected(b, b.config.SelectedDebugPort)
		if err != nil {
			b.log.Warnf("could not listen on selected debug port %d: %v", b.config.SelectedDebugPort, err)
		} else {
			b.mu.Lock()
			b.relay = relay
			b.mu.Unlock()
		}
	}
	return nil
}

func (b *Bridge) startRegistry(ctx context.Context) error {
	registry, err := device.NewRegistry(device.Config{
		Adb:                  b.adb,
		Chunks:               b.chunks,
		Events:               events{b},
		Restarter:            b.server,
		Ports:                b.ports,
		ClientSupport:        b.config.ClientSupport,
		Timeout:              b.config.Timeout,
		RetryDelay:           b.config.RetryDelay,
		RestartAfterFailures: b.config.RestartAfterFailures,
		MaxReadBuffer:        b.config.MaxReadBuffer,
	})
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.registry = registry
	b.mu.Unlock()
	return nil
}

// Stop stops tracking, closes every client and debugger proxy and waits
// for the pending notifications to be delivered.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	registry, relay := b.registry, b.relay
	b.registry, b.relay, b.selected = nil, nil, nil
	b.mu.Unlock()

	var err error
	if registry != nil {
		registry.Stop()
	}
	if relay != nil {
		err = multierr.Append(err, relay.close())
	}
	b.notifier.close()
	if b.config.DisconnectChan != nil {
		close(b.config.DisconnectChan)
	}
	return err
}

// Restart restarts the daemon and recreates the device registry. ctx
// bounds the daemon restart only.
// BridgeListeners are notified once tracking resumed.
func (b *Bridge) Restart(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return ErrNotStarted
	}
	registry, trackCtx := b.registry, b.ctx
	b.registry = nil
	b.selected = nil
	b.mu.Unlock()

	if registry != nil {
		registry.Stop()
	}
	var err error
	if b.config.AdbPath != "" {
		err = multierr.Append(err, b.server.Restart(ctx))
	}
	if rerr := b.startRegistry(trackCtx); rerr != nil {
		return multierr.Append(err, rerr)
	}
	if err != nil {
		b.log.Warnf("restarting adb: %v", err)
	}
	b.notifier.post(func() {
		for _, l := range b.copyBridgeListeners() {
			l.BridgeChanged(b)
		}
	})
	return nil
}

func (b *Bridge) currentRegistry() *device.Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry
}

// Devices returns the known devices.
func (b *Bridge) Devices() []*device.Device {
	if r := b.currentRegistry(); r != nil {
		return r.Devices()
	}
	return nil
}

// Device returns the device with the given serial, or nil.
func (b *Bridge) Device(serial string) *device.Device {
	if r := b.currentRegistry(); r != nil {
		return r.Device(serial)
	}
	return nil
}

// HasInitialDeviceList reports whether the device list was received at
// least once.
func (b *Bridge) HasInitialDeviceList() bool {
	if r := b.currentRegistry(); r != nil {
		return r.HasInitialDeviceList()
	}
	return false
}

// Adb returns the daemon client used by the bridge.
func (b *Bridge) Adb() *adbwire.Client { return b.adb }

// Ports returns the debugger port pool.
func (b *Bridge) Ports() *device.PortPool { return b.ports }

// Chunks returns the chunk handler registry.
func (b *Bridge) Chunks() *ddm.Registry { return b.chunks }

// RegisterChunkHandler makes h the handler of tag for every client.
func (b *Bridge) RegisterChunkHandler(tag jdwp.Tag, h ddm.Handler) {
	b.chunks.Register(tag, h)
}

// SelectedDebugAddr returns the address of the selected client relay,
// or "" if it is disabled.
func (b *Bridge) SelectedDebugAddr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.relay == nil {
		return ""
	}
	return b.relay.addr().String()
}

// SetSelectedClient chooses the client that debuggers connecting to the
// selected debug port are relayed to. nil clears the selection.
func (b *Bridge) SetSelectedClient(c *client.Client) {
	b.mu.Lock()
	old := b.selected
	b.selected = c
	b.mu.Unlock()
	if old != c {
		b.log.Debugf("selected client %v", c)
	}
}

// SelectedClient returns the selected client, nil if there is none or if
// it went away.
func (b *Bridge) SelectedClient() *client.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected != nil {
		select {
		case <-b.selected.Done():
			b.selected = nil
		default:
		}
	}
	return b.selected
}

// Connect asks the daemon to connect to a network device.
func (b *Bridge) Connect(ctx context.Context, addr string) (string, error) {
	return b.adb.Connect(ctx, addr)
}

// Disconnect asks the daemon to disconnect from a network device.
func (b *Bridge) Disconnect(ctx context.Context, addr string) (string, error) {
	return b.adb.Disconnect(ctx, addr)
}

// AddDeviceListener registers l.
func (b *Bridge) AddDeviceListener(l DeviceListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceListeners = append(b.deviceListeners, l)
}

// RemoveDeviceListener unregisters l.
func (b *Bridge) RemoveDeviceListener(l DeviceListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceListeners = remove(b.deviceListeners, l)
}

// AddClientListener registers l.
func (b *Bridge) AddClientListener(l ClientListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientListeners = append(b.clientListeners, l)
}

// RemoveClientListener unregisters l.
func (b *Bridge) RemoveClientListener(l ClientListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientListeners = remove(b.clientListeners, l)
}

// AddBridgeListener registers l.
func (b *Bridge) AddBridgeListener(l BridgeListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridgeListeners = append(b.bridgeListeners, l)
}

// RemoveBridgeListener unregisters l.
func (b *Bridge) RemoveBridgeListener(l BridgeListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridgeListeners = remove(b.bridgeListeners, l)
}

func remove[T comparable](s []T, v T) []T {
	r := make([]T, 0, len(s))
	for _, x := range s {
		if x != v {
			r = append(r, x)
		}
	}
	return r
}

func (b *Bridge) copyDeviceListeners() []DeviceListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeviceListener(nil), b.deviceListeners...)
}

func (b *Bridge) copyClientListeners() []ClientListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ClientListener(nil), b.clientListeners...)
}

func (b *Bridge) copyBridgeListeners() []BridgeListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BridgeListener(nil), b.bridgeListeners...)
}

func (b *Bridge) String() string {
	return fmt.Sprintf("bridge to adb at %s", b.adb.Addr)
}

// events forwards registry notifications to the listeners through the
// notifier.
type events struct{ b *Bridge }

func (e events) DeviceConnected(d *device.Device) {
	e.b.notifier.post(func() {
		for _, l := range e.b.copyDeviceListeners() {
			l.DeviceConnected(d)
		}
	})
}

func (e events) DeviceDisconnected(d *device.Device) {
	e.b.notifier.post(func() {
		for _, l := range e.b.copyDeviceListeners() {
			l.DeviceDisconnected(d)
		}
	})
}

func (e events) DeviceChanged(d *device.Device, mask device.ChangeMask) {
	e.b.notifier.post(func() {
		for _, l := range e.b.copyDeviceListeners() {
			l.DeviceChanged(d, mask)
		}
	})
}

func (e events) ClientChanged(c *client.Client, mask ddm.ChangeMask) {
	e.b.notifier.post(func() {
		for _, l := range e.b.copyClientListeners() {
			l.ClientChanged(c, mask)
		}
	})
}

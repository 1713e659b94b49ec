package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/client"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// Events receives the notifications of a registry. Calls are made from
// the registry's goroutines and must not block.
type Events interface {
	DeviceConnected(d *Device)
	DeviceDisconnected(d *Device)
	DeviceChanged(d *Device, mask ChangeMask)
	ClientChanged(c *client.Client, mask ddm.ChangeMask)
}

// Restarter restarts the daemon after repeated connection failures.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Config configures a Registry.
type Config struct {
	Adb    *adbwire.Client
	Chunks *ddm.Registry
	Events Events
	// Restarter is optional.
	Restarter Restarter
	// Ports hands out debugger proxy ports, nil disables the proxies.
	Ports *PortPool
	// ClientSupport enables jdwp tracking of online devices.
	ClientSupport        bool
	Timeout              time.Duration
	RetryDelay           time.Duration
	RestartAfterFailures int
	MaxReadBuffer        int
}

const reopenCacheSize = 512

type reopenKey struct {
	serial string
	pid    int
}

type tracker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry keeps the device list in sync with the daemon and owns the
// devices, their clients and the debugger ports.
type Registry struct {
	cfg Config
	log logflags.Logger
	// reopened remembers the clients that were already reopened once.
	reopened *lru.Cache

	mu       sync.Mutex
	devices  map[string]*Device
	initial  bool
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	failures int

	wg sync.WaitGroup
}

// NewRegistry returns a registry that is not tracking yet.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Adb == nil {
		return nil, errors.New("no adb client")
	}
	if cfg.Chunks == nil {
		cfg.Chunks = ddm.NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = nopEvents{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	reopened, err := lru.New(reopenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		cfg:      cfg,
		log:      logflags.DevicesLogger(),
		reopened: reopened,
		devices:  map[string]*Device{},
	}, nil
}

// Start starts tracking devices. Tracking stops when ctx is cancelled
// or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("registry already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	ctx = r.ctx
	r.mu.Unlock()

	r.spawn(func() { r.trackDevices(ctx) })
	return nil
}

// Stop closes the tracking streams, waits for every goroutine of the
// registry and retires all clients, returning their ports.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.devices = map[string]*Device{}
	r.mu.Unlock()
	for _, d := range devices {
		r.retireDevice(d)
	}
}

// spawn runs f in a goroutine waited for by Stop, unless the registry
// is stopped.
func (r *Registry) spawn(f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
	return true
}

// Devices returns the known devices sorted by serial.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].serial < devices[j].serial })
	return devices
}

// Device returns the device with the given serial, or nil.
func (r *Registry) Device(serial string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[serial]
}

// HasInitialDeviceList reports whether the first device list was received.
func (r *Registry) HasInitialDeviceList() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initial
}

// Chunks returns the chunk registry shared by every client.
func (r *Registry) Chunks() *ddm.Registry {
	return r.cfg.Chunks
}

func (r *Registry) trackDevices(ctx context.Context) {
	b := backoff.WithContext(backoff.NewConstantBackOff(r.cfg.RetryDelay), ctx)
	err := backoff.RetryNotify(func() error {
		err := r.trackDevicesOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, next time.Duration) {
		r.log.Debugf("device tracking lost: %v, retrying in %v", err, next)
		r.updateDevices(ctx, nil)
		r.connectionFailed(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Errorf("device tracking stopped: %v", err)
	}
}

func (r *Registry) trackDevicesOnce(ctx context.Context) error {
	conn, err := r.cfg.Adb.TrackDevices(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	for {
		payload, err := adbwire.ReadPayload(conn, 0)
		if err != nil {
			return err
		}
		r.updateDevices(ctx, adbwire.ParseDeviceList(payload))
	}
}

// connectionFailed counts a failed connection and restarts the daemon
// when too many failed in a row.
func (r *Registry) connectionFailed(ctx context.Context) {
	limit := r.cfg.RestartAfterFailures
	r.mu.Lock()
	r.failures++
	n := r.failures
	restart := limit > 0 && n >= limit
	if restart {
		r.failures = 0
	}
	r.mu.Unlock()
	if !restart || r.cfg.Restarter == nil {
		return
	}
	r.log.Warnf("%d consecutive connection failures, restarting adb", n)
	if err := r.cfg.Restarter.Restart(ctx); err != nil {
		r.log.Errorf("could not restart adb: %v", err)
	}
}

// updateDevices reconciles the device list with entries. Feeding the
// same list twice has no effect the second time.
func (r *Registry) updateDevices(ctx context.Context, entries []adbwire.DeviceEntry) {
	r.mu.Lock()
	known := make(map[string]State, len(r.devices))
	for serial, d := range r.devices {
		known[serial] = d.State()
	}
	diff := diffDevices(known, entries)
	removed := make([]*Device, 0, len(diff.removed))
	for _, serial := range diff.removed {
		removed = append(removed, r.devices[serial])
		delete(r.devices, serial)
	}
	added := make([]*Device, 0, len(diff.added))
	for _, e := range diff.added {
		d := newDevice(e.Serial, ParseState(e.State))
		r.devices[e.Serial] = d
		added = append(added, d)
	}
	changed := make([]*Device, 0, len(diff.changed))
	for _, e := range diff.changed {
		changed = append(changed, r.devices[e.Serial])
	}
	if entries != nil {
		r.initial = true
	}
	r.mu.Unlock()

	for _, d := range removed {
		r.log.Infof("device %s disconnected", d.serial)
		r.retireDevice(d)
		r.cfg.Events.DeviceDisconnected(d)
	}
	for _, d := range added {
		r.log.Infof("device %s connected", d)
		r.cfg.Events.DeviceConnected(d)
		if d.IsOnline() {
			r.deviceOnline(ctx, d)
		}
	}
	for i, d := range changed {
		state := ParseState(diff.changed[i].State)
		old := d.setState(state)
		r.log.Infof("device %s: %s -> %s", d.serial, old, state)
		r.cfg.Events.DeviceChanged(d, ChangeState)
		switch {
		case state == StateOnline:
			r.deviceOnline(ctx, d)
		case old == StateOnline:
			r.retireDevice(d)
		}
	}
}

// deviceOnline loads the device information and starts tracking its
// clients.
func (r *Registry) deviceOnline(ctx context.Context, d *Device) {
	d.mu.Lock()
	d.retired = false
	d.mu.Unlock()
	r.spawn(func() {
		if err := r.queryInfo(ctx, d); err != nil {
			if ctx.Err() == nil {
				r.log.Warnf("device %s: %v", d.serial, err)
			}
			return
		}
		r.cfg.Events.DeviceChanged(d, ChangeBuildInfo)
	})
	if r.cfg.ClientSupport {
		r.startJdwpTracking(ctx, d)
	}
}

// retireDevice stops client tracking and closes every client of d.
func (r *Registry) retireDevice(d *Device) {
	r.stopJdwpTracking(d)
	d.mu.Lock()
	entries := make([]*clientEntry, 0, len(d.clients))
	for _, e := range d.clients {
		entries = append(entries, e)
	}
	d.clients = map[int]*clientEntry{}
	d.pids = map[int]bool{}
	d.reopening = map[int]bool{}
	d.retired = true
	d.mu.Unlock()
	for _, e := range entries {
		e.client.Close()
		r.releasePort(e.port)
	}
}

func (r *Registry) startJdwpTracking(ctx context.Context, d *Device) {
	d.mu.Lock()
	if d.tracking != nil {
		d.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &tracker{cancel: cancel, done: make(chan struct{})}
	d.tracking = t
	d.mu.Unlock()

	if !r.spawn(func() {
		defer close(t.done)
		r.trackJdwp(tctx, d)
	}) {
		cancel()
		close(t.done)
	}
}

func (r *Registry) stopJdwpTracking(d *Device) {
	d.mu.Lock()
	t := d.tracking
	d.tracking = nil
	d.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (r *Registry) trackJdwp(ctx context.Context, d *Device) {
	b := backoff.WithContext(backoff.NewConstantBackOff(r.cfg.RetryDelay), ctx)
	backoff.RetryNotify(func() error {
		err := r.trackJdwpOnce(ctx, d)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, next time.Duration) {
		r.log.Debugf("jdwp tracking of %s lost: %v, retrying in %v", d.serial, err, next)
	})
}

func (r *Registry) trackJdwpOnce(ctx context.Context, d *Device) error {
	conn, err := r.cfg.Adb.TrackJdwp(ctx, d.serial)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		payload, err := adbwire.ReadPayload(conn, 0)
		if err != nil {
			return err
		}
		r.updateClients(ctx, d, adbwire.ParsePidList(payload))
	}
}

// updateClients reconciles the clients of d with a pid list.
func (r *Registry) updateClients(ctx context.Context, d *Device, pids []int) {
	d.mu.Lock()
	d.pids = make(map[int]bool, len(pids))
	for _, pid := range pids {
		d.pids[pid] = true
	}
	d.mu.Unlock()

	added, removed := diffPids(d.knownPids(), pids)
	for _, pid := range removed {
		r.reopened.Remove(reopenKey{d.serial, pid})
		r.retireClient(d, pid)
	}
	for _, pid := range added {
		r.openClient(ctx, d, pid)
	}
	if len(added) > 0 || len(removed) > 0 {
		r.cfg.Events.DeviceChanged(d, ChangeClientList)
	}
}

// openClient connects to the JDWP agent of pid and starts its client.
func (r *Registry) openClient(ctx context.Context, d *Device, pid int) *client.Client {
	defer func() {
		d.mu.Lock()
		delete(d.reopening, pid)
		d.mu.Unlock()
	}()

	port := 0
	if r.cfg.Ports != nil {
		p, err := r.cfg.Ports.Get()
		if err != nil {
			r.log.Warnf("client %d on %s: %v", pid, d.serial, err)
		} else {
			port = p
		}
	}
	conn, err := r.cfg.Adb.OpenJdwp(ctx, d.serial, pid)
	if err != nil {
		r.releasePort(port)
		r.log.Warnf("could not open client %d on %s: %v", pid, d.serial, err)
		return nil
	}
	c := client.New(client.Config{
		Serial:              d.serial,
		Pid:                 pid,
		Conn:                conn,
		Registry:            r.cfg.Chunks,
		DebuggerPort:        port,
		Timeout:             r.cfg.Timeout,
		MaxReadBuffer:       r.cfg.MaxReadBuffer,
		RetryOnBadHandshake: true,
		Owner:               r,
	})
	d.mu.Lock()
	if d.retired || !d.pids[pid] {
		d.mu.Unlock()
		r.log.Debugf("client %d on %s is gone, closing it", pid, d.serial)
		c.Close()
		r.releasePort(port)
		return nil
	}
	d.clients[pid] = &clientEntry{client: c, port: port}
	d.mu.Unlock()
	r.log.Debugf("client %d on %s created, debugger port %d", pid, d.serial, port)
	if err := c.Start(); err != nil {
		r.log.Warnf("client %d on %s: %v", pid, d.serial, err)
	}
	return c
}

// retireClient closes the client of pid, if any. Retiring twice is a
// no-op.
func (r *Registry) retireClient(d *Device, pid int) {
	d.mu.Lock()
	e := d.clients[pid]
	delete(d.clients, pid)
	d.mu.Unlock()
	if e == nil {
		return
	}
	e.client.Close()
	r.releasePort(e.port)
}

func (r *Registry) releasePort(port int) {
	if port > 0 && r.cfg.Ports != nil {
		r.cfg.Ports.Put(port)
	}
}

// ClientChanged implements client.Owner.
func (r *Registry) ClientChanged(c *client.Client, mask ddm.ChangeMask) {
	r.cfg.Events.ClientChanged(c, mask)
}

// ClientDropped implements client.Owner. A client dropped before its
// handshake completed is recreated once per pid, as long as the pid is
// still listed by the device.
//
// The port of a client is owned by its device entry. A client whose device
// is already unregistered is still in the entries of that device, and
// retireDevice releases its port.
func (r *Registry) ClientDropped(c *client.Client, reopen bool) {
	d := r.Device(c.Serial())
	if d == nil {
		return
	}
	pid := c.Pid()
	key := reopenKey{d.serial, pid}

	d.mu.Lock()
	e := d.clients[pid]
	if e == nil || e.client != c {
		d.mu.Unlock()
		return
	}
	delete(d.clients, pid)
	reopen = reopen && d.pids[pid] && !r.reopened.Contains(key)
	if reopen {
		d.reopening[pid] = true
	}
	d.mu.Unlock()

	r.releasePort(e.port)
	r.log.Debugf("client %d on %s dropped in state %s", pid, d.serial, c.State())
	r.cfg.Events.DeviceChanged(d, ChangeClientList)
	if !reopen {
		return
	}

	r.reopened.Add(key, struct{}{})
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	spawned := ctx != nil && r.spawn(func() {
		d.mu.RLock()
		listed := d.pids[pid]
		d.mu.RUnlock()
		if !listed {
			d.mu.Lock()
			delete(d.reopening, pid)
			d.mu.Unlock()
			return
		}
		r.log.Debugf("reopening client %d on %s", pid, d.serial)
		if r.openClient(ctx, d, pid) != nil {
			r.cfg.Events.DeviceChanged(d, ChangeClientList)
		}
	})
	if !spawned {
		d.mu.Lock()
		delete(d.reopening, pid)
		d.mu.Unlock()
	}
}

type nopEvents struct{}

func (nopEvents) DeviceConnected(*Device)                      {}
func (nopEvents) DeviceDisconnected(*Device)                   {}
func (nopEvents) DeviceChanged(*Device, ChangeMask)            {}
func (nopEvents) ClientChanged(*client.Client, ddm.ChangeMask) {}

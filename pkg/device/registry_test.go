package device

import (
	"context"
	"flag"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/adbwire/adbtest"
	"github.com/go-delve/ddmbridge/pkg/client"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

// recorder keeps connection and state notifications, the only ones
// delivered in a deterministic order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) DeviceConnected(d *Device)    { r.add("connected " + d.Serial()) }
func (r *recorder) DeviceDisconnected(d *Device) { r.add("disconnected " + d.Serial()) }

func (r *recorder) DeviceChanged(d *Device, mask ChangeMask) {
	if mask&ChangeState != 0 {
		r.add("changed " + d.Serial() + " " + string(d.State()))
	}
}

func (r *recorder) ClientChanged(c *client.Client, mask ddm.ChangeMask) {}

func (r *recorder) waitFor(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, r.get()) }, testTimeout, 10*time.Millisecond, "events: %q", r.get())
}

type fixture struct {
	adb      *adbtest.Server
	registry *Registry
	events   *recorder
	devices  chan string
}

func newFixture(t *testing.T, clientSupport bool, ports *PortPool) *fixture {
	t.Helper()
	adb := adbtest.NewServer(t)
	devices := make(chan string, 8)
	adb.HandleStream("host:track-devices", devices)
	events := &recorder{}
	r, err := NewRegistry(Config{
		Adb:           adbwire.NewClient(adb.Port(), testTimeout),
		Events:        events,
		Ports:         ports,
		ClientSupport: clientSupport,
		Timeout:       testTimeout,
		RetryDelay:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return &fixture{adb: adb, registry: r, events: events, devices: devices}
}

// serveVM answers the JDWP handshake of every jdwp:<pid> connection and
// then swallows whatever the client sends.
func serveVM(c *adbtest.Conn) {
	buf := make([]byte, jdwp.HandshakeLen)
	if _, err := io.ReadFull(c, buf); err != nil {
		return
	}
	io.WriteString(c, jdwp.Handshake)
	io.Copy(io.Discard, c)
}

func TestConnectThenDisconnect(t *testing.T) {
	f := newFixture(t, false, nil)
	f.devices <- "emulator-5554\tdevice\n"
	f.events.waitFor(t, "connected emulator-5554")
	assert.True(t, f.registry.HasInitialDeviceList())
	require.NotNil(t, f.registry.Device("emulator-5554"))

	f.devices <- ""
	f.events.waitFor(t, "connected emulator-5554", "disconnected emulator-5554")
	assert.Nil(t, f.registry.Device("emulator-5554"))
	assert.Empty(t, f.registry.Devices())
}

func TestSameListTwiceIsQuiet(t *testing.T) {
	f := newFixture(t, false, nil)
	f.devices <- "emulator-5554\toffline\n"
	f.devices <- "emulator-5554\toffline\n"
	f.devices <- "emulator-5554\tdevice\n"
	f.events.waitFor(t, "connected emulator-5554", "changed emulator-5554 device")
	assert.Equal(t, StateOnline, f.registry.Device("emulator-5554").State())
}

func TestDevicesSortedBySerial(t *testing.T) {
	f := newFixture(t, false, nil)
	f.devices <- "b\toffline\na\trecovery\n"
	require.Eventually(t, func() bool { return len(f.registry.Devices()) == 2 }, testTimeout, 10*time.Millisecond)
	devices := f.registry.Devices()
	assert.Equal(t, "a", devices[0].Serial())
	assert.Equal(t, StateRecovery, devices[0].State())
	assert.Equal(t, "b", devices[1].Serial())
}

func TestOnlineDeviceLoadsInfo(t *testing.T) {
	f := newFixture(t, false, nil)
	f.adb.HandleConn("shell:getprop", func(c *adbtest.Conn) {
		io.WriteString(c, "[ro.product.model]: [sdk_gphone64]\n[ro.boot.qemu.avd_name]: [Pixel_API_34]\n")
	})
	f.adb.HandleConn("shell:echo $EXTERNAL_STORAGE", func(c *adbtest.Conn) { io.WriteString(c, "/sdcard\n") })
	f.adb.HandleConn("shell:echo $ANDROID_ROOT", func(c *adbtest.Conn) { io.WriteString(c, "/system\n") })
	f.adb.HandleConn("shell:echo $ANDROID_DATA", func(c *adbtest.Conn) { io.WriteString(c, "/data\n") })

	f.devices <- "emulator-5554\tdevice\n"
	var d *Device
	require.Eventually(t, func() bool {
		d = f.registry.Device("emulator-5554")
		return d != nil && d.MountPoint(MountData) != ""
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, "sdk_gphone64", d.Property(PropDeviceModel))
	assert.Equal(t, "Pixel_API_34", d.AvdName())
	assert.Equal(t, "/sdcard", d.MountPoint(MountExternalStorage))
	assert.Equal(t, "/system", d.MountPoint(MountRoot))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestJdwpTracking(t *testing.T) {
	base := freePort(t)
	ports := NewPortPool(base, 0)
	f := newFixture(t, true, ports)
	pids := make(chan string, 4)
	f.adb.HandleStream("host-serial:emulator-5554:track-jdwp", pids)
	f.adb.HandleConn("jdwp:*", serveVM)

	f.devices <- "emulator-5554\tdevice\n"
	pids <- "1234\n"
	var d *Device
	require.Eventually(t, func() bool {
		d = f.registry.Device("emulator-5554")
		return d != nil && len(d.Clients()) == 1
	}, testTimeout, 10*time.Millisecond)
	first := d.Client(1234)
	require.NotNil(t, first)
	assert.Equal(t, base, first.DebuggerPort())

	pids <- "1234\n5678\n"
	require.Eventually(t, func() bool { return len(d.Clients()) == 2 }, testTimeout, 10*time.Millisecond)
	assert.Same(t, first, d.Client(1234))
	assert.Equal(t, 1, f.adb.Count("jdwp:1234"))
	assert.Equal(t, 1, f.adb.Count("jdwp:5678"))
	require.Eventually(t, func() bool {
		return d.Client(1234).State() == client.StateNeedDDMPkt
	}, testTimeout, 10*time.Millisecond)

	pids <- "5678\n"
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{base, base + 2}, ports.Free())
	}, testTimeout, 10*time.Millisecond, "free ports: %v", ports.Free())
	assert.Nil(t, d.Client(1234))
	assert.Equal(t, client.StateDisconnected, first.State())

	f.devices <- ""
	f.events.waitFor(t, "connected emulator-5554", "disconnected emulator-5554")
	assert.Equal(t, []int{base, base + 1, base + 2}, ports.Free())
}

func TestDeviceGoingOfflineRetiresClients(t *testing.T) {
	f := newFixture(t, true, nil)
	pids := make(chan string, 4)
	f.adb.HandleStream("host-serial:emulator-5554:track-jdwp", pids)
	f.adb.HandleConn("jdwp:*", serveVM)

	f.devices <- "emulator-5554\tdevice\n"
	pids <- "1234\n"
	var d *Device
	require.Eventually(t, func() bool {
		d = f.registry.Device("emulator-5554")
		return d != nil && d.Client(1234) != nil
	}, testTimeout, 10*time.Millisecond)
	c := d.Client(1234)

	f.devices <- "emulator-5554\toffline\n"
	f.events.waitFor(t, "connected emulator-5554", "changed emulator-5554 offline")
	require.Eventually(t, func() bool { return c.State() == client.StateDisconnected }, testTimeout, 10*time.Millisecond)
	assert.Empty(t, d.Clients())
}

func TestBadHandshakeReopensOnce(t *testing.T) {
	f := newFixture(t, true, nil)
	pids := make(chan string, 4)
	f.adb.HandleStream("host-serial:emulator-5554:track-jdwp", pids)
	f.adb.HandleConn("jdwp:*", func(c *adbtest.Conn) {
		buf := make([]byte, jdwp.HandshakeLen)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		io.WriteString(c, "JDWP-Handshook")
		io.Copy(io.Discard, c)
	})

	f.devices <- "emulator-5554\tdevice\n"
	pids <- "42\n"
	require.Eventually(t, func() bool { return f.adb.Count("jdwp:42") == 2 }, testTimeout, 10*time.Millisecond)
	d := f.registry.Device("emulator-5554")
	require.Eventually(t, func() bool { return len(d.Clients()) == 0 }, testTimeout, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.adb.Count("jdwp:42"))
}

func TestReopenAfterDeviceRemovalReleasesPort(t *testing.T) {
	base := freePort(t)
	ports := NewPortPool(base, 0)
	f := newFixture(t, true, ports)
	pids := make(chan string, 4)
	f.adb.HandleStream("host-serial:emulator-5554:track-jdwp", pids)
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	var attempts int32
	f.adb.Handle("jdwp:42", func(c *adbtest.Conn, req string) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			c.Okay()
			buf := make([]byte, jdwp.HandshakeLen)
			if _, err := io.ReadFull(c, buf); err != nil {
				return
			}
			io.WriteString(c, "JDWP-Handshook")
			io.Copy(io.Discard, c)
			return
		}
		// Hold the reopen until the device is gone.
		<-release
		c.Okay()
		serveVM(c)
	})

	f.devices <- "emulator-5554\tdevice\n"
	pids <- "42\n"
	require.Eventually(t, func() bool { return f.adb.Count("jdwp:42") == 2 }, testTimeout, 10*time.Millisecond)
	d := f.registry.Device("emulator-5554")
	require.NotNil(t, d)

	f.devices <- ""
	f.events.waitFor(t, "connected emulator-5554", "disconnected emulator-5554")
	unblock()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{base, base + 1}, ports.Free())
	}, testTimeout, 10*time.Millisecond, "free ports: %v", ports.Free())
	assert.Empty(t, d.Clients())
}

func TestRetiredDeviceGetsNoClient(t *testing.T) {
	base := freePort(t)
	ports := NewPortPool(base, 0)
	f := newFixture(t, true, ports)
	f.adb.HandleConn("jdwp:*", serveVM)

	d := newDevice("emulator-5554", StateOnline)
	d.pids[7] = true
	f.registry.retireDevice(d)
	assert.Nil(t, f.registry.openClient(context.Background(), d, 7))
	assert.Empty(t, d.Clients())
	assert.Equal(t, []int{base, base + 1}, ports.Free())

	d.mu.Lock()
	d.retired = false
	d.mu.Unlock()
	assert.Nil(t, f.registry.openClient(context.Background(), d, 7), "pid is not listed")
	assert.Equal(t, []int{base, base + 1}, ports.Free())
}

func TestTrackingLossDisconnectsDevices(t *testing.T) {
	f := newFixture(t, false, nil)
	f.devices <- "emulator-5554\tdevice\n"
	f.events.waitFor(t, "connected emulator-5554")

	next := make(chan string, 1)
	f.adb.HandleStream("host:track-devices", next)
	close(f.devices)
	f.events.waitFor(t, "connected emulator-5554", "disconnected emulator-5554")

	next <- "emulator-5554\tdevice\n"
	f.events.waitFor(t, "connected emulator-5554", "disconnected emulator-5554", "connected emulator-5554")
}

type countingRestarter struct{ n atomic.Int32 }

func (r *countingRestarter) Restart(ctx context.Context) error {
	r.n.Add(1)
	return nil
}

func TestRestartAfterRepeatedFailures(t *testing.T) {
	restarter := &countingRestarter{}
	r, err := NewRegistry(Config{
		Adb:                  adbwire.NewClient(freePort(t), 100*time.Millisecond),
		Restarter:            restarter,
		RetryDelay:           5 * time.Millisecond,
		RestartAfterFailures: 3,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.Eventually(t, func() bool { return restarter.n.Load() >= 2 }, testTimeout, 5*time.Millisecond)
	assert.False(t, r.HasInitialDeviceList())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, false, nil)
	f.devices <- "emulator-5554\tdevice\n"
	f.events.waitFor(t, "connected emulator-5554")
	f.registry.Stop()
	f.registry.Stop()
	assert.Empty(t, f.registry.Devices())
	assert.Error(t, f.registry.Start(context.Background()))
}

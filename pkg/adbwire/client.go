package adbwire

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the daemon port used when none is configured.
const DefaultPort = 5037

// Client issues host requests to the daemon listening on Addr.
// Every request opens its own connection, the daemon closes it after
// replying (or turns it into a raw stream).
type Client struct {
	// Addr is the daemon address, usually 127.0.0.1:5037.
	Addr string
	// Timeout bounds dialing and every read and write of a request.
	Timeout time.Duration
}

// NewClient returns a client for the daemon on the loopback interface.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), Timeout: timeout}
}

// Dial opens a connection to the daemon.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to adb at %s: %w", c.Addr, err)
	}
	return conn, nil
}

// query runs a host command that answers with a length-prefixed payload.
func (c *Client) query(ctx context.Context, command string) ([]byte, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := Exec(conn, command, c.Timeout); err != nil {
		return nil, err
	}
	return ReadPayload(conn, c.Timeout)
}

// command runs a host command whose only answer is OKAY/FAIL.
func (c *Client) command(ctx context.Context, command string) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return Exec(conn, command, c.Timeout)
}

// Version returns the daemon's protocol version.
func (c *Client) Version(ctx context.Context) (int, error) {
	b, err := c.query(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(b), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", b, err)
	}
	return int(v), nil
}

// DeviceEntry is one line of a device list.
type DeviceEntry struct {
	Serial string
	State  string
}

// ParseDeviceList parses newline separated "serial<TAB>state" lines.
// Lines that do not have exactly two fields are skipped.
func ParseDeviceList(body []byte) []DeviceEntry {
	var r []DeviceEntry
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			log.Debugf("skipping device line %q", line)
			continue
		}
		r = append(r, DeviceEntry{Serial: fields[0], State: fields[1]})
	}
	return r
}

// ParsePidList parses newline separated decimal pids.
func ParsePidList(body []byte) []int {
	var r []int
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			log.Debugf("skipping pid line %q", line)
			continue
		}
		r = append(r, pid)
	}
	return r
}

// Devices returns the current device list.
func (c *Client) Devices(ctx context.Context) ([]DeviceEntry, error) {
	b, err := c.query(ctx, "host:devices")
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(b), nil
}

// Kill asks the daemon to exit.
func (c *Client) Kill(ctx context.Context) error {
	return c.command(ctx, "host:kill")
}

// TrackDevices opens the persistent device tracking stream. Each update
// is read from the returned connection with ReadPayload.
func (c *Client) TrackDevices(ctx context.Context) (net.Conn, error) {
	return c.open(ctx, "host:track-devices")
}

// TrackJdwp opens the persistent debuggable process tracking stream of
// serial. Each update is a newline separated list of pids.
func (c *Client) TrackJdwp(ctx context.Context, serial string) (net.Conn, error) {
	return c.open(ctx, "host-serial:"+serial+":track-jdwp")
}

func (c *Client) open(ctx context.Context, command string) (net.Conn, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := Exec(conn, command, c.Timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenTransport connects to the daemon and switches the connection to the
// device identified by serial. Rejections are marked as device selection
// failures.
func (c *Client) OpenTransport(ctx context.Context, serial string) (net.Conn, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := SelectDevice(conn, serial, c.Timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SelectDevice switches conn to the transport of serial.
func SelectDevice(conn net.Conn, serial string, timeout time.Duration) error {
	err := Exec(conn, "host:transport:"+serial, timeout)
	if rerr, ok := err.(*RejectError); ok {
		rerr.DeviceSelection = true
	}
	return err
}

// openService opens a raw stream to a device service.
func (c *Client) openService(ctx context.Context, serial, service string) (net.Conn, error) {
	conn, err := c.OpenTransport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := Exec(conn, service, c.Timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenJdwp opens a pass-through connection to the JDWP agent of pid.
func (c *Client) OpenJdwp(ctx context.Context, serial string, pid int) (net.Conn, error) {
	return c.openService(ctx, serial, "jdwp:"+strconv.Itoa(pid))
}

// OpenTCP opens a pass-through connection to port on the device, or on
// host as seen from the device when host is not empty.
func (c *Client) OpenTCP(ctx context.Context, serial string, port int, host string) (net.Conn, error) {
	service := "tcp:" + strconv.Itoa(port)
	if host != "" {
		service += ":" + host
	}
	return c.openService(ctx, serial, service)
}

// Shell runs cmd on the device and returns its output, read until the
// device closes the stream.
func (c *Client) Shell(ctx context.Context, serial, cmd string) ([]byte, error) {
	conn, err := c.openService(ctx, serial, "shell:"+cmd)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if c.Timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return out, fmt.Errorf("shell %q: %w", cmd, err)
	}
	return out, nil
}

// CreateForward forwards local to remote, both in adb socket spec form
// (e.g. "tcp:8600", "jdwp:1234").
func (c *Client) CreateForward(ctx context.Context, serial, local, remote string) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	command := fmt.Sprintf("host-serial:%s:forward:%s;%s", serial, local, remote)
	if err := Exec(conn, command, c.Timeout); err != nil {
		return err
	}
	// Newer daemons acknowledge twice, the second OKAY once the listener
	// is bound.
	ok, err := ReadResponse(conn, c.Timeout)
	switch {
	case err == io.EOF:
		return nil
	case err != nil:
		return err
	case !ok:
		return &RejectError{Command: command, Message: ReadDiagnostic(conn, c.Timeout)}
	}
	return nil
}

// RemoveForward removes the forward of local.
func (c *Client) RemoveForward(ctx context.Context, serial, local string) error {
	return c.command(ctx, fmt.Sprintf("host-serial:%s:killforward:%s", serial, local))
}

// Connect asks the daemon to connect to a network device at addr.
func (c *Client) Connect(ctx context.Context, addr string) (string, error) {
	b, err := c.query(ctx, "host:connect:"+addr)
	if err != nil {
		return "", err
	}
	msg := string(b)
	if strings.HasPrefix(msg, "failed") || strings.HasPrefix(msg, "unable") {
		return msg, &RejectError{Command: "host:connect:" + addr, Message: msg}
	}
	return msg, nil
}

// Disconnect asks the daemon to drop the network device at addr.
func (c *Client) Disconnect(ctx context.Context, addr string) (string, error) {
	b, err := c.query(ctx, "host:disconnect:"+addr)
	return string(b), err
}

// Reboot reboots the device, into mode if not empty (e.g. "bootloader").
func (c *Client) Reboot(ctx context.Context, serial, mode string) error {
	service := "reboot:"
	if mode != "" {
		service += mode
	}
	conn, err := c.openService(ctx, serial, service)
	if err != nil {
		return err
	}
	return conn.Close()
}

// TCPIP restarts the device daemon listening on port.
func (c *Client) TCPIP(ctx context.Context, serial string, port int) ([]byte, error) {
	return c.readService(ctx, serial, "tcpip:"+strconv.Itoa(port))
}

// Framebuffer returns the raw framebuffer dump of the device: the
// little-endian header sent by the device followed by the pixel data.
func (c *Client) Framebuffer(ctx context.Context, serial string) ([]byte, error) {
	return c.readService(ctx, serial, "framebuffer:")
}

// USB restarts the device daemon listening on USB.
func (c *Client) USB(ctx context.Context, serial string) ([]byte, error) {
	return c.readService(ctx, serial, "usb:")
}

func (c *Client) readService(ctx context.Context, serial, service string) ([]byte, error) {
	conn, err := c.openService(ctx, serial, service)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if c.Timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}
	return io.ReadAll(conn)
}

package adbwire_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/adbwire/adbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*adbwire.Client, *adbtest.Server) {
	srv := adbtest.NewServer(t)
	return adbwire.NewClient(srv.Port(), 2*time.Second), srv
}

func TestClientVersion(t *testing.T) {
	c, srv := newClient(t)
	srv.HandleOkay("host:version", "0029")
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestClientDevices(t *testing.T) {
	c, srv := newClient(t)
	srv.HandleOkay("host:devices", "emulator-5554\tdevice\nR58M\tunauthorized\n")
	l, err := c.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []adbwire.DeviceEntry{{Serial: "emulator-5554", State: "device"}, {Serial: "R58M", State: "unauthorized"}}, l)
}

func TestClientShell(t *testing.T) {
	c, srv := newClient(t)
	srv.Handle("shell:*", func(conn *adbtest.Conn, req string) {
		conn.Okay()
		conn.Write([]byte(conn.Serial + " " + req[len("shell:"):]))
	})
	out, err := c.Shell(context.Background(), "emulator-5554", "echo $ANDROID_DATA")
	require.NoError(t, err)
	assert.Equal(t, "emulator-5554 echo $ANDROID_DATA", string(out))
	assert.Equal(t, []string{"host:transport:emulator-5554", "shell:echo $ANDROID_DATA"}, srv.Requests())
}

func TestClientFramebuffer(t *testing.T) {
	c, srv := newClient(t)
	srv.HandleConn("framebuffer:", func(conn *adbtest.Conn) {
		conn.Write([]byte{1, 0, 0, 0, 32, 0, 0, 0})
	})
	out, err := c.Framebuffer(context.Background(), "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 32, 0, 0, 0}, out)
}

func TestClientTransportRejected(t *testing.T) {
	c, srv := newClient(t)
	srv.RejectTransport("gone", "device 'gone' not found")
	_, err := c.Shell(context.Background(), "gone", "ls")
	var rerr *adbwire.RejectError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.DeviceSelection)
	assert.Equal(t, "device 'gone' not found", rerr.Message)
}

func TestClientForward(t *testing.T) {
	c, srv := newClient(t)
	srv.Handle("host-serial:emulator-5554:forward:*", func(conn *adbtest.Conn, req string) {
		conn.Okay()
		conn.Okay()
	})
	srv.Handle("host-serial:emulator-5554:killforward:*", func(conn *adbtest.Conn, req string) {
		conn.Okay()
	})
	ctx := context.Background()
	require.NoError(t, c.CreateForward(ctx, "emulator-5554", "tcp:8600", "jdwp:1234"))
	require.NoError(t, c.RemoveForward(ctx, "emulator-5554", "tcp:8600"))
	assert.Equal(t, 1, srv.Count("host-serial:emulator-5554:forward:tcp:8600;jdwp:1234"))
	assert.Equal(t, 1, srv.Count("host-serial:emulator-5554:killforward:tcp:8600"))
}

func TestClientConnectFailure(t *testing.T) {
	c, srv := newClient(t)
	srv.HandleOkay("host:connect:*", "failed to connect to 10.0.0.1:5555")
	_, err := c.Connect(context.Background(), "10.0.0.1:5555")
	require.True(t, adbwire.IsRejected(err))
}

func TestClientUnknownCommand(t *testing.T) {
	c, _ := newClient(t)
	err := c.Kill(context.Background())
	require.True(t, adbwire.IsRejected(err))
}

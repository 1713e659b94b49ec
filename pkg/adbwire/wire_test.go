package adbwire

import (
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upperHexPrefix = regexp.MustCompile(`^[0-9A-F]{4}`)

func TestRequestRoundTrip(t *testing.T) {
	for _, cmd := range []string{
		"",
		"host:track-devices",
		"host-serial:emulator-5554:track-jdwp",
		"host:transport:0123456789ABCDEF",
		"shell:" + strings.Repeat("x", 300),
		strings.Repeat("z", MaxRequestLen),
	} {
		b, err := FormatRequest(cmd)
		require.NoError(t, err)
		if !upperHexPrefix.Match(b) {
			t.Fatalf("prefix of %q is not 4 upper-case hex digits", b[:4])
		}
		got, err := ParseRequest(b)
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
	}
}

func TestFormatRequestTooLong(t *testing.T) {
	_, err := FormatRequest(strings.Repeat("z", MaxRequestLen+1))
	require.ErrorIs(t, err, ErrRequestTooLong)
}

func TestParseRequestLowerCase(t *testing.T) {
	got, err := ParseRequest([]byte("000ahost:abcde"))
	require.NoError(t, err)
	assert.Equal(t, "host:abcde", got)
}

func serve(t *testing.T, data string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		io.WriteString(server, data)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestFailResponse(t *testing.T) {
	conn := serve(t, "FAIL0006denied")
	ok, err := ReadResponse(conn, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "denied", ReadDiagnostic(conn, time.Second))
}

func TestOkayResponse(t *testing.T) {
	conn := serve(t, "OKAY")
	ok, err := ReadResponse(conn, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedDiagnosticLength(t *testing.T) {
	conn := serve(t, "zz12denied")
	assert.Equal(t, "", ReadDiagnostic(conn, time.Second))
}

func TestShortReadIsError(t *testing.T) {
	conn := serve(t, "OK")
	_, err := ReadResponse(conn, time.Second)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTimeoutReturnsPartialData(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go io.WriteString(server, "OK")

	b, err := Read(client, 4, 100*time.Millisecond)
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "expected a timeout, got %v", err)
	assert.Equal(t, "OK", string(b))
	assert.Equal(t, "OK", string(terr.Data))
}

func TestExecReject(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		req, _ := readRequest(server)
		if req == "host:transport:abc" {
			io.WriteString(server, "FAIL000Edevice offline")
		}
	}()

	err := SelectDevice(client, "abc", time.Second)
	var rerr *RejectError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.DeviceSelection)
	assert.True(t, rerr.IsDeviceOffline())
	assert.Equal(t, "device offline", rerr.Message)
}

func readRequest(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n, err := parseLength(hdr[:])
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return string(b), err
}

func TestParseDeviceList(t *testing.T) {
	l := ParseDeviceList([]byte("emulator-5554\tdevice\n0123\toffline\r\nbroken line\n\n"))
	assert.Equal(t, []DeviceEntry{{"emulator-5554", "device"}, {"0123", "offline"}}, l)
}

func TestParsePidList(t *testing.T) {
	assert.Equal(t, []int{1234, 5678}, ParsePidList([]byte("1234\n5678\nfoo\n")))
	assert.Empty(t, ParsePidList([]byte("")))
}

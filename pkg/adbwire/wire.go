// Package adbwire implements the host protocol spoken by the adb daemon.
//
// A request is an ASCII command prefixed by its length as 4 upper-case hex
// digits. The daemon answers with OKAY or FAIL; FAIL is followed by a
// length-prefixed diagnostic. Persistent "track" services keep sending
// length-prefixed payloads on the same connection after OKAY.
package adbwire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/go-delve/ddmbridge/pkg/logflags"
)

const (
	okay = "OKAY"
	fail = "FAIL"

	// MaxRequestLen is the longest command a 4 hex digit prefix can frame.
	MaxRequestLen = 0xFFFF
)

// ErrRequestTooLong is returned by FormatRequest when the command does not
// fit the 4 hex digit length prefix.
var ErrRequestTooLong = errors.New("request longer than 0xFFFF bytes")

// ErrMalformedLength is returned when a length prefix is not 4 hex digits.
var ErrMalformedLength = errors.New("malformed length prefix")

// TimeoutError is returned when a read or write did not complete before its
// deadline. Data holds whatever was received before the deadline expired.
type TimeoutError struct {
	Op   string
	Data []byte
}

func (err *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d bytes", err.Op, len(err.Data))
}

// Timeout makes TimeoutError satisfy net.Error style checks.
func (err *TimeoutError) Timeout() bool { return true }

var log = logflags.AdbWireLogger()

// FormatRequest frames command for the wire.
func FormatRequest(command string) ([]byte, error) {
	if len(command) > MaxRequestLen {
		return nil, ErrRequestTooLong
	}
	b := make([]byte, 0, 4+len(command))
	b = append(b, fmt.Sprintf("%04X", len(command))...)
	b = append(b, command...)
	return b, nil
}

// ParseRequest is the inverse of FormatRequest.
func ParseRequest(b []byte) (string, error) {
	if len(b) < 4 {
		return "", io.ErrUnexpectedEOF
	}
	n, err := parseLength(b[:4])
	if err != nil {
		return "", err
	}
	if len(b)-4 < n {
		return "", io.ErrUnexpectedEOF
	}
	return string(b[4 : 4+n]), nil
}

func parseLength(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, ErrMalformedLength
	}
	n, err := strconv.ParseUint(string(b), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, b)
	}
	return int(n), nil
}

// Read reads exactly n bytes from conn, waiting at most timeout.
// If the deadline expires the bytes received so far are returned inside a
// *TimeoutError, a connection closed early is io.ErrUnexpectedEOF.
// A zero timeout blocks until data arrives.
func Read(conn net.Conn, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	setReadDeadline(conn, timeout)
	defer conn.SetReadDeadline(time.Time{})
	got, err := io.ReadFull(conn, buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return buf[:got], &TimeoutError{Op: "read", Data: buf[:got]}
		}
		if err == io.EOF && got == 0 {
			return nil, io.EOF
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return buf[:got], io.ErrUnexpectedEOF
		}
		return buf[:got], err
	}
	return buf, nil
}

// Write writes data to conn, waiting at most timeout.
func Write(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(data)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return &TimeoutError{Op: "write"}
		}
	}
	return err
}

func setReadDeadline(conn net.Conn, timeout time.Duration) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
}

// WriteRequest frames and sends command.
func WriteRequest(conn net.Conn, command string, timeout time.Duration) error {
	b, err := FormatRequest(command)
	if err != nil {
		return err
	}
	log.Debugf("<- %s", command)
	return Write(conn, b, timeout)
}

// ReadResponse reads the 4 byte response header and reports whether it was
// OKAY.
func ReadResponse(conn net.Conn, timeout time.Duration) (bool, error) {
	b, err := Read(conn, 4, timeout)
	if err != nil {
		return false, err
	}
	log.Debugf("-> %s", b)
	return string(b) == okay, nil
}

// ReadDiagnostic reads the length-prefixed message following FAIL.
// A malformed length or a short message is logged and yields an empty
// diagnostic.
func ReadDiagnostic(conn net.Conn, timeout time.Duration) string {
	b, err := Read(conn, 4, timeout)
	if err != nil {
		log.Debugf("no diagnostic available: %v", err)
		return ""
	}
	n, err := parseLength(b)
	if err != nil {
		log.Warnf("no diagnostic available: %v", err)
		return ""
	}
	msg, err := Read(conn, n, timeout)
	if err != nil {
		log.Warnf("truncated diagnostic: %v", err)
		return string(msg)
	}
	return string(msg)
}

// ReadLength reads a 4 hex digit length prefix.
func ReadLength(conn net.Conn, timeout time.Duration) (int, error) {
	b, err := Read(conn, 4, timeout)
	if err != nil {
		return 0, err
	}
	return parseLength(b)
}

// ReadPayload reads a length-prefixed payload, as emitted by the track
// services after their OKAY.
func ReadPayload(conn net.Conn, timeout time.Duration) ([]byte, error) {
	n, err := ReadLength(conn, timeout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	return Read(conn, n, timeout)
}

// Exec sends command and waits for the response. A FAIL response is
// returned as a *RejectError.
func Exec(conn net.Conn, command string, timeout time.Duration) error {
	if err := WriteRequest(conn, command, timeout); err != nil {
		return err
	}
	return expectOkay(conn, command, timeout)
}

func expectOkay(conn net.Conn, command string, timeout time.Duration) error {
	ok, err := ReadResponse(conn, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return &RejectError{Command: command, Message: ReadDiagnostic(conn, timeout)}
	}
	return nil
}

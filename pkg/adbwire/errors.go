package adbwire

import (
	"errors"
	"fmt"
	"strings"
)

// RejectError is a FAIL response from the daemon.
type RejectError struct {
	// Command is the request that was rejected.
	Command string
	// Message is the diagnostic sent by the daemon, possibly empty.
	Message string
	// DeviceSelection is true if the rejection happened while selecting the
	// device transport rather than while running the command itself.
	DeviceSelection bool
}

func (err *RejectError) Error() string {
	cmd := err.Command
	if len(cmd) > 40 {
		cmd = cmd[:40] + "..."
	}
	if err.Message == "" {
		return fmt.Sprintf("adb rejected %s", cmd)
	}
	if err.DeviceSelection {
		return fmt.Sprintf("adb rejected device selection for %s: %s", cmd, err.Message)
	}
	return fmt.Sprintf("adb rejected %s: %s", cmd, err.Message)
}

// IsDeviceOffline reports whether the daemon refused because the device is
// offline.
func (err *RejectError) IsDeviceOffline() bool {
	return strings.Contains(err.Message, "device offline")
}

// IsRejected reports whether err, or any error it wraps, is a *RejectError.
func IsRejected(err error) bool {
	var rerr *RejectError
	return errors.As(err, &rerr)
}

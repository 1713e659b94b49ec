package service

import (
	"time"

	"github.com/go-delve/ddmbridge/pkg/config"
)

// Config provides the configuration to start a Bridge.
type Config struct {
	// AdbPath is the daemon executable, used to start and restart the
	// daemon.
	AdbPath string
	// AdbPort is the port of the daemon on the loopback interface.
	AdbPort int
	// StartServer starts the daemon if it does not answer.
	StartServer bool

	// ClientSupport enables tracking of debuggable processes.
	ClientSupport bool
	// DebugPortBase and DebugPortCount define the debugger proxy ports.
	DebugPortBase  int
	DebugPortCount int
	// SelectedDebugPort relays a debugger to the selected client,
	// 0 disables it.
	SelectedDebugPort int

	Timeout              time.Duration
	RetryDelay           time.Duration
	RestartAfterFailures int
	MaxReadBuffer        int

	// DisconnectChan will be closed by the bridge when it stops.
	DisconnectChan chan<- struct{}
}

// NewConfig returns the bridge configuration matching a config file.
func NewConfig(c *config.Config) *Config {
	c.Fill()
	return &Config{
		AdbPath:              c.AdbPath,
		AdbPort:              c.AdbPort,
		StartServer:          true,
		ClientSupport:        c.ClientSupport,
		DebugPortBase:        c.DebugPortBase,
		DebugPortCount:       c.DebugPortCount,
		SelectedDebugPort:    c.SelectedDebugPort,
		Timeout:              c.Timeout,
		RetryDelay:           c.RetryDelay,
		RestartAfterFailures: c.RestartAfterFailures,
		MaxReadBuffer:        c.MaxReadBuffer,
	}
}

// Package adbserver starts, stops and restarts the adb daemon process.
package adbserver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// Server manages the daemon listening on Port.
type Server struct {
	// Path is the adb executable.
	Path    string
	Port    int
	Timeout time.Duration
}

// New returns a Server for the daemon at port, started with the
// executable at path.
func New(path string, port int, timeout time.Duration) *Server {
	return &Server{Path: path, Port: port, Timeout: timeout}
}

func (s *Server) client() *adbwire.Client {
	return adbwire.NewClient(s.Port, s.Timeout)
}

// Running reports whether a daemon answers on Port.
func (s *Server) Running(ctx context.Context) bool {
	_, err := s.client().Version(ctx)
	return err == nil
}

// Start runs "adb -P <port> start-server" and waits for it to return.
func (s *Server) Start(ctx context.Context) error {
	if s.Path == "" {
		return fmt.Errorf("no adb executable configured")
	}
	cmd := exec.CommandContext(ctx, s.Path, "-P", strconv.Itoa(s.Port), "start-server")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	logflags.AdbWireLogger().Debugf("starting %s", strings.Join(cmd.Args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s start-server: %w: %s", s.Path, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Stop asks the daemon to exit. If it does not answer, stray daemon
// processes serving Port are terminated.
func (s *Server) Stop(ctx context.Context) error {
	log := logflags.AdbWireLogger()
	err := s.client().Kill(ctx)
	if err == nil {
		return nil
	}
	log.Debugf("host:kill failed: %v, looking for stray daemons", err)
	killed, perr := s.killStray(ctx)
	if perr != nil {
		return fmt.Errorf("stopping adb: %v, %w", err, perr)
	}
	if killed == 0 {
		log.Debugf("no daemon process serving port %d", s.Port)
	}
	return nil
}

// Restart stops and starts the daemon.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		logflags.AdbWireLogger().Warnf("%v", err)
	}
	return s.Start(ctx)
}

func (s *Server) killStray(ctx context.Context) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if !isServerProcess(name, cmdline, s.Port) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			logflags.AdbWireLogger().Warnf("could not kill adb process %d: %v", p.Pid, err)
			continue
		}
		killed++
	}
	return killed, nil
}

// isServerProcess reports whether a process is an adb daemon serving
// port. The daemon runs as "adb -L tcp:<port> fork-server server ...",
// older versions as "adb -P <port> fork-server server".
func isServerProcess(name string, cmdline []string, port int) bool {
	name = strings.TrimSuffix(strings.ToLower(filepath.Base(name)), ".exe")
	if name != "adb" {
		return false
	}
	server := false
	portMatches := port == 5037
	for i, arg := range cmdline {
		switch {
		case arg == "fork-server":
			server = true
		case strings.HasPrefix(arg, "tcp:"):
			portMatches = arg == "tcp:"+strconv.Itoa(port)
		case arg == "-P" && i+1 < len(cmdline):
			portMatches = cmdline[i+1] == strconv.Itoa(port)
		}
	}
	return server && portMatches
}

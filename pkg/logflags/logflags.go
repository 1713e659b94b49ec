package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var adbWire = false
var devices = false
var jdwpConn = false
var ddm = false
var debugger = false
var bridge = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = defaultOut()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// defaultOut is stderr, wrapped so that escape sequences are translated on
// consoles that need it.
func defaultOut() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorable(os.Stderr)
	}
	return os.Stderr
}

// AdbWire returns true if the adbwire package should log every request and
// response exchanged with the daemon.
func AdbWire() bool {
	return adbWire
}

// AdbWireLogger returns a configured logger for the daemon host protocol.
func AdbWireLogger() Logger {
	return makeFlaggableLogger(adbWire, Fields{"layer": "adb"})
}

// Devices returns true if device tracking should be logged.
func Devices() bool {
	return devices
}

// DevicesLogger returns a logger for the device registry.
func DevicesLogger() Logger {
	return makeFlaggableLogger(devices, Fields{"layer": "devices"})
}

// JDWP returns true if client sessions should log JDWP traffic.
func JDWP() bool {
	return jdwpConn
}

// JDWPLogger returns a logger for client sessions.
func JDWPLogger() Logger {
	return makeFlaggableLogger(jdwpConn, Fields{"layer": "jdwp"})
}

// DDM returns true if chunk dispatch should be logged.
func DDM() bool {
	return ddm
}

// DDMLogger returns a logger for the chunk registry and its handlers.
func DDMLogger() Logger {
	return makeFlaggableLogger(ddm, Fields{"layer": "ddm"})
}

// Debugger returns true if debugger proxies should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for debugger proxies.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Bridge returns true if the bridge should log.
func Bridge() bool {
	return bridge
}

// BridgeLogger returns a logger for the bridge service.
func BridgeLogger() Logger {
	return makeFlaggableLogger(bridge, Fields{"layer": "bridge"})
}

// WriteListeningMessage writes on stdout the address a debugger proxy is
// listening on, so that IDEs can scrape it.
func WriteListeningMessage(pid int, addr string) {
	fmt.Fprintf(os.Stdout, "pid %d: debugger proxy listening at: %s\n", pid, addr)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ddmbridge-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "devices"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "adb":
			adbWire = true
		case "devices":
			devices = true
		case "jdwp":
			jdwpConn = true
		case "ddm":
			ddm = true
		case "debugger":
			debugger = true
		case "bridge":
			bridge = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'ddmbridge help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatterInstance is the default formatter, shared by all loggers.
var textFormatterInstance = &textFormatter{}

type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, " layer=%v", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

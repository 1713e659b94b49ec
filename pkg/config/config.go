package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".ddmbridge"
	configFile string = "config.yml"
)

// AdbPortEnv is the environment variable that overrides the daemon port.
const AdbPortEnv = "ANDROID_ADB_SERVER_PORT"

const (
	DefaultAdbPort              = 5037
	DefaultDebugPortBase        = 8600
	DefaultSelectedDebugPort    = 8700
	DefaultTimeout              = 5 * time.Second
	DefaultRetryDelay           = time.Second
	DefaultRestartAfterFailures = 10
	DefaultMaxReadBuffer        = 800 * 1024 * 1024
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// AdbPath is the daemon executable used to start and restart the server.
	AdbPath string `yaml:"adb-path"`
	// AdbPort is the TCP port of the daemon on the loopback interface.
	// The ANDROID_ADB_SERVER_PORT environment variable takes precedence.
	AdbPort int `yaml:"adb-port"`

	// ClientSupport enables tracking of debuggable processes on every
	// online device.
	ClientSupport bool `yaml:"client-support"`

	// DebugPortBase is the first port handed out to debugger proxies.
	DebugPortBase int `yaml:"debug-port-base"`
	// DebugPortCount limits the number of proxy ports, 0 means unbounded.
	DebugPortCount int `yaml:"debug-port-count"`
	// SelectedDebugPort is the port that relays to the selected client,
	// 0 disables it.
	SelectedDebugPort int `yaml:"selected-debug-port"`

	// Timeout applies to every non-tracking socket operation.
	Timeout time.Duration `yaml:"timeout"`
	// RetryDelay is the idle delay between reconnection attempts.
	RetryDelay time.Duration `yaml:"retry-delay"`
	// RestartAfterFailures is the number of consecutive failed connection
	// attempts after which the daemon is restarted.
	RestartAfterFailures int `yaml:"restart-after-failures"`

	// MaxReadBuffer is the ceiling of a client session read buffer.
	MaxReadBuffer int `yaml:"max-read-buffer"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AdbPath:              "adb",
		AdbPort:              DefaultAdbPort,
		ClientSupport:        true,
		DebugPortBase:        DefaultDebugPortBase,
		SelectedDebugPort:    DefaultSelectedDebugPort,
		Timeout:              DefaultTimeout,
		RetryDelay:           DefaultRetryDelay,
		RestartAfterFailures: DefaultRestartAfterFailures,
		MaxReadBuffer:        DefaultMaxReadBuffer,
	}
}

// Fill replaces zero values with defaults and applies the environment
// override of the daemon port.
func (c *Config) Fill() {
	def := Default()
	if c.AdbPath == "" {
		c.AdbPath = def.AdbPath
	}
	if c.AdbPort == 0 {
		c.AdbPort = def.AdbPort
	}
	if c.DebugPortBase == 0 {
		c.DebugPortBase = def.DebugPortBase
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RestartAfterFailures == 0 {
		c.RestartAfterFailures = def.RestartAfterFailures
	}
	if c.MaxReadBuffer == 0 {
		c.MaxReadBuffer = def.MaxReadBuffer
	}
	if port, ok := AdbPortFromEnv(); ok {
		c.AdbPort = port
	}
}

// AdbPortFromEnv returns the daemon port set through ANDROID_ADB_SERVER_PORT.
func AdbPortFromEnv() (int, bool) {
	s := os.Getenv(AdbPortEnv)
	if s == "" {
		return 0, false
	}
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "Ignoring invalid %s value %q.\n", AdbPortEnv, s)
		return 0, false
	}
	return port, true
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return filled(Default())
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return filled(Default())
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return filled(Default())
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return filled(Default())
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return filled(Default())
	}
	return c
}

// Parse decodes a YAML configuration, starting from the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return filled(c), nil
}

func filled(c *Config) *Config {
	c.Fill()
	return c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for ddmbridge.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Path of the adb executable, used to start and restart the daemon.
# adb-path: adb

# Daemon port. The ANDROID_ADB_SERVER_PORT environment variable overrides it.
# adb-port: 5037

# Track debuggable processes on online devices.
client-support: true

# First port handed out to per-process debugger proxies and the number of
# ports available (0 means no limit).
# debug-port-base: 8600
# debug-port-count: 0

# Port relaying to the selected process, 0 disables it.
# selected-debug-port: 8700

# Socket timeout and delay between reconnection attempts.
# timeout: 5s
# retry-delay: 1s

# Consecutive connection failures after which the daemon is restarted.
# restart-after-failures: 10
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

// Package config provides configuration management for dropprobe.
// It supports loading configuration from INI files, command-line overrides
// and environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// Run modes
const (
	ModeScript      = "script"
	ModeAuth        = "auth"
	ModeMultiUser   = "multiuser"
	ModeInteractive = "interactive"
	ModeSelfTest    = "selftest"
)

// Modes lists every accepted run mode.
var Modes = []string{ModeScript, ModeAuth, ModeMultiUser, ModeInteractive, ModeSelfTest}

// modeAliases maps the C test client's mode words onto run modes.
var modeAliases = map[string]string{
	"test1": ModeAuth,
	"test2": ModeMultiUser,
}

// TargetConf describes where and how to connect.
type TargetConf struct {
	Host            string        `ini:"host"`
	Port            string        `ini:"port"`
	Proxy           string        `ini:"proxy"` // socks5://host:port
	TLS             bool          `ini:"tls"`
	CertFingerprint string        `ini:"cert_fingerprint"`
	DialTimeout     time.Duration `ini:"dial_timeout"`
}

// TimingConf holds the read window and the settle delays of the script.
type TimingConf struct {
	ReadTimeout     time.Duration `ini:"read_timeout"`
	SettleTime      time.Duration `ini:"settle_time"`
	PayloadSettle   time.Duration `ini:"payload_settle"`
	WorkerWait      time.Duration `ini:"worker_wait"`
	DownloadWait    time.Duration `ini:"download_wait"`
	DeleteWait      time.Duration `ini:"delete_wait"`
	SessionGap      time.Duration `ini:"session_gap"`
	MaxResponseSize int           `ini:"max_response_size"`
}

// SessionConf holds the credentials and file used by the scripted steps.
type SessionConf struct {
	Username    string `ini:"username"`
	Password    string `ini:"password"`
	FileName    string `ini:"file_name"`
	Payload     string `ini:"payload"`
	PayloadFile string `ini:"payload_file"`
	UniqueUsers bool   `ini:"unique_users"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	Quiet bool   `ini:"quiet"` // forces error level regardless of Level
}

// DriverConfig is the complete configuration of one dropprobe run.
type DriverConfig struct {
	Mode    string      `ini:"mode"`
	Target  TargetConf  `ini:"target"`
	Timing  TimingConf  `ini:"timing"`
	Session SessionConf `ini:"session"`
	Log     LogConf     `ini:"log"`
}

// Overrides carries values given on the command line. Empty strings and nil
// pointers leave the underlying value untouched.
type Overrides struct {
	Host        string
	Port        string
	Mode        string
	Proxy       string
	Username    string
	Password    string
	FileName    string
	PayloadFile string
	LogLevel    string
	TLS         *bool
	UniqueUsers *bool
	ReadTimeout time.Duration
}

// DefaultDriverConfig returns driver configuration with sensible defaults.
// Based on values from protocol/constants.go
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		Mode: ModeScript,
		Target: TargetConf{
			Host:        protocol.DefaultHost,
			Port:        protocol.DefaultPort,
			DialTimeout: protocol.DialTimeout,
		},
		Timing: TimingConf{
			ReadTimeout:     protocol.ReadTimeout,
			SettleTime:      protocol.SettleTime,
			PayloadSettle:   protocol.PayloadSettle,
			WorkerWait:      protocol.WorkerWait,
			DownloadWait:    protocol.DownloadWait,
			DeleteWait:      protocol.DeleteWait,
			SessionGap:      protocol.SessionGap,
			MaxResponseSize: protocol.MaxResponseSize,
		},
		Session: SessionConf{
			Username: protocol.DefaultUsername,
			Password: protocol.DefaultPassword,
			FileName: protocol.DefaultFileName,
			Payload:  protocol.DefaultPayload,
		},
		Log: LogConf{Level: "info"},
	}
}

// LoadDriverConfig loads driver configuration.
// Priority: env vars > overrides > config file > defaults
func LoadDriverConfig(path string, o Overrides) (*DriverConfig, error) {
	cfg := DefaultDriverConfig()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	o.apply(cfg)

	if err := applyDriverConfigEnv(cfg); err != nil {
		return nil, err
	}

	if mode, ok := modeAliases[cfg.Mode]; ok {
		cfg.Mode = mode
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(cfg *DriverConfig, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := f.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (o Overrides) apply(cfg *DriverConfig) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.Target.Host, o.Host)
	setString(&cfg.Target.Port, o.Port)
	setString(&cfg.Mode, o.Mode)
	setString(&cfg.Target.Proxy, o.Proxy)
	setString(&cfg.Session.Username, o.Username)
	setString(&cfg.Session.Password, o.Password)
	setString(&cfg.Session.FileName, o.FileName)
	setString(&cfg.Session.PayloadFile, o.PayloadFile)
	setString(&cfg.Log.Level, o.LogLevel)
	if o.TLS != nil {
		cfg.Target.TLS = *o.TLS
	}
	if o.UniqueUsers != nil {
		cfg.Session.UniqueUsers = *o.UniqueUsers
	}
	if o.ReadTimeout > 0 {
		cfg.Timing.ReadTimeout = o.ReadTimeout
	}
}

func stringEnv(dst *string) func(string) error {
	return func(v string) error {
		if v != "" {
			*dst = v
		}
		return nil
	}
}

func durationEnv(name string, dst *time.Duration) func(string) error {
	return func(v string) error {
		if v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}
}

func intEnv(name string, dst *int) func(string) error {
	return func(v string) error {
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
}

func boolEnv(name string, dst *bool) func(string) error {
	return func(v string) error {
		if v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
		return nil
	}
}

// applyDriverConfigEnv applies environment variable overrides to the driver config.
func applyDriverConfigEnv(cfg *DriverConfig) error {
	envMap := map[string]func(string) error{
		"DROPPROBE_HOST":              stringEnv(&cfg.Target.Host),
		"DROPPROBE_PORT":              stringEnv(&cfg.Target.Port),
		"DROPPROBE_MODE":              stringEnv(&cfg.Mode),
		"DROPPROBE_PROXY":             stringEnv(&cfg.Target.Proxy),
		"DROPPROBE_CERT_FINGERPRINT":  stringEnv(&cfg.Target.CertFingerprint),
		"DROPPROBE_USERNAME":          stringEnv(&cfg.Session.Username),
		"DROPPROBE_PASSWORD":          stringEnv(&cfg.Session.Password),
		"DROPPROBE_FILE_NAME":         stringEnv(&cfg.Session.FileName),
		"DROPPROBE_PAYLOAD_FILE":      stringEnv(&cfg.Session.PayloadFile),
		"DROPPROBE_LOG_LEVEL":         stringEnv(&cfg.Log.Level),
		"DROPPROBE_TLS":               boolEnv("DROPPROBE_TLS", &cfg.Target.TLS),
		"DROPPROBE_UNIQUE_USERS":      boolEnv("DROPPROBE_UNIQUE_USERS", &cfg.Session.UniqueUsers),
		"DROPPROBE_QUIET":             boolEnv("DROPPROBE_QUIET", &cfg.Log.Quiet),
		"DROPPROBE_DIAL_TIMEOUT":      durationEnv("DROPPROBE_DIAL_TIMEOUT", &cfg.Target.DialTimeout),
		"DROPPROBE_READ_TIMEOUT":      durationEnv("DROPPROBE_READ_TIMEOUT", &cfg.Timing.ReadTimeout),
		"DROPPROBE_SETTLE_TIME":       durationEnv("DROPPROBE_SETTLE_TIME", &cfg.Timing.SettleTime),
		"DROPPROBE_PAYLOAD_SETTLE":    durationEnv("DROPPROBE_PAYLOAD_SETTLE", &cfg.Timing.PayloadSettle),
		"DROPPROBE_WORKER_WAIT":       durationEnv("DROPPROBE_WORKER_WAIT", &cfg.Timing.WorkerWait),
		"DROPPROBE_DOWNLOAD_WAIT":     durationEnv("DROPPROBE_DOWNLOAD_WAIT", &cfg.Timing.DownloadWait),
		"DROPPROBE_DELETE_WAIT":       durationEnv("DROPPROBE_DELETE_WAIT", &cfg.Timing.DeleteWait),
		"DROPPROBE_SESSION_GAP":       durationEnv("DROPPROBE_SESSION_GAP", &cfg.Timing.SessionGap),
		"DROPPROBE_MAX_RESPONSE_SIZE": intEnv("DROPPROBE_MAX_RESPONSE_SIZE", &cfg.Timing.MaxResponseSize),
	}

	for envVar, apply := range envMap {
		if err := apply(os.Getenv(envVar)); err != nil {
			return err
		}
	}

	return nil
}

// Addr returns the host:port of the storage server.
func (c *DriverConfig) Addr() string {
	return net.JoinHostPort(c.Target.Host, c.Target.Port)
}

// LoadPayload returns the bytes to upload: the payload file when one is
// configured, the literal payload otherwise.
func (c *DriverConfig) LoadPayload() ([]byte, error) {
	if c.Session.PayloadFile == "" {
		return []byte(c.Session.Payload), nil
	}
	data, err := os.ReadFile(c.Session.PayloadFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	return data, nil
}

// Validate validates the driver configuration.
func (c *DriverConfig) Validate() error {
	if !validMode(c.Mode) {
		return fmt.Errorf("unknown mode %q (want one of %s)", c.Mode, strings.Join(Modes, ", "))
	}

	if c.Target.Host == "" {
		return fmt.Errorf("host is required")
	}

	port, err := strconv.Atoi(c.Target.Port)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}

	if c.Target.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}

	if c.Target.Proxy != "" {
		u, err := url.Parse(c.Target.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy: %w", err)
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy address is required")
		}
	}

	if c.Target.CertFingerprint != "" {
		if len(c.Target.CertFingerprint) != 64 {
			return fmt.Errorf("invalid cert_fingerprint length: got %d characters, expected 64 (SHA-256 hex)", len(c.Target.CertFingerprint))
		}
		if _, err := hex.DecodeString(c.Target.CertFingerprint); err != nil {
			return fmt.Errorf("invalid cert_fingerprint: %w", err)
		}
	}

	if c.Timing.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}

	waits := map[string]time.Duration{
		"settle_time":    c.Timing.SettleTime,
		"payload_settle": c.Timing.PayloadSettle,
		"worker_wait":    c.Timing.WorkerWait,
		"download_wait":  c.Timing.DownloadWait,
		"delete_wait":    c.Timing.DeleteWait,
		"session_gap":    c.Timing.SessionGap,
	}
	for name, d := range waits {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Timing.MaxResponseSize <= 0 {
		return fmt.Errorf("max_response_size must be positive")
	}

	return nil
}

func validMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

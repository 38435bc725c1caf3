package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/frjcomp/dropprobe/pkg/certs"
	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/console"
	"github.com/frjcomp/dropprobe/pkg/driver"
	"github.com/frjcomp/dropprobe/pkg/logging"
	"github.com/frjcomp/dropprobe/pkg/loopback"
	"github.com/frjcomp/dropprobe/pkg/script"
	"github.com/frjcomp/dropprobe/pkg/version"
)

// usageError marks bad flags or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

var errSelfTestFailed = errors.New("self-test failed")

func printHeader(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  dropprobe - storage server protocol test driver")
	fmt.Fprintf(w, "  %s\n", version.String())
	fmt.Fprintln(w)
}

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		logging.Errorf("%v", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps run's result to the process status: 0 ok, 1 connection
// failure or failed self-test, 2 usage or configuration error.
func exitCode(err error) int {
	var uerr usageError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &uerr):
		return 2
	default:
		return 1
	}
}

func parseFlags(args []string) (string, config.Overrides, error) {
	fs := flag.NewFlagSet("dropprobe", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: dropprobe [flags] [host [port [mode]]]")
		fmt.Fprintln(fs.Output(), "Flags may also follow the positional arguments. Modes test1 and test2 are aliases for auth and multiuser.")
		fs.PrintDefaults()
	}

	var o config.Overrides
	configPath := fs.String("config", "", "path to an INI config file")
	fs.StringVar(&o.Host, "host", "", "server host (default 127.0.0.1)")
	fs.StringVar(&o.Port, "port", "", "server port (default 8080)")
	fs.StringVar(&o.Mode, "mode", "", "script, auth (test1), multiuser (test2), interactive or selftest")
	fs.StringVar(&o.Proxy, "proxy", "", "SOCKS5 proxy URL, e.g. socks5://127.0.0.1:1080")
	fs.StringVar(&o.Username, "user", "", "username for SIGNUP/LOGIN")
	fs.StringVar(&o.Password, "pass", "", "password for SIGNUP/LOGIN")
	fs.StringVar(&o.FileName, "file", "", "remote file name for UPLOAD/DOWNLOAD/DELETE")
	fs.StringVar(&o.PayloadFile, "payload-file", "", "local file whose bytes are uploaded")
	fs.StringVar(&o.LogLevel, "log-level", "", "error, warn, info or debug")
	fs.DurationVar(&o.ReadTimeout, "read-timeout", 0, "idle window of each response drain")
	useTLS := fs.Bool("tls", false, "wrap the connection in TLS")
	unique := fs.Bool("unique", false, "append the run id to usernames")

	// flag stops at the first positional argument; keep parsing after it
	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return "", o, err
			}
			return "", o, usageError{err}
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		rest = append(rest, args[0])
		args = args[1:]
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tls":
			o.TLS = useTLS
		case "unique":
			o.UniqueUsers = unique
		}
	})

	if len(rest) > 3 {
		return "", o, usageError{fmt.Errorf("too many arguments: %v", rest[3:])}
	}
	positional := []*string{&o.Host, &o.Port, &o.Mode}
	for i, v := range rest {
		*positional[i] = v
	}

	return *configPath, o, nil
}

func run(args []string, stdin *os.File, stdout io.Writer) error {
	logging.InitFromEnv()

	configPath, overrides, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadDriverConfig(configPath, overrides)
	if err != nil {
		return usageError{err}
	}
	logging.SetLevelFromString(cfg.Log.Level)
	logging.SetQuiet(cfg.Log.Quiet)

	printHeader(stdout)
	logging.Infof("Mode: %s, target: %s", cfg.Mode, cfg.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cfg.Mode {
	case config.ModeInteractive:
		return runInteractive(ctx, cfg, stdin, stdout)
	case config.ModeSelfTest:
		return runSelfTest(ctx, cfg, stdout)
	default:
		_, err := runPlan(ctx, cfg, stdout)
		return err
	}
}

func runPlan(ctx context.Context, cfg *config.DriverConfig, stdout io.Writer) ([]script.Observation, error) {
	runner := script.NewRunner(cfg, stdout)
	plan, err := script.PlanFor(cfg, runner.RunID())
	if err != nil {
		return nil, usageError{err}
	}
	return runner.Run(ctx, plan)
}

func runInteractive(ctx context.Context, cfg *config.DriverConfig, stdin *os.File, stdout io.Writer) error {
	d, err := driver.New(cfg)
	if err != nil {
		return usageError{err}
	}
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Close()
	fmt.Fprintf(stdout, "Connected to server %s\n", d.Addr())

	reader, err := console.NewLineReader(stdin, stdout)
	if err != nil {
		return err
	}
	defer reader.Close()

	err = console.New(d, reader, stdout, cfg.Timing.SettleTime, cfg.Timing.ReadTimeout).Run()
	fmt.Fprintln(stdout, "Disconnected from server")
	return err
}

// runSelfTest plays the configured plan against an in-process echo listener
// and fails when any response differs from what was sent.
func runSelfTest(ctx context.Context, cfg *config.DriverConfig, stdout io.Writer) error {
	var tlsConfig *tls.Config
	if cfg.Target.TLS {
		logging.Infof("Generating self-signed certificate...")
		cert, _, err := certs.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate certificate: %w", err)
		}
		fingerprint, err := certs.GetCertificateFingerprint(cert)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		cfg.Target.CertFingerprint = fingerprint
		logging.Infof("Pinned certificate fingerprint: %s", fingerprint)
	}

	listener := loopback.NewListener("0", "127.0.0.1", tlsConfig)
	netListener, err := listener.Start()
	if err != nil {
		return fmt.Errorf("failed to start echo listener: %w", err)
	}
	defer func() {
		netListener.Close()
		listener.Close()
	}()

	host, port, err := net.SplitHostPort(netListener.Addr().String())
	if err != nil {
		return err
	}
	cfg.Target.Host, cfg.Target.Port = host, port

	start := time.Now()
	observations, err := runPlan(ctx, cfg, stdout)
	if err != nil {
		return err
	}

	mismatches := script.EchoMismatches(observations)
	for _, m := range mismatches {
		fmt.Fprintf(stdout, "MISMATCH %s\n", m)
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %d of %d steps", errSelfTestFailed, len(mismatches), len(observations))
	}

	fmt.Fprintf(stdout, "Self-test passed: %d steps echoed in %v\n",
		len(observations), time.Since(start).Round(time.Millisecond))
	reportListener(stdout, listener, time.Second)
	return nil
}

// reportListener prints the echo listener's counters once its side of every
// connection has been released, or after settle at the latest.
func reportListener(w io.Writer, stats loopback.ListenerStats, settle time.Duration) {
	deadline := time.Now().Add(settle)
	for stats.GetClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Fprintf(w, "Echo listener: %d connection(s), %d still open\n", stats.GetTotalConnections(), stats.GetClientCount())
	if err := stats.GetLastError(); err != nil {
		logging.Warnf("Echo listener error: %v", err)
	}
}

package script

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/driver"
	"github.com/frjcomp/dropprobe/pkg/loopback"
	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// fakeConn records every call and answers each exchange with "OK\n".
type fakeConn struct {
	calls      []string
	connectErr error
	closed     bool
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.calls = append(f.calls, "connect")
	return f.connectErr
}

func (f *fakeConn) Read(timeout time.Duration) driver.Response {
	f.calls = append(f.calls, "read")
	return driver.Response{End: driver.EndIdle}
}

func (f *fakeConn) Write(data []byte) error {
	f.calls = append(f.calls, "write "+string(data))
	return nil
}

func (f *fakeConn) Exchange(text string, settle time.Duration) driver.Response {
	f.calls = append(f.calls, "exchange "+text)
	return driver.Response{Text: "OK\n", End: driver.EndIdle}
}

func (f *fakeConn) Close() error {
	f.calls = append(f.calls, "close")
	f.closed = true
	return nil
}

func fastConfig() *config.DriverConfig {
	cfg := config.DefaultDriverConfig()
	cfg.Target.DialTimeout = 2 * time.Second
	cfg.Timing.ReadTimeout = 100 * time.Millisecond
	cfg.Timing.SettleTime = 5 * time.Millisecond
	cfg.Timing.PayloadSettle = 5 * time.Millisecond
	cfg.Timing.WorkerWait = 5 * time.Millisecond
	cfg.Timing.DownloadWait = 5 * time.Millisecond
	cfg.Timing.DeleteWait = 5 * time.Millisecond
	cfg.Timing.SessionGap = 10 * time.Millisecond
	return cfg
}

func pointAt(t *testing.T, cfg *config.DriverConfig, addr string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad address %s: %v", addr, err)
	}
	cfg.Target.Host = host
	cfg.Target.Port = port
}

func startEcho(t *testing.T) (string, *loopback.Listener) {
	t.Helper()
	l := loopback.NewListener("0", "127.0.0.1", nil)
	netListener, err := l.Start()
	if err != nil {
		t.Fatalf("Failed to start listener: %v", err)
	}
	t.Cleanup(func() {
		netListener.Close()
		l.Close()
	})
	return netListener.Addr().String(), l
}

func TestDefaultScriptOrder(t *testing.T) {
	cfg := fastConfig()
	plan := DefaultScript(cfg.Timing, "testuser", "testpass", "myfile.txt", []byte("hello-phase1-dropbox\n"))

	if len(plan.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(plan.Sessions))
	}
	var got []string
	for _, step := range plan.Sessions[0].Steps {
		got = append(got, step.Label)
	}
	want := []string{
		"GREETING", "SIGNUP", "LOGIN", "UPLOAD", "PAYLOAD", "WAIT", "LIST",
		"DOWNLOAD", "WAIT", "DOWNLOADED", "LIST2", "DELETE", "WAIT", "LIST3", "QUIT",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("step order:\n got %v\nwant %v", got, want)
	}

	waits := map[int]time.Duration{5: cfg.Timing.WorkerWait, 8: cfg.Timing.DownloadWait, 12: cfg.Timing.DeleteWait}
	for i, d := range waits {
		step := plan.Sessions[0].Steps[i]
		if step.Kind != Pause || step.Wait != d {
			t.Errorf("step %d: expected pause of %v, got %v %v", i, d, step.Kind, step.Wait)
		}
	}
}

func TestRunnerStepSequence(t *testing.T) {
	cfg := fastConfig()
	fake := &fakeConn{}
	var out bytes.Buffer
	r := NewRunner(cfg, &out, WithConnFactory(func(*config.DriverConfig) (Conn, error) { return fake, nil }))

	plan := DefaultScript(cfg.Timing, "u", "p", "f.txt", []byte("data"))
	obs, err := r.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"connect",
		"read",
		"exchange SIGNUP u p",
		"exchange LOGIN u p",
		"exchange UPLOAD f.txt",
		"write data",
		"read",
		"exchange LIST",
		"exchange DOWNLOAD f.txt",
		"read",
		"exchange LIST",
		"exchange DELETE f.txt",
		"exchange LIST",
		"exchange QUIT",
		"close",
	}
	if strings.Join(fake.calls, "|") != strings.Join(want, "|") {
		t.Errorf("call sequence:\n got %q\nwant %q", fake.calls, want)
	}
	if len(obs) != 12 {
		t.Errorf("expected 12 observations (pauses excluded), got %d", len(obs))
	}
	if !strings.Contains(out.String(), "SIGNUP -> OK\n") {
		t.Errorf("expected labelled output, got:\n%s", out.String())
	}
	if !strings.HasSuffix(out.String(), "Test client done.\n") {
		t.Errorf("expected completion line, got:\n%s", out.String())
	}
}

func TestRunnerConnectFailureStopsRun(t *testing.T) {
	cfg := fastConfig()
	fake := &fakeConn{connectErr: &driver.ConnectionError{Addr: "x:1", Err: errors.New("refused")}}
	var out bytes.Buffer
	r := NewRunner(cfg, &out, WithConnFactory(func(*config.DriverConfig) (Conn, error) { return fake, nil }))

	obs, err := r.Run(context.Background(), MultiUserScenario(cfg.Timing, "u", "p"))
	var connErr *driver.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("expected no observations, got %d", len(obs))
	}
	if len(fake.calls) != 1 {
		t.Errorf("nothing should run after a failed connect, got %v", fake.calls)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestRunRefusedEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := fastConfig()
	pointAt(t, cfg, addr)
	plan, err := PlanFor(cfg, "")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}

	var out bytes.Buffer
	obs, err := NewRunner(cfg, &out).Run(context.Background(), plan)
	var connErr *driver.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("expected no observations, got %d", len(obs))
	}
}

func TestDefaultScriptAgainstEcho(t *testing.T) {
	addr, l := startEcho(t)
	cfg := fastConfig()
	pointAt(t, cfg, addr)

	plan, err := PlanFor(cfg, "")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}
	var out bytes.Buffer
	obs, err := NewRunner(cfg, &out).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if mismatches := EchoMismatches(obs); len(mismatches) != 0 {
		t.Errorf("echo mismatches:\n%s", strings.Join(mismatches, "\n"))
	}
	if len(obs) != 12 {
		t.Errorf("expected 12 observations, got %d", len(obs))
	}
	if obs[4].Label != "PAYLOAD" || obs[4].Response != protocol.DefaultPayload {
		t.Errorf("expected payload echoed back, got %s %q", obs[4].Label, obs[4].Response)
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.GetClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still open on the server after the run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMultiUserOpensTwoConnections(t *testing.T) {
	addr, l := startEcho(t)
	cfg := fastConfig()
	cfg.Mode = config.ModeMultiUser
	pointAt(t, cfg, addr)

	plan, err := PlanFor(cfg, "")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}
	var out bytes.Buffer
	obs, err := NewRunner(cfg, &out).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := l.GetTotalConnections(); got != 2 {
		t.Errorf("expected 2 connections, got %d", got)
	}
	if len(obs) != 6 {
		t.Errorf("expected 6 observations, got %d", len(obs))
	}
	if obs[1].Response != "SIGNUP testuser1 testpass\n" || obs[4].Response != "SIGNUP testuser2 testpass\n" {
		t.Errorf("expected distinct users, got %q and %q", obs[1].Response, obs[4].Response)
	}
}

func TestPlanForUniqueUsers(t *testing.T) {
	cfg := fastConfig()
	cfg.Mode = config.ModeAuth
	cfg.Session.UniqueUsers = true

	plan, err := PlanFor(cfg, "0123456789abcdef")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}
	if plan.Name != config.ModeAuth {
		t.Errorf("expected auth plan, got %s", plan.Name)
	}
	signup := plan.Sessions[0].Steps[1]
	if signup.Text != "SIGNUP testuser_01234567 testpass" {
		t.Errorf("unexpected signup %q", signup.Text)
	}
}

func TestPlanForModes(t *testing.T) {
	tests := []struct {
		mode     string
		sessions int
		steps    int
		wantErr  bool
	}{
		{config.ModeScript, 1, 15, false},
		{config.ModeSelfTest, 1, 15, false},
		{config.ModeAuth, 1, 6, false},
		{config.ModeMultiUser, 2, 6, false},
		{config.ModeInteractive, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := fastConfig()
			cfg.Mode = tt.mode
			plan, err := PlanFor(cfg, "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("PlanFor failed: %v", err)
			}
			if len(plan.Sessions) != tt.sessions || plan.Steps() != tt.steps {
				t.Errorf("got %d sessions / %d steps, want %d / %d", len(plan.Sessions), plan.Steps(), tt.sessions, tt.steps)
			}
		})
	}
}

func TestPlanForMissingPayloadFile(t *testing.T) {
	cfg := fastConfig()
	cfg.Session.PayloadFile = t.TempDir() + "/missing.bin"
	if _, err := PlanFor(cfg, ""); err == nil {
		t.Fatal("expected error for missing payload file")
	}
}

func TestEchoMismatches(t *testing.T) {
	obs := []Observation{
		{Label: "GREETING"},
		{Label: "LIST", Sent: []byte("LIST\n"), Response: "LIST\n"},
		{Label: "QUIT", Sent: []byte("QUIT\n"), Response: "GOODBYE: Session ended\n", End: driver.EndPeerClosed},
	}
	got := EchoMismatches(obs)
	if len(got) != 1 {
		t.Fatalf("expected one mismatch, got %v", got)
	}
	if !strings.Contains(got[0], "QUIT") || !strings.Contains(got[0], "peer-closed") {
		t.Errorf("mismatch should name the step and end reason: %s", got[0])
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := fastConfig()
	fake := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(cfg, &bytes.Buffer{}, WithConnFactory(func(*config.DriverConfig) (Conn, error) { return fake, nil }))
	_, err := r.Run(ctx, DefaultScript(cfg.Timing, "u", "p", "f", nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !fake.closed {
		t.Error("connection should be closed when the run is cancelled")
	}
}

// cancelOnWrite cancels the run as soon as raw payload bytes are written.
type cancelOnWrite struct {
	*fakeConn
	cancel context.CancelFunc
}

func (c *cancelOnWrite) Write(data []byte) error {
	c.cancel()
	return c.fakeConn.Write(data)
}

func TestRunCancelledDuringPayloadSettle(t *testing.T) {
	cfg := fastConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &cancelOnWrite{fakeConn: &fakeConn{}, cancel: cancel}

	plan := Plan{Name: "payload", Sessions: []Session{{Name: "u", Steps: []Step{
		payload("PAYLOAD", []byte("data"), 5*time.Second),
		command("LIST", protocol.List(), 0),
	}}}}

	r := NewRunner(cfg, &bytes.Buffer{}, WithConnFactory(func(*config.DriverConfig) (Conn, error) { return conn, nil }))
	start := time.Now()
	obs, err := r.Run(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancelled settle should return early, took %v", elapsed)
	}
	if len(obs) != 0 {
		t.Errorf("cancelled payload step should not be observed, got %d", len(obs))
	}
	want := "connect|write data|close"
	if got := strings.Join(conn.calls, "|"); got != want {
		t.Errorf("call sequence = %q, want %q", got, want)
	}
}

func TestRunCancelledDuringPause(t *testing.T) {
	cfg := fastConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fake := &fakeConn{}

	plan := Plan{Name: "pause", Sessions: []Session{{Name: "u", Steps: []Step{
		pause(5 * time.Second),
		drain("AFTER"),
	}}}}

	r := NewRunner(cfg, &bytes.Buffer{}, WithConnFactory(func(*config.DriverConfig) (Conn, error) { return fake, nil }))
	start := time.Now()
	_, err := r.Run(ctx, plan)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pause should end with the context, took %v", elapsed)
	}
	if strings.Contains(strings.Join(fake.calls, "|"), "read") {
		t.Errorf("no step should run after a cancelled pause: %v", fake.calls)
	}
}

func TestRunIDIsUUID(t *testing.T) {
	r := NewRunner(fastConfig(), &bytes.Buffer{})
	if len(r.RunID()) != 36 {
		t.Errorf("expected a UUID run id, got %q", r.RunID())
	}
	if NewRunner(fastConfig(), &bytes.Buffer{}, WithRunID("fixed")).RunID() != "fixed" {
		t.Error("WithRunID should override the generated id")
	}
}

package script

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/driver"
	"github.com/frjcomp/dropprobe/pkg/logging"
	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// Observation is what one step sent and what came back.
type Observation struct {
	Session  string
	Label    string
	Sent     []byte
	Response string
	End      driver.EndReason
}

// Runner plays plans against the configured server and prints every
// observation as "LABEL -> text".
type Runner struct {
	cfg     *config.DriverConfig
	out     io.Writer
	runID   string
	newConn ConnFactory
	log     zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConnFactory replaces the driver used for each session.
func WithConnFactory(f ConnFactory) RunnerOption {
	return func(r *Runner) { r.newConn = f }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) RunnerOption {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a runner writing observations to out.
func NewRunner(cfg *config.DriverConfig, out io.Writer, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:     cfg,
		out:     out,
		runID:   uuid.NewString(),
		newConn: newDriverConn,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.WithComponent("script").With().Str("run", r.runID).Logger()
	return r
}

// RunID identifies this run in logs and unique usernames.
func (r *Runner) RunID() string {
	return r.runID
}

// Run plays every session of plan in order and returns the observations
// collected so far. A connection failure aborts the run with a
// *driver.ConnectionError; nothing after connecting is treated as an error.
func (r *Runner) Run(ctx context.Context, plan Plan) ([]Observation, error) {
	r.log.Info().Str("plan", plan.Name).Int("sessions", len(plan.Sessions)).Msg("run started")

	var observations []Observation
	for i, session := range plan.Sessions {
		if i > 0 && r.cfg.Timing.SessionGap > 0 {
			if err := sleep(ctx, r.cfg.Timing.SessionGap); err != nil {
				return observations, err
			}
		}
		obs, err := r.runSession(ctx, session)
		observations = append(observations, obs...)
		if err != nil {
			return observations, err
		}
	}

	fmt.Fprintln(r.out, "Test client done.")
	r.log.Info().Int("observations", len(observations)).Msg("run finished")
	return observations, nil
}

func (r *Runner) runSession(ctx context.Context, session Session) ([]Observation, error) {
	log := r.log.With().Str("session", session.Name).Logger()

	conn, err := r.newConn(r.cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("connect failed")
		return nil, err
	}
	defer conn.Close()

	fmt.Fprintf(r.out, "Connected to %s\n", r.cfg.Addr())
	log.Debug().Int("steps", len(session.Steps)).Msg("session started")

	var observations []Observation
	for _, step := range session.Steps {
		if err := ctx.Err(); err != nil {
			return observations, err
		}
		obs, ok, err := r.play(ctx, conn, step)
		if err != nil {
			return observations, err
		}
		if !ok {
			continue
		}
		obs.Session = session.Name
		observations = append(observations, obs)
		fmt.Fprintf(r.out, "%s -> %s\n", obs.Label, strings.TrimRight(obs.Response, "\r\n"))
		log.Debug().
			Str("step", obs.Label).
			Str("status", protocol.Status(obs.Response)).
			Stringer("end", obs.End).
			Msg("step done")
	}
	return observations, nil
}

// play runs one step. Pause steps produce no observation. The only error
// is a cancelled context while waiting.
func (r *Runner) play(ctx context.Context, conn Conn, step Step) (Observation, bool, error) {
	switch step.Kind {
	case Drain:
		resp := conn.Read(r.cfg.Timing.ReadTimeout)
		return Observation{Label: step.Label, Response: resp.Text, End: resp.End}, true, nil
	case Command:
		resp := conn.Exchange(step.Text, step.Wait)
		return Observation{Label: step.Label, Sent: protocol.Frame(step.Text), Response: resp.Text, End: resp.End}, true, nil
	case Payload:
		if err := conn.Write(step.Data); err != nil {
			r.log.Warn().Err(err).Str("step", step.Label).Msg("payload write failed")
		}
		if err := sleep(ctx, step.Wait); err != nil {
			return Observation{}, false, err
		}
		resp := conn.Read(r.cfg.Timing.ReadTimeout)
		return Observation{Label: step.Label, Sent: step.Data, Response: resp.Text, End: resp.End}, true, nil
	case Pause:
		return Observation{}, false, sleep(ctx, step.Wait)
	default:
		r.log.Warn().Stringer("kind", step.Kind).Str("step", step.Label).Msg("unknown step kind skipped")
		return Observation{}, false, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

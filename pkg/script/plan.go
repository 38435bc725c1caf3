// Package script describes what a run sends and in which order, and plays it
// against a storage server one step at a time.
package script

import (
	"fmt"
	"time"

	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// Kind selects what a step does on the connection.
type Kind int

const (
	Drain   Kind = iota // read whatever is pending
	Command             // send one framed command line, settle, drain
	Payload             // write raw bytes, settle, drain
	Pause               // sleep, no I/O
)

func (k Kind) String() string {
	switch k {
	case Drain:
		return "drain"
	case Command:
		return "command"
	case Payload:
		return "payload"
	case Pause:
		return "pause"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Step is one scripted action. Wait is the settle delay for Command and
// Payload steps and the sleep for Pause steps.
type Step struct {
	Label string
	Kind  Kind
	Text  string
	Data  []byte
	Wait  time.Duration
}

// Session is an ordered list of steps played on its own connection.
type Session struct {
	Name  string
	Steps []Step
}

// Plan is a named sequence of sessions.
type Plan struct {
	Name     string
	Sessions []Session
}

// Steps returns the total number of steps across every session.
func (p Plan) Steps() int {
	n := 0
	for _, s := range p.Sessions {
		n += len(s.Steps)
	}
	return n
}

func drain(label string) Step {
	return Step{Label: label, Kind: Drain}
}

func command(label, text string, settle time.Duration) Step {
	return Step{Label: label, Kind: Command, Text: text, Wait: settle}
}

func payload(label string, data []byte, settle time.Duration) Step {
	return Step{Label: label, Kind: Payload, Data: data, Wait: settle}
}

func pause(d time.Duration) Step {
	return Step{Label: "WAIT", Kind: Pause, Wait: d}
}

// DefaultScript is the full single-connection flow: greeting, signup, login,
// upload, list, download, list, delete, list, quit.
func DefaultScript(t config.TimingConf, user, pass, file string, data []byte) Plan {
	steps := []Step{
		drain("GREETING"),
		command("SIGNUP", protocol.Signup(user, pass), t.SettleTime),
		command("LOGIN", protocol.Login(user, pass), t.SettleTime),
		command("UPLOAD", protocol.Upload(file), t.SettleTime),
		payload("PAYLOAD", data, t.PayloadSettle),
		pause(t.WorkerWait),
		command("LIST", protocol.List(), t.SettleTime),
		command("DOWNLOAD", protocol.Download(file), t.SettleTime),
		pause(t.DownloadWait),
		drain("DOWNLOADED"),
		command("LIST2", protocol.List(), t.SettleTime),
		command("DELETE", protocol.Delete(file), t.SettleTime),
		pause(t.DeleteWait),
		command("LIST3", protocol.List(), t.SettleTime),
		command("QUIT", protocol.Quit(), t.SettleTime),
	}
	return Plan{Name: config.ModeScript, Sessions: []Session{{Name: user, Steps: steps}}}
}

// AuthScenario signs up, lists an empty store, uploads one file and lists
// again on a single connection.
func AuthScenario(t config.TimingConf, user, pass, file string, data []byte) Plan {
	steps := []Step{
		drain("GREETING"),
		command("SIGNUP", protocol.Signup(user, pass), t.SettleTime),
		command("LIST", protocol.List(), t.SettleTime),
		command("UPLOAD", protocol.Upload(file), t.SettleTime),
		payload("PAYLOAD", data, t.PayloadSettle),
		command("LIST2", protocol.List(), t.SettleTime),
	}
	return Plan{Name: config.ModeAuth, Sessions: []Session{{Name: user, Steps: steps}}}
}

// MultiUserScenario opens two connections one after the other, each signing
// up a distinct user and listing its files.
func MultiUserScenario(t config.TimingConf, user, pass string) Plan {
	plan := Plan{Name: config.ModeMultiUser}
	for i := 1; i <= 2; i++ {
		name := fmt.Sprintf("%s%d", user, i)
		plan.Sessions = append(plan.Sessions, Session{
			Name: name,
			Steps: []Step{
				drain("GREETING"),
				command("SIGNUP", protocol.Signup(name, pass), t.SettleTime),
				command("LIST", protocol.List(), t.SettleTime),
			},
		})
	}
	return plan
}

// PlanFor builds the plan for cfg.Mode. With UniqueUsers the first eight
// characters of runID are appended to the username.
func PlanFor(cfg *config.DriverConfig, runID string) (Plan, error) {
	user := cfg.Session.Username
	if cfg.Session.UniqueUsers && runID != "" {
		suffix := runID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		user += "_" + suffix
	}

	switch cfg.Mode {
	case config.ModeScript, config.ModeSelfTest:
		data, err := cfg.LoadPayload()
		if err != nil {
			return Plan{}, err
		}
		return DefaultScript(cfg.Timing, user, cfg.Session.Password, cfg.Session.FileName, data), nil
	case config.ModeAuth:
		data, err := cfg.LoadPayload()
		if err != nil {
			return Plan{}, err
		}
		return AuthScenario(cfg.Timing, user, cfg.Session.Password, cfg.Session.FileName, data), nil
	case config.ModeMultiUser:
		return MultiUserScenario(cfg.Timing, user, cfg.Session.Password), nil
	default:
		return Plan{}, fmt.Errorf("mode %q has no scripted plan", cfg.Mode)
	}
}

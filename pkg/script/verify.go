package script

import "fmt"

// EchoMismatches lists every observation whose response differs from what
// the step sent. Against an echo server the list is empty: drains expect
// nothing, commands expect their framed line back, payloads their bytes.
func EchoMismatches(observations []Observation) []string {
	var mismatches []string
	for i, obs := range observations {
		want := string(obs.Sent)
		if obs.Response != want {
			mismatches = append(mismatches,
				fmt.Sprintf("step %d %s/%s: sent %q, got %q (%s)", i+1, obs.Session, obs.Label, want, obs.Response, obs.End))
		}
	}
	return mismatches
}

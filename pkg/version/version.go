// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build metadata for banners and logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, date %s)", Version, Commit, Date)
}

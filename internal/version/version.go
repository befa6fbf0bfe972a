// Package version carries build metadata injected with
// -ldflags "-X tradewatch/internal/version.Version=v1.2.0 ...".
package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build info on one line for logs.
func String() string {
	return fmt.Sprintf("tradewatch %s (%s, built %s)", Version, Commit, BuildDate)
}

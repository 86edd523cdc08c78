package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version  = "0.1.0-dev"
	Revision = "unknown"
)

func Detailed() string {
	return fmt.Sprintf("%s (rev %s)", Version, Revision)
}

package version

import "fmt"

var (
	// AppVersion is set at build time via -ldflags.
	AppVersion = "dev"
	GitCommit  = ""
)

func Version() string {
	if GitCommit == "" {
		return AppVersion
	}
	return fmt.Sprintf("%s (commit %s)", AppVersion, GitCommit)
}

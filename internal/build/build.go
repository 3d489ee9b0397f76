// Package build holds values stamped into the binary at link time.
package build

// These are overridden with -ldflags "-X github.com/stackd/stackd/internal/build.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// ProjectName is used as the namespace of every exported metric.
const ProjectName = "stackd"

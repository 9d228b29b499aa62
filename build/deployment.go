package build

import "fmt"

// DeploymentType selects between the development and production builds.
type DeploymentType byte

const (
	// Development builds log sub-loggers created without a backend to
	// stdout, which is what unit tests rely on.
	Development DeploymentType = iota

	// Production builds disable every sub-logger that has no backend.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// Commit is the git commit the binary was built from. It is set with
//
//	-ldflags "-X github.com/lightningnetwork/blockdn/build.Commit=..."
var Commit string

// Version returns the semantic version of the build, followed by the build
// type for development builds.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if Deployment == Development {
		version += "-" + Deployment.String()
	}

	return version
}

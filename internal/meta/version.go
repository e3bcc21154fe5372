package meta

import (
	"fmt"
	"runtime"
)

// Info is the build context of a codewords binary, filled in by the linker.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string
	Version string

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	// GoTag is the set of build tags
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   Version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

func (i Info) String() string {
	version := i.Version
	if version == "" {
		version = "dev"
	}

	s := fmt.Sprintf("codewords %s", version)
	if i.Build != "" {
		s += fmt.Sprintf(" (%s, %s)", i.Build, i.Branch)
	}

	s += fmt.Sprintf("\nbuilt %s with %s on %s", i.BuildTime, i.GoVersion, i.Platform)
	if i.GoTag != "" {
		s += fmt.Sprintf(" tags %s", i.GoTag)
	}

	return s
}

// UserAgent identifies the client side of a codewords connection.
func UserAgent() string {
	version := Version
	if version == "" {
		version = "dev"
	}

	return fmt.Sprintf("codewords/%s (%s; %s)", version, platform, runtime.Version())
}

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of ddmbridge.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// BridgeVersion is the current version of ddmbridge. Build is replaced
// at link time or, for module builds, by the VCS revision.
var BridgeVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	if strings.HasPrefix(v.Build, "$Id$") {
		if b, ok := readBuild(); ok && b.Revision != "" {
			v.Build = b.Revision
		}
	}
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// Build is what the binary knows about how it was built.
type Build struct {
	Module   string
	Version  string
	Revision string
	Time     string
	Modified bool
	CGO      bool
	// Deps maps the path of every linked module to its version.
	Deps map[string]string
}

func readBuild() (Build, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Build{}, false
	}
	return newBuild(info), true
}

func newBuild(info *debug.BuildInfo) Build {
	b := Build{
		Module:  info.Main.Path,
		Version: info.Main.Version,
		Deps:    make(map[string]string, len(info.Deps)),
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			b.Time = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		case "CGO_ENABLED":
			b.CGO = s.Value == "1"
		}
	}
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		b.Deps[dep.Path] = dep.Version
	}
	return b
}

// bridgeDeps are the modules that talk to devices or debuggers, reported
// by BuildInfo.
var bridgeDeps = []string{
	"github.com/cenkalti/backoff/v4",
	"github.com/shirou/gopsutil/v4",
	"github.com/smallnest/chanx",
	"golang.org/x/text",
}

// BuildInfo returns the toolchain, platform, revision and the versions
// of the modules on the device and debugger paths.
func BuildInfo() string {
	b, ok := readBuild()
	if !ok {
		return fmt.Sprintf("%s %s/%s\nnot built in module mode", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	}
	return b.format(runtime.Version(), runtime.GOOS+"/"+runtime.GOARCH)
}

func (b Build) format(goVersion, platform string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", goVersion, platform)
	if b.CGO {
		sb.WriteString(" cgo")
	}
	fmt.Fprintf(&sb, "\n%s %s\n", b.Module, b.Version)
	if b.Revision != "" {
		fmt.Fprintf(&sb, "revision %s", b.Revision)
		if b.Time != "" {
			fmt.Fprintf(&sb, " (%s)", b.Time)
		}
		if b.Modified {
			sb.WriteString(" modified")
		}
		sb.WriteString("\n")
	}
	for _, path := range bridgeDeps {
		if v, ok := b.Deps[path]; ok {
			fmt.Fprintf(&sb, " dep\t%s\t%s\n", path, v)
		}
	}
	return sb.String()
}

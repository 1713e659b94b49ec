package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "dev", Build: "abc"}
	want := "Version: 1.2.3-dev\nBuild: abc"
	if got := v.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildInfoStartsWithGoVersion(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), "go") {
		t.Errorf("unexpected build info %q", BuildInfo())
	}
}

func TestBuildFormat(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/go-delve/ddmbridge", Version: "v0.3.0"},
		Deps: []*debug.Module{
			{Path: "github.com/smallnest/chanx", Version: "v1.2.0"},
			{Path: "golang.org/x/text", Version: "v0.21.0", Replace: &debug.Module{Path: "golang.org/x/text", Version: "v0.22.0"}},
			{Path: "github.com/spf13/cobra", Version: "v1.1.3"},
		},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1a2b3c"},
			{Key: "vcs.time", Value: "2026-10-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
			{Key: "CGO_ENABLED", Value: "0"},
		},
	}
	b := newBuild(info)
	if b.Revision != "1a2b3c" || !b.Modified || b.CGO {
		t.Fatalf("unexpected build %+v", b)
	}
	want := "go1.22.0 linux/arm64\n" +
		"github.com/go-delve/ddmbridge v0.3.0\n" +
		"revision 1a2b3c (2026-10-01T10:00:00Z) modified\n" +
		" dep\tgithub.com/smallnest/chanx\tv1.2.0\n" +
		" dep\tgolang.org/x/text\tv0.22.0\n"
	if got := b.format("go1.22.0", "linux/arm64"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-rc1\nBuild: abc\n") {
		t.Fatalf("unexpected version string %q", s)
	}
}

func TestUnexpandedBuild(t *testing.T) {
	v := Version{Major: "0", Minor: "1", Patch: "0", Build: "$Id$"}
	if strings.Contains(v.String(), "$Id$") {
		t.Fatalf("build ident not replaced: %q", v.String())
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), runtime.Version()) {
		t.Fatalf("build info does not start with the Go version: %q", BuildInfo())
	}
}

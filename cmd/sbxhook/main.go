package main

import (
	"os"

	"github.com/sbx-tool/sbxhook/cmd/sbxhook/cmds"
	"github.com/sbx-tool/sbxhook/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.SbxhookVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}

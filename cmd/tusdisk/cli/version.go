package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time using -ldflags "-X github.com/tusdisk/tusdisk/cmd/tusdisk/cli.VersionName=...".
var (
	VersionName = "n/a"
	GitCommit   = "n/a"
	BuildDate   = "n/a"
)

func init() {
	if GitCommit != "n/a" {
		return
	}

	// Binaries built with `go install` carry the VCS details themselves.
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if VersionName == "n/a" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		VersionName = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			GitCommit = setting.Value
		case "vcs.time":
			BuildDate = setting.Value
		}
	}
}

func ShowVersion() {
	fmt.Printf("Version: %s\nCommit: %s\nDate: %s\nGo: %s\n", VersionName, GitCommit, BuildDate, runtime.Version())
}

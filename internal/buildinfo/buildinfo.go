// Package buildinfo prints the running binary's version and VCS stamp
// from runtime/debug.ReadBuildInfo.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Version is set at build time via `-ldflags "-X
// .../internal/buildinfo.Version=X"`.
var Version string

func settingOrDefault(bi *debug.BuildInfo, key, fallback string) string {
	for _, bs := range bi.Settings {
		if bs.Key == key {
			return bs.Value
		}
	}

	return fallback
}

// Print writes the version line to stdout, plus the full BuildInfo
// when verbose is set.
func Print(verbose bool) {
	var buildInfo, ok = debug.ReadBuildInfo()
	if !ok {
		buildInfo = &debug.BuildInfo{} //nolint:exhaustruct
	}

	var commit = settingOrDefault(buildInfo, "vcs.revision", "UNKNOWN")
	var buildTime = settingOrDefault(buildInfo, "vcs.time", "UNKNOWN")
	var dirtyStr = settingOrDefault(buildInfo, "vcs.modified", "false")

	if dirty, err := strconv.ParseBool(dirtyStr); err == nil && dirty {
		commit += "-dirty"
	}

	var version = Version
	if version == "" {
		version = "dev"
	}

	fmt.Printf("synthmodule %s (revision %s, built at %s)\n", version, commit, buildTime)

	if verbose {
		fmt.Printf("\nBuildInfo: %+v\n", buildInfo)
	}
}

package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
)

// Version is reported by `stagehand version` and in the companion's
// load_and_init reply: "1.4.0" for tagged releases, "devel-<sha>[-dirty]"
// for local builds and plain "devel" without VCS information.
var Version = "devel"

// GoVersion is the toolchain the binary was built with
var GoVersion = runtime.Version()

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = versionFromBuild(info.Main.Version, info.Settings)
	if info.GoVersion != "" {
		GoVersion = info.GoVersion
	}
}

// versionFromBuild prefers a tagged module version. Pseudo-versions from
// local builds fall back to the VCS revision.
func versionFromBuild(moduleVersion string, settings []debug.BuildSetting) string {
	if moduleVersion != "" && moduleVersion != "(devel)" && !module.IsPseudoVersion(moduleVersion) {
		return strings.TrimPrefix(moduleVersion, "v")
	}

	var revision string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}

	v := "devel-" + revision[:min(len(revision), 7)]
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion renders the version line, e.g. "stagehand 1.4.0 (go1.26.2)"
func FormatVersion(version, goVersion string) string {
	if version == "" {
		version = "devel"
	}
	if goVersion == "" {
		return "stagehand " + version
	}
	return fmt.Sprintf("stagehand %s (%s)", version, goVersion)
}

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Build-time identity, stamped via -ldflags. Packaged deployments may ship a
// .version file next to the binary that overrides Version at startup.
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the source commit hash
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion renders the version with its build metadata, for the
// -version flag and startup logs
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile overrides Version from a .version file sitting next to
// the executable, returning the effective version either way
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return Version
	}

	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
	return Version
}

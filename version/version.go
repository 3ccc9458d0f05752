package version

import (
	_ "embed"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	//go:embed embedded/major
	major string
	//go:embed embedded/minor
	minor string
	//go:embed embedded/patch
	patch string

	// GitDescribe is set by ldflags at build time.
	GitDescribe string
	// GitCommit is set by ldflags at build time.
	GitCommit string
	// GitTreeState is set by ldflags at build time.
	GitTreeState string
	// BuildDate is set by ldflags at build time.
	BuildDate string
)

// GetVersion returns the semantic version string without a leading "v".
func GetVersion() string {
	if GitDescribe != "" {
		return normalize(GitDescribe)
	}
	return strings.TrimSpace(major) + "." + strings.TrimSpace(minor) + "." + strings.TrimSpace(patch)
}

// normalize turns git describe output such as "v0.1.0-3-gabc1234-dirty" into
// a semantic version. Output that does not parse is returned trimmed.
func normalize(describe string) string {
	describe = strings.TrimSpace(describe)
	v, err := semver.NewVersion(describe)
	if err != nil {
		return strings.TrimPrefix(describe, "v")
	}
	return v.String()
}

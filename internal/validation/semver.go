// semver.go provides semantic version validation, comparison, and ordering
// helpers used when extracting versions from git tags and picking the
// latest publishable tag.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// ValidateSemver validates that a version string is valid semantic versioning.
func ValidateSemver(versionStr string) error {
	_, err := version.NewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("invalid semantic version: %w", err)
	}
	return nil
}

// NormalizeVersion strips a leading "v" so tags like v1.2.3 store as 1.2.3.
func NormalizeVersion(versionStr string) string {
	return strings.TrimPrefix(versionStr, "v")
}

// CompareSemver compares two semantic versions.
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareSemver(v1Str, v2Str string) (int, error) {
	v1, err := version.NewVersion(v1Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v1: %w", err)
	}

	v2, err := version.NewVersion(v2Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v2: %w", err)
	}

	return v1.Compare(v2), nil
}

// LatestSemver returns the entry with the highest semantic version,
// ignoring entries that do not parse. Returns "" when nothing parses.
func LatestSemver(versions []string) string {
	parsed := make([]*version.Version, 0, len(versions))
	byCanonical := make(map[string]string, len(versions))
	for _, raw := range versions {
		v, err := version.NewVersion(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
		byCanonical[v.String()] = raw
	}
	if len(parsed) == 0 {
		return ""
	}
	sort.Sort(version.Collection(parsed))
	return byCanonical[parsed[len(parsed)-1].String()]
}

// modulename.go validates the terraform-<SYSTEM>-<NAME> repository naming
// convention and splits conforming names into their parts. The repository
// listing endpoints use it to filter candidate repositories for linking.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// moduleRepoPattern matches terraform-<system>-<name>: system is a single
// lowercase alphanumeric word, name may contain further hyphens.
var moduleRepoPattern = regexp.MustCompile(`^terraform-([a-z0-9]+)-([a-z0-9][a-z0-9-]*)$`)

// IsModuleRepoName reports whether a repository name follows the
// terraform-<system>-<name> convention.
func IsModuleRepoName(repoName string) bool {
	return moduleRepoPattern.MatchString(repoName)
}

// ParseModuleRepoName splits terraform-<system>-<name> into system and
// name. The name keeps any embedded hyphens (terraform-aws-vpc-peering
// yields system "aws", name "vpc-peering").
func ParseModuleRepoName(repoName string) (system, name string, err error) {
	m := moduleRepoPattern.FindStringSubmatch(repoName)
	if m == nil {
		return "", "", fmt.Errorf("repository %q does not follow the terraform-<system>-<name> convention", repoName)
	}
	return m[1], m[2], nil
}

// ValidateModuleName checks a registry module name segment (lowercase
// alphanumerics and hyphens, no leading or trailing hyphen).
func ValidateModuleName(name string) error {
	if name == "" {
		return fmt.Errorf("module name is required")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("module name %q must not start or end with a hyphen", name)
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("module name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// Package validation checks the user-chosen names that end up as cluster
// groups and directories.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	projectSuffixRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	directoryNameRegex = regexp.MustCompile(`^[a-z0-9_-]{1,48}$`)
	clusterUIDRegex    = regexp.MustCompile(`^[0-9]{1,10}$`)
)

// ValidateProjectName checks that name carries the allowance prefix followed
// by lowercase letters, digits and underscores.
func ValidateProjectName(name, prefix string) error {
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return fmt.Errorf("project name must begin with %q", prefix)
	}
	suffix := strings.TrimPrefix(name, prefix)
	if !projectSuffixRegex.MatchString(suffix) {
		return fmt.Errorf("project name may only contain lowercase letters, digits and underscores after %q", prefix)
	}
	if strings.HasPrefix(suffix, "_") || strings.HasSuffix(suffix, "_") {
		return fmt.Errorf("project name cannot start or end with an underscore after %q", prefix)
	}
	return nil
}

// ValidateDirectoryName checks a secure directory name without its prefix.
func ValidateDirectoryName(name string) error {
	if !directoryNameRegex.MatchString(name) {
		return fmt.Errorf("directory name may only contain lowercase letters, digits, dashes and underscores")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("directory name cannot start or end with a hyphen")
	}
	return nil
}

// ValidateClusterUID checks the numeric uid of a cluster account.
func ValidateClusterUID(uid string) error {
	if !clusterUIDRegex.MatchString(uid) {
		return fmt.Errorf("cluster uid must be 1 to 10 digits")
	}
	return nil
}

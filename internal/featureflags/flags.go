// Package featureflags switches the portal's request workflows on and off
// from FEATURE_FLAGS, a comma separated list of name=on|off|N% settings.
package featureflags

import (
	"fmt"
	"hash/fnv"
	"maps"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Workflow toggles. A workflow with no configured value is enabled.
const (
	SavioProjectRequests       = "savio_project_requests"
	VectorProjectRequests      = "vector_project_requests"
	AllocationRenewalRequests  = "allocation_renewal_requests"
	AllocationAdditionRequests = "allocation_addition_requests"
	SecureDirRequests          = "secure_dir_requests"
	AccountDeactivation        = "account_deactivation_requests"
	AccountDeletion            = "account_deletion_requests"
	IdentityLinking            = "identity_linking_requests"
	ProjectJoinRequests        = "project_join_requests"
)

var workflows = []string{
	SavioProjectRequests, VectorProjectRequests, AllocationRenewalRequests,
	AllocationAdditionRequests, SecureDirRequests, AccountDeactivation, AccountDeletion,
	IdentityLinking, ProjectJoinRequests,
}

func isWorkflow(name string) bool {
	for _, w := range workflows {
		if w == name {
			return true
		}
	}
	return false
}

// Flags is a parsed FEATURE_FLAGS value. Each setting is held as the
// percentage of users it is on for.
type Flags struct {
	percent map[string]int
	raw     map[string]string
}

// Parse reads FEATURE_FLAGS. The returned Flags hold every valid setting
// even when err reports malformed ones.
func Parse(raw string) (*Flags, error) {
	f := &Flags{percent: map[string]int{}, raw: map[string]string{}}
	var result *multierror.Error
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		name, value = clean(name), clean(value)
		if !ok || name == "" {
			result = multierror.Append(result, fmt.Errorf("%q is not name=value", entry))
			continue
		}
		pct, err := percentOf(value)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		f.percent[name] = pct
		f.raw[name] = value
	}
	return f, result.ErrorOrNil()
}

func percentOf(value string) (int, error) {
	switch value {
	case "on", "true", "1":
		return 100, nil
	case "off", "false", "0":
		return 0, nil
	}
	n, found := strings.CutSuffix(value, "%")
	pct, err := strconv.Atoi(n)
	if !found || err != nil || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%q is not on, off or a percentage", value)
	}
	return pct, nil
}

// Enabled reports whether name is on for userID. Partial rollouts bucket
// users deterministically and exclude anonymous callers. Unset workflows
// are on and other unset flags are off.
func (f *Flags) Enabled(name string, userID uint) bool {
	name = clean(name)
	var pct int
	var ok bool
	if f != nil {
		pct, ok = f.percent[name]
	}
	switch {
	case !ok:
		return isWorkflow(name)
	case pct >= 100:
		return true
	case pct <= 0 || userID == 0:
		return false
	}
	return bucket(name, userID) < pct
}

// Configured returns the settings as written.
func (f *Flags) Configured() map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return maps.Clone(f.raw)
}

// Evaluate returns every configured flag and every workflow toggle as seen
// by userID.
func (f *Flags) Evaluate(userID uint) map[string]bool {
	out := map[string]bool{}
	for _, name := range workflows {
		out[name] = f.Enabled(name, userID)
	}
	if f != nil {
		for name := range f.percent {
			out[name] = f.Enabled(name, userID)
		}
	}
	return out
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func bucket(name string, userID uint) int {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s:%d", name, userID)
	return int(h.Sum32() % 100)
}

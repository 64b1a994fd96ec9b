/*
Package audit implements the pre-scan audit: given the set of dependency
changes an install command would make, classify each against the malware
oracle and accumulate process-wide counters.
*/
package audit

import (
	"fmt"
	"sync/atomic"
)

// ChangeType is the kind of dependency-resolver change a PackageChange
// describes.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "change"
	ChangeRemove ChangeType = "remove"
)

// PackageChange is produced by an external dependency-update resolver and
// consumed by the pre-scan audit.
type PackageChange struct {
	Name    string
	Version string
	Type    ChangeType
}

// DisallowedChange is a PackageChange the oracle flagged, with a
// human-readable reason.
type DisallowedChange struct {
	PackageChange
	Reason string
}

// Result is the outcome of auditing a set of changes.
type Result struct {
	Allowed    []PackageChange
	Disallowed []DisallowedChange
}

// IsAllowed reports whether every change was allowed.
func (r Result) IsAllowed() bool {
	return len(r.Disallowed) == 0
}

// Oracle answers whether a (name, version) pair is known-malicious. Same
// shape as oracle.Oracle, redeclared here so this package has no
// dependency on the oracle package's concrete types.
type Oracle interface {
	IsMalware(name, version string) bool
}

// Counters is the process-wide audit counter triple: {total, safe,
// malware}. It is monotonically non-decreasing during a run and reset
// only at process start — callers construct one fresh Counters per run.
type Counters struct {
	total   atomic.Int64
	safe    atomic.Int64
	malware atomic.Int64
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{}
}

// Snapshot returns the current counter values. Invariant: Total == Safe +
// Malware.
func (c *Counters) Snapshot() (total, safe, malware int64) {
	return c.total.Load(), c.safe.Load(), c.malware.Load()
}

// AuditChanges classifies each change against oracle and accumulates
// counters. Remove-type changes do not consult the oracle and do not
// affect the counters — there is nothing new reaching disk to vet.
func AuditChanges(changes []PackageChange, oracle Oracle, counters *Counters) Result {
	var result Result

	for _, ch := range changes {
		if ch.Type == ChangeRemove {
			result.Allowed = append(result.Allowed, ch)
			continue
		}

		counters.total.Add(1)
		if oracle.IsMalware(ch.Name, ch.Version) {
			counters.malware.Add(1)
			result.Disallowed = append(result.Disallowed, DisallowedChange{
				PackageChange: ch,
				Reason:        fmt.Sprintf("%s@%s is a known-malicious package", ch.Name, ch.Version),
			})
			continue
		}

		counters.safe.Add(1)
		result.Allowed = append(result.Allowed, ch)
	}

	return result
}

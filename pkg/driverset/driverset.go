// Package driverset picks exactly one version of every driver component out
// of the candidates scanned from the host.
package driverset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/numtide/nixglhost/pkg/dso"
)

// Resolved maps each logical name to the single library chosen for it.
type Resolved struct {
	Libraries map[string]dso.Library
}

// Ambiguity describes two candidates at the same logical name where neither
// strictly dominates the other.
type Ambiguity struct {
	Name  string
	Paths []string
}

// ResolutionError enumerates every logical name that could not be resolved:
// required components entirely absent from the host, and names with
// non-reconcilable candidates. Mixing incompatible driver ABI versions
// corrupts GPU behavior at runtime in ways invisible until execution, so
// resolution fails loudly instead of picking one.
type ResolutionError struct {
	Missing   []string
	Ambiguous []Ambiguity
}

func (e *ResolutionError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing driver components: %s", strings.Join(e.Missing, ", ")))
	}
	for _, a := range e.Ambiguous {
		parts = append(parts, fmt.Sprintf("ambiguous candidates for %s: %s", a.Name, strings.Join(a.Paths, " vs ")))
	}
	if len(parts) == 0 {
		return "driver resolution failed"
	}
	return strings.Join(parts, "; ")
}

// Resolve picks one candidate per logical name. Precedence: earliest search
// directory first (host search-path order reflects system configuration
// intent), then the numerically highest version among candidates of equal
// rank. Returns a *ResolutionError when a required component has no
// candidate, or when two equally ranked, equally versioned candidates point
// at different files.
func Resolve(cs *dso.CandidateSet, required []string) (*Resolved, error) {
	resErr := &ResolutionError{}

	for _, name := range required {
		if len(cs.Libraries[name]) == 0 {
			resErr.Missing = append(resErr.Missing, name)
		}
	}
	sort.Strings(resErr.Missing)

	resolved := &Resolved{Libraries: map[string]dso.Library{}}
	names := make([]string, 0, len(cs.Libraries))
	for name := range cs.Libraries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		libs := cs.Libraries[name]
		if len(libs) == 0 {
			continue
		}
		// candidates are ordered rank asc, version desc: the head wins
		// unless its runner-up ties on both
		winner := libs[0]
		if len(libs) > 1 {
			next := libs[1]
			if next.Rank == winner.Rank &&
				dso.CompareVersions(next.Version, winner.Version) == 0 &&
				next.Path != winner.Path {
				resErr.Ambiguous = append(resErr.Ambiguous, Ambiguity{
					Name:  name,
					Paths: []string{winner.Path, next.Path},
				})
				continue
			}
		}
		resolved.Libraries[name] = winner
	}

	if len(resErr.Missing) > 0 || len(resErr.Ambiguous) > 0 {
		return nil, resErr
	}
	return resolved, nil
}

// Sorted returns the chosen libraries ordered by logical name.
func (r *Resolved) Sorted() []dso.Library {
	libs := make([]dso.Library, 0, len(r.Libraries))
	for _, lib := range r.Libraries {
		libs = append(libs, lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Name < libs[j].Name })
	return libs
}

// TotalSize sums the sizes of the chosen libraries.
func (r *Resolved) TotalSize() int64 {
	var total int64
	for _, lib := range r.Libraries {
		total += lib.Size
	}
	return total
}

// Fingerprint is a stable hash over the sorted (logical name, source path,
// size, mtime) tuples of the chosen libraries. Two resolutions with identical
// tuples share a fingerprint, and therefore a shim cache. Content bytes are
// deliberately not hashed: the sources are host-owned files outside this
// tool's write authority.
func (r *Resolved) Fingerprint() string {
	h := sha256.New()
	for _, lib := range r.Sorted() {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\n", lib.Name, lib.Path, lib.Size, lib.ModTime.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package conflict decides whether a session's changes overlap with work
// already landed from the same base.
//
// Detection runs in two tiers. Bloom filters over touched paths are ANDed
// first: an all-zero intersection proves the path sets disjoint and skips
// the exact comparison entirely. Any shared bit falls through to an exact
// comparison of the touched-path sets, which is the only tier allowed to
// declare a conflict. The pre-screen can only ever skip work, never miss
// an overlap.
package conflict

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"basin/internal/bloom"
)

// PathSource resolves the exact touched-path set of a landed session,
// typically from the path index or by replaying the session's log.
type PathSource interface {
	TouchedPaths(sessionID uuid.UUID) ([]string, error)
}

// Candidate is the session being screened for landing.
type Candidate struct {
	SessionID uuid.UUID
	Paths     []string
	Filter    *bloom.Filter
}

// Landed identifies one already-landed session to screen against. Filter
// may be nil when the land event predates filters; those sessions go
// straight to exact comparison.
type Landed struct {
	SessionID uuid.UUID
	Filter    *bloom.Filter
}

// Overlap names the paths a candidate shares with one landed session.
type Overlap struct {
	OtherSession uuid.UUID
	Paths        []string
}

// Stats counts the work one Check performed.
type Stats struct {
	Screened    int // landed sessions proven disjoint by the filter AND
	ExactChecks int // landed sessions that needed the exact comparison
	Overlaps    int
}

// Detector screens landing candidates against landed sessions.
type Detector struct {
	source PathSource
}

// New returns a detector that resolves exact path sets through source.
func New(source PathSource) *Detector {
	return &Detector{source: source}
}

// Check screens the candidate against each landed session in order and
// returns every overlap found. Filters with mismatched geometry skip the
// pre-screen and compare exactly.
func (d *Detector) Check(cand Candidate, landed []Landed) ([]Overlap, Stats, error) {
	var stats Stats
	if len(cand.Paths) == 0 {
		return nil, stats, nil
	}

	candPaths := sortedUnique(cand.Paths)
	var overlaps []Overlap

	for _, other := range landed {
		if cand.Filter != nil && cand.Filter.SameGeometry(other.Filter) &&
			cand.Filter.IntersectionZero(other.Filter) {
			stats.Screened++
			continue
		}

		stats.ExactChecks++
		otherPaths, err := d.source.TouchedPaths(other.SessionID)
		if err != nil {
			return nil, stats, fmt.Errorf("resolve paths for session %s: %w", other.SessionID, err)
		}

		shared := intersectSorted(candPaths, sortedUnique(otherPaths))
		if len(shared) > 0 {
			stats.Overlaps++
			overlaps = append(overlaps, Overlap{OtherSession: other.SessionID, Paths: shared})
		}
	}

	return overlaps, stats, nil
}

func sortedUnique(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.Strings(out)

	n := 0
	for i, p := range out {
		if i == 0 || p != out[n-1] {
			out[n] = p
			n++
		}
	}
	return out[:n]
}

// intersectSorted merges two sorted, deduplicated path slices.
func intersectSorted(a, b []string) []string {
	var shared []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			shared = append(shared, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return shared
}

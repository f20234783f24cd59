package conflict

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basin/internal/bloom"
)

// Test helpers

// mapSource serves exact path sets from memory and counts lookups, so
// tests can prove the pre-screen actually skipped the exact tier.
type mapSource struct {
	paths   map[uuid.UUID][]string
	lookups int
}

func (m *mapSource) TouchedPaths(sessionID uuid.UUID) ([]string, error) {
	m.lookups++
	paths, ok := m.paths[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return paths, nil
}

func filterOver(paths []string) *bloom.Filter {
	f := bloom.New(64, 0.01)
	for _, p := range paths {
		f.Add([]byte(p))
	}
	return f
}

func candidateOver(paths ...string) Candidate {
	return Candidate{
		SessionID: uuid.New(),
		Paths:     paths,
		Filter:    filterOver(paths),
	}
}

// ============================================================
// Pre-screen tier
// ============================================================

func TestDetector_DisjointSetsScreenedWithoutExactCheck(t *testing.T) {
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{landedID: {"docs/a.md", "docs/b.md"}}}
	detector := New(source)

	cand := candidateOver("src/main.go", "src/util.go")
	landed := []Landed{{SessionID: landedID, Filter: filterOver([]string{"docs/a.md", "docs/b.md"})}}

	overlaps, stats, err := detector.Check(cand, landed)
	require.NoError(t, err)
	assert.Empty(t, overlaps)
	assert.Equal(t, 1, stats.Screened)
	assert.Equal(t, 0, stats.ExactChecks)
	assert.Equal(t, 0, source.lookups)
}

func TestDetector_MismatchedGeometrySkipsPrescreen(t *testing.T) {
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{landedID: {"docs/a.md"}}}
	detector := New(source)

	cand := candidateOver("src/main.go")
	bigger := bloom.New(10000, 0.001)
	bigger.Add([]byte("docs/a.md"))
	require.False(t, cand.Filter.SameGeometry(bigger))

	overlaps, stats, err := detector.Check(cand, []Landed{{SessionID: landedID, Filter: bigger}})
	require.NoError(t, err)
	assert.Empty(t, overlaps)
	assert.Equal(t, 0, stats.Screened)
	assert.Equal(t, 1, stats.ExactChecks)
	assert.Equal(t, 1, source.lookups)
}

func TestDetector_NilFiltersGoStraightToExact(t *testing.T) {
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{landedID: {"a.txt"}}}
	detector := New(source)

	cand := Candidate{SessionID: uuid.New(), Paths: []string{"b.txt"}}
	overlaps, stats, err := detector.Check(cand, []Landed{{SessionID: landedID}})
	require.NoError(t, err)
	assert.Empty(t, overlaps)
	assert.Equal(t, 1, stats.ExactChecks)
}

func TestDetector_FalsePositiveClearedByExactTier(t *testing.T) {
	// The landed filter covers a superset of the session's actual paths,
	// so the AND has shared bits even though the exact sets are disjoint.
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{landedID: {"other.txt"}}}
	detector := New(source)

	cand := candidateOver("shared.txt")
	inflated := filterOver([]string{"other.txt", "shared.txt"})

	overlaps, stats, err := detector.Check(cand, []Landed{{SessionID: landedID, Filter: inflated}})
	require.NoError(t, err)
	assert.Empty(t, overlaps)
	assert.Equal(t, 0, stats.Screened)
	assert.Equal(t, 1, stats.ExactChecks)
	assert.Equal(t, 0, stats.Overlaps)
}

// ============================================================
// Exact tier
// ============================================================

func TestDetector_OverlapNamesPathsAndSession(t *testing.T) {
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{
		landedID: {"src/main.go", "src/shared.go", "docs/readme.md"},
	}}
	detector := New(source)

	cand := candidateOver("src/shared.go", "src/new.go", "docs/readme.md")
	overlaps, stats, err := detector.Check(cand, []Landed{
		{SessionID: landedID, Filter: filterOver([]string{"src/main.go", "src/shared.go", "docs/readme.md"})},
	})
	require.NoError(t, err)
	require.Len(t, overlaps, 1)
	assert.Equal(t, landedID, overlaps[0].OtherSession)
	assert.Equal(t, []string{"docs/readme.md", "src/shared.go"}, overlaps[0].Paths)
	assert.Equal(t, 1, stats.Overlaps)
}

func TestDetector_MultipleLandedSessions(t *testing.T) {
	disjointID := uuid.New()
	overlapID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{
		disjointID: {"docs/a.md"},
		overlapID:  {"src/main.go", "src/other.go"},
	}}
	detector := New(source)

	cand := candidateOver("src/main.go")
	overlaps, stats, err := detector.Check(cand, []Landed{
		{SessionID: disjointID, Filter: filterOver([]string{"docs/a.md"})},
		{SessionID: overlapID, Filter: filterOver([]string{"src/main.go", "src/other.go"})},
	})
	require.NoError(t, err)
	require.Len(t, overlaps, 1)
	assert.Equal(t, overlapID, overlaps[0].OtherSession)
	assert.Equal(t, []string{"src/main.go"}, overlaps[0].Paths)
	assert.Equal(t, 1, stats.Screened)
	assert.Equal(t, 1, stats.ExactChecks)
}

func TestDetector_EmptyCandidateNeverConflicts(t *testing.T) {
	detector := New(&mapSource{})

	cand := Candidate{SessionID: uuid.New()}
	overlaps, stats, err := detector.Check(cand, []Landed{{SessionID: uuid.New()}})
	require.NoError(t, err)
	assert.Empty(t, overlaps)
	assert.Equal(t, Stats{}, stats)
}

func TestDetector_DuplicatePathsReportedOnce(t *testing.T) {
	landedID := uuid.New()
	source := &mapSource{paths: map[uuid.UUID][]string{landedID: {"a.txt", "a.txt"}}}
	detector := New(source)

	cand := candidateOver("a.txt", "a.txt")
	overlaps, _, err := detector.Check(cand, []Landed{{SessionID: landedID}})
	require.NoError(t, err)
	require.Len(t, overlaps, 1)
	assert.Equal(t, []string{"a.txt"}, overlaps[0].Paths)
}

func TestDetector_SourceErrorPropagates(t *testing.T) {
	detector := New(&mapSource{paths: map[uuid.UUID][]string{}})

	cand := Candidate{SessionID: uuid.New(), Paths: []string{"a.txt"}}
	_, _, err := detector.Check(cand, []Landed{{SessionID: uuid.New()}})
	assert.Error(t, err)
}

type failingSource struct{}

func (failingSource) TouchedPaths(uuid.UUID) ([]string, error) {
	return nil, errors.New("index unavailable")
}

func TestDetector_SourceFailureStopsCheck(t *testing.T) {
	detector := New(failingSource{})

	cand := Candidate{SessionID: uuid.New(), Paths: []string{"a.txt"}}
	_, _, err := detector.Check(cand, []Landed{{SessionID: uuid.New()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
}

// ============================================================
// No false negatives
// ============================================================

func TestDetector_NeverMissesOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))

	for trial := 0; trial < 100; trial++ {
		landedID := uuid.New()

		landedPaths := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			landedPaths = append(landedPaths, fmt.Sprintf("trial-%d/landed-%d.txt", trial, rng.Intn(40)))
		}
		candPaths := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			candPaths = append(candPaths, fmt.Sprintf("trial-%d/cand-%d.txt", trial, rng.Intn(40)))
		}
		// Half the trials share one path.
		shared := trial%2 == 0
		if shared {
			candPaths = append(candPaths, landedPaths[rng.Intn(len(landedPaths))])
		}

		source := &mapSource{paths: map[uuid.UUID][]string{landedID: landedPaths}}
		cand := Candidate{SessionID: uuid.New(), Paths: candPaths, Filter: filterOver(candPaths)}

		overlaps, _, err := New(source).Check(cand, []Landed{
			{SessionID: landedID, Filter: filterOver(landedPaths)},
		})
		require.NoError(t, err)
		if shared {
			require.NotEmpty(t, overlaps, "trial %d: overlap missed", trial)
		} else {
			require.Empty(t, overlaps, "trial %d: phantom overlap", trial)
		}
	}
}

package driverset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/nixglhost/pkg/dso"
)

func lib(name, soname, dir string, rank int, version ...int) dso.Library {
	v := version
	if len(v) == 0 {
		v = nil
	}
	return dso.Library{
		Name:    name,
		SOName:  soname,
		Dir:     dir,
		Path:    filepath.Join(dir, soname),
		Version: v,
		Rank:    rank,
		Size:    1612,
		ModTime: time.Unix(1670260550, 0),
	}
}

func candidates(libs ...dso.Library) *dso.CandidateSet {
	cs := &dso.CandidateSet{Libraries: map[string][]dso.Library{}}
	for _, l := range libs {
		cs.Libraries[l.Name] = append(cs.Libraries[l.Name], l)
	}
	return cs
}

func TestResolveSearchPathPrecedenceWinsOverVersion(t *testing.T) {
	// search order [/opt/driver/lib /usr/lib]: the /opt copy wins even
	// though /usr/lib holds a newer version
	cs := candidates(
		lib("libGL", "libGL.so.1.5.0", "/opt/driver/lib", 0, 1, 5, 0),
		lib("libGL", "libGL.so.1.2.0", "/usr/lib", 1, 1, 2, 0),
	)

	resolved, err := Resolve(cs, nil)
	require.NoError(t, err)
	assert.Equal(t, "/opt/driver/lib/libGL.so.1.5.0", resolved.Libraries["libGL"].Path)

	// and the inverse ordering flips the winner
	cs = candidates(
		lib("libGL", "libGL.so.1.2.0", "/usr/lib", 0, 1, 2, 0),
		lib("libGL", "libGL.so.1.5.0", "/opt/driver/lib", 1, 1, 5, 0),
	)
	resolved, err = Resolve(cs, nil)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/libGL.so.1.2.0", resolved.Libraries["libGL"].Path)
}

func TestResolveEqualRankPicksHighestVersion(t *testing.T) {
	cs := candidates(
		lib("libcuda", "libcuda.so.1.10", "/usr/lib", 0, 1, 10),
		lib("libcuda", "libcuda.so.1.9", "/usr/lib", 0, 1, 9),
	)

	resolved, err := Resolve(cs, nil)
	require.NoError(t, err)
	// 1.10 > 1.9 numerically, despite lexically sorting lower
	assert.Equal(t, "libcuda.so.1.10", resolved.Libraries["libcuda"].SOName)
}

func TestResolveAmbiguousCandidatesFail(t *testing.T) {
	cs := candidates(
		lib("libcuda", "libcuda.so.1.2", "/usr/lib", 0, 1, 2),
		lib("libcuda", "libcuda.so.1.2", "/usr/lib/other", 0, 1, 2),
	)

	_, err := Resolve(cs, nil)
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Len(t, resErr.Ambiguous, 1)
	assert.Equal(t, "libcuda", resErr.Ambiguous[0].Name)
	assert.Contains(t, err.Error(), "libcuda")
}

func TestResolveEmptyHostNamesEveryMissingComponent(t *testing.T) {
	cs := &dso.CandidateSet{Libraries: map[string][]dso.Library{}}

	_, err := Resolve(cs, dso.RequiredComponents())
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.ElementsMatch(t, dso.RequiredComponents(), resErr.Missing)
	for _, name := range dso.RequiredComponents() {
		assert.Contains(t, err.Error(), name)
	}
}

func TestResolveOptionalComponentsMayBeAbsent(t *testing.T) {
	cs := candidates(lib("libcuda", "libcuda.so.1", "/usr/lib", 0, 1))

	resolved, err := Resolve(cs, []string{"libcuda"})
	require.NoError(t, err)
	require.Len(t, resolved.Libraries, 1)
}

func statLib(t *testing.T, dir, name string) dso.Library {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return dso.Library{
		Name:    dso.LogicalName(name),
		SOName:  name,
		Dir:     dir,
		Path:    path,
		Version: dso.ParseSOVersion(name),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func TestFingerprintIsPureAndSensitive(t *testing.T) {
	dir := t.TempDir()
	a := statLib(t, dir, "libcuda.so.1")
	b := statLib(t, dir, "libGLX_nvidia.so.0")

	r1 := &Resolved{Libraries: map[string]dso.Library{a.Name: a, b.Name: b}}
	r2 := &Resolved{Libraries: map[string]dso.Library{b.Name: b, a.Name: a}}

	// same tuples, same fingerprint, regardless of map iteration order
	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())
	assert.Len(t, r1.Fingerprint(), 64)

	// a changed mtime changes the fingerprint
	touched := a
	touched.ModTime = a.ModTime.Add(time.Hour)
	r3 := &Resolved{Libraries: map[string]dso.Library{touched.Name: touched, b.Name: b}}
	assert.NotEqual(t, r1.Fingerprint(), r3.Fingerprint())

	// so does a changed size
	grown := a
	grown.Size++
	r4 := &Resolved{Libraries: map[string]dso.Library{grown.Name: grown, b.Name: b}}
	assert.NotEqual(t, r1.Fingerprint(), r4.Fingerprint())
}

func TestResolvedSortedAndTotalSize(t *testing.T) {
	r := &Resolved{Libraries: map[string]dso.Library{
		"libcuda":       {Name: "libcuda", Size: 10},
		"libEGL_nvidia": {Name: "libEGL_nvidia", Size: 5},
	}}

	sorted := r.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, "libEGL_nvidia", sorted[0].Name)
	assert.Equal(t, "libcuda", sorted[1].Name)
	assert.Equal(t, int64(15), r.TotalSize())
}

package dso

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogicalName(t *testing.T) {
	tests := []struct {
		filename string
		expected string
	}{
		{"libGL.so.1.7.0", "libGL"},
		{"libGL.so.1", "libGL"},
		{"libGL.so", "libGL"},
		{"libEGL_nvidia.so.0", "libEGL_nvidia"},
		{"libnvidia-ml.so.535.183.06", "libnvidia-ml"},
		{"notalib", "notalib"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, LogicalName(tt.filename), tt.filename)
	}
}

func TestParseSOVersion(t *testing.T) {
	tests := []struct {
		filename string
		expected []int
	}{
		{"libGL.so.1.7.0", []int{1, 7, 0}},
		{"libGL.so.1", []int{1}},
		{"libGL.so", nil},
		{"libnvidia-ml.so.535.183.06", []int{535, 183, 6}},
		{"libfoo.so.bar", nil},
		{"libfoo", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseSOVersion(tt.filename), tt.filename)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []int
		expected int
	}{
		{"equal", []int{1, 7, 0}, []int{1, 7, 0}, 0},
		{"numeric not lexical", []int{1, 10}, []int{1, 9}, 1},
		{"major wins", []int{2, 0}, []int{1, 99, 99}, 1},
		{"shorter sorts below", []int{1, 7}, []int{1, 7, 0}, -1},
		{"both nil", nil, nil, 0},
		{"nil below versioned", nil, []int{1}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CompareVersions(tt.a, tt.b))
			assert.Equal(t, -tt.expected, CompareVersions(tt.b, tt.a))
		})
	}
}

func TestDefaultPatternsMatchKnownDrivers(t *testing.T) {
	patterns := DefaultPatterns()

	match := func(filename string) bool {
		for _, p := range patterns {
			if p.re.MatchString(filename) {
				return true
			}
		}
		return false
	}

	for _, filename := range []string{
		"libGLX_nvidia.so.0",
		"libEGL_nvidia.so.535.183.06",
		"libcuda.so.1",
		"libcudadebugger.so.535.183.06",
		"libnvidia-ml.so",
		"libdrm.so.2",
	} {
		assert.True(t, match(filename), filename)
	}

	for _, filename := range []string{
		"libc.so.6",
		"libGLX_mesa.so.0",
		"README",
	} {
		assert.False(t, match(filename), filename)
	}
}

func TestRequiredComponents(t *testing.T) {
	assert.ElementsMatch(t, []string{"libGLX_nvidia", "libEGL_nvidia", "libcuda"}, RequiredComponents())
}

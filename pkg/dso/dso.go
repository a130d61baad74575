// Package dso scans host directories for the shared objects making up the
// active GPU driver stack.
package dso

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Class tags what a driver component is for.
type Class string

const (
	ClassGraphics Class = "graphics"
	ClassCompute  Class = "compute"
)

// Library is one host DSO together with the metadata identifying it uniquely.
// Immutable once scanned.
type Library struct {
	// Name is the logical name, e.g. "libGL" for "libGL.so.1.7.0".
	Name string `json:"name"`

	// SOName is the filename that matched the pattern, kept as the identity
	// under which the library is materialized in the shim cache.
	SOName string `json:"soname"`

	// Aliases holds the other matched filenames resolving to the same file,
	// typically the soname symlink next to the concrete library
	// ("libcuda.so.1" for "libcuda.so.550.54.14"). DT_NEEDED entries and
	// dlopen calls request these names, so the shim cache must carry them.
	Aliases []string `json:"aliases,omitempty"`

	// Dir is the search directory the library was found in.
	Dir string `json:"dir"`

	// Path is the absolute path with symlinks resolved.
	Path string `json:"path"`

	// Version holds the numeric components parsed from the filename suffix,
	// e.g. [1 7 0] for "libGL.so.1.7.0". Nil when the name is unversioned.
	Version []int `json:"version,omitempty"`

	Class Class `json:"class"`

	// Rank is the index of Dir in the configured search order. Lower wins.
	Rank int `json:"rank"`

	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Pattern matches one driver component family by filename.
type Pattern struct {
	re    *regexp.Regexp
	class Class
}

// The NVIDIA DSO name lists have been figured out by looking at the output of
// nix-build -A linuxPackages.nvidia_x11 and listing ./result/lib/*.so.
var nvidiaGenericNames = []string{
	`libGLESv1_CM_nvidia\.so`,
	`libGLESv2_nvidia\.so`,
	`libglxserver_nvidia\.so`,
	`libnvcuvid\.so`,
	`libnvidia-allocator\.so`,
	`libnvidia-cfg\.so`,
	`libnvidia-compiler\.so`,
	`libnvidia-eglcore\.so`,
	`libnvidia-encode\.so`,
	`libnvidia-fbc\.so`,
	`libnvidia-glcore\.so`,
	`libnvidia-glsi\.so`,
	`libnvidia-glvkspirv\.so`,
	`libnvidia-gpucomp\.so`,
	`libnvidia-ml\.so`,
	`libnvidia-ngx\.so`,
	`libnvidia-nvvm\.so`,
	`libnvidia-opencl\.so`,
	`libnvidia-opticalflow\.so`,
	`libnvidia-ptxjitcompiler\.so`,
	`libnvidia-rtcore\.so`,
	`libnvidia-tls\.so`,
	`libnvidia-vulkan-producer\.so`,
	`libnvidia-wayland-client\.so`,
	`libnvoptix\.so`,
	`libnvtegrahv\.so`,

	// host dependencies the NVIDIA DSOs dlopen to operate
	`libdrm\.so`,
	`libffi\.so`,
	`libgbm\.so`,
	`libexpat\.so`,
	`libxcb-glx\.so`,
	`libX11-xcb\.so`,
	`libX11\.so`,
	`libXext\.so`,
	`libwayland-server\.so`,
	`libwayland-client\.so`,
}

var nvidiaCudaNames = []string{
	`libcudadebugger\.so`,
	`libcuda\.so`,
}

var nvidiaGLXNames = []string{
	`libGLX_nvidia\.so`,
}

var nvidiaEGLNames = []string{
	`libEGL_nvidia\.so`,
	`libnvidia-egl-wayland\.so`,
	`libnvidia-egl-gbm\.so`,
}

// RequiredComponents lists the logical names resolution must find on the
// host. A missing entry means the driver stack is unusable for the matching
// workload, which is surfaced instead of silently producing a broken cache.
func RequiredComponents() []string {
	return []string{"libGLX_nvidia", "libEGL_nvidia", "libcuda"}
}

func compilePatterns(names []string, class Class) []Pattern {
	ps := make([]Pattern, 0, len(names))
	for _, n := range names {
		ps = append(ps, Pattern{re: regexp.MustCompile(n + `.*$`), class: class})
	}
	return ps
}

// DefaultPatterns returns the patterns for every supported driver family.
func DefaultPatterns() []Pattern {
	var ps []Pattern
	ps = append(ps, compilePatterns(nvidiaGLXNames, ClassGraphics)...)
	ps = append(ps, compilePatterns(nvidiaEGLNames, ClassGraphics)...)
	ps = append(ps, compilePatterns(nvidiaCudaNames, ClassCompute)...)
	ps = append(ps, compilePatterns(nvidiaGenericNames, ClassGraphics)...)
	return ps
}

// LogicalName strips the ".so" suffix and anything after it.
// "libGL.so.1.7.0" and "libGL.so" both map to "libGL".
func LogicalName(filename string) string {
	if i := strings.Index(filename, ".so"); i >= 0 {
		return filename[:i]
	}
	return filename
}

// ParseSOVersion parses the numeric version components following ".so." in a
// DSO filename. Returns nil for unversioned names and for non-numeric
// suffixes.
func ParseSOVersion(filename string) []int {
	i := strings.Index(filename, ".so.")
	if i < 0 {
		return nil
	}
	parts := strings.Split(filename[i+len(".so."):], ".")
	version := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		version = append(version, n)
	}
	return version
}

// CompareVersions compares two parsed versions component-wise numerically.
// A missing component sorts below a present one, so 1.7 < 1.7.0.
func CompareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

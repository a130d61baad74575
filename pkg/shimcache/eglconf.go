package shimcache

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// libglvnd discovers EGL vendors through ICD configuration files. Only DSO
// names are written, not paths, leaving the linker free to pick the matching
// object from the injected search path.
var eglConfFiles = []struct {
	file string
	dso  string
}{
	{"10_nvidia.json", "libEGL_nvidia.so.0"},
	{"10_nvidia_wayland.json", "libnvidia-egl-wayland.so.1"},
	{"15_nvidia_gbm.json", "libnvidia-egl-gbm.so.1"},
}

type eglICDConf struct {
	FileFormatVersion string `json:"file_format_version"`
	ICD               struct {
		LibraryPath string `json:"library_path"`
	} `json:"ICD"`
}

func writeEGLConfFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &BuildError{Op: "mkdir", Path: dir, Err: err}
	}
	for _, conf := range eglConfFiles {
		c := eglICDConf{FileFormatVersion: "1.0.0"}
		c.ICD.LibraryPath = conf.dso
		b, err := json.Marshal(c)
		if err != nil {
			return &BuildError{Op: "marshal", Path: conf.file, Err: err}
		}
		if err := os.WriteFile(filepath.Join(dir, conf.file), b, 0o644); err != nil {
			return &BuildError{Op: "write", Path: conf.file, Err: err}
		}
	}
	return nil
}

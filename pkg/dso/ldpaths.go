package dso

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/numtide/nixglhost/pkg/log"
)

// conventional fallback locations, always searched last
var defaultLDDirs = []string{"/lib", "/usr/lib", "/lib64", "/usr/lib64"}

// LDSearchPaths discovers the ordered list of directories the host dynamic
// linker consults: LD_LIBRARY_PATH entries first, then the ld.so
// configuration, then the linker cache, then the conventional defaults.
// Only existing directories are returned, deduplicated, order preserved.
func LDSearchPaths() []string {
	var paths []string

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		paths = append(paths, filepath.SplitList(ldPath)...)
	}

	if confPaths, err := parseLDConfFile("/etc/ld.so.conf"); err != nil {
		log.Logger.Warnw("cannot read ld.so.conf", "error", err)
	} else {
		paths = append(paths, confPaths...)
	}

	// Termux and friends prefix the whole filesystem layout.
	if prefix := os.Getenv("PREFIX"); prefix != "" {
		if confPaths, err := parseLDConfFile(filepath.Join(prefix, "etc/ld.so.conf")); err != nil {
			log.Logger.Warnw("cannot read prefixed ld.so.conf", "prefix", prefix, "error", err)
		} else {
			paths = append(paths, confPaths...)
		}
		paths = append(paths,
			filepath.Join(prefix, "lib"),
			filepath.Join(prefix, "usr/lib"),
			filepath.Join(prefix, "lib64"),
			filepath.Join(prefix, "usr/lib64"),
		)
	}

	if cacheDirs, err := ldCacheDirs("/etc/ld.so.cache"); err != nil {
		log.Logger.Debugw("cannot read ld.so.cache", "error", err)
	} else {
		paths = append(paths, cacheDirs...)
	}

	paths = append(paths, defaultLDDirs...)

	return existingDirs(paths)
}

// parseLDConfFile reads an ld.so.conf style file, following "include"
// directives recursively. Relative include globs are resolved against the
// including file's directory.
func parseLDConfFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if dirGlob, ok := strings.CutPrefix(line, "include "); ok {
			dirGlob = strings.TrimSpace(dirGlob)
			if !filepath.IsAbs(dirGlob) {
				dirGlob = filepath.Join(filepath.Dir(path), dirGlob)
			}
			included, err := filepath.Glob(dirGlob)
			if err != nil {
				continue
			}
			for _, f := range included {
				sub, err := parseLDConfFile(f)
				if err != nil {
					continue
				}
				paths = append(paths, sub...)
			}
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

func existingDirs(paths []string) []string {
	var dirs []string
	seen := map[string]struct{}{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

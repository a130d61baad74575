// Package config holds the injected configuration for a nixglhost run.
//
// The host filesystem layout (driver locations, cache root) is read-only
// input, never a singleton: every component receives a Config value so
// resolution stays a pure function of its input.
package config

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const cacheDirName = "nix-gl-host"

// Config carries everything the wrap pipeline needs to know about the host.
type Config struct {
	// SearchDirs is the ordered list of host directories scanned for driver
	// DSOs. Earlier entries take precedence at resolution time.
	SearchDirs []string

	// CacheRoot is the directory holding one shim cache per fingerprint.
	CacheRoot string

	// PatchelfPath is the binary-patching utility. Looked up in PATH when not
	// absolute. Empty disables the rewrite strategy.
	PatchelfPath string
}

type Op struct {
	driverDir    string
	cacheRoot    string
	patchelfPath string
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.patchelfPath == "" {
		op.patchelfPath = "patchelf"
	}
}

// WithDriverDir restricts the scan to a single directory instead of the host
// dynamic-linker search path.
func WithDriverDir(dir string) OpOption {
	return func(op *Op) {
		op.driverDir = dir
	}
}

func WithCacheRoot(dir string) OpOption {
	return func(op *Op) {
		op.cacheRoot = dir
	}
}

func WithPatchelfPath(path string) OpOption {
	return func(op *Op) {
		op.patchelfPath = path
	}
}

// Default builds the configuration for this host. The cache root follows
// XDG conventions: $XDG_CACHE_HOME/nix-gl-host, falling back to
// ~/.cache/nix-gl-host.
func Default(opts ...OpOption) (Config, error) {
	op := &Op{}
	op.applyOpts(opts)

	cacheRoot := op.cacheRoot
	if cacheRoot == "" {
		base := os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			home, err := homedir.Dir()
			if err != nil {
				return Config{}, err
			}
			base = filepath.Join(home, ".cache")
		}
		cacheRoot = filepath.Join(base, cacheDirName)
	}

	var searchDirs []string
	if op.driverDir != "" {
		searchDirs = []string{op.driverDir}
	}

	return Config{
		SearchDirs:   searchDirs,
		CacheRoot:    cacheRoot,
		PatchelfPath: op.patchelfPath,
	}, nil
}

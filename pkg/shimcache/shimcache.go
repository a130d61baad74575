// Package shimcache materializes a resolved driver set into a private,
// collision-free directory the dynamic linker can be pointed at.
//
// The on-disk layout is one subdirectory per fingerprint under the cache
// root. A subdirectory is complete if and only if it exists at its final
// path: builders populate a temporary directory and publish it with a single
// rename, so concurrent readers never observe a half-built cache. The rename
// is also the only cross-process synchronization: a builder losing the race
// discards its temporary directory and adopts the winner's.
package shimcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/numtide/nixglhost/pkg/driverset"
	"github.com/numtide/nixglhost/pkg/dso"
	"github.com/numtide/nixglhost/pkg/log"
)

const (
	manifestName    = "cache.json"
	manifestVersion = 1

	// EGLConfDirName holds the EGL ICD configuration files inside a cache.
	EGLConfDirName = "egl-confs"

	ldLibraryPathFile = "ld_library_path"
)

// BuildError is an unrecoverable filesystem failure while building a cache.
// Publish races are not build errors.
type BuildError struct {
	Op   string
	Path string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("cache build failed: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// RunPathPatcher rewrites the runpath of shared objects so the cached DSOs
// can dlopen each other from the cache instead of the host directories.
type RunPathPatcher interface {
	SetRunPath(ctx context.Context, searchPaths []string, files ...string) error
}

// Cache is a published shim cache directory.
type Cache struct {
	Dir         string
	Fingerprint string

	// Hit is true when the cache existed before this invocation.
	Hit bool
}

// EGLConfDir returns the directory holding the EGL ICD configuration files.
func (c *Cache) EGLConfDir() string {
	return filepath.Join(c.Dir, EGLConfDirName)
}

// Manifest records what a cache was built from.
type Manifest struct {
	Version     int           `json:"version"`
	Fingerprint string        `json:"fingerprint"`
	Libraries   []dso.Library `json:"libraries"`
}

type Builder struct {
	root    string
	patcher RunPathPatcher
}

type OpOption func(*Builder)

// WithPatcher makes the builder copy the host DSOs into the cache and
// rewrite their runpath to the cache itself. Without a patcher the builder
// symlinks, falling back to plain copies where symlinks are unsupported.
func WithPatcher(p RunPathPatcher) OpOption {
	return func(b *Builder) {
		b.patcher = p
	}
}

func New(root string, opts ...OpOption) *Builder {
	b := &Builder{root: root}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ensure returns the published cache for the driver set's fingerprint,
// building it first when absent. The hit path performs no filesystem writes.
func (b *Builder) Ensure(ctx context.Context, set *driverset.Resolved) (*Cache, error) {
	fp := set.Fingerprint()
	final := filepath.Join(b.root, fp)

	if dirExists(final) {
		log.Logger.Debugw("shim cache hit", "fingerprint", fp, "dir", final)
		return &Cache{Dir: final, Fingerprint: fp, Hit: true}, nil
	}

	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return nil, &BuildError{Op: "mkdir", Path: b.root, Err: err}
	}

	tmp := filepath.Join(b.root, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, &BuildError{Op: "mkdir", Path: tmp, Err: err}
	}
	defer os.RemoveAll(tmp)

	log.Logger.Infow("building shim cache",
		"fingerprint", fp,
		"libraries", len(set.Libraries),
		"size", humanize.Bytes(uint64(set.TotalSize())))

	if err := b.populate(ctx, tmp, final, set); err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, final); err != nil {
		if dirExists(final) {
			// lost the publish race, the winner's directory is just as good
			log.Logger.Debugw("adopting concurrently built shim cache", "fingerprint", fp)
			return &Cache{Dir: final, Fingerprint: fp, Hit: true}, nil
		}
		return nil, &BuildError{Op: "rename", Path: final, Err: err}
	}

	return &Cache{Dir: final, Fingerprint: fp}, nil
}

// populate fills tmp with one entry per library plus the cache metadata.
// Runpaths and metadata reference final, the path the cache will live at
// once published.
func (b *Builder) populate(ctx context.Context, tmp, final string, set *driverset.Resolved) error {
	var copied []string
	for _, lib := range set.Sorted() {
		dest := filepath.Join(tmp, lib.SOName)
		if b.patcher == nil {
			if err := os.Symlink(lib.Path, dest); err != nil {
				// some filesystems (vfat, some network mounts) cannot hold
				// symlinks
				if err := copyFile(lib.Path, dest); err != nil {
					return &BuildError{Op: "copy", Path: dest, Err: err}
				}
			}
		} else {
			if err := copyFile(lib.Path, dest); err != nil {
				return &BuildError{Op: "copy", Path: dest, Err: err}
			}
			copied = append(copied, dest)
		}

		// DT_NEEDED entries and dlopen calls request the soname aliases, not
		// the concrete filename
		for _, alias := range lib.Aliases {
			aliasDest := filepath.Join(tmp, alias)
			if err := os.Symlink(lib.SOName, aliasDest); err == nil {
				continue
			}
			if err := copyFile(lib.Path, aliasDest); err != nil {
				return &BuildError{Op: "copy", Path: aliasDest, Err: err}
			}
			if b.patcher != nil {
				copied = append(copied, aliasDest)
			}
		}
	}

	if len(copied) > 0 {
		// the DSOs dlopen each other; their runpath must point inside the
		// cache so no host directory leaks into the wrapped binary
		if err := b.patcher.SetRunPath(ctx, []string{final}, copied...); err != nil {
			return &BuildError{Op: "patch", Path: tmp, Err: err}
		}
	}

	if err := writeEGLConfFiles(filepath.Join(tmp, EGLConfDirName)); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(tmp, ldLibraryPathFile), []byte(final), 0o644); err != nil {
		return &BuildError{Op: "write", Path: ldLibraryPathFile, Err: err}
	}

	manifest := Manifest{
		Version:     manifestVersion,
		Fingerprint: set.Fingerprint(),
		Libraries:   set.Sorted(),
	}
	mb, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return &BuildError{Op: "marshal", Path: manifestName, Err: err}
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), mb, 0o644); err != nil {
		return &BuildError{Op: "write", Path: manifestName, Err: err}
	}
	return nil
}

// ReadManifest loads the manifest of a published cache.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// owner-writable so the runpath patching can happen in place
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

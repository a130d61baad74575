// Package patchelf wraps the external patchelf utility, the service used to
// rewrite the dynamic-section search-path metadata of ELF objects.
package patchelf

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/numtide/nixglhost/pkg/log"
	"github.com/numtide/nixglhost/pkg/process"
)

var (
	// ErrUnsupportedBinary is reported when patchelf does not recognize the
	// target's binary format. Callers may fall back to an environment overlay.
	ErrUnsupportedBinary = errors.New("unsupported binary format")

	// ErrNotAvailable is reported when the patchelf utility is not installed.
	ErrNotAvailable = errors.New("patchelf not found")
)

// Patcher invokes one patchelf binary. The zero value is not usable; call New.
type Patcher struct {
	path string
}

// New returns a Patcher for the given patchelf path, or ErrNotAvailable when
// the utility cannot be found.
func New(path string) (*Patcher, error) {
	if path == "" {
		path = "patchelf"
	}
	if !process.CommandExists(path) {
		return nil, fmt.Errorf("%w: %q", ErrNotAvailable, path)
	}
	return &Patcher{path: path}, nil
}

// markers patchelf prints on inputs it cannot handle
var unsupportedMarkers = []string{
	"not an ELF executable",
	"invalid ELF header",
	"unsupported",
	"wrong ELF type",
}

// RunPath reads the current runpath of an ELF file.
func (p *Patcher) RunPath(ctx context.Context, file string) (string, error) {
	res, err := process.Run(ctx, process.WithCommand(p.path, "--print-rpath", file))
	if err != nil {
		return "", fmt.Errorf("patchelf: %w", err)
	}
	out := strings.TrimSpace(string(res.Output))
	if res.ExitCode != 0 {
		for _, marker := range unsupportedMarkers {
			if strings.Contains(out, marker) {
				return "", fmt.Errorf("%w: %s", ErrUnsupportedBinary, out)
			}
		}
		return "", fmt.Errorf("patchelf exited with %d: %s", res.ExitCode, out)
	}
	return out, nil
}

// PrependRunPath rewrites the file's runpath to searchPaths followed by
// whatever the file already carried, leaving the rest of its dependency
// resolution untouched.
func (p *Patcher) PrependRunPath(ctx context.Context, searchPaths []string, file string) error {
	existing, err := p.RunPath(ctx, file)
	if err != nil {
		return err
	}
	paths := append([]string{}, searchPaths...)
	if existing != "" {
		paths = append(paths, existing)
	}
	return p.SetRunPath(ctx, paths, file)
}

// SetRunPath rewrites the runpath of every file to the colon-joined
// searchPaths. All-or-nothing from the caller's perspective: any failure
// leaves the caller responsible for discarding the files.
func (p *Patcher) SetRunPath(ctx context.Context, searchPaths []string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	runpath := strings.Join(searchPaths, ":")
	args := append([]string{p.path, "--set-rpath", runpath}, files...)

	log.Logger.Debugw("patching runpath", "runpath", runpath, "files", files)
	res, err := process.Run(ctx, process.WithCommand(args...))
	if err != nil {
		return fmt.Errorf("patchelf: %w", err)
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(string(res.Output))
		for _, marker := range unsupportedMarkers {
			if strings.Contains(out, marker) {
				return fmt.Errorf("%w: %s", ErrUnsupportedBinary, out)
			}
		}
		return fmt.Errorf("patchelf exited with %d: %s", res.ExitCode, out)
	}
	return nil
}

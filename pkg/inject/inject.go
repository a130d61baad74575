// Package inject decides how a target executable loads from the shim cache:
// by rewriting the search-path metadata of a private copy, or by overlaying
// the launch environment. The original executable is never mutated.
package inject

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/numtide/nixglhost/pkg/log"
	"github.com/numtide/nixglhost/pkg/patchelf"
	"github.com/numtide/nixglhost/pkg/shimcache"
)

// Strategy is how the shim cache is spliced into the target's resolution.
type Strategy string

const (
	// StrategyAuto prefers rewrite and falls back to overlay.
	StrategyAuto Strategy = "auto"

	// StrategyRewrite copies the target to a private mutable location and
	// prepends the cache to the copy's runpath. Preferred: it composes with
	// dlopen calls the program performs itself.
	StrategyRewrite Strategy = "rewrite"

	// StrategyOverlay leaves the target alone and prepends the cache to
	// LD_LIBRARY_PATH in the launch environment.
	StrategyOverlay Strategy = "overlay"
)

// ParseStrategy validates a strategy flag value.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StrategyAuto, nil
	case StrategyAuto, StrategyRewrite, StrategyOverlay:
		return s, nil
	default:
		return "", fmt.Errorf("invalid strategy %q (supported: auto, rewrite, overlay)", raw)
	}
}

// TargetNotFoundError is fatal: there is nothing to fall back to when the
// executable itself is missing.
type TargetNotFoundError struct {
	Path string
	Err  error
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target executable %q not found or not executable: %v", e.Path, e.Err)
}

func (e *TargetNotFoundError) Unwrap() error { return e.Err }

// Plan is the outcome of injection: what to execute and with which
// environment. Ephemeral, recomputed per invocation.
type Plan struct {
	// Target is the original executable.
	Target string

	// Exec is the path to launch: a patched copy under the rewrite strategy,
	// Target itself under overlay.
	Exec string

	CacheDir string
	Strategy Strategy

	// Env holds the variables to merge into the launch environment.
	Env map[string]string
}

// Patcher is the subset of the binary-patching service the injector needs.
type Patcher interface {
	PrependRunPath(ctx context.Context, searchPaths []string, file string) error
}

type Injector struct {
	cache    *shimcache.Cache
	patcher  Patcher
	workDir  string
	strategy Strategy

	// locations assumed immutable regardless of what a permission probe says
	readOnlyPrefixes []string
}

type OpOption func(*Injector)

func WithPatcher(p Patcher) OpOption {
	return func(in *Injector) {
		in.patcher = p
	}
}

// WithWorkDir sets the private mutable location for patched copies.
func WithWorkDir(dir string) OpOption {
	return func(in *Injector) {
		in.workDir = dir
	}
}

func WithStrategy(s Strategy) OpOption {
	return func(in *Injector) {
		in.strategy = s
	}
}

func WithReadOnlyPrefixes(prefixes ...string) OpOption {
	return func(in *Injector) {
		in.readOnlyPrefixes = prefixes
	}
}

func New(cache *shimcache.Cache, opts ...OpOption) *Injector {
	in := &Injector{
		cache:            cache,
		strategy:         StrategyAuto,
		readOnlyPrefixes: []string{"/nix/store"},
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.workDir == "" {
		in.workDir = filepath.Join(filepath.Dir(cache.Dir), "patched")
	}
	return in
}

// Plan produces the injection plan for target.
func (in *Injector) Plan(ctx context.Context, target string) (*Plan, error) {
	target, err := checkTarget(target)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Target:   target,
		Exec:     target,
		CacheDir: in.cache.Dir,
		Env: map[string]string{
			"__GLX_VENDOR_LIBRARY_NAME": "nvidia",
			"__EGL_VENDOR_LIBRARY_DIRS": in.cache.EGLConfDir(),
		},
	}

	if in.strategy != StrategyOverlay && in.patcher != nil && in.canRewrite(target) {
		patched, err := in.rewrite(ctx, target)
		switch {
		case err == nil:
			plan.Exec = patched
			plan.Strategy = StrategyRewrite
			return plan, nil
		case errors.Is(err, patchelf.ErrUnsupportedBinary) && in.strategy == StrategyAuto:
			log.Logger.Warnw("binary format not patchable, falling back to environment overlay",
				"target", target, "error", err)
		default:
			return nil, err
		}
	} else if in.strategy == StrategyRewrite {
		return nil, fmt.Errorf("rewrite strategy requested but %q cannot be copied and patched", target)
	}

	plan.Strategy = StrategyOverlay
	plan.Env["LD_LIBRARY_PATH"] = prependPath(in.cache.Dir, os.Getenv("LD_LIBRARY_PATH"))
	return plan, nil
}

// checkTarget verifies the target exists and is executable, returning its
// absolute path.
func checkTarget(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", &TargetNotFoundError{Path: target, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &TargetNotFoundError{Path: target, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", &TargetNotFoundError{Path: target, Err: errors.New("not an executable file")}
	}
	return abs, nil
}

// canRewrite reports whether the target may be copied and its copy mutated.
// Targets inside a read-only store are copyable in principle, but the probe
// mirrors the store's intent: a binary whose home the invoking user cannot
// write to was not installed by them, and gets the overlay treatment.
func (in *Injector) canRewrite(target string) bool {
	for _, prefix := range in.readOnlyPrefixes {
		if strings.HasPrefix(target, prefix+string(filepath.Separator)) {
			return false
		}
	}
	return unix.Access(filepath.Dir(target), unix.W_OK) == nil
}

// rewrite copies the target into the private work directory and prepends the
// cache to the copy's runpath. Copies are cached by (target identity, cache
// fingerprint) and published by rename like the shim cache itself.
func (in *Injector) rewrite(ctx context.Context, target string) (string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return "", &TargetNotFoundError{Path: target, Err: err}
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%s", target, info.Size(), info.ModTime().UnixNano(), in.cache.Fingerprint)
	key := hex.EncodeToString(h.Sum(nil))[:16]

	base := filepath.Base(target)
	finalDir := filepath.Join(in.workDir, key)
	final := filepath.Join(finalDir, base)
	if _, err := os.Stat(final); err == nil {
		log.Logger.Debugw("reusing patched copy", "exec", final)
		return final, nil
	}

	if err := os.MkdirAll(in.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	tmpDir := filepath.Join(in.workDir, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmp := filepath.Join(tmpDir, base)
	if err := copyExecutable(target, tmp); err != nil {
		return "", fmt.Errorf("copy target: %w", err)
	}
	if err := in.patcher.PrependRunPath(ctx, []string{in.cache.Dir}, tmp); err != nil {
		return "", err
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return final, nil
		}
		return "", fmt.Errorf("publish patched copy: %w", err)
	}
	return final, nil
}

func copyExecutable(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	// owner-writable so patching can happen in place
	return os.WriteFile(dst, b, 0o755)
}

func prependPath(dir, existing string) string {
	if existing == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + existing
}

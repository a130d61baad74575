// Package wrap sequences the pipeline that makes a store-built binary load
// the host's GPU driver stack: scan, resolve, build the shim cache, plan the
// injection. Launching the resulting plan is the caller's concern.
package wrap

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	cachestate "github.com/numtide/nixglhost/pkg/cache-state"
	"github.com/numtide/nixglhost/pkg/config"
	"github.com/numtide/nixglhost/pkg/driverset"
	"github.com/numtide/nixglhost/pkg/dso"
	"github.com/numtide/nixglhost/pkg/inject"
	"github.com/numtide/nixglhost/pkg/log"
	"github.com/numtide/nixglhost/pkg/patchelf"
	"github.com/numtide/nixglhost/pkg/shimcache"
)

// LedgerFile is the cache-usage ledger, living next to the cached sets under
// the cache root.
const LedgerFile = "state.db"

// State tracks the pipeline's progress, mostly for diagnostics and tests.
type State string

const (
	StateIdle     State = "idle"
	StateScanned  State = "scanned"
	StateResolved State = "resolved"
	StateCached   State = "cached"
	StatePlanned  State = "planned"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

type Runner struct {
	cfg      config.Config
	strategy inject.Strategy

	state   State
	failure error

	cache *shimcache.Cache
}

type OpOption func(*Runner)

func WithStrategy(s inject.Strategy) OpOption {
	return func(r *Runner) {
		r.strategy = s
	}
}

func New(cfg config.Config, opts ...OpOption) *Runner {
	r := &Runner{cfg: cfg, strategy: inject.StrategyAuto, state: StateIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State reports the pipeline state, StateFailed after any error.
func (r *Runner) State() State { return r.state }

// Failure reports the error that moved the pipeline to StateFailed.
func (r *Runner) Failure() error { return r.failure }

func (r *Runner) fail(err error) error {
	r.state = StateFailed
	r.failure = err
	return err
}

// EnsureCache runs scan, resolve and cache build, returning the published
// shim cache for this host's driver set.
func (r *Runner) EnsureCache(ctx context.Context) (*shimcache.Cache, error) {
	if r.cache != nil {
		return r.cache, nil
	}

	dirs := r.cfg.SearchDirs
	if len(dirs) == 0 {
		dirs = dso.LDSearchPaths()
	}
	log.Logger.Debugw("scanning for driver DSOs", "dirs", len(dirs))
	cs := dso.Scan(dirs, dso.DefaultPatterns())
	r.state = StateScanned

	// an empty scan is not special-cased: resolution names every required
	// component missing from the host
	set, err := driverset.Resolve(cs, dso.RequiredComponents())
	if err != nil {
		return nil, r.fail(err)
	}
	r.state = StateResolved

	builder := shimcache.New(r.cfg.CacheRoot)
	patcher := r.patcher()
	if patcher != nil {
		builder = shimcache.New(r.cfg.CacheRoot, shimcache.WithPatcher(patcher))
	}
	cache, err := builder.Ensure(ctx, set)
	if err != nil {
		return nil, r.fail(err)
	}
	r.state = StateCached
	r.cache = cache

	r.recordUsage(ctx, cache, set.TotalSize())
	return cache, nil
}

// Prepare drives the full pipeline and hands back the injection plan.
func (r *Runner) Prepare(ctx context.Context, target string) (*inject.Plan, error) {
	cache, err := r.EnsureCache(ctx)
	if err != nil {
		return nil, err
	}

	opts := []inject.OpOption{inject.WithStrategy(r.strategy)}
	if patcher := r.patcher(); patcher != nil {
		opts = append(opts, inject.WithPatcher(patcher))
	}
	plan, err := inject.New(cache, opts...).Plan(ctx, target)
	if err != nil {
		return nil, r.fail(err)
	}
	r.state = StatePlanned

	r.state = StateDone
	return plan, nil
}

func (r *Runner) patcher() *patchelf.Patcher {
	p, err := patchelf.New(r.cfg.PatchelfPath)
	if err != nil {
		log.Logger.Debugw("patchelf unavailable, symlinking cache entries and using overlay injection", "error", err)
		return nil
	}
	return p
}

// recordUsage stamps the ledger. Best effort: a broken ledger never fails a
// run.
func (r *Runner) recordUsage(ctx context.Context, cache *shimcache.Cache, sizeBytes int64) {
	store, err := cachestate.Open(ctx, filepath.Join(r.cfg.CacheRoot, LedgerFile))
	if err != nil {
		log.Logger.Warnw("cannot open cache ledger", "error", err)
		return
	}
	defer store.Close()
	if err := store.Record(ctx, cache.Fingerprint, cache.Dir, sizeBytes); err != nil {
		log.Logger.Warnw("cannot record cache usage", "error", err)
	}
}

// ExecPlan replaces the current process with the plan's executable. Only
// returns on failure.
func ExecPlan(plan *inject.Plan, args []string) error {
	env := os.Environ()
	for k, v := range plan.Env {
		env = setEnv(env, k, v)
	}
	argv := append([]string{plan.Exec}, args...)
	log.Logger.Debugw("exec-ing target", "exec", plan.Exec, "strategy", plan.Strategy)
	return syscall.Exec(plan.Exec, argv, env)
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Package run implements the default nixglhost action: prepare the shim
// cache and exec the wrapped binary.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/numtide/nixglhost/pkg/config"
	"github.com/numtide/nixglhost/pkg/inject"
	"github.com/numtide/nixglhost/pkg/log"
	"github.com/numtide/nixglhost/pkg/wrap"
)

func Command(cliContext *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl, cliContext.String("log-file"))

	printPath := cliContext.Bool("print-ld-library-path")
	args := cliContext.Args()

	if printPath && len(args) > 0 {
		return errors.New("-p and BINARY are both set, choose one of them")
	}
	if !printPath && len(args) == 0 {
		cli.ShowAppHelp(cliContext)
		return errors.New("please set the BINARY you want to run")
	}

	strategy, err := inject.ParseStrategy(cliContext.String("strategy"))
	if err != nil {
		return err
	}

	var cfgOpts []config.OpOption
	if dir := cliContext.String("driver-directory"); dir != "" {
		log.Logger.Infow("retrieving DSOs from the specified directory", "dir", dir)
		cfgOpts = append(cfgOpts, config.WithDriverDir(dir))
	}
	if dir := cliContext.String("cache-dir"); dir != "" {
		cfgOpts = append(cfgOpts, config.WithCacheRoot(dir))
	}
	cfgOpts = append(cfgOpts, config.WithPatchelfPath(cliContext.String("patchelf")))
	cfg, err := config.Default(cfgOpts...)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx := context.Background()
	runner := wrap.New(cfg, wrap.WithStrategy(strategy))

	if printPath {
		cache, err := runner.EnsureCache(ctx)
		if err != nil {
			return err
		}
		fmt.Println(cache.Dir)
		return nil
	}

	plan, err := runner.Prepare(ctx, args[0])
	if err != nil {
		return err
	}
	log.Logger.Infow("injection plan ready",
		"strategy", plan.Strategy,
		"exec", plan.Exec,
		"elapsed", time.Since(start))

	return wrap.ExecPlan(plan, args[1:])
}

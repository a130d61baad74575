// Package command defines the nixglhost CLI.
package command

import (
	"github.com/urfave/cli"

	cmdcache "github.com/numtide/nixglhost/cmd/nixglhost/cache"
	cmdrun "github.com/numtide/nixglhost/cmd/nixglhost/run"
	"github.com/numtide/nixglhost/version"
)

const usage = `
# run a nix-built binary against the host GPU drivers
nixglhost /nix/store/...-myapp/bin/myapp --some-app-flag

# print the library path to inject into your own environment
nixglhost -p
`

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "nixglhost"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "Wrapper used to massage the host GL/CUDA drivers to work with your nix-built binary."
	app.ArgsUsage = "BINARY [ARGS...]"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "driver-directory,d",
			Usage: "use the driver libraries contained in this directory instead of discovering them from the load path",
		},
		&cli.BoolFlag{
			Name:  "print-ld-library-path,p",
			Usage: "print the GL/CUDA library path you should add to your environment, instead of wrapping a binary",
		},
		&cli.StringFlag{
			Name:  "cache-dir",
			Usage: "set the shim cache root (default: $XDG_CACHE_HOME/nix-gl-host)",
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "injection strategy [auto, rewrite, overlay]",
			Value: "auto",
		},
		&cli.StringFlag{
			Name:  "patchelf",
			Usage: "path to the patchelf utility",
			Value: "patchelf",
		},
		&cli.StringFlag{
			Name:  "log-level,l",
			Usage: "set the logging level [debug, info, warn, error]",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "write logs to this file (rotated) instead of stderr",
		},
	}
	app.Action = cmdrun.Command

	app.Commands = []cli.Command{
		{
			Name:  "cache",
			Usage: "inspect and clean the shim cache",
			Subcommands: []cli.Command{
				{
					Name:   "ls",
					Usage:  "list the cached driver sets",
					Action: cmdcache.CommandLs,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "cache-dir",
							Usage: "set the shim cache root (default: $XDG_CACHE_HOME/nix-gl-host)",
						},
					},
				},
				{
					Name:   "purge",
					Usage:  "delete cached driver sets",
					Action: cmdcache.CommandPurge,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "cache-dir",
							Usage: "set the shim cache root (default: $XDG_CACHE_HOME/nix-gl-host)",
						},
						&cli.DurationFlag{
							Name:  "older-than",
							Usage: "only purge caches not used for this long (e.g. 720h)",
						},
					},
				},
			},
		},
	}

	return app
}

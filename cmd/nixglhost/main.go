package main

import (
	"fmt"
	"os"

	"github.com/numtide/nixglhost/cmd/nixglhost/command"
	cmdcommon "github.com/numtide/nixglhost/cmd/nixglhost/common"
)

func main() {
	app := command.App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", cmdcommon.WarningSign, err)
		os.Exit(1)
	}
}

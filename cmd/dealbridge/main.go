package main

import (
	"os"

	"github.com/petal-labs/dealbridge/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	os.Exit(cli.ExitCode(cli.NewRootCmd(version).Execute()))
}

package main

import (
	"os"

	"github.com/portgate/portgate/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}

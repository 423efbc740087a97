package cli

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("portgate", Version)
}

func printUsage() {
	fmt.Println(`portgate - TCP tunnel broker

Usage:
  portgate server [flags]          # run the broker
  portgate apikey create [flags]
  portgate apikey list [flags]
  portgate apikey revoke [flags]
  portgate version

Run 'portgate server -h' for server flags.`)
}

// cdpmux fronts a single Chrome DevTools remote-debugging connection with a
// multi-client HTTP and WebSocket API, plus an optional raw TCP relay.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/odvcencio/cdpmux/pkg/config"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "relay":
		err = runRelay(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Printf("cdpmux %s (commit %s, built %s)\n", version, commit, buildDate)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`cdpmux - multi-client DevTools session multiplexer

Usage:
  cdpmux serve  [-config path]                       run the multiplexing server
  cdpmux relay  [-config path] [-listen addr] [-target addr]
                                                     run the standalone TCP relay
  cdpmux status [-addr url] [-token token]           query a running instance
  cdpmux version                                     print version information

Configuration is read from cdpmux.yaml in the working directory unless
-config points elsewhere. CDPMUX_* environment variables override file
settings.
`)
}

// loadConfig resolves the effective configuration for a subcommand.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	return cfg, err
}

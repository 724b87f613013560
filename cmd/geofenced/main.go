// geofenced - Geofence and home-network reconciliation daemon
//
// geofenced keeps a single circular region and a target Wi-Fi network under
// observation and reports whether the machine is "in the zone":
//
//	geofenced run                 Run the daemon in the foreground
//	geofenced config init         Write a default configuration file
//	geofenced config show         Print the effective configuration
//	geofenced config validate     Check a configuration file
//	geofenced version             Print the version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"geofenced/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun(os.Args[2:])
	case "config":
		cmdConfig(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("geofenced %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`geofenced - Geofence and home-network reconciliation daemon

USAGE:
    geofenced <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    config init         Write a default configuration file
    config show         Print the effective configuration as JSON
    config validate     Validate a configuration file
    version             Print the version
    help                Show this help message

OPTIONS:
    -config <path>      Configuration file (default: search the platform
                        config directory for geofenced.{toml,yaml,yml,json})

ENVIRONMENT:
    GEOFENCED_STORAGE_PATH, GEOFENCED_LOG_LEVEL, GEOFENCED_LOG_FORMAT,
    GEOFENCED_LOG_PATH, GEOFENCED_SOCKET_PATH, GEOFENCED_HTTP_LISTEN,
    GEOFENCED_LOCATION_SOURCE, GEOFENCED_CONNECTIVITY_BACKEND,
    GEOFENCED_NOTIFICATIONS, GEOFENCED_TRACING_ENABLED

Use geofencectl to inspect and configure a running daemon.`)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, path); err != nil {
		fmt.Fprintf(os.Stderr, "geofenced: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: geofenced config <init|show|validate> [-config path]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config "+args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	force := fs.Bool("force", false, "overwrite an existing file (init)")
	fs.Parse(args[1:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	switch args[0] {
	case "init":
		if _, err := os.Stat(path); err == nil && !*force {
			fmt.Fprintf(os.Stderr, "Configuration already exists: %s (use -force to overwrite)\n", path)
			os.Exit(1)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)

	case "show":
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(cfg)

	case "validate":
		cfg, err := config.Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			var verrs config.ValidationErrors
			if errors.As(err, &verrs) {
				fmt.Fprintf(os.Stderr, "%s is invalid:\n", path)
				for _, e := range verrs {
					fmt.Fprintf(os.Stderr, "  - %s\n", e.Error())
				}
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("%s is valid\n", path)

	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

// geofencectl is the control CLI for geofenced.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"geofenced/internal/config"
	"geofenced/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (default: from config)")
	jsonOutput = flag.Bool("json", false, "print raw JSON")
	timeout    = flag.Duration("timeout", 10*time.Second, "request timeout")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus()
	case "set":
		err = cmdSet(args)
	case "clear":
		err = cmdClear()
	case "authorize":
		err = cmdAuthorize()
	case "fix":
		err = cmdFix(args)
	case "network":
		err = cmdNetwork(args)
	case "history":
		err = cmdHistory(args)
	case "watch":
		err = cmdWatch()
	case "version":
		fmt.Printf("geofencectl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		printError(err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: geofenced run\n", colorDim, colorReset)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `geofencectl - Control utility for geofenced

Usage: geofencectl [options] <command> [args]

Commands:
  status                        Show zone, region and network state
  set -lat L -lon L -radius M   Arm the geofence (add -network SSID to also
      [-network SSID]           match a Wi-Fi network)
  set -network SSID             Match a Wi-Fi network only
  clear                         Disarm the geofence and network match
  authorize                     Ask for location permission
  fix <lat> <lon> [accuracy]    Inject a position (manual location source)
  network <kind> [name]         Set the connection (static backend);
                                kind is wifi, other or none
  history [-n count]            Show recorded transitions
  watch                         Stream events until interrupted
  version                       Print the version
  help                          Show this help message

Options:
  -config <path>   Path to config file
  -socket <path>   Daemon socket (overrides the config file)
  -json            Print raw JSON responses
  -timeout <dur>   Request timeout (default 10s)`)
}

// resolveSocket picks the socket from -socket or the configuration.
func resolveSocket() (string, error) {
	if *socketPath != "" {
		return *socketPath, nil
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

// connect dials the daemon and completes the handshake.
func connect(ctx context.Context) (*ipc.Client, error) {
	path, err := resolveSocket()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientVersion = Version
	cfg.RequestTimeout = *timeout

	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// withClient runs fn against a connected client under the request timeout.
func withClient(fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

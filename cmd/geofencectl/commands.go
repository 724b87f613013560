package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/ipc"
)

func cmdStatus() error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(status)
		}

		s := status.Snapshot
		printSection("ZONE")
		if s.Zone.InsideZone {
			fmt.Printf("  %sStatus%s         %s%sINSIDE%s\n", colorDim, colorReset, colorBold, colorGreen, colorReset)
		} else {
			fmt.Printf("  %sStatus%s         %s%sOUTSIDE%s\n", colorDim, colorReset, colorBold, colorYellow, colorReset)
		}
		fmt.Printf("  %sSummary%s        %s\n", colorDim, colorReset, s.Zone.Summary)

		printSection("GEOFENCE")
		if s.Configuration.Center != nil {
			fmt.Printf("  %sCenter%s         %s\n", colorDim, colorReset, s.Configuration.Center)
			fmt.Printf("  %sRadius%s         %gm\n", colorDim, colorReset, s.Configuration.Radius)
		} else {
			fmt.Printf("  %sCenter%s         %snot set%s\n", colorDim, colorReset, colorDim, colorReset)
		}
		fmt.Printf("  %sRegion%s         %s\n", colorDim, colorReset, status.RegionStateText)
		fmt.Printf("  %sMonitoring%s     %s\n", colorDim, colorReset, yesNo(s.MonitoringGeofence))
		fmt.Printf("  %sLocation%s       %s (%s)\n", colorDim, colorReset, status.AuthorizationText, status.LocationSource)
		fmt.Printf("  %sServices%s       %s\n", colorDim, colorReset, yesNo(s.ServicesEnabled))
		if status.LastFix != nil {
			fmt.Printf("  %sLast fix%s       %.6f,%.6f ±%gm at %s\n", colorDim, colorReset,
				status.LastFix.Latitude, status.LastFix.Longitude, status.LastFix.Accuracy,
				status.LastFix.At.Format(time.RFC3339))
		}

		printSection("NETWORK")
		if s.Configuration.TargetNetwork != nil {
			fmt.Printf("  %sTarget%s         %q\n", colorDim, colorReset, *s.Configuration.TargetNetwork)
		} else {
			fmt.Printf("  %sTarget%s         %snot set%s\n", colorDim, colorReset, colorDim, colorReset)
		}
		fmt.Printf("  %sConnected%s      %s\n", colorDim, colorReset, yesNo(s.NetworkAccessible))
		if s.ConnectedNetwork != "" {
			fmt.Printf("  %sCurrent%s        %q\n", colorDim, colorReset, s.ConnectedNetwork)
		}
		fmt.Printf("  %sMonitoring%s     %s (%s)\n", colorDim, colorReset, yesNo(s.MonitoringWifi), status.ConnectivityBackend)

		printSection("DAEMON")
		fmt.Printf("  %sVersion%s        %s%s%s\n", colorDim, colorReset, colorCyan, status.Version, colorReset)
		fmt.Printf("  %sUptime%s         %s\n", colorDim, colorReset, status.Uptime.Round(time.Second))
		fmt.Printf("  %sStarted%s        %s\n", colorDim, colorReset, status.StartedAt.Format(time.RFC3339))
		if status.ConfigManaged {
			fmt.Printf("  %sGeofence%s       managed by configuration file\n", colorDim, colorReset)
		}
		fmt.Println()
		return nil
	})
}

func cmdSet(args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	lat := fs.String("lat", "", "center latitude")
	lon := fs.String("lon", "", "center longitude")
	radius := fs.Float64("radius", 0, "radius in meters")
	network := fs.String("network", "", "target Wi-Fi network name")
	fs.Parse(args)

	var req ipc.SetConfigurationRequest
	switch {
	case *lat != "" && *lon != "":
		la, err := strconv.ParseFloat(*lat, 64)
		if err != nil {
			return fmt.Errorf("invalid latitude: %w", err)
		}
		lo, err := strconv.ParseFloat(*lon, 64)
		if err != nil {
			return fmt.Errorf("invalid longitude: %w", err)
		}
		if *radius <= 0 {
			return errors.New("-radius must be positive when a center is given")
		}
		req.Center = &ipc.Coordinate{Latitude: la, Longitude: lo}
		req.Radius = *radius
	case *lat != "" || *lon != "":
		return errors.New("-lat and -lon must be given together")
	}
	if *network != "" {
		req.TargetNetwork = network
	}
	if req.Center == nil && req.TargetNetwork == nil {
		return errors.New("nothing to set; use clear to disarm")
	}

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		resp, err := c.SetConfiguration(ctx, req)
		if err != nil {
			return err
		}
		return printConfiguration(resp)
	})
}

func cmdClear() error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		resp, err := c.ClearConfiguration(ctx)
		if err != nil {
			return err
		}
		return printConfiguration(resp)
	})
}

func printConfiguration(resp *ipc.ConfigurationResponse) error {
	if *jsonOutput {
		return printJSON(resp)
	}
	printSuccess("Configuration applied: " + resp.Configuration.String())
	fmt.Printf("  %sZone%s  %s\n", colorDim, colorReset, resp.Zone.Summary)
	return nil
}

func cmdAuthorize() error {
	return withClient(func(ctx context.Context, c *ipc.Client) error {
		status, err := c.RequestAuthorization(ctx)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(ipc.AuthorizationResponse{Authorization: status})
		}
		if status.Granted() {
			printSuccess("Location access " + status.Description())
		} else {
			printWarning("Location access " + status.Description())
		}
		return nil
	})
}

func cmdFix(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: geofencectl fix <lat> <lon> [accuracy]")
	}
	var fix ipc.Fix
	var err error
	if fix.Latitude, err = strconv.ParseFloat(args[0], 64); err != nil {
		return fmt.Errorf("invalid latitude: %w", err)
	}
	if fix.Longitude, err = strconv.ParseFloat(args[1], 64); err != nil {
		return fmt.Errorf("invalid longitude: %w", err)
	}
	if len(args) > 2 {
		if fix.Accuracy, err = strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("invalid accuracy: %w", err)
		}
	}

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		resp, err := c.InjectFix(ctx, fix)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(resp)
		}
		printSuccess("Region: " + resp.RegionState.Description())
		fmt.Printf("  %sZone%s  %s\n", colorDim, colorReset, resp.Zone.Summary)
		return nil
	})
}

func cmdNetwork(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: geofencectl network <wifi|other|none> [name]")
	}
	if _, err := ipc.ParseConnectionKind(args[0]); err != nil {
		return err
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		resp, err := c.SetNetwork(ctx, args[0], name)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(resp)
		}
		printSuccess("Target network connected: " + yesNo(resp.NetworkAccessible))
		fmt.Printf("  %sZone%s  %s\n", colorDim, colorReset, resp.Zone.Summary)
		return nil
	})
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of transitions")
	fs.Parse(args)

	return withClient(func(ctx context.Context, c *ipc.Client) error {
		transitions, err := c.History(ctx, *limit)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return printJSON(transitions)
		}
		if len(transitions) == 0 {
			fmt.Println("No transitions recorded.")
			return nil
		}
		for _, t := range transitions {
			line := fmt.Sprintf("%s  %-14s %s", t.At.Local().Format("2006-01-02 15:04:05"), t.Kind, t.Value)
			if t.Detail != "" {
				line += "  " + colorDim + t.Detail + colorReset
			}
			fmt.Println(line)
		}
		return nil
	})
}

// cmdWatch streams events until interrupted or the daemon shuts down.
func cmdWatch() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	client, err := connect(connectCtx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(connectCtx); err != nil {
		return err
	}
	if !*jsonOutput {
		fmt.Fprintf(os.Stderr, "%sWatching events, press Ctrl+C to stop%s\n", colorDim, colorReset)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return ipc.ErrConnectionLost
			}
			if *jsonOutput {
				if err := printJSON(ev); err != nil {
					return err
				}
			} else {
				printEvent(ev)
			}
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

func printEvent(ev *ipc.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")
	var detail string
	switch ev.Type {
	case ipc.EventZoneChanged:
		var z engine.ZoneStatus
		if json.Unmarshal(ev.Data, &z) == nil {
			detail = z.Summary
		}
	case ipc.EventRegionStateChanged:
		var r ipc.RegionStateEvent
		if json.Unmarshal(ev.Data, &r) == nil {
			detail = r.Description
		}
	case ipc.EventAuthorizationChanged:
		var a ipc.AuthorizationEvent
		if json.Unmarshal(ev.Data, &a) == nil {
			detail = "location access " + a.Description
		}
	case ipc.EventConfigurationChanged:
		var c engine.Configuration
		if json.Unmarshal(ev.Data, &c) == nil {
			detail = c.String()
		}
	case ipc.EventNetworkChanged:
		var n ipc.NetworkEvent
		if json.Unmarshal(ev.Data, &n) == nil {
			detail = "target network connected: " + yesNo(n.NetworkAccessible)
		}
	case ipc.EventDaemonShutdown:
		detail = "daemon shutting down"
	}
	fmt.Printf("%s  %s%-22s%s %s\n", ts, colorCyan, ev.Type, colorReset, detail)
}

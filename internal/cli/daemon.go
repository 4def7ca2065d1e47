package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/health"
	"github.com/ppiankov/shieldclaw/internal/monitor"
	"github.com/ppiankov/shieldclaw/internal/server"
	"github.com/ppiankov/shieldclaw/internal/supervisor"
)

var (
	monitorInterval time.Duration
	monitorQuick    bool
	serveListen     string
	serveNoMonitor  bool
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(unitCmd)

	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "Cycle interval (default from config, 60s)")
	monitorCmd.Flags().BoolVar(&monitorQuick, "quick", false, "Run quick health checks each cycle")

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "gRPC listen address (default from config, 127.0.0.1:7443)")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "Serve health only, without the scheduled drift and health cycle")
	serveCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "Monitor cycle interval (default from config, 60s)")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run drift detection and health checks on a schedule",
	Long: "Runs a drift check followed by a health run every interval, and hot-reloads\n" +
		"the policy file. A critical health tier engages the kill switch.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, false)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve kill switch state over gRPC health",
	Long: "Reports SERVING while operational and NOT_SERVING while locked on the\n" +
		"standard grpc.health.v1 service, hot-reloads the policy and runs the monitor.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, true)
	},
}

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print a systemd unit for shieldclaw serve",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), supervisor.MonitorUnit())
	},
}

// runDaemon runs the long-lived loops until the command context is
// cancelled by SIGINT or SIGTERM.
func runDaemon(cmd *cobra.Command, serve bool) error {
	p, closeFn, err := openPlane(cmd)
	if err != nil {
		exitCode = controlplane.ExitHard
		return err
	}
	defer closeFn()
	logger := p.Logger()
	cfg := p.Config()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	reloader, err := p.NewReloader()
	if err != nil {
		logger.Warn().Err(err).Msg("policy hot-reload disabled")
	} else {
		start("reloader", reloader.Run)
	}

	if !serve || !serveNoMonitor {
		interval := cfg.Monitor.Interval
		if monitorInterval > 0 {
			interval = monitorInterval
		}
		mode := health.ModeFull
		if monitorQuick {
			mode = health.ModeQuick
		}
		mon := monitor.New(monitor.Config{Interval: interval, Mode: mode}, p, logger)
		start("monitor", mon.Run)
	}

	if serve {
		listen := cfg.GRPC.Listen
		if serveListen != "" {
			listen = serveListen
		}
		srv := server.New(server.Config{Listen: listen}, p.KillSwitch(), logger)
		fmt.Fprintf(cmd.ErrOrStderr(), "shieldclaw health server listening on %s\n", listen)
		start("grpc", srv.Serve)
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		exitCode = controlplane.ExitFailure
		return err
	}
	return nil
}

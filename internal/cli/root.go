package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ppiankov/shieldclaw/internal/config"
	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/integrity"
	"github.com/ppiankov/shieldclaw/internal/logging"
	"github.com/ppiankov/shieldclaw/internal/observability/otel"
)

// exConfig is EX_CONFIG from sysexits.h, used when the binary fails its
// own checksum.
const exConfig = 78

var (
	configPath string
	jsonOutput bool
	logLevel   string

	exitCode int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to shieldclaw.yaml (default ~/.shieldclaw/shieldclaw.yaml or $SHIELDCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print the command result as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "shieldclaw",
	Short: "Security control plane for a self-hosted AI agent deployment",
	Long: "Screens untrusted input for prompt injection, detects configuration drift,\n" +
		"scores deployment health and owns the kill switch that stops the agent.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		res, err := integrity.VerifySelf()
		if err == nil && !res.DevBuild() && !res.Match() {
			fmt.Fprintf(cmd.ErrOrStderr(), "FATAL: binary checksum mismatch: expected %s, got %s\n", res.Expected, res.Actual)
			exitCode = exConfig
			return errBinaryTampered
		}
		return nil
	},
}

var errBinaryTampered = errors.New("binary integrity check failed")

// Execute runs the root command and exits with the command's code.
func Execute() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes args and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	exitCode = controlplane.ExitOK

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	resetCommands(ctx, rootCmd)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if exitCode == controlplane.ExitOK {
			exitCode = controlplane.ExitUsage
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode
}

// resetCommands restores every flag to its default and binds every command
// to ctx. Cobra only fills a subcommand's context when it is nil, so a
// second Run would otherwise see the first run's cancelled context.
func resetCommands(ctx context.Context, cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		resetCommands(ctx, c)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openPlane loads the configuration and opens the control plane with
// logging and tracing. The returned func releases everything.
func openPlane(cmd *cobra.Command) (*controlplane.Plane, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}

	cfg.OTel.ServiceVersion = version
	tracer, err := otel.Init(cmd.Context(), cfg.OTel)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}

	plane, err := controlplane.Open(cfg,
		controlplane.WithLogger(logger),
		controlplane.WithTracer(tracer),
		controlplane.WithSelfCheck(true),
	)
	if err != nil {
		tracer.Shutdown(context.Background())
		return nil, nil, err
	}
	return plane, func() {
		plane.Close()
		tracer.Shutdown(context.Background())
	}, nil
}

// withPlane opens the control plane, runs fn and prints its result.
func withPlane(fn func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, closeFn, err := openPlane(cmd)
		if err != nil {
			exitCode = controlplane.ExitCode(err)
			if exitCode == controlplane.ExitFailure {
				exitCode = controlplane.ExitHard
			}
			return err
		}
		defer closeFn()
		emit(cmd, fn(cmd, p, args))
		return nil
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-cluster/internal/logging"
	"github.com/vango-go/vai-cluster/pkg/cluster/agent"
	"github.com/vango-go/vai-cluster/pkg/cluster/audio"
	"github.com/vango-go/vai-cluster/pkg/cluster/roundtable"
	"github.com/vango-go/vai-cluster/pkg/config"
	"github.com/vango-go/vai-cluster/pkg/store"
)

// appDeps are the process boundaries the commands reach through, swapped out
// in tests.
type appDeps struct {
	loadConfig   func(path string) (config.Config, error)
	newConnector func(ctx context.Context, cfg config.Config) (agent.Connector, error)
	newGenerator func(ctx context.Context, cfg config.Config) (roundtable.Generator, error)
	openStore    func(ctx context.Context, databaseURL string, logger zerolog.Logger) (*store.Store, error)
	newDevices   func(cfg config.Config, logger zerolog.Logger) (audio.Microphone, audio.Speaker)
	stdin        io.Reader
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newConnector: func(ctx context.Context, cfg config.Config) (agent.Connector, error) {
			return agent.NewGeminiConnector(ctx, cfg.Gemini.APIKey)
		},
		newGenerator: newGeminiGenerator,
		openStore:    store.Open,
		newDevices:   ffmpegDevices,
		stdin:        os.Stdin,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// app is what every subcommand runs with once the root command has loaded
// configuration.
type app struct {
	deps   appDeps
	cfg    config.Config
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)
	root := &cobra.Command{
		Use:           "vai-cluster",
		Short:         "Realtime multi-agent voice cluster",
		Long:          "vai-cluster runs a room of Gemini Live voice agents that share one microphone, hear each other and hand the floor around by name.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.deps.loadConfig == nil {
				return fmt.Errorf("missing loadConfig dependency")
			}
			cfg, err := a.deps.loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: a.stderr})
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a vai-cluster.yaml config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newRoundtableCmd(a),
		newAgentsCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-cluster: %v\n", err)
		return 1
	}

	a := &app{deps: deps, stdout: stdout, stderr: stderr, logger: zerolog.Nop()}
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-cluster: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppDeps()))
}

// Package cli implements kgctl, the operator command line for the graph
// engine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/bootstrap"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/queue"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/storage"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// App carries the command dependencies. Zero fields fall back to the real
// implementations.
type App struct {
	Out io.Writer
	Err io.Writer

	NewEngine  func(ctx context.Context, cfg config.Config, log *logger.Logger) (*bootstrap.Engine, error)
	Dial       func(cfg config.Config) (queue.Publisher, func() error, error)
	OpenBucket func(ctx context.Context, cfg config.S3Config) (*storage.Bucket, error)

	v       *viper.Viper
	file    *viper.Viper
	cfgFile string
	verbose bool
}

func (a *App) defaults() {
	if a.Out == nil {
		a.Out = os.Stdout
	}
	if a.Err == nil {
		a.Err = os.Stderr
	}
	if a.NewEngine == nil {
		a.NewEngine = bootstrap.NewEngine
	}
	if a.Dial == nil {
		a.Dial = dialQueue
	}
	if a.OpenBucket == nil {
		a.OpenBucket = storage.Open
	}
	if a.v == nil {
		a.v = viper.New()
	}
	if a.file == nil {
		a.file = viper.New()
	}
}

// Execute runs kgctl with os.Args until it finishes or SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd(&App{}).ExecuteContext(ctx)
}

// NewRootCmd builds the command tree around app.
func NewRootCmd(app *App) *cobra.Command {
	app.defaults()

	root := &cobra.Command{
		Use:   "kgctl",
		Short: "Build a knowledge graph from documents and retrieve grounded evidence",
		Long: `kgctl ingests documents into the knowledge graph, retrieves cited
evidence for questions and scores answers against that evidence.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (KG_*, then the worker variables)
3. Config file (~/.kgctl/config.yaml)
4. Defaults`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	flags := root.PersistentFlags()
	flags.StringVar(&app.cfgFile, "config", "", "config file (default: $HOME/.kgctl/config.yaml)")
	flags.BoolVarP(&app.verbose, "verbose", "v", false, "verbose output")
	flags.Bool("debug", false, "debug logging")
	flags.String("backend", "", "graph backend (neo4j, memory)")
	flags.String("adapter", "", "ai adapter (openai, ollama)")
	flags.String("log-format", "", "log format (console, json, both)")

	_ = app.v.BindPFlag("debug", flags.Lookup("debug"))
	_ = app.v.BindPFlag("store.backend", flags.Lookup("backend"))
	_ = app.v.BindPFlag("ai.adapter", flags.Lookup("adapter"))
	_ = app.v.BindPFlag("log_format", flags.Lookup("log-format"))

	root.AddCommand(
		newIngestCmd(app),
		newEnqueueCmd(app),
		newQueryCmd(app),
		newValidateCmd(app),
		newStatsCmd(app),
		newConfigCmd(app),
		newVersionCmd(app),
	)
	return root
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(app.Out, "kgctl %s\n", Version)
		},
	}
}

// initConfig reads the optional config file and binds KG_* variables.
func (a *App) initConfig() error {
	f := a.file
	if a.cfgFile != "" {
		f.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		f.AddConfigPath(filepath.Join(home, ".kgctl"))
		f.SetConfigType("yaml")
		f.SetConfigName("config")
	}

	a.v.SetEnvPrefix("KG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := f.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || a.cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	} else if a.verbose {
		fmt.Fprintf(a.Err, "Using config file: %s\n", f.ConfigFileUsed())
	}
	return nil
}

// config layers the worker environment, the config file, KG_* variables
// and flags, then validates the result.
func (a *App) config() (config.Config, error) {
	cfg := config.FromEnv()

	if settings := a.file.AllSettings(); len(settings) > 0 {
		raw, err := yaml.Marshal(settings)
		if err != nil {
			return cfg, fmt.Errorf("encode settings: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode settings: %w", err)
		}
	}

	if a.v.IsSet("debug") {
		cfg.Debug = a.v.GetBool("debug")
	}
	for key, dst := range map[string]*string{
		"store.backend": &cfg.Store.Backend,
		"ai.adapter":    &cfg.AI.Adapter,
		"log_format":    &cfg.LogFormat,
	} {
		if s := a.v.GetString(key); a.v.IsSet(key) && s != "" {
			*dst = s
		}
	}
	if a.v.IsSet("retrieve.depth") {
		cfg.Retrieve.Depth = a.v.GetInt("retrieve.depth")
	}
	if a.v.IsSet("retrieve.top_sources") {
		cfg.Retrieve.TopSources = a.v.GetInt("retrieve.top_sources")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// engine builds the logger and engine. The returned func releases both.
func (a *App) engine(ctx context.Context) (*bootstrap.Engine, config.Config, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, cfg, nil, err
	}
	log, syncLog, err := bootstrap.NewLogger(cfg, a.Err)
	if err != nil {
		return nil, cfg, nil, err
	}
	eng, err := a.NewEngine(ctx, cfg, log)
	if err != nil {
		syncLog()
		return nil, cfg, nil, err
	}
	release := func() {
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("[CLI] Failed to close engine", "err", err)
		}
		syncLog()
	}
	return eng, cfg, release, nil
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect kgctl configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.config()
			if err != nil {
				return err
			}
			if used := app.file.ConfigFileUsed(); used != "" {
				fmt.Fprintf(app.Err, "Configuration file: %s\n", used)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = app.Out.Write(out)
			return err
		},
	})
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joescharf/ballot/internal/evaluate"
	"github.com/joescharf/ballot/internal/git"
	"github.com/joescharf/ballot/internal/journal"
	"github.com/joescharf/ballot/internal/naming"
	"github.com/joescharf/ballot/internal/output"
	"github.com/joescharf/ballot/internal/sessions"
	"github.com/joescharf/ballot/internal/worker"
)

// replacer maps nested keys to env var names: voting.max_variants -> BALLOT_VOTING_MAX_VARIANTS.
var replacer = strings.NewReplacer(".", "_")

// Package-level shared dependencies, initialized before every command runs.
var (
	ui     *output.UI
	logger = zap.NewNop()

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ballot",
	Short: "Run parallel implementation votes across git worktrees",
	Long: `ballot provisions one git worktree per competing implementation of a task,
watches the agents working in them, scores the finished variants and merges
the winner back into the base branch.

It is normally driven by an AI assistant over MCP (ballot mcp) or over HTTP
(ballot serve).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/ballot/config.yaml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "Directory holding the target repositories (default: current directory)")
	_ = viper.BindPFlag("workspace.root", rootCmd.PersistentFlags().Lookup("workspace"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BALLOT")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("workspace.root", "")

	viper.SetDefault("voting.default_variants", sessions.DefaultVariants)
	viper.SetDefault("voting.max_variants", sessions.DefaultMaxVariants)
	viper.SetDefault("voting.auto_finalize", false)
	viper.SetDefault("voting.auto_merge", false)

	viper.SetDefault("monitor.interval", sessions.DefaultMonitorInterval)
	viper.SetDefault("monitor.watch_files", true)

	viper.SetDefault("evaluate.test_timeout", evaluate.DefaultTestTimeout)
	viper.SetDefault("evaluate.test_commands", evaluate.DefaultTestCommands)
	viper.SetDefault("evaluate.stdout_limit", evaluate.DefaultStdoutLimit)
	viper.SetDefault("evaluate.stderr_limit", evaluate.DefaultStderrLimit)
	viper.SetDefault("evaluate.parallelism", sessions.DefaultEvalParallelism)

	wc := worker.DefaultConfig()
	viper.SetDefault("worker.launcher", worker.KindTerminal)
	viper.SetDefault("worker.command", wc.Command)
	viper.SetDefault("worker.args", wc.Args)

	viper.SetDefault("adhoc.base_ref", sessions.DefaultAdhocBaseRef)
	viper.SetDefault("adhoc.fetch", true)
	viper.SetDefault("orchestrate.auto_combine", true)
	viper.SetDefault("naming.scheme", string(naming.DefaultScheme))

	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.path", filepath.Join(stateDir, "journal.db"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("port", 8080)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
}

func initLogger() error {
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	l, err := newLogger(level, viper.GetString("log.format"), zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// newLogger builds the process logger. It never writes to stdout, which
// carries the MCP stdio protocol.
func newLogger(level, format string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log.format: unknown format %q (want console or json)", format)
	}
	return zap.New(zapcore.NewCore(enc, w, lvl)), nil
}

// workspaceRoot returns the configured workspace, defaulting to the current directory.
func workspaceRoot() (string, error) {
	if root := viper.GetString("workspace.root"); root != "" {
		return filepath.Abs(root)
	}
	return os.Getwd()
}

// runtimeDeps bundles what the long-running commands share.
type runtimeDeps struct {
	registry *sessions.Registry
	journal  journal.Journal // nil when journaling is disabled
}

func (d *runtimeDeps) Close() {
	d.registry.Close()
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			logger.Warn("close journal", zap.Error(err))
		}
	}
}

// registryConfig maps viper keys onto the registry configuration.
func registryConfig() (sessions.Config, error) {
	root, err := workspaceRoot()
	if err != nil {
		return sessions.Config{}, fmt.Errorf("workspace root: %w", err)
	}
	scheme, err := naming.ParseScheme(viper.GetString("naming.scheme"))
	if err != nil {
		return sessions.Config{}, fmt.Errorf("naming.scheme: %w", err)
	}
	return sessions.Config{
		WorkspaceRoot:   root,
		DefaultVariants: viper.GetInt("voting.default_variants"),
		MaxVariants:     viper.GetInt("voting.max_variants"),
		AutoFinalize:    viper.GetBool("voting.auto_finalize"),
		AutoMerge:       viper.GetBool("voting.auto_merge"),
		MonitorInterval: viper.GetDuration("monitor.interval"),
		WatchFiles:      viper.GetBool("monitor.watch_files"),
		EvalParallelism: viper.GetInt("evaluate.parallelism"),
		AdhocBaseRef:    viper.GetString("adhoc.base_ref"),
		AdhocFetch:      viper.GetBool("adhoc.fetch"),
		AutoCombine:     viper.GetBool("orchestrate.auto_combine"),
		NamingScheme:    scheme,
		Worker:          workerConfig(),
	}, nil
}

func workerConfig() worker.Config {
	return worker.Config{
		Command: viper.GetString("worker.command"),
		Args:    viper.GetStringSlice("worker.args"),
	}
}

// buildDeps wires git, the worker launcher, the evaluator and the journal
// into a fresh registry.
func buildDeps(ctx context.Context) (*runtimeDeps, error) {
	cfg, err := registryConfig()
	if err != nil {
		return nil, err
	}

	launcher, err := worker.New(viper.GetString("worker.launcher"), cfg.Worker, logger.Named("worker"))
	if err != nil {
		return nil, err
	}

	gc := git.NewClient()
	runner := evaluate.NewTestRunner(evaluate.RunnerConfig{
		Commands:    viper.GetStringSlice("evaluate.test_commands"),
		Timeout:     viper.GetDuration("evaluate.test_timeout"),
		StdoutLimit: viper.GetInt("evaluate.stdout_limit"),
		StderrLimit: viper.GetInt("evaluate.stderr_limit"),
	}, logger.Named("evaluate"))

	d := &runtimeDeps{}
	opts := sessions.Options{
		Git:       gc,
		Launcher:  launcher,
		Evaluator: evaluate.NewEvaluator(gc, runner, nil, logger.Named("evaluate")),
		Logger:    logger.Named("sessions"),
		Config:    cfg,
	}
	if viper.GetBool("journal.enabled") {
		j, err := journal.Open(ctx, viper.GetString("journal.path"))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		opts.Recorder = j
	}

	reg, err := sessions.New(opts)
	if err != nil {
		if d.journal != nil {
			_ = d.journal.Close()
		}
		return nil, err
	}
	d.registry = reg
	return d, nil
}

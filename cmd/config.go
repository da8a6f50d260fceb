package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ballot"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage ballot configuration.

Running bare 'ballot config' is the same as 'ballot config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# ballot configuration
# See: ballot config show (for effective values and sources)

# State directory for the journal and server PID files (default: ~/.config/ballot)
# state_dir: {{ .StateDir }}

workspace:
  # Directory whose child repositories are session targets (default: current directory)
  root: "{{ .WorkspaceRoot }}"

voting:
  # Variants created when a request does not say (default: 5)
  default_variants: {{ .DefaultVariants }}
  # Upper bound on variants per session (default: 10)
  max_variants: {{ .MaxVariants }}
  # Pick and finalize the best variant once all have completed (default: false)
  auto_finalize: {{ .AutoFinalize }}
  # Merge the automatically selected winner into the base branch (default: false)
  auto_merge: {{ .AutoMerge }}

monitor:
  # How often worktrees are polled for completion (default: 10s)
  interval: {{ .MonitorInterval }}
  # Also wake on file changes in the worktrees (default: true)
  watch_files: {{ .WatchFiles }}

evaluate:
  # Per-command test timeout (default: 60s)
  test_timeout: {{ .TestTimeout }}
  # Test commands tried in order; the first that runs wins
  test_commands:
{{- range .TestCommands }}
    - "{{ . }}"
{{- end }}
  # Variants evaluated at once (default: 4)
  parallelism: {{ .Parallelism }}

worker:
  # How agents are started: terminal, iterm, process or none (default: terminal)
  launcher: "{{ .Launcher }}"
  command: "{{ .WorkerCommand }}"
  args:
{{- range .WorkerArgs }}
    - "{{ . }}"
{{- end }}

adhoc:
  # Ref new ad-hoc worktrees start from (default: origin/main)
  base_ref: "{{ .AdhocBaseRef }}"
  # Fetch the remote first; on failure the worktree starts from HEAD (default: true)
  fetch: {{ .AdhocFetch }}

orchestrate:
  # Merge every subtask once all have completed (default: true)
  auto_combine: {{ .AutoCombine }}

naming:
  # Branch naming for new sessions: v2 embeds the task slug, v1 is the
  # older <prefix>-<session>-<variant> form (default: v2)
  scheme: "{{ .NamingScheme }}"

journal:
  # Record lifecycle events in SQLite (default: true)
  enabled: {{ .JournalEnabled }}
  # path: {{ .JournalPath }}

log:
  # debug, info, warn or error (default: info)
  level: "{{ .LogLevel }}"
  # console or json (default: console)
  format: "{{ .LogFormat }}"

# Port for 'ballot serve' (default: 8080)
port: {{ .Port }}
`

type configTemplateData struct {
	StateDir        string
	WorkspaceRoot   string
	DefaultVariants int
	MaxVariants     int
	AutoFinalize    bool
	AutoMerge       bool
	MonitorInterval string
	WatchFiles      bool
	TestTimeout     string
	TestCommands    []string
	Parallelism     int
	Launcher        string
	WorkerCommand   string
	WorkerArgs      []string
	AdhocBaseRef    string
	AdhocFetch      bool
	AutoCombine     bool
	NamingScheme    string
	JournalEnabled  bool
	JournalPath     string
	LogLevel        string
	LogFormat       string
	Port            int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func renderConfig() ([]byte, error) {
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		WorkspaceRoot:   viper.GetString("workspace.root"),
		DefaultVariants: viper.GetInt("voting.default_variants"),
		MaxVariants:     viper.GetInt("voting.max_variants"),
		AutoFinalize:    viper.GetBool("voting.auto_finalize"),
		AutoMerge:       viper.GetBool("voting.auto_merge"),
		MonitorInterval: viper.GetDuration("monitor.interval").String(),
		WatchFiles:      viper.GetBool("monitor.watch_files"),
		TestTimeout:     viper.GetDuration("evaluate.test_timeout").String(),
		TestCommands:    viper.GetStringSlice("evaluate.test_commands"),
		Parallelism:     viper.GetInt("evaluate.parallelism"),
		Launcher:        viper.GetString("worker.launcher"),
		WorkerCommand:   viper.GetString("worker.command"),
		WorkerArgs:      viper.GetStringSlice("worker.args"),
		AdhocBaseRef:    viper.GetString("adhoc.base_ref"),
		AdhocFetch:      viper.GetBool("adhoc.fetch"),
		AutoCombine:     viper.GetBool("orchestrate.auto_combine"),
		NamingScheme:    viper.GetString("naming.scheme"),
		JournalEnabled:  viper.GetBool("journal.enabled"),
		JournalPath:     viper.GetString("journal.path"),
		LogLevel:        viper.GetString("log.level"),
		LogFormat:       viper.GetString("log.format"),
		Port:            viper.GetInt("port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template execute error: %w", err)
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	content, err := renderConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(content))
	return nil
}

// configKeys lists the keys shown by 'ballot config show', in display order.
var configKeys = []string{
	"state_dir",
	"workspace.root",
	"voting.default_variants",
	"voting.max_variants",
	"voting.auto_finalize",
	"voting.auto_merge",
	"monitor.interval",
	"monitor.watch_files",
	"evaluate.test_timeout",
	"evaluate.test_commands",
	"evaluate.stdout_limit",
	"evaluate.stderr_limit",
	"evaluate.parallelism",
	"worker.launcher",
	"worker.command",
	"worker.args",
	"adhoc.base_ref",
	"adhoc.fetch",
	"orchestrate.auto_combine",
	"naming.scheme",
	"journal.enabled",
	"journal.path",
	"log.level",
	"log.format",
	"port",
}

// envVar returns the environment variable that overrides key.
func envVar(key string) string {
	return "BALLOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, key := range configKeys {
		_ = table.Append([]string{key, fmt.Sprint(viper.Get(key)), detectSource(key, envVar(key), fileValues)})
	}
	return table.Render()
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'ballot config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
